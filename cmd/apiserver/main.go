// Package main: API server.
//
// The API server answers the platform queries on the work ledger, the managed accounts and the order map, and runs the
// commands of the managed accounts. It should share the database of the monitor service, since the work ledger is
// written by the monitor.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tarancss/cargo/api"
	"github.com/tarancss/cargo/dispatch"
	"github.com/tarancss/cargo/lib/block"
	"github.com/tarancss/cargo/lib/config"
	"github.com/tarancss/cargo/lib/logger"
	"github.com/tarancss/cargo/lib/metrics"
	"github.com/tarancss/cargo/lib/msg"
	"github.com/tarancss/cargo/lib/msg/amqp"
	"github.com/tarancss/cargo/lib/store/db"
)

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from json file")
	prom := flag.Bool("m", false, "flag to monitor the server with Prometheus at http://localhost:9100")
	flag.Parse()

	// extract configuration
	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		panic(err)
	}

	if err = logger.Setup(conf.LogLevel, conf.LogFile); err != nil {
		panic(err)
	}

	log.Printf("Configuration:%+v", conf)

	// connect to database
	dbConn, err := db.New(conf.DBType, conf.DBConn)
	if err != nil {
		log.Fatalf("Cannot connect to database: %v", err)
	}

	log.Printf("Connected to database:%s", conf.DBType)

	// load all blockchains
	blocks, err := block.Init(conf.Bc, time.Duration(conf.RPCTimeout)*time.Second)
	if err != nil {
		log.Fatal(err)
	}

	defer block.End(blocks)

	logistics, err := block.Get(blocks, conf.LogisticsChain)
	if err != nil {
		log.Fatal(err)
	}

	token, err := block.Get(blocks, conf.TokenChain)
	if err != nil {
		log.Fatal(err)
	}

	log.Print("Blockchain clients loaded")

	if block.SameProvider(logistics, token) && logistics != token {
		log.Warnf("Chains %s and %s share the node %s, account nonces are shared", logistics.Name(), token.Name(),
			logistics.Endpoint())
	}

	// load Prometheus monitor
	if *prom {
		go metrics.Serve(":9100")
	}

	d := dispatch.New(dbConn, logistics, token, conf.Keystore, conf.Contracts, dispatch.Hooks{
		Before: func(_ context.Context, account, command string) {
			log.Debugf("Action: %s: account %s locked", command, account)
		},
		After: func(_ context.Context, o dispatch.Outcome) {
			log.WithFields(log.Fields{"id": o.ID, "account": o.Account, "sent": o.Sent, "failed": o.Failed}).
				Infof("Action: %s: finished err:%v", o.Command, o.Err)
		},
	})

	// create api service
	a := api.New(dbConn, broker(conf.MbType, conf.MbConn), blocks, d)

	// capture CTRL+C or docker's SIGTERM for gracious exit
	finish := make(chan struct{})

	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Println("Program killed !")
		// wait for the running commands and close the connections
		a.Stop()
		close(finish)
	}()

	// manage monitor hand-offs
	if err = a.ManageHandoffs(); err != nil {
		log.Errorf("Error setting up broker readers for hand-offs: %v", err)
	}

	// init RESTful API, wait for its return and log response
	log.Printf("API: %s", a.Init(conf.RestfulEndpoint, conf.Port, conf.SSLPort, conf.SSLCert, conf.SSLKey))

	<-finish
}

// broker connects to the message broker, or returns nil when none is configured.
func broker(mbType, mbConn string) msg.MsgBroker {
	switch mbType {
	case "amqp":
		mb, err := amqp.New(mbConn)
		if err != nil {
			time.Sleep(10 * time.Second) // wait 10s for AMQP to be ready and try to reconnect

			if mb, err = amqp.New(mbConn); err != nil {
				log.Fatalf("Cannot connect to message broker: %v", err)
			}
		}

		if err = mb.Setup(); err != nil {
			log.Fatalf("Cannot set up message broker: %v", err)
		}

		return mb
	case "":
		return nil
	default:
		log.Printf("Unknown message broker type: %s", mbType)

		return nil
	}
}
