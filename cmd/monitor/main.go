// Package main: monitor service.
//
// The monitor follows the logistics chain from the block the service contract was deployed at and records the
// hand-offs of orders between companies in the work ledger. Both the service contract address (-s) and its deployment
// block (-g) are required.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"

	"github.com/tarancss/cargo/lib/block"
	"github.com/tarancss/cargo/lib/config"
	"github.com/tarancss/cargo/lib/logger"
	"github.com/tarancss/cargo/lib/metrics"
	"github.com/tarancss/cargo/lib/msg"
	"github.com/tarancss/cargo/lib/msg/amqp"
	"github.com/tarancss/cargo/lib/store/db"
	"github.com/tarancss/cargo/monitor"
)

func main() {
	if err := run(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func run() error {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from json file")
	service := flag.String("s", "", "address of the logistics service contract")
	genesis := flag.Uint64("g", 0, "block number the service contract was deployed at")
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

	if *service == "" || !passed(flag.CommandLine, "g") {
		log.Fatal("Both the service contract address (-s) and its deployment block (-g) are required")
	}

	if !common.IsHexAddress(*service) {
		log.Fatalf("Invalid service contract address: %s", *service)
	}

	log.Printf("Configuration:%+v", conf)

	bc, err := conf.Chain(conf.LogisticsChain)
	if err != nil {
		return err
	}

	// connect to database
	dbConn, err := db.New(conf.DBType, conf.DBConn)
	if err != nil {
		return fmt.Errorf("cannot connect to database: %w", err)
	}

	defer db.Close(dbConn)

	log.Printf("Connected to database:%s", conf.DBType)

	// load the logistics blockchain
	blocks, err := block.Init([]config.BlockConfig{bc}, time.Duration(conf.RPCTimeout)*time.Second)
	if err != nil {
		return err
	}

	defer block.End(blocks)

	c, err := block.Get(blocks, bc.Name)
	if err != nil {
		return err
	}

	log.Print("Blockchain clients loaded")

	// load Prometheus monitor
	if *prom {
		go metrics.Serve(":9100")
	}

	// load message broker
	mb := broker(conf.MbType, conf.MbConn)
	if mb != nil {
		defer func() {
			errClose := mb.Close()
			log.Printf("Closing messageBroker: %v", errClose)
		}()
	}

	m := monitor.New(monitor.Config{Net: bc.Name, Service: *service, Genesis: *genesis, RPS: bc.RPS}, c, dbConn, mb)

	// capture CTRL+C or docker's SIGTERM for gracious exit
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = m.Start(ctx); err != nil {
		return fmt.Errorf("[%s] monitor cannot start: %w", bc.Name, err)
	}

	err = m.Run(ctx)

	log.Printf("[%s] Monitor %s", bc.Name, m.State())

	return err
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

// passed tells whether flag name was set in fs.
func passed(fs *flag.FlagSet, name string) bool {
	found := false

	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})

	return found
}
