// Package api implements the API server microservice.
//
// This microservice implements a RESTful API for the platform clients: it answers queries on the work ledger, the
// managed accounts and the order map, and dispatches the commands of the managed accounts to the blockchains.
package api

import (
	"context"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/tarancss/cargo/dispatch"
	"github.com/tarancss/cargo/lib/block"
	"github.com/tarancss/cargo/lib/msg"
	"github.com/tarancss/cargo/lib/store"
	"github.com/tarancss/cargo/lib/store/db"
)

// API contains the data necessary to deliver the service.
type API struct {
	db store.DB               // db connection
	bc map[string]block.Chain // blockchain clients
	d  *dispatch.Dispatcher
	mb msg.MsgBroker // optional
	s  *http.Server  // http server
	ss *http.Server  // https server
	sc chan struct{} // http server channel used for graceful shutdowns
}

// New returns a pointer to a new API service. The message broker mb may be nil.
func New(dbConn store.DB, mb msg.MsgBroker, bc map[string]block.Chain, d *dispatch.Dispatcher) *API {
	return &API{
		db: dbConn,
		mb: mb,
		bc: bc,
		d:  d,
		sc: make(chan struct{}),
	}
}

// Stop shuts down the http servers implementing the RESTful API, waits for the running commands and closes gracefully
// the connections to message broker and database.
func (a *API) Stop() {
	var err error
	// shutdown http server
	if a.s != nil {
		if err = a.s.Shutdown(context.Background()); err != nil {
			log.Printf("Error in http server shutdown: %v", err)
		}
	}

	if a.ss != nil {
		if err = a.ss.Shutdown(context.Background()); err != nil {
			log.Printf("Error in https server shutdown: %v", err)
		}
	}

	close(a.sc) // close server channels to indicate shutdowns have finished
	// commands release their accounts before the database is closed
	a.d.Close()

	if a.mb != nil {
		if err = a.mb.Close(); err != nil {
			log.Printf("Error closing message broker: %v", err)
		}
	}

	if a.db != nil {
		db.Close(a.db)
		log.Printf("Database disconnected")
	}
}

// ManageHandoffs starts go routines to consume the message broker queues for the hand-offs recorded by the monitor
// service. For each connected blockchain, two channels are opened, one for hand-offs, and one for errors.
func (a *API) ManageHandoffs() error {
	if a.mb == nil {
		return nil
	}

	for net := range a.bc {
		mut := new(sync.Mutex)
		mut.Lock()

		hoCh, errCh, err := a.mb.GetHandoffs(net, mut)
		if err != nil {
			return err
		}

		go func(netName string) {
			log.Printf("[%s] Start listening to monitor hand-off channel", netName)

			for h := range hoCh {
				log.WithFields(log.Fields{"order": h.Order, "from": h.From, "to": h.To, "transportid": h.Seq}).
					Infof("[%s] New work for company %s", netName, h.To)
				mut.Unlock()
			}

			log.Printf("[%s] Stop listening to monitor hand-off channel", netName)
		}(net)

		go func(netName string) {
			for e := range errCh {
				log.Errorf("[%s] Received error %v", netName, e)
			}
		}(net)
	}

	return nil
}
