package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/tarancss/cargo/dispatch"
)

const timeout = 15

// Router returns the routes of the RESTful API.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", a.homeHandler)
	r.HandleFunc("/networks", a.networksHandler).Methods("GET")                         // get all available blockchains
	r.HandleFunc("/getCompanyWorks/{address}", a.worksHandler).Methods("GET")           // pending work of a company
	r.HandleFunc("/getAccountStatus/{address}", a.statusHandler).Methods("GET")         // dispatch status of an account
	r.HandleFunc("/findOrderById/{originId}", a.orderByIDHandler).Methods("GET")        // order map by platform id
	r.HandleFunc("/findOrderByAddress/{address}", a.orderByAddrHandler).Methods("GET") // order map by contract
	r.HandleFunc("/cmdAdminAddAccounts", a.accountsHandler(true)).Methods("POST")
	r.HandleFunc("/cmdAdminRemoveAccounts", a.accountsHandler(false)).Methods("POST")

	for _, name := range dispatch.Commands() {
		r.HandleFunc("/"+name+"/{address}", a.cmdHandler(name)).Methods("POST")
	}

	return r
}

// Init sets up and starts the http/https server to service the RESTful API. If sslPort, ssCert and sslKey are
// informed, it will start an https (TLS) server on the specified endpoint. It returns once Stop is called.
func (a *API) Init(endpoint, port, sslPort, sslCert, sslKey string) string {
	r := a.Router()
	errs := make(chan error, 2)

	// start http server
	if port != "" {
		a.s = &http.Server{
			Handler:      r,
			Addr:         endpoint + ":" + port,
			WriteTimeout: timeout * time.Second,
			ReadTimeout:  timeout * time.Second,
		}

		go func() {
			errs <- fmt.Errorf("http server: %w", a.s.ListenAndServe())
		}()

		log.Printf("Listening to API http requests on %s:%s", endpoint, port)
	}
	// start https server
	if sslPort != "" && sslCert != "" && sslKey != "" {
		a.ss = &http.Server{
			Handler:      r,
			Addr:         endpoint + ":" + sslPort,
			WriteTimeout: timeout * time.Second,
			ReadTimeout:  timeout * time.Second,
		}

		go func() {
			errs <- fmt.Errorf("https server: %w", a.ss.ListenAndServeTLS(sslCert, sslKey))
		}()

		log.Printf("Listening to API https requests on %s:%s", endpoint, sslPort)
	}
	// wait for servers to be shutdown
	<-a.sc

	res := "shutdown"

	for {
		select {
		case err := <-errs:
			res += ", " + err.Error()
		default:
			return res
		}
	}
}
