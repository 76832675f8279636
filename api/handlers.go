package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/tarancss/cargo/dispatch"
	"github.com/tarancss/cargo/lib/store"
)

// Sentinels replied by the queries.
const (
	None     = "none"
	Error    = "error"
	Unlisted = "unlisted"
)

// maxBody is the largest command body accepted.
const maxBody = 1 << 20

// Response defines the data structure returned to the client making a command request.
type Response struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Count  *int   `json:"count,omitempty"`
}

// Work is an order a company has to deliver.
type Work struct {
	Addr        string `json:"addr"`
	TransportID uint64 `json:"transportid"`
}

// Works is the pending work of a company.
type Works struct {
	Company string `json:"company"`
	Count   int    `json:"count"`
	Orders  []Work `json:"orders"`
}

// Order is the order map entry of an order.
type Order struct {
	Address      string   `json:"address"`
	OriginID     string   `json:"originId"`
	Latest       int      `json:"latest"`
	TransportIDs []uint64 `json:"transportids"`
}

// reply writes v as the JSON body of the response.
func reply(rw http.ResponseWriter, status int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

// homeHandler just replies a welcome message to the client.
func (a *API) homeHandler(rw http.ResponseWriter, r *http.Request) {
	log.Printf("httpreq from %v %s", r.RemoteAddr, r.RequestURI)
	reply(rw, http.StatusOK, "Hello, this is the cargo API server!")
}

// networksHandler replies the networks available.
func (a *API) networksHandler(rw http.ResponseWriter, r *http.Request) {
	pl := make([]string, 0, len(a.bc))
	for net := range a.bc {
		pl = append(pl, net)
	}

	sort.Strings(pl)

	log.Printf("httpreq from %v %s res:%+v", r.RemoteAddr, r.RequestURI, pl)
	reply(rw, http.StatusOK, pl)
}

// worksHandler replies the orders a company has to deliver, or "none".
func (a *API) worksHandler(rw http.ResponseWriter, r *http.Request) {
	var res interface{} = None

	var err error

	defer func() {
		status := http.StatusOK
		if err != nil {
			res, status = Error, http.StatusInternalServerError
		}

		log.Printf("httpreq from %v %s res:%+v err:%v", r.RemoteAddr, r.RequestURI, res, err)
		reply(rw, status, res)
	}()

	addr := strings.ToLower(mux.Vars(r)["address"])

	ws, err := a.db.PendingWork(r.Context(), addr)
	if err != nil || len(ws) == 0 {
		return
	}

	w := Works{Company: addr, Count: len(ws), Orders: make([]Work, 0, len(ws))}
	for _, x := range ws {
		w.Orders = append(w.Orders, Work{Addr: x.Order, TransportID: x.Seq})
	}

	res = w
}

// statusHandler replies the dispatch status of an account: idle, proceeding, unlisted or error.
func (a *API) statusHandler(rw http.ResponseWriter, r *http.Request) {
	var res string

	var err error

	defer func() {
		log.Printf("httpreq from %v %s res:%s err:%v", r.RemoteAddr, r.RequestURI, res, err)
		reply(rw, http.StatusOK, res)
	}()

	acc, err := a.db.GetAccount(r.Context(), strings.ToLower(mux.Vars(r)["address"]))

	switch {
	case errors.Is(err, store.ErrDataNotFound):
		res, err = Unlisted, nil
	case err != nil:
		res = Error
	default:
		res = acc.Status.String()
	}
}

// orderByIDHandler replies the order map entry of a platform order id.
func (a *API) orderByIDHandler(rw http.ResponseWriter, r *http.Request) {
	a.orderReply(rw, r, func() (store.OrderMap, error) {
		return a.db.FindOrderByID(r.Context(), mux.Vars(r)["originId"])
	})
}

// orderByAddrHandler replies the order map entry of an order contract.
func (a *API) orderByAddrHandler(rw http.ResponseWriter, r *http.Request) {
	a.orderReply(rw, r, func() (store.OrderMap, error) {
		return a.db.FindOrderByAddress(r.Context(), strings.ToLower(mux.Vars(r)["address"]))
	})
}

func (a *API) orderReply(rw http.ResponseWriter, r *http.Request, find func() (store.OrderMap, error)) {
	var res interface{}

	o, err := find()

	switch {
	case errors.Is(err, store.ErrDataNotFound):
		res, err = None, nil
	case err != nil:
		res = Error
	default:
		res = Order{Address: o.Addr, OriginID: o.OriginID, Latest: o.Latest, TransportIDs: o.TransportIDs()}
	}

	log.Printf("httpreq from %v %s res:%+v err:%v", r.RemoteAddr, r.RequestURI, res, err)
	reply(rw, http.StatusOK, res)
}

// decodeRequest reads the command body.
func decodeRequest(rw http.ResponseWriter, r *http.Request) (dispatch.Request, error) {
	var req dispatch.Request

	if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, maxBody)).Decode(&req); err != nil {
		return req, fmt.Errorf("invalid request body: %w", err)
	}

	return req, nil
}

// cmdHandler dispatches command name for the account in the uri. It replies once the command has started.
func (a *API) cmdHandler(name string) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var err error

		addr := mux.Vars(r)["address"]

		defer func() {
			res, status := Response{OK: true}, http.StatusOK
			if err != nil {
				res, status = Response{Reason: err.Error()}, http.StatusBadRequest
			}

			log.Printf("httpreq from %v %s res:%+v", r.RemoteAddr, r.RequestURI, res)
			reply(rw, status, res)
		}()

		req, err := decodeRequest(rw, r)
		if err != nil {
			return
		}

		err = a.d.Dispatch(r.Context(), name, addr, req)
	}
}

// accountsHandler adds or removes managed accounts and replies the number of accounts changed.
func (a *API) accountsHandler(add bool) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var err error

		var n int

		defer func() {
			res, status := Response{OK: true, Count: &n}, http.StatusOK
			if err != nil {
				res, status = Response{Reason: err.Error()}, http.StatusBadRequest
			}

			log.Printf("httpreq from %v %s res:%+v", r.RemoteAddr, r.RequestURI, res)
			reply(rw, status, res)
		}()

		req, err := decodeRequest(rw, r)
		if err != nil {
			return
		}

		if add {
			n, err = a.d.AddAccounts(r.Context(), req)
		} else {
			n, err = a.d.RemoveAccounts(r.Context(), req)
		}
	}
}
