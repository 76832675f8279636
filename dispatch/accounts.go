package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/tarancss/cargo/lib/keystore"
	"github.com/tarancss/cargo/lib/metrics"
	"github.com/tarancss/cargo/lib/store"
)

// Operations of the account commands.
const (
	AddAccountsOp    = "procAdminAddAccounts"
	RemoveAccountsOp = "procAdminRemoveAccounts"
)

// ErrNotExist is returned when an account of AddAccounts or RemoveAccounts has no keystore file.
var ErrNotExist = errors.New("invalid params: not exist")

type accountsReq struct {
	Count    int `json:"count"`
	Accounts []struct {
		Addr   string `json:"addr"`
		Passwd string `json:"passwd"`
	} `json:"accounts"`
}

// parseAccounts validates the body of an account command. Every account must have a keystore file.
func (d *Dispatcher) parseAccounts(op string, req Request) (accountsReq, error) {
	var p accountsReq

	if req.Operation != op {
		return p, ErrOperation
	}

	if _, err := decode(req.Data, &p); err != nil {
		return p, err
	}

	if err := counted(len(p.Accounts), p.Count); err != nil {
		return p, err
	}

	for i, a := range p.Accounts {
		if !keystore.Exists(d.keystore, a.Addr) {
			return p, fmt.Errorf("%w:[%s]", ErrNotExist, a.Addr)
		}

		p.Accounts[i].Addr = strings.ToLower(a.Addr)
	}

	return p, nil
}

// AddAccounts lists new idle accounts. Accounts already listed are left untouched. It returns the number of accounts
// added.
func (d *Dispatcher) AddAccounts(ctx context.Context, req Request) (n int, err error) {
	defer observe("cmdAdminAddAccounts", &err)

	p, err := d.parseAccounts(AddAccountsOp, req)
	if err != nil {
		return 0, err
	}

	for _, a := range p.Accounts {
		err = d.db.AddAccount(ctx, store.Account{Addr: a.Addr, Passwd: a.Passwd, Status: store.Idle})

		switch {
		case errors.Is(err, store.ErrDuplicated):
			log.Debugf("Account %s already listed", a.Addr)
		case err != nil:
			return n, fmt.Errorf("cannot add account %s: %w", a.Addr, err)
		default:
			n++
		}
	}

	return n, nil
}

// RemoveAccounts unlists accounts. Accounts not listed are skipped. It returns the number of accounts removed.
func (d *Dispatcher) RemoveAccounts(ctx context.Context, req Request) (n int, err error) {
	defer observe("cmdAdminRemoveAccounts", &err)

	p, err := d.parseAccounts(RemoveAccountsOp, req)
	if err != nil {
		return 0, err
	}

	for _, a := range p.Accounts {
		err = d.db.RemoveAccount(ctx, a.Addr)

		switch {
		case errors.Is(err, store.ErrDataNotFound):
			log.Debugf("Account %s not listed", a.Addr)
		case errors.Is(err, store.ErrDuplicated):
			return n, fmt.Errorf("%w:[%s]", ErrNotExist, a.Addr)
		case err != nil:
			return n, fmt.Errorf("cannot remove account %s: %w", a.Addr, err)
		default:
			n++
		}
	}

	return n, nil
}

func observe(name string, err *error) {
	if *err != nil {
		metrics.Commands.WithLabelValues(name, "rejected").Inc()
		log.Errorf("Action: %s: %v", name, *err)

		return
	}

	metrics.Commands.WithLabelValues(name, "ok").Inc()
}
