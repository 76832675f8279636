// Package dispatch implements the commands that managed accounts submit to the platform contracts. A command is
// validated and its account locked synchronously, then its batch of transactions is sent in the background and the
// account released once every transaction has settled.
package dispatch

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tarancss/cargo/lib/block"
	"github.com/tarancss/cargo/lib/block/types"
	"github.com/tarancss/cargo/lib/keystore"
	"github.com/tarancss/cargo/lib/metrics"
	"github.com/tarancss/cargo/lib/store"
)

// Errors returned by Dispatch. The reason returned to clients is the error text.
var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrNoKeystore     = errors.New("keystore file does not exist")
	ErrDuplicated     = errors.New("DB error: account duplicated")
	ErrUnlisted       = errors.New("unlisted: \"AddAccounts\" needed")
	ErrBusy           = errors.New("account is busy")
	ErrOperation      = errors.New("params: invalid operation")
	ErrCount          = errors.New("params: count mismatch")
	ErrParams         = errors.New("params: invalid data")
)

const (
	releaseTimeout = 10 * time.Second
	txTimeout      = 10 * time.Minute // bounds each transaction of a batch, chain clients bound the receipt wait first
)

// Request is the body of a command: the operation name expected by the command and its data.
type Request struct {
	Operation string          `json:"operation"`
	Data      json.RawMessage `json:"data"`
}

// Outcome summarises a dispatched command once its batch has settled.
type Outcome struct {
	ID      string
	Command string
	Account string
	Sent    int // transactions mined successfully
	Failed  int
	Err     error // set when the batch could not start, ie. the key could not be decrypted
}

// Hooks are called around the batch of every command. Before runs once the account is locked and After once the
// account has been released.
type Hooks struct {
	Before func(ctx context.Context, account, command string)
	After  func(ctx context.Context, o Outcome)
}

// Dispatcher runs the commands of the managed accounts. Logistics is the chain of the service, company and order
// contracts, and Token the chain of the token contract. Both may be the same chain.
type Dispatcher struct {
	db        store.DB
	logistics block.Chain
	token     block.Chain
	keystore  string // keystore directory
	contracts string // contract artifacts directory
	hooks     Hooks
	txWait    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a dispatcher. Batches run with a context cancelled by Close.
func New(db store.DB, logistics, token block.Chain, keystoreDir, contractsDir string, hooks Hooks) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		db:        db,
		logistics: logistics,
		token:     token,
		keystore:  keystoreDir,
		contracts: contractsDir,
		hooks:     hooks,
		txWait:    txTimeout,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Wait blocks until every running batch has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close cancels the running batches and waits for them to release their accounts.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// Commands returns the names of the commands run by Dispatch.
func Commands() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}

	return names
}

// Dispatch validates command name requested by account and locks the account. The batch of the command then runs in
// the background, and the account is idle again once it has settled.
func (d *Dispatcher) Dispatch(ctx context.Context, name, account string, req Request) (err error) {
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}

	defer func() {
		if err != nil {
			metrics.Commands.WithLabelValues(name, "rejected").Inc()
			log.Errorf("Action: %s: %v", name, err)
		}
	}()

	account = strings.ToLower(account)

	a, err := d.check(ctx, account, cmd.op, req)
	if err != nil {
		return err
	}

	j, err := cmd.build(d, req.Data)
	if err != nil {
		return err
	}

	if err = d.db.AcquireAccount(ctx, account, name); err != nil {
		if errors.Is(err, store.ErrBusy) {
			return fmt.Errorf("%w ADDR:[%s]", ErrBusy, account)
		}

		return fmt.Errorf("cannot lock account %s: %w", account, err)
	}

	d.wg.Add(1)

	go d.run(name, account, a.Passwd, j)

	return nil
}

// check validates the account and the operation of a request.
func (d *Dispatcher) check(ctx context.Context, account, op string, req Request) (store.Account, error) {
	if !keystore.Exists(d.keystore, account) {
		return store.Account{}, fmt.Errorf("%w ADDR:[%s]", ErrNoKeystore, account)
	}

	n, err := d.db.CountAccounts(ctx, account)
	if err != nil {
		return store.Account{}, fmt.Errorf("cannot count accounts: %w", err)
	}

	switch {
	case n > 1:
		return store.Account{}, fmt.Errorf("%w ADDR:[%s], COUNT:[%d]", ErrDuplicated, account, n)
	case n == 0:
		return store.Account{}, fmt.Errorf("%w ADDR:[%s]", ErrUnlisted, account)
	}

	a, err := d.db.GetAccount(ctx, account)
	if err != nil {
		return store.Account{}, fmt.Errorf("cannot get account %s: %w", account, err)
	}

	if a.Status != store.Idle {
		return store.Account{}, fmt.Errorf("%w ADDR:[%s]", ErrBusy, account)
	}

	if req.Operation != op {
		return store.Account{}, ErrOperation
	}

	return a, nil
}

// run executes the batch of a command and releases the account.
func (d *Dispatcher) run(name, account, passwd string, j *job) {
	defer d.wg.Done()

	ctx := d.ctx
	start := time.Now()
	r := &run{id: uuid.NewString(), cmd: name, wait: d.txWait}

	log.Debugf("Start Procedure.... (%s) ID:[%s] ADDR:[%s]", name, r.id, account)

	if d.hooks.Before != nil {
		d.hooks.Before(ctx, account, name)
	}

	key, err := keystore.Load(d.keystore, account, passwd)
	if err != nil {
		r.err = err
		log.Errorf("%s ID:[%s] cannot load key: %v", name, r.id, err)
	} else {
		r.s = &signer{addr: account, key: key}
		j.exec(ctx, r)
	}

	rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err = d.db.ReleaseAccount(rctx, account); err != nil {
		log.Errorf("%s ID:[%s] cannot release account %s: %v", name, r.id, account, err)
	}

	o := Outcome{ID: r.id, Command: name, Account: account, Sent: r.sent, Failed: r.failed, Err: r.err}

	outcome := "ok"
	if o.Err != nil || o.Failed > 0 {
		outcome = "failed"
	}

	metrics.Commands.WithLabelValues(name, outcome).Inc()
	metrics.CommandDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	log.Debugf("End Procedure...... (%s) ID:[%s] SENT:[%d] FAILED:[%d]", name, r.id, o.Sent, o.Failed)

	if d.hooks.After != nil {
		d.hooks.After(ctx, o)
	}
}

// tx is a transaction of a batch.
type tx struct {
	to   string // empty for contract creations
	data []byte
	desc string
}

// signer hands out the nonces of an account. Chains served by the same provider share the sequence.
type signer struct {
	addr string
	key  *ecdsa.PrivateKey

	mu   sync.Mutex
	seqs []sequence
}

type sequence struct {
	c    block.Chain
	next uint64
}

// reserve returns the first of n consecutive nonces on chain c. The nonce is read from the chain once.
func (s *signer) reserve(ctx context.Context, c block.Chain, n int) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.seqs {
		if block.SameProvider(s.seqs[i].c, c) {
			first := s.seqs[i].next
			s.seqs[i].next += uint64(n)

			return first, nil
		}
	}

	first, err := c.Nonce(ctx, s.addr)
	if err != nil {
		return 0, fmt.Errorf("cannot get nonce of %s: %w", s.addr, err)
	}

	s.seqs = append(s.seqs, sequence{c: c, next: first + uint64(n)})

	return first, nil
}

// run is the state of a command batch.
type run struct {
	id   string
	cmd  string
	s    *signer
	wait time.Duration

	mu     sync.Mutex
	sent   int
	failed int
	err    error
}

func (r *run) count(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ok {
		r.sent++
	} else {
		r.failed++
	}
}

// submit sends txs on chain c concurrently, with consecutive nonces, and waits for all of them. A failed transaction
// does not stop the others, its receipt is left nil.
func (r *run) submit(ctx context.Context, c block.Chain, txs []tx) []*types.Receipt {
	rs := make([]*types.Receipt, len(txs))
	if len(txs) == 0 {
		return rs
	}

	nonce, err := r.s.reserve(ctx, c, len(txs))
	if err != nil {
		log.Errorf("[%s] %s ID:[%s] %v", c.Name(), r.cmd, r.id, err)

		for range txs {
			r.count(false)
		}

		return rs
	}

	var g errgroup.Group

	for i, t := range txs {
		i, t, n := i, t, nonce+uint64(i)

		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, r.wait)
			defer cancel()

			rc, err := c.Send(sctx, r.s.key, t.to, t.data, n)
			if err == nil && rc.Status != types.ReceiptSuccess {
				err = types.ErrReverted
			}

			if err != nil {
				r.count(false)
				metrics.Transactions.WithLabelValues(c.Name(), "failed").Inc()
				log.Errorf("[%s] %s ID:[%s] %s failed: %v", c.Name(), r.cmd, r.id, t.desc, err)

				return fmt.Errorf("%s: %w", t.desc, err)
			}

			r.count(true)
			metrics.Transactions.WithLabelValues(c.Name(), "ok").Inc()
			log.Debugf("[%s] %s done! %s =>[TXHASH]: [%s]", c.Name(), r.cmd, t.desc, rc.Hash)

			rs[i] = &rc

			return nil
		})
	}

	if err = g.Wait(); err != nil {
		log.Warnf("[%s] %s ID:[%s] batch incomplete, first failure: %v", c.Name(), r.cmd, r.id, err)
	}

	return rs
}

// job is the validated batch of a command.
type job struct {
	exec func(ctx context.Context, r *run)
}

// batch returns a job sending txs on chain c. after, when not nil, is called with the receipts once all have settled.
func batch(c block.Chain, txs []tx, after func(ctx context.Context, rs []*types.Receipt)) *job {
	return &job{exec: func(ctx context.Context, r *run) {
		rs := r.submit(ctx, c, txs)
		if after != nil {
			after(ctx, rs)
		}
	}}
}
