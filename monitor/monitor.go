// Package monitor implements the monitor microservice. The monitor validates the service contract deployment, replays
// the blocks mined since its last checkpoint and then follows the chain, recording the hand-offs of orders between
// companies in the work ledger.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	cache "github.com/Code-Hex/go-generics-cache"
	"github.com/Code-Hex/go-generics-cache/policy/lru"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/tarancss/cargo/lib/block"
	"github.com/tarancss/cargo/lib/block/types"
	"github.com/tarancss/cargo/lib/contract"
	"github.com/tarancss/cargo/lib/event"
	"github.com/tarancss/cargo/lib/msg"
	"github.com/tarancss/cargo/lib/store"
)

// State of a monitor.
type State int32

// Monitor states.
const (
	Unstarted State = iota
	ValidatingGenesis
	ReplayingHistory
	Live
	Fatal
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case ValidatingGenesis:
		return "validating genesis"
	case ReplayingHistory:
		return "replaying history"
	case Live:
		return "live"
	case Fatal:
		return "fatal"
	}

	return fmt.Sprintf("State(%d)", int32(s))
}

// Errors returned by Start. Both are fatal, the monitor must not run.
var (
	ErrGenesis      = errors.New("invalid genesis")
	ErrInconsistent = errors.New("need to reset DB")
)

var errSubscription = errors.New("subscription closed")

const (
	defaultCacheSize = 256
	headBuffer       = 16
	minInterval      = 50 * time.Millisecond
)

// Config contains the monitored network, the service contract address and the block it was deployed at. RPS caps the
// number of blocks replayed per second, zero meaning no limit.
type Config struct {
	Net       string
	Service   string
	Genesis   uint64
	RPS       int
	CacheSize int
}

// Monitor implements a monitor of a network.
type Monitor struct {
	cfg      Config
	c        block.Chain
	db       store.DB
	mb       msg.MsgBroker // optional
	table    *event.Table
	cur      *Cursor
	next     uint64 // next block to process
	limiter  *rate.Limiter
	platform *cache.Cache[string, bool]
	state    atomic.Int32
}

// New instantiates a monitor for the network cfg.Net served by chain c. The message broker mb may be nil.
func New(cfg Config, c block.Chain, db store.DB, mb msg.MsgBroker) *Monitor {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}

	cfg.Service = strings.ToLower(cfg.Service)

	return &Monitor{
		cfg:      cfg,
		c:        c,
		db:       db,
		mb:       mb,
		table:    event.NewTable(contract.Service),
		cur:      NewCursor(cfg.Net, c.MaxBlocks()),
		limiter:  rate.NewLimiter(limit, 1),
		platform: cache.New[string, bool](cache.AsLRU[string, bool](lru.WithCapacity(cfg.CacheSize))),
	}
}

// State returns the current state of the monitor.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

func (m *Monitor) setState(s State) {
	if old := State(m.state.Swap(int32(s))); old != s {
		log.Infof("[%s] Monitor %s -> %s", m.cfg.Net, old, s)
	}
}

// Start validates the genesis block and computes the block the monitor starts from. An error means the monitor is
// in the Fatal state and must not be run.
func (m *Monitor) Start(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			m.setState(Fatal)
			log.Errorf("[%s] %v", m.cfg.Net, err)
		}
	}()

	m.setState(ValidatingGenesis)

	if err = m.validateGenesis(ctx); err != nil {
		return err
	}

	if m.next, err = m.startBlock(ctx); err != nil {
		return err
	}

	log.Infof("[%s] Start Monitoring from BlockNumber:[%d]", m.cfg.Net, m.next)

	return nil
}

// validateGenesis checks the service contract was created in the genesis block and it identifies itself as such.
func (m *Monitor) validateGenesis(ctx context.Context) error {
	b, err := m.c.GetBlock(ctx, m.cfg.Genesis)
	if err != nil {
		return fmt.Errorf("%w: BlockNumber: [%d]: %v", ErrGenesis, m.cfg.Genesis, err) //nolint:errorlint // cause
	}

	log.Debugf("[%s] block: [%d] txnum: [%d]", m.cfg.Net, b.Number, len(b.Tx))

	for _, tx := range b.Tx {
		if tx.To != "" || len(tx.Input) == 0 {
			continue
		}

		r, err := m.c.Receipt(ctx, tx.Hash)
		if err != nil {
			log.Warnf("[%s] Cannot get receipt of %s: %v", m.cfg.Net, tx.Hash, err)

			continue
		}

		if strings.ToLower(r.Contract) != m.cfg.Service {
			continue
		}

		ok, err := contract.IsPlatform(ctx, m.c, r.Contract)
		if err != nil {
			return fmt.Errorf("%w: service %s: %v", ErrGenesis, r.Contract, err) //nolint:errorlint // cause
		}

		if !ok {
			continue
		}

		if p, err := contract.Prefix(ctx, m.c, r.Contract); err == nil && p == contract.ServicePrefix {
			return nil
		}
	}

	return fmt.Errorf("%w: service %s not created at BlockNumber: [%d]", ErrGenesis, m.cfg.Service, m.cfg.Genesis)
}

// startBlock returns the first block to process. A checkpointed block is processed again after its work items are
// purged.
func (m *Monitor) startBlock(ctx context.Context) (uint64, error) {
	cp, err := m.db.LoadCheckpoint(ctx, m.cfg.Net)

	switch {
	case errors.Is(err, store.ErrDataNotFound):
		n, err := m.db.CountWork(ctx)
		if err != nil {
			return 0, fmt.Errorf("cannot count work items: %w", err)
		}

		if n != 0 {
			return 0, fmt.Errorf("%w: no checkpoint but %d work items exist", ErrInconsistent, n)
		}

		return m.cfg.Genesis, nil
	case err != nil:
		return 0, fmt.Errorf("cannot load checkpoint: %w", err)
	}

	if cp.Block < m.cfg.Genesis {
		return 0, fmt.Errorf("%w: checkpoint %d < genesis %d", ErrInconsistent, cp.Block, m.cfg.Genesis)
	}

	deleted, err := m.db.PurgeWork(ctx, cp.Block)
	if err != nil {
		return 0, fmt.Errorf("cannot purge work items of block %d: %w", cp.Block, err)
	}

	log.Debugf("[%s] Work purge of block %d done, DeletedCount: [%d]", m.cfg.Net, cp.Block, deleted)

	m.cur.FromStore(cp)
	m.cur.Rewind()

	return cp.Block, nil
}

// Run replays the blocks from the start block to the chain head and then follows the chain until ctx is done. Start
// must have succeeded before.
func (m *Monitor) Run(ctx context.Context) error {
	m.setState(ReplayingHistory)

	if err := m.replay(ctx); err != nil {
		return nil //nolint:nilerr // replay only fails when ctx is done
	}

	log.Infof("[%s] START BLOCK:[%d]", m.cfg.Net, m.next)
	m.setState(Live)

	m.live(ctx)

	return nil
}

// interval is the time waited between polls and retries.
func (m *Monitor) interval() time.Duration {
	if avg := m.c.AvgBlock(); avg > 0 {
		return time.Duration(avg) * time.Second
	}

	return minInterval
}

// wait sleeps for an interval. It returns false if ctx is done.
func (m *Monitor) wait(ctx context.Context) bool {
	t := time.NewTimer(m.interval())
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// replay processes blocks until the chain head, which is read again after every block. Failing blocks are retried
// after an interval. It only returns an error when ctx is done.
func (m *Monitor) replay(ctx context.Context) error {
	for {
		head, err := m.c.BlockNumber(ctx)
		if err != nil {
			log.Errorf("[%s] Cannot get block number: %v", m.cfg.Net, err)

			if !m.wait(ctx) {
				return ctx.Err()
			}

			continue
		}

		if m.next > head {
			return nil
		}

		if err = m.limiter.Wait(ctx); err != nil {
			return err
		}

		if err = m.step(ctx, m.next); err != nil {
			log.Errorf("[%s] Cannot process block %d: %v", m.cfg.Net, m.next, err)

			if !m.wait(ctx) {
				return ctx.Err()
			}
		}
	}
}

// step fetches and processes block number.
func (m *Monitor) step(ctx context.Context, number uint64) error {
	b, err := m.c.GetBlock(ctx, number)
	if err != nil {
		return err
	}

	return m.processBlock(ctx, b)
}

// live follows the chain head. Subscriptions are renewed when they fail, and chains without subscriptions are polled.
func (m *Monitor) live(ctx context.Context) {
	for ctx.Err() == nil {
		heads := make(chan types.Header, headBuffer)

		sub, err := m.c.SubscribeHeads(ctx, heads)
		if errors.Is(err, types.ErrNoSubscription) {
			log.Infof("[%s] Polling for new blocks every %v", m.cfg.Net, m.interval())
			m.poll(ctx)

			return
		}

		if err != nil {
			log.Errorf("[%s] Cannot subscribe to new blocks: %v", m.cfg.Net, err)
			m.wait(ctx)

			continue
		}

		err = m.follow(ctx, sub, heads)
		sub.Unsubscribe()

		if err == nil {
			return
		}

		log.Warnf("[%s] Subscription to new blocks failed, resubscribing: %v", m.cfg.Net, err)
		m.wait(ctx)
	}
}

// follow catches up with the chain head and processes the announced blocks. It returns nil when ctx is done.
func (m *Monitor) follow(ctx context.Context, sub types.Subscription, heads <-chan types.Header) error {
	if err := m.replay(ctx); err != nil {
		return nil //nolint:nilerr // replay only fails when ctx is done
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			if err == nil {
				err = errSubscription
			}

			return err
		case h := <-heads:
			m.onHead(ctx, h)
		}
	}
}

// onHead processes the blocks missing up to the announced header, and the block announced.
func (m *Monitor) onHead(ctx context.Context, h types.Header) {
	if h.Number < m.next {
		return // already processed
	}

	log.Debugf("[%s] New Block Detected: BLOCK:[%d]", m.cfg.Net, h.Number)

	for m.next < h.Number {
		if err := m.step(ctx, m.next); err != nil {
			log.Errorf("[%s] Cannot process block %d: %v", m.cfg.Net, m.next, err)

			return
		}
	}

	b, err := m.c.GetBlockByHash(ctx, h.Hash)
	if err == nil {
		err = m.processBlock(ctx, b)
	}

	if err != nil {
		log.Errorf("[%s] Cannot process block %d: %v", m.cfg.Net, h.Number, err)
	}
}

// poll processes new blocks every interval.
func (m *Monitor) poll(ctx context.Context) {
	for m.wait(ctx) {
		if err := m.replay(ctx); err != nil {
			return
		}
	}
}
