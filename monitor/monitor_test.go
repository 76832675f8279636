package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/cargo/lib/block/blocktest"
	"github.com/tarancss/cargo/lib/block/types"
	"github.com/tarancss/cargo/lib/contract"
	"github.com/tarancss/cargo/lib/event"
	"github.com/tarancss/cargo/lib/metrics"
	"github.com/tarancss/cargo/lib/store"
	"github.com/tarancss/cargo/lib/store/memory"
)

const (
	net      = "logistics"
	service  = "0x5fbdb2315678afecb367f032d93f642f64180aa3"
	company  = "0xe7f1725e7734ce288f8367e1bb143e90bb3f0512"
	deployer = "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"
	order    = "0x1b3f1d5e2a49e1d7f7e9d5ea37b6a7a1e4b2c3d4"
	compA    = "0x357dd3856d856197c1a000bbab4abcb97dfc92c4"
	compB    = "0x8ba1f109551bd432803012645ac136ddd64dba72"
	compC    = "0xab5801a7d398351b8be11c439e05c5b3259aec9b"
	stranger = "0x00000000219ab540356cbb839cbe05303d7705fa"
)

var cfg = Config{Net: net, Service: service, Genesis: 1} //nolint:gochecknoglobals // test fixture

// broker records the published hand-offs.
type broker struct {
	mu  sync.Mutex
	hos []event.Handoff
}

func (b *broker) Setup() error { return nil }
func (b *broker) Close() error { return nil }

func (b *broker) SendHandoff(_ string, h event.Handoff) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.hos = append(b.hos, h)

	return nil
}

func (b *broker) GetHandoffs(string, *sync.Mutex) (<-chan event.Handoff, <-chan error, error) {
	return nil, nil, errors.New("not implemented")
}

func (b *broker) handoffs() []event.Handoff {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]event.Handoff(nil), b.hos...)
}

// newChain returns a chain whose block 1 creates the service contract.
func newChain() *blocktest.Chain {
	c := blocktest.New(net, "mem://"+net)
	c.AddPlatformContract(service, contract.ServicePrefix)
	c.AddPlatformContract(company, "company")
	c.AddPlatformContract(order, "order")
	c.Mine(blocktest.Tx{From: deployer, Input: []byte{0x60, 0x80, 0x60, 0x40}, Contract: service})

	return c
}

// createTx creates the order, handing it from compA to compB.
func createTx() blocktest.Tx {
	return blocktest.Tx{From: compA, To: order, Input: blocktest.SubmitOrderCreateInput(), Logs: []types.Log{
		blocktest.EventLog(service, event.OrderCreated, order, 7),
		blocktest.HandoffLog(service, order, compA, compB, 1),
	}}
}

// updateTx hands the order from 'from' to 'to' at seq.
func updateTx(seq int64, from, to string) blocktest.Tx {
	return blocktest.Tx{From: from, To: company, Input: blocktest.UpdateOrderCodeInput(order, seq, 20),
		Logs: []types.Log{blocktest.HandoffLog(service, order, from, to, uint64(seq))}}
}

func pending(t *testing.T, db store.DB, company string) []store.WorkItem {
	t.Helper()

	ws, err := db.PendingWork(context.Background(), company)
	require.NoError(t, err)

	return ws
}

func checkpoint(t *testing.T, db store.DB) uint64 {
	t.Helper()

	cp, err := db.LoadCheckpoint(context.Background(), net)
	if errors.Is(err, store.ErrDataNotFound) {
		return 0
	}

	require.NoError(t, err)

	return cp.Block
}

func TestGenesis(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		chain func() *blocktest.Chain
		cfg   Config
		err   error
	}{
		{"valid", newChain, cfg, nil},
		{"not mined", newChain, Config{Net: net, Service: service, Genesis: 9}, ErrGenesis},
		{"no creations", func() *blocktest.Chain {
			c := blocktest.New(net, "")
			c.AddPlatformContract(service, contract.ServicePrefix)
			c.AddPlatformContract(company, "company")
			c.Mine(updateTx(1, compA, compB))

			return c
		}, cfg, ErrGenesis},
		{"another contract", func() *blocktest.Chain {
			c := blocktest.New(net, "")
			c.AddPlatformContract(company, "company")
			c.Mine(blocktest.Tx{From: deployer, Input: []byte{0x60}, Contract: company})

			return c
		}, cfg, ErrGenesis},
		{"wrong prefix", func() *blocktest.Chain {
			c := blocktest.New(net, "")
			c.AddPlatformContract(service, "company")
			c.Mine(blocktest.Tx{From: deployer, Input: []byte{0x60}, Contract: service})

			return c
		}, cfg, ErrGenesis},
		{"no introspection", func() *blocktest.Chain {
			c := blocktest.New(net, "")
			c.Mine(blocktest.Tx{From: deployer, Input: []byte{0x60}, Contract: service})

			return c
		}, cfg, ErrGenesis},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(tt.cfg, tt.chain(), memory.New(), nil)

			err := m.Start(ctx)
			if tt.err == nil {
				require.NoError(t, err)
				assert.Equal(t, uint64(1), m.next)

				return
			}

			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, Fatal, m.State())
		})
	}
}

func TestStartBlock(t *testing.T) {
	ctx := context.Background()
	c := newChain()

	// work without checkpoint
	db := memory.New()
	require.NoError(t, db.InsertWork(ctx, store.WorkItem{Order: order, From: compA, To: compB, Seq: 1, Block: 3}))
	assert.ErrorIs(t, New(cfg, c, db, nil).Start(ctx), ErrInconsistent)

	// checkpoint older than genesis
	db = memory.New()
	require.NoError(t, db.SaveCheckpoint(ctx, store.Checkpoint{Net: net, Block: 0, Bh: []string{"h0"}}))
	assert.ErrorIs(t, New(Config{Net: net, Service: service, Genesis: 1}, c, db, nil).Start(ctx), ErrInconsistent)

	// the checkpointed block is purged and processed again
	db = memory.New()
	require.NoError(t, db.SaveCheckpoint(ctx, store.Checkpoint{Net: net, Block: 5, Bh: []string{"h4", "h5"}, Bhi: 1}))
	require.NoError(t, db.InsertWork(ctx, store.WorkItem{Order: order, From: compA, To: compB, Seq: 1, Block: 4}))
	require.NoError(t, db.InsertWork(ctx, store.WorkItem{Order: order, From: compB, To: compC, Seq: 2, Block: 5}))

	m := New(cfg, c, db, nil)
	require.NoError(t, m.Start(ctx))
	assert.Equal(t, uint64(5), m.next)
	assert.True(t, m.cur.Chained("h4"))

	n, err := db.CountWork(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestHandoffs(t *testing.T) {
	ctx := context.Background()
	c := newChain()
	db := memory.New()
	mb := &broker{}

	m := New(cfg, c, db, mb)
	require.NoError(t, m.Start(ctx))

	c.Mine(createTx())
	c.Mine(updateTx(2, compB, compC),
		// hand-offs of contracts that are not platform contracts are ignored
		blocktest.Tx{From: compA, To: stranger, Input: blocktest.UpdateOrderCodeInput(order, 9, 20),
			Logs: []types.Log{blocktest.HandoffLog(service, order, compA, compA, 9)}})
	require.NoError(t, m.replay(ctx))

	// only the frontier is pending
	assert.Empty(t, pending(t, db, compB))
	assert.Equal(t, []store.WorkItem{{Order: order, From: compB, To: compC, Seq: 2, Block: 3}}, pending(t, db, compC))
	assert.Empty(t, pending(t, db, compA))
	assert.Equal(t, uint64(3), checkpoint(t, db))

	ok, found := m.platform.Get(stranger)
	assert.True(t, found)
	assert.False(t, ok)

	// final delivery
	c.Mine(updateTx(3, compC, types.ZeroAddress))
	require.NoError(t, m.replay(ctx))

	assert.Empty(t, pending(t, db, compC))
	assert.Empty(t, pending(t, db, types.ZeroAddress))

	n, err := db.CountWork(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, uint64(4), checkpoint(t, db))

	hos := mb.handoffs()
	require.Len(t, hos, 3)
	assert.Equal(t, event.Handoff{Net: net, Order: order, From: compA, To: compB, Seq: 1, Block: 2}, hos[0])
	assert.Equal(t, types.ZeroAddress, hos[2].To)
}

func TestCorrelationMiss(t *testing.T) {
	ctx := context.Background()
	c := newChain()
	db := memory.New()

	m := New(cfg, c, db, nil)
	require.NoError(t, m.Start(ctx))

	before := testutil.ToFloat64(metrics.CorrelationMisses)

	c.Mine(updateTx(4, compB, compC)) // seq 3 was never recorded
	require.NoError(t, m.replay(ctx))

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.CorrelationMisses))
	assert.Len(t, pending(t, db, compC), 1)
}

func TestRestart(t *testing.T) {
	ctx := context.Background()
	c := newChain()
	db := memory.New()

	m := New(cfg, c, db, nil)
	require.NoError(t, m.Start(ctx))

	c.Mine(createTx())
	c.Mine(updateTx(2, compB, compC))
	require.NoError(t, m.replay(ctx))
	require.Equal(t, uint64(3), checkpoint(t, db))

	reorgs := testutil.ToFloat64(metrics.Reorgs.WithLabelValues(net))

	// a new process resumes from the checkpoint without duplicating the work of its block
	m = New(cfg, c, db, nil)
	require.NoError(t, m.Start(ctx))
	assert.Equal(t, uint64(3), m.next)

	n, err := db.CountWork(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, m.replay(ctx))

	n, err = db.CountWork(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Len(t, pending(t, db, compC), 1)
	assert.Equal(t, uint64(3), checkpoint(t, db))
	assert.Equal(t, reorgs, testutil.ToFloat64(metrics.Reorgs.WithLabelValues(net)))
}

func TestReorg(t *testing.T) {
	ctx := context.Background()
	c := newChain()
	db := memory.New()

	m := New(cfg, c, db, nil)
	require.NoError(t, m.Start(ctx))

	c.Mine(createTx())
	require.NoError(t, m.replay(ctx))

	reorgs := testutil.ToFloat64(metrics.Reorgs.WithLabelValues(net))

	c.Reorg(2)
	c.Mine(updateTx(2, compB, compC))
	require.NoError(t, m.replay(ctx))

	// the warning does not stop ingestion
	assert.Equal(t, reorgs+1, testutil.ToFloat64(metrics.Reorgs.WithLabelValues(net)))
	assert.Equal(t, uint64(3), checkpoint(t, db))
	assert.Len(t, pending(t, db, compC), 1)
}

func run(t *testing.T, m *Monitor) (cancel func()) {
	t.Helper()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		assert.NoError(t, m.Run(ctx))
	}()

	return func() {
		stop()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("monitor did not stop")
		}
	}
}

func TestLive(t *testing.T) {
	c := newChain()
	db := memory.New()

	m := New(cfg, c, db, nil)
	require.NoError(t, m.Start(context.Background()))

	c.Mine(createTx())

	stop := run(t, m)
	defer stop()

	require.Eventually(t, func() bool { return m.State() == Live && c.Subscriptions() == 1 }, 5*time.Second,
		10*time.Millisecond)
	assert.Len(t, pending(t, db, compB), 1)

	b := c.Mine(updateTx(2, compB, compC))
	require.Eventually(t, func() bool { return checkpoint(t, db) == b.Number }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, pending(t, db, compC), 1)

	// blocks mined while the subscription is down are caught up
	c.BreakSubscriptions(errors.New("connection reset by peer"))
	b = c.Mine(updateTx(3, compC, compA))
	require.Eventually(t, func() bool { return checkpoint(t, db) == b.Number }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return c.Subscriptions() == 1 }, 5*time.Second, 10*time.Millisecond)

	b = c.Mine(updateTx(4, compA, types.ZeroAddress))
	require.Eventually(t, func() bool { return checkpoint(t, db) == b.Number }, 5*time.Second, 10*time.Millisecond)

	for _, comp := range []string{compA, compB, compC} {
		assert.Empty(t, pending(t, db, comp))
	}
}

func TestPolling(t *testing.T) {
	c := newChain().WithoutSubscriptions()
	db := memory.New()

	m := New(Config{Net: net, Service: service, Genesis: 1, RPS: 100}, c, db, nil)
	require.NoError(t, m.Start(context.Background()))

	stop := run(t, m)
	defer stop()

	require.Eventually(t, func() bool { return m.State() == Live }, 5*time.Second, 10*time.Millisecond)

	b := c.Mine(createTx())
	require.Eventually(t, func() bool { return checkpoint(t, db) == b.Number }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, pending(t, db, compB), 1)
}

var errNode = errors.New("node unavailable")

// flaky fails the first call to a contract address in failCalls and the first receipt request, when armed.
type flaky struct {
	*blocktest.Chain

	mu        sync.Mutex
	failCalls map[string]bool
	failRcpt  bool
	failures  int
}

func (f *flaky) Call(ctx context.Context, to string, data []byte) ([]byte, error) {
	f.mu.Lock()
	fail := f.failCalls[to]
	delete(f.failCalls, to)

	if fail {
		f.failures++
	}
	f.mu.Unlock()

	if fail {
		return nil, errNode
	}

	return f.Chain.Call(ctx, to, data)
}

func (f *flaky) Receipt(ctx context.Context, hash string) (types.Receipt, error) {
	f.mu.Lock()
	fail := f.failRcpt
	f.failRcpt = false

	if fail {
		f.failures++
	}
	f.mu.Unlock()

	if fail {
		return types.Receipt{}, errNode
	}

	return f.Chain.Receipt(ctx, hash)
}

func TestNodeFailures(t *testing.T) {
	ctx := context.Background()
	c := &flaky{Chain: newChain(), failCalls: map[string]bool{}}
	db := memory.New()

	m := New(cfg, c, db, nil)
	require.NoError(t, m.Start(ctx))

	c.Mine(createTx())
	c.Mine(updateTx(2, compB, compC))

	c.mu.Lock()
	c.failCalls[company] = true
	c.failRcpt = true
	c.mu.Unlock()

	require.NoError(t, m.replay(ctx))
	assert.Equal(t, 2, c.failures)

	// both blocks were processed again instead of skipping their hand-offs
	assert.Empty(t, pending(t, db, compB))
	assert.Equal(t, []store.WorkItem{{Order: order, From: compB, To: compC, Seq: 2, Block: 3}}, pending(t, db, compC))
	assert.Equal(t, uint64(3), checkpoint(t, db))

	ok, found := m.platform.Get(company)
	assert.True(t, found)
	assert.True(t, ok)

	// an order the company hands over later is still followed
	c.Mine(updateTx(3, compC, compA))
	require.NoError(t, m.replay(ctx))
	assert.Len(t, pending(t, db, compA), 1)
}

func TestFailedBlockKeepsCheckpoint(t *testing.T) {
	ctx := context.Background()
	c := &flaky{Chain: newChain(), failCalls: map[string]bool{}}
	db := memory.New()

	m := New(cfg, c, db, nil)
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.replay(ctx))
	require.Equal(t, uint64(1), checkpoint(t, db))

	c.Mine(createTx())
	c.failRcpt = true

	b, err := c.GetBlock(ctx, 2)
	require.NoError(t, err)
	require.ErrorIs(t, m.processBlock(ctx, b), errNode)

	assert.Equal(t, uint64(1), checkpoint(t, db))
	assert.Equal(t, uint64(2), m.next)
	assert.Empty(t, pending(t, db, compB))

	require.NoError(t, m.processBlock(ctx, b))
	assert.Equal(t, uint64(2), checkpoint(t, db))
	assert.Len(t, pending(t, db, compB), 1)
}
