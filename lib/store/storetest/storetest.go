// Package storetest contains the behaviour every store.DB implementation must show. Implementations call Run from
// their tests with an empty database.
package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/cargo/lib/store"
)

const (
	order   = "0x1b3f1d5e2a49e1d7f7e9d5ea37b6a7a1e4b2c3d4"
	compA   = "0x357dd3856d856197c1a000bbab4abcb97dfc92c4"
	compB   = "0x8ba1f109551bd432803012645ac136ddd64dba72"
	compC   = "0xab5801a7d398351b8be11c439e05c5b3259aec9b"
	account = "0x71c7656ec7ab88b098defb751b7401b5f6d8976f"
)

// Run executes all the store tests against db.
func Run(t *testing.T, db store.DB) {
	t.Helper()

	t.Run("checkpoints", func(t *testing.T) { testCheckpoints(t, db) })
	t.Run("ledger", func(t *testing.T) { testLedger(t, db) })
	t.Run("accounts", func(t *testing.T) { testAccounts(t, db) })
	t.Run("orders", func(t *testing.T) { testOrders(t, db) })
}

func testCheckpoints(t *testing.T, db store.DB) {
	ctx := context.Background()

	_, err := db.LoadCheckpoint(ctx, "logistics")
	require.ErrorIs(t, err, store.ErrDataNotFound)

	cp := store.Checkpoint{Net: "logistics", Block: 208, Bh: []string{"first", "second", "third"}, Bhi: 2}
	require.NoError(t, db.SaveCheckpoint(ctx, cp))

	cp.Block, cp.Bhi = 209, 0
	cp.Bh = []string{"fourth", "second", "third"}
	require.NoError(t, db.SaveCheckpoint(ctx, cp))

	got, err := db.LoadCheckpoint(ctx, "logistics")
	require.NoError(t, err)
	assert.Equal(t, cp, got)

	_, err = db.LoadCheckpoint(ctx, "token")
	assert.ErrorIs(t, err, store.ErrDataNotFound)
}

func testLedger(t *testing.T, db store.DB) {
	ctx := context.Background()

	n, err := db.CountWork(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, db.InsertWork(ctx, store.WorkItem{Order: order, From: compA, To: compB, Seq: 1, Block: 10}))
	require.NoError(t, db.InsertWork(ctx, store.WorkItem{Order: order, From: compB, To: compC, Seq: 2, Block: 11}))
	assert.ErrorIs(t, db.InsertWork(ctx, store.WorkItem{Order: order, From: compB, To: compC, Seq: 2, Block: 12}),
		store.ErrDuplicated)

	// wrong recipient or sequence are not found
	assert.ErrorIs(t, db.MarkExecuted(ctx, order, compC, 1), store.ErrDataNotFound)
	assert.ErrorIs(t, db.MarkExecuted(ctx, order, compB, 5), store.ErrDataNotFound)
	require.NoError(t, db.MarkExecuted(ctx, order, compB, 1))

	ws, err := db.PendingWork(ctx, compB)
	require.NoError(t, err)
	assert.Empty(t, ws)

	ws, err = db.PendingWork(ctx, compC)
	require.NoError(t, err)
	require.Len(t, ws, 1)
	assert.Equal(t, store.WorkItem{Order: order, From: compB, To: compC, Seq: 2, Block: 11}, ws[0])

	deleted, err := db.PurgeWork(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	n, err = db.CountWork(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ws, err = db.PendingWork(ctx, compC)
	require.NoError(t, err)
	assert.Empty(t, ws)
}

func testAccounts(t *testing.T, db store.DB) {
	ctx := context.Background()

	_, err := db.GetAccount(ctx, account)
	require.ErrorIs(t, err, store.ErrDataNotFound)
	assert.ErrorIs(t, db.AcquireAccount(ctx, account, "cmdTokenBurn"), store.ErrDataNotFound)

	require.NoError(t, db.AddAccount(ctx, store.Account{Addr: account, Passwd: "secret"}))
	assert.ErrorIs(t, db.AddAccount(ctx, store.Account{Addr: account, Passwd: "other"}), store.ErrDuplicated)

	n, err := db.CountAccounts(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	a, err := db.GetAccount(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, store.Account{Addr: account, Passwd: "secret", Status: store.Idle}, a)

	// only one of many concurrent acquisitions wins
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		won  int
		busy int
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := db.AcquireAccount(ctx, account, "cmdTokenBurn")

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				won++
			case assert.ErrorIs(t, err, store.ErrBusy):
				busy++
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 1, won)
	assert.Equal(t, 7, busy)

	a, err = db.GetAccount(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, store.Proceeding, a.Status)
	assert.Equal(t, "cmdTokenBurn", a.Cmd)

	require.NoError(t, db.ReleaseAccount(ctx, account))
	require.NoError(t, db.AcquireAccount(ctx, account, "cmdTokenTransfer"))
	require.NoError(t, db.ReleaseAccount(ctx, account))

	require.NoError(t, db.RemoveAccount(ctx, account))
	assert.ErrorIs(t, db.RemoveAccount(ctx, account), store.ErrDataNotFound)

	n, err = db.CountAccounts(ctx, account)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testOrders(t *testing.T, db store.DB) {
	ctx := context.Background()

	_, err := db.FindOrderByID(ctx, "ORD-1")
	require.ErrorIs(t, err, store.ErrDataNotFound)

	require.NoError(t, db.SaveOrder(ctx, store.OrderMap{OriginID: "ORD-1", Addr: order}))
	assert.ErrorIs(t, db.SaveOrder(ctx, store.OrderMap{OriginID: "ORD-1", Addr: compA}), store.ErrDuplicated)

	require.NoError(t, db.UpdateOrderCode(ctx, order, 10, 1))
	require.NoError(t, db.UpdateOrderCode(ctx, order, 20, 2))
	require.NoError(t, db.UpdateOrderCode(ctx, order, 25, 3)) // unknown codes only move latest
	assert.ErrorIs(t, db.UpdateOrderCode(ctx, compA, 10, 1), store.ErrDataNotFound)

	o, err := db.FindOrderByID(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, order, o.Addr)
	assert.Equal(t, 25, o.Latest)
	assert.Equal(t, map[int]uint64{10: 1, 20: 2}, o.Codes)
	assert.Equal(t, []uint64{1, 2}, o.TransportIDs())

	o, err = db.FindOrderByAddress(ctx, order)
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", o.OriginID)

	_, err = db.FindOrderByAddress(ctx, compA)
	assert.ErrorIs(t, err, store.ErrDataNotFound)
}
