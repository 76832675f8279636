package postgres

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/cargo/lib/store"
)

const (
	order   = "0x1b3f1d5e2a49e1d7f7e9d5ea37b6a7a1e4b2c3d4"
	compB   = "0x8ba1f109551bd432803012645ac136ddd64dba72"
	account = "0x71c7656ec7ab88b098defb751b7401b5f6d8976f"
)

func newMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})

	return &Postgres{db: db}, mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

func TestCheckpoint(t *testing.T) {
	p, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery(q("SELECT block, bh, bhi FROM checkpoints")).WithArgs("logistics").
		WillReturnRows(sqlmock.NewRows([]string{"block", "bh", "bhi"}))
	mock.ExpectExec(q("INSERT INTO checkpoints")).WithArgs("logistics", int64(209), sqlmock.AnyArg(), 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q("SELECT block, bh, bhi FROM checkpoints")).WithArgs("logistics").
		WillReturnRows(sqlmock.NewRows([]string{"block", "bh", "bhi"}).AddRow(int64(209), "{fourth,second,third}", 0))

	_, err := p.LoadCheckpoint(ctx, "logistics")
	require.ErrorIs(t, err, store.ErrDataNotFound)

	cp := store.Checkpoint{Net: "logistics", Block: 209, Bh: []string{"fourth", "second", "third"}}
	require.NoError(t, p.SaveCheckpoint(ctx, cp))

	got, err := p.LoadCheckpoint(ctx, "logistics")
	require.NoError(t, err)
	assert.Equal(t, cp, got)
}

func TestLedger(t *testing.T) {
	p, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectExec(q("INSERT INTO works")).WithArgs(order, compB, compB, int64(2), int64(11), false).
		WillReturnError(&pq.Error{Code: uniqueViolation})
	mock.ExpectExec(q("UPDATE works SET executed = TRUE")).WithArgs(order, compB, int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("DELETE FROM works WHERE source_block")).WithArgs(int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectQuery(q("SELECT order_ref, from_party, to_party, transport_seq, source_block, executed")).
		WithArgs(compB).
		WillReturnRows(sqlmock.NewRows([]string{"order_ref", "from_party", "to_party", "transport_seq",
			"source_block", "executed"}).AddRow(order, order, compB, int64(1), int64(10), false))

	err := p.InsertWork(ctx, store.WorkItem{Order: order, From: compB, To: compB, Seq: 2, Block: 11})
	assert.ErrorIs(t, err, store.ErrDuplicated)

	assert.ErrorIs(t, p.MarkExecuted(ctx, order, compB, 5), store.ErrDataNotFound)

	n, err := p.PurgeWork(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	ws, err := p.PendingWork(ctx, compB)
	require.NoError(t, err)
	assert.Equal(t, []store.WorkItem{{Order: order, From: order, To: compB, Seq: 1, Block: 10}}, ws)
}

func TestAcquireAccount(t *testing.T) {
	p, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectExec(q("UPDATE accounts SET status")).WithArgs(account, "proceeding", "cmdTokenBurn", "idle").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE accounts SET status")).WithArgs(account, "proceeding", "cmdTokenBurn", "idle").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT COUNT(*) FROM accounts")).WithArgs(account).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))
	mock.ExpectQuery(q("SELECT account, passwd, cmd_name, status FROM accounts")).WithArgs(account).
		WillReturnRows(sqlmock.NewRows([]string{"account", "passwd", "cmd_name", "status"}).
			AddRow(account, "secret", "cmdTokenBurn", "proceeding"))

	require.NoError(t, p.AcquireAccount(ctx, account, "cmdTokenBurn"))
	assert.ErrorIs(t, p.AcquireAccount(ctx, account, "cmdTokenBurn"), store.ErrBusy)

	a, err := p.GetAccount(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, store.Account{Addr: account, Passwd: "secret", Cmd: "cmdTokenBurn", Status: store.Proceeding}, a)
}

func TestOrders(t *testing.T) {
	p, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE ordermaps SET latest")).WithArgs(order, 20).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("INSERT INTO order_codes")).WithArgs(order, 20, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE ordermaps SET latest")).WithArgs(compB, 10).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	mock.ExpectQuery(q("SELECT address, origin_id, latest FROM ordermaps WHERE origin_id")).WithArgs("ORD-1").
		WillReturnRows(sqlmock.NewRows([]string{"address", "origin_id", "latest"}).AddRow(order, "ORD-1", 20))
	mock.ExpectQuery(q("SELECT code, seq FROM order_codes")).WithArgs(order).
		WillReturnRows(sqlmock.NewRows([]string{"code", "seq"}).AddRow(10, int64(1)).AddRow(20, int64(2)))

	require.NoError(t, p.UpdateOrderCode(ctx, order, 20, 2))
	assert.ErrorIs(t, p.UpdateOrderCode(ctx, compB, 10, 1), store.ErrDataNotFound)

	o, err := p.FindOrderByID(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, store.OrderMap{OriginID: "ORD-1", Addr: order, Latest: 20, Codes: map[int]uint64{10: 1, 20: 2}}, o)
	assert.Equal(t, []uint64{1, 2}, o.TransportIDs())
}
