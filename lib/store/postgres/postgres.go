// Package postgres implements the interface for PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/tarancss/cargo/lib/store"
	"github.com/tarancss/cargo/lib/util"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	net   TEXT PRIMARY KEY,
	block BIGINT NOT NULL,
	bh    TEXT[] NOT NULL,
	bhi   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS works (
	order_ref     TEXT NOT NULL,
	from_party    TEXT NOT NULL,
	to_party      TEXT NOT NULL,
	transport_seq BIGINT NOT NULL,
	source_block  BIGINT NOT NULL,
	executed      BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (order_ref, transport_seq)
);
CREATE INDEX IF NOT EXISTS works_to_party ON works (to_party, executed);
CREATE INDEX IF NOT EXISTS works_source_block ON works (source_block);
CREATE TABLE IF NOT EXISTS accounts (
	account  TEXT PRIMARY KEY,
	passwd   TEXT NOT NULL,
	cmd_name TEXT NOT NULL DEFAULT '',
	status   TEXT NOT NULL DEFAULT 'idle'
);
CREATE TABLE IF NOT EXISTS ordermaps (
	address   TEXT PRIMARY KEY,
	origin_id TEXT NOT NULL UNIQUE,
	latest    INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS order_codes (
	address TEXT NOT NULL REFERENCES ordermaps (address) ON DELETE CASCADE,
	code    INTEGER NOT NULL,
	seq     BIGINT NOT NULL,
	PRIMARY KEY (address, code)
);`

// uniqueViolation is the postgres error code of a duplicated key.
const uniqueViolation = "23505"

// Postgres implements a connection to a PostgreSQL database.
type Postgres struct {
	db *sql.DB
}

// New returns a postgres client connection to the specified database in 'connection'. Tables are created if
// missing.
func New(connection string) (*Postgres, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB in %s: %w", connection, err)
	}

	if err = db.Ping(); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("postgres DB not reachable: %w", err)
	}

	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("cannot create tables: %w", err)
	}

	return &Postgres{db: db}, nil
}

// Close will close any database connection. Must be called at termination time.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func duplicated(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// LoadCheckpoint loads from db the checkpoint of the indicated blockchain.
func (p *Postgres) LoadCheckpoint(ctx context.Context, net string) (store.Checkpoint, error) {
	cp := store.Checkpoint{Net: net}

	err := p.db.QueryRowContext(ctx, `SELECT block, bh, bhi FROM checkpoints WHERE net = $1`, net).
		Scan(&cp.Block, pq.Array(&cp.Bh), &cp.Bhi)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Checkpoint{}, store.ErrDataNotFound
	}

	if err != nil {
		return store.Checkpoint{}, fmt.Errorf("could not load checkpoint: %w", err)
	}

	return cp, nil
}

// SaveCheckpoint saves to db the checkpoint of cp.Net.
func (p *Postgres) SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO checkpoints (net, block, bh, bhi) VALUES ($1, $2, $3, $4)
		ON CONFLICT (net) DO UPDATE SET block = EXCLUDED.block, bh = EXCLUDED.bh, bhi = EXCLUDED.bhi`,
		cp.Net, int64(cp.Block), pq.Array(cp.Bh), cp.Bhi)
	if err != nil {
		return fmt.Errorf("could not save checkpoint: %w", err)
	}

	return nil
}

// CountWork returns the number of work items.
func (p *Postgres) CountWork(ctx context.Context) (n int64, err error) {
	err = p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM works`).Scan(&n)

	return
}

// InsertWork saves a new work item. A second item for the same order and sequence returns store.ErrDuplicated.
func (p *Postgres) InsertWork(ctx context.Context, w store.WorkItem) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO works
		(order_ref, from_party, to_party, transport_seq, source_block, executed) VALUES ($1, $2, $3, $4, $5, $6)`,
		strings.ToLower(w.Order), strings.ToLower(w.From), strings.ToLower(w.To), int64(w.Seq), int64(w.Block),
		w.Executed)

	switch {
	case duplicated(err):
		return store.ErrDuplicated
	case err != nil:
		return fmt.Errorf("could not insert work in db: %w", err)
	}

	return nil
}

// MarkExecuted sets executed on the item of order handed to 'to' at seq.
func (p *Postgres) MarkExecuted(ctx context.Context, order, to string, seq uint64) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE works SET executed = TRUE WHERE order_ref = $1 AND to_party = $2 AND transport_seq = $3`,
		strings.ToLower(order), strings.ToLower(to), int64(seq))
	if err != nil {
		return fmt.Errorf("could not update work: %w", err)
	}

	return affected(res)
}

// PurgeWork deletes the items recorded in block.
func (p *Postgres) PurgeWork(ctx context.Context, block uint64) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM works WHERE source_block = $1`, int64(block))
	if err != nil {
		return 0, fmt.Errorf("could not purge works of block %d: %w", block, err)
	}

	return res.RowsAffected()
}

// PendingWork returns the unexecuted items handed to company.
func (p *Postgres) PendingWork(ctx context.Context, company string) ([]store.WorkItem, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT order_ref, from_party, to_party, transport_seq, source_block, executed
		FROM works WHERE to_party = $1 AND NOT executed ORDER BY source_block, order_ref, transport_seq`,
		strings.ToLower(company))
	if err != nil {
		return nil, fmt.Errorf("could not find works: %w", err)
	}
	defer rows.Close()

	ws := []store.WorkItem{}

	for rows.Next() {
		var w store.WorkItem
		if err = rows.Scan(&w.Order, &w.From, &w.To, &w.Seq, &w.Block, &w.Executed); err != nil {
			return nil, fmt.Errorf("could not read work: %w", err)
		}

		ws = append(ws, w)
	}

	return ws, rows.Err()
}

// AddAccount saves a new idle account, or returns store.ErrDuplicated.
func (p *Postgres) AddAccount(ctx context.Context, a store.Account) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO accounts (account, passwd, cmd_name, status) VALUES ($1, $2, '', $3)`,
		strings.ToLower(a.Addr), a.Passwd, store.Idle.String())

	switch {
	case duplicated(err):
		return store.ErrDuplicated
	case err != nil:
		return fmt.Errorf("could not insert account: %w", err)
	}

	return nil
}

// RemoveAccount deletes an account or returns store.ErrDataNotFound.
func (p *Postgres) RemoveAccount(ctx context.Context, addr string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM accounts WHERE account = $1`, strings.ToLower(addr))
	if err != nil {
		return fmt.Errorf("could not delete account: %w", err)
	}

	return affected(res)
}

// CountAccounts returns how many accounts are stored for addr.
func (p *Postgres) CountAccounts(ctx context.Context, addr string) (n int64, err error) {
	err = p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE account = $1`, strings.ToLower(addr)).Scan(&n)

	return
}

// GetAccount returns the account addr.
func (p *Postgres) GetAccount(ctx context.Context, addr string) (store.Account, error) {
	var (
		a      store.Account
		status string
	)

	err := p.db.QueryRowContext(ctx, `SELECT account, passwd, cmd_name, status FROM accounts WHERE account = $1`,
		strings.ToLower(addr)).Scan(&a.Addr, &a.Passwd, &a.Cmd, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Account{}, store.ErrDataNotFound
	}

	if err != nil {
		return store.Account{}, fmt.Errorf("could not read account: %w", err)
	}

	if a.Status, err = store.ParseStatus(status); err != nil {
		return store.Account{}, err
	}

	return a, nil
}

// AcquireAccount sets an idle account to proceeding with command cmd in a single conditional update.
func (p *Postgres) AcquireAccount(ctx context.Context, addr, cmd string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE accounts SET status = $2, cmd_name = $3 WHERE account = $1 AND status = $4`,
		strings.ToLower(addr), store.Proceeding.String(), cmd, store.Idle.String())
	if err != nil {
		return fmt.Errorf("could not acquire account: %w", err)
	}

	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}

	n, err := p.CountAccounts(ctx, addr)
	if err != nil {
		return err
	}

	if n == 0 {
		return store.ErrDataNotFound
	}

	return store.ErrBusy
}

// ReleaseAccount sets an account back to idle.
func (p *Postgres) ReleaseAccount(ctx context.Context, addr string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE accounts SET status = $2 WHERE account = $1`,
		strings.ToLower(addr), store.Idle.String())
	if err != nil {
		return fmt.Errorf("could not release account: %w", err)
	}

	return affected(res)
}

// SaveOrder saves a new order map, or returns store.ErrDuplicated.
func (p *Postgres) SaveOrder(ctx context.Context, o store.OrderMap) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	addr := strings.ToLower(o.Addr)

	_, err = tx.ExecContext(ctx, `INSERT INTO ordermaps (address, origin_id, latest) VALUES ($1, $2, $3)`,
		addr, o.OriginID, o.Latest)
	if duplicated(err) {
		return store.ErrDuplicated
	}

	if err != nil {
		return fmt.Errorf("could not insert order: %w", err)
	}

	for code, seq := range o.Codes {
		if err = setCode(ctx, tx, addr, code, seq); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// UpdateOrderCode sets the latest code of order addr and, for known codes, the sequence at which it was reached.
func (p *Postgres) UpdateOrderCode(ctx context.Context, addr string, code int, seq uint64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	addr = strings.ToLower(addr)

	res, err := tx.ExecContext(ctx, `UPDATE ordermaps SET latest = $2 WHERE address = $1`, addr, code)
	if err != nil {
		return fmt.Errorf("could not update order: %w", err)
	}

	if err = affected(res); err != nil {
		return err
	}

	if util.In(store.Codes, code) {
		if err = setCode(ctx, tx, addr, code, seq); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func setCode(ctx context.Context, tx *sql.Tx, addr string, code int, seq uint64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO order_codes (address, code, seq) VALUES ($1, $2, $3)
		ON CONFLICT (address, code) DO UPDATE SET seq = EXCLUDED.seq`, addr, code, int64(seq))
	if err != nil {
		return fmt.Errorf("could not set code %d of order: %w", code, err)
	}

	return nil
}

// FindOrderByID returns the order map of originID.
func (p *Postgres) FindOrderByID(ctx context.Context, originID string) (store.OrderMap, error) {
	return p.findOrder(ctx, `SELECT address, origin_id, latest FROM ordermaps WHERE origin_id = $1`, originID)
}

// FindOrderByAddress returns the order map of contract addr.
func (p *Postgres) FindOrderByAddress(ctx context.Context, addr string) (store.OrderMap, error) {
	return p.findOrder(ctx, `SELECT address, origin_id, latest FROM ordermaps WHERE address = $1`,
		strings.ToLower(addr))
}

func (p *Postgres) findOrder(ctx context.Context, query, key string) (store.OrderMap, error) {
	var o store.OrderMap

	err := p.db.QueryRowContext(ctx, query, key).Scan(&o.Addr, &o.OriginID, &o.Latest)
	if errors.Is(err, sql.ErrNoRows) {
		return store.OrderMap{}, store.ErrDataNotFound
	}

	if err != nil {
		return store.OrderMap{}, fmt.Errorf("could not read order: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `SELECT code, seq FROM order_codes WHERE address = $1`, o.Addr)
	if err != nil {
		return store.OrderMap{}, fmt.Errorf("could not read codes of order: %w", err)
	}
	defer rows.Close()

	o.Codes = make(map[int]uint64)

	for rows.Next() {
		var (
			code int
			seq  uint64
		)

		if err = rows.Scan(&code, &seq); err != nil {
			return store.OrderMap{}, fmt.Errorf("could not read code of order: %w", err)
		}

		o.Codes[code] = seq
	}

	return o, rows.Err()
}

func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return store.ErrDataNotFound
	}

	return nil
}
