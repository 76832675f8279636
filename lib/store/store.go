// Package store defines the interface for database implementations to the monitor and api services.
package store

import (
	"context"
	"errors"
)

// Checkpoints persists the ingestion progress of each network.
type Checkpoints interface {
	LoadCheckpoint(ctx context.Context, net string) (Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
}

// Ledger persists the hand-offs of orders between companies.
type Ledger interface {
	CountWork(ctx context.Context) (int64, error)
	InsertWork(ctx context.Context, w WorkItem) error
	// MarkExecuted sets executed on the item of order delivered to 'to' at sequence seq.
	MarkExecuted(ctx context.Context, order, to string, seq uint64) error
	PurgeWork(ctx context.Context, block uint64) (int64, error)
	// PendingWork returns the items delivered to company and not yet handed over.
	PendingWork(ctx context.Context, company string) ([]WorkItem, error)
}

// Accounts persists the managed accounts and their dispatch status.
type Accounts interface {
	AddAccount(ctx context.Context, a Account) error
	RemoveAccount(ctx context.Context, addr string) error
	CountAccounts(ctx context.Context, addr string) (int64, error)
	GetAccount(ctx context.Context, addr string) (Account, error)
	// AcquireAccount moves an idle account to proceeding for command cmd, atomically.
	AcquireAccount(ctx context.Context, addr, cmd string) error
	ReleaseAccount(ctx context.Context, addr string) error
}

// Orders persists the map of platform order ids to order contracts.
type Orders interface {
	SaveOrder(ctx context.Context, o OrderMap) error
	UpdateOrderCode(ctx context.Context, addr string, code int, seq uint64) error
	FindOrderByID(ctx context.Context, originID string) (OrderMap, error)
	FindOrderByAddress(ctx context.Context, addr string) (OrderMap, error)
}

// DB defines required methods for the monitor and api services.
type DB interface {
	Checkpoints
	Ledger
	Accounts
	Orders
	Close() error
}

// Errors returned
var (
	ErrDataNotFound = errors.New("data was not found in store")
	ErrDuplicated   = errors.New("data is duplicated in store")
	ErrBusy         = errors.New("account is busy")
	ErrInvalid      = errors.New("invalid data")
)
