// Package db implements the opening and graceful closing of database connections.
package db

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/tarancss/cargo/lib/store"
	"github.com/tarancss/cargo/lib/store/memory"
	"github.com/tarancss/cargo/lib/store/mongo"
	"github.com/tarancss/cargo/lib/store/postgres"
)

// Database types.
const (
	MONGODB  string = "mongodb"
	POSTGRES string = "postgresql"
	MEMORY   string = "memory"
)

// ErrUnknownType is returned for an unsupported database type.
var ErrUnknownType = errors.New("unknown database type")

// New returns a new database connection according to the options (database type).
func New(options, connection string) (store.DB, error) {
	switch options {
	case MONGODB:
		m, err := mongo.New(connection)
		if err != nil {
			return nil, err
		}

		return m, nil
	case POSTGRES:
		p, err := postgres.New(connection)
		if err != nil {
			return nil, err
		}

		return p, nil
	case MEMORY:
		log.Warn("[db] using an in-memory database, data will be lost at exit")

		return memory.New(), nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, options)
}

// Close gracefully closes the database connection.
func Close(dh store.DB) {
	if err := dh.Close(); err != nil {
		log.Errorf("[db] error closing database: %v", err)
	}
}
