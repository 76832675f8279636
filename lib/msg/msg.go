// Package msg defines the interface for different message brokers.
//
// The monitor service publishes every hand-off it records so that other services learn about new work without
// polling the store.
package msg

import (
	"sync"

	"github.com/tarancss/cargo/lib/event"
)

// Broker types.
const (
	AMQP = "amqp"
)

// MsgBroker is the interface message brokers implement.
type MsgBroker interface { //nolint:revive // name kept for callers
	Setup() error
	Close() error

	// methods for monitor service
	SendHandoff(net string, h event.Handoff) error

	// methods for api service. A consumed hand-off is acknowledged once the mutex can be locked again, so
	// the consumer unlocks mut after dealing with each hand-off.
	GetHandoffs(net string, mut *sync.Mutex) (<-chan event.Handoff, <-chan error, error)
}
