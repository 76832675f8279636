package amqp

import (
	"sync"
	"testing"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/cargo/lib/event"
)

// acks records the acknowledgements of the deliveries.
type acks struct {
	mu    sync.Mutex
	acked []uint64
	nack  []uint64
}

func (a *acks) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.acked = append(a.acked, tag)

	return nil
}

func (a *acks) Nack(tag uint64, _, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nack = append(a.nack, tag)

	return nil
}

func (a *acks) Reject(tag uint64, _ bool) error { return a.Nack(tag, false, false) }

func TestForward(t *testing.T) {
	a := &acks{}
	msgs := make(chan amqp.Delivery, 2)
	msgs <- amqp.Delivery{Acknowledger: a, DeliveryTag: 1, Body: []byte(`{"net":"net","order":"0x1b","transportid":2}`)}
	msgs <- amqp.Delivery{Acknowledger: a, DeliveryTag: 2, Body: []byte(`{"net":`)}
	close(msgs)

	mut := new(sync.Mutex)
	mut.Lock()

	hos, errs := forward(msgs, mut)

	h := <-hos
	assert.Equal(t, event.Handoff{Net: "net", Order: "0x1b", Seq: 2}, h)
	mut.Unlock()

	assert.Error(t, <-errs)

	// both channels are closed once the deliveries end
	_, ok := <-hos
	assert.False(t, ok)

	_, ok = <-errs
	assert.False(t, ok)

	a.mu.Lock()
	defer a.mu.Unlock()

	require.Equal(t, []uint64{1}, a.acked)
	assert.Equal(t, []uint64{2}, a.nack)
}
