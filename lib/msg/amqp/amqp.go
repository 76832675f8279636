// Package amqp implements the message broker interface for AMQP compliant brokers (ie RabbitMQ)
package amqp

import (
	"encoding/json"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/tarancss/cargo/lib/event"
)

// Exchange is the topic exchange hand-offs are published to. Routing keys are <net>.handoff.<order>.
const Exchange = "ho"

// Amqp implements a connection to a broker and a channel for reuse.
type Amqp struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	l    sync.Mutex // guards ch
}

// New instantiates a new amqp broker.
func New(uri string) (*Amqp, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, err
	}

	log.Infof("Connected to message broker %s", conn.LocalAddr())

	return &Amqp{conn: conn}, nil
}

// Setup declares the hand-off exchange.
func (r *Amqp) Setup() error {
	// obtain a one-use channel
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	return channel.ExchangeDeclare(Exchange, amqp.ExchangeTopic, true, false, false, false, nil)
}

// Close terminates gracefully the connection to the AMQP message broker
func (r *Amqp) Close() error {
	r.l.Lock()
	defer r.l.Unlock()

	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			log.Errorf("Error closing amqp.Channel:%v", err)
		}

		r.ch = nil
	}

	return r.conn.Close()
}

func (r *Amqp) channel() (ch *amqp.Channel, err error) {
	r.l.Lock()
	defer r.l.Unlock()

	if r.ch == nil {
		if r.ch, err = r.conn.Channel(); err != nil {
			return nil, err
		}
	}

	return r.ch, nil
}

// SendHandoff publishes a hand-off to the "ho" exchange
func (r *Amqp) SendHandoff(net string, h event.Handoff) error {
	jsonDoc, err := json.Marshal(h)
	if err != nil {
		return err
	}

	ch, err := r.channel()
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		Headers:     amqp.Table{"x-handoff-name": net + "." + h.Order},
		Body:        jsonDoc,
		ContentType: "application/json",
	}

	if err = ch.Publish(Exchange, net+".handoff."+h.Order, false, false, msg); err != nil {
		log.Errorf("[%s] Error sending hand-off to message broker %v", net, err)
	}

	return err
}

// GetHandoffs consumes hand-offs of the network from the "ho" exchange pushing them to the returned channel. The
// message consumed is only acknowledged when the mutex can be locked, after the caller unlocks it.
func (r *Amqp) GetHandoffs(net string, mut *sync.Mutex) (<-chan event.Handoff, <-chan error, error) {
	ch, err := r.channel()
	if err != nil {
		return nil, nil, err
	}

	queue := Exchange + net
	if _, err = ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, nil, err
	}

	if err = ch.QueueBind(queue, net+".handoff.*", Exchange, false, nil); err != nil {
		return nil, nil, err
	}

	msgs, err := ch.Consume(queue, "apiserver-"+net, false, false, false, false, nil)
	if err != nil {
		return nil, nil, err
	}

	hos, errs := forward(msgs, mut)

	return hos, errs, nil
}

// forward decodes the deliveries into hand-offs. Both returned channels are closed when the deliveries end.
func forward(msgs <-chan amqp.Delivery, mut *sync.Mutex) (<-chan event.Handoff, <-chan error) {
	hos := make(chan event.Handoff)
	errs := make(chan error)

	go func() {
		defer close(hos)
		defer close(errs)

		for m := range msgs {
			var h event.Handoff
			if err := json.Unmarshal(m.Body, &h); err != nil {
				errs <- err

				_ = m.Nack(false, false)

				continue
			}

			hos <- h

			mut.Lock() // wait for the consumer to finish with the hand-off
			_ = m.Ack(false)
		}
	}()

	return hos, errs
}
