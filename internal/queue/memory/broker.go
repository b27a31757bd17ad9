// Package memory provides an in-process Broker for tests and local
// development. It mimics the durable broker's behavior closely enough to
// exercise the worker runtime: bindings fan out, unacked deliveries can be
// forced back onto their queue, and delay-queue messages sit until expired.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/newsarc/pipeline/internal/queue"
)

const queueCapacity = 4096

type memQueue struct {
	ch  chan queue.Envelope
	dlx string // dead-letter routing key, delay queues only
}

// Broker is a channel-backed queue.Broker.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*memQueue
	bindings  map[string][]string // exchange -> bound queue names
	exchanges map[string]bool
	unacked   map[int]unackedMsg
	nextTag   int
	closed    bool

	// Acked and Nacked count settlements, for tests.
	Acked  int
	Nacked int
}

type unackedMsg struct {
	env   queue.Envelope
	queue string
}

// NewBroker returns an empty in-memory broker.
func NewBroker() *Broker {
	return &Broker{
		queues:    map[string]*memQueue{},
		bindings:  map[string][]string{},
		exchanges: map[string]bool{},
		unacked:   map[int]unackedMsg{},
	}
}

func (b *Broker) getQueue(name string) *memQueue {
	if q, ok := b.queues[name]; ok {
		return q
	}
	q := &memQueue{ch: make(chan queue.Envelope, queueCapacity)}
	b.queues[name] = q
	return q
}

// Consume delivers envelopes from a queue until the context ends.
func (b *Broker) Consume(ctx context.Context, queueName string, _ int) (<-chan queue.Delivery, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, queue.ErrClosed
	}
	q := b.getQueue(queueName)
	b.mu.Unlock()

	out := make(chan queue.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-q.ch:
				b.mu.Lock()
				b.nextTag++
				tag := b.nextTag
				b.unacked[tag] = unackedMsg{env: env, queue: queueName}
				b.mu.Unlock()

				d := queue.NewDelivery(env, queueName, false, &memAcker{b: b, tag: tag})
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Publish routes an envelope. Exchange "" routes straight to the queue
// named by the routing key, like the AMQP default exchange; otherwise every
// queue bound to the exchange receives a copy.
func (b *Broker) Publish(_ context.Context, exchange, routingKey string, env queue.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.ErrClosed
	}

	var targets []string
	if exchange == "" {
		targets = []string{routingKey}
	} else {
		targets = b.bindings[exchange]
	}
	for _, t := range targets {
		q := b.getQueue(t)
		select {
		case q.ch <- env:
		default:
			return fmt.Errorf("memory queue %s full", t)
		}
	}
	return nil
}

// QueueDepth reports ready (not in-flight) messages.
func (b *Broker) QueueDepth(_ context.Context, queueName string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.getQueue(queueName).ch), nil
}

// DeclareQueue creates a queue; idempotent.
func (b *Broker) DeclareQueue(_ context.Context, name, dlxRoutingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.getQueue(name)
	if dlxRoutingKey != "" {
		q.dlx = dlxRoutingKey
	}
	return nil
}

// DeclareExchange creates an exchange; idempotent.
func (b *Broker) DeclareExchange(_ context.Context, name string, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges[name] = true
	return nil
}

// BindQueue binds a queue to an exchange; duplicate binds are no-ops.
func (b *Broker) BindQueue(_ context.Context, queueName, exchange, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.bindings[exchange] {
		if q == queueName {
			return nil
		}
	}
	b.getQueue(queueName)
	b.bindings[exchange] = append(b.bindings[exchange], queueName)
	return nil
}

// ExchangeExists reports whether an exchange was declared.
func (b *Broker) ExchangeExists(_ context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exchanges[name], nil
}

// Close marks the broker closed and requeues any unacked deliveries,
// mimicking broker redelivery after a connection drop.
func (b *Broker) Close() error {
	b.Redeliver()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Redeliver forces every unacked delivery back onto its queue, simulating
// the at-least-once redelivery a real broker performs after disconnect.
func (b *Broker) Redeliver() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for tag, m := range b.unacked {
		q := b.getQueue(m.queue)
		select {
		case q.ch <- m.env:
		default:
		}
		delete(b.unacked, tag)
	}
}

// Expire drains a delay queue into its dead-letter target, simulating
// message TTL elapsing. Panics if the queue has no dead-letter route, which
// in a test means the topology was declared wrong.
func (b *Broker) Expire(queueName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.getQueue(queueName)
	if q.dlx == "" {
		panic("memory: Expire on queue without dead-letter route: " + queueName)
	}
	dest := b.getQueue(q.dlx)
	for {
		select {
		case env := <-q.ch:
			env.Expiration = 0
			dest.ch <- env
		default:
			return
		}
	}
}

type memAcker struct {
	b   *Broker
	tag int
}

func (a *memAcker) Ack() error {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	if _, ok := a.b.unacked[a.tag]; !ok {
		return fmt.Errorf("memory: double settle of tag %d", a.tag)
	}
	delete(a.b.unacked, a.tag)
	a.b.Acked++
	return nil
}

func (a *memAcker) Nack(requeue bool) error {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	m, ok := a.b.unacked[a.tag]
	if !ok {
		return fmt.Errorf("memory: double settle of tag %d", a.tag)
	}
	delete(a.b.unacked, a.tag)
	a.b.Nacked++
	if requeue {
		a.b.getQueue(m.queue).ch <- m.env
	}
	return nil
}
