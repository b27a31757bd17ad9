// Package queue wraps a durable message broker behind the operations the
// worker runtime needs: confirmed publish, bounded-prefetch consume, and
// idempotent topology declaration. The production implementation is
// RabbitMQ; an in-memory implementation lives in queue/memory for tests.
package queue

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// Header names carried on every retried or quarantined message.
const (
	HeaderRetries   = "x-np-retries"
	HeaderWho       = "x-np-who"
	HeaderWhen      = "x-np-when"
	HeaderException = "x-np-what"
)

// ConfiguredExchange is declared last by the configure command and checked
// first by every worker, so a worker never races broker provisioning. An
// exchange rather than a queue so nothing tries to monitor its depth.
const ConfiguredExchange = "np-configuration-semaphore"

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("queue: broker closed")

// Envelope wraps a serialized story plus delivery metadata. Owned by the
// transport; workers never see it directly.
type Envelope struct {
	Body []byte

	// Attempt is the monotonically non-decreasing retry count, carried as
	// a broker message header across the delay-queue round trip.
	Attempt int

	// Expiration sets a per-message TTL. Used only for delay-queue
	// publishes; zero means no TTL.
	Expiration time.Duration

	// Headers carries diagnostic metadata (who/when/what) alongside the
	// retry count.
	Headers map[string]string
}

// Delivery is a consumed envelope plus its settlement handle. Exactly one of
// Ack or Nack must be called per delivery; the broker redelivers unsettled
// messages after a connection loss.
type Delivery struct {
	Envelope
	Queue       string
	Redelivered bool

	acker Acker
}

// Acker settles a delivery.
type Acker interface {
	Ack() error
	Nack(requeue bool) error
}

// NewDelivery builds a Delivery around a settlement handle. Exposed for the
// in-memory broker and for tests.
func NewDelivery(env Envelope, queue string, redelivered bool, acker Acker) Delivery {
	return Delivery{Envelope: env, Queue: queue, Redelivered: redelivered, acker: acker}
}

// Ack settles the delivery as processed.
func (d *Delivery) Ack() error {
	if d.acker == nil {
		return errors.New("queue: delivery has no acker")
	}
	return d.acker.Ack()
}

// Nack returns the delivery to the broker.
func (d *Delivery) Nack(requeue bool) error {
	if d.acker == nil {
		return errors.New("queue: delivery has no acker")
	}
	return d.acker.Nack(requeue)
}

// Broker is the transport contract shared by every pipeline stage.
type Broker interface {
	// Consume subscribes to a queue with a bounded prefetch. The channel
	// closes when the context ends or the broker connection is lost.
	Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error)

	// Publish sends an envelope and blocks until the broker confirms it.
	// Confirmed-publish-before-ack is what lets republish+ack behave as a
	// single logical step: a crash in between re-delivers the input
	// rather than losing it.
	Publish(ctx context.Context, exchange, routingKey string, env Envelope) error

	// QueueDepth reports the number of ready messages in a queue.
	QueueDepth(ctx context.Context, queue string) (int, error)

	// DeclareQueue creates a durable queue if absent. A delay queue is
	// declared with a dead-letter route back into dlxRoutingKey.
	DeclareQueue(ctx context.Context, name string, dlxRoutingKey string) error

	// DeclareExchange creates a durable exchange if absent.
	DeclareExchange(ctx context.Context, name string, fanout bool) error

	// BindQueue binds a queue to an exchange.
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error

	// ExchangeExists passively checks for an exchange.
	ExchangeExists(ctx context.Context, name string) (bool, error)

	Close() error
}

// EncodeAttempt formats the retry count for a message header.
func EncodeAttempt(attempt int) string { return strconv.Itoa(attempt) }

// DecodeAttempt parses a retry-count header; absent or malformed reads as
// zero, never as an error.
func DecodeAttempt(value string) int {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
