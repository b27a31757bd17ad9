package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	dialAttempts    = 8
	dialBackoffBase = 500 * time.Millisecond
	dialBackoffMax  = 30 * time.Second
)

// AMQPBroker implements Broker on RabbitMQ. One connection per worker
// process; publishes go through a single channel in confirm mode.
type AMQPBroker struct {
	url    string
	logger *zap.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	pub    *amqp.Channel // confirm mode, publishes only
	closed bool
}

// Dial connects to RabbitMQ with bounded retry and exponential backoff.
func Dial(url string, logger *zap.Logger) (*AMQPBroker, error) {
	b := &AMQPBroker{url: url, logger: logger}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *AMQPBroker) connect() error {
	var lastErr error
	backoff := dialBackoffBase
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		conn, err := amqp.Dial(b.url)
		if err == nil {
			pub, cherr := conn.Channel()
			if cherr == nil {
				if cferr := pub.Confirm(false); cferr != nil {
					cherr = cferr
				}
			}
			if cherr != nil {
				_ = conn.Close()
				lastErr = cherr
			} else {
				b.conn = conn
				b.pub = pub
				b.logger.Info("connected to broker", zap.Int("attempt", attempt))
				return nil
			}
		} else {
			lastErr = err
		}
		b.logger.Warn("broker dial failed",
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > dialBackoffMax {
			backoff = dialBackoffMax
		}
	}
	return fmt.Errorf("dial broker after %d attempts: %w", dialAttempts, lastErr)
}

// ensure returns a live connection, reconnecting once if the previous one
// died. In-flight unacked messages are redelivered by the broker after
// reconnection, which is what makes dropped-on-crash the only failure mode.
func (b *AMQPBroker) ensure() (*amqp.Connection, *amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, ErrClosed
	}
	if b.conn == nil || b.conn.IsClosed() {
		b.logger.Warn("broker connection lost, reconnecting")
		if err := b.connect(); err != nil {
			return nil, nil, err
		}
	}
	return b.conn, b.pub, nil
}

// Consume subscribes to a queue. Deliveries stop when the context ends or
// the underlying channel dies; the caller decides whether to resubscribe.
func (b *AMQPBroker) Consume(ctx context.Context, queueName string, prefetch int) (<-chan Delivery, error) {
	conn, _, err := b.ensure()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, queueName, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", queueName, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer func() { _ = ch.Close() }()
		for d := range deliveries {
			select {
			case out <- NewDelivery(envelopeFromAMQP(d), queueName, d.Redelivered, amqpAcker{d}):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Publish sends an envelope and waits for the broker's confirm.
func (b *AMQPBroker) Publish(ctx context.Context, exchange, routingKey string, env Envelope) error {
	_, pub, err := b.ensure()
	if err != nil {
		return err
	}

	headers := amqp.Table{}
	for k, v := range env.Headers {
		headers[k] = v
	}
	if env.Attempt > 0 {
		headers[HeaderRetries] = int32(env.Attempt)
	}

	msg := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Headers:      headers,
		Body:         env.Body,
	}
	if env.Expiration > 0 {
		msg.Expiration = strconv.FormatInt(env.Expiration.Milliseconds(), 10)
	}

	conf, err := pub.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return fmt.Errorf("publish to %q/%q: %w", exchange, routingKey, err)
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await publish confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker nacked publish to %q/%q", exchange, routingKey)
	}
	return nil
}

// QueueDepth reports ready messages via a passive declare. Uses a throwaway
// channel because a passive declare on a missing queue closes the channel.
func (b *AMQPBroker) QueueDepth(ctx context.Context, queueName string) (int, error) {
	conn, _, err := b.ensure()
	if err != nil {
		return 0, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return 0, fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()
	q, err := ch.QueueDeclarePassive(queueName, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("inspect queue %s: %w", queueName, err)
	}
	return q.Messages, nil
}

// DeclareQueue creates a durable queue. Safe to re-run. A non-empty
// dlxRoutingKey makes this a delay queue: expired messages route back
// through the default exchange to that key.
func (b *AMQPBroker) DeclareQueue(_ context.Context, name, dlxRoutingKey string) error {
	conn, _, err := b.ensure()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	var args amqp.Table
	if dlxRoutingKey != "" {
		args = amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlxRoutingKey,
		}
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}

// DeclareExchange creates a durable exchange. Safe to re-run.
func (b *AMQPBroker) DeclareExchange(_ context.Context, name string, fanout bool) error {
	conn, _, err := b.ensure()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	kind := amqp.ExchangeDirect
	if fanout {
		kind = amqp.ExchangeFanout
	}
	if err := ch.ExchangeDeclare(name, kind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}
	return nil
}

// BindQueue binds a queue to an exchange. Safe to re-run.
func (b *AMQPBroker) BindQueue(_ context.Context, queueName, exchange, routingKey string) error {
	conn, _, err := b.ensure()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()
	if err := ch.QueueBind(queueName, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("bind %s to %s: %w", queueName, exchange, err)
	}
	return nil
}

// ExchangeExists passively checks for an exchange on a throwaway channel.
func (b *AMQPBroker) ExchangeExists(_ context.Context, name string) (bool, error) {
	conn, _, err := b.ensure()
	if err != nil {
		return false, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()
	if err := ch.ExchangeDeclarePassive(name, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		// passive declare fails with a channel error when absent
		return false, nil
	}
	return true, nil
}

// Close shuts the connection down; unacked deliveries return to the broker.
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.conn != nil && !b.conn.IsClosed() {
		if err := b.conn.Close(); err != nil {
			return fmt.Errorf("close broker connection: %w", err)
		}
	}
	return nil
}

func envelopeFromAMQP(d amqp.Delivery) Envelope {
	env := Envelope{Body: d.Body, Headers: map[string]string{}}
	for k, v := range d.Headers {
		switch val := v.(type) {
		case string:
			env.Headers[k] = val
		case int32:
			env.Headers[k] = strconv.Itoa(int(val))
		case int64:
			env.Headers[k] = strconv.FormatInt(val, 10)
		}
	}
	env.Attempt = DecodeAttempt(env.Headers[HeaderRetries])
	return env
}

type amqpAcker struct {
	d amqp.Delivery
}

func (a amqpAcker) Ack() error { return a.d.Ack(false) }

func (a amqpAcker) Nack(requeue bool) error { return a.d.Nack(false, requeue) }
