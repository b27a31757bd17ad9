// Package worker implements the execution loop shared by every pipeline
// stage: consume one envelope, process it, settle it. Stage code never
// touches the broker; it returns nil, a RetryError, a QuarantineError, or a
// TransientError and the runtime maps that onto ack/retry/quarantine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/newsarc/pipeline/internal/metrics"
	"github.com/newsarc/pipeline/internal/queue"
	"github.com/newsarc/pipeline/internal/story"
)

const (
	// DefaultMaxRetries * DefaultRetryDelay determines how long a story
	// is retried before quarantine.
	DefaultMaxRetries = 10
	DefaultRetryDelay = 60 * time.Minute

	defaultPrefetch       = 2
	defaultPollInterval   = 30 * time.Second
	defaultTransientPause = 5 * time.Second

	// terminal outcome labels; keep stable across workers so counters
	// aggregate cleanly
	statusOK           = "ok"
	statusRetry        = "retry"
	statusRetryExpired = "retryx"
	statusQuarantine   = "quarantine"
)

// QuarantineError marks input that cannot possibly be processed; the message
// goes straight to the quarantine queue, no retry.
type QuarantineError struct {
	Err error
}

func (e *QuarantineError) Error() string { return "quarantine: " + e.Err.Error() }

func (e *QuarantineError) Unwrap() error { return e.Err }

// Quarantinef builds a QuarantineError.
func Quarantinef(format string, args ...any) *QuarantineError {
	return &QuarantineError{Err: fmt.Errorf(format, args...)}
}

// TransientError marks an infrastructure failure (broker or sink
// unreachable). The delivery is returned to the broker unsettled and does
// not count against the retry budget.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transientf builds a TransientError.
func Transientf(format string, args ...any) *TransientError {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// Sender publishes successor stories. Publishes are confirmed by the broker
// before Send returns, and the runtime acks the input only afterward, so a
// crash in between redelivers rather than loses.
type Sender interface {
	Send(ctx context.Context, s *story.Story) error
}

// ProcessFunc handles one story. Returning nil accepts the message.
type ProcessFunc func(ctx context.Context, s *story.Story, out Sender) error

// BatchFunc handles a batch of stories at once (archiver).
type BatchFunc func(ctx context.Context, stories []*story.Story, out Sender) error

// Config controls Runtime behavior. The zero value of every field has a
// usable default except Name.
type Config struct {
	// Name is the worker name; queue names derive from it.
	Name string

	MaxRetries int
	RetryDelay time.Duration
	Prefetch   int

	// Downstream lists the input queues fed by this worker's output
	// exchange, watched for backpressure. HighWater <= 0 disables the
	// check.
	Downstream   []string
	HighWater    int
	LowWater     int
	PollInterval time.Duration

	// FromQuarantine re-reads the quarantine queue as input, for manual
	// reprocessing after a fix is deployed.
	FromQuarantine bool

	// TransientPause is the wait before returning a message after an
	// infrastructure failure.
	TransientPause time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Prefetch == 0 {
		c.Prefetch = defaultPrefetch
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.LowWater == 0 && c.HighWater > 0 {
		c.LowWater = c.HighWater / 2
	}
	if c.TransientPause == 0 {
		c.TransientPause = defaultTransientPause
	}
	return c
}

// Runtime drives the consume, process, settle loop for one pipeline stage.
type Runtime struct {
	broker queue.Broker
	cfg    Config
	logger *zap.Logger
	stats  metrics.Stats
}

// New constructs a Runtime.
func New(broker queue.Broker, cfg Config, logger *zap.Logger, stats metrics.Stats) *Runtime {
	return &Runtime{
		broker: broker,
		cfg:    cfg.withDefaults(),
		logger: logger.With(zap.String("worker", cfg.Name)),
		stats:  stats,
	}
}

// InputQueue returns the queue this runtime consumes from.
func (r *Runtime) InputQueue() string {
	if r.cfg.FromQuarantine {
		return queue.QuarantineQueue(r.cfg.Name)
	}
	return queue.InputQueue(r.cfg.Name)
}

// Run blocks, consuming messages until the context ends. Deliveries are
// handled by a pool of Prefetch goroutines, matching the unacked window the
// broker grants, so slow stages like the fetcher overlap their waits.
func (r *Runtime) Run(ctx context.Context, fn ProcessFunc) error {
	input := r.InputQueue()
	for {
		deliveries, err := r.broker.Consume(ctx, input, r.cfg.Prefetch)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("subscribe %s: %w", input, err)
		}
		r.logger.Info("consuming",
			zap.String("queue", input),
			zap.Int("pool", r.cfg.Prefetch),
		)

		var wg sync.WaitGroup
		for i := 0; i < r.cfg.Prefetch; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.consume(ctx, deliveries, fn)
			}()
		}
		wg.Wait()

		if ctx.Err() != nil {
			return nil
		}
		// channel died; resubscribe, the broker redelivers whatever
		// was unacked
		r.logger.Warn("delivery channel closed, resubscribing")
	}
}

// consume is one pool member's loop: settle deliveries until the channel
// closes or the context ends.
func (r *Runtime) consume(ctx context.Context, deliveries <-chan queue.Delivery, fn ProcessFunc) {
	for {
		// backpressure is checked before every fetch, not just at
		// subscribe time
		if err := r.WaitForHeadroom(ctx); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			r.handle(ctx, &d, fn)
		}
	}
}

// handle settles exactly one delivery. The story counter is incremented at
// the single point where the envelope is finally acknowledged, never inside
// processing code that may be retried.
func (r *Runtime) handle(ctx context.Context, d *queue.Delivery, fn ProcessFunc) {
	t0 := time.Now()
	status := r.settle(ctx, d, fn)
	elapsed := time.Since(t0)

	r.stats.ObserveMessage(status, elapsed)
	if status != statusRetry {
		// terminal outcome: exactly one increment per story
		r.stats.IncrStories(status)
	}
	r.logger.Info("processed message",
		zap.String("status", status),
		zap.Duration("elapsed", elapsed),
	)
}

func (r *Runtime) settle(ctx context.Context, d *queue.Delivery, fn ProcessFunc) string {
	s, err := story.Unmarshal(d.Body)
	if err != nil {
		// will never decode on redelivery either
		return r.quarantine(ctx, d, err, statusQuarantine)
	}

	err = fn(ctx, s, &exchangeSender{r: r})
	if err == nil {
		if ackErr := d.Ack(); ackErr != nil {
			r.logger.Error("ack failed", zap.Error(ackErr))
		}
		return statusOK
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		// leave unsettled: short pause, then hand the message back to
		// the broker without touching the retry count
		r.logger.Warn("transient failure, returning message", zap.Error(err))
		r.pause(ctx)
		if nackErr := d.Nack(true); nackErr != nil {
			r.logger.Error("nack failed", zap.Error(nackErr))
		}
		return statusRetry
	}

	var quar *QuarantineError
	if errors.As(err, &quar) {
		return r.quarantine(ctx, d, err, statusQuarantine)
	}

	// retryable processing failure
	if d.Attempt >= r.cfg.MaxRetries {
		return r.quarantine(ctx, d, err, statusRetryExpired)
	}
	return r.retry(ctx, d, err)
}

// retry publishes the message to the delay queue with a bumped attempt count
// and a TTL; expiry dead-letters it back into the input queue.
func (r *Runtime) retry(ctx context.Context, d *queue.Delivery, cause error) string {
	env := queue.Envelope{
		Body:       d.Body,
		Attempt:    d.Attempt + 1,
		Expiration: r.cfg.RetryDelay,
		Headers:    r.failureHeaders(cause),
	}
	dest := queue.DelayQueue(r.cfg.Name)
	if err := r.broker.Publish(ctx, "", dest, env); err != nil {
		// leave the input unacked; the broker redelivers it
		r.logger.Error("delay publish failed", zap.Error(err))
		r.pause(ctx)
		_ = d.Nack(true)
		return statusRetry
	}
	r.stats.IncrSent(dest)
	r.logger.Info("queued for retry",
		zap.Int("attempt", d.Attempt+1),
		zap.String("cause", cause.Error()),
	)
	if err := d.Ack(); err != nil {
		r.logger.Error("ack failed after retry publish", zap.Error(err))
	}
	return statusRetry
}

// quarantine forwards the message body unchanged to the quarantine queue,
// then acks the input. The body is untouched so --from-quarantine can replay
// it after a fix ships.
func (r *Runtime) quarantine(ctx context.Context, d *queue.Delivery, cause error, status string) string {
	env := queue.Envelope{
		Body:    d.Body,
		Attempt: d.Attempt,
		Headers: r.failureHeaders(cause),
	}
	dest := queue.QuarantineQueue(r.cfg.Name)
	if err := r.broker.Publish(ctx, "", dest, env); err != nil {
		// cannot quarantine: leave unacked rather than lose the message
		r.logger.Error("quarantine publish failed", zap.Error(err))
		r.pause(ctx)
		_ = d.Nack(true)
		return statusRetry
	}
	r.stats.IncrSent(dest)
	r.logger.Warn("quarantined message", zap.String("cause", cause.Error()))
	if err := d.Ack(); err != nil {
		r.logger.Error("ack failed after quarantine publish", zap.Error(err))
	}
	return status
}

func (r *Runtime) failureHeaders(cause error) map[string]string {
	what := cause.Error()
	if len(what) > 100 {
		what = what[:100]
	}
	return map[string]string{
		queue.HeaderWho:       r.cfg.Name,
		queue.HeaderWhen:      time.Now().UTC().Format(time.RFC3339),
		queue.HeaderException: what,
	}
}

func (r *Runtime) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(r.cfg.TransientPause):
	}
}

// WaitForHeadroom blocks while any downstream input queue is above the
// high-water mark, resuming only once every queue has drained to the
// low-water mark. This is the pipeline's only backpressure mechanism.
func (r *Runtime) WaitForHeadroom(ctx context.Context) error {
	if r.cfg.HighWater <= 0 || len(r.cfg.Downstream) == 0 {
		return ctx.Err()
	}
	over, err := r.maxDepth(ctx)
	if err != nil {
		r.logger.Warn("queue depth check failed", zap.Error(err))
		return ctx.Err()
	}
	if over <= r.cfg.HighWater {
		return ctx.Err()
	}

	r.stats.IncrBackpressurePauses()
	r.logger.Info("output queue over high-water mark, pausing",
		zap.Int("depth", over),
		zap.Int("high_water", r.cfg.HighWater),
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.PollInterval):
		}
		depth, err := r.maxDepth(ctx)
		if err != nil {
			r.logger.Warn("queue depth check failed", zap.Error(err))
			return ctx.Err()
		}
		if depth <= r.cfg.LowWater {
			r.logger.Info("output queues drained, resuming", zap.Int("depth", depth))
			return ctx.Err()
		}
	}
}

func (r *Runtime) maxDepth(ctx context.Context) (int, error) {
	max := 0
	for _, q := range r.cfg.Downstream {
		depth, err := r.broker.QueueDepth(ctx, q)
		if err != nil {
			return 0, err
		}
		if depth > max {
			max = depth
		}
	}
	return max, nil
}

// Sender returns a publisher to this worker's output exchange, for producer
// stages that have no input queue.
func (r *Runtime) Sender() Sender {
	return &exchangeSender{r: r}
}

type exchangeSender struct {
	r *Runtime
}

func (s *exchangeSender) Send(ctx context.Context, st *story.Story) error {
	body, err := st.Marshal()
	if err != nil {
		return err
	}
	exch := queue.OutputExchange(s.r.cfg.Name)
	if err := s.r.broker.Publish(ctx, exch, queue.DefaultRoutingKey, queue.Envelope{Body: body}); err != nil {
		return fmt.Errorf("publish to %s: %w", exch, err)
	}
	s.r.stats.IncrSent(exch)
	return nil
}
