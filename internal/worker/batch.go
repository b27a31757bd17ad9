package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/newsarc/pipeline/internal/queue"
	"github.com/newsarc/pipeline/internal/story"
)

// RunBatch blocks, collecting up to batchSize messages (or whatever arrives
// within batchWait of the first one) and handing them to fn at once. Used by
// the archiver, which amortizes one archive file over many stories. All
// messages in a batch are acked only after fn succeeds; a batch failure
// sends every member through the normal retry path.
func (r *Runtime) RunBatch(ctx context.Context, fn BatchFunc, batchSize int, batchWait time.Duration) error {
	if batchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	input := r.InputQueue()
	// prefetch one full batch: acks are withheld until the batch closes
	deliveries, err := r.broker.Consume(ctx, input, batchSize)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", input, err)
	}
	r.logger.Info("consuming batches",
		zap.String("queue", input),
		zap.Int("batch_size", batchSize),
	)

	for {
		batch, ok := r.collect(ctx, deliveries, batchSize, batchWait)
		if !ok {
			return nil
		}
		if len(batch) == 0 {
			continue
		}
		r.endBatch(ctx, batch, fn)
	}
}

type batchItem struct {
	delivery queue.Delivery
	story    *story.Story
}

// collect gathers one batch. The timer starts at the first message so an
// idle worker does not spin.
func (r *Runtime) collect(ctx context.Context, deliveries <-chan queue.Delivery, batchSize int, batchWait time.Duration) ([]batchItem, bool) {
	var batch []batchItem
	var deadline <-chan time.Time

	for len(batch) < batchSize {
		select {
		case <-ctx.Done():
			return batch, batch != nil
		case <-deadline:
			return batch, true
		case d, ok := <-deliveries:
			if !ok {
				return batch, batch != nil
			}
			s, err := story.Unmarshal(d.Body)
			if err != nil {
				if st := r.quarantine(ctx, &d, err, statusQuarantine); st != statusRetry {
					r.stats.IncrStories(st)
				}
				continue
			}
			if deadline == nil {
				deadline = time.After(batchWait)
			}
			batch = append(batch, batchItem{delivery: d, story: s})
		}
	}
	return batch, true
}

func (r *Runtime) endBatch(ctx context.Context, batch []batchItem, fn BatchFunc) {
	t0 := time.Now()
	stories := make([]*story.Story, len(batch))
	for i := range batch {
		stories[i] = batch[i].story
	}

	err := fn(ctx, stories, &exchangeSender{r: r})
	elapsed := time.Since(t0)
	if err == nil {
		for i := range batch {
			if ackErr := batch[i].delivery.Ack(); ackErr != nil {
				r.logger.Error("batch ack failed", zap.Error(ackErr))
			}
			r.stats.IncrStories(statusOK)
		}
		r.stats.ObserveMessage(statusOK, elapsed)
		r.logger.Info("batch complete",
			zap.Int("stories", len(batch)),
			zap.Duration("elapsed", elapsed),
		)
		return
	}

	r.logger.Warn("batch failed, retrying members", zap.Error(err), zap.Int("stories", len(batch)))
	for i := range batch {
		d := &batch[i].delivery
		var status string
		if d.Attempt >= r.cfg.MaxRetries {
			status = r.quarantine(ctx, d, err, statusRetryExpired)
		} else {
			status = r.retry(ctx, d, err)
		}
		if status != statusRetry {
			r.stats.IncrStories(status)
		}
	}
	r.stats.ObserveMessage(statusRetry, elapsed)
}
