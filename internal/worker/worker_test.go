// Package worker_test exercises the worker runtime against the in-memory
// broker: settlement outcomes, the retry ladder, quarantine, backpressure,
// and the single-count-per-story guarantee.
package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/newsarc/pipeline/internal/queue"
	"github.com/newsarc/pipeline/internal/queue/memory"
	"github.com/newsarc/pipeline/internal/story"
	"github.com/newsarc/pipeline/internal/worker"
)

// fakeStats records counter increments for assertions.
type fakeStats struct {
	mu       sync.Mutex
	stories  map[string]int
	sent     map[string]int
	files    map[string]int
	archives int
	pauses   int
}

func newFakeStats() *fakeStats {
	return &fakeStats{stories: map[string]int{}, sent: map[string]int{}, files: map[string]int{}}
}

func (f *fakeStats) IncrStories(status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stories[status]++
}

func (f *fakeStats) ObserveMessage(string, time.Duration) {}

func (f *fakeStats) IncrSent(dest string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[dest]++
}

func (f *fakeStats) IncrFiles(status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[status]++
}

func (f *fakeStats) IncrArchives() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archives++
}

func (f *fakeStats) IncrBackpressurePauses() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses++
}

func (f *fakeStats) storyCount(status string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stories[status]
}

func (f *fakeStats) totalStories() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.stories {
		n += c
	}
	return n
}

func storyBody(t *testing.T, link string) []byte {
	t.Helper()
	s := story.New()
	s.RSSEntry.Link = story.String(link)
	b, err := s.Marshal()
	require.NoError(t, err)
	return b
}

// declareStage sets up the queues one consuming stage needs.
func declareStage(t *testing.T, b *memory.Broker, name string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, b.DeclareQueue(ctx, queue.InputQueue(name), ""))
	require.NoError(t, b.DeclareQueue(ctx, queue.QuarantineQueue(name), ""))
	require.NoError(t, b.DeclareQueue(ctx, queue.DelayQueue(name), queue.InputQueue(name)))
	require.NoError(t, b.DeclareExchange(ctx, queue.OutputExchange(name), false))
}

func publish(t *testing.T, b *memory.Broker, queueName string, body []byte, attempt int) {
	t.Helper()
	err := b.Publish(context.Background(), "", queueName, queue.Envelope{Body: body, Attempt: attempt})
	require.NoError(t, err)
}

func newRuntime(b *memory.Broker, stats *fakeStats, cfg worker.Config) *worker.Runtime {
	cfg.TransientPause = time.Millisecond
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	return worker.New(b, cfg, zap.NewNop(), stats)
}

// runUntil runs the runtime in the background until cond holds, then cancels.
func runUntil(t *testing.T, rt *worker.Runtime, fn worker.ProcessFunc, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx, fn) }()

	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRunSettlesOK(t *testing.T) {
	b := memory.NewBroker()
	declareStage(t, b, "parser")
	require.NoError(t, b.BindQueue(context.Background(), "importer-in", "parser-out", queue.DefaultRoutingKey))
	stats := newFakeStats()
	rt := newRuntime(b, stats, worker.Config{Name: "parser"})

	publish(t, b, "parser-in", storyBody(t, "https://example.com/a"), 0)

	runUntil(t, rt, func(ctx context.Context, s *story.Story, out worker.Sender) error {
		return out.Send(ctx, s)
	}, func() bool { return stats.storyCount("ok") == 1 })

	assert.Equal(t, 1, b.Acked)
	depth, err := b.QueueDepth(context.Background(), "importer-in")
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "successor story should reach the bound downstream queue")
}

func TestRunOverlapsSlowHandlers(t *testing.T) {
	b := memory.NewBroker()
	declareStage(t, b, "fetcher")
	stats := newFakeStats()
	rt := newRuntime(b, stats, worker.Config{Name: "fetcher", Prefetch: 8})

	const messages = 6
	for i := 0; i < messages; i++ {
		publish(t, b, "fetcher-in", storyBody(t, "https://example.com/a"), 0)
	}

	// a handler that sleeps forces overlap to show up in the in-flight
	// count; a serial loop would never observe more than one
	var mu sync.Mutex
	inFlight, peak := 0, 0
	runUntil(t, rt, func(context.Context, *story.Story, worker.Sender) error {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}, func() bool { return stats.storyCount("ok") == messages })

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, peak, 1)
	assert.LessOrEqual(t, peak, 8)
}

func TestRetryGoesToDelayQueue(t *testing.T) {
	b := memory.NewBroker()
	declareStage(t, b, "parser")
	stats := newFakeStats()
	rt := newRuntime(b, stats, worker.Config{Name: "parser"})

	publish(t, b, "parser-in", storyBody(t, "https://example.com/a"), 0)

	runUntil(t, rt, func(context.Context, *story.Story, worker.Sender) error {
		return errors.New("flaky sink")
	}, func() bool {
		depth, _ := b.QueueDepth(context.Background(), "parser-delay")
		return depth == 1
	})

	// retry is not a terminal outcome; nothing counted yet
	assert.Zero(t, stats.totalStories())
	assert.Equal(t, 1, b.Acked, "input is acked once the delay publish is confirmed")
}

func TestRetryCarriesBumpedAttempt(t *testing.T) {
	b := memory.NewBroker()
	declareStage(t, b, "parser")
	stats := newFakeStats()
	rt := newRuntime(b, stats, worker.Config{Name: "parser", MaxRetries: 5})

	publish(t, b, "parser-in", storyBody(t, "https://example.com/a"), 2)

	runUntil(t, rt, func(context.Context, *story.Story, worker.Sender) error {
		return errors.New("still failing")
	}, func() bool {
		depth, _ := b.QueueDepth(context.Background(), "parser-delay")
		return depth == 1
	})

	// expire the delay queue and read the attempt off the redelivery
	b.Expire("parser-delay")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := b.Consume(ctx, "parser-in", 1)
	require.NoError(t, err)
	d := <-deliveries
	assert.Equal(t, 3, d.Attempt, "each retry bumps the attempt count by one")
	require.NoError(t, d.Ack())
}

func TestRetryBudgetExhaustionQuarantines(t *testing.T) {
	b := memory.NewBroker()
	declareStage(t, b, "parser")
	stats := newFakeStats()
	rt := newRuntime(b, stats, worker.Config{Name: "parser", MaxRetries: 2})

	publish(t, b, "parser-in", storyBody(t, "https://example.com/a"), 2)

	runUntil(t, rt, func(context.Context, *story.Story, worker.Sender) error {
		return errors.New("persistent failure")
	}, func() bool { return stats.storyCount("retryx") == 1 })

	depth, err := b.QueueDepth(context.Background(), "parser-quar")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
	delayDepth, err := b.QueueDepth(context.Background(), "parser-delay")
	require.NoError(t, err)
	assert.Zero(t, delayDepth, "an exhausted story must not re-enter the delay loop")
}

func TestQuarantineErrorSkipsRetry(t *testing.T) {
	b := memory.NewBroker()
	declareStage(t, b, "parser")
	stats := newFakeStats()
	rt := newRuntime(b, stats, worker.Config{Name: "parser"})

	body := storyBody(t, "https://example.com/bad")
	publish(t, b, "parser-in", body, 0)

	runUntil(t, rt, func(context.Context, *story.Story, worker.Sender) error {
		return worker.Quarantinef("malformed beyond repair")
	}, func() bool { return stats.storyCount("quarantine") == 1 })

	depth, err := b.QueueDepth(context.Background(), "parser-delay")
	require.NoError(t, err)
	assert.Zero(t, depth)
	depth, err = b.QueueDepth(context.Background(), "parser-quar")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestUndecodableBodyQuarantines(t *testing.T) {
	b := memory.NewBroker()
	declareStage(t, b, "parser")
	stats := newFakeStats()
	rt := newRuntime(b, stats, worker.Config{Name: "parser"})

	publish(t, b, "parser-in", []byte("{not json"), 0)

	called := false
	runUntil(t, rt, func(context.Context, *story.Story, worker.Sender) error {
		called = true
		return nil
	}, func() bool { return stats.storyCount("quarantine") == 1 })

	assert.False(t, called, "the process function must never see an undecodable body")
}

func TestTransientFailureDoesNotBurnRetries(t *testing.T) {
	b := memory.NewBroker()
	declareStage(t, b, "importer")
	stats := newFakeStats()
	rt := newRuntime(b, stats, worker.Config{Name: "importer"})

	publish(t, b, "importer-in", storyBody(t, "https://example.com/a"), 0)

	var mu sync.Mutex
	calls := 0
	runUntil(t, rt, func(context.Context, *story.Story, worker.Sender) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return worker.Transientf("sink unreachable")
		}
		return nil
	}, func() bool { return stats.storyCount("ok") == 1 })

	// the transient round trip must not count the story twice
	assert.Equal(t, 1, stats.totalStories())
	assert.Equal(t, 1, b.Nacked)
	depth, err := b.QueueDepth(context.Background(), "importer-delay")
	require.NoError(t, err)
	assert.Zero(t, depth, "transient failures bypass the delay queue")
}

func TestAtLeastOnceRedelivery(t *testing.T) {
	b := memory.NewBroker()
	declareStage(t, b, "parser")
	stats := newFakeStats()
	rt := newRuntime(b, stats, worker.Config{Name: "parser"})

	publish(t, b, "parser-in", storyBody(t, "https://example.com/a"), 0)

	// simulate a crash after delivery, before settlement: consume the
	// message and walk away without acking
	crashCtx, crash := context.WithCancel(context.Background())
	deliveries, err := b.Consume(crashCtx, "parser-in", 1)
	require.NoError(t, err)
	<-deliveries
	crash()

	// broker redelivers the unsettled message to the next consumer
	b.Redeliver()
	runUntil(t, rt, func(context.Context, *story.Story, worker.Sender) error {
		return nil
	}, func() bool { return stats.storyCount("ok") == 1 })
}

func TestFromQuarantineConsumesQuarQueue(t *testing.T) {
	b := memory.NewBroker()
	declareStage(t, b, "parser")
	stats := newFakeStats()
	rt := newRuntime(b, stats, worker.Config{Name: "parser", FromQuarantine: true})

	assert.Equal(t, "parser-quar", rt.InputQueue())

	publish(t, b, "parser-quar", storyBody(t, "https://example.com/a"), 0)
	runUntil(t, rt, func(context.Context, *story.Story, worker.Sender) error {
		return nil
	}, func() bool { return stats.storyCount("ok") == 1 })
}

func TestWaitForHeadroom(t *testing.T) {
	b := memory.NewBroker()
	declareStage(t, b, "fetcher")
	stats := newFakeStats()
	rt := newRuntime(b, stats, worker.Config{
		Name:         "fetcher",
		Downstream:   []string{"parser-in"},
		HighWater:    2,
		LowWater:     1,
		PollInterval: 2 * time.Millisecond,
	})

	for i := 0; i < 4; i++ {
		publish(t, b, "parser-in", storyBody(t, "https://example.com/a"), 0)
	}

	resumed := make(chan error, 1)
	go func() { resumed <- rt.WaitForHeadroom(context.Background()) }()

	select {
	case <-resumed:
		t.Fatal("WaitForHeadroom returned while over the high-water mark")
	case <-time.After(20 * time.Millisecond):
	}

	// drain below the low-water mark
	ctx, cancel := context.WithCancel(context.Background())
	deliveries, err := b.Consume(ctx, "parser-in", 1)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		d := <-deliveries
		require.NoError(t, d.Ack())
	}
	cancel()

	select {
	case err := <-resumed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForHeadroom never resumed after the queue drained")
	}

	stats.mu.Lock()
	pauses := stats.pauses
	stats.mu.Unlock()
	assert.GreaterOrEqual(t, pauses, 1)
}

func TestHeadroomDisabledWithoutHighWater(t *testing.T) {
	b := memory.NewBroker()
	stats := newFakeStats()
	rt := newRuntime(b, stats, worker.Config{Name: "fetcher", Downstream: []string{"parser-in"}})

	require.NoError(t, rt.WaitForHeadroom(context.Background()))
}
