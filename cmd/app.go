package cmd

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/newsarc/pipeline/internal/blobstore"
	"github.com/newsarc/pipeline/internal/blobstore/gcs"
	"github.com/newsarc/pipeline/internal/blobstore/local"
	"github.com/newsarc/pipeline/internal/metrics"
	"github.com/newsarc/pipeline/internal/pipeline"
	"github.com/newsarc/pipeline/internal/queue"
	"github.com/newsarc/pipeline/internal/worker"
	"github.com/newsarc/pipeline/pkg/config"
)

// app holds the services every subcommand needs: configuration, logging,
// the broker connection, and the pipeline topology for the active flavor.
type app struct {
	cfg    config.Settings
	logger *zap.Logger
	broker *queue.AMQPBroker
	topo   *pipeline.Topology
}

func newApp() (*app, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, fmt.Errorf("initialize logging: %w", err)
	}
	cfg := config.Load()
	topo, err := pipeline.Build(cfg.Flavor)
	if err != nil {
		return nil, err
	}
	metrics.Init()
	return &app{cfg: cfg, logger: logger, topo: topo}, nil
}

// connect dials the broker. Deferred out of newApp so configure can report a
// clean error before any queue exists.
func (a *app) connect() error {
	broker, err := queue.Dial(a.cfg.RabbitURL, a.logger)
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	a.broker = broker
	return nil
}

func (a *app) close() {
	if a.broker != nil {
		a.broker.Close()
	}
	_ = a.logger.Sync()
}

// waitConfigured blocks until the configure command has provisioned the
// broker, so stage deploy order does not matter.
func (a *app) waitConfigured(ctx context.Context) error {
	return pipeline.WaitConfigured(ctx, a.broker, 10*time.Second, a.logger)
}

// runtime builds a worker runtime for the named stage with the configured
// retry and backpressure settings.
func (a *app) runtime(name string) *worker.Runtime {
	return worker.New(a.broker, worker.Config{
		Name:           name,
		MaxRetries:     a.cfg.WorkerMaxRetries,
		RetryDelay:     a.cfg.WorkerRetryDelay,
		Prefetch:       a.cfg.WorkerPrefetch,
		Downstream:     a.topo.Downstream(name),
		HighWater:      a.cfg.WorkerHighWater,
		LowWater:       a.cfg.WorkerLowWater,
		PollInterval:   a.cfg.WorkerPollInterval,
		FromQuarantine: fromQuarantine,
	}, a.logger, metrics.ForWorker(name))
}

// serveMetrics exposes the Prometheus endpoint for the life of the command.
func (a *app) serveMetrics(ctx context.Context) {
	if a.cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Warn("metrics server failed", zap.Error(err))
		}
	}()
}

// openStore maps a blob store URL onto a backend: gs://bucket/prefix,
// file:///dir, or empty for none.
func (a *app) openStore(ctx context.Context, rawURL string) (blobstore.Store, error) {
	if rawURL == "" {
		return nil, nil
	}
	scheme, rest, err := blobstore.SplitURL(rawURL)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "gs":
		bucket, prefix, _ := strings.Cut(rest, "/")
		return gcs.New(ctx, bucket, prefix)
	case "file":
		return local.New(rest)
	default:
		return nil, fmt.Errorf("unsupported blob store scheme %q", scheme)
	}
}
