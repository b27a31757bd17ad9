// Package queuer feeds the pipeline from the outside world. A queuer
// enumerates input files (local paths, directories, http URLs, or blob store
// keys), claims each file in the tracker so reruns never double-queue, and
// publishes the stories a format-specific parser extracts.
package queuer

import (
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/newsarc/pipeline/internal/blobstore"
	"github.com/newsarc/pipeline/internal/metrics"
	"github.com/newsarc/pipeline/internal/story"
	"github.com/newsarc/pipeline/internal/tracker"
	"github.com/newsarc/pipeline/internal/worker"
)

// file outcome labels for the files counter
const (
	fileQueued  = "queued"
	fileSkipped = "skipped"
	fileFailed  = "failed"
)

// ErrMaxStories stops a run once the story cap is reached.
var ErrMaxStories = errors.New("story cap reached")

// ParseFunc extracts stories from one input file and hands each to emit.
// Returning emit's error unchanged is required; the harness uses it to stop
// at the story cap.
type ParseFunc func(ctx context.Context, name string, r io.Reader, emit func(*story.Story) error) error

// Options control a queuing run.
type Options struct {
	// DryRun parses and counts but publishes nothing and leaves the
	// tracker untouched.
	DryRun bool
	// Force queues files even if the tracker says they were already done.
	Force bool
	// MaxStories caps the stories published across the whole run.
	// Zero means unlimited.
	MaxStories int
}

// Queuer is the shared harness; the rss, csv, and arch queuers differ only
// in their ParseFunc.
type Queuer struct {
	rt     *worker.Runtime
	trk    tracker.Tracker
	blobs  blobstore.Store
	client *http.Client
	logger *zap.Logger
	stats  metrics.Stats
	opts   Options

	queued int
}

// New constructs a harness. blobs may be nil when no blob store inputs are
// expected.
func New(rt *worker.Runtime, trk tracker.Tracker, blobs blobstore.Store, logger *zap.Logger, stats metrics.Stats, opts Options) *Queuer {
	return &Queuer{
		rt:     rt,
		trk:    trk,
		blobs:  blobs,
		client: http.DefaultClient,
		logger: logger,
		stats:  stats,
		opts:   opts,
	}
}

// Queued returns the number of stories published this run.
func (q *Queuer) Queued() int { return q.queued }

// Run expands the inputs and queues each file in order. A file that fails to
// parse is logged, released in the tracker, and skipped; the run continues.
func (q *Queuer) Run(ctx context.Context, inputs []string, parse ParseFunc) error {
	files, err := q.expand(ctx, inputs)
	if err != nil {
		return err
	}
	q.logger.Info("queuing run starting",
		zap.Int("files", len(files)),
		zap.Bool("dry_run", q.opts.DryRun),
	)

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := q.queueFile(ctx, f, parse)
		switch {
		case errors.Is(err, ErrMaxStories):
			q.logger.Info("story cap reached, stopping",
				zap.Int("queued", q.queued))
			return nil
		case err != nil:
			q.stats.IncrFiles(fileFailed)
			q.logger.Error("file failed", zap.String("file", f), zap.Error(err))
		}
	}
	q.logger.Info("queuing run complete", zap.Int("queued", q.queued))
	return nil
}

// queueFile claims, opens, parses, and settles one input file.
func (q *Queuer) queueFile(ctx context.Context, name string, parse ParseFunc) error {
	if !q.opts.DryRun && !q.opts.Force {
		ok, err := q.trk.Acquire(ctx, name)
		if err != nil {
			return err
		}
		if !ok {
			q.stats.IncrFiles(fileSkipped)
			q.logger.Info("file already queued, skipping", zap.String("file", name))
			return nil
		}
	}

	rc, err := q.open(ctx, name)
	if err != nil {
		q.abort(ctx, name)
		return err
	}
	defer rc.Close()

	r, err := maybeGunzip(name, rc)
	if err != nil {
		q.abort(ctx, name)
		return err
	}

	before := q.queued
	err = parse(ctx, name, r, func(s *story.Story) error { return q.emit(ctx, s, name) })
	if err != nil {
		// includes the story-cap stop: the file is only partially
		// queued, so the claim is released for the next run
		q.abort(ctx, name)
		return err
	}

	if !q.opts.DryRun && !q.opts.Force {
		if doneErr := q.trk.Done(ctx, name); doneErr != nil {
			return doneErr
		}
	}
	q.stats.IncrFiles(fileQueued)
	q.logger.Info("file queued",
		zap.String("file", name),
		zap.Int("stories", q.queued-before),
	)
	return nil
}

// emit publishes one story, honoring backpressure and the story cap.
func (q *Queuer) emit(ctx context.Context, s *story.Story, via string) error {
	if q.opts.MaxStories > 0 && q.queued >= q.opts.MaxStories {
		return ErrMaxStories
	}
	if s.RSSEntry.Via == nil {
		s.RSSEntry.Via = story.String(tracker.Normalize(via))
	}
	if q.opts.DryRun {
		q.queued++
		return nil
	}
	if err := q.rt.WaitForHeadroom(ctx); err != nil {
		return err
	}
	if err := q.rt.Sender().Send(ctx, s); err != nil {
		return err
	}
	q.queued++
	return nil
}

func (q *Queuer) abort(ctx context.Context, name string) {
	if q.opts.DryRun || q.opts.Force {
		return
	}
	if err := q.trk.Abort(ctx, name); err != nil {
		q.logger.Error("tracker abort failed", zap.String("file", name), zap.Error(err))
	}
}

// expand turns the input arguments into a flat ordered file list.
// Directories list their regular files; blob inputs list keys under the
// given prefix; everything else passes through as a single file.
func (q *Queuer) expand(ctx context.Context, inputs []string) ([]string, error) {
	var files []string
	for _, in := range inputs {
		switch {
		case strings.HasPrefix(in, "http://"), strings.HasPrefix(in, "https://"):
			files = append(files, in)
		case strings.HasPrefix(in, "blob:"):
			if q.blobs == nil {
				return nil, fmt.Errorf("blob input %s but no blob store configured", in)
			}
			keys, err := q.blobs.List(ctx, strings.TrimPrefix(in, "blob:"))
			if err != nil {
				return nil, err
			}
			for _, k := range keys {
				files = append(files, "blob:"+k)
			}
		default:
			info, err := os.Stat(in)
			if err != nil {
				return nil, fmt.Errorf("input %s: %w", in, err)
			}
			if !info.IsDir() {
				files = append(files, in)
				continue
			}
			entries, err := os.ReadDir(in)
			if err != nil {
				return nil, fmt.Errorf("input %s: %w", in, err)
			}
			var names []string
			for _, e := range entries {
				if e.Type().IsRegular() {
					names = append(names, filepath.Join(in, e.Name()))
				}
			}
			sort.Strings(names)
			files = append(files, names...)
		}
	}
	return files, nil
}

// open returns a reader over one input file, whatever its location.
func (q *Queuer) open(ctx context.Context, name string) (io.ReadCloser, error) {
	switch {
	case strings.HasPrefix(name, "http://"), strings.HasPrefix(name, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, name, nil)
		if err != nil {
			return nil, err
		}
		resp, err := q.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", name, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("fetch %s: status %d", name, resp.StatusCode)
		}
		return resp.Body, nil
	case strings.HasPrefix(name, "blob:"):
		return q.blobs.Get(ctx, strings.TrimPrefix(name, "blob:"))
	default:
		return os.Open(name)
	}
}

// maybeGunzip wraps r in a gzip reader when the content is gzipped,
// detected by magic bytes rather than the file name.
func maybeGunzip(name string, r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil {
		// tiny or empty file; let the parser produce the real error
		return br, nil
	}
	if magic[0] != 0x1f || magic[1] != 0x8b {
		return br, nil
	}
	gz, err := gzip.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("gunzip %s: %w", name, err)
	}
	return gz, nil
}
