// Package archiver is the pipeline's terminal stage: it writes batches of
// indexed stories into WARC files and uploads them to blob storage. Each
// batch becomes one file, so a batch retry can never leave a half-referenced
// archive behind.
package archiver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/newsarc/pipeline/internal/archive"
	"github.com/newsarc/pipeline/internal/blobstore"
	"github.com/newsarc/pipeline/internal/metrics"
	"github.com/newsarc/pipeline/internal/story"
	"github.com/newsarc/pipeline/internal/worker"
)

const (
	// DefaultBatchSize balances archive file size against redelivery
	// cost on a crash: everything unacked in the current batch comes
	// back.
	DefaultBatchSize = 100
	DefaultBatchWait = 2 * time.Minute

	warcContentType = "application/warc"
)

// Config controls archive output.
type Config struct {
	// Dir is the local spool directory for archives in progress.
	Dir string
	// Prefix is the flavor-specific file name prefix.
	Prefix string
	// KeepLocal leaves the spool copy in place after a successful
	// upload.
	KeepLocal bool
}

// Archiver is the archive stage.
type Archiver struct {
	cfg    Config
	blobs  blobstore.Store
	stats  metrics.Stats
	logger *zap.Logger
}

// New builds an Archiver. blobs may be nil, in which case archives stay in
// the spool directory.
func New(cfg Config, blobs blobstore.Store, stats metrics.Stats, logger *zap.Logger) *Archiver {
	return &Archiver{cfg: cfg, blobs: blobs, stats: stats, logger: logger}
}

// ProcessBatch writes one batch into one archive file and uploads it.
// Returning an error sends the whole batch through the retry path, so the
// local file is discarded first; a later attempt writes a fresh one.
func (a *Archiver) ProcessBatch(ctx context.Context, stories []*story.Story, _ worker.Sender) error {
	w, err := archive.NewWriter(a.cfg.Dir, a.cfg.Prefix, len(stories))
	if err != nil {
		return err
	}

	for _, s := range stories {
		if err := w.Write(s); err != nil {
			// a story that cannot be written will not improve on
			// retry; drop it from the archive rather than wedge
			// the batch
			a.logger.Warn("story not archived",
				zap.String("id", s.ID()),
				zap.Error(err),
			)
		}
	}

	written := w.Count()
	err = w.Close()
	if errors.Is(err, archive.ErrEmpty) {
		a.logger.Warn("batch produced no archivable stories",
			zap.Int("stories", len(stories)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("close archive: %w", err)
	}

	if err := a.upload(ctx, w); err != nil {
		os.Remove(w.Path())
		return err
	}

	a.stats.IncrArchives()
	a.logger.Info("archive written",
		zap.String("file", w.Name()),
		zap.Int("stories", written),
	)
	return nil
}

func (a *Archiver) upload(ctx context.Context, w *archive.Writer) error {
	if a.blobs == nil {
		return nil
	}
	f, err := os.Open(w.Path())
	if err != nil {
		return fmt.Errorf("open archive for upload: %w", err)
	}
	defer f.Close()

	uri, err := a.blobs.Put(ctx, w.Name(), warcContentType, f)
	if err != nil {
		return fmt.Errorf("upload %s: %w", w.Name(), err)
	}
	a.logger.Info("archive uploaded", zap.String("uri", uri))

	if !a.cfg.KeepLocal {
		if err := os.Remove(w.Path()); err != nil {
			a.logger.Warn("remove spool file failed", zap.Error(err))
		}
	}
	return nil
}
