// Package exporter is the research flavor's second sink: it writes batches of
// parsed stories as gzipped NDJSON to blob storage, one row per story, for
// offline analysis outside the search index.
package exporter

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/newsarc/pipeline/internal/blobstore"
	"github.com/newsarc/pipeline/internal/metrics"
	"github.com/newsarc/pipeline/internal/story"
	"github.com/newsarc/pipeline/internal/worker"
)

const (
	DefaultBatchSize = 1000
	DefaultBatchWait = 5 * time.Minute

	ndjsonContentType = "application/x-ndjson"
	fileTimeFormat    = "20060102150405"
)

// Exporter is the export stage.
type Exporter struct {
	prefix string
	blobs  blobstore.Store
	stats  metrics.Stats
	logger *zap.Logger
}

// New builds an Exporter writing files named {prefix}-export-*.ndjson.gz.
func New(prefix string, blobs blobstore.Store, stats metrics.Stats, logger *zap.Logger) *Exporter {
	return &Exporter{prefix: prefix, blobs: blobs, stats: stats, logger: logger}
}

// row is one exported story. Same flat surface the index gets, plus the
// story id so rows join against index documents.
type row struct {
	ID                     string  `json:"id"`
	OriginalURL            *string `json:"original_url,omitempty"`
	URL                    *string `json:"url,omitempty"`
	NormalizedURL          *string `json:"normalized_url,omitempty"`
	CanonicalDomain        *string `json:"canonical_domain,omitempty"`
	PublicationDate        *string `json:"publication_date,omitempty"`
	Language               *string `json:"language,omitempty"`
	FullLanguage           *string `json:"full_language,omitempty"`
	ArticleTitle           *string `json:"article_title,omitempty"`
	NormalizedArticleTitle *string `json:"normalized_article_title,omitempty"`
	TextContent            *string `json:"text_content,omitempty"`
	ParsedDate             *string `json:"parsed_date,omitempty"`
}

// ProcessBatch writes one batch as one NDJSON file. An upload error retries
// the whole batch; a later attempt writes a fresh file.
func (e *Exporter) ProcessBatch(ctx context.Context, stories []*story.Story, _ worker.Sender) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)

	var written int
	for _, s := range stories {
		id := s.ID()
		if id == "" {
			e.logger.Warn("story without identity not exported")
			continue
		}
		cm := &s.ContentMetadata
		if err := enc.Encode(row{
			ID:                     id,
			OriginalURL:            cm.OriginalURL,
			URL:                    cm.URL,
			NormalizedURL:          cm.NormalizedURL,
			CanonicalDomain:        cm.CanonicalDomain,
			PublicationDate:        cm.PublicationDate,
			Language:               cm.Language,
			FullLanguage:           cm.FullLanguage,
			ArticleTitle:           cm.ArticleTitle,
			NormalizedArticleTitle: cm.NormalizedArticleTitle,
			TextContent:            cm.TextContent,
			ParsedDate:             cm.ParsedDate,
		}); err != nil {
			e.logger.Warn("story not exported", zap.String("id", id), zap.Error(err))
		} else {
			written++
		}
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close export stream: %w", err)
	}
	if written == 0 {
		e.logger.Warn("batch produced no exportable stories",
			zap.Int("stories", len(stories)))
		return nil
	}

	name := Filename(e.prefix, time.Now().UTC())
	uri, err := e.blobs.Put(ctx, name, ndjsonContentType, &buf)
	if err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}

	e.stats.IncrArchives()
	e.logger.Info("export written",
		zap.String("uri", uri),
		zap.Int("stories", written),
	)
	return nil
}

// Filename names an export file; the ULID keeps concurrent exporters from
// colliding within one second.
func Filename(prefix string, now time.Time) string {
	return fmt.Sprintf("%s-export-%s-%s.ndjson.gz",
		prefix, now.Format(fileTimeFormat), ulid.Make().String())
}
