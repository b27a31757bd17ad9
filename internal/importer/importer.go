// Package importer indexes parsed stories into Elasticsearch and hands them
// on to the archiver. Index writes use create semantics keyed by story ID,
// so queue redeliveries never produce duplicate documents.
package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/newsarc/pipeline/internal/story"
	"github.com/newsarc/pipeline/internal/worker"
)

// DefaultIndex is the story index name.
const DefaultIndex = "stories"

// Config holds Elasticsearch connection settings.
type Config struct {
	Addresses []string
	Username  string
	Password  string
	APIKey    string
	Index     string
}

// NewClient builds an Elasticsearch client from config.
func NewClient(cfg Config) (*elasticsearch.Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return es, nil
}

// Importer is the import stage. Safe for concurrent use.
type Importer struct {
	es      *elasticsearch.Client
	breaker *gobreaker.CircuitBreaker
	index   string
	logger  *zap.Logger
}

// New builds an Importer. The circuit breaker keeps a dead cluster from
// burning every in-flight story's retry budget; while open, stories are
// returned to the queue unsettled instead.
func New(es *elasticsearch.Client, index string, logger *zap.Logger) *Importer {
	if index == "" {
		index = DefaultIndex
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "elasticsearch",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// document-level rejections are not cluster failures and must
		// not trip the breaker
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var perm *permanentError
			return errors.As(err, &perm)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &Importer{es: es, breaker: breaker, index: index, logger: logger}
}

// document is the index mapping surface. Everything is flat; the raw HTML
// stays out, archives hold it.
type document struct {
	OriginalURL            *string `json:"original_url,omitempty"`
	URL                    string  `json:"url"`
	NormalizedURL          *string `json:"normalized_url,omitempty"`
	CanonicalDomain        string  `json:"canonical_domain"`
	PublicationDate        *string `json:"publication_date,omitempty"`
	Language               *string `json:"language,omitempty"`
	FullLanguage           *string `json:"full_language,omitempty"`
	TextExtractionMethod   *string `json:"text_extraction_method,omitempty"`
	ArticleTitle           *string `json:"article_title,omitempty"`
	NormalizedArticleTitle *string `json:"normalized_article_title,omitempty"`
	TextContent            *string `json:"text_content,omitempty"`
	ParsedDate             *string `json:"parsed_date,omitempty"`
	IndexedDate            string  `json:"indexed_date"`
}

// Process indexes one story and forwards it downstream.
func (i *Importer) Process(ctx context.Context, s *story.Story, out worker.Sender) error {
	cm := &s.ContentMetadata
	if cm.URL == nil || *cm.URL == "" {
		return worker.Quarantinef("story %s has no canonical url", s.ID())
	}
	if cm.CanonicalDomain == nil || *cm.CanonicalDomain == "" {
		return worker.Quarantinef("story %s has no canonical domain", s.ID())
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if cm.ParsedDate == nil {
		cm.ParsedDate = story.String(now)
	}
	cm.IndexedDate = story.String(now)

	id := s.ID()
	if id == "" {
		return worker.Quarantinef("story has no identity")
	}

	doc := document{
		OriginalURL:            cm.OriginalURL,
		URL:                    *cm.URL,
		NormalizedURL:          cm.NormalizedURL,
		CanonicalDomain:        *cm.CanonicalDomain,
		PublicationDate:        cm.PublicationDate,
		Language:               cm.Language,
		FullLanguage:           cm.FullLanguage,
		TextExtractionMethod:   cm.TextExtractionMethod,
		ArticleTitle:           cm.ArticleTitle,
		NormalizedArticleTitle: cm.NormalizedArticleTitle,
		TextContent:            cm.TextContent,
		ParsedDate:             cm.ParsedDate,
		IndexedDate:            now,
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return worker.Quarantinef("marshal document: %v", err)
	}

	if _, err := i.breaker.Execute(func() (any, error) {
		return nil, i.indexDoc(ctx, id, body)
	}); err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return worker.Transientf("elasticsearch unavailable: %v", err)
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return worker.Quarantinef("index story %s: %v", id, err)
		}
		return fmt.Errorf("index story %s: %w", id, err)
	}

	return out.Send(ctx, s)
}

// permanentError marks index responses no retry can fix (mapping
// rejections and the like).
type permanentError struct {
	status int
}

func (e *permanentError) Error() string { return fmt.Sprintf("http status %d", e.status) }

func (i *Importer) indexDoc(ctx context.Context, id string, body []byte) error {
	res, err := i.es.Index(i.index, bytes.NewReader(body),
		i.es.Index.WithDocumentID(id),
		i.es.Index.WithOpType("create"),
		i.es.Index.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusConflict:
		// already indexed by an earlier delivery
		i.logger.Debug("story already indexed", zap.String("id", id))
		return nil
	case !res.IsError():
		return nil
	case res.StatusCode >= 400 && res.StatusCode < 500:
		return &permanentError{status: res.StatusCode}
	default:
		return fmt.Errorf("http status %d", res.StatusCode)
	}
}
