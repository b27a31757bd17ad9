// Package fetcher downloads story HTML. It is the pipeline's only stage that
// talks to the open internet, so it owns politeness (per-domain spacing, a
// hard concurrency cap) and the sorting of HTTP failures into retryable
// versus permanent.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html/charset"
	"golang.org/x/sync/semaphore"

	"github.com/newsarc/pipeline/internal/blobstore"
	"github.com/newsarc/pipeline/internal/story"
	"github.com/newsarc/pipeline/internal/worker"
)

const (
	DefaultUserAgent   = "storypipe/1.0 (+https://github.com/newsarc/pipeline)"
	DefaultTimeout     = 30 * time.Second
	DefaultMaxBytes    = 10 << 20
	DefaultConcurrency = 16

	// DefaultDomainInterval spaces requests to the same domain. News
	// sites see one request per story; this only matters when a feed
	// dumps many stories from one site at once.
	DefaultDomainInterval = 2 * time.Second

	maxURLLength = 2048
)

// Config controls fetch behavior. Zero values take the defaults above.
type Config struct {
	UserAgent      string
	Timeout        time.Duration
	MaxBytes       int64
	Concurrency    int64
	DomainInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.DomainInterval == 0 {
		c.DomainInterval = DefaultDomainInterval
	}
	return c
}

// Fetcher is the fetch stage. Safe for concurrent use.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	sem     *semaphore.Weighted
	scratch blobstore.Store
	logger  *zap.Logger

	mu        sync.Mutex
	lastIssue map[string]time.Time
}

// New builds a Fetcher. scratch, when non-nil, receives a side copy of each
// fetched page keyed by story ID, useful for debugging parser problems
// without refetching.
func New(cfg Config, scratch blobstore.Store, logger *zap.Logger) *Fetcher {
	cfg = cfg.withDefaults()
	return &Fetcher{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		sem:       semaphore.NewWeighted(cfg.Concurrency),
		scratch:   scratch,
		logger:    logger,
		lastIssue: map[string]time.Time{},
	}
}

// Process fetches one story's HTML and forwards the story downstream.
func (f *Fetcher) Process(ctx context.Context, s *story.Story, out worker.Sender) error {
	target, err := checkURL(s.RSSEntry.Link)
	if err != nil {
		return worker.Quarantinef("bad url: %v", err)
	}

	if err := f.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer f.sem.Release(1)
	if err := f.spaceDomain(ctx, target.Hostname()); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return worker.Quarantinef("build request: %v", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	fetchedAt := float64(time.Now().Unix())
	resp, err := f.client.Do(req)
	if err != nil {
		// DNS failures, timeouts, refused connections: all worth a
		// delayed retry, sites flap
		return fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp.StatusCode); err != nil {
		return err
	}
	if err := checkContentType(resp.Header.Get("Content-Type")); err != nil {
		return err
	}

	body, err := readCapped(resp.Body, f.cfg.MaxBytes)
	if err != nil {
		if errors.Is(err, errTooLarge) {
			return worker.Quarantinef("body over %d bytes", f.cfg.MaxBytes)
		}
		return fmt.Errorf("read body from %s: %w", target, err)
	}

	s.HTTPMetadata.ResponseCode = story.Int(resp.StatusCode)
	s.HTTPMetadata.FetchTimestamp = story.Float(fetchedAt)
	s.HTTPMetadata.FinalURL = story.String(resp.Request.URL.String())
	if enc := detectEncoding(resp.Header.Get("Content-Type"), body); enc != "" {
		s.HTTPMetadata.Encoding = story.String(enc)
		s.RawHTML.Encoding = story.String(enc)
	}
	s.RawHTML.HTML = body

	f.sideCopy(ctx, s)
	return out.Send(ctx, s)
}

// spaceDomain enforces the per-domain issue interval.
func (f *Fetcher) spaceDomain(ctx context.Context, host string) error {
	f.mu.Lock()
	now := time.Now()
	next := f.lastIssue[host].Add(f.cfg.DomainInterval)
	wait := next.Sub(now)
	if wait < 0 {
		wait = 0
	}
	f.lastIssue[host] = now.Add(wait)
	f.mu.Unlock()

	if wait == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// sideCopy is best effort; a scratch store failure never fails the fetch.
func (f *Fetcher) sideCopy(ctx context.Context, s *story.Story) {
	if f.scratch == nil {
		return
	}
	id := s.ID()
	if id == "" {
		return
	}
	key := id + ".html"
	if _, err := f.scratch.Put(ctx, key, "text/html", strings.NewReader(string(s.RawHTML.HTML))); err != nil {
		f.logger.Warn("scratch copy failed", zap.String("key", key), zap.Error(err))
	}
}

// checkURL validates a discovered link before spending a fetch on it.
func checkURL(link *string) (*url.URL, error) {
	if link == nil || *link == "" {
		return nil, fmt.Errorf("story has no link")
	}
	raw := *link
	if len(raw) > maxURLLength {
		return nil, fmt.Errorf("url longer than %d bytes", maxURLLength)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("url has no host")
	}
	return u, nil
}

// checkStatus sorts response codes: 2xx passes, 408/429 and 5xx are worth a
// retry, everything else is permanent.
func checkStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout,
		code == http.StatusTooManyRequests,
		code >= 500:
		return fmt.Errorf("http status %d", code)
	default:
		return worker.Quarantinef("http status %d", code)
	}
}

// checkContentType rejects responses that cannot be article HTML. A missing
// header passes; small sites often omit it.
func checkContentType(ct string) error {
	if ct == "" {
		return nil
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return nil
	}
	switch {
	case mt == "text/html", mt == "application/xhtml+xml", mt == "text/plain":
		return nil
	default:
		return worker.Quarantinef("content type %q", mt)
	}
}

var errTooLarge = errors.New("body too large")

func readCapped(r io.Reader, max int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > max {
		return nil, errTooLarge
	}
	return body, nil
}

// detectEncoding names the page's character encoding, from the header
// charset when declared, otherwise sniffed from the first bytes.
func detectEncoding(contentType string, body []byte) string {
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		if cs := params["charset"]; cs != "" {
			return strings.ToUpper(cs)
		}
	}
	_, name, _ := charset.DetermineEncoding(body, contentType)
	if name == "" {
		return ""
	}
	return strings.ToUpper(name)
}
