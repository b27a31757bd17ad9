// Package archive reads and writes the WARC 1.0 files the pipeline uses as
// its system of record. Each story becomes an adjacent response/metadata
// record pair; a reader can rebuild the full story from the pair alone.
package archive

import (
	"bytes"
	"compress/gzip"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/newsarc/pipeline/internal/story"
)

const (
	warcVersion = "WARC/1.0"

	// MetadataContentType marks the JSON metadata record that pairs with
	// each response record. Readers key off this exact value.
	MetadataContentType = "application/x.newsarc-indexer+json"

	responseContentType = "application/http;msgtype=response"
	warcinfoContentType = "application/warc-fields"

	// DefaultMaxStories is the story count at which a writer rolls to a
	// new file. Sized so a typical file stays under a gigabyte.
	DefaultMaxStories = 5000

	warcDateFormat = "2006-01-02T15:04:05Z"
	fileTimeFormat = "20060102150405"
)

// Filename builds an archive file name: prefix, UTC timestamp, and a ULID so
// concurrent archivers on the same host never collide.
func Filename(prefix string, now time.Time) string {
	id := ulid.MustNew(ulid.Timestamp(now), rand.Reader)
	return fmt.Sprintf("%s-%s-%s.warc.gz", prefix, now.UTC().Format(fileTimeFormat), id.String())
}

// Writer appends stories to a single WARC file. Not safe for concurrent use.
type Writer struct {
	f          *os.File
	path       string
	finalPath  string
	maxStories int
	count      int
	closed     bool
}

// NewWriter creates a gzipped WARC file in dir. The file is written under a
// temporary name and renamed on Close, so partially written files are never
// picked up by uploaders scanning the directory.
func NewWriter(dir, prefix string, maxStories int) (*Writer, error) {
	if maxStories <= 0 {
		maxStories = DefaultMaxStories
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	name := Filename(prefix, time.Now())
	final := filepath.Join(dir, name)
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	w := &Writer{f: f, path: tmp, finalPath: final, maxStories: maxStories}
	if err := w.writeWarcinfo(name); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, err
	}
	return w, nil
}

// Name returns the final file name (without directory).
func (w *Writer) Name() string { return filepath.Base(w.finalPath) }

// Path returns the final path the archive will have after Close.
func (w *Writer) Path() string { return w.finalPath }

// Count returns the number of stories written so far.
func (w *Writer) Count() int { return w.count }

// Full reports whether the writer has reached its story cap and should be
// closed and replaced.
func (w *Writer) Full() bool { return w.count >= w.maxStories }

// Write appends one story as a response record followed by its metadata
// record. Stories without HTML or without any URL are rejected; archiving
// runs after fetching, and a record with no Target-URI cannot be replayed.
func (w *Writer) Write(s *story.Story) error {
	if w.closed {
		return fmt.Errorf("archive %s is closed", w.Name())
	}
	target := s.BestURL()
	if target == "" {
		return fmt.Errorf("story %s has no url", s.ID())
	}
	if len(s.RawHTML.HTML) == 0 {
		return fmt.Errorf("story %s has no html", s.ID())
	}

	respID := recordID()
	date := warcDate(s.FetchTime())

	payload := httpPayload(s)
	hdrs := []warcHeader{
		{"WARC-Type", "response"},
		{"WARC-Record-ID", respID},
		{"WARC-Date", date},
		{"WARC-Target-URI", target},
		{"Content-Type", responseContentType},
	}
	if err := w.writeRecord(hdrs, payload); err != nil {
		return err
	}

	meta, err := metadataPayload(s)
	if err != nil {
		return err
	}
	hdrs = []warcHeader{
		{"WARC-Type", "metadata"},
		{"WARC-Record-ID", recordID()},
		{"WARC-Date", date},
		{"WARC-Target-URI", target},
		{"WARC-Refers-To", respID},
		{"Content-Type", MetadataContentType},
	}
	if err := w.writeRecord(hdrs, meta); err != nil {
		return err
	}

	w.count++
	return nil
}

// Close flushes the file and renames it into place. Closing an empty writer
// removes the temporary file and reports ErrEmpty.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.f.Close(); err != nil {
		os.Remove(w.path)
		return err
	}
	if w.count == 0 {
		os.Remove(w.path)
		return ErrEmpty
	}
	return os.Rename(w.path, w.finalPath)
}

// Abort discards the file regardless of contents.
func (w *Writer) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.f.Close()
	return os.Remove(w.path)
}

// ErrEmpty is returned by Close when no stories were written.
var ErrEmpty = fmt.Errorf("archive: no stories written")

type warcHeader struct {
	key, value string
}

// writeRecord emits one WARC record as its own gzip member, so records can
// be located and skipped without decompressing the whole file.
func (w *Writer) writeRecord(hdrs []warcHeader, payload []byte) error {
	var buf bytes.Buffer
	buf.WriteString(warcVersion)
	buf.WriteString("\r\n")
	for _, h := range hdrs {
		fmt.Fprintf(&buf, "%s: %s\r\n", h.key, h.value)
	}
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(payload))
	buf.WriteString("\r\n")
	buf.Write(payload)
	buf.WriteString("\r\n\r\n")

	gz := gzip.NewWriter(w.f)
	if _, err := gz.Write(buf.Bytes()); err != nil {
		return err
	}
	return gz.Close()
}

func (w *Writer) writeWarcinfo(filename string) error {
	host, _ := os.Hostname()
	info := fmt.Sprintf(
		"software: storypipe\r\nhostname: %s\r\nformat: WARC file version 1.0\r\n",
		host,
	)
	hdrs := []warcHeader{
		{"WARC-Type", "warcinfo"},
		{"WARC-Record-ID", recordID()},
		{"WARC-Date", warcDate(time.Now())},
		{"WARC-Filename", filename},
		{"Content-Type", warcinfoContentType},
	}
	return w.writeRecord(hdrs, []byte(info))
}

func recordID() string {
	return fmt.Sprintf("<urn:uuid:%s>", uuid.New().String())
}

func warcDate(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(warcDateFormat)
}

// httpPayload rebuilds an HTTP/1.0 response from the story. The original
// response headers are gone by the time a story reaches the archiver, so a
// minimal status line and content type are synthesized instead.
func httpPayload(s *story.Story) []byte {
	// non-200 bodies do get archived; the made-up reason phrase flags
	// that the status line is synthesized, not captured. An unrecorded
	// response code gets the sentinel too.
	code := 0
	if s.HTTPMetadata.ResponseCode != nil {
		code = *s.HTTPMetadata.ResponseCode
	}
	reason := "HUH?"
	if code == http.StatusOK {
		reason = "OK"
	}
	contentType := "text/html"
	if enc := encodingOf(s); enc != "" {
		contentType += "; encoding=" + enc
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.0 %d %s\r\n", code, reason)
	fmt.Fprintf(&buf, "Content-Type: %s\r\n", contentType)
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(s.RawHTML.HTML))
	buf.WriteString("\r\n")
	buf.Write(s.RawHTML.HTML)
	return buf.Bytes()
}

// encodingOf returns the story's character encoding, or "" when never
// detected. The fetch record wins over the payload side-record.
func encodingOf(s *story.Story) string {
	if s.HTTPMetadata.Encoding != nil {
		return *s.HTTPMetadata.Encoding
	}
	if s.RawHTML.Encoding != nil {
		return *s.RawHTML.Encoding
	}
	return ""
}

// metadataPayload serializes everything except the HTML, which already
// lives in the response record.
func metadataPayload(s *story.Story) ([]byte, error) {
	meta := struct {
		RSSEntry        story.RSSEntry        `json:"rss_entry"`
		HTTPMetadata    story.HTTPMetadata    `json:"http_metadata"`
		ContentMetadata story.ContentMetadata `json:"content_metadata"`
	}{s.RSSEntry, s.HTTPMetadata, s.ContentMetadata}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal story metadata: %w", err)
	}
	return b, nil
}
