package archive

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/newsarc/pipeline/internal/story"
)

// Reader walks a pipeline WARC file and yields one Story per adjacent
// response/metadata record pair. It is deliberately strict: archives are the
// system of record, so a malformed file is an error to surface, not to skip
// over. Only files written by Writer are supported; arbitrary WARCs from
// other crawlers are out of scope.
type Reader struct {
	gz      *gzip.Reader
	br      *bufio.Reader
	started bool
}

// Record is a single raw WARC record.
type Record struct {
	Headers map[string]string
	Payload []byte
}

// Type returns the record's WARC-Type header.
func (r *Record) Type() string { return r.Headers["WARC-Type"] }

// NewReader wraps a gzipped WARC stream. The warcinfo record is validated
// and consumed on the first Next call.
func NewReader(src io.Reader) (*Reader, error) {
	gz, err := gzip.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return &Reader{gz: gz, br: bufio.NewReader(gz)}, nil
}

// NewPlainReader wraps a WARC stream that has already been decompressed.
func NewPlainReader(src io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(src)}
}

// Next returns the next story in the archive, or io.EOF.
func (r *Reader) Next() (*story.Story, error) {
	if !r.started {
		r.started = true
		info, err := r.readRecord()
		if err != nil {
			return nil, fmt.Errorf("read warcinfo: %w", err)
		}
		if info.Type() != "warcinfo" {
			return nil, fmt.Errorf("expected warcinfo record, got %q", info.Type())
		}
	}

	resp, err := r.readRecord()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read response record: %w", err)
	}
	if resp.Type() != "response" {
		return nil, fmt.Errorf("expected response record, got %q", resp.Type())
	}

	meta, err := r.readRecord()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("response record %s has no metadata record", resp.Headers["WARC-Record-ID"])
		}
		return nil, fmt.Errorf("read metadata record: %w", err)
	}
	if meta.Type() != "metadata" {
		return nil, fmt.Errorf("expected metadata record, got %q", meta.Type())
	}
	if ct := meta.Headers["Content-Type"]; ct != MetadataContentType {
		return nil, fmt.Errorf("metadata record has content type %q", ct)
	}
	if ref := meta.Headers["WARC-Refers-To"]; ref != resp.Headers["WARC-Record-ID"] {
		return nil, fmt.Errorf("metadata record refers to %s, adjacent response is %s",
			ref, resp.Headers["WARC-Record-ID"])
	}

	// the metadata JSON is authoritative; the response record contributes
	// only the payload bytes
	s, err := story.Unmarshal(meta.Payload)
	if err != nil {
		return nil, err
	}
	html, encoding, err := splitHTTPPayload(resp.Payload)
	if err != nil {
		return nil, err
	}
	s.RawHTML.HTML = html
	if encoding != "" {
		s.RawHTML.Encoding = story.String(encoding)
	}
	return s, nil
}

// Close releases the gzip reader, if any.
func (r *Reader) Close() error {
	if r.gz == nil {
		return nil
	}
	return r.gz.Close()
}

// readRecord parses one framed record: version line, headers, blank line,
// Content-Length payload bytes, trailing CRLFCRLF.
func (r *Reader) readRecord() (*Record, error) {
	version, err := r.readLine()
	if err != nil {
		return nil, err
	}
	if version != warcVersion {
		return nil, fmt.Errorf("bad record version line %q", version)
	}

	rec := &Record{Headers: map[string]string{}}
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, fmt.Errorf("read record headers: %w", err)
		}
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("bad record header %q", line)
		}
		rec.Headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	n, err := strconv.Atoi(rec.Headers["Content-Length"])
	if err != nil || n < 0 {
		return nil, fmt.Errorf("bad Content-Length %q", rec.Headers["Content-Length"])
	}
	rec.Payload = make([]byte, n)
	if _, err := io.ReadFull(r.br, rec.Payload); err != nil {
		return nil, fmt.Errorf("read record payload: %w", err)
	}

	trailer := make([]byte, 4)
	if _, err := io.ReadFull(r.br, trailer); err != nil {
		return nil, fmt.Errorf("read record trailer: %w", err)
	}
	if !bytes.Equal(trailer, []byte("\r\n\r\n")) {
		return nil, fmt.Errorf("bad record trailer %q", trailer)
	}
	return rec, nil
}

func (r *Reader) readLine() (string, error) {
	line, err := r.br.ReadString('\n')
	if err != nil {
		if err == io.EOF && line == "" {
			return "", io.EOF
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// splitHTTPPayload strips the synthesized HTTP header block from a response
// record payload, returning the body and the encoding parameter if present.
func splitHTTPPayload(payload []byte) ([]byte, string, error) {
	head, body, ok := bytes.Cut(payload, []byte("\r\n\r\n"))
	if !ok {
		return nil, "", fmt.Errorf("response payload has no header block")
	}
	encoding := ""
	for _, line := range strings.Split(string(head), "\r\n") {
		if v, ok := strings.CutPrefix(line, "Content-Type:"); ok {
			if _, enc, ok := strings.Cut(v, "encoding="); ok {
				encoding = strings.TrimSpace(enc)
			}
		}
	}
	return body, encoding, nil
}
