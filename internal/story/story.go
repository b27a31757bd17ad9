// Package story defines the record threaded through every pipeline stage.
// Each sub-record is owned by exactly one stage: the queuer writes RSSEntry,
// the fetcher writes HTTPMetadata and RawHTML, the parser writes
// ContentMetadata. Fields are pointers so that "unknown" survives
// serialization untouched; consumers must treat nil as absent, never as an
// error.
package story

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RSSEntry holds acquisition metadata. Written once by a queuer and
// read-only afterward.
type RSSEntry struct {
	Link      *string `json:"link,omitempty"`
	Title     *string `json:"title,omitempty"`
	Domain    *string `json:"domain,omitempty"`
	PubDate   *string `json:"pub_date,omitempty"`
	FetchDate *string `json:"fetch_date,omitempty"`
	Via       *string `json:"via,omitempty"`
}

// HTTPMetadata holds fetch results. Written by the fetcher.
type HTTPMetadata struct {
	ResponseCode   *int     `json:"response_code,omitempty"`
	FetchTimestamp *float64 `json:"fetch_timestamp,omitempty"`
	FinalURL       *string  `json:"final_url,omitempty"`
	Encoding       *string  `json:"encoding,omitempty"`
}

// ContentMetadata holds extracted metadata. Written by the parser;
// ParsedDate and IndexedDate may be backfilled by the importer.
type ContentMetadata struct {
	OriginalURL            *string `json:"original_url,omitempty"`
	URL                    *string `json:"url,omitempty"`
	NormalizedURL          *string `json:"normalized_url,omitempty"`
	CanonicalDomain        *string `json:"canonical_domain,omitempty"`
	PublicationDate        *string `json:"publication_date,omitempty"`
	Language               *string `json:"language,omitempty"`
	FullLanguage           *string `json:"full_language,omitempty"`
	TextExtractionMethod   *string `json:"text_extraction_method,omitempty"`
	ArticleTitle           *string `json:"article_title,omitempty"`
	NormalizedArticleTitle *string `json:"normalized_article_title,omitempty"`
	TextContent            *string `json:"text_content,omitempty"`
	IsHomepage             *bool   `json:"is_homepage,omitempty"`
	IsShortened            *bool   `json:"is_shortened,omitempty"`
	ParsedDate             *string `json:"parsed_date,omitempty"`
	IndexedDate            *string `json:"indexed_date,omitempty"`
}

// RawHTML carries the fetched payload between the fetcher and the parser.
// It rides along on the queue wire format but is excluded from the WARC
// metadata record; archived payload bytes live in the WARC response record.
type RawHTML struct {
	HTML     []byte  `json:"html,omitempty"`
	Encoding *string `json:"encoding,omitempty"`
}

// Story is the unit of work flowing through every queue. The three metadata
// sub-records use the flat key naming that is the external compatibility
// surface for both the queue wire encoding and the WARC metadata record.
type Story struct {
	RSSEntry        RSSEntry        `json:"rss_entry"`
	HTTPMetadata    HTTPMetadata    `json:"http_metadata"`
	ContentMetadata ContentMetadata `json:"content_metadata"`
	RawHTML         RawHTML         `json:"raw_html,omitempty"`
}

// New returns an empty Story.
func New() *Story {
	return &Story{}
}

// Marshal encodes the story for the queue wire format.
func (s *Story) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal story: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a story from the queue wire format.
func Unmarshal(data []byte) (*Story, error) {
	var s Story
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal story: %w", err)
	}
	return &s, nil
}

// BestURL returns the most authoritative URL known for the story, in the
// priority order used for the archive Target-URI: the post-redirect URL,
// then the canonical URL, then the URL as originally discovered.
func (s *Story) BestURL() string {
	for _, u := range []*string{
		s.HTTPMetadata.FinalURL,
		s.ContentMetadata.URL,
		s.ContentMetadata.OriginalURL,
		s.RSSEntry.Link,
	} {
		if u != nil && *u != "" {
			return *u
		}
	}
	return ""
}

// ID returns a stable identifier derived from the story's discovery link,
// falling back to the canonical URL. Name-based so that re-queuing the same
// link yields the same identifier.
func (s *Story) ID() string {
	var name string
	switch {
	case s.RSSEntry.Link != nil && *s.RSSEntry.Link != "":
		name = *s.RSSEntry.Link
	case s.ContentMetadata.URL != nil && *s.ContentMetadata.URL != "":
		name = *s.ContentMetadata.URL
	default:
		return ""
	}
	return uuid.NewMD5(uuid.NameSpaceURL, []byte(name)).String()
}

// FetchTime returns the fetch timestamp truncated to one-second granularity,
// or the zero time if the fetcher never recorded one.
func (s *Story) FetchTime() time.Time {
	ts := s.HTTPMetadata.FetchTimestamp
	if ts == nil {
		return time.Time{}
	}
	return time.Unix(int64(*ts), 0).UTC()
}

// String returns a pointer to s, for filling optional fields.
func String(s string) *string { return &s }

// Int returns a pointer to i.
func Int(i int) *int { return &i }

// Float returns a pointer to f.
func Float(f float64) *float64 { return &f }

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }
