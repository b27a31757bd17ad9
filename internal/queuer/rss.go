package queuer

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/newsarc/pipeline/internal/story"
)

// ParseRSS extracts one story per feed item from an RSS or Atom document.
// Items without a link are skipped, not fatal; feeds in the wild are messy.
func ParseRSS(_ context.Context, name string, r io.Reader, emit func(*story.Story) error) error {
	feed, err := gofeed.NewParser().Parse(r)
	if err != nil {
		return fmt.Errorf("parse feed %s: %w", name, err)
	}

	fetchDate := time.Now().UTC().Format("2006-01-02")
	for _, item := range feed.Items {
		link := strings.TrimSpace(item.Link)
		if link == "" {
			continue
		}
		s := story.New()
		s.RSSEntry.Link = story.String(link)
		s.RSSEntry.FetchDate = story.String(fetchDate)
		if item.Title != "" {
			s.RSSEntry.Title = story.String(item.Title)
		}
		if d := Domain(link); d != "" {
			s.RSSEntry.Domain = story.String(d)
		}
		if item.PublishedParsed != nil {
			s.RSSEntry.PubDate = story.String(item.PublishedParsed.UTC().Format(time.RFC3339))
		} else if item.Published != "" {
			s.RSSEntry.PubDate = story.String(item.Published)
		}
		if err := emit(s); err != nil {
			return err
		}
	}
	return nil
}

// Domain returns the registrable-ish domain for a URL: the host, lowercased,
// with any leading www stripped. Full public-suffix handling happens at
// parse time; queuers only need a grouping key.
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}
