package queuer

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/newsarc/pipeline/internal/story"
)

// ParseCSV extracts stories from a CSV export with a header row. A url
// column is required; title, domain, and pub_date are used when present.
// Rows with an empty url are skipped.
func ParseCSV(_ context.Context, name string, r io.Reader, emit func(*story.Story) error) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return fmt.Errorf("read csv header %s: %w", name, err)
	}
	cols := map[string]int{}
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	urlCol, ok := cols["url"]
	if !ok {
		return fmt.Errorf("csv %s has no url column", name)
	}

	field := func(row []string, col string) string {
		i, ok := cols[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	for {
		row, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read csv %s: %w", name, err)
		}
		link := ""
		if urlCol < len(row) {
			link = strings.TrimSpace(row[urlCol])
		}
		if link == "" {
			continue
		}

		s := story.New()
		s.RSSEntry.Link = story.String(link)
		if v := field(row, "title"); v != "" {
			s.RSSEntry.Title = story.String(v)
		}
		if v := field(row, "domain"); v != "" {
			s.RSSEntry.Domain = story.String(v)
		} else if d := Domain(link); d != "" {
			s.RSSEntry.Domain = story.String(d)
		}
		if v := field(row, "pub_date"); v != "" {
			s.RSSEntry.PubDate = story.String(v)
		}
		if err := emit(s); err != nil {
			return err
		}
	}
}
