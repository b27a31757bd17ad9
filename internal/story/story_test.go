// Package story_test tests the story record and its wire encoding.
package story_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsarc/pipeline/internal/story"
)

func TestRoundTrip(t *testing.T) {
	t.Run("PreservesAbsentFields", func(t *testing.T) {
		s := story.New()
		s.RSSEntry.Link = story.String("https://example.com/a")

		data, err := s.Marshal()
		require.NoError(t, err)

		got, err := story.Unmarshal(data)
		require.NoError(t, err)
		require.NotNil(t, got.RSSEntry.Link)
		assert.Equal(t, "https://example.com/a", *got.RSSEntry.Link)
		assert.Nil(t, got.RSSEntry.Title)
		assert.Nil(t, got.HTTPMetadata.ResponseCode)
		assert.Nil(t, got.ContentMetadata.TextContent)
	})

	t.Run("AbsentStaysDistinctFromEmpty", func(t *testing.T) {
		s := story.New()
		s.RSSEntry.Title = story.String("")
		data, err := s.Marshal()
		require.NoError(t, err)

		got, err := story.Unmarshal(data)
		require.NoError(t, err)
		assert.Nil(t, got.RSSEntry.Link)
		require.NotNil(t, got.RSSEntry.Title)
		assert.Equal(t, "", *got.RSSEntry.Title)
	})

	t.Run("CarriesHTML", func(t *testing.T) {
		s := story.New()
		s.RawHTML.HTML = []byte("<html><body>hi</body></html>")
		data, err := s.Marshal()
		require.NoError(t, err)

		got, err := story.Unmarshal(data)
		require.NoError(t, err)
		assert.Equal(t, s.RawHTML.HTML, got.RawHTML.HTML)
	})

	t.Run("WireKeysAreStable", func(t *testing.T) {
		s := story.New()
		s.HTTPMetadata.ResponseCode = story.Int(200)
		data, err := s.Marshal()
		require.NoError(t, err)

		var raw map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(data, &raw))
		assert.Contains(t, raw, "rss_entry")
		assert.Contains(t, raw, "http_metadata")
		assert.Contains(t, raw, "content_metadata")
	})
}

func TestBestURL(t *testing.T) {
	link := story.String("https://example.com/rss-link")
	canonical := story.String("https://example.com/canonical")
	original := story.String("https://example.com/original")
	final := story.String("https://example.com/final")

	tests := []struct {
		name  string
		setup func(*story.Story)
		want  string
	}{
		{
			name: "FinalURLWins",
			setup: func(s *story.Story) {
				s.RSSEntry.Link = link
				s.ContentMetadata.URL = canonical
				s.ContentMetadata.OriginalURL = original
				s.HTTPMetadata.FinalURL = final
			},
			want: *final,
		},
		{
			name: "CanonicalBeatsOriginal",
			setup: func(s *story.Story) {
				s.ContentMetadata.URL = canonical
				s.ContentMetadata.OriginalURL = original
			},
			want: *canonical,
		},
		{
			name: "FallsBackToLink",
			setup: func(s *story.Story) {
				s.RSSEntry.Link = link
			},
			want: *link,
		},
		{
			name:  "EmptyStory",
			setup: func(*story.Story) {},
			want:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := story.New()
			tt.setup(s)
			assert.Equal(t, tt.want, s.BestURL())
		})
	}
}

func TestID(t *testing.T) {
	t.Run("StableAcrossRequeues", func(t *testing.T) {
		a := story.New()
		a.RSSEntry.Link = story.String("https://example.com/x")
		b := story.New()
		b.RSSEntry.Link = story.String("https://example.com/x")
		require.NotEmpty(t, a.ID())
		assert.Equal(t, a.ID(), b.ID())
	})

	t.Run("DiffersByLink", func(t *testing.T) {
		a := story.New()
		a.RSSEntry.Link = story.String("https://example.com/x")
		b := story.New()
		b.RSSEntry.Link = story.String("https://example.com/y")
		assert.NotEqual(t, a.ID(), b.ID())
	})

	t.Run("EmptyWithoutURLs", func(t *testing.T) {
		assert.Empty(t, story.New().ID())
	})
}

func TestFetchTime(t *testing.T) {
	t.Run("TruncatesToSeconds", func(t *testing.T) {
		s := story.New()
		s.HTTPMetadata.FetchTimestamp = story.Float(1724900000.75)
		assert.Equal(t, time.Unix(1724900000, 0).UTC(), s.FetchTime())
	})

	t.Run("ZeroWhenUnset", func(t *testing.T) {
		assert.True(t, story.New().FetchTime().IsZero())
	})
}
