package blobstore_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsarc/pipeline/internal/blobstore"
)

func TestSplitURL(t *testing.T) {
	tests := []struct {
		raw     string
		scheme  string
		rest    string
		wantErr bool
	}{
		{raw: "gs://bucket/some/prefix", scheme: "gs", rest: "bucket/some/prefix"},
		{raw: "file:///var/spool/archives", scheme: "file", rest: "/var/spool/archives"},
		{raw: "gs://bucket", scheme: "gs", rest: "bucket"},
		{raw: "no-scheme-here", wantErr: true},
		{raw: "://bucket", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			scheme, rest, err := blobstore.SplitURL(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, scheme)
			assert.Equal(t, tt.rest, rest)
		})
	}
}

func TestNopStore(t *testing.T) {
	var s blobstore.Nop

	uri, err := s.Put(context.Background(), "a/b.warc.gz", "application/warc", strings.NewReader("data"))
	require.NoError(t, err)
	assert.Equal(t, "nop://a/b.warc.gz", uri)

	_, err = s.Get(context.Background(), "a/b.warc.gz")
	require.Error(t, err, "nothing is retained")

	keys, err := s.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
