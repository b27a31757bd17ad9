package local_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsarc/pipeline/internal/blobstore/local"
)

func TestNewCreatesBaseDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spool", "archives")
	_, err := local.New(dir)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNewRejectsBadBase(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		_, err := local.New("  ")
		require.Error(t, err)
	})

	t.Run("NotADirectory", func(t *testing.T) {
		f := filepath.Join(t.TempDir(), "plain-file")
		require.NoError(t, os.WriteFile(f, []byte("x"), 0o600))
		_, err := local.New(f)
		require.Error(t, err)
	})
}

func TestPutGetRoundTrip(t *testing.T) {
	s, err := local.New(t.TempDir())
	require.NoError(t, err)

	uri, err := s.Put(context.Background(), "2026/mc-123.warc.gz", "application/warc",
		strings.NewReader("archive bytes"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "file://"))

	rc, err := s.Get(context.Background(), "2026/mc-123.warc.gz")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "archive bytes", string(got))
}

func TestPutRejectsTraversal(t *testing.T) {
	s, err := local.New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Put(context.Background(), "../escape.txt", "", strings.NewReader("x"))
	require.Error(t, err)

	_, err = s.Get(context.Background(), "../../etc/passwd")
	require.Error(t, err)
}

func TestPutRejectsEmptyKey(t *testing.T) {
	s, err := local.New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Put(context.Background(), "  ", "", strings.NewReader("x"))
	require.Error(t, err)
}

func TestListReturnsSortedKeysUnderPrefix(t *testing.T) {
	s, err := local.New(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	for _, key := range []string{"rss/b.xml", "rss/a.xml", "csv/h.csv"} {
		_, err := s.Put(ctx, key, "", strings.NewReader(key))
		require.NoError(t, err)
	}

	keys, err := s.List(ctx, "rss/")
	require.NoError(t, err)
	assert.Equal(t, []string{"rss/a.xml", "rss/b.xml"}, keys)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
