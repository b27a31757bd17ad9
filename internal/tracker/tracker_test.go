// Package tracker_test tests the file ledger against a throwaway SQLite
// database.
package tracker_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsarc/pipeline/internal/tracker"
)

func openTracker(t *testing.T) *tracker.SQLite {
	t.Helper()
	trk, err := tracker.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { trk.Close() })
	return trk
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"feeds/mc-20260829.rss", "mc-20260829.rss"},
		{"feeds/mc-20260829.rss.gz", "mc-20260829.rss"},
		{"https://backup.example.com/feeds/mc-20260829.rss.gz", "mc-20260829.rss"},
		{"plain.csv", "plain.csv"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tracker.Normalize(tt.in), tt.in)
	}
}

func TestAcquireOnce(t *testing.T) {
	ctx := context.Background()
	trk := openTracker(t)

	ok, err := trk.Acquire(ctx, "feeds/a.rss")
	require.NoError(t, err)
	assert.True(t, ok)

	// second claim on the same file loses
	ok, err = trk.Acquire(ctx, "feeds/a.rss")
	require.NoError(t, err)
	assert.False(t, ok)

	// the compressed twin is the same file
	ok, err = trk.Acquire(ctx, "other/a.rss.gz")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = trk.Acquire(ctx, "feeds/b.rss")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDoneSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "ledger.db")

	trk, err := tracker.OpenSQLite(ctx, dbPath)
	require.NoError(t, err)
	ok, err := trk.Acquire(ctx, "a.rss")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, trk.Done(ctx, "a.rss"))
	require.NoError(t, trk.Close())

	trk, err = tracker.OpenSQLite(ctx, dbPath)
	require.NoError(t, err)
	defer trk.Close()

	ok, err = trk.Acquire(ctx, "a.rss")
	require.NoError(t, err)
	assert.False(t, ok, "a finished file stays finished across restarts")

	status, err := trk.Status(ctx, "a.rss")
	require.NoError(t, err)
	assert.Equal(t, tracker.StatusDone, status)
}

func TestAbortReleasesClaim(t *testing.T) {
	ctx := context.Background()
	trk := openTracker(t)

	ok, err := trk.Acquire(ctx, "a.rss")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, trk.Abort(ctx, "a.rss"))

	ok, err = trk.Acquire(ctx, "a.rss")
	require.NoError(t, err)
	assert.True(t, ok, "an aborted file can be claimed again")
}

func TestAbortNeverReleasesDone(t *testing.T) {
	ctx := context.Background()
	trk := openTracker(t)

	ok, err := trk.Acquire(ctx, "a.rss")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, trk.Done(ctx, "a.rss"))

	require.NoError(t, trk.Abort(ctx, "a.rss"))
	ok, err = trk.Acquire(ctx, "a.rss")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestForget(t *testing.T) {
	ctx := context.Background()
	trk := openTracker(t)

	ok, err := trk.Acquire(ctx, "a.rss")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, trk.Done(ctx, "a.rss"))
	require.NoError(t, trk.Forget(ctx, "a.rss"))

	ok, err = trk.Acquire(ctx, "a.rss")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStatusUntracked(t *testing.T) {
	trk := openTracker(t)
	status, err := trk.Status(context.Background(), "never-seen.rss")
	require.NoError(t, err)
	assert.Empty(t, status)
}

func TestNop(t *testing.T) {
	ctx := context.Background()
	var trk tracker.Tracker = tracker.Nop{}
	for i := 0; i < 3; i++ {
		ok, err := trk.Acquire(ctx, "a.rss")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	require.NoError(t, trk.Done(ctx, "a.rss"))
	require.NoError(t, trk.Abort(ctx, "a.rss"))
	require.NoError(t, trk.Close())
}
