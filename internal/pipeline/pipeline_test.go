// Package pipeline_test validates the flavor graphs and broker provisioning.
package pipeline_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/newsarc/pipeline/internal/pipeline"
	"github.com/newsarc/pipeline/internal/queue"
	"github.com/newsarc/pipeline/internal/queue/memory"
)

func TestBuild(t *testing.T) {
	t.Run("EveryFlavorValidates", func(t *testing.T) {
		for _, flavor := range pipeline.Flavors {
			topo, err := pipeline.Build(flavor)
			require.NoError(t, err, flavor)
			assert.Equal(t, flavor, topo.Flavor)
			assert.NotEmpty(t, topo.Procs)
		}
	})

	t.Run("UnknownFlavor", func(t *testing.T) {
		_, err := pipeline.Build("bogus")
		assert.ErrorContains(t, err, "bogus")
	})

	t.Run("DefaultFlavorChain", func(t *testing.T) {
		topo, err := pipeline.Build(pipeline.DefaultFlavor)
		require.NoError(t, err)

		assert.Equal(t, []string{"fetcher-in"}, topo.Downstream("rss-queuer"))
		assert.Equal(t, []string{"parser-in"}, topo.Downstream("fetcher"))
		assert.Equal(t, []string{"importer-in"}, topo.Downstream("parser"))
		assert.Equal(t, []string{"archiver-in"}, topo.Downstream("importer"))
		assert.Empty(t, topo.Downstream("archiver"))
	})

	t.Run("ResearchFansOut", func(t *testing.T) {
		topo, err := pipeline.Build(pipeline.FlavorResearch)
		require.NoError(t, err)
		assert.ElementsMatch(t,
			[]string{"importer-in", "exporter-in"},
			topo.Downstream("parser"),
		)
	})

	t.Run("DownstreamOfUnknownProc", func(t *testing.T) {
		topo, err := pipeline.Build(pipeline.DefaultFlavor)
		require.NoError(t, err)
		assert.Nil(t, topo.Downstream("nope"))
	})
}

func TestArchivePrefix(t *testing.T) {
	tests := []struct {
		flavor string
		want   string
	}{
		{pipeline.FlavorQueueFetcher, "mc"},
		{pipeline.FlavorHistorical, "mchist"},
		{pipeline.FlavorArchive, "mcarch"},
		{pipeline.FlavorResearch, "mcres"},
	}
	for _, tt := range tests {
		t.Run(tt.flavor, func(t *testing.T) {
			topo, err := pipeline.Build(tt.flavor)
			require.NoError(t, err)
			assert.Equal(t, tt.want, topo.ArchivePrefix())
		})
	}
}

func TestConfigure(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBroker()
	topo, err := pipeline.Build(pipeline.DefaultFlavor)
	require.NoError(t, err)

	ok, err := pipeline.Configured(ctx, b)
	require.NoError(t, err)
	assert.False(t, ok, "semaphore must be absent before configure")

	require.NoError(t, pipeline.Configure(ctx, topo, b, zap.NewNop()))

	ok, err = pipeline.Configured(ctx, b)
	require.NoError(t, err)
	assert.True(t, ok)

	// a story published to a stage's output exchange lands on the next
	// stage's input queue
	env := queue.Envelope{Body: []byte("{}")}
	require.NoError(t, b.Publish(ctx, queue.OutputExchange("fetcher"), queue.DefaultRoutingKey, env))
	depth, err := b.QueueDepth(ctx, queue.InputQueue("parser"))
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	// delay queues dead-letter back into the input queue
	require.NoError(t, b.Publish(ctx, "", queue.DelayQueue("parser"), env))
	b.Expire(queue.DelayQueue("parser"))
	depth, err = b.QueueDepth(ctx, queue.InputQueue("parser"))
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	// idempotent
	require.NoError(t, pipeline.Configure(ctx, topo, b, zap.NewNop()))
}
