package queue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/newsarc/pipeline/internal/queue"
)

func TestNaming(t *testing.T) {
	assert.Equal(t, "fetcher-in", queue.InputQueue("fetcher"))
	assert.Equal(t, "fetcher-out", queue.OutputExchange("fetcher"))
	assert.Equal(t, "fetcher-quar", queue.QuarantineQueue("fetcher"))
	assert.Equal(t, "fetcher-delay", queue.DelayQueue("fetcher"))

	for _, qname := range []string{"fetcher-in", "fetcher-out", "fetcher-quar", "fetcher-delay"} {
		assert.Equal(t, "fetcher", queue.BaseName(qname))
	}
	assert.Equal(t, "hist-fetcher", queue.BaseName("hist-fetcher-in"))
}

func TestAttemptCodec(t *testing.T) {
	assert.Equal(t, "3", queue.EncodeAttempt(3))
	assert.Equal(t, 3, queue.DecodeAttempt("3"))

	// absent or malformed headers read as zero, never as an error
	assert.Zero(t, queue.DecodeAttempt(""))
	assert.Zero(t, queue.DecodeAttempt("chaff"))
	assert.Zero(t, queue.DecodeAttempt("-2"))
}
