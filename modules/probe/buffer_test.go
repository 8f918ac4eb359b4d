package probe

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberstack/fiber/pkg/model"
)

func bufferedSample(i int) model.Sample {
	return model.Sample{
		NodeID:    fmt.Sprintf("node-%03d", i),
		Country:   "GH",
		LatencyMS: float64(i),
		UptimePct: 100,
		Timestamp: time.Unix(1_700_000_000+int64(i*60), 0).UTC(),
	}
}

func TestRetryBufferFIFO(t *testing.T) {
	b := NewRetryBuffer(10)
	for i := 0; i < 3; i++ {
		b.Add(bufferedSample(i))
	}
	require.Equal(t, 3, b.Len())

	out := b.Drain(2)
	require.Len(t, out, 2)
	assert.Equal(t, "node-000", out[0].NodeID)
	assert.Equal(t, "node-001", out[1].NodeID)
	assert.Equal(t, 1, b.Len())
}

func TestRetryBufferDropsOldestAtCapacity(t *testing.T) {
	b := NewRetryBuffer(5)
	for i := 0; i < 8; i++ {
		b.Add(bufferedSample(i))
	}
	assert.Equal(t, 5, b.Len())
	assert.EqualValues(t, 3, b.Dropped())

	out := b.Drain(0)
	require.Len(t, out, 5)
	// The three oldest are gone; the newest five survive in order.
	assert.Equal(t, "node-003", out[0].NodeID)
	assert.Equal(t, "node-007", out[4].NodeID)
}

func TestRetryBufferRequeuePreservesOrder(t *testing.T) {
	b := NewRetryBuffer(10)
	for i := 0; i < 4; i++ {
		b.Add(bufferedSample(i))
	}
	batch := b.Drain(2)
	require.Len(t, batch, 2)

	b.Requeue(batch)
	out := b.Drain(0)
	require.Len(t, out, 4)
	for i, s := range out {
		assert.Equal(t, fmt.Sprintf("node-%03d", i), s.NodeID)
	}
}

func TestRetryBufferRequeueRespectsCapacity(t *testing.T) {
	b := NewRetryBuffer(3)
	for i := 0; i < 3; i++ {
		b.Add(bufferedSample(i))
	}
	// Requeue two more than fit: the oldest of the combined set are dropped.
	b.Requeue([]model.Sample{bufferedSample(100), bufferedSample(101)})
	assert.Equal(t, 3, b.Len())

	out := b.Drain(0)
	assert.Equal(t, "node-000", out[0].NodeID)
	assert.Equal(t, "node-002", out[2].NodeID)
}

func TestRetryBufferDrainEmpty(t *testing.T) {
	b := NewRetryBuffer(3)
	assert.Nil(t, b.Drain(10))
}
