package relay

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberstack/fiber/pkg/model"
)

func bufferEnvelope(nodeID string, ts time.Time) model.Envelope {
	return model.Envelope{
		Kind: model.KindSample,
		Sample: model.Sample{
			NodeID: nodeID, Country: "GH", Region: "Greater Accra",
			LatencyMS: 12, UptimePct: 100, Timestamp: ts,
		},
		Meta: model.Meta{TraceID: "trace123", IngestTS: ts},
	}
}

func TestBufferAppendReadAck(t *testing.T) {
	b, err := OpenBuffer(t.TempDir(), 1<<20, 1<<30, time.Hour)
	require.NoError(t, err)
	defer b.Close()

	ts := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, b.Append([]model.Envelope{
		bufferEnvelope("node-1", ts),
		bufferEnvelope("node-2", ts.Add(time.Minute)),
	}))
	assert.Greater(t, b.Bytes(), int64(0))

	id, envelopes, ok, err := b.NextSegment()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, envelopes, 2)
	assert.Equal(t, "node-1", envelopes[0].Sample.NodeID)
	assert.Equal(t, "trace123", envelopes[0].Meta.TraceID)

	// Reads are non-destructive until the ack.
	id2, again, ok, err := b.NextSegment()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, id2)
	assert.Len(t, again, 2)

	require.NoError(t, b.Ack(id))
	assert.Zero(t, b.Bytes())

	_, _, ok, err = b.NextSegment()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBufferSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ts := time.Now().UTC().Truncate(time.Millisecond)

	b, err := OpenBuffer(dir, 1<<20, 1<<30, time.Hour)
	require.NoError(t, err)
	require.NoError(t, b.Append([]model.Envelope{bufferEnvelope("node-1", ts)}))
	require.NoError(t, b.Close())

	reopened, err := OpenBuffer(dir, 1<<20, 1<<30, time.Hour)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Greater(t, reopened.Bytes(), int64(0))

	_, envelopes, ok, err := reopened.NextSegment()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, envelopes, 1)
	assert.Equal(t, "node-1", envelopes[0].Sample.NodeID)
}

func TestBufferEvictsOldestPastQuota(t *testing.T) {
	// Tiny segments so every append seals one; a small quota forces the
	// oldest to go.
	b, err := OpenBuffer(t.TempDir(), 64, 2048, time.Hour)
	require.NoError(t, err)
	defer b.Close()

	ts := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 30; i++ {
		require.NoError(t, b.Append([]model.Envelope{
			bufferEnvelope(fmt.Sprintf("node-%02d", i), ts.Add(time.Duration(i)*time.Minute)),
		}))
	}
	assert.LessOrEqual(t, b.Bytes(), int64(2048)+512)

	// The head must no longer be the very first sample.
	_, envelopes, ok, err := b.NextSegment()
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, envelopes)
	assert.NotEqual(t, "node-00", envelopes[0].Sample.NodeID)
}

func TestBufferAckRequiresHead(t *testing.T) {
	b, err := OpenBuffer(t.TempDir(), 64, 1<<30, time.Hour)
	require.NoError(t, err)
	defer b.Close()

	ts := time.Now().UTC()
	require.NoError(t, b.Append([]model.Envelope{bufferEnvelope("node-1", ts)}))
	require.NoError(t, b.Append([]model.Envelope{bufferEnvelope("node-2", ts)}))

	assert.Error(t, b.Ack("00000000000000000000.seg"))

	id, _, ok, err := b.NextSegment()
	require.NoError(t, err)
	require.True(t, ok)
	assert.NoError(t, b.Ack(id))
}
