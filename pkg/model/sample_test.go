package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSample() Sample {
	return Sample{
		NodeID:     "node-accra-01",
		Country:    "GH",
		Region:     "Greater Accra",
		LatencyMS:  42.5,
		UptimePct:  99.9,
		PacketLoss: 0.1,
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSampleValidate(t *testing.T) {
	valid := validSample()
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Sample)
	}{
		{"missing node id", func(s *Sample) { s.NodeID = "" }},
		{"lowercase country", func(s *Sample) { s.Country = "gh" }},
		{"three letter country", func(s *Sample) { s.Country = "GHA" }},
		{"zero timestamp", func(s *Sample) { s.Timestamp = time.Time{} }},
		{"negative latency", func(s *Sample) { s.LatencyMS = -1 }},
		{"latency above ceiling", func(s *Sample) { s.LatencyMS = MaxLatencyMS + 0.1 }},
		{"uptime above 100", func(s *Sample) { s.UptimePct = 100.5 }},
		{"loss above 100", func(s *Sample) { s.PacketLoss = 101 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := validSample()
			tc.mutate(&s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestSampleValidateBoundaries(t *testing.T) {
	s := validSample()
	s.LatencyMS = MaxLatencyMS
	s.UptimePct = 100
	s.PacketLoss = 0
	assert.NoError(t, s.Validate())
}

func TestSampleKeyTruncatesToMillis(t *testing.T) {
	a := validSample()
	b := validSample()
	a.Timestamp = time.Date(2026, 3, 1, 12, 0, 0, 123_456_789, time.UTC)
	b.Timestamp = time.Date(2026, 3, 1, 12, 0, 0, 123_999_999, time.UTC)
	assert.Equal(t, a.Key(), b.Key())

	b.Timestamp = b.Timestamp.Add(time.Millisecond)
	assert.NotEqual(t, a.Key(), b.Key())
}

func TestCanonicalRegion(t *testing.T) {
	assert.Equal(t, "gh-greater-accra", CanonicalRegion("GH", "Greater Accra"))
	assert.Equal(t, "ng-lagos", CanonicalRegion("NG", "  Lagos  "))
	assert.Equal(t, "ke-rift-valley", CanonicalRegion("KE", "Rift/Valley"))
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "greater-accra", Slug("Greater Accra"))
	assert.Equal(t, "a-b-c", Slug("a__b..c"))
	assert.Equal(t, "trailing", Slug("trailing---"))
	assert.Equal(t, "", Slug("___"))
}

func TestEnvelopeIsSample(t *testing.T) {
	assert.True(t, (&Envelope{}).IsSample())
	assert.True(t, (&Envelope{Kind: KindSample}).IsSample())
	assert.False(t, (&Envelope{Kind: KindNodeUpsert}).IsSample())
	assert.False(t, (&Envelope{Kind: KindNodeDelete}).IsSample())
}
