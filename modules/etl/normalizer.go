package etl

import (
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/fiberstack/fiber/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxFutureSkew tolerates probe clock drift; anything further ahead is
// clamped to arrival time.
const maxFutureSkew = 5 * time.Minute

// Normalizer repairs what it can and rejects what it cannot. Gate-side
// validation is strict; by the time an envelope reaches the ETL it has
// already been accepted, so dropping it here loses committed data. Values are
// therefore coerced into range rather than rejected.
type Normalizer struct {
	now func() time.Time
}

// NewNormalizer builds a normalizer using wall-clock time.
func NewNormalizer() *Normalizer {
	return &Normalizer{now: time.Now}
}

// Normalize coerces an envelope into a storage row. An error means the
// envelope is irreparable and belongs on the DLQ.
func (n *Normalizer) Normalize(env *model.Envelope) (SampleRow, error) {
	s := env.Sample

	nodeID := strings.TrimSpace(s.NodeID)
	if nodeID == "" {
		return SampleRow{}, fmt.Errorf("empty node_id")
	}
	if s.Timestamp.IsZero() {
		return SampleRow{}, fmt.Errorf("zero timestamp")
	}

	ts := s.Timestamp.UTC().Truncate(time.Millisecond)
	if now := n.now().UTC(); ts.After(now.Add(maxFutureSkew)) {
		ts = now.Truncate(time.Millisecond)
	}

	row := SampleRow{
		Time:         ts,
		NodeID:       nodeID,
		LatencyMS:    clamp(s.LatencyMS, 0, model.MaxLatencyMS),
		UptimePct:    clamp(s.UptimePct, 0, model.MaxPercent),
		PacketLoss:   clamp(s.PacketLoss, 0, model.MaxPercent),
		TargetHost:   strings.TrimSpace(s.TargetHost),
		ProbeType:    strings.ToLower(strings.TrimSpace(s.ProbeType)),
		IngestRegion: ingestRegion(&s, &env.Meta),
		TraceID:      env.Meta.TraceID,
	}
	if len(s.Metadata) > 0 {
		if b, err := json.Marshal(s.Metadata); err == nil {
			row.Metadata = b
		}
	}
	return row, nil
}

// ingestRegion prefers the canonical country-region form of the sample and
// falls back to whatever region the ingest tier stamped.
func ingestRegion(s *model.Sample, meta *model.Meta) string {
	country := strings.ToUpper(strings.TrimSpace(s.Country))
	region := strings.TrimSpace(s.Region)
	if country != "" && region != "" {
		return model.CanonicalRegion(country, region)
	}
	return meta.IngestRegion
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
