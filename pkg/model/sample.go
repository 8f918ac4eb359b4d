// Package model holds the wire types shared by the probe, the gateway, the
// relay and the ETL consumer.
package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Limits enforced at the gateway. A sample is identified end-to-end by
// (node_id, timestamp).
const (
	MaxLatencyMS    = 10000
	MaxPercent      = 100
	MaxSampleBytes  = 4 * 1024
	MaxBatchBytes   = 10 * 1024 * 1024
	MaxBatchSamples = 1000
)

var countryRe = regexp.MustCompile(`^[A-Z]{2}$`)

// Sample is one per-minute network vitals reading emitted by a probe.
type Sample struct {
	NodeID     string                 `json:"node_id"`
	Country    string                 `json:"country"`
	Region     string                 `json:"region"`
	LatencyMS  float64                `json:"latency_ms"`
	UptimePct  float64                `json:"uptime_pct"`
	PacketLoss float64                `json:"packet_loss"`
	Timestamp  time.Time              `json:"timestamp"`
	TargetHost string                 `json:"target_host,omitempty"`
	ProbeType  string                 `json:"probe_type,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Batch is an ordered group of samples sharing an idempotency id.
type Batch struct {
	BatchID      string   `json:"batch_id"`
	SourceRegion string   `json:"source_region,omitempty"`
	Samples      []Sample `json:"samples"`
}

// Meta travels alongside a sample on the queue.
type Meta struct {
	TraceID      string    `json:"trace_id"`
	IngestRegion string    `json:"ingest_region,omitempty"`
	IngestTS     time.Time `json:"ingest_ts"`
}

// Envelope kinds. Samples dominate; node control ops flow through the same
// queue so the ETL remains the only writer to storage.
const (
	KindSample     = "sample"
	KindNodeUpsert = "node_upsert"
	KindNodeDelete = "node_delete"
)

// Envelope is the serialized form placed on the durable queue by the gateway
// and drained by the ETL consumer.
type Envelope struct {
	Kind   string `json:"kind,omitempty"`
	Sample Sample `json:"sample,omitempty"`
	Node   *Node  `json:"node,omitempty"`
	Meta   Meta   `json:"_meta"`
}

// IsSample reports whether the envelope carries a sample. An empty kind is a
// sample for compatibility with older producers.
func (e *Envelope) IsSample() bool {
	return e.Kind == "" || e.Kind == KindSample
}

// DeadLetter wraps an envelope that failed persistence, with a failure stamp.
type DeadLetter struct {
	Envelope Envelope  `json:"envelope"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// Validate enforces the per-sample bounds and type checks performed at the
// gateway. The first violation aborts; lenient coercion happens later, in the
// ETL normalizer, never here.
func (s *Sample) Validate() error {
	if s.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if !countryRe.MatchString(s.Country) {
		return fmt.Errorf("country %q is not an ISO-3166 alpha-2 code", s.Country)
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if s.LatencyMS < 0 || s.LatencyMS > MaxLatencyMS {
		return fmt.Errorf("latency_ms %.2f outside [0, %d]", s.LatencyMS, MaxLatencyMS)
	}
	if s.UptimePct < 0 || s.UptimePct > MaxPercent {
		return fmt.Errorf("uptime_pct %.2f outside [0, %d]", s.UptimePct, MaxPercent)
	}
	if s.PacketLoss < 0 || s.PacketLoss > MaxPercent {
		return fmt.Errorf("packet_loss %.2f outside [0, %d]", s.PacketLoss, MaxPercent)
	}
	return nil
}

// Key returns the (node_id, timestamp) identity of the sample. Timestamps are
// truncated to millisecond precision end-to-end.
func (s *Sample) Key() string {
	return s.NodeID + "/" + s.Timestamp.UTC().Truncate(time.Millisecond).Format(time.RFC3339Nano)
}

// CanonicalRegion combines country and region into the canonical form
// lower(country) + "-" + slug(region), e.g. "gh-accra".
func CanonicalRegion(country, region string) string {
	return strings.ToLower(country) + "-" + Slug(region)
}

// Slug lowercases and replaces runs of non-alphanumeric characters with a
// single dash.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// Node is a registry row for a probe identity.
type Node struct {
	NodeID     string                 `json:"node_id" db:"node_id"`
	NodeName   string                 `json:"node_name" db:"node_name"`
	Country    string                 `json:"country" db:"country"`
	Region     string                 `json:"region" db:"region"`
	Lat        *float64               `json:"lat,omitempty" db:"lat"`
	Lng        *float64               `json:"lng,omitempty" db:"lng"`
	Status     string                 `json:"status" db:"status"`
	LastSeenAt time.Time              `json:"last_seen_at" db:"last_seen_at"`
	Metadata   map[string]interface{} `json:"metadata,omitempty" db:"-"`
}

// Node status values. Deletion is logical, never physical.
const (
	NodeStatusRegistered = "registered"
	NodeStatusReporting  = "reporting"
	NodeStatusDeleted    = "deleted"
)
