package relay

import (
	"flag"
	"time"

	"github.com/fiberstack/fiber/pkg/auth"
	"github.com/fiberstack/fiber/pkg/ratelimit"
)

// Config for a Relay.
type Config struct {
	// Region is the relay's declared region, forwarded as X-Region-ID and
	// stamped into envelope metadata.
	Region string `yaml:"region"`

	MaxBodyBytes    int64 `yaml:"max_body_bytes"`
	MaxBatchSamples int   `yaml:"max_batch_samples"`

	Auth auth.Config `yaml:"auth"`

	PushLimit   ratelimit.Config `yaml:"push_limit"`
	IngestLimit ratelimit.Config `yaml:"ingest_limit"`

	Buffer  BufferConfig  `yaml:"buffer"`
	Forward ForwardConfig `yaml:"forward"`
}

// BufferConfig bounds the durable store-and-forward log.
type BufferConfig struct {
	Dir            string        `yaml:"dir"`
	SegmentMaxSize int64         `yaml:"segment_max_size"`
	MaxBytes       int64         `yaml:"max_bytes"`
	MaxAge         time.Duration `yaml:"max_age"`
	// HighWater/LowWater are fractions of MaxBytes bounding the
	// DEGRADED_FULL state.
	HighWater float64 `yaml:"high_water"`
	LowWater  float64 `yaml:"low_water"`
}

// ForwardConfig controls the drain toward the central gateway.
type ForwardConfig struct {
	CentralURL     string        `yaml:"central_url"`
	BatchSize      int           `yaml:"batch_size"`
	MaxBatchBytes  int64         `yaml:"max_batch_bytes"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// FailureThreshold consecutive failed forwards flip the forwarder from
	// FORWARDING to BUFFERING.
	FailureThreshold int           `yaml:"failure_threshold"`
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	DrainInterval    time.Duration `yaml:"drain_interval"`
}

// RegisterFlagsAndApplyDefaults registers flags and applies defaults.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Region, prefix+".region", "", "Declared region of this relay.")
	f.Int64Var(&cfg.MaxBodyBytes, prefix+".max-body-bytes", 10*1024*1024, "Reject request bodies larger than this.")
	f.IntVar(&cfg.MaxBatchSamples, prefix+".max-batch-samples", 1000, "Reject batches with more samples than this.")

	f.StringVar(&cfg.Buffer.Dir, prefix+".buffer.dir", "relay-buffer", "Directory of the durable buffer.")
	f.Int64Var(&cfg.Buffer.SegmentMaxSize, prefix+".buffer.segment-max-size", 8*1024*1024, "Roll segments at this size.")
	f.Int64Var(&cfg.Buffer.MaxBytes, prefix+".buffer.max-bytes", 1024*1024*1024, "Evict oldest segments past this footprint.")
	f.DurationVar(&cfg.Buffer.MaxAge, prefix+".buffer.max-age", 24*time.Hour, "Evict segments older than this.")
	f.Float64Var(&cfg.Buffer.HighWater, prefix+".buffer.high-water", 0.9, "Fraction of max bytes that rejects new pushes.")
	f.Float64Var(&cfg.Buffer.LowWater, prefix+".buffer.low-water", 0.7, "Fraction of max bytes that re-enables pushes.")

	f.StringVar(&cfg.Forward.CentralURL, prefix+".forward.central-url", "", "Base URL of the central gateway.")
	f.IntVar(&cfg.Forward.BatchSize, prefix+".forward.batch-size", 1000, "Samples per forwarded batch.")
	f.Int64Var(&cfg.Forward.MaxBatchBytes, prefix+".forward.max-batch-bytes", 10*1024*1024, "Bytes per forwarded batch.")
	f.DurationVar(&cfg.Forward.RequestTimeout, prefix+".forward.request-timeout", 10*time.Second, "Forward request timeout.")
	f.IntVar(&cfg.Forward.FailureThreshold, prefix+".forward.failure-threshold", 3, "Consecutive failures before buffering-only mode.")
	f.DurationVar(&cfg.Forward.ProbeInterval, prefix+".forward.probe-interval", 15*time.Second, "Central health probe cadence while buffering.")
	f.DurationVar(&cfg.Forward.DrainInterval, prefix+".forward.drain-interval", time.Second, "Pause between drain passes.")

	cfg.Auth.RegisterFlagsAndApplyDefaults(prefix+".auth", f)
	cfg.PushLimit.RegisterFlagsAndApplyDefaults(prefix+".push-limit", f)
	cfg.IngestLimit.RegisterFlagsAndApplyDefaults(prefix+".ingest-limit", f)
	cfg.PushLimit.Rate, cfg.PushLimit.Burst = 100.0/60.0, 20
	cfg.IngestLimit.Rate, cfg.IngestLimit.Burst = 50.0/60.0, 10
}
