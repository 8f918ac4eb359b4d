package probe

import (
	"flag"
	"time"
)

// defaultFlushBatchSize keeps recovery batches small so a backlog drains
// without tripping the gateway's size gates.
const defaultFlushBatchSize = 50

// Config for a probe agent.
type Config struct {
	// NodeID identifies this probe in every sample. Required.
	NodeID   string `yaml:"node_id"`
	NodeName string `yaml:"node_name"`
	Country  string `yaml:"country"`
	Region   string `yaml:"region"`

	// TargetHost is the endpoint whose network vitals are measured.
	TargetHost string `yaml:"target_host"`
	ProbeType  string `yaml:"probe_type"`

	// Endpoint is the regional ingest URL; FallbackEndpoint is central,
	// used when the regional tier is unreachable.
	Endpoint         string `yaml:"endpoint"`
	FallbackEndpoint string `yaml:"fallback_endpoint"`

	// Token is the bearer presented on every send.
	Token string `yaml:"token"`

	Interval       time.Duration `yaml:"interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	SendRetries    int           `yaml:"send_retries"`
	// RetryBackoffBase is the first retry delay; each retry doubles it.
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`

	// BufferSize bounds the in-memory retry buffer; the oldest sample is
	// dropped when a new one arrives at capacity.
	BufferSize int `yaml:"buffer_size"`

	// FlushBatchSize caps how many buffered samples one recovery batch
	// carries.
	FlushBatchSize int `yaml:"flush_batch_size"`

	// ProbeAttempts is how many measurements one collection round takes when
	// deriving uptime and loss percentages.
	ProbeAttempts int `yaml:"probe_attempts"`

	Failover FailoverConfig `yaml:"failover"`

	// ShutdownGrace bounds the final buffer flush on termination.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// FailoverConfig controls the regional-to-central endpoint switch.
type FailoverConfig struct {
	// FailureThreshold consecutive send failures trigger a switch.
	FailureThreshold int `yaml:"failure_threshold"`
	// Stickiness keeps the probe on the endpoint it switched to before the
	// original is retried.
	Stickiness time.Duration `yaml:"stickiness"`
	// PromotionThreshold consecutive successes on the fallback promote it to
	// primary, so a permanently dead regional tier stops being retried.
	PromotionThreshold int `yaml:"promotion_threshold"`
}

// RegisterFlagsAndApplyDefaults registers flags and applies defaults.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.NodeID, prefix+".node-id", "", "Probe node id.")
	f.StringVar(&cfg.NodeName, prefix+".node-name", "", "Human-readable node name.")
	f.StringVar(&cfg.Country, prefix+".country", "", "ISO-3166 alpha-2 country code.")
	f.StringVar(&cfg.Region, prefix+".region", "", "Region of this probe.")
	f.StringVar(&cfg.TargetHost, prefix+".target-host", "", "Host measured by this probe.")
	f.StringVar(&cfg.ProbeType, prefix+".probe-type", "http", "Measurement type label.")
	f.StringVar(&cfg.Endpoint, prefix+".endpoint", "", "Regional ingest base URL.")
	f.StringVar(&cfg.FallbackEndpoint, prefix+".fallback-endpoint", "", "Central ingest base URL.")
	f.StringVar(&cfg.Token, prefix+".token", "", "Bearer token for sends.")
	f.DurationVar(&cfg.Interval, prefix+".interval", time.Minute, "Collection cadence.")
	f.DurationVar(&cfg.RequestTimeout, prefix+".request-timeout", 10*time.Second, "Send timeout.")
	f.IntVar(&cfg.SendRetries, prefix+".send-retries", 3, "Retries per send before buffering.")
	f.DurationVar(&cfg.RetryBackoffBase, prefix+".retry-backoff-base", 2*time.Second, "First retry delay; doubles per retry.")
	f.IntVar(&cfg.BufferSize, prefix+".buffer-size", 1000, "Capacity of the in-memory retry buffer.")
	f.IntVar(&cfg.FlushBatchSize, prefix+".flush-batch-size", defaultFlushBatchSize, "Buffered samples per recovery batch.")
	f.IntVar(&cfg.ProbeAttempts, prefix+".probe-attempts", 5, "Measurements per collection round.")
	f.DurationVar(&cfg.ShutdownGrace, prefix+".shutdown-grace", 5*time.Second, "Time budget for the final flush.")

	f.IntVar(&cfg.Failover.FailureThreshold, prefix+".failover.failure-threshold", 2, "Consecutive failures before switching endpoints.")
	f.DurationVar(&cfg.Failover.Stickiness, prefix+".failover.stickiness", 2*time.Minute, "Minimum dwell on a switched endpoint.")
	f.IntVar(&cfg.Failover.PromotionThreshold, prefix+".failover.promotion-threshold", 5, "Fallback successes before it becomes primary.")
}
