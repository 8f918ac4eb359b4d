package gateway

import (
	"flag"
	"time"

	"github.com/fiberstack/fiber/pkg/auth"
	"github.com/fiberstack/fiber/pkg/ratelimit"
)

// Config for a Gateway.
type Config struct {
	// Region is the declared region of this gateway instance, stamped into
	// queue envelope metadata.
	Region string `yaml:"region"`

	MaxBodyBytes    int64 `yaml:"max_body_bytes"`
	MaxBatchSamples int   `yaml:"max_batch_samples"`

	// IdempotencyRetention is how long a batch id is remembered. Minimum one
	// hour; the default covers worst-case federation replay.
	IdempotencyRetention time.Duration `yaml:"idempotency_retention"`

	Auth auth.Config `yaml:"auth"`

	PushLimit   ratelimit.Config `yaml:"push_limit"`
	IngestLimit ratelimit.Config `yaml:"ingest_limit"`
	ReadLimit   ratelimit.Config `yaml:"read_limit"`
	GlobalLimit ratelimit.Config `yaml:"global_limit"`

	// DegradeDLQThreshold marks /status degraded when the DLQ grows past it.
	// Zero disables the check.
	DegradeDLQThreshold int64 `yaml:"degrade_dlq_threshold"`

	AuditPath string `yaml:"audit_path"`

	// ReadPageSize caps the page size of the /metrics read path.
	ReadPageSize int `yaml:"read_page_size"`
}

// RegisterFlagsAndApplyDefaults registers flags and applies defaults.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Region, prefix+".region", "", "Declared region of this gateway.")
	f.Int64Var(&cfg.MaxBodyBytes, prefix+".max-body-bytes", 10*1024*1024, "Reject request bodies larger than this.")
	f.IntVar(&cfg.MaxBatchSamples, prefix+".max-batch-samples", 1000, "Reject batches with more samples than this.")
	f.DurationVar(&cfg.IdempotencyRetention, prefix+".idempotency-retention", 24*time.Hour, "Batch id dedup window.")
	f.Int64Var(&cfg.DegradeDLQThreshold, prefix+".degrade-dlq-threshold", 0, "DLQ depth beyond which /status reports degraded. 0 disables.")
	f.StringVar(&cfg.AuditPath, prefix+".audit-path", "fiber-audit.jsonl", "Append-only audit chain file.")
	f.IntVar(&cfg.ReadPageSize, prefix+".read-page-size", 500, "Maximum page size of the metrics read path.")

	cfg.Auth.RegisterFlagsAndApplyDefaults(prefix+".auth", f)
	cfg.PushLimit.RegisterFlagsAndApplyDefaults(prefix+".push-limit", f)
	cfg.IngestLimit.RegisterFlagsAndApplyDefaults(prefix+".ingest-limit", f)
	cfg.ReadLimit.RegisterFlagsAndApplyDefaults(prefix+".read-limit", f)
	cfg.GlobalLimit.RegisterFlagsAndApplyDefaults(prefix+".global-limit", f)

	// 100/min per probe on /push, 50/min per relay on /ingest, 200/min per
	// user on reads.
	cfg.PushLimit.Rate, cfg.PushLimit.Burst = 100.0/60.0, 20
	cfg.IngestLimit.Rate, cfg.IngestLimit.Burst = 50.0/60.0, 10
	cfg.ReadLimit.Rate, cfg.ReadLimit.Burst = 200.0/60.0, 40
	cfg.GlobalLimit.Rate, cfg.GlobalLimit.Burst = 200, 400
}
