package etl

import (
	"flag"
	"time"
)

// Config for the ETL consumer.
type Config struct {
	// StorageDSN is the Postgres connection string.
	StorageDSN string `yaml:"storage_dsn"`

	Workers   int `yaml:"workers"`
	BatchSize int `yaml:"batch_size"`

	// IdleBackoff is the pause after finding the queue empty.
	IdleBackoff time.Duration `yaml:"idle_backoff"`

	// Storage retry policy before a batch is dead-lettered.
	MaxRetries      int           `yaml:"max_retries"`
	RetryMinBackoff time.Duration `yaml:"retry_min_backoff"`
	RetryMaxBackoff time.Duration `yaml:"retry_max_backoff"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// RegisterFlagsAndApplyDefaults registers flags and applies defaults.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.StorageDSN, prefix+".storage-dsn", "", "Postgres DSN.")
	f.IntVar(&cfg.Workers, prefix+".workers", 4, "Concurrent queue consumers.")
	f.IntVar(&cfg.BatchSize, prefix+".batch-size", 100, "Envelopes popped per round.")
	f.DurationVar(&cfg.IdleBackoff, prefix+".idle-backoff", 200*time.Millisecond, "Pause when the queue is empty.")
	f.IntVar(&cfg.MaxRetries, prefix+".max-retries", 5, "Storage retries before dead-lettering.")
	f.DurationVar(&cfg.RetryMinBackoff, prefix+".retry-min-backoff", time.Second, "Initial storage retry backoff.")
	f.DurationVar(&cfg.RetryMaxBackoff, prefix+".retry-max-backoff", 30*time.Second, "Storage retry backoff ceiling.")
	f.DurationVar(&cfg.HeartbeatInterval, prefix+".heartbeat-interval", 10*time.Second, "Progress log cadence.")
}
