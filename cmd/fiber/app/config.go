package app

import (
	"errors"
	"flag"

	dslog "github.com/grafana/dskit/log"

	"github.com/fiberstack/fiber/modules/etl"
	"github.com/fiberstack/fiber/modules/gateway"
	"github.com/fiberstack/fiber/modules/probe"
	"github.com/fiberstack/fiber/modules/relay"
)

// Deployment targets. One binary, one role per process.
const (
	TargetGateway = "gateway"
	TargetRelay   = "relay"
	TargetProbe   = "probe"
	TargetETL     = "etl"
	// TargetAll runs gateway and etl in one process for small deployments.
	TargetAll = "all"
)

// Config is the root configuration of the fiber binary.
type Config struct {
	Target            string      `yaml:"target"`
	HTTPListenAddress string      `yaml:"http_listen_address"`
	HTTPListenPort    int         `yaml:"http_listen_port"`
	LogLevel          dslog.Level `yaml:"log_level"`
	LogFormat         string      `yaml:"log_format"`

	// RedisURL backs the queue, the rate limiters and the token denylist.
	RedisURL string `yaml:"redis_url"`

	Gateway gateway.Config `yaml:"gateway,omitempty"`
	Relay   relay.Config   `yaml:"relay,omitempty"`
	Probe   probe.Config   `yaml:"probe,omitempty"`
	ETL     etl.Config     `yaml:"etl,omitempty"`
}

// RegisterFlagsAndApplyDefaults registers flags and applies defaults.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.Target, "target", TargetAll, "Role of this process: gateway, relay, probe, etl or all.")
	f.StringVar(&c.HTTPListenAddress, "http-listen-address", "", "HTTP bind address.")
	f.IntVar(&c.HTTPListenPort, "http-listen-port", 8080, "HTTP bind port.")
	f.StringVar(&c.RedisURL, "redis-url", "redis://localhost:6379/0", "Redis URL for queue, limits and denylist.")
	f.StringVar(&c.LogFormat, "log.format", "logfmt", "Log format: logfmt or json.")
	c.LogLevel.RegisterFlags(f)

	c.Gateway.RegisterFlagsAndApplyDefaults("gateway", f)
	c.Relay.RegisterFlagsAndApplyDefaults("relay", f)
	c.Probe.RegisterFlagsAndApplyDefaults("probe", f)
	c.ETL.RegisterFlagsAndApplyDefaults("etl", f)
}

// CheckConfig validates the parts the chosen target actually needs.
func (c *Config) CheckConfig() error {
	if c.LogFormat != "logfmt" && c.LogFormat != "json" {
		return errors.New("log_format must be logfmt or json")
	}
	switch c.Target {
	case TargetGateway:
		if c.RedisURL == "" {
			return errors.New("gateway requires redis_url")
		}
	case TargetRelay:
		if c.Relay.Forward.CentralURL == "" {
			return errors.New("relay requires relay.forward.central_url")
		}
	case TargetProbe:
		if c.Probe.NodeID == "" {
			return errors.New("probe requires probe.node_id")
		}
		if c.Probe.Endpoint == "" {
			return errors.New("probe requires probe.endpoint")
		}
	case TargetETL:
		if c.RedisURL == "" {
			return errors.New("etl requires redis_url")
		}
		if c.ETL.StorageDSN == "" {
			return errors.New("etl requires etl.storage_dsn")
		}
	case TargetAll:
		if c.RedisURL == "" {
			return errors.New("target all requires redis_url")
		}
		if c.ETL.StorageDSN == "" {
			return errors.New("target all requires etl.storage_dsn")
		}
	default:
		return errors.New("unknown target " + c.Target)
	}
	return nil
}
