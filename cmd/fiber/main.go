package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/drone/envsubst"
	"github.com/go-kit/log/level"
	"gopkg.in/yaml.v2"

	"github.com/fiberstack/fiber/cmd/fiber/app"
	"github.com/fiberstack/fiber/pkg/util/log"
)

const appName = "fiber"

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log.InitLogger(cfg.LogFormat, cfg.LogLevel)

	if err := cfg.CheckConfig(); err != nil {
		level.Error(log.Logger).Log("msg", "invalid config", "err", err)
		os.Exit(1)
	}

	a, err := app.New(*cfg)
	if err != nil {
		level.Error(log.Logger).Log("msg", "failed to initialise", "target", cfg.Target, "err", err)
		os.Exit(1)
	}
	if err := a.Run(); err != nil {
		level.Error(log.Logger).Log("msg", appName+" exited with error", "err", err)
		os.Exit(1)
	}
}

// loadConfig applies defaults, overlays the optional config file with
// environment expansion, and finally lets flags win.
func loadConfig() (*app.Config, error) {
	var (
		configFile      string
		configExpandEnv bool
		configVerify    bool
		cfg             = &app.Config{}
		fs              = flag.CommandLine
	)
	fs.StringVar(&configFile, "config.file", "", "Path to the YAML config file.")
	fs.BoolVar(&configExpandEnv, "config.expand-env", false, "Expand ${VAR} references in the config file.")
	fs.BoolVar(&configVerify, "config.verify", false, "Verify the config and exit.")

	cfg.RegisterFlagsAndApplyDefaults("", fs)
	flag.Parse()

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
		if configExpandEnv {
			expanded, err := envsubst.EvalEnv(string(buf))
			if err != nil {
				return nil, fmt.Errorf("expanding config env vars: %w", err)
			}
			buf = []byte(expanded)
		}
		if err := yaml.UnmarshalStrict(buf, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, err)
		}
		// Flags override file values.
		flag.Parse()
	}

	if configVerify {
		if err := cfg.CheckConfig(); err != nil {
			return nil, err
		}
		fmt.Println("config ok")
		os.Exit(0)
	}
	return cfg, nil
}
