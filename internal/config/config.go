// Package config loads the orchestrator service configuration: scheduler
// limits, audit database location, API listen address, secret sources, and
// the collaborator registry. One YAML file, with ${ENV_VAR} interpolation
// so deployments can inject paths and addresses without templating.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config is the full service configuration.
type Config struct {
	Log           LogConfig            `yaml:"log"`
	Scheduler     SchedulerConfig      `yaml:"scheduler"`
	Audit         AuditConfig          `yaml:"audit"`
	API           APIConfig            `yaml:"api"`
	Secrets       SecretsConfig        `yaml:"secrets"`
	Collaborators []CollaboratorConfig `yaml:"collaborators"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

type SchedulerConfig struct {
	MaxConcurrency int    `yaml:"max_concurrency"`
	CancelGrace    string `yaml:"cancel_grace"` // Go duration syntax
}

// Grace returns the parsed cancellation grace period. Validity is checked
// at load time.
func (s SchedulerConfig) Grace() time.Duration {
	d, _ := time.ParseDuration(s.CancelGrace)
	return d
}

type AuditConfig struct {
	Path string `yaml:"path"`
}

type APIConfig struct {
	Listen string `yaml:"listen"`
	// APIKey is an optional bearer token; empty leaves the API open.
	APIKey string `yaml:"api_key"`
}

type SecretsConfig struct {
	// EnvFile is an optional dotenv file of secret material, loaded at
	// trigger time. Process environment is never read implicitly.
	EnvFile string `yaml:"env_file"`
}

// CollaboratorConfig registers one external collaborator. Uses may be an
// exact reference or a "family/*" wildcard.
type CollaboratorConfig struct {
	Uses           string   `yaml:"uses"`
	Entrypoint     string   `yaml:"entrypoint"`
	Grace          string   `yaml:"grace"` // SIGTERM-to-SIGKILL window
	RequiredInputs []string `yaml:"required_inputs"`
}

func (c CollaboratorConfig) GracePeriod() time.Duration {
	d, _ := time.ParseDuration(c.Grace)
	return d
}

// Load reads, interpolates, and validates a configuration file.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %q: %w", path, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s", absPath)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(interpolateEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", absPath, err)
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// interpolateEnv replaces ${VAR} with the process environment value.
// Unset variables expand to the empty string.
func interpolateEnv(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Scheduler.MaxConcurrency == 0 {
		cfg.Scheduler.MaxConcurrency = 4
	}
	if cfg.Scheduler.CancelGrace == "" {
		cfg.Scheduler.CancelGrace = "10s"
	}
	if cfg.Audit.Path == "" {
		cfg.Audit.Path = "gantry.db"
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = "127.0.0.1:8088"
	}
}

func validate(cfg *Config) error {
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.Log.Level) {
		return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", cfg.Log.Level)
	}
	if !slices.Contains([]string{"text", "json"}, cfg.Log.Format) {
		return fmt.Errorf("log.format must be text or json; got %q", cfg.Log.Format)
	}
	if cfg.Scheduler.MaxConcurrency < 0 {
		return fmt.Errorf("scheduler.max_concurrency must not be negative")
	}
	if _, err := time.ParseDuration(cfg.Scheduler.CancelGrace); err != nil {
		return fmt.Errorf("scheduler.cancel_grace: %w", err)
	}

	seen := make(map[string]struct{}, len(cfg.Collaborators))
	for i, c := range cfg.Collaborators {
		if c.Uses == "" {
			return fmt.Errorf("collaborators[%d]: uses is required", i)
		}
		if _, dup := seen[c.Uses]; dup {
			return fmt.Errorf("collaborators[%d]: duplicate uses %q", i, c.Uses)
		}
		seen[c.Uses] = struct{}{}
		if c.Entrypoint == "" {
			return fmt.Errorf("collaborator %q: entrypoint is required", c.Uses)
		}
		if c.Grace != "" {
			if _, err := time.ParseDuration(c.Grace); err != nil {
				return fmt.Errorf("collaborator %q: grace: %w", c.Uses, err)
			}
		}
	}
	return nil
}
