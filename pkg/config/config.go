// Package config loads process configuration from YAML, adapted from the
// teacher's cmd/warren/apply.go manifest-decoding shape: decode into a
// typed struct, validate, hand to the constructor.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/durablewasm/pkg/types"
)

// Config is the process-wide configuration for a durablewasm node.
type Config struct {
	NodeID  string `yaml:"node_id"`
	BindAddr string `yaml:"bind_addr"`
	DataDir string `yaml:"data_dir"`

	// Cluster peers to join on boot; empty means bootstrap a new cluster.
	JoinAddr string `yaml:"join_addr"`

	DefaultRetry struct {
		MaxAttempts int           `yaml:"max_attempts"`
		Delay       time.Duration `yaml:"delay"`
		MaxDelay    time.Duration `yaml:"max_delay"`
		Multiplier  float64       `yaml:"multiplier"`
	} `yaml:"default_retry"`

	PersistenceLevel string `yaml:"persistence_level"`

	// PayloadInlineThreshold is loaded and defaulted here but not read by
	// the oplog store, which offloads every invocation and host-call
	// payload to the payload store regardless of size.
	PayloadInlineThreshold int `yaml:"payload_inline_threshold"`

	ArchiveInterval time.Duration `yaml:"archive_interval"`

	RuntimeSocketPath string `yaml:"runtime_socket_path"`
}

// Default returns sane defaults matching spec.md's stated defaults (Smart
// persistence, 3-attempt exponential backoff).
func Default() Config {
	c := Config{
		NodeID:                 "node-1",
		BindAddr:               "0.0.0.0:7600",
		DataDir:                "./data",
		PersistenceLevel:       string(types.PersistSmart),
		PayloadInlineThreshold: 4096,
		ArchiveInterval:        time.Hour,
		RuntimeSocketPath:      "/run/containerd/containerd.sock",
	}
	c.DefaultRetry.MaxAttempts = 3
	c.DefaultRetry.Delay = 100 * time.Millisecond
	c.DefaultRetry.MaxDelay = 30 * time.Second
	c.DefaultRetry.Multiplier = 2.0
	return c
}

// Load reads and decodes a YAML config file, falling back to Default()
// for any field the file omits by decoding over a Default()-seeded value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks required fields and cross-field invariants.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("node_id is required")
	}
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	switch types.PersistenceLevel(c.PersistenceLevel) {
	case types.PersistSmart, types.PersistNothing, types.PersistRemoteSideEffects:
	default:
		return errors.Errorf("invalid persistence_level %q", c.PersistenceLevel)
	}
	return nil
}

// RetryConfig converts the YAML block into a types.RetryConfig.
func (c Config) RetryConfig() types.RetryConfig {
	return types.RetryConfig{
		MaxAttempts: c.DefaultRetry.MaxAttempts,
		Delay:       c.DefaultRetry.Delay,
		MaxDelay:    c.DefaultRetry.MaxDelay,
		Multiplier:  c.DefaultRetry.Multiplier,
	}
}
