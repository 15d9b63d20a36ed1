// Package config loads the rpcflow runtime file and the endpoint definitions directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/lsm/rpcflow/internal/cachedio"
	"github.com/lsm/rpcflow/internal/kafka"
	"github.com/lsm/rpcflow/internal/retry"
)

// Environment variables overriding the runtime file.
const (
	EnvConfig      = "RPCFLOW_CONFIG"
	EnvEndpoints   = "RPCFLOW_ENDPOINTS_DIR"
	EnvListenAddr  = "RPCFLOW_LISTEN_ADDR"
	EnvMetricsAddr = "RPCFLOW_METRICS_ADDR"
)

// Size is a byte count written as a number or a humanized string such as "64KiB".
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		*s = 0
		return nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = Size(n)
		return nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", raw, err)
	}
	*s = Size(n)
	return nil
}

// String formats the size for logs.
func (s Size) String() string {
	if s <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(s))
}

// Runtime is the process configuration.
type Runtime struct {
	Server    ServerConfig        `yaml:"server"`
	Cache     CacheConfig         `yaml:"cache"`
	Logging   LoggingConfig       `yaml:"logging"`
	Kafka     kafka.ClusterConfig `yaml:"kafka"`
	DLQ       DLQConfig           `yaml:"dlq"`
	Endpoints string              `yaml:"endpointsDir"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	ListenAddr        string        `yaml:"listenAddr"`
	MetricsAddr       string        `yaml:"metricsAddr"`
	ResponseThreshold Size          `yaml:"responseThreshold"`
	SuspendTimeout    time.Duration `yaml:"suspendTimeout"`
}

// CacheConfig configures the cached streams of request and response bodies.
type CacheConfig struct {
	Threshold Size   `yaml:"threshold"`
	MaxSize   Size   `yaml:"maxSize"`
	OutputDir string `yaml:"outputDir"`
	Encrypt   bool   `yaml:"encrypt"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DLQConfig configures dead letter publishing.
type DLQConfig struct {
	TopicPrefix string       `yaml:"topicPrefix"`
	MinStatus   int          `yaml:"minStatus"`
	Retry       retry.Config `yaml:"retry"`
}

// DefaultRuntime returns the configuration used when no file is given.
func DefaultRuntime() Runtime {
	return Runtime{
		Server: ServerConfig{
			ListenAddr:     ":8080",
			MetricsAddr:    ":9090",
			SuspendTimeout: 30 * time.Second,
		},
		Logging:   LoggingConfig{Level: "info"},
		DLQ:       DLQConfig{TopicPrefix: "rpcflow-dlq-", MinStatus: 500, Retry: retry.DefaultConfig()},
		Endpoints: "endpoints",
	}
}

// LoadRuntime reads path over the defaults and applies environment overrides. An empty
// path yields the defaults.
func LoadRuntime(path string, getenv func(string) string) (Runtime, error) {
	cfg := DefaultRuntime()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read runtime config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse runtime config %s: %w", path, err)
		}
	}
	if getenv != nil {
		if v := getenv(EnvListenAddr); v != "" {
			cfg.Server.ListenAddr = v
		}
		if v := getenv(EnvMetricsAddr); v != "" {
			cfg.Server.MetricsAddr = v
		}
		if v := getenv(EnvEndpoints); v != "" {
			cfg.Endpoints = v
		}
	}
	return cfg, cfg.Validate()
}

// Validate checks the runtime configuration for errors.
func (r Runtime) Validate() error {
	var errs []error
	if r.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listenAddr is required"))
	}
	if r.Server.SuspendTimeout < 0 {
		errs = append(errs, errors.New("server.suspendTimeout must not be negative"))
	}
	if r.Cache.MaxSize > 0 && r.Cache.Threshold > r.Cache.MaxSize {
		errs = append(errs, fmt.Errorf("cache.threshold %s exceeds cache.maxSize %s", r.Cache.Threshold, r.Cache.MaxSize))
	}
	if r.Kafka.Enabled() {
		if err := r.Kafka.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("kafka: %w", err))
		}
	}
	return errors.Join(errs...)
}

// CacheSettings resolves the cached stream configuration. Unset fields fall back to the
// process defaults read from the environment.
func (r Runtime) CacheSettings() cachedio.Config {
	cfg := cachedio.DefaultConfig()
	if r.Cache.Threshold > 0 {
		cfg.Threshold = int64(r.Cache.Threshold)
	}
	if r.Cache.MaxSize > 0 {
		cfg.MaxSize = int64(r.Cache.MaxSize)
	}
	if r.Cache.OutputDir != "" {
		cfg.OutputDir = r.Cache.OutputDir
	}
	if r.Cache.Encrypt {
		cfg.Cipher = true
	}
	return cfg.Normalize()
}
