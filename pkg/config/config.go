// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the tlscope agent.
type Config struct {
	ServiceName    string `yaml:"service_name" env:"TLSCOPE_SERVICE_NAME"`
	ServiceVersion string `yaml:"service_version"`
	DeploymentEnv  string `yaml:"deployment_env"`
	LogLevel       string `yaml:"log_level" env:"TLSCOPE_LOG_LEVEL"`

	Hook        HookConfig        `yaml:"hook"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Exporters   ExportersConfig   `yaml:"exporters"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Health      HealthConfig      `yaml:"health"`
	Redaction   RedactionConfig   `yaml:"redaction"`
}

// HookConfig configures the instrumentation provider.
type HookConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Provider      string `yaml:"provider"`        // "auto", "ebpf", or "preload"
	SocketPath    string `yaml:"socket_path"`     // preload shim DGRAM socket
	BPFObjectPath string `yaml:"bpf_object_path"` // compiled CO-RE object
	OnDemand      bool   `yaml:"on_demand"`       // Start dormant; activate via 'tlscope capture on'
}

// CorrelationConfig bounds the session registry and its collaborators.
// The TTLs feed the periodic cleanup sweep.
type CorrelationConfig struct {
	Enabled         bool          `yaml:"enabled"`
	SessionCapacity int           `yaml:"session_capacity"` // max tracked TLS sessions
	PendingTTL      time.Duration `yaml:"pending_ttl"`      // data seen before session init
	SessionTTL      time.Duration `yaml:"session_ttl"`      // sessions that never resolved a tuple
	SocketTTL       time.Duration `yaml:"socket_ttl"`       // socket mirror entries
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type TracingConfig struct {
	Enabled    bool           `yaml:"enabled"`
	Sampling   SamplingConfig `yaml:"sampling"`
	StreamIdle time.Duration  `yaml:"stream_idle"` // reassembly streams with no traffic
}

// SamplingConfig configures trace sampling.
type SamplingConfig struct {
	Rate float64 `yaml:"rate"` // 0.0-1.0, default 1.0 (keep all)
}

type MetricsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Buckets  []float64     `yaml:"buckets"` // request latency histogram buckets in seconds
}

type ExportersConfig struct {
	OTLP   OTLPConfig   `yaml:"otlp"`
	Stdout StdoutConfig `yaml:"stdout"`
}

type OTLPConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Protocol    string            `yaml:"protocol"` // "grpc" or "http"
	Insecure    bool              `yaml:"insecure"`
	Compression string            `yaml:"compression"` // "gzip" (default) or "none"
	Headers     map[string]string `yaml:"headers"`
}

type StdoutConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // "text" or "json"
}

type DiscoveryConfig struct {
	Enabled      bool           `yaml:"enabled"`
	EnvVars      []string       `yaml:"env_vars"`
	ProcessNames []string       `yaml:"process_names"` // warmup scan patterns (empty = skip)
	PortMappings map[int]string `yaml:"port_mappings"`
}

// HealthConfig configures the health HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port" env:"TLSCOPE_HEALTH_PORT"` // e.g. ":8686"
}

// RedactionConfig configures PII redaction.
type RedactionConfig struct {
	Enabled bool            `yaml:"enabled"`
	Rules   []RedactionRule `yaml:"rules"`
}

// RedactionRule is a user-defined redaction pattern.
type RedactionRule struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "auto",
		LogLevel:    "info",
		Hook: HookConfig{
			Enabled:       true,
			Provider:      "auto",
			SocketPath:    "/var/run/tlscope/hook.sock",
			BPFObjectPath: "/usr/lib/tlscope/tlscope.bpf.o",
		},
		Correlation: CorrelationConfig{
			Enabled:         true,
			SessionCapacity: 16384,
			PendingTTL:      10 * time.Second,
			SessionTTL:      10 * time.Minute,
			SocketTTL:       10 * time.Minute,
			CleanupInterval: 30 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:    true,
			Sampling:   SamplingConfig{Rate: 1.0},
			StreamIdle: 2 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Interval: 15 * time.Second,
			Buckets:  []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		Exporters: ExportersConfig{
			OTLP: OTLPConfig{
				Enabled:     true,
				Endpoint:    "localhost:4317",
				Protocol:    "grpc",
				Insecure:    true,
				Compression: "gzip",
			},
			Stdout: StdoutConfig{
				Enabled: false,
				Format:  "text",
			},
		},
		Discovery: DiscoveryConfig{
			Enabled: true,
			EnvVars: []string{
				"OTEL_SERVICE_NAME",
				"SERVICE_NAME",
				"DD_SERVICE",
				"APP_NAME",
			},
			PortMappings: map[int]string{
				3306:  "mysql",
				5432:  "postgresql",
				6379:  "redis",
				27017: "mongodb",
				9092:  "kafka",
				5672:  "rabbitmq",
			},
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    ":8686",
		},
		Redaction: RedactionConfig{
			Enabled: true,
		},
	}
}

// LoadDir loads every YAML file in a directory and merges them into a
// single Config, applying files in lexical order so later files override
// earlier ones. The conventional layout:
//   - base.yaml        → service_name, log_level, hook, exporters
//   - correlation.yaml → correlation, discovery
//   - tracing.yaml     → tracing, metrics, redaction
//
// An empty or missing directory yields the defaults.
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			if err := cfg.Validate(); err != nil {
				return nil, fmt.Errorf("validate config: %w", err)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			files = append(files, name)
		}
	}
	sort.Strings(files)

	for _, f := range files {
		if err := loadFileInto(filepath.Join(dir, f), cfg); err != nil {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// loadFileInto reads a YAML file and unmarshals it into an existing Config,
// overwriting only the fields present in the file.
func loadFileInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnvOverrides reads TLSCOPE_* environment variables and applies them
// to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"TLSCOPE_SERVICE_NAME":            func(v string) { c.ServiceName = v },
		"TLSCOPE_LOG_LEVEL":               func(v string) { c.LogLevel = v },
		"TLSCOPE_HEALTH_PORT":             func(v string) { c.Health.Port = v },
		"TLSCOPE_EXPORTERS_OTLP_ENDPOINT": func(v string) { c.Exporters.OTLP.Endpoint = v },
		"TLSCOPE_EXPORTERS_OTLP_PROTOCOL": func(v string) { c.Exporters.OTLP.Protocol = v },
		"TLSCOPE_HOOK_PROVIDER":           func(v string) { c.Hook.Provider = v },
		"TLSCOPE_HOOK_SOCKET_PATH":        func(v string) { c.Hook.SocketPath = v },
		"TLSCOPE_HOOK_BPF_OBJECT_PATH":    func(v string) { c.Hook.BPFObjectPath = v },
	}

	// Also handle boolean overrides
	boolOverrides := map[string]*bool{
		"TLSCOPE_TRACING_ENABLED":   &c.Tracing.Enabled,
		"TLSCOPE_METRICS_ENABLED":   &c.Metrics.Enabled,
		"TLSCOPE_HEALTH_ENABLED":    &c.Health.Enabled,
		"TLSCOPE_REDACTION_ENABLED": &c.Redaction.Enabled,
	}

	// Float overrides
	floatOverrides := map[string]*float64{
		"TLSCOPE_TRACING_SAMPLING_RATE": &c.Tracing.Sampling.Rate,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}

	for envKey, target := range floatOverrides {
		if val := os.Getenv(envKey); val != "" {
			if f, ok := parseFloat(val); ok {
				*target = f
			}
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	// Simple float parser to avoid importing strconv
	v := reflect.New(reflect.TypeOf(float64(0)))
	if _, err := fmt.Sscanf(s, "%f", v.Interface()); err != nil {
		return 0, false
	}
	return v.Elem().Float(), true
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Hook.Enabled {
		switch c.Hook.Provider {
		case "", "auto", "ebpf", "preload":
		default:
			return fmt.Errorf("hook.provider must be 'auto', 'ebpf', or 'preload'")
		}
		if c.Hook.Provider != "ebpf" && c.Hook.SocketPath == "" {
			return fmt.Errorf("hook.socket_path is required when the preload provider may be used")
		}
		if c.Hook.Provider != "preload" && c.Hook.BPFObjectPath == "" {
			return fmt.Errorf("hook.bpf_object_path is required when the eBPF provider may be used")
		}
	}

	if c.Exporters.OTLP.Enabled {
		if c.Exporters.OTLP.Endpoint == "" {
			return fmt.Errorf("exporters.otlp.endpoint is required when OTLP is enabled")
		}
		if c.Exporters.OTLP.Protocol != "grpc" && c.Exporters.OTLP.Protocol != "http" {
			return fmt.Errorf("exporters.otlp.protocol must be 'grpc' or 'http'")
		}
		switch c.Exporters.OTLP.Compression {
		case "", "gzip", "none":
		default:
			return fmt.Errorf("exporters.otlp.compression must be 'gzip' or 'none'")
		}
	}

	if c.Correlation.SessionCapacity <= 0 {
		return fmt.Errorf("correlation.session_capacity must be positive")
	}

	if c.Correlation.PendingTTL < time.Millisecond {
		return fmt.Errorf("correlation.pending_ttl must be at least 1ms")
	}

	if c.Correlation.CleanupInterval < time.Second {
		return fmt.Errorf("correlation.cleanup_interval must be at least 1s")
	}

	if c.Tracing.Sampling.Rate < 0 || c.Tracing.Sampling.Rate > 1 {
		return fmt.Errorf("tracing.sampling.rate must be between 0.0 and 1.0")
	}

	if c.Metrics.Enabled && c.Metrics.Interval < time.Second {
		return fmt.Errorf("metrics.interval must be at least 1s")
	}

	return nil
}
