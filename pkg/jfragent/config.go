package jfragent

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"gopkg.in/yaml.v3"

	"github.com/grafana/jfr-agent/pkg/config"
	"github.com/grafana/jfr-agent/pkg/internal/bridge"
	"github.com/grafana/jfr-agent/pkg/internal/imetrics"
	"github.com/grafana/jfr-agent/pkg/internal/rewrite"
	"github.com/grafana/jfr-agent/pkg/internal/strategy"
)

// AttachMode tells how the engine was loaded into the JVM.
type AttachMode string

const (
	// AttachOnStartup means that the shim was loaded before the application classes, so
	// they are instrumented as they load.
	AttachOnStartup AttachMode = "startup"
	// AttachLate means that the shim was loaded into a running JVM, so the engine
	// retransforms the already loaded classes with pending descriptors.
	AttachLate AttachMode = "late"
)

func (m AttachMode) Valid() bool {
	switch m {
	case AttachOnStartup, AttachLate:
		return true
	}
	return false
}

type BridgeConfig struct {
	// ListenAddress of the API the JVM agent shim connects to.
	ListenAddress string `yaml:"listen_address" env:"JFR_AGENT_BRIDGE_LISTEN_ADDRESS"`
	// MaxPollTimeout caps the wait of the retransform long-polls of the shim.
	MaxPollTimeout time.Duration `yaml:"max_poll_timeout" env:"JFR_AGENT_BRIDGE_MAX_POLL_TIMEOUT"`
	// ResultTimeout bounds the wait for the shim to report a retransformation.
	ResultTimeout time.Duration `yaml:"result_timeout" env:"JFR_AGENT_BRIDGE_RESULT_TIMEOUT"`
	// QueueLength of the retransform requests waiting for the shim.
	QueueLength int `yaml:"queue_length" env:"JFR_AGENT_BRIDGE_QUEUE_LENGTH"`
	// ClassCacheSize is the number of forwarded classes kept to resolve field expressions
	// that refer to classes other than the instrumented one.
	ClassCacheSize int `yaml:"class_cache_size" env:"JFR_AGENT_BRIDGE_CLASS_CACHE_SIZE"`
}

func (b *BridgeConfig) bridgeConfig() bridge.Config {
	return bridge.Config{MaxPollTimeout: b.MaxPollTimeout, ResultTimeout: b.ResultTimeout,
		QueueLength: b.QueueLength, ClassCacheSize: b.ClassCacheSize}
}

type ControlConfig struct {
	// ListenAddress of the management API. Empty disables it.
	ListenAddress string `yaml:"listen_address" env:"JFR_AGENT_CONTROL_LISTEN_ADDRESS"`
}

// Config of the engine, as provided by the user.
type Config struct {
	LogLevel string `yaml:"log_level" env:"JFR_AGENT_LOG_LEVEL"`

	// Strategy forces the event API targeted by the generated code, or probes the JVM
	// when it is "auto".
	Strategy strategy.Mode `yaml:"strategy" env:"JFR_AGENT_STRATEGY"`

	// ProbesPath is the XML or YAML probe specification installed at startup.
	ProbesPath string `yaml:"probes_path" env:"JFR_AGENT_PROBES_PATH"`

	AttachMode AttachMode `yaml:"attach_mode" env:"JFR_AGENT_ATTACH_MODE"`

	Bridge  BridgeConfig  `yaml:"bridge"`
	Control ControlConfig `yaml:"control"`

	InternalMetrics imetrics.Config `yaml:"internal_metrics"`

	// RewriteCacheSize is the number of rewritten classes kept, so that classes loaded
	// by many class loaders are rewritten once. Zero disables the cache.
	RewriteCacheSize int `yaml:"rewrite_cache_size" env:"JFR_AGENT_REWRITE_CACHE_SIZE"`

	// LegacyRegistrar is the shim class that registers legacy event classes.
	LegacyRegistrar string `yaml:"legacy_registrar" env:"JFR_AGENT_LEGACY_REGISTRAR"`

	// ShutdownTimeout bounds the graceful stop of the servers.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"JFR_AGENT_SHUTDOWN_TIMEOUT"`

	// ProfilePort exposes the Go profiler of the engine. Zero disables it.
	ProfilePort int `yaml:"profile_port" env:"JFR_AGENT_PROFILE_PORT"`
}

// DefaultConfig returns the configuration used for the values that the user does not set.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:   "INFO",
		Strategy:   strategy.ModeAuto,
		AttachMode: AttachOnStartup,
		Bridge: BridgeConfig{
			ListenAddress:  "127.0.0.1:7171",
			MaxPollTimeout: bridge.DefaultConfig.MaxPollTimeout,
			ResultTimeout:  bridge.DefaultConfig.ResultTimeout,
			QueueLength:    bridge.DefaultConfig.QueueLength,
			ClassCacheSize: bridge.DefaultConfig.ClassCacheSize,
		},
		Control: ControlConfig{
			ListenAddress: "127.0.0.1:7172",
		},
		InternalMetrics: imetrics.Config{
			Prometheus: imetrics.PrometheusConfig{Path: "/metrics"},
		},
		RewriteCacheSize: 512,
		LegacyRegistrar:  rewrite.DefaultLegacyRegistrar,
		ShutdownTimeout:  10 * time.Second,
	}
}

// LoadConfig loads the configuration, overriding it from the following sources, in
// increasing order of priority:
// 1 - Default configuration
// 2 - Contents of the provided file reader (nillable)
// 3 - Environment variables
func LoadConfig(file io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	if file != nil {
		cfgBuf, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("reading YAML configuration: %w", err)
		}
		cfgBuf = config.ReplaceEnv(cfgBuf)
		if err := yaml.Unmarshal(cfgBuf, cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML configuration: %w", err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("reading env vars: %w", err)
	}
	cfg.Strategy = strategy.Mode(strings.ToLower(string(cfg.Strategy)))
	return cfg, nil
}

type ConfigError string

func (e ConfigError) Error() string {
	return string(e)
}

func (c *Config) Validate() error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return ConfigError("unknown log level " + c.LogLevel + ", choices are [DEBUG, INFO, WARN, ERROR]")
	}
	if !c.Strategy.Valid() {
		return ConfigError("JFR_AGENT_STRATEGY must be one of auto, modern or legacy")
	}
	if !c.AttachMode.Valid() {
		return ConfigError("JFR_AGENT_ATTACH_MODE must be startup or late")
	}
	if c.Bridge.ListenAddress == "" {
		return ConfigError("missing bridge listen address")
	}
	if c.Bridge.MaxPollTimeout <= 0 || c.Bridge.ResultTimeout <= 0 {
		return ConfigError("bridge timeouts must be positive")
	}
	if c.Bridge.QueueLength < 1 {
		return ConfigError("JFR_AGENT_BRIDGE_QUEUE_LENGTH must be at least 1")
	}
	if c.Bridge.ClassCacheSize < 1 {
		return ConfigError("JFR_AGENT_BRIDGE_CLASS_CACHE_SIZE must be at least 1")
	}
	if c.RewriteCacheSize < 0 {
		return ConfigError("JFR_AGENT_REWRITE_CACHE_SIZE can't be negative")
	}
	if c.InternalMetrics.Prometheus.Enabled() && !strings.HasPrefix(c.InternalMetrics.Prometheus.Path, "/") {
		return ConfigError("the internal metrics path must start with /")
	}
	if c.LegacyRegistrar == "" {
		return ConfigError("missing legacy event registrar class")
	}
	return nil
}
