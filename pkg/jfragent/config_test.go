package jfragent

import (
	"bytes"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/jfr-agent/pkg/internal/imetrics"
	"github.com/grafana/jfr-agent/pkg/internal/probes"
	"github.com/grafana/jfr-agent/pkg/internal/strategy"
)

func TestConfig_Overrides(t *testing.T) {
	userConfig := bytes.NewBufferString(`
log_level: debug
strategy: Legacy
probes_path: ${PROBES_DIR:-/etc}/probes.xml
bridge:
  listen_address: 0.0.0.0:9999
  max_poll_timeout: 10s
internal_metrics:
  prometheus:
    port: 3030
rewrite_cache_size: 10
`)
	t.Setenv("PROBES_DIR", "/opt/jfr")
	t.Setenv("JFR_AGENT_ATTACH_MODE", "late")
	t.Setenv("JFR_AGENT_BRIDGE_QUEUE_LENGTH", "3")
	t.Setenv("JFR_AGENT_INTERNAL_METRICS_PROMETHEUS_PATH", "/internal/metrics")
	t.Setenv("JFR_AGENT_REWRITE_CACHE_SIZE", "0")

	cfg, err := LoadConfig(userConfig)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	def := DefaultConfig()
	assert.Equal(t, &Config{
		LogLevel:   "debug",
		Strategy:   strategy.ModeLegacy,
		ProbesPath: "/opt/jfr/probes.xml",
		AttachMode: AttachLate,
		Bridge: BridgeConfig{
			ListenAddress:  "0.0.0.0:9999",
			MaxPollTimeout: 10 * time.Second,
			ResultTimeout:  def.Bridge.ResultTimeout,
			QueueLength:    3,
			ClassCacheSize: def.Bridge.ClassCacheSize,
		},
		Control: def.Control,
		InternalMetrics: imetrics.Config{
			Prometheus: imetrics.PrometheusConfig{Port: 3030, Path: "/internal/metrics"},
		},
		RewriteCacheSize: 0,
		LegacyRegistrar:  def.LegacyRegistrar,
		ShutdownTimeout:  def.ShutdownTimeout,
	}, cfg)
}

func TestConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(nil)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfig_InvalidYAML(t *testing.T) {
	_, err := LoadConfig(bytes.NewBufferString("bridge: [1, 2"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	type testCase struct {
		name   string
		modify func(*Config)
	}
	for _, tc := range []testCase{
		{name: "log level", modify: func(c *Config) { c.LogLevel = "chatty" }},
		{name: "strategy", modify: func(c *Config) { c.Strategy = "jrockit" }},
		{name: "attach mode", modify: func(c *Config) { c.AttachMode = "sometimes" }},
		{name: "bridge address", modify: func(c *Config) { c.Bridge.ListenAddress = "" }},
		{name: "poll timeout", modify: func(c *Config) { c.Bridge.MaxPollTimeout = 0 }},
		{name: "queue length", modify: func(c *Config) { c.Bridge.QueueLength = 0 }},
		{name: "class cache size", modify: func(c *Config) { c.Bridge.ClassCacheSize = 0 }},
		{name: "cache size", modify: func(c *Config) { c.RewriteCacheSize = -1 }},
		{name: "metrics path", modify: func(c *Config) {
			c.InternalMetrics.Prometheus = imetrics.PrometheusConfig{Port: 3030, Path: "metrics"}
		}},
		{name: "legacy registrar", modify: func(c *Config) { c.LegacyRegistrar = "" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(cfg)
			err := cfg.Validate()
			var cerr ConfigError
			assert.True(t, errors.As(err, &cerr), "expected ConfigError, got %v", err)
		})
	}
}

func TestConfig_Example(t *testing.T) {
	t.Setenv("PROBES_PATH", "../../examples/probes.xml")
	f, err := os.Open("../../examples/jfr-agent.yml")
	require.NoError(t, err)
	defer f.Close()
	cfg, err := LoadConfig(f)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, AttachLate, cfg.AttachMode)
	assert.True(t, cfg.InternalMetrics.Prometheus.Enabled())

	spec, err := probes.ParseFile(cfg.ProbesPath)
	require.NoError(t, err)
	require.Len(t, spec.Descriptors, 1)
	assert.Equal(t, "http.request", spec.Descriptors[0].ID)
}
