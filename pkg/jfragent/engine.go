// Package jfragent provides public access to the instrumentation engine as a library. All
// the other subcomponents are hidden.
package jfragent

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/grafana/jfr-agent/pkg/internal/bridge"
	"github.com/grafana/jfr-agent/pkg/internal/connector"
	"github.com/grafana/jfr-agent/pkg/internal/control"
	"github.com/grafana/jfr-agent/pkg/internal/hook"
	"github.com/grafana/jfr-agent/pkg/internal/imetrics"
	"github.com/grafana/jfr-agent/pkg/internal/probes"
	"github.com/grafana/jfr-agent/pkg/internal/registry"
	"github.com/grafana/jfr-agent/pkg/internal/rewrite"
	"github.com/grafana/jfr-agent/pkg/internal/strategy"
)

func log() *slog.Logger {
	return slog.With("component", "jfragent.Engine")
}

// Engine owns the instrumentation registry, and serves the JVM agent shim and the
// management API.
type Engine struct {
	cfg        *Config
	registry   *registry.Registry
	bridge     *bridge.Bridge
	controller *control.Controller
	metrics    imetrics.Reporter

	listening   chan struct{}
	bridgeAddr  string
	controlAddr string
}

// New wires the components of the engine. Nothing runs until Start is invoked.
func New(cfg *Config) (*Engine, error) {
	e := &Engine{cfg: cfg, registry: registry.New(), listening: make(chan struct{})}
	if cfg.InternalMetrics.Prometheus.Enabled() {
		e.metrics = imetrics.NewPrometheusReporter(&cfg.InternalMetrics.Prometheus, &connector.PrometheusManager{})
	} else {
		e.metrics = imetrics.NoopReporter{}
	}
	// the JVM capabilities are known once the shim connects, which happens before the
	// first class is forwarded
	var b *bridge.Bridge
	sel, err := strategy.NewSelector(cfg.Strategy, strategy.ProberFunc(func(name string) bool {
		return b.HasClass(name)
	}))
	if err != nil {
		return nil, fmt.Errorf("creating strategy selector: %w", err)
	}
	tr, err := hook.NewTransformer(hook.TransformerConfig{
		CacheSize: cfg.RewriteCacheSize,
		Rewrite: rewrite.Options{
			LegacyRegistrar: cfg.LegacyRegistrar,
			Classes: rewrite.ClassSourceFunc(func(name string) ([]byte, error) {
				return b.Class(name)
			}),
		},
	}, e.registry, sel, e.metrics)
	if err != nil {
		return nil, err
	}
	b = bridge.New(cfg.Bridge.bridgeConfig(), tr)
	e.bridge = b
	e.controller = control.NewController(e.registry, hook.NewRetransformer(b, e.metrics), sel, e.metrics)
	return e, nil
}

// Controller gives access to the management operations.
func (e *Engine) Controller() *control.Controller {
	return e.controller
}

// Listening is closed when the servers of the engine accept connections.
func (e *Engine) Listening() <-chan struct{} {
	return e.listening
}

// BridgeAddr returns the address of the shim API, once Listening is closed.
func (e *Engine) BridgeAddr() string {
	return e.bridgeAddr
}

// ControlAddr returns the address of the management API, once Listening is closed. It is
// empty when the API is disabled.
func (e *Engine) ControlAddr() string {
	return e.controlAddr
}

// Start installs the probes of the configuration and serves until the context is
// cancelled or a server fails. With AttachLate, the classes with pending descriptors are
// retransformed as soon as the shim connects.
func (e *Engine) Start(ctx context.Context, mode AttachMode) error {
	if e.cfg.ProbesPath != "" {
		spec, err := probes.ParseFile(e.cfg.ProbesPath)
		if err != nil {
			return err
		}
		// no class is loaded yet through this engine, so nothing to retransform
		changed := e.registry.Replace(spec)
		e.metrics.SpecificationInstalled("replace")
		e.metrics.InstrumentedClasses(len(changed))
		log().Info("installed probe specification", "path", e.cfg.ProbesPath,
			"events", len(spec.Descriptors), "classes", len(changed))
	}

	bl, err := net.Listen("tcp", e.cfg.Bridge.ListenAddress)
	if err != nil {
		return fmt.Errorf("bridge server: %w", err)
	}
	e.bridgeAddr = bl.Addr().String()
	var cl net.Listener
	if e.cfg.Control.ListenAddress != "" {
		if cl, err = net.Listen("tcp", e.cfg.Control.ListenAddress); err != nil {
			bl.Close()
			return fmt.Errorf("control server: %w", err)
		}
		e.controlAddr = cl.Addr().String()
	}
	close(e.listening)

	e.metrics.Start(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return connector.Serve(gctx, "bridge", bl, e.bridge.Handler(), e.cfg.ShutdownTimeout)
	})
	if cl != nil {
		g.Go(func() error {
			return connector.Serve(gctx, "control", cl, control.Handler(e.controller), e.cfg.ShutdownTimeout)
		})
	}
	g.Go(func() error {
		e.onConnect(gctx, mode)
		return nil
	})
	log().Info("engine started", "bridge", e.bridgeAddr, "control", e.controlAddr, "attachMode", mode)
	return g.Wait()
}

func (e *Engine) onConnect(ctx context.Context, mode AttachMode) {
	select {
	case <-ctx.Done():
		return
	case <-e.bridge.Ready():
	}
	if mode != AttachLate {
		return
	}
	pending := e.registry.PendingClasses()
	if len(pending) == 0 {
		return
	}
	log().Info("retransforming already loaded classes", "classes", len(pending))
	ch, err := e.controller.Retransform(ctx, pending)
	if err != nil {
		log().Error("can't retransform loaded classes", "error", err)
		return
	}
	if ch.RetransformError != "" {
		log().Warn("loaded classes were not retransformed", "error", ch.RetransformError)
	}
}
