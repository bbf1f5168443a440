// Package connector runs the HTTP servers of the agent: the Prometheus scrape endpoints,
// shared between metric sources, and the servers of the engine APIs.
package connector

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func pmlog() *slog.Logger {
	return slog.With("component", "connector.PrometheusManager")
}

// PrometheusManager groups the collectors of the agent by scrape endpoint. Endpoints
// registered on the same port share a server.
type PrometheusManager struct {
	started atomic.Bool

	mt sync.Mutex
	// registry of each path, per port
	endpoints map[int]map[string]*prometheus.Registry
}

// Register collectors to be exposed at the given port and path.
func (pm *PrometheusManager) Register(port int, path string, collectors ...prometheus.Collector) {
	pmlog().Debug("registering collectors", "collectors", len(collectors), "port", port, "path", path)
	pm.mt.Lock()
	defer pm.mt.Unlock()
	if pm.endpoints == nil {
		pm.endpoints = map[int]map[string]*prometheus.Registry{}
	}
	if pm.endpoints[port] == nil {
		pm.endpoints[port] = map[string]*prometheus.Registry{}
	}
	reg := pm.endpoints[port][path]
	if reg == nil {
		reg = prometheus.NewRegistry()
		pm.endpoints[port][path] = reg
	}
	reg.MustRegister(collectors...)
}

// Handler serves every path registered at a port. Unknown paths return 404.
func (pm *PrometheusManager) Handler(port int) http.Handler {
	pm.mt.Lock()
	defer pm.mt.Unlock()
	log := pmlog().With("port", port)
	debug := log.Enabled(context.Background(), slog.LevelDebug)
	mux := http.NewServeMux()
	for path, reg := range pm.endpoints[port] {
		var h http.Handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
		if debug {
			h = logScrapes(log, h)
		}
		mux.Handle(path, h)
	}
	return mux
}

// StartHTTP serves the registered endpoints in background until the context is cancelled.
// Only the first invocation has effect, so it must be invoked after every source has
// registered its collectors.
func (pm *PrometheusManager) StartHTTP(ctx context.Context) {
	if pm.started.Swap(true) {
		return
	}
	pm.mt.Lock()
	ports := make([]int, 0, len(pm.endpoints))
	for port := range pm.endpoints {
		ports = append(ports, port)
	}
	pm.mt.Unlock()
	sort.Ints(ports)
	for _, port := range ports {
		handler := pm.Handler(port)
		go func() {
			pmlog().Info("opening Prometheus scrape endpoint", "port", port)
			if err := ListenAndServe(ctx, "metrics", fmt.Sprintf(":%d", port), handler, 0); err != nil {
				pmlog().Error("Prometheus scrape endpoint stopped", "port", port, "error", err)
			}
		}()
	}
}

func logScrapes(log *slog.Logger, h http.Handler) http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		log.Debug("received metrics request", "uri", req.RequestURI, "remoteAddr", req.RemoteAddr)
		h.ServeHTTP(rw, req)
	}
}
