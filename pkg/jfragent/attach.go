package jfragent

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/grafana/jfr-agent/pkg/internal/attach"
	"github.com/grafana/jfr-agent/pkg/internal/connector"
)

// AttachConfig tells how the agent shim is loaded into running JVMs.
type AttachConfig struct {
	// ShimJar is the path of the agent shim jar, as seen from the target process.
	ShimJar string
	// BridgeURL is the address of the engine the shim connects to.
	BridgeURL string
}

// AttachJVMs loads the agent shim into the JVM with the given process ID or, when pid is
// zero, into every Java process whose command line contains nameContains. It returns the
// processes the shim was loaded into, and joins the errors of the others.
func AttachJVMs(ctx context.Context, cfg AttachConfig, pid int32, nameContains string) ([]int32, error) {
	a := attach.New(attach.Config{ShimJar: cfg.ShimJar, BridgeURL: cfg.BridgeURL})
	pids := []int32{pid}
	if pid == 0 {
		targets, err := a.FindJVMs(ctx, nameContains)
		if err != nil {
			return nil, err
		}
		if len(targets) == 0 {
			return nil, fmt.Errorf("no JVM process matches %q", nameContains)
		}
		pids = pids[:0]
		for _, t := range targets {
			pids = append(pids, t.PID)
		}
	}
	var attached []int32
	var errs []error
	for _, pid := range pids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := a.Attach(pid); err != nil {
			errs = append(errs, fmt.Errorf("pid %d: %w", pid, err))
			continue
		}
		attached = append(attached, pid)
	}
	return attached, errors.Join(errs...)
}

// ServeProfiling serves the handlers registered in http.DefaultServeMux, such as the
// pprof ones, at the profile port until the context is cancelled. It returns immediately
// when the port is zero.
func ServeProfiling(ctx context.Context, cfg *Config) error {
	if cfg.ProfilePort == 0 {
		return nil
	}
	log().Info("starting PProf HTTP listener", "port", cfg.ProfilePort)
	return connector.ListenAndServe(ctx, "pprof", fmt.Sprintf(":%d", cfg.ProfilePort),
		http.DefaultServeMux, cfg.ShutdownTimeout)
}
