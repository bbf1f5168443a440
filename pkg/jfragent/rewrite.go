package jfragent

import (
	"context"
	"fmt"

	"github.com/grafana/jfr-agent/pkg/internal/hook"
	"github.com/grafana/jfr-agent/pkg/internal/host/archive"
	"github.com/grafana/jfr-agent/pkg/internal/probes"
	"github.com/grafana/jfr-agent/pkg/internal/registry"
	"github.com/grafana/jfr-agent/pkg/internal/rewrite"
	"github.com/grafana/jfr-agent/pkg/internal/strategy"
)

const (
	// DefaultRewriteStrategy is the event API targeted by ahead-of-time rewrites, since
	// there is no JVM to inspect.
	DefaultRewriteStrategy = string(strategy.ModeModern)
	// DefaultLegacyRegistrar is the shim class that registers legacy event classes.
	DefaultLegacyRegistrar = rewrite.DefaultLegacyRegistrar
)

// RewriteConfig of an ahead-of-time rewrite.
type RewriteConfig struct {
	// SpecPath is the event specification file, in XML or YAML.
	SpecPath string
	// Input jar file or directory of classes.
	Input string
	// Output jar file (when it ends with .jar or .zip) or directory.
	Output string
	// Strategy is the event API of the target JVM: modern or legacy.
	Strategy string
	// LegacyRegistrar defaults to DefaultLegacyRegistrar.
	LegacyRegistrar string
}

// RewriteResult summarizes an ahead-of-time rewrite.
type RewriteResult struct {
	// Modified is the number of rewritten classes.
	Modified int
	// Classes is the number of classes of the input.
	Classes int
	// Pending holds the classes whose descriptors could not be applied.
	Pending []string
}

// Rewrite applies an event specification to every class of an archive, and writes the
// rewritten classes together with the generated event classes. Field expressions can
// refer to any class of the archive.
func Rewrite(ctx context.Context, cfg RewriteConfig) (*RewriteResult, error) {
	spec, err := probes.ParseFile(cfg.SpecPath)
	if err != nil {
		return nil, err
	}
	if cfg.Strategy == "" {
		cfg.Strategy = DefaultRewriteStrategy
	}
	if cfg.LegacyRegistrar == "" {
		cfg.LegacyRegistrar = DefaultLegacyRegistrar
	}
	reg := registry.New()
	reg.Replace(spec)

	// the archive is read once the hook exists, and before any class goes through it
	var h *archive.Host
	sel, err := strategy.NewSelector(strategy.Mode(cfg.Strategy), strategy.ProberFunc(func(name string) bool {
		return h.HasClass(name)
	}))
	if err != nil {
		return nil, err
	}
	tr, err := hook.NewTransformer(hook.TransformerConfig{
		Rewrite: rewrite.Options{
			LegacyRegistrar: cfg.LegacyRegistrar,
			Classes:         rewrite.ClassSourceFunc(func(name string) ([]byte, error) { return h.Class(name) }),
		},
	}, reg, sel, nil)
	if err != nil {
		return nil, err
	}
	if h, err = archive.Open(cfg.Input, tr); err != nil {
		return nil, err
	}
	modified, err := h.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	res := &RewriteResult{Modified: modified, Classes: len(h.Classes()), Pending: reg.PendingClasses()}
	for _, class := range res.Pending {
		log().Warn("some descriptors were not applied", "class", class)
	}
	if err := h.Write(cfg.Output); err != nil {
		return nil, fmt.Errorf("writing %s: %w", cfg.Output, err)
	}
	return res, nil
}

// EventSummary describes an event of an event specification.
type EventSummary struct {
	ID         string
	Method     string
	EventClass string
}

// SpecSummary describes a valid event specification.
type SpecSummary struct {
	Events []EventSummary
	// Classes is the number of instrumented classes.
	Classes int
}

// Validate parses an event specification file, in XML or YAML.
func Validate(path string) (*SpecSummary, error) {
	spec, err := probes.ParseFile(path)
	if err != nil {
		return nil, err
	}
	sum := &SpecSummary{Classes: len(spec.ByClass())}
	for _, d := range spec.Descriptors {
		sum.Events = append(sum.Events, EventSummary{ID: d.ID, Method: d.Method.String(), EventClass: d.EventClassName()})
	}
	return sum, nil
}
