// Package control implements the management operations of the agent, and exposes them
// through an HTTP API.
package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/common/version"

	"github.com/grafana/jfr-agent/pkg/internal/descriptor"
	"github.com/grafana/jfr-agent/pkg/internal/hook"
	"github.com/grafana/jfr-agent/pkg/internal/imetrics"
	"github.com/grafana/jfr-agent/pkg/internal/probes"
	"github.com/grafana/jfr-agent/pkg/internal/registry"
	"github.com/grafana/jfr-agent/pkg/internal/strategy"
)

func log() *slog.Logger {
	return slog.With("component", "control.Controller")
}

// Change reports the classes affected by a management operation, and the result of
// their retransformation.
type Change struct {
	Changed          []string `json:"changed"`
	Missing          []string `json:"missing,omitempty"`
	RetransformError string   `json:"retransform_error,omitempty"`
}

// DescriptorStatus is the management view of an installed descriptor.
type DescriptorStatus struct {
	ID          string                     `json:"id"`
	Method      descriptor.MethodSignature `json:"method"`
	EventClass  string                     `json:"event_class"`
	Parameters  []descriptor.Parameter     `json:"parameters,omitempty"`
	ReturnValue *descriptor.ReturnValue    `json:"return_value,omitempty"`
	Fields      []descriptor.Field         `json:"fields,omitempty"`
	Attributes  map[string]string          `json:"attributes,omitempty"`
	Pending     bool                       `json:"pending"`
}

// Status summarizes the state of the engine.
type Status struct {
	// Strategy is "undetected" until the first class with descriptors is transformed.
	Strategy            string `json:"strategy"`
	Revert              bool   `json:"revert"`
	Generation          uint64 `json:"generation"`
	InstrumentedClasses int    `json:"instrumented_classes"`
	PendingClasses      int    `json:"pending_classes"`
	Version             string `json:"version"`
	Revision            string `json:"revision"`
}

// Controller maps the management operations to the registry, and retransforms the
// classes affected by each change.
type Controller struct {
	registry      *registry.Registry
	retransformer *hook.Retransformer
	selector      *strategy.Selector
	metrics       imetrics.Reporter
}

func NewController(reg *registry.Registry, rt *hook.Retransformer, sel *strategy.Selector, metrics imetrics.Reporter) *Controller {
	if metrics == nil {
		metrics = imetrics.NoopReporter{}
	}
	return &Controller{registry: reg, retransformer: rt, selector: sel, metrics: metrics}
}

// Specification returns the text of the last installed specification.
func (c *Controller) Specification() string {
	return c.registry.Specification().Raw
}

// Install replaces the specification. An invalid specification leaves the installed one
// untouched.
func (c *Controller) Install(ctx context.Context, raw []byte) (Change, error) {
	spec, err := probes.Parse(raw)
	if err != nil {
		return Change{}, err
	}
	return c.changed(ctx, "replace", c.registry.Replace(spec)), nil
}

// Merge adds the events of a specification to the installed ones.
func (c *Controller) Merge(ctx context.Context, raw []byte) (Change, error) {
	spec, err := probes.Parse(raw)
	if err != nil {
		return Change{}, err
	}
	return c.changed(ctx, "merge", c.registry.Merge(spec)), nil
}

// ClearAll removes every descriptor, restoring the original classes.
func (c *Controller) ClearAll(ctx context.Context) Change {
	return c.changed(ctx, "clear", c.registry.ClearAll())
}

// ClearClass removes the descriptors of a class. It returns false if there were none.
func (c *Controller) ClearClass(ctx context.Context, className string) (Change, bool) {
	if !c.registry.ClearClass(className) {
		return Change{}, false
	}
	return c.changed(ctx, "clear_class", []string{className}), true
}

func (c *Controller) changed(ctx context.Context, operation string, classes []string) Change {
	c.metrics.SpecificationInstalled(operation)
	c.metrics.InstrumentedClasses(len(c.registry.Classes()))
	log().Info("specification changed", "operation", operation, "changed", len(classes))
	ch := Change{Changed: classes}
	if ch.Changed == nil {
		ch.Changed = []string{}
	}
	c.retransform(ctx, &ch, classes)
	return ch
}

func (c *Controller) retransform(ctx context.Context, ch *Change, classes []string) {
	if c.retransformer == nil || len(classes) == 0 {
		return
	}
	missing, err := c.retransformer.Retransform(ctx, classes)
	ch.Missing = missing
	if err != nil {
		log().Error("can't retransform classes", "error", err)
		ch.RetransformError = err.Error()
	}
}

// SetRevert toggles the instrumentation of the classes loaded from now on.
func (c *Controller) SetRevert(revert bool) {
	c.registry.SetRevert(revert)
}

func (c *Controller) Revert() bool {
	return c.registry.IsRevert()
}

// Retransform the named classes, or every instrumented class when none is named.
func (c *Controller) Retransform(ctx context.Context, classNames []string) (Change, error) {
	if len(classNames) == 0 {
		classNames = c.registry.Classes()
	}
	ch := Change{Changed: classNames}
	if c.retransformer == nil {
		return ch, fmt.Errorf("retransformation is not supported by the host")
	}
	c.retransform(ctx, &ch, classNames)
	return ch, nil
}

// Classes returns the names of the classes with descriptors.
func (c *Controller) Classes() []string {
	return c.registry.Classes()
}

// Descriptors returns the descriptors of a class, or nil.
func (c *Controller) Descriptors(className string) []DescriptorStatus {
	descs := c.registry.Lookup(className)
	if descs == nil {
		return nil
	}
	out := make([]DescriptorStatus, 0, len(descs))
	for _, d := range descs {
		out = append(out, DescriptorStatus{
			ID:          d.ID,
			Method:      d.Method,
			EventClass:  d.EventClassName(),
			Parameters:  d.Parameters,
			ReturnValue: d.ReturnValue,
			Fields:      d.Fields,
			Attributes:  d.Attributes,
			Pending:     d.Pending(),
		})
	}
	return out
}

func (c *Controller) Status() Status {
	st := "undetected"
	if s, ok := c.selector.Detected(); ok {
		st = s.String()
	}
	return Status{
		Strategy:            st,
		Revert:              c.registry.IsRevert(),
		Generation:          c.registry.Generation(),
		InstrumentedClasses: len(c.registry.Classes()),
		PendingClasses:      len(c.registry.PendingClasses()),
		Version:             version.Version,
		Revision:            version.Revision,
	}
}
