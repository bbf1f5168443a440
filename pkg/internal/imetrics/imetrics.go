// Package imetrics supports recording and submission of internal metrics from the agent
package imetrics

import (
	"context"
	"time"
)

// Config options for the internal metrics exporters
type Config struct {
	Prometheus PrometheusConfig `yaml:"prometheus,omitempty"`
}

// Reporter of internal metrics
type Reporter interface {
	// Start the reporter
	Start(ctx context.Context)
	// ClassTransformed is invoked every time the load-time hook returns a rewritten class.
	ClassTransformed(strategy string, duration time.Duration)
	// TransformFailure is invoked every time a class could not be rewritten and was loaded unchanged.
	TransformFailure(duration time.Duration)
	// RewriteCacheHit is invoked when a class is served from the rewrite cache.
	RewriteCacheHit()
	// RetransformRequested accounts the classes whose retransformation is asked to the host.
	RetransformRequested(classes int)
	// RetransformMissing accounts the classes that the host could not find for retransformation.
	RetransformMissing(classes int)
	// SpecificationInstalled is invoked every time a specification is installed, merged or cleared.
	SpecificationInstalled(operation string)
	// InstrumentedClasses reports the number of classes with descriptors.
	InstrumentedClasses(classes int)
}

// NoopReporter is a metrics Reporter that just does nothing
type NoopReporter struct{}

func (n NoopReporter) Start(_ context.Context)                   {}
func (n NoopReporter) ClassTransformed(_ string, _ time.Duration) {}
func (n NoopReporter) TransformFailure(_ time.Duration)           {}
func (n NoopReporter) RewriteCacheHit()                           {}
func (n NoopReporter) RetransformRequested(_ int)                 {}
func (n NoopReporter) RetransformMissing(_ int)                   {}
func (n NoopReporter) SpecificationInstalled(_ string)            {}
func (n NoopReporter) InstrumentedClasses(_ int)                  {}
