// Package strategy detects which of the two event APIs the host runtime provides.
package strategy

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

func log() *slog.Logger {
	return slog.With("component", "strategy.Selector")
}

// Strategy identifies the event API the generated code targets.
type Strategy int

const (
	// Unavailable means that no supported event API exists in the host.
	Unavailable Strategy = iota
	// Modern targets jdk.jfr.Event.
	Modern
	// Legacy targets the com.oracle.jrockit.jfr API.
	Legacy
)

// Classes probed to detect each strategy.
const (
	ModernProbeClass = "jdk/jfr/Event"
	LegacyProbeClass = "com/oracle/jrockit/jfr/InstantEvent"
)

func (s Strategy) String() string {
	switch s {
	case Modern:
		return "modern"
	case Legacy:
		return "legacy"
	}
	return "unavailable"
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Mode is the user-facing strategy choice.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeModern Mode = "modern"
	ModeLegacy Mode = "legacy"
)

// Valid tells whether the mode is one of the supported values.
func (m Mode) Valid() bool {
	switch Mode(strings.ToLower(string(m))) {
	case ModeAuto, ModeModern, ModeLegacy, "":
		return true
	}
	return false
}

// ClassProber answers whether the host runtime can load a class.
type ClassProber interface {
	HasClass(internalName string) bool
}

// ProberFunc adapts a function to the ClassProber interface.
type ProberFunc func(string) bool

func (f ProberFunc) HasClass(name string) bool { return f(name) }

// Selector detects the strategy once and returns the latched result afterwards.
type Selector struct {
	mode   Mode
	prober ClassProber

	once     sync.Once
	detected Strategy
	latched  atomic.Bool
}

// NewSelector creates a selector. A mode other than auto bypasses probing.
func NewSelector(mode Mode, prober ClassProber) (*Selector, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown codegen strategy %q", mode)
	}
	return &Selector{mode: Mode(strings.ToLower(string(mode))), prober: prober}, nil
}

// Fixed returns a selector that always yields s.
func Fixed(s Strategy) *Selector {
	sel := &Selector{mode: ModeAuto, detected: s}
	sel.once.Do(func() {})
	sel.latched.Store(true)
	return sel
}

// Detect returns the strategy. The first invocation probes the host, and its result is
// kept for the lifetime of the process.
func (s *Selector) Detect() Strategy {
	s.once.Do(func() {
		s.detected = s.probe()
		s.latched.Store(true)
		log().Info("selected event codegen strategy", "strategy", s.detected, "mode", s.mode)
	})
	return s.detected
}

// Detected returns the latched strategy without probing. The boolean is false while
// Detect has not run yet.
func (s *Selector) Detected() (Strategy, bool) {
	if !s.latched.Load() {
		return Unavailable, false
	}
	return s.detected, true
}

func (s *Selector) probe() Strategy {
	switch s.mode {
	case ModeModern:
		return Modern
	case ModeLegacy:
		return Legacy
	}
	if s.prober == nil {
		return Unavailable
	}
	if s.prober.HasClass(ModernProbeClass) {
		return Modern
	}
	if s.prober.HasClass(LegacyProbeClass) {
		return Legacy
	}
	log().Error("no flight recorder event API found in the host runtime: instrumentation is disabled",
		"probed", []string{ModernProbeClass, LegacyProbeClass})
	return Unavailable
}
