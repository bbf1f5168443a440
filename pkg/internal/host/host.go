// Package host defines what the engine needs from the runtime whose classes it rewrites.
package host

import (
	"context"
	"errors"
)

// ErrClassNotFound is returned when the host has no loaded class with the requested name.
var ErrClassNotFound = errors.New("class not found")

// Host is the runtime whose classes are instrumented.
type Host interface {
	// HasClass tells whether the host can load the class with the given internal name.
	HasClass(internalName string) bool
	// Retransform asks the host to run the load-time hook again on the named loaded
	// classes. Names that are not loaded are returned as missing, and do not make the
	// whole request fail.
	Retransform(ctx context.Context, classNames []string) (missing []string, err error)
}
