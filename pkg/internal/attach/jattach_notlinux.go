//go:build !linux

package attach

import (
	"io"
	"log/slog"
)

func jattach(_ int, _ []string, _ *slog.Logger) (io.ReadCloser, error) {
	return nil, ErrNotSupported
}
