package attach

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"github.com/grafana/jvmtools/jvm"
)

// jattach runs a single attach command. The attacher switches the namespaces and the
// credentials of the calling thread, so the goroutine stays on it until they are restored.
func jattach(pid int, argv []string, logger *slog.Logger) (io.ReadCloser, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	attacher := jvm.NewJAttacher(logger)
	attacher.Init()
	defer func() {
		if err := attacher.Cleanup(); err != nil {
			logger.Warn("error on JVM attach cleanup", "error", err)
		}
	}()

	out, err := attacher.Attach(pid, argv, false)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	defer out.Close()
	// the response is read before leaving the namespaces of the target
	data, err := io.ReadAll(out)
	if err != nil {
		return nil, fmt.Errorf("reading JVM response: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
