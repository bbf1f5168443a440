package hook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/grafana/jfr-agent/pkg/internal/host"
	"github.com/grafana/jfr-agent/pkg/internal/imetrics"
)

func rlog() *slog.Logger {
	return slog.With("component", "hook.Retransformer")
}

// Retransformer asks the host to run the hook again on classes it already loaded, so
// that specification changes apply to them. It blocks on the host, so it must not be
// invoked from the load-time hook.
type Retransformer struct {
	host    host.Host
	metrics imetrics.Reporter
}

func NewRetransformer(h host.Host, metrics imetrics.Reporter) *Retransformer {
	if metrics == nil {
		metrics = imetrics.NoopReporter{}
	}
	return &Retransformer{host: h, metrics: metrics}
}

// Retransform the named classes. Classes the host can not find are logged and skipped;
// the returned slice holds their names.
func (r *Retransformer) Retransform(ctx context.Context, classNames []string) ([]string, error) {
	if len(classNames) == 0 {
		return nil, nil
	}
	r.metrics.RetransformRequested(len(classNames))
	rlog().Debug("retransforming classes", "classes", classNames)
	missing, err := r.host.Retransform(ctx, classNames)
	for _, name := range missing {
		rlog().Error("can't find loaded class to retransform, skipping it", "class", name)
	}
	r.metrics.RetransformMissing(len(missing))
	if err != nil {
		return missing, fmt.Errorf("retransforming %d classes: %w", len(classNames), err)
	}
	return missing, nil
}
