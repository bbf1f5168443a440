// Package hook provides the load-time hook that the host runs on every class it loads or
// retransforms, and the retransformation of already loaded classes.
package hook

import (
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/xxh3"

	"github.com/grafana/jfr-agent/pkg/internal/imetrics"
	"github.com/grafana/jfr-agent/pkg/internal/registry"
	"github.com/grafana/jfr-agent/pkg/internal/rewrite"
	"github.com/grafana/jfr-agent/pkg/internal/strategy"
)

func tlog() *slog.Logger {
	return slog.With("component", "hook.Transformer")
}

const unavailableLogSize = 4096

// Result of a hook invocation. Bytes is the original input when Modified is false.
type Result struct {
	Bytes        []byte
	Modified     bool
	EventClasses []rewrite.EventClass
}

type cacheKey struct {
	className  string
	generation uint64
	strategy   strategy.Strategy
	hash       uint64
}

// Transformer is the load-time hook. It is safe for concurrent use, and never panics
// nor fails: any problem degrades to loading the original class.
type Transformer struct {
	registry *registry.Registry
	selector *strategy.Selector
	rewriter *rewrite.Rewriter
	metrics  imetrics.Reporter

	// nil when caching is disabled
	outcomes    *lru.Cache[cacheKey, *rewrite.Outcome]
	unavailable *lru.Cache[string, struct{}]
}

// TransformerConfig of the load-time hook.
type TransformerConfig struct {
	// CacheSize is the number of rewrite outcomes kept, so that classes loaded again by
	// other class loaders are not rewritten twice. Zero disables the cache.
	CacheSize int
	Rewrite   rewrite.Options
}

func NewTransformer(cfg TransformerConfig, reg *registry.Registry, sel *strategy.Selector, metrics imetrics.Reporter) (*Transformer, error) {
	if metrics == nil {
		metrics = imetrics.NoopReporter{}
	}
	t := &Transformer{
		registry: reg,
		selector: sel,
		rewriter: rewrite.New(cfg.Rewrite),
		metrics:  metrics,
	}
	var err error
	if cfg.CacheSize > 0 {
		if t.outcomes, err = lru.New[cacheKey, *rewrite.Outcome](cfg.CacheSize); err != nil {
			return nil, fmt.Errorf("creating rewrite cache: %w", err)
		}
	}
	if t.unavailable, err = lru.New[string, struct{}](unavailableLogSize); err != nil {
		return nil, fmt.Errorf("creating log cache: %w", err)
	}
	return t, nil
}

// Transform returns the bytes the host must load for the class. Classes without
// descriptors return immediately without allocating.
func (t *Transformer) Transform(className string, original []byte) Result {
	descs := t.registry.Lookup(className)
	if len(descs) == 0 || t.registry.IsRevert() {
		return Result{Bytes: original}
	}
	return t.transform(className, original)
}

func (t *Transformer) transform(className string, original []byte) (res Result) {
	res = Result{Bytes: original}
	defer func() {
		if p := recover(); p != nil {
			tlog().Error("unexpected panic in the load-time hook, loading the original class",
				"class", className, "panic", p)
			res = Result{Bytes: original}
		}
	}()

	s := t.selector.Detect()
	if s == strategy.Unavailable {
		if seen, _ := t.unavailable.ContainsOrAdd(className, struct{}{}); !seen {
			tlog().Error("can't instrument class: no flight recorder event API available", "class", className)
		}
		return res
	}

	// the descriptors are looked up again together with their generation, so that a
	// cached outcome always matches the descriptors it was rewritten with
	descs, generation := t.registry.LookupGeneration(className)
	if len(descs) == 0 {
		return res
	}
	var key cacheKey
	if t.outcomes != nil {
		key = cacheKey{className: className, generation: generation, strategy: s, hash: xxh3.Hash(original)}
		if out, ok := t.outcomes.Get(key); ok {
			t.metrics.RewriteCacheHit()
			return t.result(out, original)
		}
	}

	start := time.Now()
	out := t.rewriter.Rewrite(original, descs, s)
	elapsed := time.Since(start)
	if f := out.Failure; f != nil {
		t.metrics.TransformFailure(elapsed)
		tlog().Error("can't instrument class, loading the original one",
			"class", className, "id", f.DescriptorID, "method", f.Method.String(), "error", f.Cause)
		tlog().Debug("rewrite failure details", "class", className, "trace", fmt.Sprintf("%+v", f.Cause))
	} else if out.Modified() {
		t.metrics.ClassTransformed(s.String(), elapsed)
		tlog().Debug("class instrumented", "class", className, "applied", len(out.Applied),
			"strategy", s, "duration", elapsed)
	}
	if t.outcomes != nil {
		t.outcomes.Add(key, out)
	}
	return t.result(out, original)
}

func (t *Transformer) result(out *rewrite.Outcome, original []byte) Result {
	if out.Failure != nil || !out.Modified() {
		return Result{Bytes: original}
	}
	for _, d := range out.Applied {
		t.registry.MarkApplied(d)
	}
	return Result{Bytes: out.Bytes(), Modified: true, EventClasses: out.EventClasses}
}
