// Package bridge connects the engine with the agent shim running inside the JVM. The shim
// forwards class loads to the engine and performs the retransformations the engine asks
// for, polling them over HTTP.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/go-version"

	"github.com/grafana/jfr-agent/pkg/internal/hook"
	"github.com/grafana/jfr-agent/pkg/internal/host"
	"github.com/grafana/jfr-agent/pkg/internal/javaver"
)

func log() *slog.Logger {
	return slog.With("component", "bridge.Bridge")
}

// ErrNotConnected is returned when the shim did not say hello yet.
var ErrNotConnected = errors.New("the JVM agent shim is not connected")

// Transformer is the load-time hook run on each forwarded class.
type Transformer interface {
	Transform(className string, original []byte) hook.Result
}

type Config struct {
	// MaxPollTimeout caps the time a retransform poll waits for work.
	MaxPollTimeout time.Duration
	// ResultTimeout bounds the wait for the shim to report a requested retransformation.
	ResultTimeout time.Duration
	// QueueLength is the number of retransform requests that can wait for a poll.
	QueueLength int
	// ClassCacheSize is the number of forwarded classes kept to resolve the field
	// expressions that refer to them.
	ClassCacheSize int
}

var DefaultConfig = Config{
	MaxPollTimeout: 30 * time.Second,
	ResultTimeout:  time.Minute,
	QueueLength:    64,
	ClassCacheSize: 1024,
}

// Capabilities are announced by the shim when it connects.
type Capabilities struct {
	JVMVersion string `json:"jvm_version"`
	// Classes that the JVM can load, from the set probed by the engine.
	Classes []string `json:"classes"`
}

type retransformRequest struct {
	ID      uint64   `json:"id"`
	Classes []string `json:"classes"`

	done chan retransformResult
}

type retransformResult struct {
	ID      uint64   `json:"id"`
	Missing []string `json:"missing"`
	Error   string   `json:"error,omitempty"`
}

// Bridge is the host.Host of the engine when it serves a JVM.
type Bridge struct {
	cfg         Config
	transformer Transformer

	mt        sync.Mutex
	jvm       *version.Version
	classes   map[string]struct{}
	ready     chan struct{}
	connected bool
	nextID    uint64
	inflight  map[uint64]*retransformRequest

	queue chan *retransformRequest

	// classes recently forwarded by the shim
	forwarded *lru.Cache[string, []byte]
}

var _ host.Host = (*Bridge)(nil)

func New(cfg Config, t Transformer) *Bridge {
	if cfg.MaxPollTimeout <= 0 {
		cfg.MaxPollTimeout = DefaultConfig.MaxPollTimeout
	}
	if cfg.ResultTimeout <= 0 {
		cfg.ResultTimeout = DefaultConfig.ResultTimeout
	}
	if cfg.QueueLength <= 0 {
		cfg.QueueLength = DefaultConfig.QueueLength
	}
	if cfg.ClassCacheSize <= 0 {
		cfg.ClassCacheSize = DefaultConfig.ClassCacheSize
	}
	// only fails for a non-positive size
	forwarded, _ := lru.New[string, []byte](cfg.ClassCacheSize)
	return &Bridge{
		cfg:         cfg,
		transformer: t,
		classes:     map[string]struct{}{},
		ready:       make(chan struct{}),
		inflight:    map[uint64]*retransformRequest{},
		queue:       make(chan *retransformRequest, cfg.QueueLength),
		forwarded:   forwarded,
	}
}

// Hello registers the capabilities of a connecting shim. A reconnecting shim replaces
// the capabilities of the previous one.
func (b *Bridge) Hello(c Capabilities) error {
	v, err := javaver.Check(c.JVMVersion)
	if err != nil {
		return fmt.Errorf("rejecting JVM agent shim: %w", err)
	}
	classes := make(map[string]struct{}, len(c.Classes))
	for _, name := range c.Classes {
		classes[name] = struct{}{}
	}
	b.mt.Lock()
	defer b.mt.Unlock()
	b.jvm, b.classes = v, classes
	if !b.connected {
		b.connected = true
		close(b.ready)
	}
	log().Info("JVM agent shim connected", "jvmVersion", v, "classes", len(classes))
	return nil
}

// Ready is closed when the first shim connects.
func (b *Bridge) Ready() <-chan struct{} {
	return b.ready
}

// JVMVersion returns the version of the connected JVM, or nil.
func (b *Bridge) JVMVersion() *version.Version {
	b.mt.Lock()
	defer b.mt.Unlock()
	return b.jvm
}

// HasClass answers from the classes announced by the shim.
func (b *Bridge) HasClass(name string) bool {
	b.mt.Lock()
	defer b.mt.Unlock()
	_, ok := b.classes[name]
	return ok
}

// Transform runs the hook on a class forwarded by the shim.
func (b *Bridge) Transform(className string, original []byte) (hook.Result, error) {
	b.mt.Lock()
	connected := b.connected
	b.mt.Unlock()
	if !connected {
		return hook.Result{}, ErrNotConnected
	}
	b.forwarded.Add(className, original)
	return b.transformer.Transform(className, original), nil
}

// Class returns the original bytes of a class recently forwarded by the shim.
func (b *Bridge) Class(name string) ([]byte, error) {
	if data, ok := b.forwarded.Get(name); ok {
		return data, nil
	}
	return nil, fmt.Errorf("%s: %w", name, host.ErrClassNotFound)
}

// Retransform queues the classes for the shim and waits for it to report the result.
func (b *Bridge) Retransform(ctx context.Context, classNames []string) ([]string, error) {
	b.mt.Lock()
	if !b.connected {
		b.mt.Unlock()
		return nil, ErrNotConnected
	}
	b.nextID++
	req := &retransformRequest{ID: b.nextID, Classes: classNames, done: make(chan retransformResult, 1)}
	b.inflight[req.ID] = req
	b.mt.Unlock()
	defer b.forget(req.ID)

	ctx, cancel := context.WithTimeout(ctx, b.cfg.ResultTimeout)
	defer cancel()
	select {
	case b.queue <- req:
	case <-ctx.Done():
		return nil, fmt.Errorf("queueing retransform request: %w", ctx.Err())
	}
	select {
	case res := <-req.done:
		if res.Error != "" {
			return res.Missing, fmt.Errorf("JVM agent shim: %s", res.Error)
		}
		return res.Missing, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for retransform request %d: %w", req.ID, ctx.Err())
	}
}

func (b *Bridge) forget(id uint64) {
	b.mt.Lock()
	delete(b.inflight, id)
	b.mt.Unlock()
}

// poll returns the next retransform request that is still awaited, or nil when the
// context ends first.
func (b *Bridge) poll(ctx context.Context) *retransformRequest {
	for {
		select {
		case req := <-b.queue:
			b.mt.Lock()
			_, waiting := b.inflight[req.ID]
			b.mt.Unlock()
			if waiting {
				return req
			}
			log().Debug("discarding abandoned retransform request", "id", req.ID)
		case <-ctx.Done():
			return nil
		}
	}
}

// complete delivers the result reported by the shim. It returns false for requests
// that are no longer awaited.
func (b *Bridge) complete(res retransformResult) bool {
	b.mt.Lock()
	req, ok := b.inflight[res.ID]
	delete(b.inflight, res.ID)
	b.mt.Unlock()
	if ok {
		req.done <- res
	}
	return ok
}
