// Package rewrite injects flight recorder event emission into the methods of a class file.
package rewrite

import (
	"fmt"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/grafana/jfr-agent/pkg/internal/classfile"
	"github.com/grafana/jfr-agent/pkg/internal/descriptor"
	"github.com/grafana/jfr-agent/pkg/internal/strategy"
)

func log() *slog.Logger {
	return slog.With("component", "rewrite.Rewriter")
}

// ErrUnavailable is the cause of the failures returned when no event API can be targeted.
var ErrUnavailable = errors.New("no flight recorder event API available")

// Options of the Rewriter.
type Options struct {
	// LegacyRegistrar is the class whose static register(Class) method returns the
	// EventToken of legacy event classes. Defaults to DefaultLegacyRegistrar.
	LegacyRegistrar string
	// Classes resolves the classes named by field expressions, other than the instrumented
	// one. When nil, expressions can only refer to the instrumented class.
	Classes ClassSource
}

// EventClass is a synthesized event class that must be defined next to the rewritten class.
type EventClass struct {
	Name  string
	Bytes []byte
}

// Failure describes why a class could not be rewritten. The descriptor fields are empty
// when the failure is not specific to a descriptor, e.g. for malformed input.
type Failure struct {
	DescriptorID string
	Method       descriptor.MethodSignature
	Cause        error
}

func (f *Failure) Error() string {
	if f.DescriptorID == "" {
		return fmt.Sprintf("rewriting class: %v", f.Cause)
	}
	return fmt.Sprintf("applying %s to %s: %v", f.DescriptorID, f.Method, f.Cause)
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

// Outcome is the result of a rewrite. When Failure is set, or no descriptor matched a
// method, Bytes returns the original class unchanged.
type Outcome struct {
	Original     []byte
	rewritten    []byte
	EventClasses []EventClass
	// Applied holds the descriptors that were woven into a method.
	Applied []*descriptor.Descriptor
	Failure *Failure
}

// Modified tells whether the rewrite produced new bytes.
func (o *Outcome) Modified() bool {
	return o.rewritten != nil
}

// Bytes returns the class to load.
func (o *Outcome) Bytes() []byte {
	if o.rewritten != nil {
		return o.rewritten
	}
	return o.Original
}

func (o *Outcome) fail(f *Failure) *Outcome {
	o.rewritten, o.EventClasses, o.Applied, o.Failure = nil, nil, nil, f
	return o
}

// Rewriter applies instrumentation descriptors to class files. It holds no mutable
// state and can be used from many goroutines.
type Rewriter struct {
	opts Options
}

func New(opts Options) *Rewriter {
	return &Rewriter{opts: opts}
}

// Rewrite applies the descriptors, in order, to the class. Each descriptor is applied
// by an independent pass that parses the output of the previous one. Rewrite never
// panics: any error becomes the Failure of the returned outcome.
func (r *Rewriter) Rewrite(original []byte, descs []*descriptor.Descriptor, s strategy.Strategy) (out *Outcome) {
	out = &Outcome{Original: original}
	if len(descs) == 0 {
		return out
	}
	gen, ok := codegenFor(s, r.opts)
	if !ok {
		return out.fail(&Failure{Cause: ErrUnavailable})
	}
	var current *descriptor.Descriptor
	defer func() {
		if p := recover(); p != nil {
			f := &Failure{Cause: errors.Errorf("panic while rewriting: %v", p)}
			if current != nil {
				f.DescriptorID, f.Method = current.ID, current.Method
			}
			out.fail(f)
		}
	}()

	bytes := original
	events := map[string]struct{}{}
	for _, d := range descs {
		current = d
		cf, err := classfile.Parse(bytes)
		if err != nil {
			return out.fail(&Failure{DescriptorID: d.ID, Method: d.Method, Cause: errors.WithStack(err)})
		}
		if cf.Name() != d.Method.ClassName {
			return out.fail(&Failure{DescriptorID: d.ID, Method: d.Method,
				Cause: errors.Errorf("descriptor targets %s but the class is %s", d.Method.ClassName, cf.Name())})
		}
		m := cf.FindMethod(d.Method.Name, d.Method.Descriptor)
		if m == nil {
			log().Debug("no method matches descriptor", "id", d.ID, "method", d.Method)
			continue
		}
		if m.Access&(classfile.AccAbstract|classfile.AccNative) != 0 {
			log().Debug("method has no code, ignoring descriptor", "id", d.ID, "method", d.Method)
			continue
		}
		name := d.EventClassName()
		if _, dup := events[name]; dup {
			return out.fail(&Failure{DescriptorID: d.ID, Method: d.Method,
				Cause: errors.Errorf("event class %s is generated twice", name)})
		}
		p := &pass{cf: cf, method: m, desc: d, gen: gen, eventClass: name,
			classes: newClassIndex(cf, r.opts.Classes),
			log: log().With("id", d.ID, "method", d.Method.String())}
		ec, err := p.run()
		if err != nil {
			return out.fail(&Failure{DescriptorID: d.ID, Method: d.Method, Cause: errors.WithStack(err)})
		}
		if bytes, err = cf.Bytes(); err != nil {
			return out.fail(&Failure{DescriptorID: d.ID, Method: d.Method, Cause: errors.WithStack(err)})
		}
		events[name] = struct{}{}
		out.EventClasses = append(out.EventClasses, ec)
		out.Applied = append(out.Applied, d)
	}
	if len(out.Applied) > 0 {
		out.rewritten = bytes
	}
	return out
}

// pass weaves one descriptor into one method.
type pass struct {
	cf         *classfile.ClassFile
	method     *classfile.Member
	desc       *descriptor.Descriptor
	gen        codegen
	log        *slog.Logger
	eventClass string
	classes    *classIndex

	captures []*capture
	ret      *capture
}

func (p *pass) run() (EventClass, error) {
	code, err := p.cf.DecodeCode(p.method)
	if err != nil {
		return EventClass{}, err
	}
	if err := p.resolveCaptures(); err != nil {
		return EventClass{}, err
	}
	fields := p.captures
	if p.ret != nil {
		fields = append(fields[:len(fields):len(fields)], p.ret)
	}
	ecf, err := p.gen.eventClass(p.desc, p.eventClass, fields)
	if err != nil {
		return EventClass{}, fmt.Errorf("generating event class: %w", err)
	}
	ecBytes, err := ecf.Bytes()
	if err != nil {
		return EventClass{}, fmt.Errorf("generating event class: %w", err)
	}
	if err := p.inject(code); err != nil {
		return EventClass{}, err
	}
	if err := p.cf.SetCode(p.method, code); err != nil {
		return EventClass{}, err
	}
	return EventClass{Name: p.eventClass, Bytes: ecBytes}, nil
}
