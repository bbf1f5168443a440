// Package registry keeps the instrumentation descriptors of every class, as installed by
// the last specification.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/grafana/jfr-agent/pkg/internal/descriptor"
)

func log() *slog.Logger {
	return slog.With("component", "registry.Registry")
}

// snapshot is never modified after being published.
type snapshot struct {
	byClass    map[string][]*descriptor.Descriptor
	spec       *descriptor.Specification
	generation uint64
}

// Registry maps class names to their descriptors. Readers access an immutable snapshot
// and never block; writers build a new snapshot and publish it with a single store.
type Registry struct {
	current atomic.Pointer[snapshot]
	revert  atomic.Bool
	// serializes writers, so that no update is lost between load and store
	mt sync.Mutex
}

func New() *Registry {
	r := &Registry{}
	r.current.Store(&snapshot{byClass: map[string][]*descriptor.Descriptor{}, spec: &descriptor.Specification{}})
	return r
}

// Lookup returns the descriptors of a class, in registration order, or nil. The returned
// slice must not be modified.
func (r *Registry) Lookup(className string) []*descriptor.Descriptor {
	return r.current.Load().byClass[className]
}

// LookupGeneration returns the descriptors of a class together with the generation of
// the snapshot they belong to. Both values come from the same snapshot, so they can key
// a cache of rewrite outcomes.
func (r *Registry) LookupGeneration(className string) ([]*descriptor.Descriptor, uint64) {
	s := r.current.Load()
	return s.byClass[className], s.generation
}

// Replace installs a new specification, discarding the previous one, and returns the
// names of the classes whose descriptors changed.
func (r *Registry) Replace(spec *descriptor.Specification) []string {
	if spec == nil {
		spec = &descriptor.Specification{}
	}
	r.mt.Lock()
	defer r.mt.Unlock()
	old := r.current.Load()
	next := spec.ByClass()
	return r.publish(old, next, spec)
}

// Merge adds the descriptors of spec to the installed ones. A descriptor replaces the
// installed descriptor of the same class with the same id; others are appended.
func (r *Registry) Merge(spec *descriptor.Specification) []string {
	if spec == nil {
		return nil
	}
	r.mt.Lock()
	defer r.mt.Unlock()
	old := r.current.Load()
	next := make(map[string][]*descriptor.Descriptor, len(old.byClass))
	for class, descs := range old.byClass {
		next[class] = descs
	}
	for class, added := range spec.ByClass() {
		merged := append([]*descriptor.Descriptor(nil), next[class]...)
	adding:
		for _, d := range added {
			for i, prev := range merged {
				if prev.ID == d.ID {
					merged[i] = d
					continue adding
				}
			}
			merged = append(merged, d)
		}
		next[class] = merged
	}
	all := &descriptor.Specification{Raw: spec.Raw}
	for _, class := range sortedKeys(next) {
		all.Descriptors = append(all.Descriptors, next[class]...)
	}
	return r.publish(old, next, all)
}

// ClearAll removes every descriptor and returns the names of the classes that had any.
func (r *Registry) ClearAll() []string {
	r.mt.Lock()
	defer r.mt.Unlock()
	return r.publish(r.current.Load(), map[string][]*descriptor.Descriptor{}, &descriptor.Specification{})
}

// ClearClass removes the descriptors of a single class. It returns false when the class
// had none.
func (r *Registry) ClearClass(className string) bool {
	r.mt.Lock()
	defer r.mt.Unlock()
	old := r.current.Load()
	if _, ok := old.byClass[className]; !ok {
		return false
	}
	next := make(map[string][]*descriptor.Descriptor, len(old.byClass))
	spec := &descriptor.Specification{Raw: old.spec.Raw}
	for class, descs := range old.byClass {
		if class != className {
			next[class] = descs
		}
	}
	for _, d := range old.spec.Descriptors {
		if d.Method.ClassName != className {
			spec.Descriptors = append(spec.Descriptors, d)
		}
	}
	r.publish(old, next, spec)
	return true
}

func (r *Registry) publish(old *snapshot, next map[string][]*descriptor.Descriptor, spec *descriptor.Specification) []string {
	var changed []string
	// unchanged classes keep their descriptor instances, and so their pending state
	reuse := map[*descriptor.Descriptor]*descriptor.Descriptor{}
	for class, descs := range next {
		if len(descs) == 0 {
			delete(next, class)
			continue
		}
		prev := old.byClass[class]
		if !descriptor.EqualLists(prev, descs) {
			changed = append(changed, class)
			continue
		}
		for i := range descs {
			reuse[descs[i]] = prev[i]
		}
		next[class] = prev
	}
	if len(reuse) > 0 {
		kept := &descriptor.Specification{Raw: spec.Raw, Descriptors: make([]*descriptor.Descriptor, len(spec.Descriptors))}
		for i, d := range spec.Descriptors {
			if o, ok := reuse[d]; ok {
				d = o
			}
			kept.Descriptors[i] = d
		}
		spec = kept
	}
	for class := range old.byClass {
		if _, ok := next[class]; !ok {
			changed = append(changed, class)
		}
	}
	sort.Strings(changed)
	generation := old.generation
	if len(changed) > 0 {
		generation++
	}
	r.current.Store(&snapshot{byClass: next, spec: spec, generation: generation})
	log().Debug("installed specification", "classes", len(next), "changed", len(changed), "generation", generation)
	return changed
}

// Specification returns the installed descriptors, together with the text of the last
// installed document.
func (r *Registry) Specification() *descriptor.Specification {
	return r.current.Load().spec
}

// Generation increases every time the installed descriptors change.
func (r *Registry) Generation() uint64 {
	return r.current.Load().generation
}

// Classes returns the sorted names of the classes with descriptors.
func (r *Registry) Classes() []string {
	return sortedKeys(r.current.Load().byClass)
}

// PendingClasses returns the sorted names of the classes with at least one descriptor
// that has not been applied yet.
func (r *Registry) PendingClasses() []string {
	var out []string
	for class, descs := range r.current.Load().byClass {
		for _, d := range descs {
			if d.Pending() {
				out = append(out, class)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// SetRevert toggles whether classes loaded from now on are instrumented.
func (r *Registry) SetRevert(revert bool) {
	if r.revert.Swap(revert) != revert {
		log().Info("revert flag changed", "revert", revert)
	}
}

func (r *Registry) IsRevert() bool {
	return r.revert.Load()
}

// MarkApplied clears the pending flag of a descriptor.
func (r *Registry) MarkApplied(d *descriptor.Descriptor) {
	d.MarkApplied()
}

func sortedKeys(m map[string][]*descriptor.Descriptor) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
