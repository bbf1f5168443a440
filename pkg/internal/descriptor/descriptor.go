// Package descriptor holds the value types describing which methods get instrumented and
// which values the emitted events carry.
package descriptor

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/zeebo/xxh3"

	"github.com/grafana/jfr-agent/pkg/internal/classfile"
)

// Attribute keys understood by the instrumentation.
const (
	AttrClassPrefix     = "classprefix"
	AttrAllowToString   = "allowtostring"
	AttrAllowConverter  = "allowconverter"
	AttrEmitOnException = "emitonexception"
	AttrLabel           = "label"
	AttrDescription     = "description"
	AttrPath            = "path"
	AttrStackTrace      = "stacktrace"
)

const (
	// DefaultClassPrefix is prepended to the identifier of synthesized event classes.
	DefaultClassPrefix = "__JFREvent"
	// DefaultReturnValueName is the display name of a return value capture without name.
	DefaultReturnValueName = "Return Value"
	// NoIndex marks a parameter capture without argument index.
	NoIndex = -1
)

// MethodSignature identifies a method by its declaring class (internal binary name),
// its name and its descriptor.
type MethodSignature struct {
	ClassName  string `json:"class_name"`
	Name       string `json:"name"`
	Descriptor string `json:"descriptor"`
}

func (m MethodSignature) String() string {
	return m.ClassName + "." + m.Name + m.Descriptor
}

// Capture is the common shape of every captured value.
type Capture struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	RelationKey string `json:"relation_key,omitempty"`
	Converter   string `json:"converter,omitempty"`
}

// FieldIdentifier returns the name of the event class field holding the capture.
func (c *Capture) FieldIdentifier() string {
	return FieldIdentifier(c.Name)
}

// Parameter captures a method argument.
type Parameter struct {
	Capture
	Index int `json:"index"`
}

// ReturnValue captures the value returned by the method.
type ReturnValue struct {
	Capture
}

// Field captures a value read from a field of the instrumented class.
type Field struct {
	Capture
	Expression string `json:"expression"`
}

// Descriptor describes one instrumentation request. All of its fields are immutable
// after construction, except for the pending flag.
type Descriptor struct {
	ID          string
	Method      MethodSignature
	Parameters  []Parameter
	ReturnValue *ReturnValue
	Fields      []Field
	Attributes  map[string]string

	pending atomic.Bool
}

// New creates a pending descriptor. The slices and the attribute map are copied.
func New(id string, method MethodSignature, params []Parameter, ret *ReturnValue, fields []Field, attrs map[string]string) *Descriptor {
	d := &Descriptor{
		ID:         id,
		Method:     method,
		Parameters: append([]Parameter(nil), params...),
		Fields:     append([]Field(nil), fields...),
		Attributes: make(map[string]string, len(attrs)),
	}
	if ret != nil {
		rv := *ret
		if rv.Name == "" {
			rv.Name = DefaultReturnValueName
		}
		d.ReturnValue = &rv
	}
	for k, v := range attrs {
		d.Attributes[k] = v
	}
	d.pending.Store(true)
	return d
}

// Pending tells whether the descriptor has not yet been woven into a loaded class.
func (d *Descriptor) Pending() bool {
	return d.pending.Load()
}

// MarkApplied clears the pending flag. Calling it more than once is harmless.
func (d *Descriptor) MarkApplied() {
	d.pending.Store(false)
}

func (d *Descriptor) String() string {
	return d.ID + " (" + d.Method.String() + ")"
}

// Attribute returns the value of an attribute, or an empty string.
func (d *Descriptor) Attribute(key string) string {
	return d.Attributes[key]
}

func (d *Descriptor) boolAttribute(key string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(d.Attributes[key]))
	return b
}

// ClassPrefix returns the prefix of the synthesized event class name.
func (d *Descriptor) ClassPrefix() string {
	if p := d.Attributes[AttrClassPrefix]; p != "" {
		return p
	}
	return DefaultClassPrefix
}

// AllowToString tells whether unsupported reference values are captured as strings.
func (d *Descriptor) AllowToString() bool { return d.boolAttribute(AttrAllowToString) }

// AllowConverter tells whether converters may be used to capture unsupported values.
func (d *Descriptor) AllowConverter() bool { return d.boolAttribute(AttrAllowConverter) }

// EmitOnException tells whether the event is also committed when the method throws.
func (d *Descriptor) EmitOnException() bool { return d.boolAttribute(AttrEmitOnException) }

// StackTrace tells whether the event records the stack trace.
func (d *Descriptor) StackTrace() bool { return d.boolAttribute(AttrStackTrace) }

// Label returns the human readable event name, which defaults to the id.
func (d *Descriptor) Label() string {
	if l := d.Attributes[AttrLabel]; l != "" {
		return l
	}
	return d.ID
}

// EventClassName returns the internal name of the event class synthesized for the descriptor.
// It lives in the package of the instrumented class.
func (d *Descriptor) EventClassName() string {
	return classfile.PackageOf(d.Method.ClassName) + d.ClassPrefix() + IdentifierPart(d.ID)
}

// Equal compares two descriptors structurally, ignoring the pending flag.
func (d *Descriptor) Equal(o *Descriptor) bool {
	if d == o {
		return true
	}
	if d == nil || o == nil {
		return false
	}
	if d.ID != o.ID || d.Method != o.Method || len(d.Parameters) != len(o.Parameters) ||
		len(d.Fields) != len(o.Fields) || len(d.Attributes) != len(o.Attributes) {
		return false
	}
	for i := range d.Parameters {
		if d.Parameters[i] != o.Parameters[i] {
			return false
		}
	}
	for i := range d.Fields {
		if d.Fields[i] != o.Fields[i] {
			return false
		}
	}
	if (d.ReturnValue == nil) != (o.ReturnValue == nil) ||
		(d.ReturnValue != nil && *d.ReturnValue != *o.ReturnValue) {
		return false
	}
	for k, v := range d.Attributes {
		if ov, ok := o.Attributes[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// EqualLists compares two descriptor lists element by element.
func EqualLists(a, b []*Descriptor) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func isIdentifierPart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// IdentifierPart keeps the identifier characters of s and upper-cases the first one.
func IdentifierPart(s string) string {
	var b strings.Builder
	for _, r := range s {
		if isIdentifierPart(r) {
			if b.Len() == 0 {
				r = unicode.ToUpper(r)
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FieldIdentifier derives a legal JVM field name from a display name. Names made only of
// identifier characters and starting with a lower case letter map to "field" followed by
// the capitalized name. Other names keep their case after "field_", and names with
// characters that had to be replaced get a hash suffix so that they can not collide.
func FieldIdentifier(name string) string {
	lossy := name == ""
	var b strings.Builder
	for _, r := range name {
		if isIdentifierPart(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
			lossy = true
		}
	}
	clean := b.String()
	if lossy {
		return fmt.Sprintf("field_%s_%08x", clean, uint32(xxh3.HashString(name)))
	}
	first := []rune(clean)[0]
	if unicode.IsLower(first) {
		return "field" + string(unicode.ToUpper(first)) + clean[len(string(first)):]
	}
	return "field_" + clean
}
