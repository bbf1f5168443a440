package rewrite

import (
	"fmt"
	"strings"

	"github.com/grafana/jfr-agent/pkg/internal/classfile"
	"github.com/grafana/jfr-agent/pkg/internal/descriptor"
)

const (
	stringType     = "Ljava/lang/String;"
	objectType     = "Ljava/lang/Object;"
	defaultConvert = "convert"
)

type conversion int

const (
	convNone conversion = iota
	convToString
	convConverter
)

type methodRef struct {
	owner, name, desc string
}

// capture is a value resolved against the instrumented method: where it comes from,
// how it is converted and which event field stores it.
type capture struct {
	descriptor.Capture
	what      string
	field     string
	valueType string
	fieldType string
	conv      conversion
	converter methodRef
	// load pushes the raw value at method entry. Nil for the return value.
	load []*classfile.Insn
	// stack map frames of the branches in load
	frames []classfile.Frame
}

// parseConverter resolves a converter reference. A bare class name refers to its static
// convert method taking the captured type and returning a String.
func parseConverter(ref, valueType string) (methodRef, error) {
	ref = strings.TrimSpace(ref)
	paren := strings.IndexByte(ref, '(')
	if paren < 0 {
		owner := classfile.BinaryName(ref)
		if !classfile.ValidBinaryName(owner) {
			return methodRef{}, fmt.Errorf("invalid converter class %q", ref)
		}
		return methodRef{owner: owner, name: defaultConvert, desc: "(" + valueType + ")" + stringType}, nil
	}
	dot := strings.LastIndexByte(ref[:paren], '.')
	if dot <= 0 || dot == paren-1 {
		return methodRef{}, fmt.Errorf("invalid converter method %q", ref)
	}
	m := methodRef{owner: classfile.BinaryName(ref[:dot]), name: ref[dot+1 : paren], desc: ref[paren:]}
	if !classfile.ValidBinaryName(m.owner) {
		return methodRef{}, fmt.Errorf("invalid converter class %q", ref[:dot])
	}
	if _, _, err := classfile.ParseMethodDescriptor(m.desc); err != nil {
		return methodRef{}, err
	}
	return m, nil
}

// typeCapture decides the event field type of a captured value. It returns false when
// the value can not be captured with the descriptor settings.
func (p *pass) typeCapture(c *capture) (bool, error) {
	d := p.desc
	if c.Converter != "" {
		if d.AllowConverter() {
			ref, err := parseConverter(c.Converter, c.valueType)
			if err != nil {
				return false, fmt.Errorf("%s %q: %w", c.what, c.Name, err)
			}
			args, ret, _ := classfile.ParseMethodDescriptor(ref.desc)
			if len(args) != 1 || (args[0] != c.valueType && (classfile.IsPrimitive(c.valueType) || args[0] != objectType)) {
				return false, fmt.Errorf("%s %q: converter %s%s can not take a %s",
					c.what, c.Name, ref.name, ref.desc, classfile.JavaName(c.valueType))
			}
			if !p.gen.supports(ret) {
				return false, fmt.Errorf("%s %q: converter returns unsupported type %s",
					c.what, c.Name, classfile.JavaName(ret))
			}
			c.conv, c.converter, c.fieldType = convConverter, ref, ret
			return true, nil
		}
		p.log.Warn("ignoring converter because allowconverter is not set",
			"capture", c.Name, "converter", c.Converter)
	}
	switch {
	case p.gen.supports(c.valueType):
		c.fieldType = c.valueType
	case d.AllowToString() && !classfile.IsPrimitive(c.valueType):
		c.conv, c.fieldType = convToString, stringType
	default:
		p.log.Warn("skipped capture of unsupported type, enable allowtostring or allowconverter to capture it",
			"capture", c.Name, "kind", c.what, "type", classfile.JavaName(c.valueType))
		return false, nil
	}
	return true, nil
}

func (p *pass) resolveCaptures() error {
	static := p.method.Access&classfile.AccStatic != 0
	args, ret, err := classfile.ParseMethodDescriptor(p.desc.Method.Descriptor)
	if err != nil {
		return err
	}
	slots := classfile.ArgumentSlots(args, static)
	taken := map[string]string{}
	accept := func(c *capture) (bool, error) {
		ok, err := p.typeCapture(c)
		if err != nil || !ok {
			return false, err
		}
		c.field = c.FieldIdentifier()
		if prev, dup := taken[c.field]; dup {
			return false, fmt.Errorf("%s %q and %s map to the same event field %s", c.what, c.Name, prev, c.field)
		}
		taken[c.field] = fmt.Sprintf("%s %q", c.what, c.Name)
		return true, nil
	}
	add := func(c *capture) error {
		ok, err := accept(c)
		if ok {
			p.captures = append(p.captures, c)
		}
		return err
	}

	for _, param := range p.desc.Parameters {
		if param.Index == descriptor.NoIndex {
			p.log.Warn("skipped parameter capture without index", "capture", param.Name)
			continue
		}
		if param.Index < 0 || param.Index >= len(args) {
			return fmt.Errorf("parameter %q: index %d out of range, the method takes %d arguments",
				param.Name, param.Index, len(args))
		}
		t := args[param.Index]
		c := &capture{Capture: param.Capture, what: "parameter", valueType: t,
			load: []*classfile.Insn{classfile.Var(classfile.LoadOp(t), slots[param.Index])}}
		if err := add(c); err != nil {
			return err
		}
	}

	for _, f := range p.desc.Fields {
		load, frames, t, err := p.resolveField(f.Expression, static)
		if err != nil {
			return fmt.Errorf("field %q: %w", f.Name, err)
		}
		if err := add(&capture{Capture: f.Capture, what: "field", valueType: t, load: load, frames: frames}); err != nil {
			return err
		}
	}

	if rv := p.desc.ReturnValue; rv != nil {
		if ret == "V" {
			p.log.Warn("skipped return value capture of a void method", "capture", rv.Name)
			return nil
		}
		c := &capture{Capture: rv.Capture, what: "return value", valueType: ret}
		ok, err := accept(c)
		if err != nil {
			return err
		}
		if ok {
			p.ret = c
		}
	}
	return nil
}
