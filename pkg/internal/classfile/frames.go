package classfile

import "fmt"

// Verification type tags
const (
	VTop               = 0
	VInteger           = 1
	VFloat             = 2
	VDouble            = 3
	VLong              = 4
	VNull              = 5
	VUninitializedThis = 6
	VObject            = 7
	VUninitialized     = 8
)

// VType is a verification type. Class is the constant pool index of an Object type, New
// the label of the new instruction that created an Uninitialized value.
type VType struct {
	Tag   uint8
	Class uint16
	New   *Label
}

// Frame is a stack map frame in its expanded form. Locals use the class file
// representation, where a long or double entry covers two slots.
type Frame struct {
	Label  *Label
	Locals []VType
	Stack  []VType
}

// Top returns the top verification type.
func Top() VType { return VType{Tag: VTop} }

// Object returns the verification type of a class instance.
func Object(cp *ConstantPool, className string) VType {
	return VType{Tag: VObject, Class: cp.AddClass(className)}
}

// TypeOf returns the verification type of a value of the given field descriptor.
func TypeOf(cp *ConstantPool, desc string) VType {
	switch desc {
	case "Z", "B", "C", "S", "I":
		return VType{Tag: VInteger}
	case "F":
		return VType{Tag: VFloat}
	case "J":
		return VType{Tag: VLong}
	case "D":
		return VType{Tag: VDouble}
	}
	return Object(cp, ObjectType(desc))
}

func (v VType) slots() int {
	if v.Tag == VLong || v.Tag == VDouble {
		return 2
	}
	return 1
}

// Slots returns the number of local variable slots covered by the given locals.
func Slots(locals []VType) int {
	n := 0
	for _, v := range locals {
		n += v.slots()
	}
	return n
}

// InitialFrame returns the implicit frame at the start of a method.
func (cf *ClassFile) InitialFrame(m *Member) ([]VType, error) {
	args, _, err := ParseMethodDescriptor(cf.MemberDescriptor(m))
	if err != nil {
		return nil, err
	}
	var locals []VType
	if m.Access&AccStatic == 0 {
		if cf.MemberName(m) == "<init>" && cf.Name() != "java/lang/Object" {
			locals = append(locals, VType{Tag: VUninitializedThis})
		} else {
			locals = append(locals, VType{Tag: VObject, Class: cf.ThisClass})
		}
	}
	for _, a := range args {
		locals = append(locals, TypeOf(cf.Pool, a))
	}
	return locals, nil
}

func (d *codeDecoder) frames(m *Member, body []byte) ([]Frame, error) {
	locals, err := d.cf.InitialFrame(m)
	if err != nil {
		return nil, err
	}
	r := &reader{data: body}
	n := int(r.u2())
	frames := make([]Frame, 0, n)
	offset := -1
	for i := 0; i < n && r.err == nil; i++ {
		kind := int(r.u1())
		var delta int
		var stack []VType
		switch {
		case kind < 64:
			delta = kind
		case kind < 128:
			delta = kind - 64
			stack = []VType{d.vtype(r)}
		case kind < 247:
			return nil, fmt.Errorf("reserved frame type %d", kind)
		case kind == 247:
			delta = int(r.u2())
			stack = []VType{d.vtype(r)}
		case kind < 251:
			delta = int(r.u2())
			chop := 251 - kind
			if chop > len(locals) {
				return nil, fmt.Errorf("chop frame removes %d of %d locals", chop, len(locals))
			}
			locals = locals[:len(locals)-chop]
		case kind == 251:
			delta = int(r.u2())
		case kind < 255:
			delta = int(r.u2())
			next := append([]VType{}, locals...)
			for j := 0; j < kind-251; j++ {
				next = append(next, d.vtype(r))
			}
			locals = next
		default:
			delta = int(r.u2())
			nl := int(r.u2())
			locals = make([]VType, 0, nl)
			for j := 0; j < nl && r.err == nil; j++ {
				locals = append(locals, d.vtype(r))
			}
			ns := int(r.u2())
			for j := 0; j < ns && r.err == nil; j++ {
				stack = append(stack, d.vtype(r))
			}
		}
		if r.err != nil {
			break
		}
		offset += delta + 1
		l, err := d.label(offset)
		if err != nil {
			return nil, err
		}
		for _, v := range append(append([]VType{}, locals...), stack...) {
			if v.Tag == VUninitialized && v.New == nil {
				return nil, fmt.Errorf("invalid uninitialized type at offset %d", offset)
			}
		}
		frames = append(frames, Frame{
			Label:  l,
			Locals: append([]VType{}, locals...),
			Stack:  stack,
		})
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.pos != len(body) {
		return nil, fmt.Errorf("%d trailing bytes", len(body)-r.pos)
	}
	return frames, nil
}

func (d *codeDecoder) vtype(r *reader) VType {
	v := VType{Tag: r.u1()}
	switch v.Tag {
	case VObject:
		v.Class = r.u2()
	case VUninitialized:
		off := int(r.u2())
		if l, err := d.label(off); err == nil {
			v.New = l
		}
	case VTop, VInteger, VFloat, VDouble, VLong, VNull, VUninitializedThis:
	default:
		if r.err == nil {
			r.err = fmt.Errorf("unknown verification type %d", v.Tag)
		}
	}
	return v
}

func writeVTypes(w *writer, types []VType) {
	w.u2(uint16(len(types)))
	for _, v := range types {
		w.u1(v.Tag)
		switch v.Tag {
		case VObject:
			w.u2(v.Class)
		case VUninitialized:
			w.u2(uint16(v.New.offset))
		}
	}
}
