package classfile

import "fmt"

// Annotation is a runtime visible annotation. Type is a field descriptor such as
// "Ljdk/jfr/Label;".
type Annotation struct {
	Type     string
	Elements []Element
}

// Element is a name/value pair of an annotation.
type Element struct {
	Name  string
	Value ElementValue
}

// ElementValue is an annotation element value. Tag follows the class file encoding:
// 's' for String, 'Z' for boolean, 'e' for enum constants and '[' for arrays.
type ElementValue struct {
	Tag       byte
	Str       string
	Bool      bool
	EnumType  string
	EnumConst string
	Array     []ElementValue
}

// StringValue returns a String element value.
func StringValue(s string) ElementValue { return ElementValue{Tag: 's', Str: s} }

// BoolValue returns a boolean element value.
func BoolValue(b bool) ElementValue { return ElementValue{Tag: 'Z', Bool: b} }

// EnumValue returns an enum constant element value.
func EnumValue(typeDesc, name string) ElementValue {
	return ElementValue{Tag: 'e', EnumType: typeDesc, EnumConst: name}
}

// ArrayValue returns an array element value.
func ArrayValue(values ...ElementValue) ElementValue { return ElementValue{Tag: '[', Array: values} }

// SetAnnotations encodes the annotations as the RuntimeVisibleAnnotations attribute
// of the given attribute list.
func (cf *ClassFile) SetAnnotations(attrs []Attribute, annotations []Annotation) ([]Attribute, error) {
	if len(annotations) == 0 {
		return cf.removeAttribute(attrs, "RuntimeVisibleAnnotations"), nil
	}
	w := &writer{}
	w.u2(uint16(len(annotations)))
	for _, a := range annotations {
		if err := cf.writeAnnotation(w, a); err != nil {
			return nil, err
		}
	}
	return cf.SetAttribute(attrs, "RuntimeVisibleAnnotations", w.buf), nil
}

func (cf *ClassFile) writeAnnotation(w *writer, a Annotation) error {
	if !ValidFieldDescriptor(a.Type) {
		return fmt.Errorf("invalid annotation type %q", a.Type)
	}
	w.u2(cf.Pool.AddUtf8(a.Type))
	w.u2(uint16(len(a.Elements)))
	for _, e := range a.Elements {
		w.u2(cf.Pool.AddUtf8(e.Name))
		if err := cf.writeElementValue(w, e.Value); err != nil {
			return fmt.Errorf("annotation %s, element %s: %w", a.Type, e.Name, err)
		}
	}
	return nil
}

func (cf *ClassFile) writeElementValue(w *writer, v ElementValue) error {
	w.u1(v.Tag)
	switch v.Tag {
	case 's':
		w.u2(cf.Pool.AddUtf8(v.Str))
	case 'Z':
		b := int32(0)
		if v.Bool {
			b = 1
		}
		w.u2(cf.Pool.AddInteger(b))
	case 'e':
		w.u2(cf.Pool.AddUtf8(v.EnumType))
		w.u2(cf.Pool.AddUtf8(v.EnumConst))
	case '[':
		w.u2(uint16(len(v.Array)))
		for _, e := range v.Array {
			if err := cf.writeElementValue(w, e); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unsupported element value tag %q", v.Tag)
	}
	return nil
}

// Annotations decodes the RuntimeVisibleAnnotations attribute of the given attribute list.
// Element values other than strings, booleans, enums and arrays of them are skipped.
func (cf *ClassFile) Annotations(attrs []Attribute) ([]Annotation, error) {
	a := cf.Attribute(attrs, "RuntimeVisibleAnnotations")
	if a == nil {
		return nil, nil
	}
	r := &reader{data: a.Data}
	n := int(r.u2())
	var out []Annotation
	for i := 0; i < n && r.err == nil; i++ {
		ann, err := cf.readAnnotation(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ann)
	}
	return out, r.err
}

func (cf *ClassFile) readAnnotation(r *reader) (Annotation, error) {
	t, err := cf.Pool.Utf8(r.u2())
	if err != nil {
		return Annotation{}, err
	}
	a := Annotation{Type: t}
	n := int(r.u2())
	for i := 0; i < n && r.err == nil; i++ {
		name, err := cf.Pool.Utf8(r.u2())
		if err != nil {
			return Annotation{}, err
		}
		v, ok, err := cf.readElementValue(r)
		if err != nil {
			return Annotation{}, err
		}
		if ok {
			a.Elements = append(a.Elements, Element{Name: name, Value: v})
		}
	}
	return a, r.err
}

func (cf *ClassFile) readElementValue(r *reader) (ElementValue, bool, error) {
	v := ElementValue{Tag: r.u1()}
	switch v.Tag {
	case 's':
		s, err := cf.Pool.Utf8(r.u2())
		v.Str = s
		return v, true, err
	case 'Z':
		c := cf.Pool.Get(r.u2())
		v.Bool = c != nil && c.Bits != 0
		return v, true, nil
	case 'e':
		var err error
		if v.EnumType, err = cf.Pool.Utf8(r.u2()); err != nil {
			return v, false, err
		}
		v.EnumConst, err = cf.Pool.Utf8(r.u2())
		return v, true, err
	case '[':
		n := int(r.u2())
		for i := 0; i < n && r.err == nil; i++ {
			e, ok, err := cf.readElementValue(r)
			if err != nil {
				return v, false, err
			}
			if ok {
				v.Array = append(v.Array, e)
			}
		}
		return v, true, r.err
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'c':
		r.u2()
	case '@':
		_, err := cf.readAnnotation(r)
		return v, false, err
	default:
		return v, false, fmt.Errorf("unknown element value tag %q", v.Tag)
	}
	return v, false, r.err
}
