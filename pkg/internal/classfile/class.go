// Package classfile reads, edits and writes JVM class files. Method bodies are decoded
// into a label-based instruction list so that code can be inserted without tracking
// byte offsets by hand.
package classfile

import (
	"errors"
	"fmt"
	"math"
)

const magic = 0xCAFEBABE

// Access flags
const (
	AccPublic    = 0x0001
	AccPrivate   = 0x0002
	AccProtected = 0x0004
	AccStatic    = 0x0008
	AccFinal     = 0x0010
	AccSuper     = 0x0020
	AccVolatile  = 0x0040
	AccTransient = 0x0080
	AccNative    = 0x0100
	AccInterface = 0x0200
	AccAbstract  = 0x0400
	AccSynthetic = 0x1000
)

// Class file major versions
const (
	Java5 = 49
	Java6 = 50
	Java7 = 51
	Java8 = 52
)

var (
	// ErrInvalidClass is returned for data that can not be parsed as a class file.
	ErrInvalidClass = errors.New("invalid class file")
	// ErrBranchOverflow is returned when a conditional branch can not reach its target
	// after code insertion.
	ErrBranchOverflow = errors.New("conditional branch offset overflow")
	// ErrCodeTooLarge is returned when a method body exceeds 65535 bytes.
	ErrCodeTooLarge = errors.New("method code too large")

	errPoolOverflow = errors.New("constant pool overflow")
)

// Attribute is an undecoded attribute.
type Attribute struct {
	NameIndex uint16
	Data      []byte
}

// Member is a field or a method.
type Member struct {
	Access     uint16
	NameIndex  uint16
	DescIndex  uint16
	Attributes []Attribute
}

// ClassFile is a mutable in-memory class file.
type ClassFile struct {
	Minor      uint16
	Major      uint16
	Pool       *ConstantPool
	Access     uint16
	ThisClass  uint16
	SuperClass uint16
	Interfaces []uint16
	Fields     []*Member
	Methods    []*Member
	Attributes []Attribute
}

// New creates an empty class.
func New(name, super string, access, major uint16) *ClassFile {
	cf := &ClassFile{Major: major, Pool: newConstantPool(), Access: access}
	cf.ThisClass = cf.Pool.AddClass(name)
	if super != "" {
		cf.SuperClass = cf.Pool.AddClass(super)
	}
	return cf
}

// Parse decodes class file bytes. The input slice is not retained.
func Parse(data []byte) (*ClassFile, error) {
	r := &reader{data: data}
	if r.u4() != magic {
		return nil, fmt.Errorf("%w: bad magic number", ErrInvalidClass)
	}
	cf := &ClassFile{Pool: newConstantPool()}
	cf.Minor = r.u2()
	cf.Major = r.u2()
	if err := cf.Pool.read(r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidClass, err)
	}
	cf.Access = r.u2()
	cf.ThisClass = r.u2()
	cf.SuperClass = r.u2()
	n := int(r.u2())
	for i := 0; i < n && r.err == nil; i++ {
		cf.Interfaces = append(cf.Interfaces, r.u2())
	}
	cf.Fields = readMembers(r)
	cf.Methods = readMembers(r)
	cf.Attributes = readAttributes(r)
	if r.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidClass, r.err)
	}
	if r.pos != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidClass, len(data)-r.pos)
	}
	if _, err := cf.Pool.ClassName(cf.ThisClass); err != nil {
		return nil, fmt.Errorf("%w: this_class: %w", ErrInvalidClass, err)
	}
	return cf, nil
}

func readMembers(r *reader) []*Member {
	n := int(r.u2())
	members := make([]*Member, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		m := &Member{Access: r.u2(), NameIndex: r.u2(), DescIndex: r.u2()}
		m.Attributes = readAttributes(r)
		members = append(members, m)
	}
	return members
}

func readAttributes(r *reader) []Attribute {
	n := int(r.u2())
	attrs := make([]Attribute, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		a := Attribute{NameIndex: r.u2()}
		a.Data = r.bytes(int(r.u4()))
		attrs = append(attrs, a)
	}
	return attrs
}

// Bytes serializes the class.
func (cf *ClassFile) Bytes() ([]byte, error) {
	w := &writer{}
	w.u4(magic)
	w.u2(cf.Minor)
	w.u2(cf.Major)
	if err := cf.Pool.write(w); err != nil {
		return nil, err
	}
	w.u2(cf.Access)
	w.u2(cf.ThisClass)
	w.u2(cf.SuperClass)
	w.u2(uint16(len(cf.Interfaces)))
	for _, i := range cf.Interfaces {
		w.u2(i)
	}
	for _, members := range [][]*Member{cf.Fields, cf.Methods} {
		if len(members) > math.MaxUint16 {
			return nil, fmt.Errorf("too many members: %d", len(members))
		}
		w.u2(uint16(len(members)))
		for _, m := range members {
			w.u2(m.Access)
			w.u2(m.NameIndex)
			w.u2(m.DescIndex)
			writeAttributes(w, m.Attributes)
		}
	}
	writeAttributes(w, cf.Attributes)
	return w.buf, nil
}

func writeAttributes(w *writer, attrs []Attribute) {
	w.u2(uint16(len(attrs)))
	for _, a := range attrs {
		w.u2(a.NameIndex)
		w.u4(uint32(len(a.Data)))
		w.write(a.Data)
	}
}

// Name returns the internal name of the class.
func (cf *ClassFile) Name() string {
	n, _ := cf.Pool.ClassName(cf.ThisClass)
	return n
}

// SuperName returns the internal name of the superclass, or an empty string for java/lang/Object.
func (cf *ClassFile) SuperName() string {
	if cf.SuperClass == 0 {
		return ""
	}
	n, _ := cf.Pool.ClassName(cf.SuperClass)
	return n
}

// MemberName returns the name of a field or method.
func (cf *ClassFile) MemberName(m *Member) string {
	s, _ := cf.Pool.Utf8(m.NameIndex)
	return s
}

// MemberDescriptor returns the descriptor of a field or method.
func (cf *ClassFile) MemberDescriptor(m *Member) string {
	s, _ := cf.Pool.Utf8(m.DescIndex)
	return s
}

// FindMethod returns the method matching name and descriptor exactly, or nil.
func (cf *ClassFile) FindMethod(name, desc string) *Member {
	return findMember(cf, cf.Methods, name, desc)
}

// FindField returns the field declared with the given name, or nil.
func (cf *ClassFile) FindField(name string) *Member {
	return findMember(cf, cf.Fields, name, "")
}

func findMember(cf *ClassFile, members []*Member, name, desc string) *Member {
	for _, m := range members {
		if cf.MemberName(m) == name && (desc == "" || cf.MemberDescriptor(m) == desc) {
			return m
		}
	}
	return nil
}

// AddField declares a new field.
func (cf *ClassFile) AddField(access uint16, name, desc string) *Member {
	m := &Member{Access: access, NameIndex: cf.Pool.AddUtf8(name), DescIndex: cf.Pool.AddUtf8(desc)}
	cf.Fields = append(cf.Fields, m)
	return m
}

// AddMethod declares a new method. A nil code declares an abstract or native method.
func (cf *ClassFile) AddMethod(access uint16, name, desc string, code *Code) (*Member, error) {
	m := &Member{Access: access, NameIndex: cf.Pool.AddUtf8(name), DescIndex: cf.Pool.AddUtf8(desc)}
	if code != nil {
		if err := cf.SetCode(m, code); err != nil {
			return nil, err
		}
	}
	cf.Methods = append(cf.Methods, m)
	return m, nil
}

// Attribute returns the first attribute with the given name, or nil.
func (cf *ClassFile) Attribute(attrs []Attribute, name string) *Attribute {
	for i := range attrs {
		if n, _ := cf.Pool.Utf8(attrs[i].NameIndex); n == name {
			return &attrs[i]
		}
	}
	return nil
}

// SetAttribute replaces the attribute with the given name, appending it when missing.
func (cf *ClassFile) SetAttribute(attrs []Attribute, name string, data []byte) []Attribute {
	if a := cf.Attribute(attrs, name); a != nil {
		a.Data = data
		return attrs
	}
	return append(attrs, Attribute{NameIndex: cf.Pool.AddUtf8(name), Data: data})
}

func (cf *ClassFile) removeAttribute(attrs []Attribute, name string) []Attribute {
	out := attrs[:0]
	for _, a := range attrs {
		if n, _ := cf.Pool.Utf8(a.NameIndex); n != name {
			out = append(out, a)
		}
	}
	return out
}

// HasFrames tells whether the class version requires StackMapTable frames.
func (cf *ClassFile) HasFrames() bool {
	return cf.Major >= Java6
}
