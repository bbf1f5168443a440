package classfile

import (
	"fmt"
	"math"
)

// Constant pool tags
const (
	TagUtf8               = 1
	TagInteger            = 3
	TagFloat              = 4
	TagLong               = 5
	TagDouble             = 6
	TagClass              = 7
	TagString             = 8
	TagFieldref           = 9
	TagMethodref          = 10
	TagInterfaceMethodref = 11
	TagNameAndType        = 12
	TagMethodHandle       = 15
	TagMethodType         = 16
	TagDynamic            = 17
	TagInvokeDynamic      = 18
	TagModule             = 19
	TagPackage            = 20
)

// Constant is a single constant pool entry. Only the fields relevant to its Tag are set.
type Constant struct {
	Tag uint8
	// Raw holds the encoded bytes of Utf8 entries, so untouched entries round-trip exactly.
	Raw  []byte
	Str  string
	Bits uint64
	// Ref1 and Ref2 are the pool indices an entry refers to. MethodHandle entries keep
	// the reference kind in Kind and the referenced member in Ref1.
	Ref1 uint16
	Ref2 uint16
	Kind uint8
}

// ConstantPool holds the constant pool of a class. Index 0 is unused, and the slot following
// a Long or Double entry is a nil placeholder.
type ConstantPool struct {
	entries []*Constant
	index   map[string]uint16
}

func newConstantPool() *ConstantPool {
	return &ConstantPool{entries: []*Constant{nil}}
}

// Len returns the constant_pool_count value.
func (cp *ConstantPool) Len() int {
	return len(cp.entries)
}

// Get returns the entry at index i, or nil when i does not address an entry.
func (cp *ConstantPool) Get(i uint16) *Constant {
	if int(i) >= len(cp.entries) {
		return nil
	}
	return cp.entries[i]
}

func (cp *ConstantPool) get(i uint16, tag uint8) (*Constant, error) {
	c := cp.Get(i)
	if c == nil {
		return nil, fmt.Errorf("constant pool index %d out of range", i)
	}
	if c.Tag != tag {
		return nil, fmt.Errorf("constant pool index %d: expected tag %d, got %d", i, tag, c.Tag)
	}
	return c, nil
}

// Utf8 returns the string held by the Utf8 entry at index i.
func (cp *ConstantPool) Utf8(i uint16) (string, error) {
	c, err := cp.get(i, TagUtf8)
	if err != nil {
		return "", err
	}
	return c.Str, nil
}

// ClassName returns the internal name referenced by the Class entry at index i.
func (cp *ConstantPool) ClassName(i uint16) (string, error) {
	c, err := cp.get(i, TagClass)
	if err != nil {
		return "", err
	}
	return cp.Utf8(c.Ref1)
}

// MemberRef resolves a Fieldref, Methodref or InterfaceMethodref entry.
func (cp *ConstantPool) MemberRef(i uint16) (owner, name, desc string, err error) {
	c := cp.Get(i)
	if c == nil || (c.Tag != TagFieldref && c.Tag != TagMethodref && c.Tag != TagInterfaceMethodref) {
		return "", "", "", fmt.Errorf("constant pool index %d is not a member reference", i)
	}
	if owner, err = cp.ClassName(c.Ref1); err != nil {
		return "", "", "", err
	}
	nt, err := cp.get(c.Ref2, TagNameAndType)
	if err != nil {
		return "", "", "", err
	}
	if name, err = cp.Utf8(nt.Ref1); err != nil {
		return "", "", "", err
	}
	if desc, err = cp.Utf8(nt.Ref2); err != nil {
		return "", "", "", err
	}
	return owner, name, desc, nil
}

func (c *Constant) key() string {
	switch c.Tag {
	case TagUtf8:
		return fmt.Sprintf("%d|%s", c.Tag, c.Str)
	case TagInteger, TagFloat, TagLong, TagDouble:
		return fmt.Sprintf("%d|%d", c.Tag, c.Bits)
	case TagMethodHandle:
		return fmt.Sprintf("%d|%d|%d", c.Tag, c.Kind, c.Ref1)
	default:
		return fmt.Sprintf("%d|%d|%d", c.Tag, c.Ref1, c.Ref2)
	}
}

func (cp *ConstantPool) buildIndex() {
	cp.index = make(map[string]uint16, len(cp.entries))
	for i, c := range cp.entries {
		if c == nil {
			continue
		}
		k := c.key()
		if _, ok := cp.index[k]; !ok {
			cp.index[k] = uint16(i)
		}
	}
}

func (cp *ConstantPool) add(c *Constant) uint16 {
	if cp.index == nil {
		cp.buildIndex()
	}
	k := c.key()
	if i, ok := cp.index[k]; ok {
		return i
	}
	if len(cp.entries) >= math.MaxUint16-1 {
		// the caller detects the overflow when the pool is serialized
		panic(errPoolOverflow)
	}
	i := uint16(len(cp.entries))
	cp.entries = append(cp.entries, c)
	if c.Tag == TagLong || c.Tag == TagDouble {
		cp.entries = append(cp.entries, nil)
	}
	cp.index[k] = i
	return i
}

// AddUtf8 returns the index of a Utf8 entry holding s, creating it if needed.
func (cp *ConstantPool) AddUtf8(s string) uint16 {
	return cp.add(&Constant{Tag: TagUtf8, Str: s})
}

// AddClass returns the index of a Class entry for the internal name.
func (cp *ConstantPool) AddClass(name string) uint16 {
	return cp.add(&Constant{Tag: TagClass, Ref1: cp.AddUtf8(name)})
}

// AddString returns the index of a String entry.
func (cp *ConstantPool) AddString(s string) uint16 {
	return cp.add(&Constant{Tag: TagString, Ref1: cp.AddUtf8(s)})
}

// AddInteger returns the index of an Integer entry.
func (cp *ConstantPool) AddInteger(v int32) uint16 {
	return cp.add(&Constant{Tag: TagInteger, Bits: uint64(uint32(v))})
}

// AddLong returns the index of a Long entry.
func (cp *ConstantPool) AddLong(v int64) uint16 {
	return cp.add(&Constant{Tag: TagLong, Bits: uint64(v)})
}

// AddNameAndType returns the index of a NameAndType entry.
func (cp *ConstantPool) AddNameAndType(name, desc string) uint16 {
	return cp.add(&Constant{Tag: TagNameAndType, Ref1: cp.AddUtf8(name), Ref2: cp.AddUtf8(desc)})
}

// AddFieldref returns the index of a Fieldref entry.
func (cp *ConstantPool) AddFieldref(owner, name, desc string) uint16 {
	return cp.add(&Constant{Tag: TagFieldref, Ref1: cp.AddClass(owner), Ref2: cp.AddNameAndType(name, desc)})
}

// AddMethodref returns the index of a Methodref entry.
func (cp *ConstantPool) AddMethodref(owner, name, desc string) uint16 {
	return cp.add(&Constant{Tag: TagMethodref, Ref1: cp.AddClass(owner), Ref2: cp.AddNameAndType(name, desc)})
}

func (cp *ConstantPool) read(r *reader) error {
	count := int(r.u2())
	if r.err != nil {
		return r.err
	}
	if count == 0 {
		return fmt.Errorf("invalid constant pool count 0")
	}
	cp.entries = make([]*Constant, 1, count)
	for len(cp.entries) < count {
		c := &Constant{Tag: r.u1()}
		switch c.Tag {
		case TagUtf8:
			c.Raw = r.bytes(int(r.u2()))
			if r.err == nil {
				s, err := decodeMUTF8(c.Raw)
				if err != nil {
					return fmt.Errorf("constant pool index %d: %w", len(cp.entries), err)
				}
				c.Str = s
			}
		case TagInteger, TagFloat:
			c.Bits = uint64(r.u4())
		case TagLong, TagDouble:
			c.Bits = r.u8()
		case TagClass, TagString, TagMethodType, TagModule, TagPackage:
			c.Ref1 = r.u2()
		case TagFieldref, TagMethodref, TagInterfaceMethodref, TagNameAndType, TagDynamic, TagInvokeDynamic:
			c.Ref1 = r.u2()
			c.Ref2 = r.u2()
		case TagMethodHandle:
			c.Kind = r.u1()
			c.Ref1 = r.u2()
		default:
			if r.err != nil {
				return r.err
			}
			return fmt.Errorf("constant pool index %d: unknown tag %d", len(cp.entries), c.Tag)
		}
		if r.err != nil {
			return r.err
		}
		cp.entries = append(cp.entries, c)
		if c.Tag == TagLong || c.Tag == TagDouble {
			cp.entries = append(cp.entries, nil)
		}
	}
	if len(cp.entries) != count {
		return fmt.Errorf("wide constant overflows constant pool count %d", count)
	}
	return nil
}

func (cp *ConstantPool) write(w *writer) error {
	if len(cp.entries) > math.MaxUint16 {
		return errPoolOverflow
	}
	w.u2(uint16(len(cp.entries)))
	for _, c := range cp.entries {
		if c == nil {
			continue
		}
		w.u1(c.Tag)
		switch c.Tag {
		case TagUtf8:
			raw := c.Raw
			if raw == nil {
				raw = encodeMUTF8(c.Str)
			}
			if len(raw) > math.MaxUint16 {
				return fmt.Errorf("string constant too long: %d bytes", len(raw))
			}
			w.u2(uint16(len(raw)))
			w.write(raw)
		case TagInteger, TagFloat:
			w.u4(uint32(c.Bits))
		case TagLong, TagDouble:
			w.u8(c.Bits)
		case TagClass, TagString, TagMethodType, TagModule, TagPackage:
			w.u2(c.Ref1)
		case TagMethodHandle:
			w.u1(c.Kind)
			w.u2(c.Ref1)
		default:
			w.u2(c.Ref1)
			w.u2(c.Ref2)
		}
	}
	return nil
}
