package classfile

import "fmt"

// Label marks a position in an instruction list. Its offset is only meaningful after
// the enclosing Code has been decoded or encoded.
type Label struct {
	offset int
}

// NewLabel creates an unplaced label.
func NewLabel() *Label {
	return &Label{offset: -1}
}

// Offset returns the byte offset the label was last resolved to, or -1.
func (l *Label) Offset() int {
	return l.offset
}

// Insn is a single instruction, or a label pseudo instruction when Label is set.
// Short forms such as iload_1 are decoded into their generic form with an index, and
// goto_w/jsr_w into goto/jsr: the encoder picks the shortest encoding.
type Insn struct {
	Label *Label
	Op    Opcode
	// Index holds the local variable slot, the constant pool index, or the immediate
	// operand of bipush, sipush and newarray.
	Index int
	// Incr holds the iinc increment, the invokeinterface count or the multianewarray dimensions.
	Incr   int
	Target *Label
	Switch *Switch
}

func (in *Insn) String() string {
	switch {
	case in.Label != nil:
		return fmt.Sprintf("L%p:", in.Label)
	case in.Target != nil:
		return fmt.Sprintf("op=0x%02x -> L%p", uint8(in.Op), in.Target)
	}
	return fmt.Sprintf("op=0x%02x %d", uint8(in.Op), in.Index)
}

// Switch holds the jump table of a tableswitch (Keys is nil) or a lookupswitch.
type Switch struct {
	Default *Label
	Low     int32
	Keys    []int32
	Targets []*Label
}

// Handler is an exception table entry. CatchType 0 catches everything.
type Handler struct {
	Start     *Label
	End       *Label
	Handler   *Label
	CatchType uint16
}

// LineNumber maps the code starting at Start to a source line.
type LineNumber struct {
	Start *Label
	Line  uint16
}

// LocalVar is an entry of the LocalVariableTable or LocalVariableTypeTable. DescIndex
// holds the signature index in the latter.
type LocalVar struct {
	Start     *Label
	End       *Label
	NameIndex uint16
	DescIndex uint16
	Index     uint16
}

// Code is a decoded Code attribute. Frames hold the StackMapTable expanded into full
// frames. Code attributes other than the line number, local variable and stack map
// tables are dropped on decoding, since their offsets can not be kept consistent.
type Code struct {
	MaxStack   int
	MaxLocals  int
	Insns      []*Insn
	Handlers   []Handler
	Lines      []LineNumber
	Locals     []LocalVar
	LocalTypes []LocalVar
	Frames     []Frame
}

// Mark returns a label pseudo instruction.
func Mark(l *Label) *Insn {
	return &Insn{Label: l}
}

// Op returns an instruction without operands.
func Op(op Opcode) *Insn {
	return &Insn{Op: op}
}

// Var returns a local variable load or store.
func Var(op Opcode, slot int) *Insn {
	return &Insn{Op: op, Index: slot}
}

// Ref returns an instruction whose operand is a constant pool index.
func Ref(op Opcode, index uint16) *Insn {
	in := &Insn{Op: op, Index: int(index)}
	if op == INVOKEINTERFACE {
		in.Incr = 1
	}
	return in
}

// InvokeInterface returns an invokeinterface instruction with the given argument slot count.
func InvokeInterface(index uint16, count int) *Insn {
	return &Insn{Op: INVOKEINTERFACE, Index: int(index), Incr: count}
}

// Jump returns a branch instruction.
func Jump(op Opcode, target *Label) *Insn {
	return &Insn{Op: op, Target: target}
}

// PushInt returns the shortest instruction that pushes v.
func PushInt(cp *ConstantPool, v int32) *Insn {
	switch {
	case v >= -1 && v <= 5:
		return Op(Opcode(int32(ICONST_0) + v))
	case v >= -128 && v <= 127:
		return &Insn{Op: BIPUSH, Index: int(v)}
	case v >= -32768 && v <= 32767:
		return &Insn{Op: SIPUSH, Index: int(v)}
	}
	return Ref(LDC, cp.AddInteger(v))
}

// Body returns the instructions of the code, without label pseudo instructions.
func (c *Code) Body() []*Insn {
	out := make([]*Insn, 0, len(c.Insns))
	for _, in := range c.Insns {
		if in.Label == nil {
			out = append(out, in)
		}
	}
	return out
}

// FrameAt returns the frame placed at the given label, or nil.
func (c *Code) FrameAt(l *Label) *Frame {
	for i := range c.Frames {
		if c.Frames[i].Label == l {
			return &c.Frames[i]
		}
	}
	return nil
}

// DecodeCode decodes the Code attribute of a method. It returns nil and no error when
// the method has no code.
func (cf *ClassFile) DecodeCode(m *Member) (*Code, error) {
	attr := cf.Attribute(m.Attributes, "Code")
	if attr == nil {
		return nil, nil
	}
	code, err := decodeCode(cf, m, attr.Data)
	if err != nil {
		return nil, fmt.Errorf("method %s%s: %w", cf.MemberName(m), cf.MemberDescriptor(m), err)
	}
	return code, nil
}

// SetCode encodes code into the Code attribute of the method.
func (cf *ClassFile) SetCode(m *Member, code *Code) error {
	data, err := code.encode(cf, m)
	if err != nil {
		return fmt.Errorf("method %s%s: %w", cf.MemberName(m), cf.MemberDescriptor(m), err)
	}
	m.Attributes = cf.SetAttribute(m.Attributes, "Code", data)
	return nil
}
