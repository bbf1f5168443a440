package classfile

import (
	"fmt"
	"sort"
)

type codeDecoder struct {
	cf     *ClassFile
	code   []byte
	labels map[int]*Label
	starts map[int]bool
}

func (d *codeDecoder) label(off int) (*Label, error) {
	if off < 0 || off > len(d.code) {
		return nil, fmt.Errorf("offset %d outside of code", off)
	}
	l, ok := d.labels[off]
	if !ok {
		l = &Label{offset: off}
		d.labels[off] = l
	}
	return l, nil
}

func s16(v uint16) int { return int(int16(v)) }
func s32(v uint32) int { return int(int32(v)) }

func decodeCode(cf *ClassFile, m *Member, data []byte) (*Code, error) {
	r := &reader{data: data}
	c := &Code{MaxStack: int(r.u2()), MaxLocals: int(r.u2())}
	codeLen := int(r.u4())
	if r.err == nil && (codeLen == 0 || codeLen > 65535) {
		return nil, fmt.Errorf("invalid code length %d", codeLen)
	}
	d := &codeDecoder{cf: cf, code: r.bytes(codeLen), labels: map[int]*Label{}, starts: map[int]bool{}}
	if r.err != nil {
		return nil, r.err
	}
	insns, offsets, err := d.instructions()
	if err != nil {
		return nil, err
	}

	nHandlers := int(r.u2())
	for i := 0; i < nHandlers && r.err == nil; i++ {
		start, end, handler, catch := int(r.u2()), int(r.u2()), int(r.u2()), r.u2()
		h := Handler{CatchType: catch}
		if h.Start, err = d.label(start); err != nil {
			return nil, err
		}
		if h.End, err = d.label(end); err != nil {
			return nil, err
		}
		if h.Handler, err = d.label(handler); err != nil {
			return nil, err
		}
		c.Handlers = append(c.Handlers, h)
	}

	var stackMap []byte
	nAttrs := int(r.u2())
	for i := 0; i < nAttrs && r.err == nil; i++ {
		name, _ := cf.Pool.Utf8(r.u2())
		body := r.bytes(int(r.u4()))
		if r.err != nil {
			break
		}
		switch name {
		case "LineNumberTable":
			if c.Lines, err = d.lineNumbers(body); err != nil {
				return nil, fmt.Errorf("LineNumberTable: %w", err)
			}
		case "LocalVariableTable":
			if c.Locals, err = d.localVars(body); err != nil {
				return nil, fmt.Errorf("LocalVariableTable: %w", err)
			}
		case "LocalVariableTypeTable":
			if c.LocalTypes, err = d.localVars(body); err != nil {
				return nil, fmt.Errorf("LocalVariableTypeTable: %w", err)
			}
		case "StackMapTable":
			stackMap = body
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.pos != len(data) {
		return nil, fmt.Errorf("%d trailing bytes in Code attribute", len(data)-r.pos)
	}
	if stackMap != nil {
		if c.Frames, err = d.frames(m, stackMap); err != nil {
			return nil, fmt.Errorf("StackMapTable: %w", err)
		}
	}

	for off := range d.labels {
		if off != len(d.code) && !d.starts[off] {
			return nil, fmt.Errorf("offset %d is not an instruction boundary", off)
		}
	}
	c.Insns = d.interleave(insns, offsets)
	return c, nil
}

// interleave places label pseudo instructions before the instructions they point at.
func (d *codeDecoder) interleave(insns []*Insn, offsets []int) []*Insn {
	out := make([]*Insn, 0, len(insns)+len(d.labels))
	for i, in := range insns {
		if l, ok := d.labels[offsets[i]]; ok {
			out = append(out, Mark(l))
		}
		out = append(out, in)
	}
	if l, ok := d.labels[len(d.code)]; ok {
		out = append(out, Mark(l))
	}
	return out
}

// nolint:cyclop
func (d *codeDecoder) instructions() ([]*Insn, []int, error) {
	r := &reader{data: d.code}
	var insns []*Insn
	var offsets []int
	for r.pos < len(d.code) && r.err == nil {
		pos := r.pos
		d.starts[pos] = true
		op := Opcode(r.u1())
		in := &Insn{Op: op}
		var err error
		switch {
		case !op.valid():
			return nil, nil, fmt.Errorf("offset %d: invalid opcode 0x%02x", pos, uint8(op))
		case op >= ILOAD_0 && op <= ALOAD_3:
			in.Op = ILOAD + (op-ILOAD_0)/4
			in.Index = int(op-ILOAD_0) % 4
		case op >= ISTORE_0 && op <= ASTORE_3:
			in.Op = ISTORE + (op-ISTORE_0)/4
			in.Index = int(op-ISTORE_0) % 4
		case op.isLocalAccess():
			in.Index = int(r.u1())
		case op == IINC:
			in.Index = int(r.u1())
			in.Incr = int(int8(r.u1()))
		case op == BIPUSH:
			in.Index = int(int8(r.u1()))
		case op == SIPUSH:
			in.Index = s16(r.u2())
		case op == NEWARRAY, op == LDC:
			in.Index = int(r.u1())
		case op == WIDE:
			in.Op = Opcode(r.u1())
			in.Index = int(r.u2())
			switch {
			case in.Op == IINC:
				in.Incr = s16(r.u2())
			case !in.Op.isLocalAccess():
				return nil, nil, fmt.Errorf("offset %d: invalid wide opcode 0x%02x", pos, uint8(in.Op))
			}
		case op == GOTO_W, op == JSR_W:
			in.Op = GOTO
			if op == JSR_W {
				in.Op = JSR
			}
			in.Target, err = d.label(pos + s32(r.u4()))
		case op.IsBranch():
			in.Target, err = d.label(pos + s16(r.u2()))
		case op == TABLESWITCH, op == LOOKUPSWITCH:
			in.Switch, err = d.switchTable(r, op, pos)
		case op == INVOKEINTERFACE:
			in.Index = int(r.u2())
			in.Incr = int(r.u1())
			r.u1()
		case op == INVOKEDYNAMIC:
			in.Index = int(r.u2())
			r.u2()
		case op == MULTIANEWARRAY:
			in.Index = int(r.u2())
			in.Incr = int(r.u1())
		case op.usesPool():
			in.Index = int(r.u2())
		}
		if err != nil {
			return nil, nil, fmt.Errorf("offset %d: %w", pos, err)
		}
		insns = append(insns, in)
		offsets = append(offsets, pos)
	}
	if r.err != nil {
		return nil, nil, fmt.Errorf("truncated instruction: %w", r.err)
	}
	return insns, offsets, nil
}

func (d *codeDecoder) switchTable(r *reader, op Opcode, pos int) (*Switch, error) {
	r.pos += (4 - r.pos%4) % 4
	sw := &Switch{}
	var err error
	if sw.Default, err = d.label(pos + s32(r.u4())); err != nil {
		return nil, err
	}
	if op == TABLESWITCH {
		low, high := int32(r.u4()), int32(r.u4())
		if high < low || int64(high)-int64(low) >= int64(len(d.code)) {
			return nil, fmt.Errorf("invalid tableswitch range [%d, %d]", low, high)
		}
		sw.Low = low
		for i := int64(low); i <= int64(high) && r.err == nil; i++ {
			l, err := d.label(pos + s32(r.u4()))
			if err != nil {
				return nil, err
			}
			sw.Targets = append(sw.Targets, l)
		}
		return sw, nil
	}
	n := int(int32(r.u4()))
	if n < 0 || n > len(d.code) {
		return nil, fmt.Errorf("invalid lookupswitch size %d", n)
	}
	sw.Keys = []int32{}
	for i := 0; i < n && r.err == nil; i++ {
		sw.Keys = append(sw.Keys, int32(r.u4()))
		l, err := d.label(pos + s32(r.u4()))
		if err != nil {
			return nil, err
		}
		sw.Targets = append(sw.Targets, l)
	}
	if !sort.SliceIsSorted(sw.Keys, func(i, j int) bool { return sw.Keys[i] < sw.Keys[j] }) {
		return nil, fmt.Errorf("lookupswitch keys are not sorted")
	}
	return sw, nil
}

func (d *codeDecoder) lineNumbers(body []byte) ([]LineNumber, error) {
	r := &reader{data: body}
	n := int(r.u2())
	lines := make([]LineNumber, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		start, line := int(r.u2()), r.u2()
		l, err := d.label(start)
		if err != nil {
			return nil, err
		}
		lines = append(lines, LineNumber{Start: l, Line: line})
	}
	return lines, r.err
}

func (d *codeDecoder) localVars(body []byte) ([]LocalVar, error) {
	r := &reader{data: body}
	n := int(r.u2())
	vars := make([]LocalVar, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		start, length := int(r.u2()), int(r.u2())
		v := LocalVar{NameIndex: r.u2(), DescIndex: r.u2(), Index: r.u2()}
		var err error
		if v.Start, err = d.label(start); err != nil {
			return nil, err
		}
		if v.End, err = d.label(start + length); err != nil {
			return nil, err
		}
		vars = append(vars, v)
	}
	return vars, r.err
}
