package classfile

import (
	"fmt"
	"math"
	"sort"
)

const maxCodeLength = 65535

func fitsInt16(v int) bool { return v >= math.MinInt16 && v <= math.MaxInt16 }

func switchPad(off int) int { return (4 - (off+1)%4) % 4 }

// size returns the encoded length of in, placed at off.
func size(in *Insn, off int, wide bool) int {
	switch op := in.Op; {
	case in.Label != nil:
		return 0
	case op.isLocalAccess():
		switch {
		case in.Index > 255:
			return 4
		case in.Index <= 3 && op != RET:
			return 1
		}
		return 2
	case op == IINC:
		if in.Index > 255 || in.Incr < math.MinInt8 || in.Incr > math.MaxInt8 {
			return 6
		}
		return 3
	case op == BIPUSH, op == NEWARRAY:
		return 2
	case op == SIPUSH, op == LDC_W, op == LDC2_W:
		return 3
	case op == LDC:
		if in.Index > 255 {
			return 3
		}
		return 2
	case op.IsBranch():
		if wide {
			return 5
		}
		return 3
	case op == TABLESWITCH:
		return 1 + switchPad(off) + 12 + 4*len(in.Switch.Targets)
	case op == LOOKUPSWITCH:
		return 1 + switchPad(off) + 8 + 8*len(in.Switch.Targets)
	case op == INVOKEINTERFACE, op == INVOKEDYNAMIC:
		return 5
	case op == MULTIANEWARRAY:
		return 4
	case op.usesPool():
		return 3
	}
	return 1
}

// layout assigns offsets to every label, widening unconditional jumps that do not fit
// in 16 bits. It returns the offset of every instruction and the code length, or an
// *overflowError for the first conditional branch out of reach.
func (c *Code) layout() ([]int, map[*Insn]bool, int, error) {
	wide := map[*Insn]bool{}
	offsets := make([]int, len(c.Insns))
	for {
		off := 0
		for i, in := range c.Insns {
			offsets[i] = off
			if in.Label != nil {
				in.Label.offset = off
			}
			off += size(in, off, wide[in])
		}
		changed := false
		for i, in := range c.Insns {
			if in.Label != nil || !in.Op.IsBranch() || wide[in] {
				continue
			}
			if in.Target.offset < 0 {
				return nil, nil, 0, fmt.Errorf("branch at offset %d to unplaced label", offsets[i])
			}
			if fitsInt16(in.Target.offset - offsets[i]) {
				continue
			}
			if !in.Op.isUnconditional() {
				return nil, nil, 0, &overflowError{index: i, offset: offsets[i]}
			}
			wide[in] = true
			changed = true
		}
		if !changed {
			if off > maxCodeLength {
				return nil, nil, 0, fmt.Errorf("%w: %d bytes", ErrCodeTooLarge, off)
			}
			return offsets, wide, off, nil
		}
	}
}

// resetLabels marks every referenced label as unplaced, then checks that no label is
// placed twice.
func (c *Code) resetLabels() error {
	reset := func(l *Label) {
		if l != nil {
			l.offset = -1
		}
	}
	for _, in := range c.Insns {
		reset(in.Label)
		reset(in.Target)
		if in.Switch != nil {
			reset(in.Switch.Default)
			for _, t := range in.Switch.Targets {
				reset(t)
			}
		}
	}
	for _, h := range c.Handlers {
		reset(h.Start)
		reset(h.End)
		reset(h.Handler)
	}
	for _, ln := range c.Lines {
		reset(ln.Start)
	}
	for _, v := range append(append([]LocalVar{}, c.Locals...), c.LocalTypes...) {
		reset(v.Start)
		reset(v.End)
	}
	for _, f := range c.Frames {
		reset(f.Label)
		for _, v := range append(append([]VType{}, f.Locals...), f.Stack...) {
			reset(v.New)
		}
	}
	seen := map[*Label]struct{}{}
	for _, in := range c.Insns {
		if in.Label == nil {
			continue
		}
		if _, ok := seen[in.Label]; ok {
			return fmt.Errorf("label placed twice")
		}
		seen[in.Label] = struct{}{}
	}
	return nil
}

func placed(l *Label) bool { return l != nil && l.offset >= 0 }

// nolint:cyclop
func (c *Code) encode(cf *ClassFile, m *Member) ([]byte, error) {
	if err := c.resetLabels(); err != nil {
		return nil, err
	}
	offsets, wide, length, err := c.relayout(cf, m)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, fmt.Errorf("empty code")
	}
	w := &writer{}
	w.u2(uint16(c.MaxStack))
	w.u2(uint16(c.MaxLocals))
	w.u4(uint32(length))
	start := w.len()
	for i, in := range c.Insns {
		if in.Label != nil {
			continue
		}
		if err := writeInsn(w, in, offsets[i], start, wide[in]); err != nil {
			return nil, fmt.Errorf("offset %d: %w", offsets[i], err)
		}
	}
	if w.len()-start != length {
		return nil, fmt.Errorf("code layout mismatch: %d != %d", w.len()-start, length)
	}

	w.u2(uint16(len(c.Handlers)))
	for _, h := range c.Handlers {
		if !placed(h.Start) || !placed(h.End) || !placed(h.Handler) {
			return nil, fmt.Errorf("exception handler with unplaced label")
		}
		w.u2(uint16(h.Start.offset))
		w.u2(uint16(h.End.offset))
		w.u2(uint16(h.Handler.offset))
		w.u2(h.CatchType)
	}

	var attrs []Attribute
	if len(c.Lines) > 0 {
		aw := &writer{}
		aw.u2(uint16(len(c.Lines)))
		for _, ln := range c.Lines {
			if !placed(ln.Start) {
				return nil, fmt.Errorf("line number with unplaced label")
			}
			aw.u2(uint16(ln.Start.offset))
			aw.u2(ln.Line)
		}
		attrs = append(attrs, Attribute{NameIndex: cf.Pool.AddUtf8("LineNumberTable"), Data: aw.buf})
	}
	for _, t := range []struct {
		name string
		vars []LocalVar
	}{{"LocalVariableTable", c.Locals}, {"LocalVariableTypeTable", c.LocalTypes}} {
		if len(t.vars) == 0 {
			continue
		}
		aw := &writer{}
		aw.u2(uint16(len(t.vars)))
		for _, v := range t.vars {
			if !placed(v.Start) || !placed(v.End) {
				return nil, fmt.Errorf("%s entry with unplaced label", t.name)
			}
			aw.u2(uint16(v.Start.offset))
			aw.u2(uint16(v.End.offset - v.Start.offset))
			aw.u2(v.NameIndex)
			aw.u2(v.DescIndex)
			aw.u2(v.Index)
		}
		attrs = append(attrs, Attribute{NameIndex: cf.Pool.AddUtf8(t.name), Data: aw.buf})
	}
	if cf.HasFrames() && len(c.Frames) > 0 {
		data, err := c.encodeFrames(length)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, Attribute{NameIndex: cf.Pool.AddUtf8("StackMapTable"), Data: data})
	}
	writeAttributes(w, attrs)
	return w.buf, nil
}

// encodeFrames writes every frame as a full_frame, ordered by offset.
func (c *Code) encodeFrames(length int) ([]byte, error) {
	frames := make([]Frame, 0, len(c.Frames))
	for _, f := range c.Frames {
		if !placed(f.Label) {
			return nil, fmt.Errorf("stack map frame with unplaced label")
		}
		if f.Label.offset < length {
			frames = append(frames, f)
		}
	}
	sort.SliceStable(frames, func(i, j int) bool { return frames[i].Label.offset < frames[j].Label.offset })
	w := &writer{}
	count := 0
	prev := -1
	body := &writer{}
	for _, f := range frames {
		if f.Label.offset == prev {
			continue
		}
		for _, v := range append(append([]VType{}, f.Locals...), f.Stack...) {
			if v.Tag == VUninitialized && !placed(v.New) {
				return nil, fmt.Errorf("uninitialized type with unplaced label")
			}
		}
		body.u1(255)
		body.u2(uint16(f.Label.offset - prev - 1))
		writeVTypes(body, f.Locals)
		writeVTypes(body, f.Stack)
		prev = f.Label.offset
		count++
	}
	w.u2(uint16(count))
	w.write(body.buf)
	return w.buf, nil
}

// nolint:cyclop
func writeInsn(w *writer, in *Insn, off, start int, wide bool) error {
	op := in.Op
	switch {
	case op.isLocalAccess():
		switch {
		case in.Index > 255:
			w.u1(uint8(WIDE))
			w.u1(uint8(op))
			w.u2(uint16(in.Index))
		case in.Index <= 3 && op >= ILOAD && op <= ALOAD:
			w.u1(uint8(ILOAD_0) + uint8(op-ILOAD)*4 + uint8(in.Index))
		case in.Index <= 3 && op >= ISTORE && op <= ASTORE:
			w.u1(uint8(ISTORE_0) + uint8(op-ISTORE)*4 + uint8(in.Index))
		default:
			w.u1(uint8(op))
			w.u1(uint8(in.Index))
		}
	case op == IINC:
		if in.Index > 255 || in.Incr < math.MinInt8 || in.Incr > math.MaxInt8 {
			w.u1(uint8(WIDE))
			w.u1(uint8(op))
			w.u2(uint16(in.Index))
			w.u2(uint16(int16(in.Incr)))
		} else {
			w.u1(uint8(op))
			w.u1(uint8(in.Index))
			w.u1(uint8(int8(in.Incr)))
		}
	case op == BIPUSH, op == NEWARRAY:
		w.u1(uint8(op))
		w.u1(uint8(in.Index))
	case op == SIPUSH:
		w.u1(uint8(op))
		w.u2(uint16(int16(in.Index)))
	case op == LDC:
		if in.Index > 255 {
			w.u1(uint8(LDC_W))
			w.u2(uint16(in.Index))
		} else {
			w.u1(uint8(op))
			w.u1(uint8(in.Index))
		}
	case op.IsBranch():
		if !placed(in.Target) {
			return fmt.Errorf("branch to unplaced label")
		}
		delta := in.Target.offset - off
		if wide {
			if op == JSR {
				w.u1(uint8(JSR_W))
			} else {
				w.u1(uint8(GOTO_W))
			}
			w.u4(uint32(int32(delta)))
		} else {
			w.u1(uint8(op))
			w.u2(uint16(int16(delta)))
		}
	case op == TABLESWITCH, op == LOOKUPSWITCH:
		return writeSwitch(w, in, off, start)
	case op == INVOKEINTERFACE:
		w.u1(uint8(op))
		w.u2(uint16(in.Index))
		w.u1(uint8(in.Incr))
		w.u1(0)
	case op == INVOKEDYNAMIC:
		w.u1(uint8(op))
		w.u2(uint16(in.Index))
		w.u2(0)
	case op == MULTIANEWARRAY:
		w.u1(uint8(op))
		w.u2(uint16(in.Index))
		w.u1(uint8(in.Incr))
	case op.usesPool():
		w.u1(uint8(op))
		w.u2(uint16(in.Index))
	default:
		w.u1(uint8(op))
	}
	return nil
}

func writeSwitch(w *writer, in *Insn, off, start int) error {
	sw := in.Switch
	labels := append([]*Label{sw.Default}, sw.Targets...)
	for _, l := range labels {
		if !placed(l) {
			return fmt.Errorf("switch to unplaced label")
		}
	}
	w.u1(uint8(in.Op))
	for (w.len()-start)%4 != 0 {
		w.u1(0)
	}
	w.u4(uint32(int32(sw.Default.offset - off)))
	if in.Op == TABLESWITCH {
		w.u4(uint32(sw.Low))
		w.u4(uint32(sw.Low + int32(len(sw.Targets)) - 1))
		for _, t := range sw.Targets {
			w.u4(uint32(int32(t.offset - off)))
		}
		return nil
	}
	if len(sw.Keys) != len(sw.Targets) {
		return fmt.Errorf("lookupswitch with %d keys and %d targets", len(sw.Keys), len(sw.Targets))
	}
	w.u4(uint32(len(sw.Keys)))
	for i, k := range sw.Keys {
		w.u4(uint32(k))
		w.u4(uint32(int32(sw.Targets[i].offset - off)))
	}
	return nil
}
