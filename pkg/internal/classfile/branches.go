package classfile

import (
	"errors"
	"fmt"
	"slices"
)

// overflowError reports a conditional branch whose target is beyond 16 bits.
type overflowError struct {
	index  int
	offset int
}

func (e *overflowError) Error() string {
	return fmt.Sprintf("%s: branch at offset %d", ErrBranchOverflow, e.offset)
}

func (e *overflowError) Unwrap() error { return ErrBranchOverflow }

// inverted returns the conditional branch taken exactly when op is not.
func inverted(op Opcode) (Opcode, bool) {
	switch {
	case op >= IFEQ && op <= IF_ACMPNE:
		return IFEQ + ((op - IFEQ) ^ 1), true
	case op == IFNULL:
		return IFNONNULL, true
	case op == IFNONNULL:
		return IFNULL, true
	}
	return 0, false
}

// relayout lays the code out, replacing every conditional branch that does not reach
// its target by the inverted condition jumping over a goto, which is widened to goto_w.
func (c *Code) relayout(cf *ClassFile, m *Member) ([]int, map[*Insn]bool, int, error) {
	for {
		offsets, wide, length, err := c.layout()
		var overflow *overflowError
		if !errors.As(err, &overflow) {
			return offsets, wide, length, err
		}
		if err := c.invertBranch(cf, m, overflow.index); err != nil {
			return nil, nil, 0, fmt.Errorf("%w: %w", overflow, err)
		}
	}
}

func (c *Code) invertBranch(cf *ClassFile, m *Member, i int) error {
	in := c.Insns[i]
	inv, ok := inverted(in.Op)
	if !ok {
		return fmt.Errorf("opcode %#x can not be inverted", uint8(in.Op))
	}
	skip := NewLabel()
	if cf.HasFrames() {
		f, err := c.fallThroughFrame(cf, m, i)
		if err != nil {
			return err
		}
		f.Label = skip
		c.Frames = append(c.Frames, f)
	}
	c.Insns = slices.Replace(c.Insns, i, i+1, Jump(inv, skip), Jump(GOTO, in.Target), Mark(skip))
	return nil
}

// fallThroughFrame derives the frame after the conditional branch at index i. The stack
// is the one at the branch target. Locals start from the closest frame before the branch
// and follow the stores in between; a reference store takes its type from the target.
func (c *Code) fallThroughFrame(cf *ClassFile, m *Member, i int) (Frame, error) {
	target := c.FrameAt(c.Insns[i].Target)
	if target == nil {
		return Frame{}, fmt.Errorf("no stack map frame at the branch target")
	}
	from := 0
	var base []VType
	for j := i - 1; j >= 0; j-- {
		if l := c.Insns[j].Label; l != nil {
			if f := c.FrameAt(l); f != nil {
				base, from = f.Locals, j+1
				break
			}
		}
	}
	if from == 0 {
		var err error
		if base, err = cf.InitialFrame(m); err != nil {
			return Frame{}, err
		}
	}

	slots := expandLocals(base)
	targetSlots := expandLocals(target.Locals)
	for _, in := range c.Insns[from:i] {
		if in.Label != nil {
			continue
		}
		switch in.Op {
		case ISTORE:
			slots = storeLocal(slots, in.Index, VType{Tag: VInteger})
		case FSTORE:
			slots = storeLocal(slots, in.Index, VType{Tag: VFloat})
		case LSTORE:
			slots = storeLocal(slots, in.Index, VType{Tag: VLong})
		case DSTORE:
			slots = storeLocal(slots, in.Index, VType{Tag: VDouble})
		case ASTORE:
			if in.Index >= len(targetSlots) || (targetSlots[in.Index].Tag != VObject && targetSlots[in.Index].Tag != VNull) {
				return Frame{}, fmt.Errorf("unknown type of the reference stored at local %d", in.Index)
			}
			slots = storeLocal(slots, in.Index, targetSlots[in.Index])
		case JSR, RET:
			return Frame{}, fmt.Errorf("subroutine before the branch")
		}
	}
	return Frame{
		Locals: compactLocals(slots),
		Stack:  slices.Clone(target.Stack),
	}, nil
}

// expandLocals returns one entry per slot, with Top after each long or double.
func expandLocals(locals []VType) []VType {
	slots := make([]VType, 0, Slots(locals))
	for _, v := range locals {
		slots = append(slots, v)
		if v.slots() == 2 {
			slots = append(slots, Top())
		}
	}
	return slots
}

func storeLocal(slots []VType, n int, v VType) []VType {
	for len(slots) < n+v.slots() {
		slots = append(slots, Top())
	}
	// a store into the second half of a long or double invalidates it
	if n > 0 && slots[n-1].slots() == 2 {
		slots[n-1] = Top()
	}
	slots[n] = v
	if v.slots() == 2 {
		slots[n+1] = Top()
	}
	return slots
}

func compactLocals(slots []VType) []VType {
	var locals []VType
	for n := 0; n < len(slots); n += slots[n].slots() {
		locals = append(locals, slots[n])
	}
	for len(locals) > 0 && locals[len(locals)-1].Tag == VTop {
		locals = locals[:len(locals)-1]
	}
	return locals
}
