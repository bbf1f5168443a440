package rewrite

import (
	"fmt"

	"github.com/grafana/jfr-agent/pkg/internal/classfile"
)

const (
	throwableClass = "java/lang/Throwable"
	// extra operand stack needed by the injected sequences: two event references plus a
	// category 2 value
	extraStack = 4
)

// inject adds the entry sequence, the commit before every return and, when requested,
// the catch-all handler committing the event on exceptional exits. The event is kept in
// a new local slot appended after the existing ones.
func (p *pass) inject(code *classfile.Code) error {
	cp := p.cf.Pool
	evSlot := code.MaxLocals
	evType := classfile.Object(cp, p.eventClass)

	for i := range code.Frames {
		locals, err := withEvent(code.Frames[i].Locals, evSlot, evType)
		if err != nil {
			return err
		}
		code.Frames[i].Locals = locals
	}

	insns := make([]*classfile.Insn, 0, len(code.Insns)+16)
	insns = append(insns, p.entry(evSlot)...)
	if p.cf.HasFrames() {
		for _, c := range p.captures {
			code.Frames = append(code.Frames, c.frames...)
		}
	}

	wrap := p.desc.EmitOnException()
	if wrap && p.cf.MemberName(p.method) == "<init>" {
		p.log.Debug("constructors are not wrapped with an exception handler")
		wrap = false
	}
	start := classfile.NewLabel()
	if wrap {
		insns = append(insns, classfile.Mark(start))
	}
	for _, in := range code.Insns {
		if in.Label == nil && in.Op.IsReturn() {
			insns = append(insns, p.exit(evSlot)...)
		}
		insns = append(insns, in)
	}
	if wrap {
		handler := classfile.NewLabel()
		insns = append(insns, classfile.Mark(handler))
		insns = append(insns, p.gen.commit(cp, p.eventClass, evSlot)...)
		insns = append(insns, classfile.Op(classfile.ATHROW))
		code.Handlers = append(code.Handlers, classfile.Handler{
			Start: start, End: handler, Handler: handler, CatchType: cp.AddClass(throwableClass),
		})
		if p.cf.HasFrames() {
			locals := make([]classfile.VType, 0, evSlot+1)
			for i := 0; i < evSlot; i++ {
				locals = append(locals, classfile.Top())
			}
			code.Frames = append(code.Frames, classfile.Frame{
				Label:  handler,
				Locals: append(locals, evType),
				Stack:  []classfile.VType{classfile.Object(cp, throwableClass)},
			})
		}
	}

	code.Insns = insns
	code.MaxStack += extraStack
	code.MaxLocals = evSlot + 1
	if !p.cf.HasFrames() {
		code.Frames = nil
	}
	return nil
}

// withEvent adds the event local to the locals of an existing frame.
func withEvent(locals []classfile.VType, evSlot int, evType classfile.VType) ([]classfile.VType, error) {
	used := classfile.Slots(locals)
	if used > evSlot {
		return nil, fmt.Errorf("stack map frame uses %d local slots but max_locals is %d", used, evSlot)
	}
	out := make([]classfile.VType, 0, len(locals)+evSlot-used+1)
	out = append(out, locals...)
	for ; used < evSlot; used++ {
		out = append(out, classfile.Top())
	}
	return append(out, evType), nil
}

// entry creates the event, stores the captured values, begins it and keeps it in evSlot.
func (p *pass) entry(evSlot int) []*classfile.Insn {
	cp := p.cf.Pool
	insns := []*classfile.Insn{
		classfile.Ref(classfile.NEW, cp.AddClass(p.eventClass)),
		classfile.Op(classfile.DUP),
		classfile.Ref(classfile.INVOKESPECIAL, cp.AddMethodref(p.eventClass, "<init>", "()V")),
	}
	for _, c := range p.captures {
		insns = append(insns, classfile.Op(classfile.DUP))
		insns = append(insns, c.load...)
		insns = append(insns, p.convert(c)...)
		insns = append(insns, p.store(c))
	}
	return append(insns,
		classfile.Op(classfile.DUP),
		classfile.Ref(classfile.INVOKEVIRTUAL, cp.AddMethodref(p.eventClass, "begin", "()V")),
		classfile.Var(classfile.ASTORE, evSlot),
	)
}

// exit stores the return value, left on top of the stack, and commits the event.
func (p *pass) exit(evSlot int) []*classfile.Insn {
	var insns []*classfile.Insn
	if c := p.ret; c != nil {
		if classfile.SlotSize(c.valueType) == 2 {
			insns = append(insns,
				classfile.Op(classfile.DUP2),
				classfile.Var(classfile.ALOAD, evSlot),
				classfile.Op(classfile.DUP_X2),
				classfile.Op(classfile.POP))
		} else {
			insns = append(insns,
				classfile.Op(classfile.DUP),
				classfile.Var(classfile.ALOAD, evSlot),
				classfile.Op(classfile.SWAP))
		}
		insns = append(insns, p.convert(c)...)
		insns = append(insns, p.store(c))
	}
	return append(insns, p.gen.commit(p.cf.Pool, p.eventClass, evSlot)...)
}

func (p *pass) convert(c *capture) []*classfile.Insn {
	cp := p.cf.Pool
	switch c.conv {
	case convToString:
		return []*classfile.Insn{classfile.Ref(classfile.INVOKESTATIC,
			cp.AddMethodref("java/lang/String", "valueOf", "("+objectType+")"+stringType))}
	case convConverter:
		return []*classfile.Insn{classfile.Ref(classfile.INVOKESTATIC,
			cp.AddMethodref(c.converter.owner, c.converter.name, c.converter.desc))}
	}
	return nil
}

func (p *pass) store(c *capture) *classfile.Insn {
	return classfile.Ref(classfile.PUTFIELD, p.cf.Pool.AddFieldref(p.eventClass, c.field, c.fieldType))
}
