package rewrite

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/jfr-agent/pkg/internal/classfile"
	"github.com/grafana/jfr-agent/pkg/internal/descriptor"
	"github.com/grafana/jfr-agent/pkg/internal/strategy"
	"github.com/grafana/jfr-agent/pkg/testutil"
)

const eventName = "com/example/__JFREventDemoevent1"

func fooMethod(name, desc string) descriptor.MethodSignature {
	return descriptor.MethodSignature{ClassName: testutil.FooClass, Name: name, Descriptor: desc}
}

func param(index int, name string) descriptor.Parameter {
	return descriptor.Parameter{Index: index, Capture: descriptor.Capture{Name: name}}
}

func decode(t *testing.T, class []byte, name, desc string) (*classfile.ClassFile, *classfile.Code) {
	t.Helper()
	cf, err := classfile.Parse(class)
	require.NoError(t, err)
	m := cf.FindMethod(name, desc)
	require.NotNil(t, m, "method %s%s", name, desc)
	code, err := cf.DecodeCode(m)
	require.NoError(t, err)
	require.NotNil(t, code)
	return cf, code
}

func ops(code *classfile.Code) []classfile.Opcode {
	var out []classfile.Opcode
	for _, in := range code.Body() {
		out = append(out, in.Op)
	}
	return out
}

// refs returns owner.name:desc of every member reference in the code.
func refs(t *testing.T, cf *classfile.ClassFile, code *classfile.Code) []string {
	t.Helper()
	var out []string
	for _, in := range code.Body() {
		switch in.Op {
		case classfile.GETFIELD, classfile.PUTFIELD, classfile.GETSTATIC, classfile.PUTSTATIC,
			classfile.INVOKEVIRTUAL, classfile.INVOKESPECIAL, classfile.INVOKESTATIC:
			owner, name, desc, err := cf.Pool.MemberRef(uint16(in.Index))
			require.NoError(t, err)
			out = append(out, owner+"."+name+":"+desc)
		}
	}
	return out
}

func rewrite(t *testing.T, s strategy.Strategy, descs ...*descriptor.Descriptor) *Outcome {
	t.Helper()
	out := New(Options{}).Rewrite(testutil.Foo(t), descs, s)
	require.Nil(t, out.Failure)
	require.True(t, out.Modified())
	return out
}

func TestRewrite_CapturesParameterAtSingleReturn(t *testing.T) {
	d := descriptor.New("demo.event1", fooMethod("bar", "(I)V"),
		[]descriptor.Parameter{param(0, "value")}, nil, nil,
		map[string]string{descriptor.AttrEmitOnException: "false"})
	out := rewrite(t, strategy.Modern, d)

	assert.Equal(t, []*descriptor.Descriptor{d}, out.Applied)
	require.Len(t, out.EventClasses, 1)
	assert.Equal(t, eventName, out.EventClasses[0].Name)

	cf, code := decode(t, out.Bytes(), "bar", "(I)V")
	assert.Equal(t, []classfile.Opcode{
		classfile.NEW, classfile.DUP, classfile.INVOKESPECIAL,
		classfile.DUP, classfile.ILOAD, classfile.PUTFIELD,
		classfile.DUP, classfile.INVOKEVIRTUAL, classfile.ASTORE,
		classfile.ILOAD, classfile.ISTORE,
		classfile.ALOAD, classfile.INVOKEVIRTUAL, classfile.RETURN,
	}, ops(code))
	assert.Equal(t, []string{
		eventName + ".<init>:()V",
		eventName + ".fieldValue:I",
		eventName + ".begin:()V",
		eventName + ".commit:()V",
	}, refs(t, cf, code))
	body := code.Body()
	assert.Equal(t, 1, body[4].Index, "loads the first argument")
	assert.Equal(t, 3, body[8].Index, "event stored after the original locals")
	assert.Equal(t, 4, code.MaxLocals)
	assert.Equal(t, 1+extraStack, code.MaxStack)
	assert.Empty(t, code.Handlers)

	ev, err := classfile.Parse(out.EventClasses[0].Bytes)
	require.NoError(t, err)
	assert.Equal(t, eventName, ev.Name())
	assert.Equal(t, "jdk/jfr/Event", ev.SuperName())
	f := ev.FindField("fieldValue")
	require.NotNil(t, f)
	assert.Equal(t, "I", ev.MemberDescriptor(f))
	assert.NotNil(t, ev.FindMethod("<init>", "()V"))
}

func TestRewrite_UnrelatedClassIsUntouched(t *testing.T) {
	baz := testutil.Baz(t)
	out := New(Options{}).Rewrite(baz, nil, strategy.Modern)
	assert.False(t, out.Modified())
	assert.Nil(t, out.Failure)
	assert.Equal(t, baz, out.Bytes())
}

func TestRewrite_FailOpen(t *testing.T) {
	foo := testutil.Foo(t)
	bar := fooMethod("bar", "(I)V")
	type testCase struct {
		name     string
		input    []byte
		desc     *descriptor.Descriptor
		strategy strategy.Strategy
		failure  bool
	}
	for _, tc := range []testCase{
		{name: "invalid class", input: []byte{0xCA, 0xFE, 0xBA, 0xBE, 0, 0}, failure: true,
			desc: descriptor.New("e", bar, nil, nil, nil, nil), strategy: strategy.Modern},
		{name: "method descriptor does not exist", input: foo,
			desc: descriptor.New("e", fooMethod("bar", "(J)V"), nil, nil, nil, nil), strategy: strategy.Modern},
		{name: "native method", input: foo,
			desc: descriptor.New("e", fooMethod("sleep", "()V"), nil, nil, nil, nil), strategy: strategy.Modern},
		{name: "other class", input: testutil.Baz(t), failure: true,
			desc: descriptor.New("e", bar, nil, nil, nil, nil), strategy: strategy.Modern},
		{name: "no event api", input: foo, failure: true,
			desc: descriptor.New("e", bar, nil, nil, nil, nil), strategy: strategy.Unavailable},
		{name: "parameter index out of range", input: foo, failure: true,
			desc:     descriptor.New("e", bar, []descriptor.Parameter{param(3, "x")}, nil, nil, nil),
			strategy: strategy.Modern},
		{name: "missing field", input: foo, failure: true,
			desc: descriptor.New("e", bar, nil, nil,
				[]descriptor.Field{{Expression: "this.missing", Capture: descriptor.Capture{Name: "m"}}}, nil),
			strategy: strategy.Modern},
		{name: "instance field in static method", input: foo, failure: true,
			desc: descriptor.New("e", fooMethod("tick", "()V"), nil, nil,
				[]descriptor.Field{{Expression: "count", Capture: descriptor.Capture{Name: "count"}}}, nil),
			strategy: strategy.Modern},
		{name: "field of another class", input: foo, failure: true,
			desc: descriptor.New("e", bar, nil, nil,
				[]descriptor.Field{{Expression: "java.lang.System.out", Capture: descriptor.Capture{Name: "out"}}}, nil),
			strategy: strategy.Modern},
		{name: "duplicate field identifiers", input: foo, failure: true,
			desc: descriptor.New("e", bar, []descriptor.Parameter{param(0, "value"), param(0, "value")}, nil, nil, nil),
			strategy: strategy.Modern},
	} {
		t.Run(tc.name, func(t *testing.T) {
			out := New(Options{}).Rewrite(tc.input, []*descriptor.Descriptor{tc.desc}, tc.strategy)
			assert.False(t, out.Modified())
			assert.Equal(t, tc.input, out.Bytes())
			assert.Empty(t, out.EventClasses)
			assert.Empty(t, out.Applied)
			if tc.failure {
				require.NotNil(t, out.Failure)
				assert.Error(t, out.Failure)
			} else {
				assert.Nil(t, out.Failure)
			}
		})
	}
}

func TestRewrite_UnavailableFailureCause(t *testing.T) {
	out := New(Options{}).Rewrite(testutil.Foo(t),
		[]*descriptor.Descriptor{descriptor.New("e", fooMethod("bar", "(I)V"), nil, nil, nil, nil)},
		strategy.Unavailable)
	require.NotNil(t, out.Failure)
	assert.ErrorIs(t, out.Failure, ErrUnavailable)
}

func TestRewrite_FailureNamesDescriptor(t *testing.T) {
	d := descriptor.New("demo.broken", fooMethod("bar", "(I)V"),
		[]descriptor.Parameter{param(7, "x")}, nil, nil, nil)
	out := New(Options{}).Rewrite(testutil.Foo(t), []*descriptor.Descriptor{d}, strategy.Modern)
	require.NotNil(t, out.Failure)
	assert.Equal(t, "demo.broken", out.Failure.DescriptorID)
	assert.Equal(t, d.Method, out.Failure.Method)
	assert.Contains(t, out.Failure.Error(), "com/example/Foo.bar(I)V")
}

func TestRewrite_EmitOnException(t *testing.T) {
	d := descriptor.New("demo.event1", fooMethod("loop", "(I)I"),
		[]descriptor.Parameter{param(0, "n")}, &descriptor.ReturnValue{}, nil,
		map[string]string{descriptor.AttrEmitOnException: "true"})
	out := rewrite(t, strategy.Modern, d)

	cf, code := decode(t, out.Bytes(), "loop", "(I)I")
	require.Len(t, code.Handlers, 1)
	h := code.Handlers[0]
	catch, err := cf.Pool.ClassName(h.CatchType)
	require.NoError(t, err)
	assert.Equal(t, "java/lang/Throwable", catch)
	assert.Same(t, h.End, h.Handler, "the handler starts where the protected range ends")
	assert.Less(t, h.Start.Offset(), h.End.Offset())

	body := ops(code)
	assert.Equal(t, []classfile.Opcode{classfile.ALOAD, classfile.INVOKEVIRTUAL, classfile.ATHROW}, body[len(body)-3:])
	// the return value is stored before the commit
	assert.Equal(t, []classfile.Opcode{
		classfile.DUP, classfile.ALOAD, classfile.SWAP, classfile.PUTFIELD,
		classfile.ALOAD, classfile.INVOKEVIRTUAL, classfile.IRETURN,
	}, body[len(body)-10:len(body)-3])

	evType := classfile.Object(cf.Pool, eventName)
	require.Len(t, code.Frames, 3)
	for _, f := range code.Frames {
		require.Len(t, f.Locals, 4)
		assert.Equal(t, evType.Tag, f.Locals[3].Tag)
		name, err := cf.Pool.ClassName(f.Locals[3].Class)
		require.NoError(t, err)
		assert.Equal(t, eventName, name)
	}
	handler := code.FrameAt(h.Handler)
	require.NotNil(t, handler)
	for _, v := range handler.Locals[:3] {
		assert.Equal(t, classfile.Top(), v)
	}
	require.Len(t, handler.Stack, 1)
	name, err := cf.Pool.ClassName(handler.Stack[0].Class)
	require.NoError(t, err)
	assert.Equal(t, "java/lang/Throwable", name)
}

func TestRewrite_ConstructorIsNotWrapped(t *testing.T) {
	d := descriptor.New("demo.event1", fooMethod("<init>", "()V"), nil, nil, nil,
		map[string]string{descriptor.AttrEmitOnException: "true"})
	out := rewrite(t, strategy.Modern, d)
	_, code := decode(t, out.Bytes(), "<init>", "()V")
	assert.Empty(t, code.Handlers)
	assert.Equal(t, classfile.RETURN, ops(code)[len(code.Body())-1])
}

func TestRewrite_WideReturnValue(t *testing.T) {
	d := descriptor.New("demo.event1", fooMethod("twice", "(J)J"),
		[]descriptor.Parameter{param(0, "in")}, &descriptor.ReturnValue{Capture: descriptor.Capture{Name: "out"}}, nil, nil)
	out := rewrite(t, strategy.Modern, d)

	cf, code := decode(t, out.Bytes(), "twice", "(J)J")
	body := code.Body()
	assert.Equal(t, []classfile.Opcode{
		classfile.LLOAD,
		classfile.DUP2, classfile.ALOAD, classfile.DUP_X2, classfile.POP, classfile.PUTFIELD,
		classfile.ALOAD, classfile.INVOKEVIRTUAL, classfile.LRETURN,
	}, ops(code)[len(body)-9:])
	assert.Equal(t, 3, body[len(body)-7].Index)
	assert.Equal(t, 4, code.MaxLocals)
	assert.Contains(t, refs(t, cf, code), eventName+".fieldOut:J")
	assert.Contains(t, refs(t, cf, code), eventName+".fieldIn:J")
}

func TestRewrite_VoidReturnValueIsSkipped(t *testing.T) {
	d := descriptor.New("demo.event1", fooMethod("bar", "(I)V"), nil, &descriptor.ReturnValue{}, nil, nil)
	out := rewrite(t, strategy.Modern, d)
	ev, err := classfile.Parse(out.EventClasses[0].Bytes)
	require.NoError(t, err)
	assert.Empty(t, ev.Fields)
}

func TestRewrite_Legacy(t *testing.T) {
	d := descriptor.New("demo.event1", fooMethod("bar", "(I)V"),
		[]descriptor.Parameter{param(0, "value")}, nil, nil,
		map[string]string{descriptor.AttrPath: "demo/events", descriptor.AttrStackTrace: "true"})
	out := New(Options{LegacyRegistrar: "org.acme.Registrar"}).
		Rewrite(testutil.Foo(t), []*descriptor.Descriptor{d}, strategy.Legacy)
	require.Nil(t, out.Failure)

	cf, code := decode(t, out.Bytes(), "bar", "(I)V")
	assert.Equal(t, []classfile.Opcode{
		classfile.ALOAD, classfile.DUP, classfile.INVOKEVIRTUAL, classfile.INVOKEVIRTUAL, classfile.RETURN,
	}, ops(code)[len(code.Body())-5:])
	r := refs(t, cf, code)
	assert.Equal(t, []string{eventName + ".end:()V", eventName + ".commit:()V"}, r[len(r)-2:])

	ev, err := classfile.Parse(out.EventClasses[0].Bytes)
	require.NoError(t, err)
	assert.Equal(t, "com/oracle/jrockit/jfr/TimedEvent", ev.SuperName())
	assert.EqualValues(t, classfile.Java7, ev.Major)
	token := ev.FindField("token")
	require.NotNil(t, token)
	assert.NotZero(t, token.Access&classfile.AccStatic)

	clinit := ev.FindMethod("<clinit>", "()V")
	require.NotNil(t, clinit)
	clinitCode, err := ev.DecodeCode(clinit)
	require.NoError(t, err)
	assert.Contains(t, refs(t, ev, clinitCode),
		"org/acme/Registrar.register:(Ljava/lang/Class;)Ljava/lang/Object;")

	anns, err := ev.Annotations(ev.Attributes)
	require.NoError(t, err)
	require.Len(t, anns, 1)
	assert.Equal(t, "Lcom/oracle/jrockit/jfr/EventDefinition;", anns[0].Type)
	elems := map[string]classfile.ElementValue{}
	for _, e := range anns[0].Elements {
		elems[e.Name] = e.Value
	}
	assert.Equal(t, "demo.event1", elems["name"].Str)
	assert.Equal(t, "demo/events", elems["path"].Str)
	assert.True(t, elems["stacktrace"].Bool)
	assert.True(t, elems["thread"].Bool)
}

func TestRewrite_LegacyRejectsClassValues(t *testing.T) {
	assert.True(t, modern{}.supports("Ljava/lang/Thread;"))
	assert.False(t, legacy{}.supports("Ljava/lang/Thread;"))
	assert.True(t, legacy{}.supports("D"))
	assert.False(t, legacy{}.supports("[I"))
}

func TestRewrite_ToString(t *testing.T) {
	describe := fooMethod("describe", "(Ljava/lang/Object;)Ljava/lang/String;")

	t.Run("allowed", func(t *testing.T) {
		d := descriptor.New("demo.event1", describe, []descriptor.Parameter{param(0, "target")}, nil, nil,
			map[string]string{descriptor.AttrAllowToString: "true"})
		out := rewrite(t, strategy.Modern, d)
		cf, code := decode(t, out.Bytes(), describe.Name, describe.Descriptor)
		assert.Contains(t, refs(t, cf, code), "java/lang/String.valueOf:(Ljava/lang/Object;)Ljava/lang/String;")
		assert.Contains(t, refs(t, cf, code), eventName+".fieldTarget:Ljava/lang/String;")
	})
	t.Run("not allowed", func(t *testing.T) {
		d := descriptor.New("demo.event1", describe, []descriptor.Parameter{param(0, "target")}, nil, nil, nil)
		out := rewrite(t, strategy.Modern, d)
		ev, err := classfile.Parse(out.EventClasses[0].Bytes)
		require.NoError(t, err)
		assert.Nil(t, ev.FindField("fieldTarget"), "unsupported values are skipped")
	})
}

func TestRewrite_Converter(t *testing.T) {
	describe := fooMethod("describe", "(Ljava/lang/Object;)Ljava/lang/String;")
	withConverter := func(conv string, allow bool) *descriptor.Descriptor {
		p := param(0, "target")
		p.Converter = conv
		attrs := map[string]string{}
		if allow {
			attrs[descriptor.AttrAllowConverter] = "true"
		}
		return descriptor.New("demo.event1", describe, []descriptor.Parameter{p}, nil, nil, attrs)
	}

	t.Run("default method", func(t *testing.T) {
		out := rewrite(t, strategy.Modern, withConverter("org.acme.Conv", true))
		cf, code := decode(t, out.Bytes(), describe.Name, describe.Descriptor)
		assert.Contains(t, refs(t, cf, code), "org/acme/Conv.convert:(Ljava/lang/Object;)Ljava/lang/String;")
	})
	t.Run("explicit method", func(t *testing.T) {
		out := rewrite(t, strategy.Modern, withConverter("org.acme.Conv.hash(Ljava/lang/Object;)J", true))
		cf, code := decode(t, out.Bytes(), describe.Name, describe.Descriptor)
		assert.Contains(t, refs(t, cf, code), "org/acme/Conv.hash:(Ljava/lang/Object;)J")
		assert.Contains(t, refs(t, cf, code), eventName+".fieldTarget:J")
	})
	t.Run("ignored when not allowed", func(t *testing.T) {
		out := rewrite(t, strategy.Modern, withConverter("org.acme.Conv", false))
		cf, code := decode(t, out.Bytes(), describe.Name, describe.Descriptor)
		assert.NotContains(t, refs(t, cf, code), "org/acme/Conv.convert:(Ljava/lang/Object;)Ljava/lang/String;")
	})
	for name, conv := range map[string]string{
		"unsupported return": "org.acme.Conv.list(Ljava/lang/Object;)Ljava/util/List;",
		"wrong argument":     "org.acme.Conv.of(I)Ljava/lang/String;",
		"malformed":          "org.acme.Conv.(",
	} {
		t.Run(name, func(t *testing.T) {
			out := New(Options{}).Rewrite(testutil.Foo(t), []*descriptor.Descriptor{withConverter(conv, true)}, strategy.Modern)
			assert.NotNil(t, out.Failure)
			assert.False(t, out.Modified())
		})
	}
}

func TestRewrite_FieldExpressions(t *testing.T) {
	d := descriptor.New("demo.event1", fooMethod("bar", "(I)V"), nil, nil, []descriptor.Field{
		{Expression: "this.count", Capture: descriptor.Capture{Name: "count"}},
		{Expression: "Foo.name", Capture: descriptor.Capture{Name: "the name"}},
	}, nil)
	out := rewrite(t, strategy.Modern, d)
	cf, code := decode(t, out.Bytes(), "bar", "(I)V")
	r := refs(t, cf, code)
	assert.Contains(t, r, testutil.FooClass+".count:I")
	assert.Contains(t, r, testutil.FooClass+".name:Ljava/lang/String;")
	assert.Contains(t, r, eventName+".fieldCount:I")
	assert.Contains(t, r, eventName+"."+descriptor.FieldIdentifier("the name")+":Ljava/lang/String;")
}

func TestRewrite_ComposesDescriptors(t *testing.T) {
	first := descriptor.New("demo.event1", fooMethod("loop", "(I)I"), nil, nil, nil,
		map[string]string{descriptor.AttrEmitOnException: "true"})
	second := descriptor.New("demo.event2", fooMethod("loop", "(I)I"), nil, nil, nil,
		map[string]string{descriptor.AttrEmitOnException: "true"})
	out := rewrite(t, strategy.Modern, first, second)

	assert.Equal(t, []*descriptor.Descriptor{first, second}, out.Applied)
	require.Len(t, out.EventClasses, 2)
	assert.Equal(t, "com/example/__JFREventDemoevent2", out.EventClasses[1].Name)

	_, code := decode(t, out.Bytes(), "loop", "(I)I")
	assert.Equal(t, 5, code.MaxLocals)
	require.Len(t, code.Handlers, 2)
	// the handler of the first pass is protected by the second one
	assert.Less(t, code.Handlers[0].Handler.Offset(), code.Handlers[1].End.Offset())
	for _, f := range code.Frames {
		assert.Len(t, f.Locals, 5)
	}
}

func TestRewrite_DuplicateEventClass(t *testing.T) {
	a := descriptor.New("demo.event1", fooMethod("bar", "(I)V"), nil, nil, nil, nil)
	b := descriptor.New("demo.event1", fooMethod("loop", "(I)I"), nil, nil, nil, nil)
	out := New(Options{}).Rewrite(testutil.Foo(t), []*descriptor.Descriptor{a, b}, strategy.Modern)
	require.NotNil(t, out.Failure)
	assert.Equal(t, "demo.event1", out.Failure.DescriptorID)
	assert.Empty(t, out.Applied)
}

func TestModernEventClass_Metadata(t *testing.T) {
	p := param(0, "elapsed")
	p.ContentType = "Timespan"
	p.Description = "time spent"
	p.RelationKey = "ignored"
	q := param(0, "other")
	q.ContentType = "org.acme.Unit"
	d := descriptor.New("demo.event1", fooMethod("twice", "(J)J"),
		[]descriptor.Parameter{p, q}, nil, nil, map[string]string{
			descriptor.AttrLabel:       "Twice",
			descriptor.AttrDescription: "doubles",
			descriptor.AttrPath:        "demo/ math",
		})
	out := rewrite(t, strategy.Modern, d)
	ev, err := classfile.Parse(out.EventClasses[0].Bytes)
	require.NoError(t, err)
	assert.EqualValues(t, classfile.Java8, ev.Major)

	anns, err := ev.Annotations(ev.Attributes)
	require.NoError(t, err)
	byType := map[string]classfile.Annotation{}
	for _, a := range anns {
		byType[a.Type] = a
	}
	assert.Equal(t, "Twice", byType["Ljdk/jfr/Label;"].Elements[0].Value.Str)
	assert.Equal(t, "doubles", byType["Ljdk/jfr/Description;"].Elements[0].Value.Str)
	cats := byType["Ljdk/jfr/Category;"].Elements[0].Value.Array
	require.Len(t, cats, 2)
	assert.Equal(t, "demo", cats[0].Str)
	assert.Equal(t, "math", cats[1].Str)
	assert.False(t, byType["Ljdk/jfr/StackTrace;"].Elements[0].Value.Bool)
	assert.NotContains(t, byType, "Ljdk/jfr/Name;")

	fieldTypes := func(name string) []string {
		f := ev.FindField(name)
		require.NotNil(t, f)
		fa, err := ev.Annotations(f.Attributes)
		require.NoError(t, err)
		var out []string
		for _, a := range fa {
			out = append(out, a.Type)
		}
		return out
	}
	assert.Equal(t, []string{"Ljdk/jfr/Label;", "Ljdk/jfr/Description;", "Ljdk/jfr/Timespan;"}, fieldTypes("fieldElapsed"))
	assert.Equal(t, []string{"Ljdk/jfr/Label;", "Lorg/acme/Unit;"}, fieldTypes("fieldOther"))
}

// classes assembles the classes that field expressions refer to:
//
//	public class Base { protected int level; private int secret; }
//	public class Node extends Base { Node next; int depth; public void visit() {} public static void walk() {} }
//	public class Config { public static Node ROOT; }
//	public class Outer { int size; static String NAME; class Inner { void run() {} } static class Nested { void run() {} } }
func classes(t *testing.T) map[string][]byte {
	t.Helper()
	out := map[string][]byte{}
	define := func(name, super string, build func(cf *classfile.ClassFile)) {
		cf := classfile.New(name, super, classfile.AccPublic|classfile.AccSuper, classfile.Java8)
		build(cf)
		b, err := cf.Bytes()
		require.NoError(t, err)
		out[name] = b
	}
	method := func(cf *classfile.ClassFile, access uint16, name string) {
		locals := 1
		if access&classfile.AccStatic != 0 {
			locals = 0
		}
		_, err := cf.AddMethod(access, name, "()V", &classfile.Code{
			MaxLocals: locals, Insns: []*classfile.Insn{classfile.Op(classfile.RETURN)},
		})
		require.NoError(t, err)
	}
	define("com/example/Base", "java/lang/Object", func(cf *classfile.ClassFile) {
		cf.AddField(classfile.AccProtected, "level", "I")
		cf.AddField(classfile.AccPrivate, "secret", "I")
	})
	define("com/example/Node", "com/example/Base", func(cf *classfile.ClassFile) {
		cf.AddField(0, "next", "Lcom/example/Node;")
		cf.AddField(0, "depth", "I")
		method(cf, classfile.AccPublic, "visit")
		method(cf, classfile.AccPublic|classfile.AccStatic, "walk")
	})
	define("com/example/Config", "java/lang/Object", func(cf *classfile.ClassFile) {
		cf.AddField(classfile.AccPublic|classfile.AccStatic, "ROOT", "Lcom/example/Node;")
	})
	define("com/example/Outer", "java/lang/Object", func(cf *classfile.ClassFile) {
		cf.AddField(0, "size", "I")
		cf.AddField(classfile.AccStatic, "NAME", "Ljava/lang/String;")
	})
	define("com/example/Outer$Inner", "java/lang/Object", func(cf *classfile.ClassFile) {
		cf.AddField(classfile.AccFinal|classfile.AccSynthetic, "this$0", "Lcom/example/Outer;")
		method(cf, 0, "run")
	})
	define("com/example/Outer$Nested", "java/lang/Object", func(cf *classfile.ClassFile) {
		method(cf, 0, "run")
	})
	return out
}

func classSource(all map[string][]byte) ClassSource {
	return ClassSourceFunc(func(name string) ([]byte, error) {
		if b, ok := all[name]; ok {
			return b, nil
		}
		return nil, fmt.Errorf("%s not found", name)
	})
}

func fieldsOf(className, method string, exprs ...string) *descriptor.Descriptor {
	var fields []descriptor.Field
	for i, e := range exprs {
		fields = append(fields, descriptor.Field{Expression: e, Capture: descriptor.Capture{Name: fmt.Sprintf("f%d", i)}})
	}
	return descriptor.New("demo.event1",
		descriptor.MethodSignature{ClassName: className, Name: method, Descriptor: "()V"}, nil, nil, fields,
		map[string]string{descriptor.AttrEmitOnException: "false"})
}

func TestRewrite_FieldExpressionsAcrossClasses(t *testing.T) {
	all := classes(t)
	type testCase struct {
		name   string
		class  string
		method string
		expr   string
		ops    []classfile.Opcode
		refs   []string
	}
	for _, tc := range []testCase{{
		name: "inherited field", class: "com/example/Node", method: "visit", expr: "level",
		ops:  []classfile.Opcode{classfile.ALOAD, classfile.GETFIELD},
		refs: []string{"com/example/Node.level:I"},
	}, {
		name: "superclass field", class: "com/example/Node", method: "visit", expr: "super.level",
		ops:  []classfile.Opcode{classfile.ALOAD, classfile.GETFIELD},
		refs: []string{"com/example/Base.level:I"},
	}, {
		name: "nested references", class: "com/example/Node", method: "visit", expr: "this.next.next.depth",
		ops: []classfile.Opcode{classfile.ALOAD, classfile.GETFIELD,
			classfile.DUP, classfile.IFNULL, classfile.GETFIELD,
			classfile.DUP, classfile.IFNULL, classfile.GETFIELD,
			classfile.GOTO, classfile.POP, classfile.ICONST_0},
		refs: []string{"com/example/Node.next:Lcom/example/Node;", "com/example/Node.next:Lcom/example/Node;",
			"com/example/Node.depth:I"},
	}, {
		name: "static field of another class", class: "com/example/Node", method: "walk", expr: "Config.ROOT.depth",
		ops: []classfile.Opcode{classfile.GETSTATIC, classfile.DUP, classfile.IFNULL, classfile.GETFIELD,
			classfile.GOTO, classfile.POP, classfile.ICONST_0},
		refs: []string{"com/example/Config.ROOT:Lcom/example/Node;", "com/example/Node.depth:I"},
	}, {
		name: "fully qualified class", class: "com/example/Node", method: "walk", expr: "com.example.Config.ROOT",
		ops:  []classfile.Opcode{classfile.GETSTATIC},
		refs: []string{"com/example/Config.ROOT:Lcom/example/Node;"},
	}, {
		name: "field of the enclosing instance", class: "com/example/Outer$Inner", method: "run", expr: "size",
		ops:  []classfile.Opcode{classfile.ALOAD, classfile.GETFIELD, classfile.GETFIELD},
		refs: []string{"com/example/Outer$Inner.this$0:Lcom/example/Outer;", "com/example/Outer.size:I"},
	}, {
		name: "qualified this", class: "com/example/Outer$Inner", method: "run", expr: "Outer.this.size",
		ops:  []classfile.Opcode{classfile.ALOAD, classfile.GETFIELD, classfile.GETFIELD},
		refs: []string{"com/example/Outer$Inner.this$0:Lcom/example/Outer;", "com/example/Outer.size:I"},
	}, {
		name: "static field of the enclosing class", class: "com/example/Outer$Nested", method: "run", expr: "NAME",
		ops:  []classfile.Opcode{classfile.GETSTATIC},
		refs: []string{"com/example/Outer.NAME:Ljava/lang/String;"},
	}} {
		t.Run(tc.name, func(t *testing.T) {
			out := New(Options{Classes: classSource(all)}).
				Rewrite(all[tc.class], []*descriptor.Descriptor{fieldsOf(tc.class, tc.method, tc.expr)}, strategy.Modern)
			require.Nil(t, out.Failure)
			require.True(t, out.Modified())

			cf, code := decode(t, out.Bytes(), tc.method, "()V")
			// new, dup and the event constructor, then dup before the captured value
			body := ops(code)
			require.Greater(t, len(body), 4+len(tc.ops))
			assert.Equal(t, tc.ops, body[4:4+len(tc.ops)])
			r := refs(t, cf, code)
			require.Greater(t, len(r), len(tc.refs))
			// the event constructor comes first
			assert.Equal(t, tc.refs, r[1:1+len(tc.refs)])
		})
	}
}

func TestRewrite_NullCheckFrames(t *testing.T) {
	all := classes(t)
	out := New(Options{Classes: classSource(all)}).Rewrite(all["com/example/Node"],
		[]*descriptor.Descriptor{fieldsOf("com/example/Node", "visit", "next.depth")}, strategy.Modern)
	require.Nil(t, out.Failure)

	cf, code := decode(t, out.Bytes(), "visit", "()V")
	require.Len(t, code.Frames, 2)
	nullCase, done := code.Frames[0], code.Frames[1]
	require.Len(t, nullCase.Stack, 3)
	object, err := cf.Pool.ClassName(nullCase.Stack[2].Class)
	require.NoError(t, err)
	assert.Equal(t, "java/lang/Object", object)
	require.Len(t, done.Stack, 3)
	assert.Equal(t, uint8(classfile.VInteger), done.Stack[2].Tag)
	for _, f := range code.Frames {
		// only this: the event local is not stored yet
		require.Len(t, f.Locals, 1)
		self, err := cf.Pool.ClassName(f.Locals[0].Class)
		require.NoError(t, err)
		assert.Equal(t, "com/example/Node", self)
	}
}

func TestRewrite_InvalidFieldExpressions(t *testing.T) {
	all := classes(t)
	for _, tc := range []struct {
		name   string
		class  string
		method string
		expr   string
		source bool
	}{
		{name: "class not available", class: "com/example/Node", method: "visit", expr: "level"},
		{name: "private field of the superclass", class: "com/example/Node", method: "visit", expr: "secret", source: true},
		{name: "instance reference from a static method", class: "com/example/Node", method: "walk", expr: "next", source: true},
		{name: "field of a primitive", class: "com/example/Node", method: "visit", expr: "depth.value", source: true},
		{name: "instance field through a class", class: "com/example/Node", method: "visit", expr: "Outer.size", source: true},
		{name: "no enclosing instance", class: "com/example/Outer$Nested", method: "run", expr: "size", source: true},
		{name: "unknown symbol", class: "com/example/Node", method: "visit", expr: "nothing.here", source: true},
		{name: "empty identifier", class: "com/example/Node", method: "visit", expr: "this..depth", source: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			opts := Options{}
			if tc.source {
				opts.Classes = classSource(all)
			}
			out := New(opts).Rewrite(all[tc.class], []*descriptor.Descriptor{fieldsOf(tc.class, tc.method, tc.expr)}, strategy.Modern)
			require.NotNil(t, out.Failure)
			assert.False(t, out.Modified())
		})
	}
}
