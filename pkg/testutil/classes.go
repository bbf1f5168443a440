// Package testutil assembles the class files used as fixtures across the test suites.
package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/jfr-agent/pkg/internal/classfile"
)

const (
	FooClass = "com/example/Foo"
	BazClass = "com/example/Baz"
)

// Foo assembles com/example/Foo:
//
//	public class Foo {
//	    private int count;
//	    static String name;
//	    public Foo() {}
//	    public void bar(int v) { int x = v; }
//	    public long twice(long v) { return v; }
//	    public int loop(int n) { int i = 0; while (i < n) i++; return i; }
//	    public String describe(Object o) { return o.toString(); }
//	    public static void tick() {}
//	    public native void sleep();
//	}
func Foo(t testing.TB) []byte {
	t.Helper()
	cf := classfile.New(FooClass, "java/lang/Object", classfile.AccPublic|classfile.AccSuper, classfile.Java8)
	cf.AddField(classfile.AccPrivate, "count", "I")
	cf.AddField(classfile.AccStatic, "name", "Ljava/lang/String;")
	cp := cf.Pool

	method := func(access uint16, name, desc string, code *classfile.Code) {
		_, err := cf.AddMethod(access, name, desc, code)
		require.NoError(t, err)
	}
	method(classfile.AccPublic, "<init>", "()V", &classfile.Code{
		MaxStack: 1, MaxLocals: 1,
		Insns: []*classfile.Insn{
			classfile.Var(classfile.ALOAD, 0),
			classfile.Ref(classfile.INVOKESPECIAL, cp.AddMethodref("java/lang/Object", "<init>", "()V")),
			classfile.Op(classfile.RETURN),
		},
	})
	method(classfile.AccPublic, "bar", "(I)V", &classfile.Code{
		MaxStack: 1, MaxLocals: 3,
		Insns: []*classfile.Insn{
			classfile.Var(classfile.ILOAD, 1),
			classfile.Var(classfile.ISTORE, 2),
			classfile.Op(classfile.RETURN),
		},
	})
	method(classfile.AccPublic, "twice", "(J)J", &classfile.Code{
		MaxStack: 2, MaxLocals: 3,
		Insns: []*classfile.Insn{
			classfile.Var(classfile.LLOAD, 1),
			classfile.Op(classfile.LRETURN),
		},
	})

	cond, end := classfile.NewLabel(), classfile.NewLabel()
	self := classfile.Object(cp, FooClass)
	ints := []classfile.VType{self, {Tag: classfile.VInteger}, {Tag: classfile.VInteger}}
	method(classfile.AccPublic, "loop", "(I)I", &classfile.Code{
		MaxStack: 2, MaxLocals: 3,
		Insns: []*classfile.Insn{
			classfile.Op(classfile.ICONST_0),
			classfile.Var(classfile.ISTORE, 2),
			classfile.Mark(cond),
			classfile.Var(classfile.ILOAD, 2),
			classfile.Var(classfile.ILOAD, 1),
			classfile.Jump(classfile.IF_ICMPGE, end),
			{Op: classfile.IINC, Index: 2, Incr: 1},
			classfile.Jump(classfile.GOTO, cond),
			classfile.Mark(end),
			classfile.Var(classfile.ILOAD, 2),
			classfile.Op(classfile.IRETURN),
		},
		Frames: []classfile.Frame{{Label: cond, Locals: ints}, {Label: end, Locals: ints}},
	})
	method(classfile.AccPublic, "describe", "(Ljava/lang/Object;)Ljava/lang/String;", &classfile.Code{
		MaxStack: 1, MaxLocals: 2,
		Insns: []*classfile.Insn{
			classfile.Var(classfile.ALOAD, 1),
			classfile.Ref(classfile.INVOKEVIRTUAL,
				cp.AddMethodref("java/lang/Object", "toString", "()Ljava/lang/String;")),
			classfile.Op(classfile.ARETURN),
		},
	})
	method(classfile.AccPublic|classfile.AccStatic, "tick", "()V", &classfile.Code{
		Insns: []*classfile.Insn{classfile.Op(classfile.RETURN)},
	})
	method(classfile.AccPublic|classfile.AccNative, "sleep", "()V", nil)
	return bytesOf(t, cf)
}

// Baz assembles com/example/Baz, a class with a single static void qux() method.
func Baz(t testing.TB) []byte {
	return Empty(t, BazClass)
}

// Empty assembles a class named name with a static void qux() method.
func Empty(t testing.TB, name string) []byte {
	t.Helper()
	cf := classfile.New(name, "java/lang/Object", classfile.AccPublic|classfile.AccSuper, classfile.Java8)
	_, err := cf.AddMethod(classfile.AccPublic|classfile.AccStatic, "qux", "()V", &classfile.Code{
		Insns: []*classfile.Insn{classfile.Op(classfile.RETURN)},
	})
	require.NoError(t, err)
	return bytesOf(t, cf)
}

func bytesOf(t testing.TB, cf *classfile.ClassFile) []byte {
	t.Helper()
	b, err := cf.Bytes()
	require.NoError(t, err)
	return b
}
