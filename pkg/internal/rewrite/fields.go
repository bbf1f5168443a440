package rewrite

import (
	"fmt"
	"strings"

	"github.com/grafana/jfr-agent/pkg/internal/classfile"
)

// ClassSource provides the bytes of the classes that field expressions refer to, other
// than the instrumented class itself.
type ClassSource interface {
	Class(internalName string) ([]byte, error)
}

// ClassSourceFunc adapts a function to a ClassSource.
type ClassSourceFunc func(internalName string) ([]byte, error)

func (f ClassSourceFunc) Class(internalName string) ([]byte, error) { return f(internalName) }

// field is a field found while resolving an expression. Owner is the class the lookup
// started from, declarer the class that declares it.
type field struct {
	owner, declarer string
	name, desc      string
	access          uint16
}

func (f field) static() bool { return f.access&classfile.AccStatic != 0 }

// classIndex parses, once per pass, the classes met while resolving field expressions.
type classIndex struct {
	self   *classfile.ClassFile
	source ClassSource
	parsed map[string]*classfile.ClassFile
}

func newClassIndex(self *classfile.ClassFile, source ClassSource) *classIndex {
	return &classIndex{self: self, source: source, parsed: map[string]*classfile.ClassFile{}}
}

func (ix *classIndex) class(name string) *classfile.ClassFile {
	if name == ix.self.Name() {
		return ix.self
	}
	if cf, ok := ix.parsed[name]; ok {
		return cf
	}
	var cf *classfile.ClassFile
	if ix.source != nil {
		if data, err := ix.source.Class(name); err == nil {
			if parsed, err := classfile.Parse(data); err == nil && parsed.Name() == name {
				cf = parsed
			}
		}
	}
	ix.parsed[name] = cf
	return cf
}

// field looks a field up in a class, its superinterfaces and its superclasses, in the
// order the runtime resolves field references.
func (ix *classIndex) field(className, name string) (field, error) {
	var missing []string
	seen := map[string]bool{}
	var lookup func(c string) (field, bool)
	lookup = func(c string) (field, bool) {
		if c == "" || seen[c] {
			return field{}, false
		}
		seen[c] = true
		cf := ix.class(c)
		if cf == nil {
			missing = append(missing, c)
			return field{}, false
		}
		if m := cf.FindField(name); m != nil {
			return field{owner: className, declarer: c, name: name, desc: cf.MemberDescriptor(m), access: m.Access}, true
		}
		for _, i := range cf.Interfaces {
			if in, err := cf.Pool.ClassName(i); err == nil {
				if f, ok := lookup(in); ok {
					return f, true
				}
			}
		}
		return lookup(cf.SuperName())
	}
	if f, ok := lookup(className); ok {
		return f, nil
	}
	for _, c := range missing {
		if c != "java/lang/Object" {
			return field{}, fmt.Errorf("can't find field %s: class %s is not available",
				name, classfile.JavaName("L"+c+";"))
		}
	}
	return field{}, fmt.Errorf("class %s declares or inherits no field %s", classfile.JavaName("L"+className+";"), name)
}

func (ix *classIndex) isSubclass(c, super string) bool {
	for c != "" {
		if c == super {
			return true
		}
		cf := ix.class(c)
		if cf == nil {
			return false
		}
		c = cf.SuperName()
	}
	return false
}

// enclosing returns the class enclosing an inner class and the synthetic field holding
// its instance, which is empty for static nested classes.
func (ix *classIndex) enclosing(c string) (outer, thisField string) {
	i := strings.LastIndexByte(c, '$')
	if i <= len(classfile.PackageOf(c)) {
		return "", ""
	}
	outer = c[:i]
	if cf := ix.class(c); cf != nil {
		for _, m := range cf.Fields {
			if name := cf.MemberName(m); strings.HasPrefix(name, "this$") && cf.MemberDescriptor(m) == "L"+outer+";" {
				return outer, name
			}
		}
	}
	return outer, ""
}

func topLevel(c string) string {
	if i := strings.IndexByte(c[len(classfile.PackageOf(c)):], '$'); i > 0 {
		return c[:len(classfile.PackageOf(c))+i]
	}
	return c
}

// fieldExpression resolves a field expression of the instrumented method into the
// instructions loading its value. Expressions follow the Java syntax of field accesses:
//
//	name, this.name, super.name       fields of the class, inherited or not
//	name                              fields of the enclosing classes
//	Outer.this.name                   instance fields of an enclosing class
//	Class.NAME, pkg.Class.NAME        static fields of any class
//	a.b.c                             fields of the referenced objects
//
// A null reference met before the last field makes the value the zero of its type.
type fieldExpression struct {
	ix     *classIndex
	self   string
	expr   string
	tokens []string
	// instance reads the fields of this
	instance bool
	ctor     bool

	insns    []*classfile.Insn
	nullCase *classfile.Label
}

func (e *fieldExpression) fail(format string, args ...any) error {
	return fmt.Errorf("expression %q: %s", e.expr, fmt.Sprintf(format, args...))
}

func (e *fieldExpression) emit(insns ...*classfile.Insn) {
	e.insns = append(e.insns, insns...)
}

func (e *fieldExpression) resolve() (string, error) {
	tokens := e.tokens
	for _, t := range tokens {
		if t == "" {
			return "", e.fail("empty identifier")
		}
	}
	switch tokens[0] {
	case "this":
		return e.this(e.self, tokens[1:])
	case "super":
		return e.super(e.self, tokens[1:])
	}
	if f, err := e.ix.field(e.self, tokens[0]); err == nil {
		if err := e.get(f, false); err != nil {
			return "", err
		}
		return e.follow(f.desc, tokens[1:], false)
	}
	for outer, _ := e.ix.enclosing(e.self); outer != ""; outer, _ = e.ix.enclosing(outer) {
		if f, err := e.ix.field(outer, tokens[0]); err == nil {
			return e.outerField(outer, f, tokens[1:])
		}
	}
	for k := 1; k < len(tokens); k++ {
		if c := e.className(tokens[:k]); c != "" {
			return e.class(c, tokens[k:])
		}
	}
	if len(tokens) == 1 {
		_, err := e.ix.field(e.self, tokens[0])
		return "", e.fail("%v", err)
	}
	return "", e.fail("unknown symbol %s", tokens[0])
}

// className returns the class named by the tokens: an inner class of the instrumented
// class, a class of its package, a java.lang class, or a fully qualified class name.
func (e *fieldExpression) className(tokens []string) string {
	pkg := classfile.PackageOf(e.self)
	for j := len(tokens); j >= 1; j-- {
		name := strings.Join(tokens[j-1:], "$")
		if j > 1 {
			name = strings.Join(tokens[:j-1], "/") + "/" + name
		}
		for _, c := range []string{e.self + "$" + name, pkg + name, "java/lang/" + name, name} {
			if e.ix.class(c) != nil {
				return c
			}
		}
	}
	return ""
}

func (e *fieldExpression) class(c string, tokens []string) (string, error) {
	switch {
	case len(tokens) == 0:
		return "", e.fail("expects a static field of %s", classfile.JavaName("L"+c+";"))
	case tokens[0] == "this":
		return e.this(c, tokens[1:])
	case tokens[0] == "super":
		return e.super(c, tokens[1:])
	}
	f, err := e.ix.field(c, tokens[0])
	if err != nil {
		return "", e.fail("%v", err)
	}
	if !f.static() {
		return "", e.fail("non-static field %s can not be referenced from a static context", f.name)
	}
	if err := e.get(f, false); err != nil {
		return "", err
	}
	return e.follow(f.desc, tokens[1:], false)
}

func (e *fieldExpression) this(c string, tokens []string) (string, error) {
	if err := e.loadThis(c); err != nil {
		return "", err
	}
	return e.follow("L"+c+";", tokens, true)
}

func (e *fieldExpression) super(c string, tokens []string) (string, error) {
	if len(tokens) == 0 {
		return "", e.fail("expects a field after super")
	}
	cf := e.ix.class(c)
	if cf == nil || cf.SuperName() == "" {
		return "", e.fail("%s has no superclass", classfile.JavaName("L"+c+";"))
	}
	f, err := e.ix.field(cf.SuperName(), tokens[0])
	if err != nil {
		return "", e.fail("%v", err)
	}
	if !f.static() {
		if err := e.loadThis(c); err != nil {
			return "", err
		}
	}
	if err := e.get(f, !f.static()); err != nil {
		return "", err
	}
	return e.follow(f.desc, tokens[1:], false)
}

func (e *fieldExpression) outerField(outer string, f field, tokens []string) (string, error) {
	if f.access&classfile.AccPrivate != 0 {
		return "", e.fail("private field %s of %s: private member access between nestmates is not supported",
			f.name, classfile.JavaName("L"+f.declarer+";"))
	}
	if !f.static() {
		if err := e.loadThis(outer); err != nil {
			return "", err
		}
	}
	if err := e.get(f, !f.static()); err != nil {
		return "", err
	}
	return e.follow(f.desc, tokens, false)
}

// loadThis pushes the instance of c, which is the instrumented class or one of its
// enclosing classes.
func (e *fieldExpression) loadThis(c string) error {
	switch {
	case !e.instance:
		return e.fail("non-static reference from a static method")
	case e.ctor:
		return e.fail("instance fields can not be read before the constructor runs")
	}
	e.emit(classfile.Var(classfile.ALOAD, 0))
	for cur := e.self; cur != c; {
		outer, thisField := e.ix.enclosing(cur)
		switch {
		case outer == "":
			return e.fail("%s is not an enclosing class of %s",
				classfile.JavaName("L"+c+";"), classfile.JavaName("L"+e.self+";"))
		case thisField == "":
			return e.fail("no enclosing instance of %s in the static nested class %s",
				classfile.JavaName("L"+outer+";"), classfile.JavaName("L"+cur+";"))
		}
		e.emit(classfile.Ref(classfile.GETFIELD, e.ix.self.Pool.AddFieldref(cur, thisField, "L"+outer+";")))
		cur = outer
	}
	return nil
}

// get reads a field. For instance fields, the object is on the stack; onStack tells
// whether a reference is already there for static ones.
func (e *fieldExpression) get(f field, onStack bool) error {
	if err := e.accessible(f); err != nil {
		return err
	}
	ref := e.ix.self.Pool.AddFieldref(f.owner, f.name, f.desc)
	if f.static() {
		if onStack {
			e.emit(classfile.Op(classfile.POP))
		}
		e.emit(classfile.Ref(classfile.GETSTATIC, ref))
		return nil
	}
	if !onStack {
		if err := e.loadThis(e.self); err != nil {
			return err
		}
	}
	e.emit(classfile.Ref(classfile.GETFIELD, ref))
	return nil
}

// follow reads the fields named by the tokens from the value of type desc on the stack.
// References are checked for null unless nonNull tells the first one is an instance of
// the class or of an enclosing class.
func (e *fieldExpression) follow(desc string, tokens []string, nonNull bool) (string, error) {
	for i, name := range tokens {
		if !strings.HasPrefix(desc, "L") {
			return "", e.fail("%s has no field %s", classfile.JavaName(desc), name)
		}
		f, err := e.ix.field(classfile.ObjectType(desc), name)
		if err != nil {
			return "", e.fail("%v", err)
		}
		if !f.static() && (i > 0 || !nonNull) {
			if e.nullCase == nil {
				e.nullCase = classfile.NewLabel()
			}
			e.emit(classfile.Op(classfile.DUP), classfile.Jump(classfile.IFNULL, e.nullCase))
		}
		if err := e.get(f, true); err != nil {
			return "", err
		}
		desc = f.desc
	}
	return desc, nil
}

func (e *fieldExpression) accessible(f field) error {
	samePackage := classfile.PackageOf(f.declarer) == classfile.PackageOf(e.self)
	switch {
	case f.access&classfile.AccPrivate != 0:
		if f.declarer == e.self {
			return nil
		}
		if topLevel(f.declarer) == topLevel(e.self) {
			return e.fail("private field %s of %s: private member access between nestmates is not supported",
				f.name, classfile.JavaName("L"+f.declarer+";"))
		}
		return e.fail("field %s has private access in %s", f.name, classfile.JavaName("L"+f.declarer+";"))
	case f.access&classfile.AccPublic != 0, samePackage:
		return nil
	case f.access&classfile.AccProtected != 0:
		if e.ix.isSubclass(e.self, f.declarer) {
			return nil
		}
		return e.fail("field %s has protected access in %s", f.name, classfile.JavaName("L"+f.declarer+";"))
	}
	return e.fail("field %s is not public in %s", f.name, classfile.JavaName("L"+f.declarer+";"))
}

// resolveField returns the instructions loading the value of a field expression, the
// stack map frames their null checks need, and the type of the value.
func (p *pass) resolveField(expr string, static bool) ([]*classfile.Insn, []classfile.Frame, string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil, "", fmt.Errorf("empty field expression")
	}
	e := &fieldExpression{
		ix:       p.classes,
		self:     p.cf.Name(),
		expr:     expr,
		tokens:   strings.Split(expr, "."),
		instance: !static,
		ctor:     p.cf.MemberName(p.method) == "<init>",
	}
	desc, err := e.resolve()
	if err != nil {
		return nil, nil, "", err
	}
	if e.nullCase == nil {
		return e.insns, nil, desc, nil
	}

	// the event is on the stack twice: one reference for the begin call, one for the store
	cp := p.cf.Pool
	locals, err := p.cf.InitialFrame(p.method)
	if err != nil {
		return nil, nil, "", err
	}
	ev := classfile.Object(cp, p.eventClass)
	done := classfile.NewLabel()
	e.emit(
		classfile.Jump(classfile.GOTO, done),
		classfile.Mark(e.nullCase),
		classfile.Op(classfile.POP),
		classfile.Op(zeroOp(desc)),
		classfile.Mark(done),
	)
	frames := []classfile.Frame{
		{Label: e.nullCase, Locals: locals, Stack: []classfile.VType{ev, ev, classfile.Object(cp, "java/lang/Object")}},
		{Label: done, Locals: locals, Stack: []classfile.VType{ev, ev, classfile.TypeOf(cp, desc)}},
	}
	return e.insns, frames, desc, nil
}

func zeroOp(desc string) classfile.Opcode {
	switch desc {
	case "Z", "B", "C", "S", "I":
		return classfile.ICONST_0
	case "J":
		return classfile.LCONST_0
	case "F":
		return classfile.FCONST_0
	case "D":
		return classfile.DCONST_0
	}
	return classfile.ACONST_NULL
}
