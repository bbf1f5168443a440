package rewrite

import (
	"strings"

	"github.com/grafana/jfr-agent/pkg/internal/classfile"
	"github.com/grafana/jfr-agent/pkg/internal/descriptor"
	"github.com/grafana/jfr-agent/pkg/internal/strategy"
)

const (
	modernEventClass = "jdk/jfr/Event"
	legacyTimedEvent = "com/oracle/jrockit/jfr/TimedEvent"
	legacyEventToken = "com/oracle/jrockit/jfr/EventToken"
	legacyTokenDesc  = "L" + legacyEventToken + ";"
	legacyTokenField = "token"

	// DefaultLegacyRegistrar is the class providing the static register method that
	// legacy event classes call from their static initializer.
	DefaultLegacyRegistrar = "com/grafana/jfragent/shim/LegacyEventRegistrar"
)

// codegen holds what differs between the two event APIs. Locating injection points
// and re-emitting the class are shared.
type codegen interface {
	// supports tells whether event fields can have the given type.
	supports(desc string) bool
	// commit pops nothing and emits the event stored in the given local.
	commit(cp *classfile.ConstantPool, event string, slot int) []*classfile.Insn
	// eventClass synthesizes the event class.
	eventClass(d *descriptor.Descriptor, name string, fields []*capture) (*classfile.ClassFile, error)
}

func codegenFor(s strategy.Strategy, opts Options) (codegen, bool) {
	switch s {
	case strategy.Modern:
		return modern{}, true
	case strategy.Legacy:
		registrar := opts.LegacyRegistrar
		if registrar == "" {
			registrar = DefaultLegacyRegistrar
		}
		return legacy{registrar: classfile.BinaryName(registrar)}, true
	}
	return nil, false
}

type modern struct{}

func (modern) supports(desc string) bool {
	switch desc {
	case stringType, "Ljava/lang/Class;", "Ljava/lang/Thread;":
		return true
	}
	return classfile.IsPrimitive(desc)
}

func (modern) commit(cp *classfile.ConstantPool, event string, slot int) []*classfile.Insn {
	return []*classfile.Insn{
		classfile.Var(classfile.ALOAD, slot),
		classfile.Ref(classfile.INVOKEVIRTUAL, cp.AddMethodref(event, "commit", "()V")),
	}
}

// contentTypeAnnotation maps a content type to the annotation marking it. Bare names
// refer to the annotations of the jdk.jfr package.
func contentTypeAnnotation(ct string) string {
	if !strings.ContainsAny(ct, "./") {
		return "Ljdk/jfr/" + ct + ";"
	}
	return "L" + classfile.BinaryName(ct) + ";"
}

func jfrAnnotation(name string, v classfile.ElementValue) classfile.Annotation {
	return classfile.Annotation{
		Type:     "Ljdk/jfr/" + name + ";",
		Elements: []classfile.Element{{Name: "value", Value: v}},
	}
}

func (modern) eventClass(d *descriptor.Descriptor, name string, fields []*capture) (*classfile.ClassFile, error) {
	cf := classfile.New(name, modernEventClass, classfile.AccPublic|classfile.AccSuper, classfile.Java8)
	annotations := []classfile.Annotation{jfrAnnotation("Label", classfile.StringValue(d.Label()))}
	if desc := d.Attribute(descriptor.AttrDescription); desc != "" {
		annotations = append(annotations, jfrAnnotation("Description", classfile.StringValue(desc)))
	}
	if path := d.Attribute(descriptor.AttrPath); path != "" {
		var cats []classfile.ElementValue
		for _, c := range strings.Split(path, "/") {
			if c = strings.TrimSpace(c); c != "" {
				cats = append(cats, classfile.StringValue(c))
			}
		}
		if len(cats) > 0 {
			annotations = append(annotations, jfrAnnotation("Category", classfile.ArrayValue(cats...)))
		}
	}
	annotations = append(annotations, jfrAnnotation("StackTrace", classfile.BoolValue(d.StackTrace())))
	var err error
	if cf.Attributes, err = cf.SetAnnotations(cf.Attributes, annotations); err != nil {
		return nil, err
	}

	for _, f := range fields {
		fm := cf.AddField(classfile.AccPublic, f.field, f.fieldType)
		fa := []classfile.Annotation{jfrAnnotation("Label", classfile.StringValue(f.Name))}
		if f.Description != "" {
			fa = append(fa, jfrAnnotation("Description", classfile.StringValue(f.Description)))
		}
		if f.ContentType != "" {
			fa = append(fa, classfile.Annotation{Type: contentTypeAnnotation(f.ContentType)})
		}
		if f.RelationKey != "" {
			log().Debug("relation keys are not supported by the modern event API", "field", f.Name)
		}
		if fm.Attributes, err = cf.SetAnnotations(fm.Attributes, fa); err != nil {
			return nil, err
		}
	}

	_, err = cf.AddMethod(classfile.AccPublic, "<init>", "()V", &classfile.Code{
		MaxStack: 1, MaxLocals: 1,
		Insns: []*classfile.Insn{
			classfile.Var(classfile.ALOAD, 0),
			classfile.Ref(classfile.INVOKESPECIAL, cf.Pool.AddMethodref(modernEventClass, "<init>", "()V")),
			classfile.Op(classfile.RETURN),
		},
	})
	return cf, err
}

type legacy struct {
	registrar string
}

func (legacy) supports(desc string) bool {
	return desc == stringType || classfile.IsPrimitive(desc)
}

func (legacy) commit(cp *classfile.ConstantPool, event string, slot int) []*classfile.Insn {
	return []*classfile.Insn{
		classfile.Var(classfile.ALOAD, slot),
		classfile.Op(classfile.DUP),
		classfile.Ref(classfile.INVOKEVIRTUAL, cp.AddMethodref(event, "end", "()V")),
		classfile.Ref(classfile.INVOKEVIRTUAL, cp.AddMethodref(event, "commit", "()V")),
	}
}

func (g legacy) eventClass(d *descriptor.Descriptor, name string, fields []*capture) (*classfile.ClassFile, error) {
	cf := classfile.New(name, legacyTimedEvent, classfile.AccPublic|classfile.AccSuper, classfile.Java7)
	var err error
	cf.Attributes, err = cf.SetAnnotations(cf.Attributes, []classfile.Annotation{{
		Type: "Lcom/oracle/jrockit/jfr/EventDefinition;",
		Elements: []classfile.Element{
			{Name: "name", Value: classfile.StringValue(d.Label())},
			{Name: "description", Value: classfile.StringValue(d.Attribute(descriptor.AttrDescription))},
			{Name: "path", Value: classfile.StringValue(d.Attribute(descriptor.AttrPath))},
			{Name: "stacktrace", Value: classfile.BoolValue(d.StackTrace())},
			{Name: "thread", Value: classfile.BoolValue(true)},
		},
	}})
	if err != nil {
		return nil, err
	}
	cf.AddField(classfile.AccStatic|classfile.AccFinal, legacyTokenField, legacyTokenDesc)

	for _, f := range fields {
		fm := cf.AddField(classfile.AccPublic, f.field, f.fieldType)
		elems := []classfile.Element{{Name: "name", Value: classfile.StringValue(f.Name)}}
		if f.Description != "" {
			elems = append(elems, classfile.Element{Name: "description", Value: classfile.StringValue(f.Description)})
		}
		if f.ContentType != "" {
			elems = append(elems, classfile.Element{Name: "contentType",
				Value: classfile.EnumValue("Lcom/oracle/jrockit/jfr/ContentType;", f.ContentType)})
		}
		if f.RelationKey != "" {
			elems = append(elems, classfile.Element{Name: "relationKey", Value: classfile.StringValue(f.RelationKey)})
		}
		fm.Attributes, err = cf.SetAnnotations(fm.Attributes, []classfile.Annotation{
			{Type: "Lcom/oracle/jrockit/jfr/ValueDefinition;", Elements: elems},
		})
		if err != nil {
			return nil, err
		}
	}

	token := cf.Pool.AddFieldref(name, legacyTokenField, legacyTokenDesc)
	_, err = cf.AddMethod(classfile.AccStatic, "<clinit>", "()V", &classfile.Code{
		MaxStack: 1,
		Insns: []*classfile.Insn{
			classfile.Ref(classfile.LDC, cf.ThisClass),
			classfile.Ref(classfile.INVOKESTATIC,
				cf.Pool.AddMethodref(g.registrar, "register", "(Ljava/lang/Class;)Ljava/lang/Object;")),
			classfile.Ref(classfile.CHECKCAST, cf.Pool.AddClass(legacyEventToken)),
			classfile.Ref(classfile.PUTSTATIC, token),
			classfile.Op(classfile.RETURN),
		},
	})
	if err != nil {
		return nil, err
	}
	_, err = cf.AddMethod(classfile.AccPublic, "<init>", "()V", &classfile.Code{
		MaxStack: 2, MaxLocals: 1,
		Insns: []*classfile.Insn{
			classfile.Var(classfile.ALOAD, 0),
			classfile.Ref(classfile.GETSTATIC, token),
			classfile.Ref(classfile.INVOKESPECIAL,
				cf.Pool.AddMethodref(legacyTimedEvent, "<init>", "("+legacyTokenDesc+")V")),
			classfile.Op(classfile.RETURN),
		},
	})
	return cf, err
}
