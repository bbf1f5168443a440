// Package probes parses probe specifications, in the XML layout of the flight recorder
// agent or in YAML, into instrumentation descriptors.
package probes

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/grafana/jfr-agent/pkg/config"
	"github.com/grafana/jfr-agent/pkg/internal/classfile"
	"github.com/grafana/jfr-agent/pkg/internal/descriptor"
)

func log() *slog.Logger {
	return slog.With("component", "probes.Parser")
}

// ErrInvalidSpecification wraps every error caused by the content of a specification.
var ErrInvalidSpecification = errors.New("invalid probe specification")

// settings are the attributes that can be set globally in the config section, and
// overridden by each event.
type settings struct {
	ClassPrefix     *string `xml:"classprefix" yaml:"classprefix"`
	AllowToString   *bool   `xml:"allowtostring" yaml:"allowtostring"`
	AllowConverter  *bool   `xml:"allowconverter" yaml:"allowconverter"`
	EmitOnException *bool   `xml:"emitonexception" yaml:"emitonexception"`
}

type document struct {
	XMLName xml.Name `xml:"jfragent" yaml:"-"`
	Config  settings `xml:"config" yaml:"config"`
	Events  []event  `xml:"events>event" yaml:"events"`
}

type event struct {
	ID          string `xml:"id,attr" yaml:"id"`
	Label       string `xml:"label" yaml:"label"`
	Class       string `xml:"class" yaml:"class"`
	Description string `xml:"description" yaml:"description"`
	Path        string `xml:"path" yaml:"path"`
	StackTrace  *bool  `xml:"stacktrace" yaml:"stacktrace"`
	settings    `yaml:",inline"`
	Method      method  `xml:"method" yaml:"method"`
	Fields      []field `xml:"fields>field" yaml:"fields"`
}

type method struct {
	Name        string      `xml:"name" yaml:"name"`
	Descriptor  string      `xml:"descriptor" yaml:"descriptor"`
	Parameters  []parameter `xml:"parameters>parameter" yaml:"parameters"`
	ReturnValue *capture    `xml:"returnvalue" yaml:"returnvalue"`
}

type capture struct {
	Name        string `xml:"name" yaml:"name"`
	Description string `xml:"description" yaml:"description"`
	ContentType string `xml:"contenttype" yaml:"contenttype"`
	RelationKey string `xml:"relationkey" yaml:"relationkey"`
	Converter   string `xml:"converter" yaml:"converter"`
}

func (c *capture) model() descriptor.Capture {
	return descriptor.Capture{
		Name:        strings.TrimSpace(c.Name),
		Description: strings.TrimSpace(c.Description),
		ContentType: strings.TrimSpace(c.ContentType),
		RelationKey: strings.TrimSpace(c.RelationKey),
		Converter:   strings.TrimSpace(c.Converter),
	}
}

type parameter struct {
	Index   *int `xml:"index,attr" yaml:"index"`
	capture `yaml:",inline"`
}

type field struct {
	capture    `yaml:",inline"`
	Expression string `xml:"expression" yaml:"expression"`
}

// ParseFile reads and parses a specification file, after expanding its ${VAR}
// environment references.
func ParseFile(path string) (*descriptor.Specification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading probes file: %w", err)
	}
	return Parse(config.ReplaceEnv(data))
}

// Parse a specification. Documents starting with '<' are read as XML, and as YAML
// otherwise. Any invalid event makes the whole specification fail.
func Parse(data []byte) (*descriptor.Specification, error) {
	doc := document{}
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0:
	case trimmed[0] == '<':
		if err := xml.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("%w: decoding XML: %w", ErrInvalidSpecification, err)
		}
	default:
		if err := yaml.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("%w: decoding YAML: %w", ErrInvalidSpecification, err)
		}
	}

	spec := &descriptor.Specification{Raw: string(data)}
	eventClasses := map[string]string{}
	for i := range doc.Events {
		d, err := doc.Events[i].descriptor(&doc.Config)
		if err != nil {
			return nil, fmt.Errorf("%w: event #%d %q: %w", ErrInvalidSpecification, i+1, doc.Events[i].ID, err)
		}
		name := d.EventClassName()
		if prev, ok := eventClasses[name]; ok {
			log().Warn("skipping event: its event class name is already generated by another event",
				"id", d.ID, "other", prev, "eventClass", name)
			continue
		}
		eventClasses[name] = d.ID
		spec.Descriptors = append(spec.Descriptors, d)
	}
	return spec, nil
}

func (e *event) descriptor(global *settings) (*descriptor.Descriptor, error) {
	id := strings.TrimSpace(e.ID)
	if id == "" {
		return nil, errors.New("missing id")
	}
	if descriptor.IdentifierPart(id) == "" {
		return nil, fmt.Errorf("id %q has no identifier characters", id)
	}
	class := classfile.BinaryName(strings.TrimSpace(e.Class))
	if class == "" {
		return nil, errors.New("missing class")
	}
	if !classfile.ValidBinaryName(class) {
		return nil, fmt.Errorf("invalid class name %q", e.Class)
	}
	sig := descriptor.MethodSignature{
		ClassName:  class,
		Name:       strings.TrimSpace(e.Method.Name),
		Descriptor: strings.TrimSpace(e.Method.Descriptor),
	}
	if sig.Name == "" {
		return nil, errors.New("missing method name")
	}
	if sig.Descriptor == "" {
		return nil, errors.New("missing method descriptor")
	}
	args, ret, err := classfile.ParseMethodDescriptor(sig.Descriptor)
	if err != nil {
		return nil, err
	}

	var params []descriptor.Parameter
	for _, p := range e.Method.Parameters {
		param := descriptor.Parameter{Index: descriptor.NoIndex, Capture: p.model()}
		if p.Index != nil {
			if *p.Index < 0 || *p.Index >= len(args) {
				return nil, fmt.Errorf("parameter %q: index %d out of range for %s", param.Name, *p.Index, sig.Descriptor)
			}
			param.Index = *p.Index
		}
		if param.Name == "" {
			return nil, fmt.Errorf("parameter with index %d has no name", param.Index)
		}
		params = append(params, param)
	}
	var rv *descriptor.ReturnValue
	if e.Method.ReturnValue != nil {
		if ret == "V" {
			return nil, fmt.Errorf("return value capture on void method %s", sig.Name)
		}
		rv = &descriptor.ReturnValue{Capture: e.Method.ReturnValue.model()}
	}
	var fields []descriptor.Field
	for _, f := range e.Fields {
		fl := descriptor.Field{Capture: f.model(), Expression: strings.TrimSpace(f.Expression)}
		if fl.Name == "" || fl.Expression == "" {
			return nil, errors.New("fields need a name and an expression")
		}
		fields = append(fields, fl)
	}

	attrs := map[string]string{}
	setString := func(key, value string) {
		if value = strings.TrimSpace(value); value != "" {
			attrs[key] = value
		}
	}
	setBool := func(key string, values ...*bool) {
		for _, v := range values {
			if v != nil {
				attrs[key] = strconv.FormatBool(*v)
				return
			}
		}
	}
	setString(descriptor.AttrClassPrefix, deref(global.ClassPrefix))
	setString(descriptor.AttrClassPrefix, deref(e.ClassPrefix))
	setBool(descriptor.AttrAllowToString, e.AllowToString, global.AllowToString)
	setBool(descriptor.AttrAllowConverter, e.AllowConverter, global.AllowConverter)
	setBool(descriptor.AttrEmitOnException, e.EmitOnException, global.EmitOnException)
	setBool(descriptor.AttrStackTrace, e.StackTrace)
	setString(descriptor.AttrLabel, e.Label)
	setString(descriptor.AttrDescription, e.Description)
	setString(descriptor.AttrPath, e.Path)
	if p := attrs[descriptor.AttrClassPrefix]; p != "" && !validPrefix(p) {
		return nil, fmt.Errorf("class prefix %q can not be part of a class name", p)
	}

	return descriptor.New(id, sig, params, rv, fields, attrs), nil
}

// validPrefix tells whether p can start the simple name of a class.
func validPrefix(p string) bool {
	for i, r := range p {
		if strings.ContainsRune(".;[/<> ", r) || (i == 0 && r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
