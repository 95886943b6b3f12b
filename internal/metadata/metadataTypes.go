// Package metadata describes the exposed surface of host types and reads it
// from Go reflection or from assembly metadata files.
package metadata

import (
	"reflect"
	"sort"
	"strings"
)

// Kind classifies how a member type crosses the runtime boundary.
type Kind int

const (
	// KindVoid marks the absence of a value (method without result).
	KindVoid Kind = iota
	// KindSimple covers numbers and booleans; they pass through unmodified.
	KindSimple
	// KindText is the built-in text type; passes through unmodified.
	KindText
	// KindReference is a host-owned object that crosses the boundary as a handle.
	KindReference
)

func (k Kind) String() string {
	switch k {
	case KindVoid:
		return "void"
	case KindSimple:
		return "simple"
	case KindText:
		return "text"
	case KindReference:
		return "reference"
	default:
		return "unknown"
	}
}

// TypeRef names a member type.
type TypeRef struct {
	Name     string
	FullName string
	Kind     Kind
}

// IsReference reports whether values of the type must be wrapped in a proxy.
func (t TypeRef) IsReference() bool {
	return t.Kind == KindReference
}

var (
	VoidType    = TypeRef{Name: "void", FullName: "void", Kind: KindVoid}
	NumberType  = TypeRef{Name: "number", FullName: "number", Kind: KindSimple}
	BooleanType = TypeRef{Name: "boolean", FullName: "boolean", Kind: KindSimple}
	StringType  = TypeRef{Name: "string", FullName: "string", Kind: KindText}
)

// ReferenceTo builds a reference-typed TypeRef from a fully-qualified name.
func ReferenceTo(fullName string) TypeRef {
	name := fullName
	if idx := strings.LastIndex(fullName, "."); idx >= 0 {
		name = fullName[idx+1:]
	}

	return TypeRef{Name: name, FullName: fullName, Kind: KindReference}
}

type TypeDescriptor struct {
	Name       string
	FullName   string
	Namespace  string
	PkgPath    string // Go import path, empty for non-Go sources
	Base       *TypeRef
	Properties []PropertyDescriptor
	Methods    []MethodDescriptor
	References []TypeRef // distinct reference types, sorted by full name
}

type PropertyDescriptor struct {
	Name     string
	Type     TypeRef
	IsStatic bool
	CanRead  bool
	CanWrite bool

	// Host binding, only set by the reflection inspector.
	Var    reflect.Value // pointer to the variable backing a static property
	Symbol string        // qualified Go symbol of a static property, if known
}

type MethodDescriptor struct {
	Name         string
	IsStatic     bool
	Params       []ParameterDescriptor
	ReturnType   TypeRef
	ReturnsError bool

	// Host binding, only set by the reflection inspector.
	Func   reflect.Value // function backing a static method
	Symbol string        // qualified Go symbol of a static method, if known
}

type ParameterDescriptor struct {
	Name string
	Type TypeRef
}

// NewTypeDescriptor normalizes the members collected by any metadata source:
// members are ordered by name, inaccessible properties are dropped and the
// distinct set of referenced types is collected.
func NewTypeDescriptor(name, namespace string, base *TypeRef, properties []PropertyDescriptor, methods []MethodDescriptor) TypeDescriptor {
	fullName := name
	if namespace != "" {
		fullName = namespace + "." + name
	}

	exposed := make([]PropertyDescriptor, 0, len(properties))
	for _, property := range properties {
		if property.CanRead || property.CanWrite {
			exposed = append(exposed, property)
		}
	}

	sortedMethods := append([]MethodDescriptor(nil), methods...)

	// Alphabetical order
	sort.SliceStable(exposed, func(i, j int) bool { return exposed[i].Name < exposed[j].Name })
	sort.SliceStable(sortedMethods, func(i, j int) bool { return sortedMethods[i].Name < sortedMethods[j].Name })

	references := make(map[string]TypeRef)
	addReference := func(t TypeRef) {
		if t.IsReference() {
			references[t.FullName] = t
		}
	}

	if base != nil {
		addReference(*base)
	}
	for _, property := range exposed {
		addReference(property.Type)
	}
	for _, method := range sortedMethods {
		addReference(method.ReturnType)
		for _, param := range method.Params {
			addReference(param.Type)
		}
	}

	referenceList := make([]TypeRef, 0, len(references))
	for _, t := range references {
		referenceList = append(referenceList, t)
	}
	sort.Slice(referenceList, func(i, j int) bool { return referenceList[i].FullName < referenceList[j].FullName })

	return TypeDescriptor{
		Name:       name,
		FullName:   fullName,
		Namespace:  namespace,
		Base:       base,
		Properties: exposed,
		Methods:    sortedMethods,
		References: referenceList,
	}
}

// Property returns the exposed property with the given name.
func (d TypeDescriptor) Property(name string) (PropertyDescriptor, bool) {
	for _, property := range d.Properties {
		if property.Name == name {
			return property, true
		}
	}

	return PropertyDescriptor{}, false
}

// Method returns the exposed method with the given name.
func (d TypeDescriptor) Method(name string) (MethodDescriptor, bool) {
	for _, method := range d.Methods {
		if method.Name == name {
			return method, true
		}
	}

	return MethodDescriptor{}, false
}

// Converts a fully-qualified type name to a file-system safe module name.
func ConvertFullName(fullName string) string {
	return strings.ReplaceAll(fullName, ".", "-")
}
