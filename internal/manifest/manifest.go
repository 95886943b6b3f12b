// Package manifest reads the YAML description of types to generate proxies
// for when no reflective metadata source is at hand.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"proxybridge/internal/metadata"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid manifest")

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)
	builtInTypes      = map[string]metadata.TypeRef{
		"number":  metadata.NumberType,
		"boolean": metadata.BooleanType,
		"string":  metadata.StringType,
		"void":    metadata.VoidType,
	}
	// Members of every proxy class, and the class constructor.
	reservedMembers = map[string]bool{
		"constructor":     true,
		"_handle":         true,
		"referenceEquals": true,
		"dispose":         true,
	}
)

// validate is shared; validator caches struct metadata per type.
var validate = newValidator()

type Manifest struct {
	Types []Type `yaml:"types" json:"types" validate:"required,min=1,dive" jsonschema:"description=Types to generate proxies for"`
}

type Type struct {
	Name       string     `yaml:"name" json:"name" validate:"required,identifier" jsonschema:"description=Short type name"`
	Namespace  string     `yaml:"namespace" json:"namespace" validate:"required,fullname" jsonschema:"description=Dot-separated namespace"`
	Base       string     `yaml:"base,omitempty" json:"base,omitempty" validate:"omitempty,fullname" jsonschema:"description=Full name of the base type"`
	GoPackage  string     `yaml:"goPackage,omitempty" json:"goPackage,omitempty" jsonschema:"description=Go import path of the host type, enables host bindings"`
	Properties []Property `yaml:"properties,omitempty" json:"properties,omitempty" validate:"dive"`
	Methods    []Method   `yaml:"methods,omitempty" json:"methods,omitempty" validate:"dive"`
}

type Property struct {
	Name   string `yaml:"name" json:"name" validate:"required,identifier,member"`
	Type   string `yaml:"type" json:"type" validate:"required,typename,ne=void" jsonschema:"description=number, boolean, string or the full name of a type"`
	Static bool   `yaml:"static,omitempty" json:"static,omitempty"`
	Access string `yaml:"access,omitempty" json:"access,omitempty" validate:"omitempty,oneof=readwrite readonly writeonly" jsonschema:"enum=readwrite,enum=readonly,enum=writeonly"`
}

type Method struct {
	Name    string      `yaml:"name" json:"name" validate:"required,identifier,member"`
	Static  bool        `yaml:"static,omitempty" json:"static,omitempty"`
	Params  []Parameter `yaml:"params,omitempty" json:"params,omitempty" validate:"dive"`
	Returns string      `yaml:"returns,omitempty" json:"returns,omitempty" validate:"omitempty,typename" jsonschema:"description=Result type, void when omitted"`
}

type Parameter struct {
	Name string `yaml:"name" json:"name" validate:"required,identifier"`
	Type string `yaml:"type" json:"type" validate:"required,typename,ne=void"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	mustRegister(v, "identifier", func(fl validator.FieldLevel) bool {
		return identifierPattern.MatchString(fl.Field().String())
	})
	mustRegister(v, "member", func(fl validator.FieldLevel) bool {
		return !reservedMembers[fl.Field().String()]
	})
	mustRegister(v, "fullname", func(fl validator.FieldLevel) bool {
		return isFullName(fl.Field().String())
	})
	mustRegister(v, "typename", func(fl validator.FieldLevel) bool {
		name := fl.Field().String()
		if _, builtIn := builtInTypes[name]; builtIn {
			return true
		}
		return isFullName(name) && strings.Contains(name, ".")
	})

	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(err)
	}
}

func isFullName(name string) bool {
	for _, part := range strings.Split(name, ".") {
		if !identifierPattern.MatchString(part) {
			return false
		}
	}

	return true
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read manifest: %w", err)
	}

	return Parse(data)
}

// Parse decodes and validates a manifest. Unknown keys are rejected.
func Parse(data []byte) (*Manifest, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var manifest Manifest
	if err := decoder.Decode(&manifest); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if err := manifest.Validate(); err != nil {
		return nil, err
	}

	return &manifest, nil
}

func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	seen := make(map[string]bool, len(m.Types))
	for _, t := range m.Types {
		fullName := t.FullName()
		if seen[fullName] {
			return fmt.Errorf("%w: type %s is declared twice", ErrInvalid, fullName)
		}
		seen[fullName] = true

		if err := t.validateMembers(); err != nil {
			return err
		}
	}

	return nil
}

// validateMembers rejects member names that collide within the class.
func (t Type) validateMembers() error {
	seen := make(map[string]bool, len(t.Properties)+len(t.Methods))
	check := func(name string, static bool) error {
		if static && name == "prototype" {
			return fmt.Errorf("%w: %s cannot have a static member named prototype", ErrInvalid, t.FullName())
		}
		if seen[name] {
			return fmt.Errorf("%w: member %s of %s is declared twice", ErrInvalid, name, t.FullName())
		}
		seen[name] = true
		return nil
	}

	for _, p := range t.Properties {
		if err := check(p.Name, p.Static); err != nil {
			return err
		}
	}
	for _, m := range t.Methods {
		if err := check(m.Name, m.Static); err != nil {
			return err
		}
	}

	return nil
}

func (t Type) FullName() string {
	return t.Namespace + "." + t.Name
}

// Descriptors converts the manifest into type descriptors, in declaration order.
func (m *Manifest) Descriptors() []metadata.TypeDescriptor {
	descriptors := make([]metadata.TypeDescriptor, 0, len(m.Types))
	for _, t := range m.Types {
		descriptors = append(descriptors, t.Descriptor())
	}

	return descriptors
}

func (t Type) Descriptor() metadata.TypeDescriptor {
	var base *metadata.TypeRef
	if t.Base != "" {
		ref := metadata.ReferenceTo(t.Base)
		base = &ref
	}

	properties := make([]metadata.PropertyDescriptor, 0, len(t.Properties))
	for _, p := range t.Properties {
		properties = append(properties, metadata.PropertyDescriptor{
			Name:     p.Name,
			Type:     typeRef(p.Type),
			IsStatic: p.Static,
			CanRead:  p.Access != "writeonly",
			CanWrite: p.Access != "readonly",
		})
	}

	methods := make([]metadata.MethodDescriptor, 0, len(t.Methods))
	for _, m := range t.Methods {
		method := metadata.MethodDescriptor{
			Name:       m.Name,
			IsStatic:   m.Static,
			ReturnType: typeRef(m.Returns),
		}
		for _, p := range m.Params {
			method.Params = append(method.Params, metadata.ParameterDescriptor{Name: p.Name, Type: typeRef(p.Type)})
		}
		methods = append(methods, method)
	}

	descriptor := metadata.NewTypeDescriptor(t.Name, t.Namespace, base, properties, methods)
	descriptor.PkgPath = t.GoPackage
	return descriptor
}

func typeRef(name string) metadata.TypeRef {
	if name == "" {
		return metadata.VoidType
	}
	if builtIn, found := builtInTypes[name]; found {
		return builtIn
	}

	return metadata.ReferenceTo(name)
}

// Schema returns the JSON schema of the manifest format.
func Schema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
	}

	schema, err := json.MarshalIndent(reflector.Reflect(&Manifest{}), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("could not marshal manifest schema: %w", err)
	}

	return schema, nil
}
