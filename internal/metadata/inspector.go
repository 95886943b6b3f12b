package metadata

import (
	"errors"
	"fmt"
	"go/token"
	"log/slog"
	"path"
	"reflect"
	"runtime"
	"strings"
)

var ErrUnsupportedType = errors.New("unsupported type")

var errorType = reflect.TypeFor[error]()

// PropertyAccess restricts the accessors generated for a static property.
type PropertyAccess int

const (
	ReadWrite PropertyAccess = iota
	ReadOnly
	WriteOnly
)

// Option configures Inspect.
type Option func(*inspectConfig)

type inspectConfig struct {
	paramNames       map[string][]string
	staticMethods    []staticMethod
	staticProperties []staticProperty
	logger           *slog.Logger
}

type staticMethod struct {
	name string
	fn   reflect.Value
}

type staticProperty struct {
	name   string
	ptr    reflect.Value
	access PropertyAccess
}

// WithParamNames names the parameters of a method; Go reflection does not
// retain them. Unnamed parameters are called arg0..argN.
func WithParamNames(method string, names ...string) Option {
	return func(c *inspectConfig) {
		c.paramNames[method] = names
	}
}

// WithStaticMethod exposes fn as a static method of the inspected type.
func WithStaticMethod(name string, fn any) Option {
	return func(c *inspectConfig) {
		c.staticMethods = append(c.staticMethods, staticMethod{name: name, fn: reflect.ValueOf(fn)})
	}
}

// WithStaticProperty exposes the variable ptr points to as a static property.
func WithStaticProperty(name string, ptr any, access PropertyAccess) Option {
	return func(c *inspectConfig) {
		c.staticProperties = append(c.staticProperties, staticProperty{name: name, ptr: reflect.ValueOf(ptr), access: access})
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *inspectConfig) {
		c.logger = logger
	}
}

// Inspect describes the members declared directly on t, a named struct or a
// pointer to one.
//
// The first embedded exported struct is the base type. Members promoted from
// it are left to the base type's own proxy; members promoted from any other
// embedded field are flattened into t.
func Inspect(t reflect.Type, opts ...Option) (TypeDescriptor, error) {
	cfg := inspectConfig{
		paramNames: make(map[string][]string),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if t == nil {
		return TypeDescriptor{}, fmt.Errorf("%w: nil type", ErrUnsupportedType)
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct || t.Name() == "" {
		return TypeDescriptor{}, fmt.Errorf("%w: %s is not a named struct", ErrUnsupportedType, t)
	}

	logger := cfg.logger.With("type", FullNameOf(t))
	base, baseIndex := findBase(t)

	properties := inspectFields(t, baseIndex, logger)
	methods := inspectMethods(t, baseIndex, cfg.paramNames, logger)

	for _, static := range cfg.staticProperties {
		property, err := inspectStaticProperty(static)
		if err != nil {
			return TypeDescriptor{}, err
		}
		properties = append(properties, property)
	}

	for _, static := range cfg.staticMethods {
		method, err := inspectStaticMethod(static, cfg.paramNames[static.name])
		if err != nil {
			return TypeDescriptor{}, err
		}
		methods = append(methods, method)
	}

	descriptor := NewTypeDescriptor(t.Name(), NamespaceOf(t), base, properties, methods)
	descriptor.PkgPath = t.PkgPath()
	return descriptor, nil
}

// NamespaceOf returns the namespace of a named Go type: the last element of
// its package path. Types of "a/bank" and "b/bank" share the namespace bank.
func NamespaceOf(t reflect.Type) string {
	return path.Base(t.PkgPath())
}

func FullNameOf(t reflect.Type) string {
	return NamespaceOf(t) + "." + t.Name()
}

// Classify maps a Go type onto the boundary classification. The boolean is
// false for types that cannot cross the boundary.
func Classify(t reflect.Type) (TypeRef, bool) {
	switch t.Kind() {
	case reflect.Bool:
		return BooleanType, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return NumberType, true
	case reflect.String:
		return StringType, true
	case reflect.Pointer:
		elem := t.Elem()
		if elem.Kind() == reflect.Struct && elem.Name() != "" {
			return TypeRef{Name: elem.Name(), FullName: FullNameOf(elem), Kind: KindReference}, true
		}
	}

	return TypeRef{}, false
}

func findBase(t reflect.Type) (*TypeRef, int) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.Anonymous || !field.IsExported() {
			continue
		}

		fieldType := field.Type
		if fieldType.Kind() == reflect.Pointer {
			fieldType = fieldType.Elem()
		}
		if fieldType.Kind() == reflect.Struct && fieldType.Name() != "" {
			base := TypeRef{Name: fieldType.Name(), FullName: FullNameOf(fieldType), Kind: KindReference}
			return &base, i
		}
	}

	return nil, -1
}

func inspectFields(t reflect.Type, baseIndex int, logger *slog.Logger) []PropertyDescriptor {
	properties := make([]PropertyDescriptor, 0)
	for _, field := range reflect.VisibleFields(t) {
		if !field.IsExported() || field.Anonymous {
			continue
		}
		if baseIndex >= 0 && field.Index[0] == baseIndex {
			continue
		}

		canRead, canWrite := true, true
		switch field.Tag.Get("proxy") {
		case "-":
			continue
		case "readonly":
			canWrite = false
		case "writeonly":
			canRead = false
		}

		fieldType, ok := Classify(field.Type)
		if !ok {
			logger.Debug("skipping property of unsupported type", "property", field.Name, "goType", field.Type.String())
			continue
		}

		properties = append(properties, PropertyDescriptor{
			Name:     field.Name,
			Type:     fieldType,
			CanRead:  canRead,
			CanWrite: canWrite,
		})
	}

	return properties
}

func inspectMethods(t reflect.Type, baseIndex int, paramNames map[string][]string, logger *slog.Logger) []MethodDescriptor {
	var inherited reflect.Type
	if baseIndex >= 0 {
		inherited = t.Field(baseIndex).Type
		if inherited.Kind() != reflect.Pointer {
			inherited = reflect.PointerTo(inherited)
		}
	}

	receiver := reflect.PointerTo(t)
	methods := make([]MethodDescriptor, 0, receiver.NumMethod())
	for i := 0; i < receiver.NumMethod(); i++ {
		method := receiver.Method(i)
		if inherited != nil {
			if _, found := inherited.MethodByName(method.Name); found {
				continue
			}
		}

		descriptor, err := describeSignature(method.Name, method.Type, 1, paramNames[method.Name])
		if err != nil {
			logger.Debug("skipping method", "method", method.Name, "reason", err.Error())
			continue
		}
		methods = append(methods, descriptor)
	}

	return methods
}

func inspectStaticMethod(static staticMethod, names []string) (MethodDescriptor, error) {
	if !static.fn.IsValid() || static.fn.Kind() != reflect.Func || static.fn.IsNil() {
		return MethodDescriptor{}, fmt.Errorf("static method %s: %w: not a function", static.name, ErrUnsupportedType)
	}

	descriptor, err := describeSignature(static.name, static.fn.Type(), 0, names)
	if err != nil {
		return MethodDescriptor{}, fmt.Errorf("static method %s: %w", static.name, err)
	}

	descriptor.IsStatic = true
	descriptor.Func = static.fn
	descriptor.Symbol = functionSymbol(static.fn)
	return descriptor, nil
}

func inspectStaticProperty(static staticProperty) (PropertyDescriptor, error) {
	if !static.ptr.IsValid() || static.ptr.Kind() != reflect.Pointer || static.ptr.IsNil() {
		return PropertyDescriptor{}, fmt.Errorf("static property %s: %w: not a pointer to a variable", static.name, ErrUnsupportedType)
	}

	propertyType, ok := Classify(static.ptr.Type().Elem())
	if !ok {
		return PropertyDescriptor{}, fmt.Errorf("static property %s: %w: %s", static.name, ErrUnsupportedType, static.ptr.Type().Elem())
	}

	return PropertyDescriptor{
		Name:     static.name,
		Type:     propertyType,
		IsStatic: true,
		CanRead:  static.access != WriteOnly,
		CanWrite: static.access != ReadOnly,
		Var:      static.ptr,
	}, nil
}

// describeSignature builds a method descriptor from a function type, skipping
// the first `skip` inputs (the receiver for methods).
func describeSignature(name string, fnType reflect.Type, skip int, names []string) (MethodDescriptor, error) {
	if fnType.IsVariadic() {
		return MethodDescriptor{}, fmt.Errorf("%w: variadic signature", ErrUnsupportedType)
	}

	method := MethodDescriptor{Name: name, ReturnType: VoidType}
	paramCount := fnType.NumIn() - skip
	for i := 0; i < paramCount; i++ {
		inType := fnType.In(i + skip)
		paramType, ok := Classify(inType)
		if !ok {
			return MethodDescriptor{}, fmt.Errorf("%w: parameter %d of type %s", ErrUnsupportedType, i, inType)
		}

		paramName := fmt.Sprintf("arg%d", i)
		if len(names) == paramCount && token.IsIdentifier(names[i]) {
			paramName = names[i]
		}
		method.Params = append(method.Params, ParameterDescriptor{Name: paramName, Type: paramType})
	}

	switch fnType.NumOut() {
	case 0:
	case 1:
		if fnType.Out(0) == errorType {
			method.ReturnsError = true
			break
		}
		returnType, ok := Classify(fnType.Out(0))
		if !ok {
			return MethodDescriptor{}, fmt.Errorf("%w: result of type %s", ErrUnsupportedType, fnType.Out(0))
		}
		method.ReturnType = returnType
	case 2:
		if fnType.Out(1) != errorType {
			return MethodDescriptor{}, fmt.Errorf("%w: second result must be an error", ErrUnsupportedType)
		}
		returnType, ok := Classify(fnType.Out(0))
		if !ok {
			return MethodDescriptor{}, fmt.Errorf("%w: result of type %s", ErrUnsupportedType, fnType.Out(0))
		}
		method.ReturnType = returnType
		method.ReturnsError = true
	default:
		return MethodDescriptor{}, fmt.Errorf("%w: %d results", ErrUnsupportedType, fnType.NumOut())
	}

	return method, nil
}

// functionSymbol returns "import/path.Name" for top-level exported functions
// and an empty string for closures and methods.
func functionSymbol(fn reflect.Value) string {
	function := runtime.FuncForPC(fn.Pointer())
	if function == nil {
		return ""
	}

	symbol := function.Name()
	slash := strings.LastIndex(symbol, "/")
	dot := strings.Index(symbol[slash+1:], ".")
	if dot < 0 {
		return ""
	}

	name := symbol[slash+1+dot+1:]
	if !token.IsIdentifier(name) || !token.IsExported(name) {
		return ""
	}

	return symbol
}
