// Package bridge executes forwarding calls issued by generated proxies
// against registered host types.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"proxybridge/internal/metadata"
	"proxybridge/internal/reference"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
)

type CallKind int

const (
	Get CallKind = iota
	Set
	Invoke
)

func (k CallKind) String() string {
	switch k {
	case Get:
		return "get"
	case Set:
		return "set"
	case Invoke:
		return "invoke"
	default:
		return "unknown"
	}
}

// Call is one forwarding message. Handle is ignored for static members;
// reference arguments are passed as handles.
type Call struct {
	Kind   CallKind
	Type   string
	Member string
	Handle reference.Handle
	Args   []any
}

type registration struct {
	descriptor metadata.TypeDescriptor
	goType     reflect.Type
}

// Dispatcher routes forwarding calls to host objects. Instance members are
// looked up by name on the resolved object, so a call made through a base
// type's proxy reaches the derived object's member.
type Dispatcher struct {
	mu     sync.RWMutex
	types  map[string]registration
	refs   *reference.Manager
	closed atomic.Bool
	logger *slog.Logger
}

type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher handing out handles from refs, or from
// reference.Default when refs is nil.
func NewDispatcher(refs *reference.Manager, opts ...Option) *Dispatcher {
	if refs == nil {
		refs = reference.Default()
	}

	d := &Dispatcher{
		types:  make(map[string]registration),
		refs:   refs,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

// References returns the manager owning the handles of this dispatcher.
func (d *Dispatcher) References() *reference.Manager {
	return d.refs
}

// Register inspects t and makes its members callable.
func (d *Dispatcher) Register(t reflect.Type, opts ...metadata.Option) (metadata.TypeDescriptor, error) {
	opts = append([]metadata.Option{metadata.WithLogger(d.logger)}, opts...)
	descriptor, err := metadata.Inspect(t, opts...)
	if err != nil {
		return metadata.TypeDescriptor{}, fmt.Errorf("could not register %v: %w", t, err)
	}

	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, found := d.types[descriptor.FullName]; found {
		return metadata.TypeDescriptor{}, registrationConflict(existing.descriptor, descriptor)
	}

	d.types[descriptor.FullName] = registration{descriptor: descriptor, goType: t}
	d.logger.Debug("registered host type", "type", descriptor.FullName, "properties", len(descriptor.Properties), "methods", len(descriptor.Methods))
	return descriptor, nil
}

// Full names keep only the last element of the package path, so equally
// named types of two packages sharing that element collide.
func registrationConflict(existing, added metadata.TypeDescriptor) error {
	if existing.PkgPath == added.PkgPath {
		return fmt.Errorf("%w: %s", ErrRegistered, added.FullName)
	}

	return fmt.Errorf("%w: %s of package %s has the same full name as the type of package %s",
		ErrRegistered, added.FullName, added.PkgPath, existing.PkgPath)
}

func (d *Dispatcher) Descriptor(fullName string) (metadata.TypeDescriptor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, found := d.types[fullName]
	return r.descriptor, found
}

// Types returns the full names of registered types in alphabetical order.
func (d *Dispatcher) Types() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.types))
	for name := range d.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsStatic reports whether the named member of a registered type is static.
func (d *Dispatcher) IsStatic(fullName, member string) (bool, error) {
	descriptor, found := d.Descriptor(fullName)
	if !found {
		return false, fmt.Errorf("%w: type %s", ErrUnknownMember, fullName)
	}

	if property, ok := descriptor.Property(member); ok {
		return property.IsStatic, nil
	}
	if method, ok := descriptor.Method(member); ok {
		return method.IsStatic, nil
	}

	return false, fmt.Errorf("%w: %s.%s", ErrUnknownMember, fullName, member)
}

// Forward executes call. Reference results are returned as reference.Handle,
// a nil reference as reference.None.
func (d *Dispatcher) Forward(ctx context.Context, call Call) (any, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := d.forward(call)
	if err != nil {
		d.logger.Debug("forwarding call failed", "kind", call.Kind.String(), "type", call.Type, "member", call.Member, "error", err)
		return nil, &CallError{Kind: call.Kind, Type: call.Type, Member: call.Member, Err: err}
	}

	return result, nil
}

func (d *Dispatcher) forward(call Call) (result any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result, err = nil, fmt.Errorf("%w: %v", ErrHostPanic, recovered)
		}
	}()

	descriptor, found := d.Descriptor(call.Type)
	if !found {
		return nil, fmt.Errorf("%w: type %s is not registered", ErrUnknownMember, call.Type)
	}

	switch call.Kind {
	case Get:
		property, ok := descriptor.Property(call.Member)
		if !ok {
			return nil, ErrUnknownMember
		}
		if !property.CanRead {
			return nil, fmt.Errorf("%w: property is write-only", ErrAccessDenied)
		}
		if len(call.Args) != 0 {
			return nil, fmt.Errorf("%w: getter takes no arguments", ErrBadArgument)
		}

		value, err := d.propertyValue(property, call.Handle)
		if err != nil {
			return nil, err
		}
		return d.exportResult(value, property.Type)

	case Set:
		property, ok := descriptor.Property(call.Member)
		if !ok {
			return nil, ErrUnknownMember
		}
		if !property.CanWrite {
			return nil, fmt.Errorf("%w: property is read-only", ErrAccessDenied)
		}
		if len(call.Args) != 1 {
			return nil, fmt.Errorf("%w: setter takes one argument, got %d", ErrBadArgument, len(call.Args))
		}

		value, err := d.propertyValue(property, call.Handle)
		if err != nil {
			return nil, err
		}
		argument, err := d.importArgument(call.Args[0], value.Type())
		if err != nil {
			return nil, err
		}
		value.Set(argument)
		return nil, nil

	case Invoke:
		method, ok := descriptor.Method(call.Member)
		if !ok {
			return nil, ErrUnknownMember
		}
		return d.invoke(method, call)

	default:
		return nil, fmt.Errorf("%w: call kind %d", ErrBadArgument, int(call.Kind))
	}
}

// propertyValue returns the settable value behind a property.
func (d *Dispatcher) propertyValue(property metadata.PropertyDescriptor, handle reference.Handle) (reflect.Value, error) {
	if property.IsStatic {
		return property.Var.Elem(), nil
	}

	target, err := d.resolveTarget(handle)
	if err != nil {
		return reflect.Value{}, err
	}

	field, found := target.Elem().Type().FieldByName(property.Name)
	if !found {
		return reflect.Value{}, fmt.Errorf("%w: %s has no field %s", ErrUnknownMember, target.Type(), property.Name)
	}

	value, err := target.Elem().FieldByIndexErr(field.Index)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("%w: %v", ErrUnknownMember, err)
	}

	// A derived type may shadow the field with one of another type.
	if actual, ok := metadata.Classify(value.Type()); !ok || actual.Kind != property.Type.Kind || actual.FullName != property.Type.FullName {
		return reflect.Value{}, fmt.Errorf("%w: field %s of %s is %s, expected %s", ErrBadArgument, property.Name, target.Type(), value.Type(), property.Type.FullName)
	}

	return value, nil
}

func (d *Dispatcher) invoke(method metadata.MethodDescriptor, call Call) (result any, err error) {
	fn := method.Func
	if !method.IsStatic {
		target, err := d.resolveTarget(call.Handle)
		if err != nil {
			return nil, err
		}
		fn = target.MethodByName(method.Name)
		if !fn.IsValid() {
			return nil, fmt.Errorf("%w: %s has no method %s", ErrUnknownMember, target.Type(), method.Name)
		}
	}

	fnType := fn.Type()
	if len(call.Args) != fnType.NumIn() {
		return nil, fmt.Errorf("%w: expected %d arguments, got %d", ErrBadArgument, fnType.NumIn(), len(call.Args))
	}

	args := make([]reflect.Value, len(call.Args))
	for i, arg := range call.Args {
		if args[i], err = d.importArgument(arg, fnType.In(i)); err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
	}

	results := fn.Call(args)
	if method.ReturnsError {
		if failure := results[len(results)-1]; !failure.IsNil() {
			return nil, failure.Interface().(error)
		}
		results = results[:len(results)-1]
	}
	if len(results) == 0 {
		return nil, nil
	}

	return d.exportResult(results[0], method.ReturnType)
}

func (d *Dispatcher) resolveTarget(handle reference.Handle) (reflect.Value, error) {
	obj, err := d.refs.Resolve(handle)
	if err != nil {
		return reflect.Value{}, err
	}

	target := reflect.ValueOf(obj)
	if target.Kind() != reflect.Pointer || target.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("%w: handle %d refers to %s", ErrBadArgument, handle, target.Type())
	}

	return target, nil
}

// exportResult converts a host value into what crosses the boundary.
func (d *Dispatcher) exportResult(value reflect.Value, typeRef metadata.TypeRef) (any, error) {
	if typeRef.IsReference() {
		if value.IsNil() {
			return reference.None, nil
		}
		return d.refs.Export(value.Interface())
	}

	switch value.Kind() {
	case reflect.Bool:
		return value.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return value.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return value.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return value.Float(), nil
	case reflect.String:
		return value.String(), nil
	default:
		return nil, fmt.Errorf("%w: cannot export %s", ErrBadArgument, value.Type())
	}
}

// importArgument converts an argument received from the scripting runtime to
// the host parameter type.
func (d *Dispatcher) importArgument(arg any, target reflect.Type) (reflect.Value, error) {
	if typeRef, ok := metadata.Classify(target); ok && typeRef.IsReference() {
		return d.importReference(arg, target)
	}

	switch target.Kind() {
	case reflect.Bool:
		if b, ok := arg.(bool); ok {
			return reflect.ValueOf(b).Convert(target), nil
		}
	case reflect.String:
		if s, ok := arg.(string); ok {
			return reflect.ValueOf(s).Convert(target), nil
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if n, ok := integral(arg); ok {
			value := reflect.New(target).Elem()
			if !value.OverflowInt(n) {
				value.SetInt(n)
				return value, nil
			}
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if n, ok := integral(arg); ok && n >= 0 {
			value := reflect.New(target).Elem()
			if !value.OverflowUint(uint64(n)) {
				value.SetUint(uint64(n))
				return value, nil
			}
		}
	case reflect.Float32, reflect.Float64:
		if f, ok := number(arg); ok {
			return reflect.ValueOf(f).Convert(target), nil
		}
	}

	return reflect.Value{}, fmt.Errorf("%w: cannot use %v (%T) as %s", ErrBadArgument, arg, arg, target)
}

func (d *Dispatcher) importReference(arg any, target reflect.Type) (reflect.Value, error) {
	var handle reference.Handle
	switch v := arg.(type) {
	case nil:
		handle = reference.None
	case reference.Handle:
		handle = v
	default:
		n, ok := integral(arg)
		if !ok {
			return reflect.Value{}, fmt.Errorf("%w: %v (%T) is not a handle", ErrBadArgument, arg, arg)
		}
		handle = reference.Handle(n)
	}

	if handle == reference.None {
		return reflect.Zero(target), nil
	}

	obj, err := d.refs.Resolve(handle)
	if err != nil {
		return reflect.Value{}, err
	}

	value := reflect.ValueOf(obj)
	if value.Type().AssignableTo(target) {
		return value, nil
	}

	// A derived object passed where its base is expected.
	if value.Kind() == reflect.Pointer && value.Elem().Kind() == reflect.Struct {
		if field, found := value.Elem().Type().FieldByName(target.Elem().Name()); found && field.Anonymous {
			embedded, err := value.Elem().FieldByIndexErr(field.Index)
			if err == nil {
				switch {
				case embedded.Type() == target:
					return embedded, nil
				case embedded.Type() == target.Elem():
					return embedded.Addr(), nil
				}
			}
		}
	}

	return reflect.Value{}, fmt.Errorf("%w: handle %d refers to %s, expected %s", ErrBadArgument, handle, value.Type(), target)
}

func integral(arg any) (int64, bool) {
	switch v := arg.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v == math.Trunc(v) && v >= -(1<<63) && v < 1<<63 {
			return int64(v), true
		}
	}

	return 0, false
}

func number(arg any) (float64, bool) {
	switch v := arg.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}

	return 0, false
}

// Release is the endpoint of explicit release messages. The handle is
// forgotten even when other proxies still observe it. Unknown handles are
// ignored.
func (d *Dispatcher) Release(ctx context.Context, handle reference.Handle) error {
	if d.closed.Load() {
		return ErrClosed
	}

	d.refs.Release(handle)
	return nil
}

// Collected is the endpoint of release messages sent when one proxy of handle
// has been collected. The handle is released after its last observer.
func (d *Dispatcher) Collected(ctx context.Context, handle reference.Handle) error {
	if d.closed.Load() {
		return ErrClosed
	}

	d.refs.Drop(handle)
	return nil
}

// Close rejects every later call.
func (d *Dispatcher) Close() {
	d.closed.Store(true)
}
