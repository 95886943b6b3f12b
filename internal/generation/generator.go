// Package generation turns type descriptors into JavaScript proxy classes
// and Go host bindings.
package generation

import (
	"fmt"
	"log/slog"
	"proxybridge/internal"
	"proxybridge/internal/metadata"
	"strings"
)

const (
	BridgeModule      = "proxybridge"
	BridgeIdentifier  = "Bridge"
	DefaultBaseModule = "proxybridge/object"
	DefaultBaseName   = "ProxyObject"

	handleExpression = "this._handle"
	nullHandle       = "0"
)

// Identifiers a generated parameter must not shadow or use.
var reservedWords = map[string]bool{
	"arguments": true, "await": true, "break": true, "case": true, "catch": true, "class": true,
	"const": true, "continue": true, "debugger": true, "default": true, "delete": true, "do": true,
	"else": true, "enum": true, "eval": true, "export": true, "extends": true, "false": true,
	"finally": true, "for": true, "function": true, "if": true, "implements": true, "import": true,
	"in": true, "instanceof": true, "interface": true, "let": true, "new": true, "null": true,
	"package": true, "private": true, "protected": true, "public": true, "require": true,
	"result": true, "return": true, "static": true, "super": true, "switch": true, "this": true,
	"throw": true, "true": true, "try": true, "typeof": true, "var": true, "void": true,
	"while": true, "with": true, "yield": true,
}

var quoteReplacer = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

type Option func(*options)

type options struct {
	indentWidth       int
	bridgeModule      string
	defaultBase       string
	defaultBaseModule string
	logger            *slog.Logger
}

func defaultOptions() options {
	return options{
		indentWidth:       DefaultIndentWidth,
		bridgeModule:      BridgeModule,
		defaultBase:       DefaultBaseName,
		defaultBaseModule: DefaultBaseModule,
		logger:            slog.Default(),
	}
}

func WithIndentWidth(width int) Option {
	return func(o *options) {
		o.indentWidth = width
	}
}

// WithBridgeModule names the module providing the forwarding functions.
func WithBridgeModule(module string) Option {
	return func(o *options) {
		o.bridgeModule = module
	}
}

// WithDefaultBase sets the class extended by proxies of types without a base.
func WithDefaultBase(identifier, module string) Option {
	return func(o *options) {
		o.defaultBase = identifier
		o.defaultBaseModule = module
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Returns the name of the file holding the proxy of given type.
func FileName(fullName string) string {
	return metadata.ConvertFullName(fullName) + ".js"
}

type proxyWriter struct {
	emitter     *ScriptEmitter
	descriptor  metadata.TypeDescriptor
	typeKey     string
	bridge      string
	identifiers map[string]string // full name -> identifier in scope
}

// Generate emits the proxy class of a type. Identical descriptors always
// produce identical text.
func Generate(descriptor metadata.TypeDescriptor, opts ...Option) string {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	writer := &proxyWriter{
		emitter:     NewScriptEmitter(o.indentWidth),
		descriptor:  descriptor,
		typeKey:     quote(descriptor.FullName),
		identifiers: map[string]string{descriptor.FullName: descriptor.Name},
	}

	start := writer.emitter.Depth()
	baseName := writer.appendRequires(o)
	writer.emitter.Block(fmt.Sprintf("class %s extends %s", descriptor.Name, baseName), writer.appendMembers)
	internal.Assert(writer.emitter.Depth() == start, "unbalanced indentation after generating %s", descriptor.FullName)

	return writer.emitter.String()
}

// appendRequires writes the import block and returns the base class identifier.
func (w *proxyWriter) appendRequires(o options) string {
	used := map[string]bool{w.descriptor.Name: true}
	w.bridge = BridgeIdentifier
	for used[w.bridge] {
		w.bridge += "_"
	}
	used[w.bridge] = true
	w.emitter.Line("const %s = require('%s');", w.bridge, quote(o.bridgeModule))

	var baseName string
	if w.descriptor.Base != nil {
		baseName = w.identifierFor(*w.descriptor.Base, used)
		w.emitter.Line("const %s = require('%s');", baseName, quote(metadata.ConvertFullName(w.descriptor.Base.FullName)))
	} else {
		baseName = o.defaultBase
		for used[baseName] {
			baseName += "_"
		}
		used[baseName] = true
		w.emitter.Line("const %s = require('%s');", baseName, quote(o.defaultBaseModule))
	}

	for _, reference := range w.descriptor.References {
		if _, imported := w.identifiers[reference.FullName]; imported {
			continue
		}

		identifier := w.identifierFor(reference, used)
		w.emitter.Line("const %s = require('%s');", identifier, quote(metadata.ConvertFullName(reference.FullName)))
	}

	w.emitter.Blank()
	return baseName
}

// identifierFor picks the short type name, or the module name when the short
// name is already taken in this file.
func (w *proxyWriter) identifierFor(reference metadata.TypeRef, used map[string]bool) string {
	identifier := reference.Name
	if used[identifier] {
		identifier = strings.ReplaceAll(metadata.ConvertFullName(reference.FullName), "-", "_")
	}
	for used[identifier] {
		identifier += "_"
	}

	used[identifier] = true
	w.identifiers[reference.FullName] = identifier
	return identifier
}

func (w *proxyWriter) appendMembers() {
	members := make([]func(), 0, 2*len(w.descriptor.Properties)+len(w.descriptor.Methods))
	for _, property := range w.descriptor.Properties {
		property := property
		if property.CanRead {
			members = append(members, func() { w.appendGetter(property) })
		}
		if property.CanWrite {
			members = append(members, func() { w.appendSetter(property) })
		}
	}

	for _, method := range w.descriptor.Methods {
		method := method
		members = append(members, func() { w.appendFunction(method) })
	}

	for i, member := range members {
		if i > 0 {
			w.emitter.Blank()
		}
		member()
	}
}

func (w *proxyWriter) appendGetter(property metadata.PropertyDescriptor) {
	call := w.forwardingCall("get", property.Name, property.IsStatic, nil)
	w.emitter.Block(staticModifier(property.IsStatic)+"get "+property.Name+"()", func() {
		w.appendReturn(call, property.Type)
	})
}

func (w *proxyWriter) appendSetter(property metadata.PropertyDescriptor) {
	value := "value"
	if property.Type.IsReference() {
		value = unwrapExpression(value)
	}

	call := w.forwardingCall("set", property.Name, property.IsStatic, []string{value})
	w.emitter.Block(staticModifier(property.IsStatic)+"set "+property.Name+"(value)", func() {
		w.emitter.Line("%s;", call)
	})
}

func (w *proxyWriter) appendFunction(method metadata.MethodDescriptor) {
	names := w.parameterNames(method.Params)
	header := fmt.Sprintf("%s%s(%s)", staticModifier(method.IsStatic), method.Name, strings.Join(names, ", "))

	w.emitter.Block(header, func() {
		for i, param := range method.Params {
			if param.Type.IsReference() {
				w.emitter.Line("%s = %s;", names[i], unwrapExpression(names[i]))
			}
		}

		call := w.forwardingCall("invoke", method.Name, method.IsStatic, names)
		if method.ReturnType.Kind == metadata.KindVoid {
			w.emitter.Line("%s;", call)
			return
		}
		w.appendReturn(call, method.ReturnType)
	})
}

func (w *proxyWriter) appendReturn(call string, returnType metadata.TypeRef) {
	if !returnType.IsReference() {
		w.emitter.Line("return %s;", call)
		return
	}

	w.emitter.Line("var result = %s;", call)
	w.emitter.Line("return result ? new %s(result) : null;", w.identifierOf(returnType))
}

func (w *proxyWriter) identifierOf(reference metadata.TypeRef) string {
	if identifier, ok := w.identifiers[reference.FullName]; ok {
		return identifier
	}

	return reference.Name
}

// forwardingCall builds `Bridge.<kind>('<type>', '<member>'[, handle], args...)`.
func (w *proxyWriter) forwardingCall(kind, member string, isStatic bool, args []string) string {
	parts := []string{"'" + w.typeKey + "'", "'" + quote(member) + "'"}
	if !isStatic {
		parts = append(parts, handleExpression)
	}
	parts = append(parts, args...)

	return fmt.Sprintf("%s.%s(%s)", w.bridge, kind, strings.Join(parts, ", "))
}

func unwrapExpression(name string) string {
	return fmt.Sprintf("%s ? %s._handle : %s", name, name, nullHandle)
}

// parameterNames returns parameter identifiers that shadow neither keywords
// nor the identifiers imported by the file.
func (w *proxyWriter) parameterNames(params []metadata.ParameterDescriptor) []string {
	seen := make(map[string]bool, len(params)+len(w.identifiers)+1)
	seen[w.bridge] = true
	for _, identifier := range w.identifiers {
		seen[identifier] = true
	}

	names := make([]string, len(params))
	for i, param := range params {
		name := param.Name
		if name == "" {
			name = fmt.Sprintf("arg%d", i)
		}
		for reservedWords[name] || seen[name] {
			name += "_"
		}

		seen[name] = true
		names[i] = name
	}

	return names
}

func staticModifier(isStatic bool) string {
	if isStatic {
		return "static "
	}

	return ""
}

func quote(s string) string {
	return quoteReplacer.Replace(s)
}
