package metadata

import (
	"debug/pe"
	"fmt"
	"log/slog"
	"proxybridge/internal"
	"strings"

	"github.com/microsoft/go-winmd"
	"github.com/microsoft/go-winmd/flags"
)

// Element types missing from the simple-type map below.
const (
	elementTypeVoid   flags.ElementType = 0x01
	elementTypeClass  flags.ElementType = 0x12
	elementTypeObject flags.ElementType = 0x1c
)

// Member attribute bits shared by the Field and MethodDef tables.
const (
	memberAccessMask  = 0x0007
	memberPublic      = 0x0006
	memberStatic      = 0x0010
	memberSpecialName = 0x0800
)

// Tags of TypeDefOrRef and HasSemantics coded indexes.
const (
	typeDefTag           = 0
	typeRefTag           = 1
	semanticsPropertyTag = 1
)

// Root types that map onto the default proxy base.
var rootTypes = map[string]bool{
	"System.Object":    true,
	"System.ValueType": true,
	"System.Enum":      true,
}

// The element types that cross the boundary unmodified.
var builtInElementTypes map[flags.ElementType]TypeRef = map[flags.ElementType]TypeRef{
	flags.ElementType_BOOLEAN: BooleanType,
	flags.ElementType_CHAR:    StringType,
	flags.ElementType_STRING:  StringType,
	flags.ElementType_I1:      NumberType,
	flags.ElementType_I2:      NumberType,
	flags.ElementType_I4:      NumberType,
	flags.ElementType_I8:      NumberType,
	flags.ElementType_U1:      NumberType,
	flags.ElementType_U2:      NumberType,
	flags.ElementType_U4:      NumberType,
	flags.ElementType_U8:      NumberType,
	flags.ElementType_R4:      NumberType,
	flags.ElementType_R8:      NumberType,
}

// Reads type descriptors from ECMA-335 metadata (.winmd files and managed assemblies).
type WinMdReader struct {
	metadata winmd.Metadata
	logger   *slog.Logger
}

// Creates a new metadata reader for the file under given path
func NewReader(winMdPath string, logger *slog.Logger) (*WinMdReader, error) {
	peFile, err := pe.Open(winMdPath)
	if err != nil {
		return nil, fmt.Errorf("could not open metadata file '%s': %w", winMdPath, err)
	}
	defer peFile.Close()

	winmdMetadata, err := winmd.New(peFile)
	if err != nil {
		return nil, fmt.Errorf("could not read metadata from '%s': %w", winMdPath, err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &WinMdReader{
		metadata: *winmdMetadata,
		logger:   logger.With("metadata", winMdPath),
	}, nil
}

// Tries to get the type with given fully-qualified name
func (reader *WinMdReader) TryGetType(fullName string) (TypeDescriptor, bool, error) {
	namespace, name := splitFullName(fullName)
	row, typeDef := findRowInTable(
		reader.metadata.Tables.TypeDef,
		func(typeDef *winmd.TypeDef) bool {
			return typeDef.Name.String() == name && typeDef.Namespace.String() == namespace
		})
	if typeDef == nil {
		return TypeDescriptor{}, false, nil
	}

	accessors, err := reader.getAccessorProperties(row)
	if err != nil {
		return TypeDescriptor{}, true, fmt.Errorf("could not read properties of '%s': %w", fullName, err)
	}

	fields, err := reader.getProperties(typeDef)
	if err != nil {
		return TypeDescriptor{}, true, fmt.Errorf("could not read fields of '%s': %w", fullName, err)
	}

	methods, err := reader.getMethods(typeDef)
	if err != nil {
		return TypeDescriptor{}, true, fmt.Errorf("could not read methods of '%s': %w", fullName, err)
	}

	base, err := reader.getBase(typeDef)
	if err != nil {
		return TypeDescriptor{}, true, fmt.Errorf("could not resolve base of '%s': %w", fullName, err)
	}

	return NewTypeDescriptor(name, namespace, base, append(accessors, fields...), methods), true, nil
}

func (reader *WinMdReader) getBase(typeDef *winmd.TypeDef) (*TypeRef, error) {
	if typeDef.Extends.Tag < 0 {
		return nil, nil
	}

	baseName, err := reader.resolveTypeName(typeDef.Extends)
	if err != nil {
		return nil, err
	}

	return baseReference(baseName), nil
}

// Returns the proxy base for a base type name, or nil when the default base applies.
func baseReference(fullName string) *TypeRef {
	if fullName == "" || rootTypes[fullName] {
		return nil
	}

	base := ReferenceTo(fullName)
	return &base
}

// Reads the properties declared through the PropertyMap and Property tables.
func (reader *WinMdReader) getAccessorProperties(typeRow winmd.Index) ([]PropertyDescriptor, error) {
	_, propertyMap := findRowInTable(
		reader.metadata.Tables.PropertyMap,
		func(propertyMap *winmd.PropertyMap) bool {
			return propertyMap.Parent == typeRow
		})
	if propertyMap == nil {
		return nil, nil
	}

	properties := make([]PropertyDescriptor, 0)
	for i := propertyMap.PropertyList.Start; i < propertyMap.PropertyList.End; i++ {
		property, err := reader.metadata.Tables.Property.Record(i)
		if err != nil {
			return nil, fmt.Errorf("no matching property was found: %w", err)
		}

		getter, setter, err := reader.getAccessors(i)
		if err != nil {
			return nil, fmt.Errorf("could not read accessors of property '%s': %w", property.Name.String(), err)
		}

		canRead, canWrite, isStatic := accessorAccess(getter, setter)
		if !canRead && !canWrite {
			continue
		}

		propertyType, err := reader.getAccessorType(getter, setter)
		if err != nil {
			reader.logger.Debug("skipping property", "property", property.Name.String(), "reason", err.Error())
			continue
		}

		properties = append(properties, PropertyDescriptor{
			Name:     property.Name.String(),
			Type:     propertyType,
			IsStatic: isStatic,
			CanRead:  canRead,
			CanWrite: canWrite,
		})
	}

	return properties, nil
}

func (reader *WinMdReader) getAccessors(propertyRow winmd.Index) (getter, setter *winmd.MethodDef, err error) {
	semantics := reader.metadata.Tables.MethodSemantics
	for idx := uint32(0); idx < semantics.Len; idx++ {
		record, err := semantics.Record(winmd.Index(idx))
		if err != nil {
			return nil, nil, err
		}

		if record.Association.Tag != semanticsPropertyTag || record.Association.Index != propertyRow {
			continue
		}

		methodDef, err := reader.metadata.Tables.MethodDef.Record(record.Method)
		if err != nil {
			return nil, nil, err
		}

		switch {
		case record.Semantics&flags.MethodSemanticsAttributes_Getter != 0:
			getter = methodDef
		case record.Semantics&flags.MethodSemanticsAttributes_Setter != 0:
			setter = methodDef
		}
	}

	return getter, setter, nil
}

// A property is readable through a public getter and writable through a public setter.
func accessorAccess(getter, setter *winmd.MethodDef) (canRead, canWrite, isStatic bool) {
	canRead = getter != nil && uint16(getter.Flags)&memberAccessMask == memberPublic
	canWrite = setter != nil && uint16(setter.Flags)&memberAccessMask == memberPublic

	switch {
	case canRead:
		isStatic = uint16(getter.Flags)&memberStatic != 0
	case canWrite:
		isStatic = uint16(setter.Flags)&memberStatic != 0
	}
	return canRead, canWrite, isStatic
}

// The property type is the getter's return type, or the setter's last parameter.
func (reader *WinMdReader) getAccessorType(getter, setter *winmd.MethodDef) (TypeRef, error) {
	if getter != nil {
		signature, err := reader.metadata.MethodDefSignature(getter.Signature)
		if err != nil {
			return TypeRef{}, err
		}
		return reader.getType(signature.RetType.Type)
	}

	signature, err := reader.metadata.MethodDefSignature(setter.Signature)
	if err != nil {
		return TypeRef{}, err
	}
	if len(signature.Param) == 0 {
		return TypeRef{}, fmt.Errorf("setter '%s' takes no value", setter.Name.String())
	}
	return reader.getType(signature.Param[len(signature.Param)-1].Type)
}

func (reader *WinMdReader) getProperties(typeDef *winmd.TypeDef) ([]PropertyDescriptor, error) {
	properties := make([]PropertyDescriptor, 0)
	for i := typeDef.FieldList.Start; i < typeDef.FieldList.End; i++ {
		field, err := reader.metadata.Tables.Field.Record(i)
		if err != nil {
			return nil, fmt.Errorf("no matching field was found: %w", err)
		}

		attributes := uint16(field.Flags)
		if attributes&memberAccessMask != memberPublic {
			continue
		}

		fieldSignature, err := reader.metadata.FieldSignature(field.Signature)
		if err != nil {
			return nil, fmt.Errorf("no matching field signature for field '%s' was found: %w", field.Name.String(), err)
		}

		fieldType, err := reader.getType(fieldSignature.Type)
		if err != nil {
			reader.logger.Debug("skipping field", "field", field.Name.String(), "reason", err.Error())
			continue
		}

		properties = append(properties, PropertyDescriptor{
			Name:     field.Name.String(),
			Type:     fieldType,
			IsStatic: attributes&memberStatic != 0,
			CanRead:  true,
			CanWrite: true,
		})
	}

	return properties, nil
}

func (reader *WinMdReader) getMethods(typeDef *winmd.TypeDef) ([]MethodDescriptor, error) {
	methods := make([]MethodDescriptor, 0)
	for i := typeDef.MethodList.Start; i < typeDef.MethodList.End; i++ {
		methodDef, err := reader.metadata.Tables.MethodDef.Record(i)
		if err != nil {
			return nil, fmt.Errorf("no matching method was found: %w", err)
		}

		attributes := uint16(methodDef.Flags)
		name := methodDef.Name.String()
		if !isPlainPublicMethod(attributes, name) {
			continue
		}

		method, err := reader.getMethod(methodDef)
		if err != nil {
			reader.logger.Debug("skipping method", "method", name, "reason", err.Error())
			continue
		}

		method.IsStatic = attributes&memberStatic != 0
		methods = append(methods, method)
	}

	return methods, nil
}

// Accessors, event handlers and operators are special-name methods and never become proxy methods.
func isPlainPublicMethod(attributes uint16, name string) bool {
	return attributes&memberAccessMask == memberPublic &&
		attributes&memberSpecialName == 0 &&
		!strings.HasPrefix(name, ".")
}

func (reader *WinMdReader) getMethod(methodDef *winmd.MethodDef) (MethodDescriptor, error) {
	methodSignature, err := reader.metadata.MethodDefSignature(methodDef.Signature)
	if err != nil {
		return MethodDescriptor{}, fmt.Errorf("no matching method signature was found: %w", err)
	}

	returnType, err := reader.getType(methodSignature.RetType.Type)
	if err != nil {
		return MethodDescriptor{}, fmt.Errorf("could not determine return type: %w", err)
	}

	method := MethodDescriptor{
		Name:       methodDef.Name.String(),
		ReturnType: returnType,
	}

	methodParamListValues := make([]winmd.Param, 0)
	for idx := methodDef.ParamList.Start; idx < methodDef.ParamList.End; idx++ {
		param, err := reader.metadata.Tables.Param.Record(idx)
		internal.PanicOnError(err)
		methodParamListValues = append(methodParamListValues, *param)
	}

	// A leading row describes the return value when there is one more row than parameters.
	if len(methodParamListValues) > len(methodSignature.Param) {
		methodParamListValues = methodParamListValues[1:]
	}

	for i := 0; i < len(methodSignature.Param); i++ {
		paramType, err := reader.getType(methodSignature.Param[i].Type)
		if err != nil {
			return MethodDescriptor{}, fmt.Errorf("could not determine type of parameter %d: %w", i, err)
		}

		paramName := fmt.Sprintf("arg%d", i)
		if i < len(methodParamListValues) {
			paramName = methodParamListValues[i].Name.String()
		}

		method.Params = append(method.Params, ParameterDescriptor{Name: paramName, Type: paramType})
	}

	return method, nil
}

func (reader *WinMdReader) getType(sigType winmd.SigType) (TypeRef, error) {
	builtInType, found := builtInElementTypes[sigType.Kind]
	if found {
		return builtInType, nil
	}

	switch sigType.Kind {
	case elementTypeVoid:
		return VoidType, nil
	case elementTypeObject:
		return ReferenceTo("System.Object"), nil
	case elementTypeClass:
		sigTypeIndex, ok := sigType.Value.(winmd.CodedIndex)
		if !ok {
			return TypeRef{}, fmt.Errorf("signature does not reference a type")
		}

		fullName, err := reader.resolveTypeName(sigTypeIndex)
		if err != nil {
			return TypeRef{}, fmt.Errorf("no matching type for class was found: %w", err)
		}
		return ReferenceTo(fullName), nil
	}

	return TypeRef{}, fmt.Errorf("%w: element type %v", ErrUnsupportedType, sigType.Kind)
}

// Resolves a TypeDefOrRef coded index to the fully-qualified type name.
func (reader *WinMdReader) resolveTypeName(index winmd.CodedIndex) (string, error) {
	switch index.Tag {
	case typeDefTag:
		typeDef, err := reader.metadata.Tables.TypeDef.Record(index.Index)
		if err != nil {
			return "", fmt.Errorf("did not found matching type definition: %w", err)
		}
		return joinFullName(typeDef.Namespace.String(), typeDef.Name.String()), nil
	case typeRefTag:
		typeRef, err := reader.metadata.Tables.TypeRef.Record(index.Index)
		if err != nil {
			return "", fmt.Errorf("did not found matching type reference: %w", err)
		}
		return joinFullName(typeRef.Namespace.String(), typeRef.Name.String()), nil
	}

	return "", fmt.Errorf("%w: coded index tag %d", ErrUnsupportedType, index.Tag)
}

// Finds element in given table and returns its row. If element is not found then `nil` is returned.
func findRowInTable[T any, TP winmd.Record[T]](table winmd.Table[T, TP], predicate func(TP) bool) (winmd.Index, TP) {
	for idx := uint32(0); idx < table.Len; idx++ {
		element, err := table.Record(winmd.Index(idx))
		internal.PanicOnError(err) // It returns an error only when creating return value and for out of scope file
		if predicate(element) {
			return winmd.Index(idx), element
		}
	}

	var notFound TP
	return 0, notFound
}

func splitFullName(fullName string) (namespace, name string) {
	idx := strings.LastIndex(fullName, ".")
	if idx < 0 {
		return "", fullName
	}

	return fullName[:idx], fullName[idx+1:]
}

func joinFullName(namespace, name string) string {
	if namespace == "" {
		return name
	}

	return namespace + "." + name
}
