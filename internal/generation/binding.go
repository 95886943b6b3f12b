package generation

import (
	"fmt"
	"io"
	"proxybridge/internal/metadata"
	"strings"

	"github.com/dave/jennifer/jen"
)

const (
	bridgePackage   = "proxybridge/internal/bridge"
	metadataPackage = "proxybridge/internal/metadata"
)

// GenerateBinding writes a Go file declaring
//
//	func Register(d *bridge.Dispatcher) error
//
// which registers the host types behind the given descriptors. Descriptors
// without a Go package path are skipped.
func GenerateBinding(packageName string, descriptors []metadata.TypeDescriptor, w io.Writer) error {
	file := jen.NewFile(packageName)
	file.HeaderComment("Code generated by proxygen. DO NOT EDIT.")

	file.Comment("Register makes the host types behind the generated proxies callable.")
	file.Func().
		Id("Register").
		Params(jen.Id("d").Op("*").Qual(bridgePackage, "Dispatcher")).
		Error().
		BlockFunc(func(g *jen.Group) {
			for _, descriptor := range descriptors {
				if descriptor.PkgPath == "" {
					continue
				}
				writeRegistration(descriptor, g)
			}
			g.Return(jen.Nil())
		})

	if err := file.Render(w); err != nil {
		return fmt.Errorf("could not render host binding: %w", err)
	}

	return nil
}

func writeRegistration(descriptor metadata.TypeDescriptor, g *jen.Group) {
	args := []jen.Code{
		jen.Qual("reflect", "TypeFor").Types(jen.Qual(descriptor.PkgPath, descriptor.Name)).Call(),
	}

	for _, property := range descriptor.Properties {
		if !property.IsStatic {
			continue
		}
		if property.Symbol == "" {
			g.Commentf("Static property %s.%s must be registered by hand.", descriptor.FullName, property.Name)
			continue
		}

		packagePath, name := splitSymbol(property.Symbol)
		args = append(args, jen.Qual(metadataPackage, "WithStaticProperty").Call(
			jen.Lit(property.Name),
			jen.Op("&").Qual(packagePath, name),
			jen.Qual(metadataPackage, accessName(property)),
		))
	}

	for _, method := range descriptor.Methods {
		if method.IsStatic {
			if method.Symbol == "" {
				g.Commentf("Static method %s.%s must be registered by hand.", descriptor.FullName, method.Name)
				continue
			}

			packagePath, name := splitSymbol(method.Symbol)
			args = append(args, jen.Qual(metadataPackage, "WithStaticMethod").Call(jen.Lit(method.Name), jen.Qual(packagePath, name)))
		}

		if hasDeclaredParamNames(method) {
			names := []jen.Code{jen.Lit(method.Name)}
			for _, param := range method.Params {
				names = append(names, jen.Lit(param.Name))
			}
			args = append(args, jen.Qual(metadataPackage, "WithParamNames").Call(names...))
		}
	}

	g.If(
		jen.List(jen.Id("_"), jen.Err()).Op(":=").Id("d").Dot("Register").Call(args...),
		jen.Err().Op("!=").Nil(),
	).Block(jen.Return(jen.Err()))
}

func accessName(property metadata.PropertyDescriptor) string {
	switch {
	case !property.CanWrite:
		return "ReadOnly"
	case !property.CanRead:
		return "WriteOnly"
	default:
		return "ReadWrite"
	}
}

func hasDeclaredParamNames(method metadata.MethodDescriptor) bool {
	for i, param := range method.Params {
		if param.Name != fmt.Sprintf("arg%d", i) {
			return true
		}
	}

	return false
}

// splitSymbol splits "import/path.Name" into its package path and name.
func splitSymbol(symbol string) (string, string) {
	slash := strings.LastIndex(symbol, "/")
	dot := strings.Index(symbol[slash+1:], ".")
	if dot < 0 {
		return "", symbol
	}

	return symbol[:slash+1+dot], symbol[slash+1+dot+1:]
}
