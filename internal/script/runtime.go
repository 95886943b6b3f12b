// Package script hosts generated proxies in a JavaScript runtime and routes
// their forwarding calls to a bridge.Dispatcher.
package script

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"proxybridge/internal/bridge"
	"proxybridge/internal/generation"
	"proxybridge/internal/tracker"

	"github.com/dop251/goja"
)

var ErrModuleNotFound = errors.New("module not found")

//go:embed object.js
var objectSource string

// Sources provides generated proxies by module name. *generation.Cache
// satisfies it.
type Sources interface {
	Module(module string) (generation.Source, bool)
}

// Resolves a class whose module is still being evaluated. Once the module
// finishes, the placeholder's prototype chain is pointed at the real class so
// it can also serve as a base class.
const placeholderSource = `(function (resolve, module) {
  function Pending(handle) {
    const Real = resolve(module);
    return Reflect.construct(Real, [handle], new.target === Pending ? Real : new.target);
  }
  return Pending;
})`

const settleSource = `(function (placeholder, real) {
  Object.setPrototypeOf(placeholder.prototype, real.prototype);
  Object.setPrototypeOf(placeholder, real);
})`

// Runtime is a JavaScript runtime with a module loader for generated proxies.
// Like goja.Runtime it must be used from one goroutine at a time.
type Runtime struct {
	vm         *goja.Runtime
	dispatcher *bridge.Dispatcher
	tracker    *tracker.Tracker
	sources    Sources

	modules map[string]goja.Value
	loading map[string][]*goja.Object // module -> placeholders handed out

	require     goja.Value
	placeholder goja.Callable
	settle      goja.Callable

	ctx    context.Context
	logger *slog.Logger
}

type Option func(*Runtime)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// WithContext sets the context passed to forwarded calls.
func WithContext(ctx context.Context) Option {
	return func(r *Runtime) {
		r.ctx = ctx
	}
}

// New creates a runtime whose global require resolves the bridge module, the
// default proxy base class and every module provided by sources. A nil
// tracker disables collection-driven releases.
func New(dispatcher *bridge.Dispatcher, t *tracker.Tracker, sources Sources, opts ...Option) (*Runtime, error) {
	r := &Runtime{
		vm:         goja.New(),
		dispatcher: dispatcher,
		tracker:    t,
		sources:    sources,
		modules:    make(map[string]goja.Value),
		loading:    make(map[string][]*goja.Object),
		ctx:        context.Background(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	var err error
	if r.placeholder, err = r.compileFunction("placeholder.js", placeholderSource); err != nil {
		return nil, err
	}
	if r.settle, err = r.compileFunction("settle.js", settleSource); err != nil {
		return nil, err
	}

	r.require = r.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		exports, err := r.load(call.Argument(0).String())
		if err != nil {
			r.throw(err)
		}
		return exports
	})
	if err := r.vm.Set("require", r.require); err != nil {
		return nil, fmt.Errorf("could not install require: %w", err)
	}

	return r, nil
}

func (r *Runtime) VM() *goja.Runtime {
	return r.vm
}

// Require loads a module the way the global require does.
func (r *Runtime) Require(module string) (goja.Value, error) {
	return r.load(module)
}

func (r *Runtime) RunString(source string) (goja.Value, error) {
	return r.vm.RunString(source)
}

func (r *Runtime) load(module string) (goja.Value, error) {
	if exports, found := r.modules[module]; found {
		return exports, nil
	}
	if _, inProgress := r.loading[module]; inProgress {
		return r.newPlaceholder(module)
	}

	var (
		exports goja.Value
		err     error
	)
	switch module {
	case generation.BridgeModule:
		exports = r.bridgeModule()
	case generation.DefaultBaseModule:
		exports, err = r.evaluate(module, objectSource, generation.DefaultBaseName)
	default:
		source, found := r.sources.Module(module)
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, module)
		}
		exports, err = r.evaluate(module, source.Text, source.ClassName)
	}
	if err != nil {
		return nil, err
	}

	r.modules[module] = exports
	return exports, nil
}

// evaluate runs a class module and returns its class.
func (r *Runtime) evaluate(module, source, className string) (goja.Value, error) {
	r.loading[module] = nil
	defer delete(r.loading, module)

	wrapped := fmt.Sprintf("(function (require) {\n%s\nreturn %s;\n})", source, className)
	factory, err := r.compileFunction(module+".js", wrapped)
	if err != nil {
		return nil, err
	}

	exports, err := factory(goja.Undefined(), r.require)
	if err != nil {
		return nil, fmt.Errorf("could not evaluate module %s: %w", module, err)
	}

	for _, placeholder := range r.loading[module] {
		if _, err := r.settle(goja.Undefined(), placeholder, exports); err != nil {
			return nil, fmt.Errorf("could not settle placeholder of %s: %w", module, err)
		}
	}

	r.logger.Debug("loaded module", "module", module)
	return exports, nil
}

func (r *Runtime) newPlaceholder(module string) (goja.Value, error) {
	resolve := func(call goja.FunctionCall) goja.Value {
		exports, found := r.modules[call.Argument(0).String()]
		if !found {
			panic(r.vm.NewTypeError("class of module %s used before the module finished loading", module))
		}
		return exports
	}

	value, err := r.placeholder(goja.Undefined(), r.vm.ToValue(resolve), r.vm.ToValue(module))
	if err != nil {
		return nil, fmt.Errorf("could not create placeholder for %s: %w", module, err)
	}

	r.loading[module] = append(r.loading[module], value.ToObject(r.vm))
	r.logger.Debug("circular require, returning placeholder", "module", module)
	return value, nil
}

func (r *Runtime) compileFunction(name, source string) (goja.Callable, error) {
	value, err := r.vm.RunScript(name, source)
	if err != nil {
		return nil, fmt.Errorf("could not compile %s: %w", name, err)
	}

	fn, ok := goja.AssertFunction(value)
	if !ok {
		return nil, fmt.Errorf("could not compile %s: not a function", name)
	}

	return fn, nil
}

// throw raises err as a JavaScript exception. Only valid inside a native
// function called by the runtime.
func (r *Runtime) throw(err error) {
	panic(r.vm.NewGoError(err))
}
