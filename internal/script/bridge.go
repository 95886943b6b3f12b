package script

import (
	"fmt"
	"proxybridge/internal/bridge"
	"proxybridge/internal/reference"

	"github.com/dop251/goja"
)

// bridgeModule builds the module generated proxies forward through:
//
//	get(type, member[, handle])
//	set(type, member[, handle], value)
//	invoke(type, member[, handle], args...)
//	track(proxy, handle)
//	release(handle)
//
// The handle is present for instance members only.
func (r *Runtime) bridgeModule() goja.Value {
	module := r.vm.NewObject()
	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"get":     func(call goja.FunctionCall) goja.Value { return r.forward(bridge.Get, call) },
		"set":     func(call goja.FunctionCall) goja.Value { return r.forward(bridge.Set, call) },
		"invoke":  func(call goja.FunctionCall) goja.Value { return r.forward(bridge.Invoke, call) },
		"track":   r.track,
		"release": r.release,
	} {
		if err := module.Set(name, fn); err != nil {
			panic(err)
		}
	}

	return module
}

func (r *Runtime) forward(kind bridge.CallKind, call goja.FunctionCall) goja.Value {
	if len(call.Arguments) < 2 {
		r.throw(fmt.Errorf("%w: %s needs a type and a member", bridge.ErrBadArgument, kind))
	}

	message := bridge.Call{
		Kind:   kind,
		Type:   call.Argument(0).String(),
		Member: call.Argument(1).String(),
	}

	static, err := r.dispatcher.IsStatic(message.Type, message.Member)
	if err != nil {
		r.throw(err)
	}

	rest := call.Arguments[2:]
	if !static {
		if len(rest) == 0 {
			r.throw(fmt.Errorf("%w: %s %s.%s needs a handle", bridge.ErrBadArgument, kind, message.Type, message.Member))
		}
		message.Handle = reference.Handle(rest[0].ToInteger())
		rest = rest[1:]
	}

	message.Args = make([]any, len(rest))
	for i, arg := range rest {
		message.Args[i] = exportArgument(arg)
	}

	result, err := r.dispatcher.Forward(r.ctx, message)
	if err != nil {
		r.throw(err)
	}

	switch v := result.(type) {
	case nil:
		return goja.Undefined()
	case reference.Handle:
		return r.vm.ToValue(int64(v))
	default:
		return r.vm.ToValue(v)
	}
}

func (r *Runtime) track(call goja.FunctionCall) goja.Value {
	if r.tracker == nil {
		return goja.Undefined()
	}

	proxy, ok := call.Argument(0).(*goja.Object)
	if !ok {
		r.throw(fmt.Errorf("%w: track needs a proxy object", bridge.ErrBadArgument))
	}

	handle := reference.Handle(call.Argument(1).ToInteger())
	if handle == reference.None {
		return goja.Undefined()
	}

	// The proxy counts as an observer before its cleanup can run.
	if err := r.dispatcher.References().Retain(handle); err != nil {
		r.throw(err)
	}
	r.tracker.Track(proxy, handle)

	return goja.Undefined()
}

func (r *Runtime) release(call goja.FunctionCall) goja.Value {
	handle := reference.Handle(call.Argument(0).ToInteger())
	if err := r.dispatcher.Release(r.ctx, handle); err != nil {
		r.throw(err)
	}

	return goja.Undefined()
}

func exportArgument(value goja.Value) any {
	if goja.IsUndefined(value) || goja.IsNull(value) {
		return nil
	}

	return value.Export()
}
