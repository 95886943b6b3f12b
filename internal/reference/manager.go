// Package reference owns the host objects handed out to the scripting runtime
// and the numeric handles standing in for them.
package reference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
)

// Handle identifies a host object across the runtime boundary.
type Handle int64

// None is the handle of "no object". It is never allocated.
const None Handle = 0

var (
	ErrNotFound     = errors.New("reference not found")
	ErrNotReference = errors.New("value has no identity")
)

// StaleReferenceError is returned when a handle was never allocated or has
// already been released.
type StaleReferenceError struct {
	Handle Handle
}

func (e *StaleReferenceError) Error() string {
	return fmt.Sprintf("stale reference: handle %d", e.Handle)
}

func (e *StaleReferenceError) Is(target error) bool {
	return target == ErrNotFound
}

type identity struct {
	typ     reflect.Type
	address uintptr
}

// entry is a live handle. observers counts the script proxies built on it,
// pending counts handouts no proxy has claimed yet.
type entry struct {
	obj       any
	key       identity
	observers int
	pending   int
}

// Manager maps handles to host objects and back. Both maps and the counts
// change under one lock so a reader never sees one without the other.
type Manager struct {
	mu       sync.Mutex
	last     Handle
	byHandle map[Handle]*entry
	byObject map[identity]Handle
	logger   *slog.Logger
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		byHandle: make(map[Handle]*entry),
		byObject: make(map[identity]Handle),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

var (
	defaultOnce    sync.Once
	defaultManager *Manager
)

// Default returns the process-wide manager, created on first use.
func Default() *Manager {
	defaultOnce.Do(func() {
		defaultManager = NewManager()
	})

	return defaultManager
}

// EnsureReference returns the handle of obj, allocating one on first sight.
// Objects are compared by identity: pointers, maps and channels qualify.
// A nil pointer maps to None.
func (m *Manager) EnsureReference(obj any) (Handle, error) {
	return m.reference(obj, false)
}

// Export is EnsureReference for a handle about to cross into script. The
// handout stays pending until a proxy claims it with Retain, and Drop keeps
// the handle alive while any handout is pending.
func (m *Manager) Export(obj any) (Handle, error) {
	return m.reference(obj, true)
}

func (m *Manager) reference(obj any, export bool) (Handle, error) {
	if obj == nil {
		return None, nil
	}

	value := reflect.ValueOf(obj)
	switch value.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan:
		if value.IsNil() {
			return None, nil
		}
	default:
		return None, fmt.Errorf("%w: %s", ErrNotReference, value.Type())
	}

	key := identity{typ: value.Type(), address: value.Pointer()}

	m.mu.Lock()
	defer m.mu.Unlock()

	handle, found := m.byObject[key]
	if !found {
		m.last++
		handle = m.last
		m.byHandle[handle] = &entry{obj: obj, key: key}
		m.byObject[key] = handle
		m.logger.Debug("allocated handle", "handle", handle, "goType", key.typ.String())
	}

	if export {
		m.byHandle[handle].pending++
	}
	return handle, nil
}

// Resolve returns the object behind a live handle.
func (m *Manager) Resolve(handle Handle) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, found := m.byHandle[handle]
	if !found {
		return nil, &StaleReferenceError{Handle: handle}
	}

	return e.obj, nil
}

// Retain records a new script proxy observing handle. It claims one pending
// handout when there is one.
func (m *Manager) Retain(handle Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, found := m.byHandle[handle]
	if !found {
		return &StaleReferenceError{Handle: handle}
	}

	if e.pending > 0 {
		e.pending--
	}
	e.observers++
	return nil
}

// Drop records that one observing proxy is gone. The handle is released once
// no proxy observes it and no handout is pending; Drop reports whether that
// happened.
func (m *Manager) Drop(handle Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, found := m.byHandle[handle]
	if !found {
		m.logger.Debug("ignoring drop of unknown handle", "handle", handle)
		return false
	}

	if e.observers > 0 {
		e.observers--
	}
	if e.observers > 0 || e.pending > 0 {
		m.logger.Debug("handle still observed", "handle", handle, "observers", e.observers, "pending", e.pending)
		return false
	}

	m.forget(handle, e)
	return true
}

// Release forgets a handle regardless of its observers. Unknown and already
// released handles are ignored; a released handle value is never handed out
// again.
func (m *Manager) Release(handle Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, found := m.byHandle[handle]
	if !found {
		m.logger.Debug("ignoring release of unknown handle", "handle", handle)
		return
	}

	m.forget(handle, e)
}

func (m *Manager) forget(handle Handle, e *entry) {
	delete(m.byObject, e.key)
	delete(m.byHandle, handle)

	m.logger.Debug("released handle", "handle", handle)
}

// Len returns the number of live handles.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.byHandle)
}

type contextKey struct{}

// NewContext returns a context carrying m.
func NewContext(ctx context.Context, m *Manager) context.Context {
	return context.WithValue(ctx, contextKey{}, m)
}

// FromContext returns the manager carried by ctx, or Default.
func FromContext(ctx context.Context) *Manager {
	if m, ok := ctx.Value(contextKey{}).(*Manager); ok && m != nil {
		return m
	}

	return Default()
}
