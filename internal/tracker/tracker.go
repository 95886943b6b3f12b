// Package tracker releases host handles once the scripting objects holding
// them have been collected.
package tracker

import (
	"context"
	"log/slog"
	"proxybridge/internal/reference"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
)

const DefaultQueueSize = 1024

// Releaser receives one release message per collected object. Objects sharing
// a handle each send one; the releaser decides when the handle is gone.
type Releaser interface {
	Release(ctx context.Context, handle reference.Handle) error
}

type ReleaseFunc func(ctx context.Context, handle reference.Handle) error

func (f ReleaseFunc) Release(ctx context.Context, handle reference.Handle) error {
	return f(ctx, handle)
}

// Tracker forwards the handles of collected objects to a Releaser from a
// single delivery goroutine. Collection callbacks never wait for delivery.
type Tracker struct {
	releaser Releaser
	queue    chan reference.Handle
	done     chan struct{}

	mu     sync.RWMutex
	closed bool

	delivered atomic.Int64
	dropped   atomic.Int64
	logger    *slog.Logger
}

type Option func(*options)

type options struct {
	queueSize int
	logger    *slog.Logger
}

// WithQueueSize bounds the number of releases waiting for delivery.
func WithQueueSize(size int) Option {
	return func(o *options) {
		o.queueSize = size
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func New(releaser Releaser, opts ...Option) *Tracker {
	o := options{queueSize: DefaultQueueSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.queueSize <= 0 {
		o.queueSize = DefaultQueueSize
	}

	t := &Tracker{
		releaser: releaser,
		queue:    make(chan reference.Handle, o.queueSize),
		done:     make(chan struct{}),
		logger:   o.logger,
	}
	go t.deliver()

	return t
}

// Observe arranges for handle to be released after obj becomes unreachable.
// Only the handle value is retained. Stopping the returned cleanup keeps the
// handle alive for good.
func Observe[T any](t *Tracker, obj *T, handle reference.Handle) runtime.Cleanup {
	return runtime.AddCleanup(obj, t.enqueue, handle)
}

// Track observes a scripting-side proxy object.
func (t *Tracker) Track(obj *goja.Object, handle reference.Handle) runtime.Cleanup {
	return Observe(t, obj, handle)
}

func (t *Tracker) enqueue(handle reference.Handle) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		t.dropped.Add(1)
		t.logger.Warn("dropping release of handle, tracker closed", "handle", handle)
		return
	}

	select {
	case t.queue <- handle:
	default:
		t.dropped.Add(1)
		t.logger.Warn("dropping release of handle, queue full", "handle", handle)
	}
}

func (t *Tracker) deliver() {
	defer close(t.done)

	ctx := context.Background()
	for handle := range t.queue {
		if err := t.releaser.Release(ctx, handle); err != nil {
			t.logger.Warn("could not release handle", "handle", handle, "error", err)
			continue
		}
		t.delivered.Add(1)
	}
}

// Close delivers the queued releases and stops the tracker. Objects collected
// afterwards are not released.
func (t *Tracker) Close() {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.mu.Unlock()

	<-t.done
}

// Delivered returns the number of releases accepted by the releaser.
func (t *Tracker) Delivered() int64 {
	return t.delivered.Load()
}

// Dropped returns the number of releases discarded before delivery.
func (t *Tracker) Dropped() int64 {
	return t.dropped.Load()
}
