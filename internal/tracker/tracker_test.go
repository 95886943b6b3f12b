package tracker

import (
	"context"
	"errors"
	"proxybridge/internal/reference"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	released []reference.Handle
}

func (r *recorder) Release(_ context.Context, handle reference.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.released = append(r.released, handle)
	return nil
}

func (r *recorder) handles() []reference.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]reference.Handle(nil), r.released...)
}

type proxy struct {
	handle reference.Handle
	_      [16]byte
}

func observeGarbage(tracker *Tracker, handle reference.Handle) {
	obj := &proxy{handle: handle}
	Observe(tracker, obj, handle)
}

func TestObserve_ReleasesCollectedObject(t *testing.T) {
	r := &recorder{}
	tracker := New(r)
	defer tracker.Close()

	observeGarbage(tracker, 7)

	assert.Eventually(t, func() bool {
		runtime.GC()
		return len(r.handles()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []reference.Handle{7}, r.handles())
	assert.Equal(t, int64(1), tracker.Delivered())
}

func TestObserve_ReachableObjectIsKept(t *testing.T) {
	r := &recorder{}
	tracker := New(r)
	defer tracker.Close()

	obj := &proxy{handle: 9}
	Observe(tracker, obj, obj.handle)

	runtime.GC()
	runtime.GC()
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, r.handles())
	runtime.KeepAlive(obj)
}

func TestObserve_Stop(t *testing.T) {
	r := &recorder{}
	tracker := New(r)

	obj := &proxy{handle: 3}
	cleanup := Observe(tracker, obj, obj.handle)
	cleanup.Stop()
	obj = nil

	runtime.GC()
	runtime.GC()
	tracker.Close()

	assert.Empty(t, r.handles())
}

func TestClose_DrainsQueue(t *testing.T) {
	r := &recorder{}
	tracker := New(r)

	for handle := reference.Handle(1); handle <= 5; handle++ {
		tracker.enqueue(handle)
	}
	tracker.Close()

	assert.Equal(t, []reference.Handle{1, 2, 3, 4, 5}, r.handles())
	assert.Equal(t, int64(5), tracker.Delivered())

	tracker.enqueue(6)
	assert.Equal(t, int64(1), tracker.Dropped())
	assert.NotPanics(t, tracker.Close)
}

func TestEnqueue_DropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	tracker := New(ReleaseFunc(func(context.Context, reference.Handle) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}), WithQueueSize(1))

	tracker.enqueue(1)
	<-started
	tracker.enqueue(2)
	tracker.enqueue(3)

	assert.Equal(t, int64(1), tracker.Dropped())

	close(release)
	tracker.Close()
	assert.Equal(t, int64(2), tracker.Delivered())
}

func TestDeliver_FailuresAreDiscarded(t *testing.T) {
	var calls []reference.Handle
	tracker := New(ReleaseFunc(func(_ context.Context, handle reference.Handle) error {
		calls = append(calls, handle)
		if handle == 1 {
			return errors.New("bridge closed")
		}
		return nil
	}))

	tracker.enqueue(1)
	tracker.enqueue(2)
	tracker.Close()

	require.Equal(t, []reference.Handle{1, 2}, calls)
	assert.Equal(t, int64(1), tracker.Delivered())
}

func TestObserve_SharedHandleOutlivesFirstObject(t *testing.T) {
	refs := reference.NewManager()
	tracker := New(ReleaseFunc(func(_ context.Context, handle reference.Handle) error {
		refs.Drop(handle)
		return nil
	}))
	defer tracker.Close()

	handle, err := refs.EnsureReference(&struct{ balance float64 }{})
	require.NoError(t, err)

	kept := &proxy{handle: handle}
	require.NoError(t, refs.Retain(handle))
	Observe(tracker, kept, handle)
	require.NoError(t, refs.Retain(handle))
	observeGarbage(tracker, handle)

	assert.Eventually(t, func() bool {
		runtime.GC()
		return tracker.Delivered() == 1
	}, 5*time.Second, 10*time.Millisecond)
	_, err = refs.Resolve(handle)
	assert.NoError(t, err)

	runtime.KeepAlive(kept)
	kept = nil

	assert.Eventually(t, func() bool {
		runtime.GC()
		return refs.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), tracker.Delivered())
}

func TestTrack_ScriptObject(t *testing.T) {
	r := &recorder{}
	tracker := New(r)
	defer tracker.Close()

	vm := goja.New()
	func() {
		obj := vm.NewObject()
		require.NoError(t, obj.Set("_handle", 21))
		tracker.Track(obj, 21)
	}()

	assert.Eventually(t, func() bool {
		runtime.GC()
		return len(r.handles()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []reference.Handle{21}, r.handles())
}
