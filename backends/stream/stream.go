// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stream implements device contexts with an asynchronous execution stream, registered as
// "gpu", "xpu" and "custom" (each can be left out with the build tags nogpu, noxpu and nocustom).
//
// Each Context owns a FIFO queue of operations executed in order by one goroutine. A non-blocking Copy
// only enqueues the element transfer, and Synchronize waits for the queue to drain. The first error
// of an enqueued operation is sticky: later operations are skipped, and the error is returned by any
// later call.
//
// The device memory is emulated with host storage, accounted against the "memory=<bytes>" option.
// The "queue=<n>" option sets how many operations can be enqueued before Copy blocks (default 64).
package stream

import (
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/gradkernels/backends"
	"github.com/gomlx/gradkernels/pkg/core/device"
	"github.com/gomlx/gradkernels/pkg/core/tensors"
)

// DefaultQueueSize is the default number of operations that can be enqueued without blocking.
const DefaultQueueSize = 64

type queueItem struct {
	fn     func() error
	result chan error // Optional, receives the result of fn or the sticky error if fn was skipped.
	always bool       // Run fn even after the stream failed.
}

// Context of a device with an execution stream.
type Context struct {
	name  string
	place device.Place
	id    uuid.UUID
	pool  *backends.StoragePool

	// mu protects the queue from being closed while an item is sent.
	mu        sync.RWMutex
	queue     chan queueItem
	finalized bool
	done      chan struct{}

	errMu     sync.Mutex
	stickyErr error
}

// Compile-time checks.
var (
	_ backends.Context        = (*Context)(nil)
	_ backends.MemoryReporter = (*Context)(nil)
	_ backends.Releaser       = (*Context)(nil)
)

// constructorFor returns a backends.Constructor for the given device kind.
func constructorFor(name string, kind device.Kind) backends.Constructor {
	return func(config backends.Config) (backends.Context, error) {
		if err := config.CheckOptions("memory", "queue"); err != nil {
			return nil, err
		}
		place, err := config.Place()
		if err != nil {
			return nil, err
		}
		if place.Kind != kind {
			return nil, errors.Errorf("%s context can't be created for place %s", name, place)
		}
		limit, err := config.Bytes("memory", 0)
		if err != nil {
			return nil, err
		}
		queueSize, err := config.Int("queue", DefaultQueueSize)
		if err != nil {
			return nil, err
		}
		if queueSize < 0 {
			return nil, errors.Errorf("invalid queue=%d, it must be >= 0", queueSize)
		}
		return New(name, place, limit, queueSize), nil
	}
}

// New creates a stream context for the given place and starts its execution goroutine.
// A memoryLimit of 0 means unlimited.
func New(name string, place device.Place, memoryLimit uint64, queueSize int) *Context {
	c := &Context{
		name:  name,
		place: place,
		id:    uuid.New(),
		pool:  backends.NewStoragePool(backends.NewMemoryTracker(place, memoryLimit)),
		queue: make(chan queueItem, queueSize),
		done:  make(chan struct{}),
	}
	c.pool.DeferRecycling(c.scheduleRecycle)
	go c.run()
	klog.V(1).Infof("stream context %s for %s started (queue=%d, memory limit=%d bytes)", c.id, place, queueSize, memoryLimit)
	return c
}

// run executes the queued operations in order, until the queue is closed.
func (c *Context) run() {
	defer close(c.done)
	for item := range c.queue {
		err := c.err()
		if err == nil || item.always {
			if fnErr := item.fn(); fnErr != nil {
				c.setErr(fnErr)
				err = fnErr
			}
		}
		if item.result != nil {
			item.result <- err
		}
	}
}

func (c *Context) err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.stickyErr
}

func (c *Context) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.stickyErr == nil {
		klog.Errorf("stream %s on %s failed: %+v", c.id, c.place, err)
		c.stickyErr = err
	}
}

// enqueue fn to the stream. If wait is true, it waits for it to be executed and returns its error.
func (c *Context) enqueue(fn func() error, wait bool) error {
	item := queueItem{fn: fn}
	if wait {
		item.result = make(chan error, 1)
	}
	if err := c.send(item); err != nil {
		return err
	}
	if !wait {
		return nil
	}
	return <-item.result
}

func (c *Context) send(item queueItem) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.finalized {
		return errors.Wrapf(backends.ErrFinalized, "%s (stream %s)", c.place, c.id)
	}
	c.queue <- item
	return nil
}

// scheduleRecycle runs recycle after the operations already enqueued, which may still use the storage.
// It runs even if the stream failed, and right away once the stream is finalized.
func (c *Context) scheduleRecycle(recycle func()) {
	err := c.send(queueItem{fn: func() error { recycle(); return nil }, always: true})
	if err != nil {
		recycle()
	}
}

// Name implements backends.Context.
func (c *Context) Name() string { return c.name }

// Place implements backends.Context.
func (c *Context) Place() device.Place { return c.place }

// ID that uniquely identifies the stream, used in logs.
func (c *Context) ID() uuid.UUID { return c.id }

// checkUsable returns an error if the context was finalized or if the stream failed.
func (c *Context) checkUsable() error {
	c.mu.RLock()
	finalized := c.finalized
	c.mu.RUnlock()
	if finalized {
		return errors.Wrapf(backends.ErrFinalized, "%s (stream %s)", c.place, c.id)
	}
	return c.err()
}

// Alloc implements backends.Context. Allocation is synchronous, only copies are queued. Storage owned by
// this context that t gives up is recycled after the queued operations, like with Release.
func (c *Context) Alloc(t *tensors.Tensor, dtype dtypes.DType) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	return backends.AllocPooled(c.pool, c.place, t, dtype)
}

// Copy implements backends.Context. If blocking is false, the transfer of the elements is only enqueued.
func (c *Context) Copy(src *tensors.Tensor, dstPlace device.Place, blocking bool, dst *tensors.Tensor) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	if err := backends.PrepareCopy(c.pool, c.place, src, dstPlace, dst); err != nil {
		return err
	}
	// The storage is captured now: the tensors may be resized or reallocated before the copy runs.
	dtype, length := src.DType(), src.Size()
	srcFlat, _ := src.Flat()
	dstFlat, _ := dst.Flat()
	if src.Place() == c.place || src.Place().IsHost() {
		return c.enqueue(func() error {
			return tensors.CopyFlatRange(dtype, dstFlat, srcFlat, 0, length)
		}, blocking)
	}

	// Source on another device: stage it through host memory.
	klog.V(2).Infof("stream %s: staging copy of %s from %s through host", c.id, src.Shape(), src.Place())
	return c.enqueue(func() error {
		staging := tensors.MakeFlat(dtype, length)
		if err := tensors.CopyFlatRange(dtype, staging, srcFlat, 0, length); err != nil {
			return errors.WithMessagef(err, "staging copy from %s", src.Place())
		}
		return tensors.CopyFlatRange(dtype, dstFlat, staging, 0, length)
	}, blocking)
}

// Synchronize implements backends.Context.
func (c *Context) Synchronize() error {
	return c.enqueue(func() error { return nil }, true)
}

// Finalize implements backends.Context. It waits for the queued operations to finish.
func (c *Context) Finalize() {
	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		return
	}
	c.finalized = true
	close(c.queue)
	c.mu.Unlock()
	<-c.done
	klog.V(1).Infof("stream context %s for %s finalized, peak memory %d bytes", c.id, c.place, c.pool.Tracker().MemoryPeak())
}

// MemoryInUse implements backends.MemoryReporter.
func (c *Context) MemoryInUse() uint64 { return c.pool.Tracker().MemoryInUse() }

// MemoryLimit implements backends.MemoryReporter.
func (c *Context) MemoryLimit() uint64 { return c.pool.Tracker().MemoryLimit() }

// Release implements backends.Releaser. The storage is only recycled after the operations already
// enqueued, which may still be using it, are done. Tensors not allocated by this context are left untouched.
func (c *Context) Release(t *tensors.Tensor) {
	if t.Recycler() != tensors.Recycler(c.pool) {
		return
	}
	t.Recycle()
}

// Enqueue an arbitrary operation in the stream. It's used by kernels that need device-side work besides
// copies, and by tests to inject failures.
func (c *Context) Enqueue(fn func() error) error {
	return c.enqueue(fn, false)
}
