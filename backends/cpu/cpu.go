// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cpu implements the host device context, registered as "cpu".
//
// All its operations are synchronous: a non-blocking Copy completes before returning.
// Large copies are split across goroutines.
//
// Options: "memory=<bytes>" limits the memory allocated (e.g.: "cpu:memory=2GiB"), and "parallelism=<n>"
// sets the number of goroutines used for copies (0 disables parallelism, -1 is unlimited).
package cpu

import (
	"sync/atomic"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/gradkernels/backends"
	"github.com/gomlx/gradkernels/internal/workerspool"
	"github.com/gomlx/gradkernels/pkg/core/device"
	"github.com/gomlx/gradkernels/pkg/core/tensors"
)

// Name of the context constructor.
const Name = "cpu"

// MinParallelChunk is the minimum number of elements copied by each goroutine.
var MinParallelChunk = 1 << 16

func init() {
	backends.Register(Name, New)
}

// Context for the host.
type Context struct {
	place     device.Place
	pool      *backends.StoragePool
	workers   *workerspool.Pool
	finalized atomic.Bool
}

// Compile-time checks.
var (
	_ backends.Context        = (*Context)(nil)
	_ backends.MemoryReporter = (*Context)(nil)
	_ backends.Releaser       = (*Context)(nil)
)

// New creates a host context from the configuration.
func New(config backends.Config) (backends.Context, error) {
	if err := config.CheckOptions("memory", "parallelism"); err != nil {
		return nil, err
	}
	place, err := config.Place()
	if err != nil {
		return nil, err
	}
	if place.Kind != device.KindCPU {
		return nil, errors.Errorf("cpu context can't be created for place %s", place)
	}
	limit, err := config.Bytes("memory", 0)
	if err != nil {
		return nil, err
	}
	c := &Context{
		place:   place,
		pool:    backends.NewStoragePool(backends.NewMemoryTracker(place, limit)),
		workers: workerspool.New(),
	}
	parallelism, err := config.Int("parallelism", c.workers.MaxParallelism())
	if err != nil {
		return nil, err
	}
	c.workers.SetMaxParallelism(parallelism)
	klog.V(1).Infof("cpu context: memory limit %d bytes, parallelism %d", limit, parallelism)
	return c, nil
}

// Name implements backends.Context.
func (c *Context) Name() string { return Name }

// Place implements backends.Context.
func (c *Context) Place() device.Place { return c.place }

func (c *Context) checkFinalized() error {
	if c.finalized.Load() {
		return errors.Wrapf(backends.ErrFinalized, "%s", c.place)
	}
	return nil
}

// Alloc implements backends.Context.
func (c *Context) Alloc(t *tensors.Tensor, dtype dtypes.DType) error {
	if err := c.checkFinalized(); err != nil {
		return err
	}
	return backends.AllocPooled(c.pool, c.place, t, dtype)
}

// Copy implements backends.Context. It always completes before returning.
func (c *Context) Copy(src *tensors.Tensor, dstPlace device.Place, blocking bool, dst *tensors.Tensor) error {
	if err := c.checkFinalized(); err != nil {
		return err
	}
	if err := backends.PrepareCopy(c.pool, c.place, src, dstPlace, dst); err != nil {
		return err
	}
	srcFlat, _ := src.Flat()
	dstFlat, _ := dst.Flat()
	dtype := src.DType()
	var firstErr atomic.Pointer[error]
	c.workers.Range(src.Size(), MinParallelChunk, func(start, end int) {
		if err := tensors.CopyFlatRange(dtype, dstFlat, srcFlat, start, end); err != nil {
			firstErr.CompareAndSwap(nil, &err)
		}
	})
	if errPtr := firstErr.Load(); errPtr != nil {
		return *errPtr
	}
	return nil
}

// Synchronize implements backends.Context. It's a no-op, since all operations are synchronous.
func (c *Context) Synchronize() error {
	return c.checkFinalized()
}

// Finalize implements backends.Context.
func (c *Context) Finalize() {
	if c.finalized.Swap(true) {
		return
	}
	klog.V(1).Infof("cpu context finalized, peak memory %d bytes", c.pool.Tracker().MemoryPeak())
}

// MemoryInUse implements backends.MemoryReporter.
func (c *Context) MemoryInUse() uint64 { return c.pool.Tracker().MemoryInUse() }

// MemoryLimit implements backends.MemoryReporter.
func (c *Context) MemoryLimit() uint64 { return c.pool.Tracker().MemoryLimit() }

// Release implements backends.Releaser. Tensors not allocated by this context are left untouched.
func (c *Context) Release(t *tensors.Tensor) {
	if t.Recycler() != tensors.Recycler(c.pool) {
		return
	}
	t.Recycle()
}
