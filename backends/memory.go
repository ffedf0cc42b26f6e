// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/gradkernels/pkg/core/device"
	"github.com/gomlx/gradkernels/pkg/core/tensors"
)

// MemoryTracker accounts the bytes allocated by a context, against an optional limit.
// It is safe for concurrent use.
type MemoryTracker struct {
	place device.Place
	limit uint64

	mu    sync.Mutex
	inUse uint64
	peak  uint64
}

// NewMemoryTracker returns a tracker for the given place. A limit of 0 means unlimited.
func NewMemoryTracker(place device.Place, limit uint64) *MemoryTracker {
	return &MemoryTracker{place: place, limit: limit}
}

// Reserve accounts for numBytes more in use, or returns an error wrapping ErrOutOfMemory if
// that would exceed the limit.
func (m *MemoryTracker) Reserve(numBytes uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limit > 0 && m.inUse+numBytes > m.limit {
		return errors.Wrapf(ErrOutOfMemory, "%s: requested %s, with %s in use out of %s",
			m.place, humanize.IBytes(numBytes), humanize.IBytes(m.inUse), humanize.IBytes(m.limit))
	}
	m.inUse += numBytes
	m.peak = max(m.peak, m.inUse)
	return nil
}

// Free accounts for numBytes less in use.
func (m *MemoryTracker) Free(numBytes uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if numBytes > m.inUse {
		klog.Warningf("%s: freeing %s, but only %s were in use", m.place, humanize.IBytes(numBytes), humanize.IBytes(m.inUse))
		numBytes = m.inUse
	}
	m.inUse -= numBytes
}

// MemoryInUse returns the number of bytes currently reserved.
func (m *MemoryTracker) MemoryInUse() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inUse
}

// MemoryPeak returns the largest number of bytes reserved at any time.
func (m *MemoryTracker) MemoryPeak() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// MemoryLimit returns the limit of bytes that can be reserved, 0 if unlimited.
func (m *MemoryTracker) MemoryLimit() uint64 { return m.limit }

type storagePoolKey struct {
	dtype  dtypes.DType
	length int
}

// StoragePool recycles the flat storage of tensors, per dtype and number of elements, and accounts for
// the memory handed out with a MemoryTracker.
//
// Tensors allocated with AllocPooled remember their pool: it implements tensors.Recycler, so their storage
// returns to it even when the tensor is later reallocated by another context.
type StoragePool struct {
	tracker  *MemoryTracker
	pools    sync.Map // storagePoolKey -> *sync.Pool
	schedule func(recycle func())
}

// Compile-time check.
var _ tensors.Recycler = (*StoragePool)(nil)

// NewStoragePool creates a StoragePool that reserves memory from tracker.
func NewStoragePool(tracker *MemoryTracker) *StoragePool {
	return &StoragePool{tracker: tracker}
}

// Tracker used by the pool.
func (p *StoragePool) Tracker() *MemoryTracker { return p.tracker }

// DeferRecycling makes Recycle pass the return of the storage to schedule, instead of doing it right away.
// Stream contexts use it to only recycle storage after the queued operations that may still use it.
//
// It must be called before the pool is used.
func (p *StoragePool) DeferRecycling(schedule func(recycle func())) {
	p.schedule = schedule
}

func (p *StoragePool) getPool(dtype dtypes.DType, length int) *sync.Pool {
	key := storagePoolKey{dtype: dtype, length: length}
	pool, ok := p.pools.Load(key)
	if !ok {
		pool, _ = p.pools.LoadOrStore(key, &sync.Pool{
			New: func() any {
				return tensors.MakeFlat(dtype, length)
			},
		})
	}
	return pool.(*sync.Pool)
}

// Get returns a flat slice with length elements of dtype. Its contents are undefined.
// It returns an error wrapping ErrOutOfMemory if the tracker's limit would be exceeded.
func (p *StoragePool) Get(dtype dtypes.DType, length int) (any, error) {
	numBytes := uint64(length) * uint64(dtype.Size())
	if err := p.tracker.Reserve(numBytes); err != nil {
		return nil, err
	}
	return p.getPool(dtype, length).Get(), nil
}

// Put returns a flat slice to the pool. Any references to it should be dropped.
func (p *StoragePool) Put(dtype dtypes.DType, flat any, length int) {
	if flat == nil {
		return
	}
	p.tracker.Free(uint64(length) * uint64(dtype.Size()))
	p.getPool(dtype, length).Put(flat)
}

// Recycle implements tensors.Recycler. It calls Put, possibly deferred, see DeferRecycling.
func (p *StoragePool) Recycle(dtype dtypes.DType, flat any, length int) {
	if p.schedule == nil {
		p.Put(dtype, flat, length)
		return
	}
	p.schedule(func() { p.Put(dtype, flat, length) })
}

// AllocPooled implements Context.Alloc for contexts whose storage comes from a StoragePool.
// The existing storage of t is reused if it came from the same pool, with the same dtype and size.
// Otherwise it is recycled to whichever context allocated it, and new storage is taken from pool.
func AllocPooled(pool *StoragePool, place device.Place, t *tensors.Tensor, dtype dtypes.DType) error {
	if err := CheckAlloc(t, dtype); err != nil {
		return err
	}
	shape := t.Shape()
	shape.DType = dtype
	length := shape.Size()
	if t.IsAllocated() {
		if t.Recycler() == tensors.Recycler(pool) && t.DType() == dtype && t.StorageLen() == length {
			flat, _ := t.Flat()
			t.ResetRecyclable(place, shape, flat, pool)
			return nil
		}
		t.Recycle()
	}
	flat, err := pool.Get(dtype, length)
	if err != nil {
		return errors.WithMessagef(err, "Alloc(%s)", shape)
	}
	t.ResetRecyclable(place, shape, flat, pool)
	return nil
}
