// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels holds the dispatch table of kernel implementations, keyed by the operation name,
// the device kind and the element dtype.
//
// Implementations register themselves during package initialization (usually in generated
// gen_register_*.go files). The table is frozen at the first Lookup: from then on it is read-only,
// and lookups take no locks.
package kernels

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/gradkernels/pkg/core/device"
)

// ErrKernelNotFound is returned (wrapped) by Lookup when no kernel is registered for the key.
var ErrKernelNotFound = errors.New("kernel not found")

// Key identifies a kernel implementation.
type Key struct {
	Name  string
	Kind  device.Kind
	DType dtypes.DType
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return fmt.Sprintf("%s[%s, %s]", k.Name, k.Kind, k.DType)
}

var (
	// registerMu only serializes registrations, before the table is frozen.
	registerMu sync.Mutex
	table      = make(map[Key]any)
	frozen     atomic.Bool
)

// Register the kernel implementation fn for the given operation name, device kind and dtype.
//
// It must be called during package initialization. It panics if the key is already registered,
// or if the table was already frozen by a Lookup.
func Register(name string, kind device.Kind, dtype dtypes.DType, fn any) {
	key := Key{Name: name, Kind: kind, DType: dtype}
	if fn == nil {
		exceptions.Panicf("kernels.Register(%s): nil kernel", key)
	}
	registerMu.Lock()
	defer registerMu.Unlock()
	if frozen.Load() {
		exceptions.Panicf("kernels.Register(%s): the dispatch table is frozen, kernels must be registered during initialization", key)
	}
	if _, found := table[key]; found {
		exceptions.Panicf("kernels.Register(%s): kernel registered more than once", key)
	}
	table[key] = fn
}

// freeze the table, after which it can be read without locks.
func freeze() {
	if frozen.Load() {
		return
	}
	registerMu.Lock()
	frozen.Store(true)
	registerMu.Unlock()
}

// Lookup returns the kernel registered for the operation name, device kind and dtype, or an error
// wrapping ErrKernelNotFound. It freezes the table.
//
// The caller is responsible for converting the returned value to the kernel's function type.
func Lookup(name string, kind device.Kind, dtype dtypes.DType) (any, error) {
	freeze()
	key := Key{Name: name, Kind: kind, DType: dtype}
	fn, found := table[key]
	if !found {
		return nil, errors.Wrapf(ErrKernelNotFound, "%s", key)
	}
	return fn, nil
}

// SupportedDTypes returns the dtypes registered for the operation name and device kind,
// in increasing order of their enum value. It freezes the table.
func SupportedDTypes(name string, kind device.Kind) []dtypes.DType {
	freeze()
	var list []dtypes.DType
	for key := range table {
		if key.Name == name && key.Kind == kind {
			list = append(list, key.DType)
		}
	}
	slices.Sort(list)
	return list
}

// Keys returns all registered keys, sorted by name, device kind and dtype. It freezes the table.
func Keys() []Key {
	freeze()
	keys := make([]Key, 0, len(table))
	for key := range table {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, compareKeys)
	return keys
}

func compareKeys(a, b Key) int {
	if c := cmp.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
		return c
	}
	return cmp.Compare(a.DType, b.DType)
}

// IsFrozen returns whether the table was already frozen by a lookup.
func IsFrozen() bool { return frozen.Load() }
