// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypemap implements Map, a fixed-size table from dtypes.DType to a function instantiated
// for that dtype. It's how generic functions get selected at runtime by the dtype of a tensor.
package dtypemap

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// MaxDTypes is the upper bound (exclusive) of the dtypes.DType values that can be registered.
const MaxDTypes = 32

// ErrNotRegistered is returned (wrapped) by Map.Get when there is no function for the requested dtype.
var ErrNotRegistered = errors.New("dtype not registered")

// Map holds one function (of any type, the user is expected to cast it) per dtype.
//
// Registration is expected to happen during initialization (`init()` functions), and it's not
// safe to register concurrently with Get.
type Map struct {
	Name  string
	fnMap [MaxDTypes]any
}

// New creates a new Map for a class of functions. The name is used in error messages.
func New(name string) *Map {
	return &Map{Name: name}
}

// Register a function to handle a specific dtype.
// It panics if a function was already registered for the dtype.
func (m *Map) Register(dtype dtypes.DType, fn any) {
	if dtype <= dtypes.InvalidDType || int(dtype) >= MaxDTypes {
		exceptions.Panicf("%s: dtype %s cannot be registered", m.Name, dtype)
	}
	if fn == nil {
		exceptions.Panicf("%s: registering nil function for dtype %s", m.Name, dtype)
	}
	if m.fnMap[dtype] != nil {
		exceptions.Panicf("%s: dtype %s registered more than once", m.Name, dtype)
	}
	m.fnMap[dtype] = fn
}

// Get returns the function registered for the dtype, or an error wrapping ErrNotRegistered.
func (m *Map) Get(dtype dtypes.DType) (any, error) {
	if dtype <= dtypes.InvalidDType || int(dtype) >= MaxDTypes || m.fnMap[dtype] == nil {
		return nil, errors.Wrapf(ErrNotRegistered, "%s: dtype %s", m.Name, dtype)
	}
	return m.fnMap[dtype], nil
}

// Has returns whether there is a function registered for the dtype.
func (m *Map) Has(dtype dtypes.DType) bool {
	return dtype > dtypes.InvalidDType && int(dtype) < MaxDTypes && m.fnMap[dtype] != nil
}

// DTypes returns the list of dtypes registered, in increasing order of their enum value.
func (m *Map) DTypes() []dtypes.DType {
	var list []dtypes.DType
	for ii, fn := range m.fnMap {
		if fn != nil {
			list = append(list, dtypes.DType(ii))
		}
	}
	return list
}
