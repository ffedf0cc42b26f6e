// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypemap

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func sizeOf[T any](_ []T) string { return "ok" }

func TestMap(t *testing.T) {
	m := New("Test")
	m.Register(dtypes.Float32, sizeOf[float32])
	m.Register(dtypes.Int8, sizeOf[int8])

	fn, err := m.Get(dtypes.Float32)
	require.NoError(t, err)
	require.Equal(t, "ok", fn.(func([]float32) string)(nil))
	require.True(t, m.Has(dtypes.Int8))
	require.False(t, m.Has(dtypes.Float64))
	require.Equal(t, []dtypes.DType{dtypes.Int8, dtypes.Float32}, m.DTypes())

	_, err = m.Get(dtypes.Float64)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNotRegistered))
	_, err = m.Get(dtypes.InvalidDType)
	require.ErrorIs(t, err, ErrNotRegistered)

	require.Panics(t, func() { m.Register(dtypes.Float32, sizeOf[float32]) })
	require.Panics(t, func() { m.Register(dtypes.InvalidDType, sizeOf[float32]) })
	require.Panics(t, func() { m.Register(dtypes.Float64, nil) })
}
