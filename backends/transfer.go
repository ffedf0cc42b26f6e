// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"github.com/pkg/errors"

	"github.com/gomlx/gradkernels/pkg/core/device"
	"github.com/gomlx/gradkernels/pkg/core/tensors"
)

// PrepareCopy implements the first half of Context.Copy for contexts using a StoragePool: it checks the
// arguments and makes dst an allocated tensor on place with src's shape.
// The caller is left with copying the elements.
func PrepareCopy(pool *StoragePool, place device.Place, src *tensors.Tensor, dstPlace device.Place, dst *tensors.Tensor) error {
	if err := CheckCopy(place, src, dstPlace, dst); err != nil {
		return err
	}
	dst.Resize(src.Dimensions()...)
	if err := AllocPooled(pool, place, dst, src.DType()); err != nil {
		return errors.WithMessagef(err, "Copy(%s@%s -> %s)", src.Shape(), src.Place(), place)
	}
	return nil
}

// FromHost returns a new tensor on ctx's place with the contents of the host tensor t.
// It blocks until the copy is finished.
func FromHost(ctx Context, t *tensors.Tensor) (*tensors.Tensor, error) {
	if !t.Place().IsHost() {
		return nil, errors.Wrapf(ErrTransfer, "FromHost: tensor is on %s", t.Place())
	}
	onDevice := tensors.New()
	if err := ctx.Copy(t, ctx.Place(), true, onDevice); err != nil {
		return nil, err
	}
	return onDevice, nil
}

// ToHost synchronizes ctx and returns a new host tensor with the contents of t, which lives in ctx's place.
func ToHost(ctx Context, t *tensors.Tensor) (*tensors.Tensor, error) {
	if err := ctx.Synchronize(); err != nil {
		return nil, err
	}
	if !t.IsAllocated() {
		return nil, errors.Wrap(tensors.ErrNotAllocated, "ToHost")
	}
	if t.Place() != ctx.Place() {
		return nil, errors.Wrapf(ErrTransfer, "ToHost: tensor is on %s, context is on %s", t.Place(), ctx.Place())
	}
	onHost := tensors.FromShape(t.Shape())
	if err := tensors.CopyFlat(onHost, t); err != nil {
		return nil, errors.WithMessage(err, "ToHost")
	}
	return onHost, nil
}
