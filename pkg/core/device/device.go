// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device enumerates the kinds of devices a kernel can run on, and defines Place, the
// location of a tensor's storage.
package device

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Kind of device. The set is closed: third-party accelerators are all of KindCustom, and they are
// distinguished by Place.Type.
type Kind int

//go:generate go tool enumer -type=Kind -trimprefix=Kind -transform=lower -output=gen_kind_enumer.go device.go

const (
	// KindCPU is the host CPU, the default device.
	KindCPU Kind = iota

	// KindGPU is the primary streaming accelerator.
	KindGPU

	// KindXPU is a vector accelerator device.
	KindXPU

	// KindCustom is any pluggable third-party device, identified by its Place.Type.
	KindCustom
)

// Place identifies where a tensor is stored: the device kind, its ordinal and, for KindCustom,
// the name of the custom device type (e.g.: "npu").
type Place struct {
	Kind Kind
	Type string
	ID   int
}

// CPU returns the place of the host.
func CPU() Place { return Place{Kind: KindCPU} }

// GPU returns the place of the GPU with the given ordinal.
func GPU(id int) Place { return Place{Kind: KindGPU, ID: id} }

// XPU returns the place of the vector accelerator with the given ordinal.
func XPU(id int) Place { return Place{Kind: KindXPU, ID: id} }

// Custom returns the place of the custom device of the given type and ordinal.
func Custom(deviceType string, id int) Place {
	return Place{Kind: KindCustom, Type: deviceType, ID: id}
}

// IsHost returns whether the place is the host CPU memory.
func (p Place) IsHost() bool { return p.Kind == KindCPU }

// String implements fmt.Stringer. The output can be parsed back with ParsePlace.
func (p Place) String() string {
	switch p.Kind {
	case KindCPU:
		return p.Kind.String()
	case KindCustom:
		return fmt.Sprintf("%s:%s:%d", p.Kind, p.Type, p.ID)
	default:
		return fmt.Sprintf("%s:%d", p.Kind, p.ID)
	}
}

// ParsePlace parses a place in the format "<kind>[:<id>]", or "custom:<type>[:<id>]" for custom devices.
// The ordinal defaults to 0.
//
// Examples: "cpu", "gpu:1", "xpu", "custom:npu:0".
func ParsePlace(s string) (p Place, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	p.Kind, err = KindString(parts[0])
	if err != nil {
		return p, errors.Wrapf(err, "invalid device place %q", s)
	}
	parts = parts[1:]
	if p.Kind == KindCustom {
		if len(parts) == 0 || parts[0] == "" {
			return p, errors.Errorf("invalid device place %q: custom devices require a type, e.g. \"custom:npu:0\"", s)
		}
		p.Type = parts[0]
		parts = parts[1:]
	}
	switch len(parts) {
	case 0:
	case 1:
		p.ID, err = strconv.Atoi(parts[0])
		if err != nil || p.ID < 0 {
			return p, errors.Errorf("invalid device ordinal %q in place %q", parts[0], s)
		}
		if p.Kind == KindCPU && p.ID != 0 {
			return p, errors.Errorf("invalid device place %q: there is only one cpu place", s)
		}
	default:
		return p, errors.Errorf("invalid device place %q: too many parts", s)
	}
	return p, nil
}
