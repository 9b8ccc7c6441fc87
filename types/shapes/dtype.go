// Copyright 2025 The MeshCCL Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// DType enumerates the data formats a device tensor can be stored in.
//
// The set mirrors what the accelerator generation we target supports natively:
// the 16-bit "brain" float is the workhorse format, BFloat8Block is a
// block-floating-point format (8-bit elements sharing an exponent per block
// of 16) that only exists in tile layout.
type DType int32

const (
	InvalidDType DType = iota
	Float32
	Float16
	BFloat16
	BFloat8Block
	Int32
	UInt32
	UInt16
	UInt8
)

// blockFloatGroupSize is the number of elements sharing one exponent in
// block-floating-point formats.
const blockFloatGroupSize = 16

func (dtype DType) String() string {
	switch dtype {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case BFloat16:
		return "bfloat16"
	case BFloat8Block:
		return "bfloat8_b"
	case Int32:
		return "int32"
	case UInt32:
		return "uint32"
	case UInt16:
		return "uint16"
	case UInt8:
		return "uint8"
	}
	return "invalid"
}

// Size returns the storage size of one element in bytes.
// For block-float formats this is the amortized per-element size; the shared
// exponent adds less than 7% and is ignored here.
func (dtype DType) Size() uintptr {
	switch dtype {
	case Float32, Int32, UInt32:
		return 4
	case Float16, BFloat16, UInt16:
		return 2
	case BFloat8Block, UInt8:
		return 1
	}
	return 0
}

// IsFloat returns whether dtype is one of the floating-point formats.
func (dtype DType) IsFloat() bool {
	switch dtype {
	case Float32, Float16, BFloat16, BFloat8Block:
		return true
	}
	return false
}

// IsBlockFloat returns whether dtype is a block-floating-point format, which
// is only representable in tile layout.
func (dtype DType) IsBlockFloat() bool {
	return dtype == BFloat8Block
}

// IsInt returns whether dtype is one of the integer formats.
func (dtype DType) IsInt() bool {
	switch dtype {
	case Int32, UInt32, UInt16, UInt8:
		return true
	}
	return false
}

// Round quantizes a float32 value through the dtype's representation, returning
// the nearest value the format can hold. Values below an unsigned format's
// range clamp to zero. BFloat8Block cannot be rounded one element at a time
// (the exponent is shared), use RoundBlock for it.
func (dtype DType) Round(v float32) float32 {
	switch dtype {
	case Float32:
		return v
	case Float16:
		return float16.Fromfloat32(v).Float32()
	case BFloat16:
		return bfloat16.FromFloat32(v).Float32()
	case Int32:
		return float32(int32(v))
	case UInt32, UInt16, UInt8:
		// Conversion of a negative float to an unsigned type is not defined.
		if v < 0 {
			return 0
		}
		switch dtype {
		case UInt32:
			return float32(uint32(v))
		case UInt16:
			return float32(uint16(v))
		default:
			return float32(uint8(v))
		}
	}
	return v
}

// RoundBlock quantizes a run of float32 values in place through the dtype's
// representation. For BFloat8Block the values are grouped in blocks of 16
// elements sharing the scale of the largest magnitude in the block, with
// 8 bits per element. For every other dtype it falls back to elementwise
// Round.
func (dtype DType) RoundBlock(values []float32) {
	if dtype != BFloat8Block {
		for i, v := range values {
			values[i] = dtype.Round(v)
		}
		return
	}
	for start := 0; start < len(values); start += blockFloatGroupSize {
		end := min(start+blockFloatGroupSize, len(values))
		block := values[start:end]
		var maxAbs float32
		for _, v := range block {
			if a := abs32(v); a > maxAbs {
				maxAbs = a
			}
		}
		if maxAbs == 0 {
			continue
		}
		// The largest magnitude maps to the full 7-bit mantissa.
		scale := maxAbs / 127
		for i, v := range block {
			q := float32(int32(v/scale + sign32(v)*0.5))
			block[i] = q * scale
		}
	}
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func sign32(v float32) float32 {
	if v < 0 {
		return -1
	}
	return 1
}
