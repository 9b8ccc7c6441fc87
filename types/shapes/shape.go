// Copyright 2025 The MeshCCL Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and DType for tensors handled by the collective
// dispatcher.
//
// Shape represents the rank, dimensions and DType of a tensor, either a host
// ("golden") tensor or one of the per-device shards of a distributed tensor.
//
// Float16 support uses github.com/x448/float16, and bfloat16 uses the
// implementation in github.com/gomlx/gopjrt/dtypes/bfloat16.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a tensor.
//   - Axis: the index of a dimension. Axis 3 of shape [1, 1, 64, 512] has
//     dimension 512.
//   - Tile: the 32x32 element block the hardware lays tensors out in when
//     using tile layout. The last two axes of a tile-layout tensor must be
//     multiples of TileSize.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
)

// TileSize is the edge of the square tile the hardware operates on.
// Tensors in tile layout must have their last two dimensions padded to
// multiples of this.
const TileSize = 32

// Shape represents the shape of a tensor: a DType and the dimension of each
// axis.
//
// Use Make to create a new shape.
type Shape struct {
	DType      DType
	Dimensions []int
}

// Make returns a Shape with the values given.
// It panics if any dimension is not positive.
func Make(dtype DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: InvalidDType}
}

// Ok returns whether this is a valid Shape. The zero value Shape{} is invalid.
func (s Shape) Ok() bool { return s.DType != InvalidDType }

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape has no axes.
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. Negative axes count from the
// end, so axis=-1 refers to the last axis. It panics for out-of-bounds axes.
func (s Shape) Dim(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += s.Rank()
	}
	if adjusted < 0 || adjusted >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjusted]
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements fmt.Stringer.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType needed for this shape. It's the
// product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the bytes needed to store a tensor of this shape.
func (s Shape) Memory() uintptr {
	return s.DType.Size() * uintptr(s.Size())
}

// Equal compares dtype and dimensions.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// EqualDimensions compares dimensions only, dtypes can differ.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// SplitAxis returns the shape of one part after splitting the given axis in
// parts. It returns an error if the axis is out of range or its dimension is
// not evenly divisible.
func (s Shape) SplitAxis(axis, parts int) (Shape, error) {
	if axis < 0 || axis >= s.Rank() {
		return Invalid(), fmt.Errorf("axis %d out of range for shape %s", axis, s)
	}
	if parts <= 0 || s.Dimensions[axis]%parts != 0 {
		return Invalid(), fmt.Errorf("axis %d of shape %s is not divisible in %d parts", axis, s, parts)
	}
	split := s.Clone()
	split.Dimensions[axis] /= parts
	return split, nil
}

// ScaleAxis returns the shape with the given axis dimension multiplied by
// factor. It panics for out-of-bounds axes.
func (s Shape) ScaleAxis(axis, factor int) Shape {
	scaled := s.Clone()
	if axis < 0 {
		axis += s.Rank()
	}
	if axis < 0 || axis >= s.Rank() {
		exceptions.Panicf("Shape.ScaleAxis(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	scaled.Dimensions[axis] *= factor
	return scaled
}
