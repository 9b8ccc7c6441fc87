// Copyright 2025 The MeshCCL Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements the host-side Tensor used as the golden reference
// and as the backing storage of per-device shards.
//
// A Tensor is a flat float32 buffer plus a Shape. Values are quantized through
// the shape's DType on every write, so a bfloat16 tensor holds exactly the
// values the device format can represent, and exact comparison between two
// bfloat16 tensors is meaningful. The hardware's physical tiling of the buffer
// is not modeled, only its numerics.
package tensors

import (
	"math/rand"

	"github.com/gomlx/exceptions"
	"golang.org/x/exp/constraints"

	"github.com/meshccl/meshccl/types/shapes"
)

// Tensor is a host tensor: a shape and the flat values in row-major order,
// already quantized to the shape's DType.
type Tensor struct {
	shape shapes.Shape
	flat  []float32
}

// FromShape returns a zero-initialized Tensor of the given shape.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape: invalid shape %s", shape)
	}
	return &Tensor{shape: shape, flat: make([]float32, shape.Size())}
}

// FromFlatDataAndDimensions creates a Tensor with the given dimensions and
// dtype, set to the flattened values given. It panics if the data size doesn't
// match the dimensions.
func FromFlatDataAndDimensions[T constraints.Integer | constraints.Float](
	data []T, dtype shapes.DType, dimensions ...int) *Tensor {
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	for i, v := range data {
		t.flat[i] = float32(v)
	}
	dtype.RoundBlock(t.flat)
	return t
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor, a shortcut to Shape().DType.
func (t *Tensor) DType() shapes.DType { return t.shape.DType }

// Size returns the number of elements, a shortcut to Shape().Size().
func (t *Tensor) Size() int { return t.shape.Size() }

// ConstFlatData returns the flat values in row-major order.
// The returned slice is owned by the Tensor, do not modify it.
func (t *Tensor) ConstFlatData() []float32 { return t.flat }

// MutableFlatData returns the flat values for in-place modification. The
// caller is responsible for writing values representable in the tensor's
// dtype (or calling DType().RoundBlock on the slice afterwards).
func (t *Tensor) MutableFlatData() []float32 { return t.flat }

// AssignFlatData overwrites the tensor's values with the given flat data,
// quantizing through the tensor's dtype. It panics on size mismatch.
func (t *Tensor) AssignFlatData(data []float32) {
	if len(data) != len(t.flat) {
		exceptions.Panicf("AssignFlatData is trying to store %d values into shape %s, which requires %d values",
			len(data), t.shape, len(t.flat))
	}
	copy(t.flat, data)
	t.shape.DType.RoundBlock(t.flat)
}

// String implements fmt.Stringer, printing only the shape.
func (t *Tensor) String() string { return t.shape.String() }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	clone := FromShape(t.shape.Clone())
	copy(clone.flat, t.flat)
	return clone
}

// Equal returns whether both tensors have the same shape and bit-identical
// quantized values.
func (t *Tensor) Equal(other *Tensor) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	for i, v := range t.flat {
		if v != other.flat[i] {
			return false
		}
	}
	return true
}

// FillRandom fills the tensor with uniform values in [-1, 1), quantized to
// the tensor's dtype. Integer dtypes get values in [0, 100).
func (t *Tensor) FillRandom(rng *rand.Rand) {
	if t.DType().IsInt() {
		for i := range t.flat {
			t.flat[i] = float32(rng.Intn(100))
		}
		return
	}
	for i := range t.flat {
		t.flat[i] = rng.Float32()*2 - 1
	}
	t.shape.DType.RoundBlock(t.flat)
}

// FillTilePattern fills a rank-4 tensor with sequential tile ids: every 32x32
// block of the last two axes holds a single distinct value. Useful to trace
// where a chunk ended up after a collective. Panics if the tensor is not
// rank-4 with tile-aligned last axes.
func (t *Tensor) FillTilePattern() {
	if t.shape.Rank() != 4 ||
		t.shape.Dim(2)%shapes.TileSize != 0 || t.shape.Dim(3)%shapes.TileSize != 0 {
		exceptions.Panicf("FillTilePattern requires a rank-4 tile-aligned shape, got %s", t.shape)
	}
	dims := t.shape.Dimensions
	tileID := float32(1)
	for w := 0; w < dims[0]; w++ {
		for z := 0; z < dims[1]; z++ {
			for y := 0; y < dims[2]; y += shapes.TileSize {
				for x := 0; x < dims[3]; x += shapes.TileSize {
					base := ((w*dims[1]+z)*dims[2] + y) * dims[3]
					for ty := 0; ty < shapes.TileSize; ty++ {
						row := base + ty*dims[3] + x
						for tx := 0; tx < shapes.TileSize; tx++ {
							t.flat[row+tx] = tileID
						}
					}
					tileID++
				}
			}
		}
	}
	t.shape.DType.RoundBlock(t.flat)
}
