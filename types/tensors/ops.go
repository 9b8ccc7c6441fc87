// Copyright 2025 The MeshCCL Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Reference compute used to build golden outputs for the collectives: chunk,
// concatenate and elementwise reductions. These run on the host and are not
// part of the dispatcher itself.

// Chunk splits the tensor in parts equal slices along the given axis.
// The axis dimension must be evenly divisible by parts.
func Chunk(t *Tensor, axis, parts int) ([]*Tensor, error) {
	partShape, err := t.shape.SplitAxis(axis, parts)
	if err != nil {
		return nil, errors.Wrap(err, "tensors.Chunk")
	}
	outer, extent, inner := axisStrides(t, axis)
	partExtent := extent / parts
	chunks := make([]*Tensor, parts)
	for p := range chunks {
		chunk := FromShape(partShape)
		for o := 0; o < outer; o++ {
			src := (o*extent + p*partExtent) * inner
			dst := o * partExtent * inner
			copy(chunk.flat[dst:dst+partExtent*inner], t.flat[src:src+partExtent*inner])
		}
		chunks[p] = chunk
	}
	return chunks, nil
}

// Concat concatenates the tensors along the given axis. All parts must share
// dtype and dimensions.
func Concat(parts []*Tensor, axis int) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("tensors.Concat: no tensors given")
	}
	first := parts[0].shape
	if axis < 0 || axis >= first.Rank() {
		return nil, errors.Errorf("tensors.Concat: axis %d out of range for shape %s", axis, first)
	}
	for _, p := range parts[1:] {
		if !p.shape.Equal(first) {
			return nil, errors.Errorf("tensors.Concat: mismatched shapes %s and %s", first, p.shape)
		}
	}
	out := FromShape(first.ScaleAxis(axis, len(parts)))
	outer, extent, inner := axisStrides(parts[0], axis)
	for p, part := range parts {
		for o := 0; o < outer; o++ {
			src := o * extent * inner
			dst := (o*extent*len(parts) + p*extent) * inner
			copy(out.flat[dst:dst+extent*inner], part.flat[src:src+extent*inner])
		}
	}
	return out, nil
}

// Add returns the elementwise sum of the tensors, accumulated in float32 and
// quantized to the first tensor's dtype. All tensors must share shape.
func Add(ts ...*Tensor) (*Tensor, error) {
	return reduceElementwise("Add", func(acc, v float32) float32 { return acc + v }, ts...)
}

// Max returns the elementwise maximum of the tensors.
func Max(ts ...*Tensor) (*Tensor, error) {
	return reduceElementwise("Max", func(acc, v float32) float32 { return max(acc, v) }, ts...)
}

// Min returns the elementwise minimum of the tensors.
func Min(ts ...*Tensor) (*Tensor, error) {
	return reduceElementwise("Min", func(acc, v float32) float32 { return min(acc, v) }, ts...)
}

func reduceElementwise(name string, combine func(acc, v float32) float32, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.Errorf("tensors.%s: no tensors given", name)
	}
	out := ts[0].Clone()
	for _, t := range ts[1:] {
		if !t.shape.Equal(out.shape) {
			return nil, errors.Errorf("tensors.%s: mismatched shapes %s and %s", name, out.shape, t.shape)
		}
		for i, v := range t.flat {
			out.flat[i] = combine(out.flat[i], v)
		}
	}
	out.shape.DType.RoundBlock(out.flat)
	return out, nil
}

// axisStrides decomposes the tensor as [outer, extent, inner] around the given
// axis, with inner and outer the products of the trailing and leading
// dimensions.
func axisStrides(t *Tensor, axis int) (outer, extent, inner int) {
	if axis < 0 || axis >= t.shape.Rank() {
		exceptions.Panicf("axis %d out of range for shape %s", axis, t.shape)
	}
	outer, inner = 1, 1
	for _, d := range t.shape.Dimensions[:axis] {
		outer *= d
	}
	for _, d := range t.shape.Dimensions[axis+1:] {
		inner *= d
	}
	return outer, t.shape.Dimensions[axis], inner
}
