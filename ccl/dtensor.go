// Copyright 2025 The MeshCCL Authors. SPDX-License-Identifier: Apache-2.0

package ccl

import (
	"github.com/pkg/errors"

	"github.com/meshccl/meshccl/mesh"
	"github.com/meshccl/meshccl/types/shapes"
	"github.com/meshccl/meshccl/types/tensors"
)

// DistributedTensor is a logical tensor split into one shard per device of a
// mesh, in mesh order: concatenating the shards along the split dimension
// reconstructs the logical tensor. All shards share shape, dtype, layout and
// memory placement.
type DistributedTensor struct {
	mesh   *mesh.Mesh
	shards []*tensors.Tensor
	layout Layout
	mem    MemoryConfig
}

// FromShards aggregates per-device shards into a DistributedTensor. There must
// be exactly one shard per device of the mesh and all shards must share shape.
func FromShards(m *mesh.Mesh, shards []*tensors.Tensor, layout Layout, mem MemoryConfig) (*DistributedTensor, error) {
	if len(shards) != m.NumDevices() {
		return nil, errors.Wrapf(mesh.ErrConfig, "got %d shards for a mesh of %d devices",
			len(shards), m.NumDevices())
	}
	first := shards[0].Shape()
	for i, s := range shards[1:] {
		if !s.Shape().Equal(first) {
			return nil, errors.Wrapf(mesh.ErrConfig, "shard %d has shape %s, shard 0 has %s",
				i+1, s.Shape(), first)
		}
	}
	if layout == LayoutTile && first.Rank() >= 2 &&
		(first.Dim(-1)%shapes.TileSize != 0 || first.Dim(-2)%shapes.TileSize != 0) {
		return nil, errors.Wrapf(mesh.ErrConfig, "tile layout requires tile-aligned last axes, got %s", first)
	}
	return &DistributedTensor{mesh: m, shards: shards, layout: layout, mem: mem}, nil
}

// Distribute scatters a host tensor along dim into one shard per device.
func Distribute(m *mesh.Mesh, t *tensors.Tensor, dim int, layout Layout, mem MemoryConfig) (*DistributedTensor, error) {
	chunks, err := tensors.Chunk(t, dim, m.NumDevices())
	if err != nil {
		return nil, errors.Wrap(mesh.ErrConfig, err.Error())
	}
	return FromShards(m, chunks, layout, mem)
}

// Mesh the tensor is distributed over.
func (dt *DistributedTensor) Mesh() *mesh.Mesh { return dt.mesh }

// NumShards returns the number of shards (= number of devices).
func (dt *DistributedTensor) NumShards() int { return len(dt.shards) }

// Shard returns the shard living on device i.
func (dt *DistributedTensor) Shard(i int) *tensors.Tensor { return dt.shards[i] }

// Shards returns the shards in mesh order.
func (dt *DistributedTensor) Shards() []*tensors.Tensor {
	out := make([]*tensors.Tensor, len(dt.shards))
	copy(out, dt.shards)
	return out
}

// ShardShape returns the per-device shard shape.
func (dt *DistributedTensor) ShardShape() shapes.Shape { return dt.shards[0].Shape() }

// DType of the tensor's elements.
func (dt *DistributedTensor) DType() shapes.DType { return dt.shards[0].DType() }

// Layout of the shards in device memory.
func (dt *DistributedTensor) Layout() Layout { return dt.layout }

// MemoryConfig of the shards.
func (dt *DistributedTensor) MemoryConfig() MemoryConfig { return dt.mem }

// Compose concatenates all shards along dim back into one host tensor.
func (dt *DistributedTensor) Compose(dim int) (*tensors.Tensor, error) {
	return tensors.Concat(dt.shards, dim)
}
