// Copyright 2025 The MeshCCL Authors. SPDX-License-Identifier: Apache-2.0

package ccl

import (
	"github.com/meshccl/meshccl/mesh"
)

// Layout is how a shard's elements are arranged in device memory.
type Layout int

const (
	// LayoutTile arranges the tensor in 32x32 tiles; the last two dimensions
	// must be tile-aligned. Required for block-float formats.
	LayoutTile Layout = iota
	// LayoutRowMajor keeps the tensor row-major, one page per row.
	LayoutRowMajor
)

func (l Layout) String() string {
	if l == LayoutRowMajor {
		return "row_major"
	}
	return "tile"
}

// BufferType selects which memory a shard lives in on its device.
type BufferType int

const (
	// BufferDRAM is the device's bulk off-chip memory.
	BufferDRAM BufferType = iota
	// BufferL1 is the on-chip fast memory, banked per core and small.
	BufferL1
)

func (b BufferType) String() string {
	if b == BufferL1 {
		return "L1"
	}
	return "DRAM"
}

// L1 geometry of the device generation we target, used to validate that a
// tensor fits before dispatching.
const (
	numL1Banks  = 64
	l1BankBytes = 50 * 1024

	// fastDispatchPageLimit bounds the row-major page size readback can
	// handle in one shot.
	fastDispatchPageLimit = 55 * 1024
)

// ShardOrientation is the order shards are assigned to the grid's cores.
type ShardOrientation int

const (
	OrientationRowMajor ShardOrientation = iota
	OrientationColMajor
)

// ShardSpec places a shard's pages across a grid of cores in L1.
type ShardSpec struct {
	Grid        mesh.CoreRangeSet
	Shape       [2]int // per-core shard height and width, in elements
	Orientation ShardOrientation
}

// MemoryConfig describes where a distributed tensor's shards live on their
// devices. The zero value is interleaved DRAM.
type MemoryConfig struct {
	BufferType BufferType
	ShardSpec  *ShardSpec // only meaningful for BufferL1
}

// DRAMMemoryConfig is the default interleaved-DRAM placement.
var DRAMMemoryConfig = MemoryConfig{BufferType: BufferDRAM}

// L1MemoryConfig is interleaved on-chip placement.
var L1MemoryConfig = MemoryConfig{BufferType: BufferL1}

// ScaleForGather returns the memory config of an all-gather output given the
// input config: a sharded spec grows its per-core shard along the gathered
// dimension (width for the last axis, height otherwise).
func (mc MemoryConfig) ScaleForGather(dim, rank, numDevices int) MemoryConfig {
	if mc.ShardSpec == nil {
		return mc
	}
	spec := *mc.ShardSpec
	if dim == rank-1 {
		spec.Shape[1] *= numDevices
	} else {
		spec.Shape[0] *= numDevices
	}
	return MemoryConfig{BufferType: mc.BufferType, ShardSpec: &spec}
}
