package ccl_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshccl/meshccl/ccl"
	"github.com/meshccl/meshccl/fabric"
	"github.com/meshccl/meshccl/mesh"
	"github.com/meshccl/meshccl/types/shapes"
	"github.com/meshccl/meshccl/types/tensors"
)

// setupCollective opens a mesh with a loaded worker+fabric configuration and a
// live fabric, mirroring the bring-up every dispatch needs.
func setupCollective(t *testing.T, numDevices int) (m *mesh.Mesh, f *fabric.Fabric, worker mesh.SubDeviceID) {
	t.Helper()
	m, err := mesh.NewMesh(numDevices)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	cols, rows, err := m.ComputeGridSize(0)
	require.NoError(t, err)
	grid := mesh.NewCoreRangeSet(mesh.NewCoreRange(
		mesh.CoreCoord{X: 0, Y: 0}, mesh.CoreCoord{X: cols - 1, Y: rows - 1}))
	id, fabricIndex, err := m.CreateSubDeviceManagerWithFabric(
		[]mesh.SubDevice{mesh.NewSubDevice(grid)}, 3200)
	require.NoError(t, err)
	require.NoError(t, m.LoadSubDeviceManager(id))
	worker, err = m.SubDeviceID(0)
	require.NoError(t, err)
	fabricSub, err := m.SubDeviceID(fabricIndex)
	require.NoError(t, err)

	f, err = fabric.Initialize(m, fabricSub)
	require.NoError(t, err)
	t.Cleanup(f.Teardown)
	return m, f, worker
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// checkGathered verifies every device ended up with the full tensor,
// bit-exactly: an all-gather only moves data, it never rounds.
func checkGathered(t *testing.T, full *tensors.Tensor, out *ccl.DistributedTensor) {
	t.Helper()
	for i := 0; i < out.NumShards(); i++ {
		ok, diag := tensors.CompareExact(full, out.Shard(i))
		assert.True(t, ok, "device %d: %s", i, diag)
	}
}

func TestAllGatherRing(t *testing.T) {
	m, f, worker := setupCollective(t, 4)

	full := tensors.FromShape(shapes.Make(shapes.BFloat16, 1, 1, 64, 512))
	full.FillRandom(rand.New(rand.NewSource(42)))
	in, err := ccl.Distribute(m, full, 3, ccl.LayoutTile, ccl.DRAMMemoryConfig)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 64, 128}, in.ShardShape().Dimensions)

	out, err := ccl.AllGather(testCtx(t), f, in, 3, ccl.Options{
		Topology:  ccl.TopologyRing,
		SubDevice: worker,
		Wait:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 64, 512}, out.ShardShape().Dimensions)
	checkGathered(t, full, out)
}

func TestAllGatherLinear(t *testing.T) {
	m, f, worker := setupCollective(t, 4)

	full := tensors.FromShape(shapes.Make(shapes.BFloat16, 1, 1, 64, 512))
	full.FillRandom(rand.New(rand.NewSource(7)))
	in, err := ccl.Distribute(m, full, 3, ccl.LayoutTile, ccl.DRAMMemoryConfig)
	require.NoError(t, err)

	out, err := ccl.AllGather(testCtx(t), f, in, 3, ccl.Options{
		Topology:  ccl.TopologyLinear,
		SubDevice: worker,
		Wait:      true,
	})
	require.NoError(t, err)
	checkGathered(t, full, out)
}

func TestAllGatherTwoDevices(t *testing.T) {
	for _, topology := range []ccl.Topology{ccl.TopologyRing, ccl.TopologyLinear} {
		t.Run(topology.String(), func(t *testing.T) {
			m, f, worker := setupCollective(t, 2)
			full := tensors.FromShape(shapes.Make(shapes.Float32, 1, 1, 32, 64))
			full.FillRandom(rand.New(rand.NewSource(3)))
			in, err := ccl.Distribute(m, full, 3, ccl.LayoutTile, ccl.DRAMMemoryConfig)
			require.NoError(t, err)

			out, err := ccl.AllGather(testCtx(t), f, in, 3, ccl.Options{
				Topology:  topology,
				SubDevice: worker,
				Wait:      true,
			})
			require.NoError(t, err)
			checkGathered(t, full, out)
		})
	}
}

func TestAllGatherDim0(t *testing.T) {
	m, f, worker := setupCollective(t, 4)

	full := tensors.FromShape(shapes.Make(shapes.Float32, 4, 1, 256, 32))
	full.FillRandom(rand.New(rand.NewSource(11)))
	in := must.M1(ccl.Distribute(m, full, 0, ccl.LayoutTile, ccl.DRAMMemoryConfig))

	out, err := ccl.AllGather(testCtx(t), f, in, 0, ccl.Options{
		SubDevice: worker,
		Wait:      true,
	})
	require.NoError(t, err)
	checkGathered(t, full, out)
}

func TestAllGatherMultipleLinks(t *testing.T) {
	m, f, worker := setupCollective(t, 4)

	// The tile pattern makes any chunk misplacement visible as a wrong id.
	full := tensors.FromShape(shapes.Make(shapes.Float32, 1, 1, 64, 512))
	full.FillTilePattern()
	in := must.M1(ccl.Distribute(m, full, 3, ccl.LayoutTile, ccl.DRAMMemoryConfig))

	out, err := ccl.AllGather(testCtx(t), f, in, 3, ccl.Options{
		NumLinks:  2,
		SubDevice: worker,
		Wait:      true,
	})
	require.NoError(t, err)
	checkGathered(t, full, out)
}

// TestAllGatherShardedL1 gathers tensors whose shards spread across a core
// grid in L1; the output placement keeps the grid and orientation but grows
// each core's shard along the gathered dimension.
func TestAllGatherShardedL1(t *testing.T) {
	m, f, worker := setupCollective(t, 4)

	// Per-device shard [1,1,64,128] over a 4x2 core grid, 32x32 per core.
	grid := mesh.NewCoreRangeSet(mesh.NewCoreRange(
		mesh.CoreCoord{X: 0, Y: 0}, mesh.CoreCoord{X: 3, Y: 1}))
	mem := ccl.MemoryConfig{
		BufferType: ccl.BufferL1,
		ShardSpec: &ccl.ShardSpec{
			Grid:        grid,
			Shape:       [2]int{32, 32},
			Orientation: ccl.OrientationColMajor,
		},
	}
	full := tensors.FromShape(shapes.Make(shapes.Float32, 1, 1, 64, 512))
	full.FillRandom(rand.New(rand.NewSource(19)))
	in, err := ccl.Distribute(m, full, 3, ccl.LayoutTile, mem)
	require.NoError(t, err)

	out, err := ccl.AllGather(testCtx(t), f, in, 3, ccl.Options{
		SubDevice: worker,
		Wait:      true,
	})
	require.NoError(t, err)
	checkGathered(t, full, out)

	// A last-dim gather widens each core's shard by the device count; the
	// input's placement is untouched.
	spec := out.MemoryConfig().ShardSpec
	require.NotNil(t, spec)
	assert.Equal(t, ccl.BufferL1, out.MemoryConfig().BufferType)
	assert.Equal(t, [2]int{32, 4 * 32}, spec.Shape)
	assert.Equal(t, ccl.OrientationColMajor, spec.Orientation)
	assert.Equal(t, [2]int{32, 32}, in.MemoryConfig().ShardSpec.Shape)

	// Gathering any other dimension grows the shard height instead.
	tall := tensors.FromShape(shapes.Make(shapes.Float32, 1, 1, 128, 64))
	tall.FillRandom(rand.New(rand.NewSource(29)))
	in2, err := ccl.Distribute(m, tall, 2, ccl.LayoutTile, ccl.MemoryConfig{
		BufferType: ccl.BufferL1,
		ShardSpec:  &ccl.ShardSpec{Grid: grid, Shape: [2]int{32, 32}},
	})
	require.NoError(t, err)
	out2, err := ccl.AllGather(testCtx(t), f, in2, 2, ccl.Options{SubDevice: worker, Wait: true})
	require.NoError(t, err)
	checkGathered(t, tall, out2)
	assert.Equal(t, [2]int{4 * 32, 32}, out2.MemoryConfig().ShardSpec.Shape)
}

func TestAllGatherCallerSynchronizes(t *testing.T) {
	m, f, worker := setupCollective(t, 4)

	full := tensors.FromShape(shapes.Make(shapes.BFloat16, 1, 1, 64, 512))
	full.FillRandom(rand.New(rand.NewSource(5)))
	in, err := ccl.Distribute(m, full, 3, ccl.LayoutTile, ccl.DRAMMemoryConfig)
	require.NoError(t, err)

	// Without Wait the dispatch returns immediately; outputs are only valid
	// after synchronizing the worker sub-device on every device.
	out, err := ccl.AllGather(testCtx(t), f, in, 3, ccl.Options{SubDevice: worker})
	require.NoError(t, err)
	ctx := testCtx(t)
	for _, d := range m.Devices() {
		require.NoError(t, f.Synchronize(ctx, d.ID(), worker))
	}
	checkGathered(t, full, out)
}

func TestAllGatherUnsupportedCases(t *testing.T) {
	m, f, worker := setupCollective(t, 4)
	ctx := testCtx(t)
	rng := rand.New(rand.NewSource(13))

	dispatch := func(dims []int, dim int, dtype shapes.DType, layout ccl.Layout, mem ccl.MemoryConfig) error {
		shard := tensors.FromShape(shapes.Make(dtype, dims...))
		shard.FillRandom(rng)
		shards := make([]*tensors.Tensor, m.NumDevices())
		for i := range shards {
			shards[i] = shard.Clone()
		}
		in, err := ccl.FromShards(m, shards, layout, mem)
		require.NoError(t, err)
		_, err = ccl.AllGather(ctx, f, in, dim, ccl.Options{SubDevice: worker, Wait: true})
		return err
	}

	// Block-float formats only exist in tile layout.
	err := dispatch([]int{1, 1, 32, 64}, 3, shapes.BFloat8Block, ccl.LayoutRowMajor, ccl.DRAMMemoryConfig)
	reason, unsupported := ccl.IsUnsupported(err)
	require.True(t, unsupported, "got %v", err)
	assert.Contains(t, reason, "row-major")

	// Gathered row-major pages too large for fast dispatch to read back.
	err = dispatch([]int{1, 1, 32, 4096}, 3, shapes.Float32, ccl.LayoutRowMajor, ccl.DRAMMemoryConfig)
	_, unsupported = ccl.IsUnsupported(err)
	require.True(t, unsupported, "got %v", err)

	// Gathered tensor exceeding the L1 banks.
	err = dispatch([]int{1, 1, 32, 8192}, 3, shapes.Float32, ccl.LayoutTile, ccl.L1MemoryConfig)
	_, unsupported = ccl.IsUnsupported(err)
	require.True(t, unsupported, "got %v", err)

	// The same placements in DRAM and tile layout are fine.
	err = dispatch([]int{1, 1, 32, 8192}, 3, shapes.Float32, ccl.LayoutTile, ccl.DRAMMemoryConfig)
	require.NoError(t, err)
}

func TestAllGatherConfigErrors(t *testing.T) {
	m, f, worker := setupCollective(t, 4)
	ctx := testCtx(t)

	full := tensors.FromShape(shapes.Make(shapes.Float32, 1, 1, 32, 128))
	in, err := ccl.Distribute(m, full, 3, ccl.LayoutTile, ccl.DRAMMemoryConfig)
	require.NoError(t, err)

	// dim out of range.
	_, err = ccl.AllGather(ctx, f, in, 4, ccl.Options{SubDevice: worker})
	require.ErrorIs(t, err, mesh.ErrConfig)

	// More links than the fabric brought up.
	_, err = ccl.AllGather(ctx, f, in, 3, ccl.Options{
		SubDevice: worker,
		NumLinks:  f.NumLinks() + 1,
	})
	require.ErrorIs(t, err, mesh.ErrConfig)

	// A sub-device id resolved under an unloaded manager is rejected. The
	// fabric must come down before the manager can change.
	f.Teardown()
	require.NoError(t, m.ClearSubDeviceManager())
	_, err = ccl.AllGather(ctx, f, in, 3, ccl.Options{SubDevice: worker})
	require.ErrorIs(t, err, mesh.ErrNotFound)
}
