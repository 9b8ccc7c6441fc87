package ccl_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshccl/meshccl/ccl"
	"github.com/meshccl/meshccl/mesh"
	"github.com/meshccl/meshccl/types/shapes"
	"github.com/meshccl/meshccl/types/tensors"
)

// makeInputs builds one full-size input per device plus the host-reduced
// golden chunks each device should end up with.
func makeInputs(t *testing.T, m *mesh.Mesh, dims []int, dim int, dtype shapes.DType,
	reduce func(...*tensors.Tensor) (*tensors.Tensor, error), seed int64,
) (in []*tensors.Tensor, golden []*tensors.Tensor) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	in = make([]*tensors.Tensor, m.NumDevices())
	for i := range in {
		in[i] = tensors.FromShape(shapes.Make(dtype, dims...))
		in[i].FillRandom(rng)
	}
	reduced, err := reduce(in...)
	require.NoError(t, err)
	golden, err = tensors.Chunk(reduced, dim, m.NumDevices())
	require.NoError(t, err)
	return in, golden
}

func TestReduceScatterLinearSum(t *testing.T) {
	m, f, worker := setupCollective(t, 4)

	// Per-device inputs of [1,4,128,2304] scatter to [1,4,32,2304] outputs.
	inputs, golden := makeInputs(t, m, []int{1, 4, 128, 2304}, 2, shapes.BFloat16, tensors.Add, 42)
	in, err := ccl.FromShards(m, inputs, ccl.LayoutTile, ccl.DRAMMemoryConfig)
	require.NoError(t, err)

	out, err := ccl.ReduceScatter(testCtx(t), f, in, 2, ccl.MathSum, ccl.Options{
		Topology:  ccl.TopologyLinear,
		SubDevice: worker,
		Wait:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 32, 2304}, out.ShardShape().Dimensions)

	// The accumulation order differs between the device pipeline and the host
	// reference, so narrow formats only agree statistically.
	for i := 0; i < out.NumShards(); i++ {
		ok, score := tensors.ComparePCC(golden[i], out.Shard(i), 0.999)
		assert.True(t, ok, "device %d: pcc=%v", i, score)
	}
}

func TestReduceScatterRingSum(t *testing.T) {
	m, f, worker := setupCollective(t, 4)

	inputs, golden := makeInputs(t, m, []int{1, 1, 64, 512}, 3, shapes.Float32, tensors.Add, 17)
	in, err := ccl.FromShards(m, inputs, ccl.LayoutTile, ccl.DRAMMemoryConfig)
	require.NoError(t, err)

	out, err := ccl.ReduceScatter(testCtx(t), f, in, 3, ccl.MathSum, ccl.Options{
		Topology:  ccl.TopologyRing,
		SubDevice: worker,
		Wait:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 64, 128}, out.ShardShape().Dimensions)

	for i := 0; i < out.NumShards(); i++ {
		// float32 sums of 4 terms: order changes at most the last bits.
		flat := out.Shard(i).ConstFlatData()
		want := golden[i].ConstFlatData()
		for j := range want {
			assert.InDelta(t, want[j], flat[j], 1e-4, "device %d flat %d", i, j)
		}
	}
}

func TestReduceScatterMax(t *testing.T) {
	m, f, worker := setupCollective(t, 4)

	// Max never rounds: whatever the combine order, the result is one of the
	// inputs' representable values, so the comparison is exact.
	inputs, golden := makeInputs(t, m, []int{1, 4, 128, 2304}, 2, shapes.BFloat16, tensors.Max, 23)
	in, err := ccl.FromShards(m, inputs, ccl.LayoutTile, ccl.DRAMMemoryConfig)
	require.NoError(t, err)

	for _, topology := range []ccl.Topology{ccl.TopologyRing, ccl.TopologyLinear} {
		out, err := ccl.ReduceScatter(testCtx(t), f, in, 2, ccl.MathMax, ccl.Options{
			Topology:  topology,
			SubDevice: worker,
			Wait:      true,
		})
		require.NoError(t, err)
		for i := 0; i < out.NumShards(); i++ {
			ok, diag := tensors.CompareExact(golden[i], out.Shard(i))
			assert.True(t, ok, "topology %s device %d: %s", topology, i, diag)
		}
	}
}

func TestReduceScatterMin(t *testing.T) {
	m, f, worker := setupCollective(t, 2)

	inputs, golden := makeInputs(t, m, []int{1, 1, 32, 64}, 3, shapes.Float32, tensors.Min, 31)
	in, err := ccl.FromShards(m, inputs, ccl.LayoutTile, ccl.DRAMMemoryConfig)
	require.NoError(t, err)

	out, err := ccl.ReduceScatter(testCtx(t), f, in, 3, ccl.MathMin, ccl.Options{
		SubDevice: worker,
		Wait:      true,
	})
	require.NoError(t, err)
	for i := 0; i < out.NumShards(); i++ {
		ok, diag := tensors.CompareExact(golden[i], out.Shard(i))
		assert.True(t, ok, "device %d: %s", i, diag)
	}
}

func TestReduceScatterUnsupportedCases(t *testing.T) {
	m, f, worker := setupCollective(t, 4)
	ctx := testCtx(t)

	dispatch := func(dims []int, dim int, dtype shapes.DType, layout ccl.Layout) error {
		shards := make([]*tensors.Tensor, m.NumDevices())
		for i := range shards {
			shards[i] = tensors.FromShape(shapes.Make(dtype, dims...))
		}
		in, err := ccl.FromShards(m, shards, layout, ccl.DRAMMemoryConfig)
		require.NoError(t, err)
		_, err = ccl.ReduceScatter(ctx, f, in, dim, ccl.MathSum, ccl.Options{SubDevice: worker, Wait: true})
		return err
	}

	// Scatter dimension not divisible by the number of devices.
	err := dispatch([]int{1, 3, 64, 512}, 1, shapes.Float32, ccl.LayoutTile)
	reason, unsupported := ccl.IsUnsupported(err)
	require.True(t, unsupported, "got %v", err)
	assert.Contains(t, reason, "not divisible")

	// Each device's output chunk would not be tile-aligned.
	err = dispatch([]int{1, 1, 64, 512}, 2, shapes.Float32, ccl.LayoutTile)
	reason, unsupported = ccl.IsUnsupported(err)
	require.True(t, unsupported, "got %v", err)
	assert.Contains(t, reason, "tile-aligned")

	// Block float requires tile layout.
	err = dispatch([]int{1, 4, 32, 64}, 1, shapes.BFloat8Block, ccl.LayoutRowMajor)
	_, unsupported = ccl.IsUnsupported(err)
	require.True(t, unsupported, "got %v", err)
}

func TestReduceScatterBFloat8Block(t *testing.T) {
	m, f, worker := setupCollective(t, 4)

	inputs, golden := makeInputs(t, m, []int{1, 1, 64, 512}, 3, shapes.BFloat8Block, tensors.Add, 51)
	in, err := ccl.FromShards(m, inputs, ccl.LayoutTile, ccl.DRAMMemoryConfig)
	require.NoError(t, err)

	out, err := ccl.ReduceScatter(testCtx(t), f, in, 3, ccl.MathSum, ccl.Options{
		SubDevice: worker,
		Wait:      true,
	})
	require.NoError(t, err)
	// Block-float re-quantizes per 16-element block on the final write, so the
	// tolerance is statistical.
	for i := 0; i < out.NumShards(); i++ {
		ok, score := tensors.ComparePCC(golden[i], out.Shard(i), 0.99)
		assert.True(t, ok, "device %d: pcc=%v", i, score)
	}
}
