// Copyright 2025 The MeshCCL Authors. SPDX-License-Identifier: Apache-2.0

// cclsweep runs all-gather and reduce-scatter across a grid of tensor shapes,
// dtypes, layouts and memory placements on a simulated device mesh, checking
// every result against a single-host reference. Cases the dispatcher rejects
// as unsupported are counted and skipped, not failed.
//
// Example:
//
//	cclsweep --devices=8 --iters=3 --topology=linear --trace --v=1
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/meshccl/meshccl/ccl"
	"github.com/meshccl/meshccl/fabric"
	"github.com/meshccl/meshccl/mesh"
	"github.com/meshccl/meshccl/trace"
	"github.com/meshccl/meshccl/types/shapes"
	"github.com/meshccl/meshccl/types/tensors"
)

var (
	flagDevices  = flag.Int("devices", 4, "Number of devices in the mesh.")
	flagIters    = flag.Int("iters", 1, "Iterations per case; with --trace the first primes and the rest replay.")
	flagTopology = flag.String("topology", "ring", "Hand-off topology: ring or linear.")
	flagLinks    = flag.Int("links", 1, "Parallel fabric links used per hop.")
	flagTrace    = flag.Bool("trace", false, "Capture each case into a trace and replay it.")
	flagTimeout  = flag.Duration("timeout", 30*time.Second, "Synchronize deadline per case.")
	flagPCC      = flag.Float64("pcc", 0.999, "Minimum Pearson correlation accepted for reduced results.")
	flagSeed     = flag.Int64("seed", 42, "Random seed for the input tensors.")
)

// sweepCase is one (op, logical shape, dim, dtype, layout, memory) point of
// the grid. For all-gather dims is the gathered output shape; for
// reduce-scatter it is the per-device input shape.
type sweepCase struct {
	op     string
	dims   []int
	dim    int
	dtype  shapes.DType
	layout ccl.Layout
	mem    ccl.MemoryConfig
}

func (c sweepCase) String() string {
	return fmt.Sprintf("%s dims=%v dim=%d dtype=%s layout=%s mem=%s",
		c.op, c.dims, c.dim, c.dtype, c.layout, c.mem.BufferType)
}

func buildCases() []sweepCase {
	shapeDims := []struct {
		dims []int
		dim  int
	}{
		{[]int{1, 1, 64, 512}, 3},
		{[]int{1, 4, 32, 2304}, 2},
		{[]int{1, 1, 32, 16384}, 3},
		{[]int{4, 1, 256, 32}, 0},
	}
	dtypes := []shapes.DType{shapes.Float32, shapes.BFloat16, shapes.BFloat8Block}
	layouts := []ccl.Layout{ccl.LayoutTile, ccl.LayoutRowMajor}
	mems := []ccl.MemoryConfig{ccl.DRAMMemoryConfig, ccl.L1MemoryConfig}
	var cases []sweepCase
	for _, op := range []string{"all-gather", "reduce-scatter"} {
		for _, sd := range shapeDims {
			for _, dtype := range dtypes {
				for _, layout := range layouts {
					for _, mem := range mems {
						cases = append(cases, sweepCase{op, sd.dims, sd.dim, dtype, layout, mem})
					}
				}
			}
		}
	}
	return cases
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	topology := ccl.TopologyRing
	switch *flagTopology {
	case "ring":
	case "linear":
		topology = ccl.TopologyLinear
	default:
		klog.Exitf("unknown --topology=%q, want ring or linear", *flagTopology)
	}

	m, err := mesh.NewMesh(*flagDevices)
	if err != nil {
		klog.Exitf("opening mesh: %+v", err)
	}
	defer m.Close()

	cols, rows, _ := m.ComputeGridSize(0)
	worker := mesh.NewSubDevice(mesh.NewCoreRangeSet(mesh.NewCoreRange(
		mesh.CoreCoord{X: 0, Y: 0}, mesh.CoreCoord{X: cols - 1, Y: rows - 1})))
	managerID, fabricIndex, err := m.CreateSubDeviceManagerWithFabric([]mesh.SubDevice{worker}, 3200)
	if err != nil {
		klog.Exitf("creating sub-device manager: %+v", err)
	}
	if err := m.LoadSubDeviceManager(managerID); err != nil {
		klog.Exitf("loading sub-device manager: %+v", err)
	}
	workerID, err := m.SubDeviceID(0)
	if err != nil {
		klog.Exitf("resolving worker sub-device: %+v", err)
	}
	fabricID, err := m.SubDeviceID(fabricIndex)
	if err != nil {
		klog.Exitf("resolving fabric sub-device: %+v", err)
	}
	numLinks := max(*flagLinks, fabric.DefaultNumLinks)
	f, err := fabric.Initialize(m, fabricID, fabric.WithNumLinks(numLinks))
	if err != nil {
		klog.Exitf("initializing fabric: %+v", err)
	}
	defer fabric.Teardown(m)

	rng := rand.New(rand.NewSource(*flagSeed))
	var passed, failed, skipped int
	var bytesMoved uint64
	start := time.Now()
	for _, c := range buildCases() {
		err := runCase(m, f, workerID, topology, rng, c)
		if err == nil {
			passed++
			bytesMoved += uint64(shapes.Make(c.dtype, c.dims...).Memory()) * uint64(*flagIters)
			continue
		}
		if reason, unsupported := ccl.IsUnsupported(err); unsupported {
			klog.V(1).Infof("skip %s: %s", c, reason)
			skipped++
			continue
		}
		klog.Errorf("FAIL %s: %+v", c, err)
		failed++
	}
	fmt.Printf("sweep: %d passed, %d failed, %d skipped, %s moved in %s\n",
		passed, failed, skipped, humanize.IBytes(bytesMoved), time.Since(start).Round(time.Millisecond))
	if failed > 0 {
		os.Exit(1)
	}
}

// runCase dispatches one grid point *flagIters times and checks the final
// output against a host-computed reference. A nil error means the case passed.
func runCase(m *mesh.Mesh, f *fabric.Fabric, worker mesh.SubDeviceID, topology ccl.Topology, rng *rand.Rand, c sweepCase) error {
	if c.dims[c.dim]%m.NumDevices() != 0 {
		return &ccl.UnsupportedCaseError{Reason: fmt.Sprintf(
			"dim %d extent %d not divisible by %d devices", c.dim, c.dims[c.dim], m.NumDevices())}
	}
	// Shards of a tile-layout tensor must themselves be tile-aligned, which is
	// the same rule the dispatcher enforces; check before building the inputs.
	perDevice := c.dims[c.dim] / m.NumDevices()
	if c.layout == ccl.LayoutTile && c.dim >= len(c.dims)-2 && perDevice%shapes.TileSize != 0 {
		return &ccl.UnsupportedCaseError{Reason: fmt.Sprintf(
			"per-device extent %d on dim %d not tile-aligned", perDevice, c.dim)}
	}
	full := tensors.FromShape(shapes.Make(c.dtype, c.dims...))
	full.FillRandom(rng)

	opts := ccl.Options{
		Topology:  topology,
		NumLinks:  *flagLinks,
		SubDevice: worker,
		Wait:      true,
	}
	var dispatch func(ctx context.Context) (*ccl.DistributedTensor, error)
	var check func(out *ccl.DistributedTensor) error
	switch c.op {
	case "all-gather":
		// Each device starts with its chunk and must end with the whole tensor.
		in, err := ccl.Distribute(m, full, c.dim, c.layout, c.mem)
		if err != nil {
			return err
		}
		dispatch = func(ctx context.Context) (*ccl.DistributedTensor, error) {
			return ccl.AllGather(ctx, f, in, c.dim, opts)
		}
		check = func(out *ccl.DistributedTensor) error {
			for i := 0; i < out.NumShards(); i++ {
				if ok, diag := tensors.CompareExact(full, out.Shard(i)); !ok {
					return fmt.Errorf("device %d gathered tensor differs: %s", i, diag)
				}
			}
			return nil
		}
	case "reduce-scatter":
		// Each device holds a full-size input; device i ends with chunk i of
		// the elementwise sum.
		inShards := make([]*tensors.Tensor, m.NumDevices())
		for i := range inShards {
			inShards[i] = tensors.FromShape(shapes.Make(c.dtype, c.dims...))
			inShards[i].FillRandom(rng)
		}
		in, err := ccl.FromShards(m, inShards, c.layout, c.mem)
		if err != nil {
			return err
		}
		reduced, err := tensors.Add(inShards...)
		if err != nil {
			return err
		}
		golden, err := tensors.Chunk(reduced, c.dim, m.NumDevices())
		if err != nil {
			return err
		}
		dispatch = func(ctx context.Context) (*ccl.DistributedTensor, error) {
			return ccl.ReduceScatter(ctx, f, in, c.dim, ccl.MathSum, opts)
		}
		check = func(out *ccl.DistributedTensor) error {
			for i := 0; i < out.NumShards(); i++ {
				if ok, score := tensors.ComparePCC(golden[i], out.Shard(i), *flagPCC); !ok {
					return fmt.Errorf("device %d: pcc %.6f below %.3f", i, score, *flagPCC)
				}
			}
			return nil
		}
	default:
		return fmt.Errorf("unknown op %q", c.op)
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), *flagTimeout)
	defer cancelCtx()

	// First iteration always dispatches directly; it doubles as the priming
	// run when tracing.
	out, err := dispatch(ctx)
	if err != nil {
		return err
	}
	if *flagTrace && *flagIters > 1 {
		id, err := trace.Begin(m, 0)
		if err != nil {
			return err
		}
		if out, err = dispatch(ctx); err != nil {
			// Leave capture mode so the next case dispatches for real.
			_ = trace.End(m, id, 0)
			_ = trace.Release(m, id)
			return err
		}
		if err := trace.End(m, id, 0); err != nil {
			return err
		}
		for iter := 1; iter < *flagIters; iter++ {
			if err := trace.Execute(ctx, m, id, true); err != nil {
				return err
			}
		}
		if err := trace.Release(m, id); err != nil {
			return err
		}
	} else {
		for iter := 1; iter < *flagIters; iter++ {
			if out, err = dispatch(ctx); err != nil {
				return err
			}
		}
	}
	return check(out)
}
