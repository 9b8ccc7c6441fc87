// Copyright 2025 The MeshCCL Authors. SPDX-License-Identifier: Apache-2.0

package ccl

import (
	"sync"

	"github.com/meshccl/meshccl/fabric"
	"github.com/meshccl/meshccl/internal/workerspool"
	"github.com/meshccl/meshccl/mesh"
	"github.com/meshccl/meshccl/types/tensors"
)

// Topology is the communication pattern connecting the devices.
type Topology int

const (
	// TopologyRing forwards through a closed loop: device i hands off to
	// (i+1) mod N. Needs the wraparound link.
	TopologyRing Topology = iota
	// TopologyLinear is an open chain: end devices emit to a single neighbor.
	TopologyLinear
)

func (t Topology) String() string {
	if t == TopologyLinear {
		return "linear"
	}
	return "ring"
}

// MathOp is the elementwise reduction applied by reduce-scatter.
type MathOp int

const (
	MathSum MathOp = iota
	MathMax
	MathMin
)

func (op MathOp) String() string {
	switch op {
	case MathMax:
		return "max"
	case MathMin:
		return "min"
	}
	return "sum"
}

func (op MathOp) combine(acc []float32, v []float32) {
	switch op {
	case MathMax:
		for i := range acc {
			acc[i] = max(acc[i], v[i])
		}
	case MathMin:
		for i := range acc {
			acc[i] = min(acc[i], v[i])
		}
	default:
		for i := range acc {
			acc[i] += v[i]
		}
	}
}

// Options tune a collective dispatch.
type Options struct {
	// Topology of the hand-off pattern. Defaults to TopologyRing.
	Topology Topology

	// NumLinks is how many parallel physical channels carry each hop.
	// Defaults to 1; bounded by the fabric's links.
	NumLinks int

	// MemoryConfig places the output shards; nil inherits the input's.
	MemoryConfig *MemoryConfig

	// SubDevice is the worker sub-device the issued commands are charged to,
	// and the one to synchronize on before reading results back.
	SubDevice mesh.SubDeviceID

	// Wait makes the dispatcher run its synchronize step before returning,
	// bounded by the call's context. When false (the default, and always
	// during trace capture), the caller synchronizes through the fabric
	// before reading the output.
	Wait bool
}

// plan is the issue schedule of one collective: chunk geometry along the
// split dimension plus the chosen topology.
type plan struct {
	topology   Topology
	numLinks   int
	numDevices int

	// chunk geometry: every tensor involved decomposes as
	// [outer, chunks*chunkExtent, inner] around dim.
	dim       int
	chunkLen  int // elements per chunk
	semFwd    []*fabric.Semaphore
	semBwd    []*fabric.Semaphore
}

// staging pool bounding host-side parallelism of per-link sends.
var pool = workerspool.New()

// sendMessage pushes one chunk to an adjacent device, split across the plan's
// links, then signals the receiver's semaphore. Segments go in parallel
// through the staging pool; the call returns when all of them are on the wire.
func (p *plan) sendMessage(f *fabric.Fabric, from, to mesh.DeviceID, sem *fabric.Semaphore, chunk int, data []float32) error {
	var wg sync.WaitGroup
	errs := make([]error, p.numLinks)
	for l := 0; l < p.numLinks; l++ {
		lo, hi := segmentBounds(len(data), p.numLinks, l)
		pkt := fabric.Packet{Chunk: chunk, Seg: l, Data: data[lo:hi]}
		wg.Add(1)
		link := l
		pool.WaitToStart(func() {
			defer wg.Done()
			errs[link] = f.Send(from, to, link, pkt)
		})
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	sem.Increment()
	return nil
}

// recvMessage waits on the semaphore for the next chunk from an adjacent
// device and reassembles its link segments.
func (p *plan) recvMessage(f *fabric.Fabric, from, to mesh.DeviceID, sem *fabric.Semaphore) (chunk int, data []float32, err error) {
	if err = sem.WaitConsume(f.Context(), 1); err != nil {
		return 0, nil, err
	}
	data = make([]float32, p.chunkLen)
	chunk = -1
	for l := 0; l < p.numLinks; l++ {
		pkt, err := f.Recv(from, to, l)
		if err != nil {
			return 0, nil, err
		}
		if chunk < 0 {
			chunk = pkt.Chunk
		}
		lo, hi := segmentBounds(p.chunkLen, p.numLinks, pkt.Seg)
		copy(data[lo:hi], pkt.Data)
	}
	return chunk, data, nil
}

// segmentBounds splits n elements into parts near-equal contiguous segments
// and returns the bounds of segment idx.
func segmentBounds(n, parts, idx int) (lo, hi int) {
	base := n / parts
	rem := n % parts
	lo = idx*base + min(idx, rem)
	hi = lo + base
	if idx < rem {
		hi++
	}
	return lo, hi
}

// extractChunk copies chunk part (of parts) along dim out of the tensor.
func extractChunk(t *tensors.Tensor, dim, part, parts int) []float32 {
	outer, extent, inner := chunkStrides(t, dim)
	partExtent := extent / parts
	out := make([]float32, outer*partExtent*inner)
	flat := t.ConstFlatData()
	for o := 0; o < outer; o++ {
		src := (o*extent + part*partExtent) * inner
		dst := o * partExtent * inner
		copy(out[dst:dst+partExtent*inner], flat[src:src+partExtent*inner])
	}
	return out
}

// insertChunk copies data into chunk part (of parts) along dim of the tensor.
func insertChunk(t *tensors.Tensor, dim, part, parts int, data []float32) {
	outer, extent, inner := chunkStrides(t, dim)
	partExtent := extent / parts
	flat := t.MutableFlatData()
	for o := 0; o < outer; o++ {
		dst := (o*extent + part*partExtent) * inner
		src := o * partExtent * inner
		copy(flat[dst:dst+partExtent*inner], data[src:src+partExtent*inner])
	}
}

func chunkStrides(t *tensors.Tensor, dim int) (outer, extent, inner int) {
	dims := t.Shape().Dimensions
	outer, inner = 1, 1
	for _, d := range dims[:dim] {
		outer *= d
	}
	for _, d := range dims[dim+1:] {
		inner *= d
	}
	return outer, dims[dim], inner
}
