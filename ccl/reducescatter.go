// Copyright 2025 The MeshCCL Authors. SPDX-License-Identifier: Apache-2.0

package ccl

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/meshccl/meshccl/fabric"
	"github.com/meshccl/meshccl/mesh"
	"github.com/meshccl/meshccl/types/tensors"
)

// ReduceScatter reduces the devices' inputs elementwise with mathOp and
// scatters the result along dim: device i ends holding chunk i of the
// reduction over all devices' inputs. Partials are accumulated in float32 and
// quantized to the tensor's dtype once, on completion; the accumulation order
// depends on the topology, so only PCC-level agreement with a reference sum
// is guaranteed for narrow float formats.
func ReduceScatter(ctx context.Context, f *fabric.Fabric, in *DistributedTensor, dim int, mathOp MathOp, opts Options) (*DistributedTensor, error) {
	numDevices := in.NumShards()
	inShape := in.ShardShape()
	if err := validateCommon(f, in, inShape, dim, &opts); err != nil {
		return nil, err
	}
	outShape, err := inShape.SplitAxis(dim, numDevices)
	if err != nil {
		return nil, errors.Wrap(mesh.ErrConfig, err.Error())
	}

	p := &plan{
		topology:   opts.Topology,
		numLinks:   opts.NumLinks,
		numDevices: numDevices,
		dim:        dim,
		chunkLen:   outShape.Size(),
		semFwd:     f.Semaphores("reduce-scatter:fwd", numDevices),
		semBwd:     f.Semaphores("reduce-scatter:bwd", numDevices),
	}

	outShards := make([]*tensors.Tensor, numDevices)
	for i := range outShards {
		outShards[i] = tensors.FromShape(outShape)
	}
	memCfg := in.MemoryConfig()
	if opts.MemoryConfig != nil {
		memCfg = *opts.MemoryConfig
	}
	out, err := FromShards(f.Mesh(), outShards, in.Layout(), memCfg)
	if err != nil {
		return nil, err
	}

	klog.V(1).Infof("ccl: reduce-scatter dim=%d op=%s shape=%s topology=%s links=%d",
		dim, mathOp, inShape, p.topology, p.numLinks)
	for i := 0; i < numDevices; i++ {
		var run func() error
		if p.topology == TopologyRing {
			run = p.reduceScatterRing(f, i, mathOp, in.Shard(i), outShards[i])
		} else {
			run = p.reduceScatterLinear(f, i, mathOp, in.Shard(i), outShards[i])
		}
		if err := f.Mesh().Enqueue(mesh.DeviceID(i), opts.SubDevice, run); err != nil {
			return nil, err
		}
	}
	if err := p.maybeWait(ctx, f, &opts); err != nil {
		return nil, err
	}
	return out, nil
}

// reduceScatterRing circulates accumulating partials around the loop: chunk c
// starts at device (c+1) mod N and picks up each device's contribution on the
// way, arriving fully reduced at device c after N-1 hops.
func (p *plan) reduceScatterRing(f *fabric.Fabric, i int, mathOp MathOp, local, out *tensors.Tensor) func() error {
	numDevices := p.numDevices
	dev := mesh.DeviceID(i)
	next := mesh.DeviceID((i + 1) % numDevices)
	prev := mesh.DeviceID((i - 1 + numDevices) % numDevices)
	return func() error {
		cur := (i - 1 + numDevices) % numDevices
		acc := extractChunk(local, p.dim, cur, numDevices)
		for step := 0; step < numDevices-1; step++ {
			if err := p.sendMessage(f, dev, next, p.semFwd[int(next)], cur, acc); err != nil {
				return err
			}
			chunk, partial, err := p.recvMessage(f, prev, dev, p.semFwd[i])
			if err != nil {
				return err
			}
			mathOp.combine(partial, extractChunk(local, p.dim, chunk, numDevices))
			cur, acc = chunk, partial
		}
		// The last partial to arrive is this device's own chunk, now covering
		// every device's contribution.
		out.AssignFlatData(acc)
		return nil
	}
}

// reduceScatterLinear runs two sweeps of partial sums down the chain: prefix
// partials (devices 0..i-1) flow rightward, suffix partials (devices i+1..N-1)
// flow leftward, and chunk i's output combines both halves with the local
// contribution at device i.
func (p *plan) reduceScatterLinear(f *fabric.Fabric, i int, mathOp MathOp, local, out *tensors.Tensor) func() error {
	numDevices := p.numDevices
	dev := mesh.DeviceID(i)
	return func() error {
		// Forward sweep: receive prefixes for chunks i..N-1, keep chunk i's,
		// add the local contribution to the rest and forward.
		prefixes := make(map[int][]float32, numDevices)
		if i > 0 {
			for k := 0; k < numDevices-i; k++ {
				chunk, partial, err := p.recvMessage(f, dev-1, dev, p.semFwd[i])
				if err != nil {
					return err
				}
				prefixes[chunk] = partial
			}
		}
		if i < numDevices-1 {
			for c := i + 1; c < numDevices; c++ {
				data := extractChunk(local, p.dim, c, numDevices)
				if partial, ok := prefixes[c]; ok {
					mathOp.combine(data, partial)
				}
				if err := p.sendMessage(f, dev, dev+1, p.semFwd[i+1], c, data); err != nil {
					return err
				}
			}
		}
		acc := extractChunk(local, p.dim, i, numDevices)
		if partial, ok := prefixes[i]; ok {
			mathOp.combine(acc, partial)
		}
		// Backward sweep, mirrored.
		suffixes := make(map[int][]float32, numDevices)
		if i < numDevices-1 {
			for k := 0; k < i+1; k++ {
				chunk, partial, err := p.recvMessage(f, dev+1, dev, p.semBwd[i])
				if err != nil {
					return err
				}
				suffixes[chunk] = partial
			}
		}
		if i > 0 {
			for c := 0; c < i; c++ {
				data := extractChunk(local, p.dim, c, numDevices)
				if partial, ok := suffixes[c]; ok {
					mathOp.combine(data, partial)
				}
				if err := p.sendMessage(f, dev, dev-1, p.semBwd[i-1], c, data); err != nil {
					return err
				}
			}
		}
		if partial, ok := suffixes[i]; ok {
			mathOp.combine(acc, partial)
		}
		out.AssignFlatData(acc)
		return nil
	}
}
