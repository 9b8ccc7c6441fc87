// Copyright 2025 The MeshCCL Authors. SPDX-License-Identifier: Apache-2.0

// Package ccl implements the collective dispatcher: all-gather and
// reduce-scatter over a distributed tensor, issued through a live fabric.
//
// Each collective call walks Validate -> Plan -> Issue -> Synchronize:
// validation rejects known-unsupported cases without aborting a sweep, the
// plan picks topology and chunk geometry, issue enqueues one command per
// device (captured instead of executed while a trace is recording), and the
// synchronize step -- run by the dispatcher with Options.Wait, or by the
// caller through fabric.Synchronize -- blocks until the worker sub-device
// drains.
package ccl

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/meshccl/meshccl/fabric"
	"github.com/meshccl/meshccl/mesh"
	"github.com/meshccl/meshccl/types/tensors"
)

// AllGather gathers every device's shard along dim: each device ends with the
// full concatenation of all shards, in mesh order. The input tensor is left
// untouched; a new DistributedTensor holds the gathered output.
func AllGather(ctx context.Context, f *fabric.Fabric, in *DistributedTensor, dim int, opts Options) (*DistributedTensor, error) {
	numDevices := in.NumShards()
	shardShape := in.ShardShape()
	if dim < 0 || dim >= shardShape.Rank() {
		return nil, errors.Wrapf(mesh.ErrConfig, "dim %d out of range for rank %d", dim, shardShape.Rank())
	}
	outShape := shardShape.ScaleAxis(dim, numDevices)
	if err := validateCommon(f, in, outShape, dim, &opts); err != nil {
		return nil, err
	}

	p := &plan{
		topology:   opts.Topology,
		numLinks:   opts.NumLinks,
		numDevices: numDevices,
		dim:        dim,
		chunkLen:   shardShape.Size(),
		semFwd:     f.Semaphores("all-gather:fwd", numDevices),
		semBwd:     f.Semaphores("all-gather:bwd", numDevices),
	}

	outShards := make([]*tensors.Tensor, numDevices)
	for i := range outShards {
		outShards[i] = tensors.FromShape(outShape)
	}
	memCfg := in.MemoryConfig().ScaleForGather(dim, outShape.Rank(), numDevices)
	if opts.MemoryConfig != nil {
		memCfg = *opts.MemoryConfig
	}
	out, err := FromShards(f.Mesh(), outShards, in.Layout(), memCfg)
	if err != nil {
		return nil, err
	}

	klog.V(1).Infof("ccl: all-gather dim=%d shape=%s topology=%s links=%d",
		dim, outShape, p.topology, p.numLinks)
	for i := 0; i < numDevices; i++ {
		var run func() error
		if p.topology == TopologyRing {
			run = p.allGatherRing(f, i, in.Shard(i), outShards[i])
		} else {
			run = p.allGatherLinear(f, i, in.Shard(i), outShards[i])
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

// allGatherRing rotates chunks around the closed loop: every step each device
// forwards the chunk it most recently obtained and receives a new one from
// its predecessor. After N-1 steps every device holds all N chunks.
func (p *plan) allGatherRing(f *fabric.Fabric, i int, local, out *tensors.Tensor) func() error {
	numDevices := p.numDevices
	dev := mesh.DeviceID(i)
	next := mesh.DeviceID((i + 1) % numDevices)
	prev := mesh.DeviceID((i - 1 + numDevices) % numDevices)
	return func() error {
		insertChunk(out, p.dim, i, numDevices, local.ConstFlatData())
		cur := i
		for step := 0; step < numDevices-1; step++ {
			data := extractChunk(out, p.dim, cur, numDevices)
			if err := p.sendMessage(f, dev, next, p.semFwd[int(next)], cur, data); err != nil {
				return err
			}
			chunk, received, err := p.recvMessage(f, prev, dev, p.semFwd[i])
			if err != nil {
				return err
			}
			insertChunk(out, p.dim, chunk, numDevices, received)
			cur = chunk
		}
		return nil
	}
}

// allGatherLinear propagates chunks down the open chain in two sweeps: left
// to right (chunks 0..i reach device i+1) and right to left (chunks i..N-1
// reach device i-1). End devices emit to their single neighbor only.
func (p *plan) allGatherLinear(f *fabric.Fabric, i int, local, out *tensors.Tensor) func() error {
	numDevices := p.numDevices
	dev := mesh.DeviceID(i)
	return func() error {
		insertChunk(out, p.dim, i, numDevices, local.ConstFlatData())
		// Forward sweep.
		for k := 0; k < i; k++ {
			chunk, received, err := p.recvMessage(f, dev-1, dev, p.semFwd[i])
			if err != nil {
				return err
			}
			insertChunk(out, p.dim, chunk, numDevices, received)
		}
		if i < numDevices-1 {
			for c := 0; c <= i; c++ {
				data := extractChunk(out, p.dim, c, numDevices)
				if err := p.sendMessage(f, dev, dev+1, p.semFwd[i+1], c, data); err != nil {
					return err
				}
			}
		}
		// Backward sweep.
		for k := 0; k < numDevices-1-i; k++ {
			chunk, received, err := p.recvMessage(f, dev+1, dev, p.semBwd[i])
			if err != nil {
				return err
			}
			insertChunk(out, p.dim, chunk, numDevices, received)
		}
		if i > 0 {
			for c := i; c < numDevices; c++ {
				data := extractChunk(out, p.dim, c, numDevices)
				if err := p.sendMessage(f, dev, dev-1, p.semBwd[i-1], c, data); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

// maybeWait runs the dispatcher's synchronize step when Options.Wait asks for
// it. While a trace is capturing nothing has executed, so there is nothing to
// wait on.
func (p *plan) maybeWait(ctx context.Context, f *fabric.Fabric, opts *Options) error {
	if !opts.Wait || f.Mesh().Capturing() {
		return nil
	}
	for _, d := range f.Mesh().Devices() {
		if err := f.Synchronize(ctx, d.ID(), opts.SubDevice); err != nil {
			return err
		}
	}
	return nil
}
