// Copyright 2025 The MeshCCL Authors. SPDX-License-Identifier: Apache-2.0

package ccl

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/meshccl/meshccl/fabric"
	"github.com/meshccl/meshccl/mesh"
	"github.com/meshccl/meshccl/types/shapes"
)

// UnsupportedCaseError reports a (shape, dim, dtype, layout, memory) combination
// the target hardware generation cannot run. It is non-fatal: sweep drivers
// catch it with errors.As and record a skip instead of a failure.
type UnsupportedCaseError struct {
	Reason string
}

func (e *UnsupportedCaseError) Error() string {
	return "unsupported case: " + e.Reason
}

// IsUnsupported returns the skip reason if err is (or wraps) an
// UnsupportedCaseError.
func IsUnsupported(err error) (string, bool) {
	var unsupported *UnsupportedCaseError
	if errors.As(err, &unsupported) {
		return unsupported.Reason, true
	}
	return "", false
}

// validateCommon rejects combinations either collective cannot dispatch.
// Programming errors come back wrapping mesh.ErrConfig; known-unsupported
// combinations come back as *UnsupportedCaseError.
//
// logical is the shape the divisibility and capacity rules apply to: the
// gathered output shape for all-gather, the per-device input shape for
// reduce-scatter.
func validateCommon(f *fabric.Fabric, in *DistributedTensor, logical shapes.Shape, dim int, opts *Options) error {
	m := f.Mesh()
	numDevices := m.NumDevices()
	if numDevices < 2 {
		return errors.Wrapf(mesh.ErrConfig, "collectives need at least 2 devices, mesh has %d", numDevices)
	}
	if in.Mesh() != m {
		return errors.Wrap(mesh.ErrConfig, "tensor is distributed over a different mesh than the fabric")
	}
	if dim < 0 || dim >= logical.Rank() {
		return errors.Wrapf(mesh.ErrConfig, "dim %d out of range for rank %d", dim, logical.Rank())
	}
	if opts.NumLinks == 0 {
		opts.NumLinks = 1
	}
	if opts.NumLinks < 0 || opts.NumLinks > f.NumLinks() {
		return errors.Wrapf(mesh.ErrConfig, "numLinks %d outside the fabric's 1..%d", opts.NumLinks, f.NumLinks())
	}
	if err := m.CheckSubDevice(opts.SubDevice); err != nil {
		return err
	}

	dtype := in.DType()
	layout := in.Layout()
	if layout == LayoutRowMajor && dtype.IsBlockFloat() {
		return &UnsupportedCaseError{Reason: fmt.Sprintf("invalid combination: %s with row-major layout", dtype)}
	}
	if logical.Dim(dim)%numDevices != 0 {
		return &UnsupportedCaseError{Reason: fmt.Sprintf(
			"dim %d extent %d not divisible by %d devices", dim, logical.Dim(dim), numDevices)}
	}
	perDevice := logical.Dim(dim) / numDevices
	tileDim := layout == LayoutTile && dim >= logical.Rank()-2
	if tileDim && perDevice%shapes.TileSize != 0 {
		return &UnsupportedCaseError{Reason: fmt.Sprintf(
			"per-device extent %d on dim %d not tile-aligned", perDevice, dim)}
	}

	// Readback of large row-major pages can't be broken up by fast dispatch.
	if layout == LayoutRowMajor && logical.Dim(dim)*int(dtype.Size()) > fastDispatchPageLimit {
		return &UnsupportedCaseError{Reason: "fast dispatch can't read back this page size in one shot"}
	}

	memCfg := opts.MemoryConfig
	if memCfg == nil {
		cfg := in.MemoryConfig()
		memCfg = &cfg
	}
	if memCfg.BufferType == BufferL1 && int(logical.Memory()) > numL1Banks*l1BankBytes {
		return &UnsupportedCaseError{Reason: "L1 buffer can't support large tensor sizes"}
	}

	// Every device must end up with a non-zero amount of data.
	minChunks := logical.Dim(dim)
	if tileDim {
		minChunks /= shapes.TileSize
	}
	if minChunks < numDevices {
		return &UnsupportedCaseError{Reason: fmt.Sprintf(
			"shape %s incompatible with %d devices on dim %d: some devices would hold no data",
			logical, numDevices, dim)}
	}
	return nil
}
