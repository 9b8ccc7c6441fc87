// Copyright 2025 The MeshCCL Authors. SPDX-License-Identifier: Apache-2.0

package mesh

import "github.com/pkg/errors"

// Sentinel errors of the mesh and sub-device layer. Callers test with
// errors.Is; all of them indicate programming errors and are never retried.
var (
	// ErrConfig reports an invalid sub-device or core-range definition.
	ErrConfig = errors.New("invalid configuration")

	// ErrNotFound reports an unknown device index, manager id, or a
	// SubDeviceID resolved against a manager that is no longer loaded.
	ErrNotFound = errors.New("not found")

	// ErrInUse reports removal of a resource that is currently active.
	ErrInUse = errors.New("in use")
)
