// Copyright 2025 The MeshCCL Authors. SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MaxLocalAllocatorBytes is the per-core scratch budget a sub-device manager's
// local allocator may claim.
const MaxLocalAllocatorBytes = 1 << 20

// SubDevice is a named partition of a device's cores: an ordered list of
// CoreRangeSets, one per device-local resource class (worker cores first,
// then any specialized classes). Immutable once constructed.
type SubDevice struct {
	cores []CoreRangeSet
}

// NewSubDevice returns a SubDevice covering the given core range sets.
func NewSubDevice(cores ...CoreRangeSet) SubDevice {
	return SubDevice{cores: slices.Clone(cores)}
}

// Cores returns a copy of the sub-device's core range sets.
func (s SubDevice) Cores() []CoreRangeSet {
	return slices.Clone(s.cores)
}

// intersects returns whether any core of s is also covered by other.
func (s SubDevice) intersects(other SubDevice) bool {
	for _, set := range s.cores {
		for _, otherSet := range other.cores {
			if set.Intersects(otherSet) {
				return true
			}
		}
	}
	return false
}

// ManagerID is the opaque handle of a registered sub-device-manager
// configuration.
type ManagerID uuid.UUID

func (id ManagerID) String() string { return uuid.UUID(id).String() }

// SubDeviceID resolves a sub-device under the currently loaded manager. It is
// the sub-device's index in the manager's definition list, bound to the load
// generation: loading another manager (or clearing) invalidates it.
type SubDeviceID struct {
	index      int
	generation uint64
}

// Index returns the position of the sub-device in the loaded manager's list.
func (id SubDeviceID) Index() int { return id.index }

// managerConfig is one registered configuration: the sub-device definitions
// plus the local allocator budget. fabricIndex is the position of the
// sub-device reserved for fabric routing, or -1.
type managerConfig struct {
	subDevices     []SubDevice
	allocatorBytes uint64
	fabricIndex    int
}

func validateManagerConfig(defs []SubDevice, allocatorBytes uint64) error {
	if len(defs) == 0 {
		return errors.Wrap(ErrConfig, "sub-device manager needs at least one sub-device")
	}
	if allocatorBytes > MaxLocalAllocatorBytes {
		return errors.Wrapf(ErrConfig, "local allocator of %s exceeds the per-core budget of %s",
			humanize.IBytes(allocatorBytes), humanize.IBytes(MaxLocalAllocatorBytes))
	}
	for i, def := range defs {
		for _, set := range def.cores {
			if !set.Ok() {
				return errors.Wrapf(ErrConfig, "sub-device %d has a malformed or self-overlapping core range set %s",
					i, set)
			}
		}
		// Resource classes within one sub-device must not alias either.
		for a, set := range def.cores {
			for _, other := range def.cores[a+1:] {
				if set.Intersects(other) {
					return errors.Wrapf(ErrConfig, "sub-device %d has overlapping core range sets", i)
				}
			}
		}
		for j, other := range defs[i+1:] {
			if def.intersects(other) {
				return errors.Wrapf(ErrConfig, "sub-devices %d and %d overlap", i, i+1+j)
			}
		}
	}
	return nil
}

// CreateSubDeviceManager registers a new (inactive) sub-device-manager
// configuration and returns its handle. The sub-devices' core sets must be
// pairwise disjoint, which is what lets work scheduled on different
// sub-devices run without core contention.
func (m *Mesh) CreateSubDeviceManager(defs []SubDevice, allocatorBytes uint64) (ManagerID, error) {
	if err := validateManagerConfig(defs, allocatorBytes); err != nil {
		return ManagerID{}, err
	}
	cfg := &managerConfig{
		subDevices:     slices.Clone(defs),
		allocatorBytes: allocatorBytes,
		fabricIndex:    -1,
	}
	id := ManagerID(uuid.New())
	m.mu.Lock()
	m.managers[id] = cfg
	m.mu.Unlock()
	klog.V(1).Infof("mesh: created sub-device manager %s (%d sub-devices, %s local allocator)",
		id, len(defs), humanize.IBytes(allocatorBytes))
	return id, nil
}

// CreateSubDeviceManagerWithFabric registers a configuration that, in addition
// to the given worker sub-devices, reserves a fabric sub-device on the routing
// row just past each device's compute grid. It returns the manager handle and
// the index of the fabric sub-device (resolve it with SubDeviceID after
// loading).
func (m *Mesh) CreateSubDeviceManagerWithFabric(defs []SubDevice, allocatorBytes uint64) (ManagerID, int, error) {
	cols, rows := m.devices[0].ComputeGridSize()
	fabricRow := NewCoreRangeSet(NewCoreRange(
		CoreCoord{X: 0, Y: rows},
		CoreCoord{X: cols - 1, Y: rows},
	))
	all := append(slices.Clone(defs), NewSubDevice(fabricRow))
	if err := validateManagerConfig(all, allocatorBytes); err != nil {
		return ManagerID{}, -1, err
	}
	cfg := &managerConfig{
		subDevices:     all,
		allocatorBytes: allocatorBytes,
		fabricIndex:    len(all) - 1,
	}
	id := ManagerID(uuid.New())
	m.mu.Lock()
	m.managers[id] = cfg
	m.mu.Unlock()
	klog.V(1).Infof("mesh: created sub-device manager %s with fabric sub-device %d", id, cfg.fabricIndex)
	return id, cfg.fabricIndex, nil
}

// LoadSubDeviceManager makes the given configuration the single active one,
// mesh-wide. Any SubDeviceID resolved under a previously loaded manager
// becomes invalid. It fails if a fabric is still live on the mesh: the fabric
// owns cores of the outgoing configuration and must be torn down first.
func (m *Mesh) LoadSubDeviceManager(id ManagerID) error {
	if err := m.runGuards("load"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.managers[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "sub-device manager %s", id)
	}
	m.loadedID = id
	m.loaded = cfg
	m.generation++
	klog.V(1).Infof("mesh: loaded sub-device manager %s (generation %d)", id, m.generation)
	return nil
}

// ClearSubDeviceManager deactivates the loaded configuration, leaving no
// manager active. Idempotent. Like load, it refuses to pull cores from under
// a live fabric.
func (m *Mesh) ClearSubDeviceManager() error {
	if err := m.runGuards("clear"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded == nil {
		return nil
	}
	m.loadedID = ManagerID{}
	m.loaded = nil
	m.generation++
	return nil
}

// RemoveSubDeviceManager forgets the configuration. The manager must not be
// loaded: clear or load another manager first.
func (m *Mesh) RemoveSubDeviceManager(id ManagerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.managers[id]; !ok {
		return errors.Wrapf(ErrNotFound, "sub-device manager %s", id)
	}
	if m.loaded != nil && m.loadedID == id {
		return errors.Wrapf(ErrInUse, "sub-device manager %s is loaded", id)
	}
	delete(m.managers, id)
	return nil
}

// SubDeviceID resolves the sub-device at the given index of the currently
// loaded manager. The returned id stays valid until another manager is loaded
// or the configuration is cleared.
func (m *Mesh) SubDeviceID(index int) (SubDeviceID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded == nil {
		return SubDeviceID{}, errors.Wrap(ErrNotFound, "no sub-device manager loaded")
	}
	if index < 0 || index >= len(m.loaded.subDevices) {
		return SubDeviceID{}, errors.Wrapf(ErrNotFound, "sub-device index %d (manager has %d)",
			index, len(m.loaded.subDevices))
	}
	return SubDeviceID{index: index, generation: m.generation}, nil
}

// CheckSubDevice verifies the id was resolved under the currently loaded
// manager.
func (m *Mesh) CheckSubDevice(id SubDeviceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded == nil || id.generation != m.generation {
		return errors.Wrapf(ErrNotFound, "sub-device id %d is stale (resolved under an unloaded manager)", id.index)
	}
	if id.index < 0 || id.index >= len(m.loaded.subDevices) {
		return errors.Wrapf(ErrNotFound, "sub-device index %d", id.index)
	}
	return nil
}

// LoadedFabricIndex returns the index of the loaded manager's fabric
// sub-device, or ok=false if no manager is loaded or it reserves none.
func (m *Mesh) LoadedFabricIndex() (index int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded == nil || m.loaded.fabricIndex < 0 {
		return -1, false
	}
	return m.loaded.fabricIndex, true
}
