// Copyright 2025 The MeshCCL Authors. SPDX-License-Identifier: Apache-2.0

// Package mesh models the set of accelerator devices collectives run across:
// the ordered device registry, per-device compute-core geometry and command
// queues, and the sub-device manager that partitions each device's cores into
// isolated groups (worker pools, fabric routing).
//
// A Mesh is an explicit context object threaded through all calls; there is
// no process-wide device state.
package mesh

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	defaultGridCols = 8
	defaultGridRows = 7
)

// Mesh is an ordered sequence of devices. The order defines the shard-index to
// device correspondence of distributed tensors.
type Mesh struct {
	devices []*Device

	mu         sync.Mutex
	managers   map[ManagerID]*managerConfig
	loadedID   ManagerID
	loaded     *managerConfig
	generation uint64
	guards     map[string]func(op string) error
	closed     bool
}

// Option configures NewMesh.
type Option func(*meshOptions)

type meshOptions struct {
	gridCols, gridRows int
}

// WithComputeGrid overrides the per-device compute-grid extent (default 8x7).
func WithComputeGrid(cols, rows int) Option {
	return func(o *meshOptions) {
		o.gridCols, o.gridRows = cols, rows
	}
}

// NewMesh opens a mesh of numDevices devices and starts their command queues.
// Close the mesh to stop them.
func NewMesh(numDevices int, options ...Option) (*Mesh, error) {
	if numDevices < 1 {
		return nil, errors.Wrapf(ErrConfig, "mesh needs at least one device, got %d", numDevices)
	}
	opts := meshOptions{gridCols: defaultGridCols, gridRows: defaultGridRows}
	for _, option := range options {
		option(&opts)
	}
	if opts.gridCols < 1 || opts.gridRows < 1 {
		return nil, errors.Wrapf(ErrConfig, "compute grid %dx%d is empty", opts.gridCols, opts.gridRows)
	}
	m := &Mesh{
		devices:  make([]*Device, numDevices),
		managers: make(map[ManagerID]*managerConfig),
		guards:   make(map[string]func(op string) error),
	}
	for i := range m.devices {
		d := &Device{
			id:       DeviceID(i),
			gridCols: opts.gridCols,
			gridRows: opts.gridRows,
			queue:    newCommandQueue(),
		}
		d.up.Store(true)
		m.devices[i] = d
	}
	klog.V(1).Infof("mesh: opened %d devices with %dx%d compute grids",
		numDevices, opts.gridCols, opts.gridRows)
	return m, nil
}

// NumDevices returns the number of devices in the mesh.
func (m *Mesh) NumDevices() int { return len(m.devices) }

// Devices returns the devices in mesh order.
func (m *Mesh) Devices() []*Device {
	devices := make([]*Device, len(m.devices))
	copy(devices, m.devices)
	return devices
}

// Device returns the i-th device of the mesh.
func (m *Mesh) Device(i int) (*Device, error) {
	if i < 0 || i >= len(m.devices) {
		return nil, errors.Wrapf(ErrNotFound, "device index %d out of range (mesh has %d devices)",
			i, len(m.devices))
	}
	return m.devices[i], nil
}

// ComputeGridSize returns the compute-grid extent of the given device.
func (m *Mesh) ComputeGridSize(id DeviceID) (cols, rows int, err error) {
	d, err := m.Device(int(id))
	if err != nil {
		return 0, 0, err
	}
	cols, rows = d.ComputeGridSize()
	return cols, rows, nil
}

// Enqueue submits asynchronous work for the given device, charged against the
// named sub-device. The sub-device id must have been resolved under the
// currently loaded manager.
func (m *Mesh) Enqueue(dev DeviceID, id SubDeviceID, run func() error) error {
	if err := m.CheckSubDevice(id); err != nil {
		return err
	}
	d, err := m.Device(int(dev))
	if err != nil {
		return err
	}
	d.queue.enqueue(Command{SubDevice: id.index, Run: run})
	return nil
}

// EnqueueCommand submits a previously recorded command as-is. Used by trace
// replay; direct dispatch goes through Enqueue.
func (m *Mesh) EnqueueCommand(dev DeviceID, cmd Command) error {
	d, err := m.Device(int(dev))
	if err != nil {
		return err
	}
	d.queue.enqueue(cmd)
	return nil
}

// WaitIdle blocks until all outstanding work targeting the named sub-devices
// on the device has completed, and returns the first error any of that work
// reported. With no ids it waits for the whole device.
func (m *Mesh) WaitIdle(ctx context.Context, dev DeviceID, ids ...SubDeviceID) error {
	d, err := m.Device(int(dev))
	if err != nil {
		return err
	}
	indices := make([]int, len(ids))
	for i, id := range ids {
		if err := m.CheckSubDevice(id); err != nil {
			return err
		}
		indices[i] = id.index
	}
	return d.queue.waitIdle(ctx, indices...)
}

// BeginCapture switches every device queue into recording mode: enqueued
// commands are captured instead of executed.
func (m *Mesh) BeginCapture() {
	for _, d := range m.devices {
		d.queue.beginCapture()
	}
}

// Capturing returns whether the device queues are recording a trace.
func (m *Mesh) Capturing() bool {
	for _, d := range m.devices {
		d.queue.mu.Lock()
		capturing := d.queue.capturing
		d.queue.mu.Unlock()
		if capturing {
			return true
		}
	}
	return false
}

// EndCapture leaves recording mode and returns the captured commands, indexed
// by device.
func (m *Mesh) EndCapture() [][]Command {
	recorded := make([][]Command, len(m.devices))
	for i, d := range m.devices {
		recorded[i] = d.queue.endCapture()
	}
	return recorded
}

// AddResourceGuard registers a check that must pass before the loaded
// sub-device manager may change. The fabric uses this to fail a load/clear
// while it still owns cores of the outgoing configuration.
func (m *Mesh) AddResourceGuard(name string, guard func(op string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guards[name] = guard
}

// RemoveResourceGuard drops a previously registered guard.
func (m *Mesh) RemoveResourceGuard(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.guards, name)
}

func (m *Mesh) runGuards(op string) error {
	m.mu.Lock()
	guards := make([]func(op string) error, 0, len(m.guards))
	for _, g := range m.guards {
		guards = append(guards, g)
	}
	m.mu.Unlock()
	for _, g := range guards {
		if err := g(op); err != nil {
			return err
		}
	}
	return nil
}

// Close marks all devices down and stops their command queues after draining.
func (m *Mesh) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	for _, d := range m.devices {
		d.up.Store(false)
		d.queue.close()
	}
	klog.V(1).Infof("mesh: closed %d devices", len(m.devices))
}
