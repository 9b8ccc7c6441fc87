// Copyright 2025 The MeshCCL Authors. SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/meshccl/meshccl/types/xsync"
)

// DeviceID identifies one physical device. It is also the device's position
// in the mesh: shard i of a distributed tensor lives on device i.
type DeviceID int

// Command is one unit of device-side work: a closure targeting a sub-device
// of the device it is enqueued on. Commands on one device execute in order;
// commands on different devices execute in parallel.
type Command struct {
	// SubDevice is the index (into the loaded manager's sub-device list) of
	// the sub-device the work occupies.
	SubDevice int

	// Run performs the work. Errors are reported at the next synchronize.
	Run func() error
}

// Device models one accelerator chip: an identity, a compute-core grid, and a
// command queue that executes asynchronously from the control thread.
type Device struct {
	id                 DeviceID
	gridCols, gridRows int
	up                 atomic.Bool

	queue *commandQueue
}

// ID returns the device's identity.
func (d *Device) ID() DeviceID { return d.id }

// ComputeGridSize returns the extent (cols, rows) of the device's worker
// compute grid. Row gridRows (just past the worker grid) hosts the cores
// reserved for routing, which is where fabric sub-devices live.
func (d *Device) ComputeGridSize() (cols, rows int) {
	return d.gridCols, d.gridRows
}

// IsUp returns whether the device is live. Devices go down when the mesh is
// closed.
func (d *Device) IsUp() bool { return d.up.Load() }

// commandQueue executes commands in order on a dedicated goroutine and tracks
// outstanding work per sub-device so the control thread can synchronize on a
// subset of sub-devices.
type commandQueue struct {
	cmds     chan Command
	finished *xsync.Latch

	mu          sync.Mutex
	capturing   bool
	recording   []Command
	outstanding map[int]*xsync.Counter
	firstErr    error
}

const queueDepth = 256

func newCommandQueue() *commandQueue {
	q := &commandQueue{
		cmds:        make(chan Command, queueDepth),
		finished:    xsync.NewLatch(),
		outstanding: make(map[int]*xsync.Counter),
	}
	go q.run()
	return q
}

func (q *commandQueue) run() {
	defer q.finished.Trigger()
	for cmd := range q.cmds {
		err := cmd.Run()
		if err != nil {
			q.mu.Lock()
			if q.firstErr == nil {
				q.firstErr = err
			}
			q.mu.Unlock()
		}
		q.counter(cmd.SubDevice).Add(-1)
	}
}

func (q *commandQueue) counter(subDevice int) *xsync.Counter {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.outstanding[subDevice]
	if !ok {
		c = xsync.NewCounter()
		q.outstanding[subDevice] = c
	}
	return c
}

// enqueue submits the command, or records it when the queue is capturing a
// trace.
func (q *commandQueue) enqueue(cmd Command) {
	q.mu.Lock()
	if q.capturing {
		q.recording = append(q.recording, cmd)
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()
	q.counter(cmd.SubDevice).Add(1)
	q.cmds <- cmd
}

func (q *commandQueue) beginCapture() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.capturing = true
	q.recording = nil
}

func (q *commandQueue) endCapture() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.capturing = false
	recorded := q.recording
	q.recording = nil
	return recorded
}

// waitIdle blocks until the named sub-devices have no outstanding work, then
// surfaces the first command error, if any. With no sub-devices named it waits
// on all of them.
func (q *commandQueue) waitIdle(ctx context.Context, subDevices ...int) error {
	if len(subDevices) == 0 {
		q.mu.Lock()
		for idx := range q.outstanding {
			subDevices = append(subDevices, idx)
		}
		q.mu.Unlock()
	}
	for _, idx := range subDevices {
		if err := q.counter(idx).WaitZero(ctx); err != nil {
			return err
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.firstErr
	q.firstErr = nil
	return err
}

// close stops the queue after the already-enqueued commands finish.
func (q *commandQueue) close() {
	close(q.cmds)
	q.finished.Wait()
}
