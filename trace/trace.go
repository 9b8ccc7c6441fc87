// Copyright 2025 The MeshCCL Authors. SPDX-License-Identifier: Apache-2.0

// Package trace records a sequence of dispatched collective commands into a
// replayable trace, amortizing per-op host dispatch overhead across
// iterations: record once, execute N times.
//
// The driver pattern mirrors how the dispatcher is used for throughput
// measurement: issue one priming run directly (it executes and warms
// allocations, and is excluded from the trace), call Begin, issue the
// iterations to capture, call End, then Execute the trace as many times as
// needed and Release it. A trace replays commands that reference the fabric
// session they were captured under, so it must be released before that
// fabric is torn down.
package trace

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/meshccl/meshccl/fabric"
	"github.com/meshccl/meshccl/mesh"
)

// ErrNotFound reports an unknown or already-released trace id.
var ErrNotFound = errors.New("unknown trace id")

// TraceID keys a recorded trace on its mesh.
type TraceID int64

var nextID atomic.Int64

// Trace is an immutable recorded sequence of device commands, per device.
type Trace struct {
	commands [][]mesh.Command
}

// NumCommands returns the total number of recorded commands across devices.
func (t *Trace) NumCommands() (n int) {
	for _, cmds := range t.commands {
		n += len(cmds)
	}
	return
}

var (
	mu     sync.Mutex
	traces = make(map[*mesh.Mesh]map[TraceID]*Trace)
	open   = make(map[*mesh.Mesh]TraceID)
)

// Begin opens a recording context on the mesh's command queue. While open,
// dispatched commands are captured instead of executed. Devices expose a
// single command queue, so queueID must be 0.
func Begin(m *mesh.Mesh, queueID int) (TraceID, error) {
	if queueID != 0 {
		return 0, errors.Wrapf(mesh.ErrConfig, "devices have a single command queue, got queue id %d", queueID)
	}
	mu.Lock()
	defer mu.Unlock()
	if id, capturing := open[m]; capturing {
		return 0, errors.Wrapf(mesh.ErrConfig, "trace %d is already capturing on this mesh", id)
	}
	id := TraceID(nextID.Add(1))
	open[m] = id
	m.BeginCapture()
	klog.V(1).Infof("trace: begin capture %d", id)
	return id, nil
}

// End closes the recording context; the trace becomes immutable and
// replayable.
func End(m *mesh.Mesh, id TraceID, queueID int) error {
	if queueID != 0 {
		return errors.Wrapf(mesh.ErrConfig, "devices have a single command queue, got queue id %d", queueID)
	}
	mu.Lock()
	defer mu.Unlock()
	if openID, capturing := open[m]; !capturing || openID != id {
		return errors.Wrapf(ErrNotFound, "trace %d is not capturing on this mesh", id)
	}
	delete(open, m)
	t := &Trace{commands: m.EndCapture()}
	if traces[m] == nil {
		traces[m] = make(map[TraceID]*Trace)
	}
	traces[m][id] = t
	klog.V(1).Infof("trace: captured %d with %d commands", id, t.NumCommands())
	return nil
}

// Execute replays the recorded command sequence. With blocking=false it
// returns as soon as the commands are enqueued and the caller must synchronize
// through the fabric before reading outputs; with blocking=true it waits for
// every device to drain, bounded by ctx (expiry reports fabric.ErrHang).
// Execute is rejected while a capture is open on the mesh: the replayed
// commands would be recorded into the open trace instead of running.
func Execute(ctx context.Context, m *mesh.Mesh, id TraceID, blocking bool) error {
	mu.Lock()
	if openID, capturing := open[m]; capturing {
		mu.Unlock()
		return errors.Wrapf(mesh.ErrConfig, "trace %d is capturing on this mesh", openID)
	}
	t, ok := traces[m][id]
	mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrNotFound, "trace %d", id)
	}
	for dev, cmds := range t.commands {
		for _, cmd := range cmds {
			if err := m.EnqueueCommand(mesh.DeviceID(dev), cmd); err != nil {
				return err
			}
		}
	}
	if !blocking {
		return nil
	}
	for _, d := range m.Devices() {
		if err := m.WaitIdle(ctx, d.ID()); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return errors.Wrapf(fabric.ErrHang, "trace %d on device %d", id, d.ID())
			}
			return err
		}
	}
	return nil
}

// Release frees the trace's resources.
func Release(m *mesh.Mesh, id TraceID) error {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := traces[m][id]; !ok {
		return errors.Wrapf(ErrNotFound, "trace %d", id)
	}
	delete(traces[m], id)
	if len(traces[m]) == 0 {
		delete(traces, m)
	}
	return nil
}
