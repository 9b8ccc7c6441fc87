package fabric_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshccl/meshccl/fabric"
	"github.com/meshccl/meshccl/mesh"
)

// newTestMesh opens a mesh with one worker sub-device plus the reserved fabric
// sub-device loaded, and returns both resolved ids.
func newTestMesh(t *testing.T, numDevices int) (m *mesh.Mesh, worker, fabricSub mesh.SubDeviceID) {
	t.Helper()
	m, err := mesh.NewMesh(numDevices)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	cols, rows, err := m.ComputeGridSize(0)
	require.NoError(t, err)
	grid := mesh.NewCoreRangeSet(mesh.NewCoreRange(
		mesh.CoreCoord{X: 0, Y: 0}, mesh.CoreCoord{X: cols - 1, Y: rows - 1}))
	id, fabricIndex, err := m.CreateSubDeviceManagerWithFabric(
		[]mesh.SubDevice{mesh.NewSubDevice(grid)}, 3200)
	require.NoError(t, err)
	require.NoError(t, m.LoadSubDeviceManager(id))
	worker, err = m.SubDeviceID(0)
	require.NoError(t, err)
	fabricSub, err = m.SubDeviceID(fabricIndex)
	require.NoError(t, err)
	return m, worker, fabricSub
}

func TestInitializeAndTeardown(t *testing.T) {
	m, _, fabricSub := newTestMesh(t, 4)

	f, err := fabric.Initialize(m, fabricSub)
	require.NoError(t, err)
	assert.Equal(t, fabric.DefaultNumLinks, f.NumLinks())
	assert.Same(t, m, f.Mesh())

	got, ok := fabric.Live(m)
	require.True(t, ok)
	assert.Same(t, f, got)

	// Only one fabric per mesh.
	_, err = fabric.Initialize(m, fabricSub)
	require.ErrorIs(t, err, fabric.ErrAlreadyInitialized)

	f.Teardown()
	_, ok = fabric.Live(m)
	assert.False(t, ok)
	select {
	case <-f.Context().Done():
	default:
		t.Fatal("teardown must cancel the session context")
	}

	// Teardown is idempotent, both on the handle and package-wide.
	f.Teardown()
	fabric.Teardown(m)
}

func TestInitializeNeedsFabricSubDevice(t *testing.T) {
	m, err := mesh.NewMesh(2)
	require.NoError(t, err)
	defer m.Close()

	grid := mesh.NewCoreRangeSet(mesh.NewCoreRange(
		mesh.CoreCoord{X: 0, Y: 0}, mesh.CoreCoord{X: 3, Y: 3}))
	id, err := m.CreateSubDeviceManager([]mesh.SubDevice{mesh.NewSubDevice(grid)}, 3200)
	require.NoError(t, err)
	require.NoError(t, m.LoadSubDeviceManager(id))
	worker, err := m.SubDeviceID(0)
	require.NoError(t, err)

	// The loaded manager reserves no fabric sub-device.
	_, err = fabric.Initialize(m, worker)
	require.ErrorIs(t, err, fabric.ErrNoSubDevice)
}

func TestInitializeRejectsWorkerSubDevice(t *testing.T) {
	m, worker, _ := newTestMesh(t, 2)
	// A fabric sub-device exists, but the given id is not it.
	_, err := fabric.Initialize(m, worker)
	require.ErrorIs(t, err, fabric.ErrNoSubDevice)
}

func TestFabricGuardsManager(t *testing.T) {
	m, _, fabricSub := newTestMesh(t, 2)

	f, err := fabric.Initialize(m, fabricSub)
	require.NoError(t, err)

	// The live fabric owns cores of the loaded configuration: swapping or
	// clearing it must fail until teardown.
	grid := mesh.NewCoreRangeSet(mesh.NewCoreRange(
		mesh.CoreCoord{X: 0, Y: 0}, mesh.CoreCoord{X: 1, Y: 1}))
	other, err := m.CreateSubDeviceManager([]mesh.SubDevice{mesh.NewSubDevice(grid)}, 3200)
	require.NoError(t, err)
	require.Error(t, m.LoadSubDeviceManager(other))
	require.Error(t, m.ClearSubDeviceManager())

	f.Teardown()
	require.NoError(t, m.LoadSubDeviceManager(other))
}

func TestSendRecv(t *testing.T) {
	m, _, fabricSub := newTestMesh(t, 4)
	f, err := fabric.Initialize(m, fabricSub, fabric.WithNumLinks(2))
	require.NoError(t, err)
	defer f.Teardown()

	pkt := fabric.Packet{Chunk: 3, Seg: 1, Data: []float32{1, 2, 3}}
	require.NoError(t, f.Send(0, 1, 1, pkt))
	got, err := f.Recv(0, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, pkt, got)

	// Wraparound link of the ring.
	require.NoError(t, f.Send(3, 0, 0, pkt))
	_, err = f.Recv(3, 0, 0)
	require.NoError(t, err)

	// Devices 0 and 2 are not adjacent.
	require.Error(t, f.Send(0, 2, 0, pkt))
	_, err = f.Recv(0, 2, 0)
	require.Error(t, err)

	// Link index out of range.
	require.Error(t, f.Send(0, 1, 5, pkt))
}

func TestSemaphores(t *testing.T) {
	m, _, fabricSub := newTestMesh(t, 2)
	f, err := fabric.Initialize(m, fabricSub)
	require.NoError(t, err)
	defer f.Teardown()

	sems := f.Semaphores("gather", 2)
	require.Len(t, sems, 2)
	// Same tag, same handles: the create-once/reuse contract.
	again := f.Semaphores("gather", 2)
	assert.Same(t, sems[0], again[0])
	assert.Same(t, sems[1], again[1])
	other := f.Semaphores("scatter", 2)
	assert.NotSame(t, sems[0], other[0])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sem := sems[0]
	sem.Increment()
	sem.Increment()
	assert.EqualValues(t, 2, sem.Value())
	require.NoError(t, sem.WaitConsume(ctx, 2))

	// The counter is monotone; the next wait needs fresh signals.
	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	require.Error(t, sem.WaitConsume(short, 1))
	sem.Increment()
	require.NoError(t, sem.WaitConsume(ctx, 1))
	assert.EqualValues(t, 3, sem.Value())
}

func TestSynchronizeHang(t *testing.T) {
	m, worker, fabricSub := newTestMesh(t, 2)
	f, err := fabric.Initialize(m, fabricSub)
	require.NoError(t, err)

	// A command waiting on a signal that never comes models a hung kernel.
	sem := f.Semaphores("never", 1)[0]
	require.NoError(t, m.Enqueue(0, worker, func() error {
		return sem.WaitConsume(f.Context(), 1)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = f.Synchronize(ctx, 0, worker)
	require.ErrorIs(t, err, fabric.ErrHang)

	// Teardown cancels the session, unblocking the hung command so the mesh
	// can be reconfigured and reused.
	f.Teardown()
	longCtx, cancelLong := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelLong()
	// The drained command reports the cancellation; surfaced once, then clear.
	_ = m.WaitIdle(longCtx, 0)
	require.NoError(t, m.WaitIdle(longCtx, 0))
}

func TestSynchronizeReportsCommandError(t *testing.T) {
	m, worker, fabricSub := newTestMesh(t, 2)
	f, err := fabric.Initialize(m, fabricSub)
	require.NoError(t, err)
	defer f.Teardown()

	require.NoError(t, m.Enqueue(1, worker, func() error {
		return assert.AnError
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.ErrorIs(t, f.Synchronize(ctx, 1, worker), assert.AnError)
}
