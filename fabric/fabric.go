// Copyright 2025 The MeshCCL Authors. SPDX-License-Identifier: Apache-2.0

// Package fabric is the persistent inter-device communication substrate the
// collectives run through: point-to-point links between adjacent devices in
// the mesh, semaphore handles for chunk-arrival signaling, and the
// synchronization barrier the control thread blocks on.
//
// A fabric is brought up once per mesh, after a sub-device manager with a
// reserved fabric sub-device is loaded, and must be torn down before that
// manager is unloaded or removed. At most one fabric is live per mesh.
package fabric

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/meshccl/meshccl/mesh"
)

var (
	// ErrAlreadyInitialized reports a second Initialize on a mesh with a live
	// fabric.
	ErrAlreadyInitialized = errors.New("fabric already initialized on this mesh")

	// ErrNoSubDevice reports that the loaded sub-device manager reserves no
	// fabric sub-device, or the given id is not it.
	ErrNoSubDevice = errors.New("no fabric sub-device in the loaded manager")

	// ErrHang reports a synchronization deadline exceeded. Fatal for the
	// session: device state is unknown, recover with Teardown plus a manager
	// reload.
	ErrHang = errors.New("synchronization deadline exceeded")
)

// DefaultNumLinks is the number of parallel physical channels brought up per
// link direction when Initialize is not told otherwise.
const DefaultNumLinks = 4

const guardName = "fabric"

// live tracks the one fabric per mesh. Keys are *mesh.Mesh, values *Fabric.
var live sync.Map

// Fabric is the logical link layer of one mesh.
type Fabric struct {
	mesh     *mesh.Mesh
	subDev   mesh.SubDeviceID
	numLinks int

	// ctx is the session context: cancelled at teardown, it bounds every
	// link transfer and semaphore wait issued through this fabric.
	ctx    context.Context
	cancel context.CancelFunc

	links map[linkKey]chan Packet

	mu         sync.Mutex
	semaphores map[string][]*Semaphore
	torn       bool
}

// Option configures Initialize.
type Option func(*fabricOptions)

type fabricOptions struct {
	numLinks int
}

// WithNumLinks sets how many parallel channels each link direction carries.
func WithNumLinks(n int) Option {
	return func(o *fabricOptions) { o.numLinks = n }
}

// Initialize brings up point-to-point links between adjacent devices of the
// mesh, using the cores reserved by fabricSubDev. The id must resolve to the
// fabric sub-device of the currently loaded manager.
func Initialize(m *mesh.Mesh, fabricSubDev mesh.SubDeviceID, options ...Option) (*Fabric, error) {
	opts := fabricOptions{numLinks: DefaultNumLinks}
	for _, option := range options {
		option(&opts)
	}
	if opts.numLinks < 1 {
		return nil, errors.Wrapf(mesh.ErrConfig, "fabric needs at least one link, got %d", opts.numLinks)
	}
	if err := m.CheckSubDevice(fabricSubDev); err != nil {
		return nil, err
	}
	fabricIndex, ok := m.LoadedFabricIndex()
	if !ok || fabricIndex != fabricSubDev.Index() {
		return nil, errors.Wrapf(ErrNoSubDevice, "sub-device %d", fabricSubDev.Index())
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Fabric{
		mesh:       m,
		subDev:     fabricSubDev,
		numLinks:   opts.numLinks,
		ctx:        ctx,
		cancel:     cancel,
		semaphores: make(map[string][]*Semaphore),
	}
	f.links = buildLinks(m.NumDevices(), opts.numLinks)

	if _, loaded := live.LoadOrStore(m, f); loaded {
		cancel()
		return nil, errors.WithStack(ErrAlreadyInitialized)
	}
	m.AddResourceGuard(guardName, func(op string) error {
		return errors.Errorf("cannot %s sub-device manager: fabric is still initialized on this mesh "+
			"(tear it down first, its cores belong to the loaded configuration)", op)
	})
	klog.V(1).Infof("fabric: initialized on %d devices, %d links per direction",
		m.NumDevices(), opts.numLinks)
	return f, nil
}

// Live returns the fabric currently initialized on the mesh, if any.
func Live(m *mesh.Mesh) (*Fabric, bool) {
	v, ok := live.Load(m)
	if !ok {
		return nil, false
	}
	return v.(*Fabric), true
}

// Context returns the session context. It is cancelled at teardown, which is
// what unblocks device commands stuck on a dead peer.
func (f *Fabric) Context() context.Context { return f.ctx }

// NumLinks returns the number of parallel channels per link direction.
func (f *Fabric) NumLinks() int { return f.numLinks }

// Mesh returns the mesh the fabric is initialized on.
func (f *Fabric) Mesh() *mesh.Mesh { return f.mesh }

// SubDevice returns the fabric's reserved sub-device id.
func (f *Fabric) SubDevice() mesh.SubDeviceID { return f.subDev }

// Teardown cancels the session, blocks until all in-flight fabric traffic has
// drained from the device queues, and releases the reserved cores back to the
// mesh. A second call is a no-op.
func (f *Fabric) Teardown() {
	f.mu.Lock()
	if f.torn {
		f.mu.Unlock()
		return
	}
	f.torn = true
	f.mu.Unlock()

	f.cancel()
	for _, d := range f.mesh.Devices() {
		if err := f.mesh.WaitIdle(context.Background(), d.ID()); err != nil {
			// Session commands cancelled by teardown report context errors,
			// anything else is worth surfacing.
			if !errors.Is(err, context.Canceled) {
				klog.Warningf("fabric: device %d drained with error: %v", d.ID(), err)
			}
		}
	}
	f.mesh.RemoveResourceGuard(guardName)
	live.Delete(f.mesh)
	klog.V(1).Infof("fabric: torn down on %d devices", f.mesh.NumDevices())
}

// Teardown tears down the fabric live on the mesh, if any. Calling it with no
// live fabric is a no-op, so back-to-back teardowns are safe.
func Teardown(m *mesh.Mesh) {
	if f, ok := Live(m); ok {
		f.Teardown()
	}
}

// Synchronize blocks the calling control thread until all outstanding work
// targeting the named sub-devices on the device has completed. The caller
// bounds the wait through ctx; on expiry the operation reports ErrHang and the
// session must be torn down and reloaded.
func (f *Fabric) Synchronize(ctx context.Context, dev mesh.DeviceID, subDevices ...mesh.SubDeviceID) error {
	err := f.mesh.WaitIdle(ctx, dev, subDevices...)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(ErrHang, "device %d", dev)
	}
	return err
}
