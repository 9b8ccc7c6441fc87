// Copyright 2025 The MeshCCL Authors. SPDX-License-Identifier: Apache-2.0

package fabric

import (
	"github.com/pkg/errors"

	"github.com/meshccl/meshccl/mesh"
)

// Packet is one payload segment traveling over one physical channel of a
// link: a chunk index along the collective's dimension plus the segment of
// that chunk assigned to the channel.
type Packet struct {
	Chunk, Seg int
	Data       []float32
}

// linkKey identifies one directed channel between two adjacent devices.
type linkKey struct {
	from, to mesh.DeviceID
	link     int
}

// linkDepth is the channel buffer sizing factor: deep enough that a device
// can run a whole collective step ahead of its neighbor without blocking the
// sender's command stream.
const linkDepth = 4

func buildLinks(numDevices, numLinks int) map[linkKey]chan Packet {
	links := make(map[linkKey]chan Packet)
	if numDevices < 2 {
		return links
	}
	depth := linkDepth * numDevices * numLinks
	connect := func(a, b mesh.DeviceID) {
		for l := 0; l < numLinks; l++ {
			links[linkKey{from: a, to: b, link: l}] = make(chan Packet, depth)
			links[linkKey{from: b, to: a, link: l}] = make(chan Packet, depth)
		}
	}
	for i := 0; i < numDevices-1; i++ {
		connect(mesh.DeviceID(i), mesh.DeviceID(i+1))
	}
	// Wraparound link closing the ring. Linear topologies simply never use it.
	if numDevices > 2 {
		connect(mesh.DeviceID(numDevices-1), 0)
	}
	return links
}

func (f *Fabric) channel(from, to mesh.DeviceID, link int) (chan Packet, error) {
	ch, ok := f.links[linkKey{from: from, to: to, link: link}]
	if !ok {
		return nil, errors.Errorf("fabric: no link %d between devices %d and %d (not adjacent in the mesh)",
			link, from, to)
	}
	return ch, nil
}

// Send transfers a packet from one device to an adjacent one over the given
// channel. It blocks only if the receiver has fallen a whole collective
// behind, and aborts if the session is torn down.
func (f *Fabric) Send(from, to mesh.DeviceID, link int, pkt Packet) error {
	ch, err := f.channel(from, to, link)
	if err != nil {
		return err
	}
	select {
	case ch <- pkt:
		return nil
	case <-f.ctx.Done():
		return errors.Wrapf(f.ctx.Err(), "fabric: send %d->%d aborted", from, to)
	}
}

// Recv receives the next packet traveling from an adjacent device over the
// given channel, aborting if the session is torn down.
func (f *Fabric) Recv(from, to mesh.DeviceID, link int) (Packet, error) {
	ch, err := f.channel(from, to, link)
	if err != nil {
		return Packet{}, err
	}
	select {
	case pkt := <-ch:
		return pkt, nil
	case <-f.ctx.Done():
		return Packet{}, errors.Wrapf(f.ctx.Err(), "fabric: recv %d->%d aborted", from, to)
	}
}
