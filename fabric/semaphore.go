// Copyright 2025 The MeshCCL Authors. SPDX-License-Identifier: Apache-2.0

package fabric

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/meshccl/meshccl/types/xsync"
)

// Semaphore is a per-fabric synchronization counter devices use to signal
// chunk arrival to the next hop. The producer side increments, the consumer
// side waits for the count to cover what it is about to read.
//
// Ownership transfer is encoded in the wait-then-increment protocol itself:
// one device stream consumes from a given semaphore, so no host-side locking
// of the consumed watermark is needed.
type Semaphore struct {
	counter *xsync.Counter

	// consumed is the waiter's watermark. Only the consuming device's command
	// stream touches it, commands on one queue run in order.
	consumed int64
}

func newSemaphore() *Semaphore {
	return &Semaphore{counter: xsync.NewCounter()}
}

// Increment signals one more unit (packet batch) is available.
func (s *Semaphore) Increment() {
	s.counter.Add(1)
}

// WaitConsume blocks until n more units than previously consumed are
// available, then advances the watermark. The counter is never reset, which is
// what lets the same handle be reused across trace iterations.
func (s *Semaphore) WaitConsume(ctx context.Context, n int) error {
	target := s.consumed + int64(n)
	if err := s.counter.WaitAtLeast(ctx, target); err != nil {
		return err
	}
	s.consumed = target
	return nil
}

// Value returns the current signal count.
func (s *Semaphore) Value() int64 {
	return s.counter.Value()
}

// Semaphores returns count semaphore handles under the given tag. The first
// call for a tag allocates fresh handles; later calls within the same fabric
// session return the same handles, avoiding allocator churn on repeated
// issues (the create-once/reuse contract of the dispatcher).
func (f *Fabric) Semaphores(tag string, count int) []*Semaphore {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sems, ok := f.semaphores[tag]; ok && len(sems) >= count {
		klog.V(2).Infof("fabric: reusing %d semaphore handles for %q", count, tag)
		return sems[:count]
	}
	sems := make([]*Semaphore, count)
	for i := range sems {
		sems[i] = newSemaphore()
	}
	f.semaphores[tag] = sems
	klog.V(2).Infof("fabric: created %d semaphore handles for %q", count, tag)
	return sems
}
