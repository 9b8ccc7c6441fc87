// Copyright 2025 The MeshCCL Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements the synchronization primitives the fabric and the
// device command queues are built on.
package xsync

import (
	"context"
	"sync"
)

// Latch implements a "latch" synchronization mechanism.
//
// A Latch is a signal that can be waited for until it is triggered.
// Once triggered it never changes state, it's forever triggered.
type Latch struct {
	muTrigger sync.Mutex
	wait      chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{wait: make(chan struct{})}
}

// Trigger latch.
func (l *Latch) Trigger() {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()
	if l.Test() {
		return
	}
	close(l.wait)
}

// Wait waits for the latch to be triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// Test checks whether the latch has been triggered.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// WaitChan returns the channel one can use in a `select` to check when the
// latch triggers. The channel is closed when the latch is triggered.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.wait
}

// Counter is a signaling counter that goroutines can wait on with a
// cancellable context: the hardware semaphore and the outstanding-work
// tracking of a command queue are both built on it.
//
// Waiters are woken through a broadcast channel that is replaced on every
// change, so waits compose with context cancellation in a plain `select`.
type Counter struct {
	mu      sync.Mutex
	value   int64
	changed chan struct{}
}

// NewCounter returns a Counter starting at zero.
func NewCounter() *Counter {
	return &Counter{changed: make(chan struct{})}
}

// Add adds delta (may be negative) and wakes all waiters. It returns the new
// value.
func (c *Counter) Add(delta int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value += delta
	close(c.changed)
	c.changed = make(chan struct{})
	return c.value
}

// Value returns the current value.
func (c *Counter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// WaitAtLeast blocks until the counter reaches at least target, or the context
// is done, in which case it returns the context's error.
func (c *Counter) WaitAtLeast(ctx context.Context, target int64) error {
	return c.waitFor(ctx, func(v int64) bool { return v >= target })
}

// WaitZero blocks until the counter is zero, or the context is done, in which
// case it returns the context's error.
func (c *Counter) WaitZero(ctx context.Context) error {
	return c.waitFor(ctx, func(v int64) bool { return v == 0 })
}

func (c *Counter) waitFor(ctx context.Context, done func(v int64) bool) error {
	for {
		c.mu.Lock()
		if done(c.value) {
			c.mu.Unlock()
			return nil
		}
		wait := c.changed
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
