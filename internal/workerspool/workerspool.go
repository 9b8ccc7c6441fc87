// Copyright 2025 The MeshCCL Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool bounds the host-side parallelism of the dispatcher's
// issue step: per-link payload staging runs through a shared pool so a sweep
// over many shapes doesn't fork an unbounded number of goroutines.
package workerspool

import (
	"runtime"
	"sync"
)

type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	// The actual number of goroutines can be higher, because of waits.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning decreases.
	numRunning     int
}

// New returns a new Pool of workers with the default parallelism
// (runtime.NumCPU()).
func New() *Pool {
	p := &Pool{}
	p.maxParallelism = runtime.NumCPU()
	p.cond = sync.Cond{L: &p.mu}
	return p
}

const goroutineToParallelismRatio = 2

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with p.mu held.
func (p *Pool) lockedIsFull() bool {
	if p.maxParallelism == 0 {
		return true
	} else if p.maxParallelism < 0 {
		return false
	}
	return p.numRunning >= goroutineToParallelismRatio*p.maxParallelism
}

// WaitToStart waits until there is a worker available and then runs task in
// its own goroutine.
//
// If parallelism is disabled (maxParallelism is 0) it runs the task inline and
// returns when it finishes.
func (p *Pool) WaitToStart(task func()) {
	if p.maxParallelism < 0 {
		go task()
		return
	} else if p.maxParallelism == 0 {
		task()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.lockedIsFull() {
		p.cond.Wait()
	}
	p.numRunning++
	go func() {
		task()
		p.mu.Lock()
		p.numRunning--
		p.cond.Signal()
		p.mu.Unlock()
	}()
}
