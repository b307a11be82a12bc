// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package courier implements the Remote-Frame Courier: a request/response
// hand-off that lets a worker thread obtain an interpreter-stack unwind
// performed on the thread that actually owns the interpreter state.
//
// The original implementation performs the unwind directly inside a Unix
// signal handler on the receiving thread. The spec calls this out as the
// one place an implementer must redesign for async-signal safety (a real
// unwind allocates, which is unsafe inside a signal handler). This package
// is that redesign: there is no os/signal use here at all. The request is
// a value on a capacity-1 channel (enforcing "only one request in flight"),
// drained by a dedicated goroutine that runtime.LockOSThread pins to one OS
// thread for its lifetime. That thread is whichever one the goroutine
// starts on; it is not the process's main thread.
package courier

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/iteratorlee/samprof/pkg/frame"
	"github.com/iteratorlee/samprof/pkg/unwind"
)

type request struct {
	resultCh chan result
}

type result struct {
	status unwind.Status
	err    error
}

// Courier serializes cross-thread interpreter-unwind requests.
type Courier struct {
	unwinder *unwind.Unwinder

	mu      sync.Mutex // only one request in flight at a time
	reqCh   chan request
	stopCh  chan struct{}
	started bool

	// slot holds the most recently produced frames, cleared immediately
	// after the requesting goroutine reads them. The spec's open question
	// ("does the slot get cleared after each hand-off") is resolved here
	// per the spec's own instruction: always clear.
	slotMu sync.Mutex
	slot   []frame.Frame
}

// New builds a Courier that will unwind using unwinder when its receiver
// goroutine runs.
func New(unwinder *unwind.Unwinder) *Courier {
	return &Courier{
		unwinder: unwinder,
		reqCh:    make(chan request, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the receiver goroutine, pinned to its own OS thread so
// that thread-affine interpreter state (e.g. a GIL-holding thread) is
// observed consistently. Call once; Stop to shut down.
func (c *Courier) Start() {
	if c.started {
		return
	}
	c.started = true
	go c.serve()
}

// Stop terminates the receiver goroutine.
func (c *Courier) Stop() {
	close(c.stopCh)
}

func (c *Courier) serve() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-c.stopCh:
			return
		case req := <-c.reqCh:
			frames, status := c.unwinder.Unwind(false)
			c.slotMu.Lock()
			c.slot = frames
			c.slotMu.Unlock()
			req.resultCh <- result{status: status}
		}
	}
}

// RequestUnwind asks the receiver goroutine to unwind its interpreter
// stack and returns the resulting frames. At most one request is in
// flight process-wide; concurrent callers queue behind the mutex exactly
// as the original serializes signal posts with a mutex acquired before
// raising the signal.
func (c *Courier) RequestUnwind(ctx context.Context) ([]frame.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil, fmt.Errorf("courier: not started")
	}

	req := request{resultCh: make(chan result, 1)}
	select {
	case c.reqCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.resultCh:
		if res.err != nil {
			return nil, res.err
		}
		c.slotMu.Lock()
		out := c.slot
		c.slot = nil // clear after hand-off
		c.slotMu.Unlock()
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
