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

package gpupc

import (
	"context"
	"sync"
	"time"

	"github.com/iteratorlee/samprof/pkg/cupti"
)

// ContextState tracks one GPU context's ring and pending-free bookkeeping.
// The deferred-free list mirrors original_source/gpu_profiler.cpp's
// g_contextInfoToFreeInEndVector: a destroyed context may still have
// in-flight PC blocks, so its state moves to a deferred list instead of
// being dropped immediately.
type ContextState struct {
	Context      cupti.CUContext
	ContextUID   uint32
	Mode         cupti.CollectionMode
	StallReasons []string
}

// Registry owns the per-context ring set and the consumer loop that drains
// them into an output channel tagged with the attributing thread's active
// node.
type Registry struct {
	driver cupti.Driver

	mu          sync.Mutex
	contexts    map[cupti.CUContext]*ContextState
	ring        map[cupti.CUContext]*Ring
	deferredFree []*ContextState

	ringSize int

	out chan TaggedBlock
}

// ActiveNodeFunc returns the active CCT node id for tid, used to tag a
// pulled block at pull time.
type ActiveNodeFunc func() uint64

// NewRegistry creates a registry that drains into a channel of the given
// buffer size.
func NewRegistry(driver cupti.Driver, ringSize, outBuf int) *Registry {
	return &Registry{
		driver:   driver,
		contexts: make(map[cupti.CUContext]*ContextState),
		ring:     make(map[cupti.CUContext]*Ring),
		ringSize: ringSize,
		out:      make(chan TaggedBlock, outBuf),
	}
}

// Out returns the channel the consumer loop publishes drained, tagged
// blocks to.
func (r *Registry) Out() <-chan TaggedBlock { return r.out }

// OnContextCreated queries cuCtx's stall-reason count, enables PC sampling
// for it, and allocates its ring of the registry's fixed ringSize. The
// stall-reason count only has to be queried without error; its value is
// not used to size anything.
func (r *Registry) OnContextCreated(ctx context.Context, cuCtx cupti.CUContext, cfg cupti.PCSamplingConfig) error {
	if _, err := r.driver.NumStallReasons(ctx, cuCtx); err != nil {
		return err
	}
	if err := r.driver.EnablePCSampling(ctx, cuCtx, cfg); err != nil {
		return err
	}

	r.mu.Lock()
	r.contexts[cuCtx] = &ContextState{
		Context:      cuCtx,
		Mode:         cfg.CollectionMode,
		StallReasons: cfg.StallReasons,
	}
	r.ring[cuCtx] = NewRing(r.ringSize)
	r.mu.Unlock()

	return r.driver.StartPCSampling(ctx, cuCtx)
}

// OnContextDestroy drains all pending samples for cuCtx, disables
// sampling, and moves its state to the deferred-free list.
func (r *Registry) OnContextDestroy(ctx context.Context, cuCtx cupti.CUContext, activeNode ActiveNodeFunc) error {
	r.drainAll(ctx, cuCtx, activeNode)
	if err := r.driver.DisablePCSampling(ctx, cuCtx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.contexts[cuCtx]; ok {
		r.deferredFree = append(r.deferredFree, st)
		delete(r.contexts, cuCtx)
	}
	delete(r.ring, cuCtx)
	return nil
}

// OnModuleLoaded drains any pending samples tied to the now-stale module
// mapping for cuCtx.
func (r *Registry) OnModuleLoaded(ctx context.Context, cuCtx cupti.CUContext, activeNode ActiveNodeFunc) {
	r.drainAll(ctx, cuCtx, activeNode)
}

// PullOne pulls a single available block for cuCtx from the driver and
// queues it onto the ring, tagging it with activeNode() as it is queued.
// Back-pressure (ring full) sets UsedFasterThanStored on that context's
// ring; the block is still queued once a slot frees.
func (r *Registry) PullOne(ctx context.Context, cuCtx cupti.CUContext, activeNode ActiveNodeFunc) error {
	data, err := r.driver.GetData(ctx, cuCtx)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}

	r.mu.Lock()
	ring := r.ring[cuCtx]
	r.mu.Unlock()
	if ring == nil {
		return nil
	}

	block := &TaggedBlock{Context: cuCtx, ActiveNodeID: activeNode(), Data: data}
	for !ring.TryPut(block) {
		time.Sleep(time.Microsecond)
	}
	return nil
}

// Run is the ring's consumer side, the background drain loop §4.E
// requires opposite the launch interceptor's producer side: while ctx is
// live, it pops every ready block from every known context's ring and
// forwards it to Out, so PullOne's enqueue never spins against a ring
// nothing else drains.
func (r *Registry) Run(ctx context.Context, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.drainRings()
		}
	}
}

func (r *Registry) drainRings() {
	r.mu.Lock()
	rings := make([]*Ring, 0, len(r.ring))
	for _, ring := range r.ring {
		rings = append(rings, ring)
	}
	r.mu.Unlock()

	for _, ring := range rings {
		for {
			block := ring.Get()
			if block == nil {
				break
			}
			r.out <- *block
		}
	}
}

// drainAll pulls blocks for cuCtx until the driver reports nothing left,
// per the "drain to completion" contract on context-destroy/module-load.
func (r *Registry) drainAll(ctx context.Context, cuCtx cupti.CUContext, activeNode ActiveNodeFunc) {
	for {
		data, err := r.driver.GetData(ctx, cuCtx)
		if err != nil || data == nil || data.TotalNumPCs == 0 {
			return
		}
		r.out <- TaggedBlock{Context: cuCtx, ActiveNodeID: activeNode(), Data: data}
	}
}

// DrainOnStop performs the double-drain the spec requires on explicit
// stop: once to clear the hardware, once to catch records the driver
// flushes at stop.
func (r *Registry) DrainOnStop(ctx context.Context, activeNode ActiveNodeFunc) {
	r.mu.Lock()
	ctxs := make([]cupti.CUContext, 0, len(r.contexts))
	for c := range r.contexts {
		ctxs = append(ctxs, c)
	}
	r.mu.Unlock()

	for _, c := range ctxs {
		r.drainAll(ctx, c, activeNode)
		r.drainAll(ctx, c, activeNode)
	}
}
