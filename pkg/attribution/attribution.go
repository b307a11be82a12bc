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

// Package attribution implements the Calling-Context Attribution Engine:
// unwind-or-SP-cache-hit, merge into the thread's CCT, and publish the
// resulting active node for the PC consumer to read.
package attribution

import (
	"context"
	"fmt"

	"github.com/iteratorlee/samprof/pkg/cct"
	"github.com/iteratorlee/samprof/pkg/courier"
	"github.com/iteratorlee/samprof/pkg/frame"
	"github.com/iteratorlee/samprof/pkg/unwind"

	"sync"
)

// StackPointer is the architecture-specific stack-pointer reading used as
// the SP-cache key. Obtaining the real register value requires
// architecture-specific assembly the example corpus does not provide a Go
// binding for; callers that want the real optimization supply their own
// by setting Engine.StackPointerFunc, and tests exercise the cache with
// synthetic values. With StackPointerFunc left nil, the SP cache is never
// consulted.
type StackPointer uintptr

// Engine is the process-wide attribution state: the CCT store, the active
// node per thread, and the SP cache, each behind the lock discipline of
// §5 (active_node_lock covers both activeByThread and spCache, matching
// the original's single reentrant lock guarding both maps).
type Engine struct {
	Store    *cct.Store
	Unwinder *unwind.Unwinder
	Courier  *courier.Courier

	FakeUnwind bool
	DoUnwind   bool
	CheckSP    bool

	StackPointerFunc func() StackPointer

	activeMu         sync.Mutex
	activeByThread   map[cct.ThreadID]uint64
	spCache          map[StackPointer]uint64
}

// New builds an Engine backed by store, using unwinder for native+fused
// unwinds and crr for the remote-interpreter-frame fallback. crr may be
// nil if interpreter fusion is disabled.
func New(store *cct.Store, unwinder *unwind.Unwinder, crr *courier.Courier) *Engine {
	return &Engine{
		Store:          store,
		Unwinder:       unwinder,
		Courier:        crr,
		DoUnwind:       true,
		CheckSP:        true,
		activeByThread: make(map[cct.ThreadID]uint64),
		spCache:        make(map[StackPointer]uint64),
	}
}

// ActiveNode returns the id most recently attributed on tid, or 0 if none.
// This is the value the GPU-PC Consumer tags samples with; it must be read
// under the same lock that attribution writes under to preserve the
// sequential-consistency guarantee of §5.
func (e *Engine) ActiveNode(tid cct.ThreadID) uint64 {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	return e.activeByThread[tid]
}

func (e *Engine) setActive(tid cct.ThreadID, nodeID uint64, sp StackPointer, cacheable bool) {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	e.activeByThread[tid] = nodeID
	if cacheable {
		e.spCache[sp] = nodeID
	}
}

func (e *Engine) spCacheLookup(sp StackPointer) (uint64, bool) {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	id, ok := e.spCache[sp]
	return id, ok
}

// AttributeCurrentThread implements the eight-step algorithm of §4.C for
// the calling goroutine's OS thread tid.
func (e *Engine) AttributeCurrentThread(ctx context.Context, tid cct.ThreadID, verbose bool) error {
	tree := e.Store.GetOrCreateTree(tid)

	if e.FakeUnwind {
		e.setActive(tid, tree.Root.ID, 0, false)
		return nil
	}

	var sp StackPointer
	if e.StackPointerFunc != nil {
		sp = e.StackPointerFunc()
	}

	if e.CheckSP && e.StackPointerFunc != nil {
		if id, ok := e.spCacheLookup(sp); ok {
			e.setActive(tid, id, 0, false)
			return nil
		}
	}

	if !e.DoUnwind {
		e.setActive(tid, tree.Root.ID, sp, false)
		return nil
	}

	frames, status := e.Unwinder.Unwind(verbose)
	if status == unwind.NoInterp && e.Courier != nil {
		remote, err := e.Courier.RequestUnwind(ctx)
		if err == nil && len(remote) > 0 {
			frames = append(remote, frames...)
		}
	}

	return e.mergeStack(tid, tree, frames, sp)
}

// AttributeSampledStack implements the CPU Perf Sampler's variant of §4.C:
// the stack has already been walked (by the perf-event ring reader), so
// there is no live unwind and no interpreter fusion — just the merge.
func (e *Engine) AttributeSampledStack(tid cct.ThreadID, frames []frame.Frame) error {
	tree := e.Store.GetOrCreateTree(tid)
	return e.mergeStack(tid, tree, frames, 0)
}

func (e *Engine) mergeStack(tid cct.ThreadID, tree *cct.Tree, frames []frame.Frame, sp StackPointer) error {
	current := tree.Root
	i := 0

	for ; i < len(frames); i++ {
		f := frames[i]
		child := cct.LookupChildByPC(current, f.PC)
		if child == nil {
			break
		}

		// C2P upgrade: a NATIVE node created at an interpreter eval-frame
		// pc is rewritten to INTERPRETED on first observation of an
		// interpreted frame at that pc. Idempotent: a node already
		// INTERPRETED is left untouched by a later INTERPRETED match.
		if child.Kind == frame.Native && f.Kind == frame.Interpreted {
			child.Kind = frame.Interpreted
			child.FuncName = f.FuncName
		}

		current = child
	}

	if i == len(frames) {
		e.setActive(tid, current.ID, sp, e.CheckSP)
		return nil
	}

	for ; i < len(frames); i++ {
		f := frames[i]
		node := e.Store.NewNode(f)
		res := cct.InsertChild(tree, current, node, false)
		if res == cct.DupPC {
			// Lost the race with a concurrent attribution on the same
			// parent/pc; re-read and continue from the winner so the
			// merge remains correct under concurrent kernel launches.
			existing := cct.LookupChildByPC(current, f.PC)
			if existing == nil {
				return fmt.Errorf("attribution: dup_pc with no existing child for pc %#x", f.PC)
			}
			if existing.Kind == frame.Native && f.Kind == frame.Interpreted {
				existing.Kind = frame.Interpreted
				existing.FuncName = f.FuncName
			}
			current = existing
			continue
		}
		current = node
	}

	e.setActive(tid, current.ID, sp, e.CheckSP)
	return nil
}
