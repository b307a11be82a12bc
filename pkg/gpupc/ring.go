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

// Package gpupc implements the GPU-PC Consumer: a bounded ring of PC
// sample blocks with a single producer (the launch interceptor) and a
// single consumer (a background drain loop), each tagged with the
// attributing thread's active CCT node before being handed to the report
// writer.
package gpupc

import (
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/iteratorlee/samprof/pkg/cupti"
)

// TaggedBlock is one drained PC-sampling block plus the active-node id it
// was tagged with at pull time.
type TaggedBlock struct {
	Context      cupti.CUContext
	ActiveNodeID uint64
	Data         *cupti.PCSamplingData
}

// Ring is the bounded circular buffer described in §4.E: put/get indices
// modulo N, a full/empty occupancy tracker per slot, and a back-pressure
// flag set when the producer catches up to an unconsumed slot. Slots hold
// already-tagged blocks so the consumer loop can forward whatever Get
// returns straight to the output channel without touching the active-node
// lookup itself.
//
// slotFull is kept as a roaring.Bitmap rather than a []bool: the teacher's
// own go.mod already depends on RoaringBitmap/roaring for compact set
// membership, and a bitmap scales better than a bool slice once
// CircularBufCount grows into the thousands for long sampling sessions.
type Ring struct {
	mu       sync.Mutex
	slots    []*TaggedBlock
	slotFull *roaring.Bitmap
	put, get int
	n        int

	UsedFasterThanStored bool
}

// NewRing creates a ring of n slots. n must be > 0.
func NewRing(n int) *Ring {
	return &Ring{
		slots:    make([]*TaggedBlock, n),
		slotFull: roaring.New(),
		n:        n,
	}
}

// TryPut attempts to place block into the next producer slot. It returns
// false without blocking if that slot is still full (unconsumed); the
// caller is expected to record back-pressure and retry, mirroring the
// original's producer spin with g_buffersGetUtilisedFasterThanStore.
func (r *Ring) TryPut(block *TaggedBlock) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.slotFull.Contains(uint32(r.put)) {
		r.UsedFasterThanStored = true
		return false
	}

	r.slots[r.put] = block
	r.slotFull.Add(uint32(r.put))
	r.put = (r.put + 1) % r.n
	return true
}

// Get pops the next consumer slot in FIFO order, or returns nil if the
// ring is currently empty.
func (r *Ring) Get() *TaggedBlock {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.slotFull.Contains(uint32(r.get)) {
		return nil
	}

	block := r.slots[r.get]
	r.slots[r.get] = nil
	r.slotFull.Remove(uint32(r.get))
	r.get = (r.get + 1) % r.n
	return block
}

// Len reports how many slots are currently occupied.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.slotFull.GetCardinality())
}
