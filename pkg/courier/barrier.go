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

package courier

import (
	"context"
	"sync"
)

// SyncBarrier is the sync_before_start collaborator: Wait blocks until
// every registered kernel-launching thread has checked in. Nothing in this
// module calls it to hold back PC sampling, and Conf.SyncBeforeStart
// is read but not acted on.
// The original uses a second signal pair (startPCThreadSyncHanlder /
// stopPCThreadSyncHandler) plus a per-thread synced map; this is its
// channel-based equivalent.
type SyncBarrier struct {
	mu     sync.Mutex
	known  map[int64]bool
	waitCh chan struct{}
}

// NewSyncBarrier creates an empty barrier.
func NewSyncBarrier() *SyncBarrier {
	return &SyncBarrier{
		known:  make(map[int64]bool),
		waitCh: make(chan struct{}),
	}
}

// Register tracks tid as a thread that must check in before the barrier
// opens.
func (b *SyncBarrier) Register(tid int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.known[tid]; !ok {
		b.known[tid] = false
	}
}

// CheckIn marks tid as synced, opening the barrier once every registered
// thread has checked in.
func (b *SyncBarrier) CheckIn(tid int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.known[tid] = true
	if b.allSynced() {
		select {
		case <-b.waitCh:
			// already closed
		default:
			close(b.waitCh)
		}
	}
}

func (b *SyncBarrier) allSynced() bool {
	for _, synced := range b.known {
		if !synced {
			return false
		}
	}
	return true
}

// Wait blocks until every registered thread has checked in, ctx is
// cancelled, or returns immediately if no threads are registered.
func (b *SyncBarrier) Wait(ctx context.Context) error {
	b.mu.Lock()
	empty := len(b.known) == 0
	b.mu.Unlock()
	if empty {
		return nil
	}
	select {
	case <-b.waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
