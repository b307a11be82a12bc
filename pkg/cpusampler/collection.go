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

package cpusampler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/ianlancetaylor/demangle"

	"github.com/iteratorlee/samprof/pkg/attribution"
	"github.com/iteratorlee/samprof/pkg/cct"
	"github.com/iteratorlee/samprof/pkg/frame"
)

// Collection owns every per-tid Sampler the process has registered, behind
// a single sampler_status_lock, and a background loop that routes each
// drained call stack into the attribution engine's sampled-stack path.
type Collection struct {
	logger log.Logger
	engine *attribution.Engine

	periodNs    uint64
	bufferPages int
	maxDepth    int
	resolver    SymbolResolver

	mu       sync.Mutex
	samplers map[cct.ThreadID]*Sampler

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollection builds a Collection that samples at the given period (in
// nanoseconds) and routes captured stacks into engine.
func NewCollection(logger log.Logger, engine *attribution.Engine, periodNs uint64, bufferPages, maxDepth int) *Collection {
	return &Collection{
		logger:      logger,
		engine:      engine,
		periodNs:    periodNs,
		bufferPages: bufferPages,
		maxDepth:    maxDepth,
		resolver:    ResolveModuleOffsetString,
		samplers:    make(map[cct.ThreadID]*Sampler),
		stopCh:      make(chan struct{}),
	}
}

// SetResolver replaces the SymbolResolver used by samplers opened from this
// point on. Call before any RegisterSampler call; samplers already open
// keep whichever resolver they were opened with.
func (c *Collection) SetResolver(resolver SymbolResolver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolver = resolver
}

// RegisterSampler opens a perf_event ring for tid if one does not already
// exist. Safe to call repeatedly; subsequent calls for an already-known tid
// are no-ops.
func (c *Collection) RegisterSampler(tid cct.ThreadID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.samplers[tid]; ok {
		return
	}

	s, err := Open(int(tid), c.periodNs, c.bufferPages, c.resolver, c.maxDepth)
	if err != nil {
		level.Warn(c.logger).Log("msg", "failed to open perf_event sampler", "tid", tid, "err", err)
		return
	}
	c.samplers[tid] = s
}

// Unregister closes and forgets tid's sampler, if any.
func (c *Collection) Unregister(tid cct.ThreadID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.samplers[tid]; ok {
		s.Close() //nolint:errcheck
		delete(c.samplers, tid)
	}
}

// Run starts the background poll-and-attribute loop; it returns when ctx
// is done or Stop is called.
func (c *Collection) Run(ctx context.Context, pollInterval time.Duration) {
	c.wg.Add(1)
	defer c.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.pollOnce()
		}
	}
}

// Stop signals Run to return and waits for it to do so.
func (c *Collection) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collection) pollOnce() {
	c.mu.Lock()
	tids := make([]cct.ThreadID, 0, len(c.samplers))
	samplers := make([]*Sampler, 0, len(c.samplers))
	for tid, s := range c.samplers {
		tids = append(tids, tid)
		samplers = append(samplers, s)
	}
	c.mu.Unlock()

	for i, s := range samplers {
		cs, err := s.CollectOne(0)
		if err != nil || cs == nil || len(cs.Frame) == 0 {
			continue
		}
		// cs.Frame is leaf-first; the merge descends from the root.
		frames := make([]frame.Frame, len(cs.Frame))
		for j, f := range cs.Frame {
			frames[len(frames)-1-j] = f
		}
		if err := c.engine.AttributeSampledStack(tids[i], frames); err != nil {
			level.Debug(c.logger).Log("msg", "failed to attribute sampled stack", "tid", tids[i], "err", err)
		}
	}
}

// ResolveModuleOffsetString is the zero-value SymbolResolver: a bare
// PC-only frame, used until the engine wires in a real resolver
// (ModuleOffsetResolver or SymtabResolver).
func ResolveModuleOffsetString(pc uint64) frame.Frame {
	return frame.Frame{PC: pc, Kind: frame.Native}
}

// DemangleSymbol demangles a C++ mangled symbol, falling back to the raw
// name if it does not parse as one (e.g. it is already a plain C or
// interpreter-emitted name).
func DemangleSymbol(raw string) string {
	if !strings.HasPrefix(raw, "_Z") {
		return raw
	}
	out, err := demangle.ToString(raw)
	if err != nil {
		return raw
	}
	return out
}
