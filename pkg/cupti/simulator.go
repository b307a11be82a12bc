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

package cupti

import (
	"context"
	"sync"
)

// Simulator is a software stand-in for a real vendor driver: it never
// touches a GPU. LaunchKernel lets a test or the no_rpc demo mode drive
// launch callbacks and enqueue a deterministic burst of PC samples to be
// drained by GetData on the next poll, exercising the same producer paths
// a real driver would.
type Simulator struct {
	mu       sync.Mutex
	handlers []CallbackHandler
	pending  map[CUContext][]PCEntry
	reasons  int
}

// NewSimulator creates an empty simulator with numStallReasons pre-seeded
// stall reasons, matching the real driver's "query once, reuse thereafter"
// contract (original_source/gpu_profiler.cpp's g_collectedStallReasonsCount).
func NewSimulator(numStallReasons int) *Simulator {
	return &Simulator{
		pending: make(map[CUContext][]PCEntry),
		reasons: numStallReasons,
	}
}

func (s *Simulator) Subscribe(handler CallbackHandler) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
	idx := len(s.handlers) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.handlers[idx] = nil
	}, nil
}

func (s *Simulator) NumStallReasons(ctx context.Context, cuCtx CUContext) (int, error) {
	return s.reasons, nil
}

func (s *Simulator) EnablePCSampling(ctx context.Context, cuCtx CUContext, cfg PCSamplingConfig) error {
	return nil
}

func (s *Simulator) DisablePCSampling(ctx context.Context, cuCtx CUContext) error { return nil }
func (s *Simulator) StartPCSampling(ctx context.Context, cuCtx CUContext) error  { return nil }
func (s *Simulator) StopPCSampling(ctx context.Context, cuCtx CUContext) error   { return nil }

// GetData drains whatever PC entries are pending for cuCtx.
func (s *Simulator) GetData(ctx context.Context, cuCtx CUContext) (*PCSamplingData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.pending[cuCtx]
	if len(entries) == 0 {
		return nil, nil
	}
	delete(s.pending, cuCtx)

	return &PCSamplingData{
		TotalNumPCs:   uint64(len(entries)),
		CollectNumPCs: uint64(len(entries)),
		PCs:           entries,
	}, nil
}

// LaunchKernel drives one enter/exit pair of callbacks for a synthetic
// kernel launch, then, if numSamples > 0, enqueues that many PC samples
// for cuCtx to be picked up by the next GetData call, simulating a kernel
// that produced PC-sampling hardware records.
func (s *Simulator) LaunchKernel(cuCtx CUContext, symbolName string, correlationID uint32, numSamples int) {
	s.dispatchLaunch(LaunchCallbackData{
		Context:       cuCtx,
		CorrelationID: correlationID,
		SymbolName:    symbolName,
		Site:          APIEnter,
		Variant:       LaunchCuLaunchKernel,
	})

	if numSamples > 0 {
		s.mu.Lock()
		for i := 0; i < numSamples; i++ {
			s.pending[cuCtx] = append(s.pending[cuCtx], PCEntry{
				PCOffset:     uint64(i),
				FunctionName: symbolName,
				FunctionIdx:  uint32(i),
			})
		}
		s.mu.Unlock()
	}

	s.dispatchLaunch(LaunchCallbackData{
		Context:       cuCtx,
		CorrelationID: correlationID,
		SymbolName:    symbolName,
		Site:          APIExit,
		Variant:       LaunchCuLaunchKernel,
	})
}

// FireResourceEvent drives a context/module lifecycle callback.
func (s *Simulator) FireResourceEvent(cuCtx CUContext, event ResourceEvent) {
	s.mu.Lock()
	handlers := append([]CallbackHandler(nil), s.handlers...)
	s.mu.Unlock()

	for _, h := range handlers {
		if h == nil {
			continue
		}
		h.HandleResource(ResourceCallbackData{Context: cuCtx, Event: event})
	}
}

func (s *Simulator) dispatchLaunch(data LaunchCallbackData) {
	s.mu.Lock()
	handlers := append([]CallbackHandler(nil), s.handlers...)
	s.mu.Unlock()

	for _, h := range handlers {
		if h == nil {
			continue
		}
		h.HandleLaunch(data)
	}
}

var _ Driver = (*Simulator)(nil)
