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

// Package launch implements the Kernel-Launch Interceptor: the driver
// callback wiring that triggers attribution (or tracing-mode timers) on
// every kernel launch and drives the GPU-PC Consumer's pull points.
package launch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/iteratorlee/samprof/pkg/attribution"
	"github.com/iteratorlee/samprof/pkg/cct"
	"github.com/iteratorlee/samprof/pkg/cpusampler"
	"github.com/iteratorlee/samprof/pkg/cupti"
	"github.com/iteratorlee/samprof/pkg/gpupc"
)

// TracingRecord accumulates elapsed kernel-execution time for one
// (active-node, kernel-name) pair, used when NoSampling (tracing mode) is
// selected instead of PC sampling.
type TracingRecord struct {
	ParentNodeID uint64
	FuncName     string
	Duration     time.Duration
}

// Interceptor subscribes to a cupti.Driver's callback domains and drives
// §4.C/§4.E/§4.F's enter/exit behavior.
type Interceptor struct {
	Engine     *attribution.Engine
	Registry   *gpupc.Registry
	Samplers   *cpusampler.Collection

	NoSampling bool
	Verbose    bool

	knownMu     sync.Mutex
	knownKernel map[cct.ThreadID]bool

	tracingMu      sync.Mutex
	tracingRecords map[string]*TracingRecord
	corIDToKey     map[uint32]string
	timerStarts    map[string]time.Time

	currentTidFunc func() cct.ThreadID

	unsubscribe func()
}

// New builds an Interceptor. currentTidFunc returns the calling OS
// thread's id (tests may supply a fixed id; production wiring uses
// unix.Gettid).
func New(engine *attribution.Engine, registry *gpupc.Registry, samplers *cpusampler.Collection, currentTidFunc func() cct.ThreadID) *Interceptor {
	return &Interceptor{
		Engine:         engine,
		Registry:       registry,
		Samplers:       samplers,
		knownKernel:    make(map[cct.ThreadID]bool),
		tracingRecords: make(map[string]*TracingRecord),
		corIDToKey:     make(map[uint32]string),
		timerStarts:    make(map[string]time.Time),
		currentTidFunc: currentTidFunc,
	}
}

// Attach subscribes the interceptor to driver's callbacks.
func (i *Interceptor) Attach(driver cupti.Driver) error {
	unsub, err := driver.Subscribe(i)
	if err != nil {
		return err
	}
	i.unsubscribe = unsub
	return nil
}

// Detach unsubscribes from the driver.
func (i *Interceptor) Detach() {
	if i.unsubscribe != nil {
		i.unsubscribe()
	}
}

// HandleLaunch implements cupti.CallbackHandler.
func (i *Interceptor) HandleLaunch(data cupti.LaunchCallbackData) {
	tid := i.currentTidFunc()

	if data.Site == cupti.APIEnter {
		i.onEnter(tid, data)
		return
	}
	i.onExit(tid, data)
}

func (i *Interceptor) onEnter(tid cct.ThreadID, data cupti.LaunchCallbackData) {
	i.knownMu.Lock()
	firstSeen := !i.knownKernel[tid]
	i.knownKernel[tid] = true
	i.knownMu.Unlock()

	if firstSeen && i.Samplers != nil {
		i.Samplers.RegisterSampler(tid)
	}

	if i.NoSampling {
		key := fmt.Sprintf("%d::%s", i.Engine.ActiveNode(tid), data.SymbolName)
		i.tracingMu.Lock()
		if _, ok := i.tracingRecords[key]; !ok {
			i.tracingRecords[key] = &TracingRecord{
				ParentNodeID: i.Engine.ActiveNode(tid),
				FuncName:     data.SymbolName,
			}
		}
		i.corIDToKey[data.CorrelationID] = key
		i.timerStarts[key] = time.Now()
		i.tracingMu.Unlock()
		return
	}

	_ = i.Engine.AttributeCurrentThread(context.Background(), tid, i.Verbose)
}

func (i *Interceptor) onExit(tid cct.ThreadID, data cupti.LaunchCallbackData) {
	if i.NoSampling {
		i.tracingMu.Lock()
		key, ok := i.corIDToKey[data.CorrelationID]
		if ok {
			delete(i.corIDToKey, data.CorrelationID)
			start := i.timerStarts[key]
			delete(i.timerStarts, key)
			if rec, ok := i.tracingRecords[key]; ok {
				rec.Duration += time.Since(start)
			}
		}
		i.tracingMu.Unlock()
		return
	}

	if i.Registry != nil {
		_ = i.Registry.PullOne(context.Background(), data.Context, func() uint64 {
			return i.Engine.ActiveNode(tid)
		})
	}
}

// HandleResource implements cupti.CallbackHandler.
func (i *Interceptor) HandleResource(data cupti.ResourceCallbackData) {
	switch data.Event {
	case cupti.ResourceContextCreated:
		if i.Registry != nil {
			_ = i.Registry.OnContextCreated(context.Background(), data.Context, cupti.PCSamplingConfig{})
		}
	case cupti.ResourceContextDestroyStarting:
		if i.Registry != nil {
			_ = i.Registry.OnContextDestroy(context.Background(), data.Context, func() uint64 { return 0 })
		}
	case cupti.ResourceModuleLoaded:
		if i.Registry != nil {
			i.Registry.OnModuleLoaded(context.Background(), data.Context, func() uint64 { return 0 })
		}
	}
}

// TracingRecords returns a snapshot of the accumulated tracing-mode
// records, keyed by "<active_node_id>::<kernel_name>".
func (i *Interceptor) TracingRecords() map[string]TracingRecord {
	i.tracingMu.Lock()
	defer i.tracingMu.Unlock()
	out := make(map[string]TracingRecord, len(i.tracingRecords))
	for k, v := range i.tracingRecords {
		out[k] = *v
	}
	return out
}

var _ cupti.CallbackHandler = (*Interceptor)(nil)
