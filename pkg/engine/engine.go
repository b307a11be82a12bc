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

// Package engine wires components A through G behind a single process-wide
// Handle, constructed once and torn down from the CLI entrypoint's actor
// group.
package engine

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/iteratorlee/samprof/pkg/attribution"
	"github.com/iteratorlee/samprof/pkg/cct"
	"github.com/iteratorlee/samprof/pkg/config"
	"github.com/iteratorlee/samprof/pkg/courier"
	"github.com/iteratorlee/samprof/pkg/cpusampler"
	"github.com/iteratorlee/samprof/pkg/cupti"
	"github.com/iteratorlee/samprof/pkg/gpupc"
	"github.com/iteratorlee/samprof/pkg/interp"
	"github.com/iteratorlee/samprof/pkg/launch"
	"github.com/iteratorlee/samprof/pkg/report"
	"github.com/iteratorlee/samprof/pkg/unwind"
)

// Handle is the constructed, running set of components A–G plus their
// shared stores, behind one process-wide instance built by New.
type Handle struct {
	Conf config.Conf

	Store       *cct.Store
	Unwinder    *unwind.Unwinder
	Courier     *courier.Courier
	Attribution *attribution.Engine
	Registry    *gpupc.Registry
	Samplers    *cpusampler.Collection
	Interceptor *launch.Interceptor

	symtabResolver *cpusampler.SymtabResolver
	metrics        *metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	once   sync.Once
	handle *Handle
)

// Get returns the process-wide Handle, constructing it on first call.
// Subsequent calls return the same instance regardless of the arguments
// passed; production code should call this exactly once, from
// cmd/samprofd, and pass the handle down explicitly from there.
func Get(logger log.Logger, reg prometheus.Registerer, cfg config.Conf, driver cupti.Driver, walker interp.FrameWalker, currentTid func() cct.ThreadID) *Handle {
	once.Do(func() {
		handle = build(logger, reg, cfg, driver, walker, currentTid)
	})
	return handle
}

func build(logger log.Logger, reg prometheus.Registerer, cfg config.Conf, driver cupti.Driver, walker interp.FrameWalker, currentTid func() cct.ThreadID) *Handle {
	store := cct.NewStore()

	unw := unwind.New(walker)
	unw.MaxDepth = cfg.CPUSamplingMaxDepth

	var crr *courier.Courier
	if cfg.DoInterpUnwind {
		crr = courier.New(unw)
		crr.Start()
	}

	eng := attribution.New(store, unw, crr)
	eng.FakeUnwind = cfg.FakeUnwind
	eng.DoUnwind = cfg.DoCPUUnwind
	eng.CheckSP = cfg.CheckSP

	h := &Handle{
		Conf:        cfg,
		Store:       store,
		Unwinder:    unw,
		Courier:     crr,
		Attribution: eng,
	}

	h.metrics = newMetrics(reg, h.cctNodeCount)

	if driver != nil {
		ringSize := int(cfg.CircularBufCount)
		if ringSize <= 0 {
			ringSize = 10
		}
		h.Registry = gpupc.NewRegistry(driver, ringSize, ringSize*4)

		var samplers *cpusampler.Collection
		if !cfg.FakeUnwind && cfg.CPUSamplingPeriod > 0 {
			samplers = cpusampler.NewCollection(logger, eng, cfg.CPUSamplingPeriod, int(cfg.CPUSamplingPages), cfg.CPUSamplingMaxDepth)
			samplers.SetResolver(cpusampler.NewModuleOffsetResolver(os.Getpid()).Resolve)
			if cfg.CPUSamplingSymtab != "" {
				if resolver, err := cpusampler.OpenSymtabResolver(reg, cfg.CPUSamplingSymtab); err != nil {
					level.Warn(logger).Log("msg", "failed to open CPU sampling symbol table, falling back to PC-only frames", "path", cfg.CPUSamplingSymtab, "err", err)
				} else {
					samplers.SetResolver(resolver.Resolve)
					h.symtabResolver = resolver
				}
			}
			h.Samplers = samplers
		}

		h.Interceptor = launch.New(eng, h.Registry, samplers, currentTid)
		h.Interceptor.NoSampling = cfg.NoSampling
		h.Interceptor.Verbose = cfg.Verbose
		if err := h.Interceptor.Attach(driver); err != nil {
			level.Error(logger).Log("msg", "failed to attach kernel-launch interceptor", "err", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	if h.Samplers != nil {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.Samplers.Run(ctx, 4*time.Millisecond)
		}()
	}
	if h.Registry != nil {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.Registry.Run(ctx, 4*time.Millisecond)
		}()
	}

	return h
}

func (h *Handle) cctNodeCount() float64 {
	var total int
	for _, t := range h.Store.Trees() {
		total += len(t.Nodes())
	}
	return float64(total)
}

// Report produces a snapshot report covering the most recent session,
// applying the configured pruning.
func (h *Handle) Report(ctx context.Context) report.Report {
	var blocks []report.PCBlock
	if h.Registry != nil {
		h.Registry.DrainOnStop(ctx, func() uint64 { return 0 })
	drain:
		for {
			select {
			case b := <-h.Registry.Out():
				blocks = append(blocks, report.FromTaggedBlock(b))
			default:
				break drain
			}
		}
	}

	trees := make([]*cct.Tree, 0)
	ops := cct.DefaultOperatorRegexes()
	switch h.Conf.Backend {
	case config.BackendTorch:
		ops.TensorFlow = nil
	case config.BackendTensorFlow:
		ops.Torch = nil
	}
	for _, t := range h.Store.Trees() {
		if h.Conf.PruneCCT {
			pruned := cct.Prune(h.Store, t, ops, h.Conf.EntryFile)
			pruned.ThreadID = t.ThreadID
			t = pruned
		}
		trees = append(trees, t)
	}

	return report.Report{Blocks: blocks, Trees: trees}
}

// Close tears down every background loop. Safe to call once.
func (h *Handle) Close() error {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	if h.Interceptor != nil {
		h.Interceptor.Detach()
	}
	if h.Courier != nil {
		h.Courier.Stop()
	}
	if h.Samplers != nil {
		h.Samplers.Stop()
	}
	if h.symtabResolver != nil {
		h.symtabResolver.Close() //nolint:errcheck
	}
	return nil
}
