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

package gpupc_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iteratorlee/samprof/pkg/cupti"
	"github.com/iteratorlee/samprof/pkg/gpupc"
)

func TestPullOneTagsBlockWithActiveNode(t *testing.T) {
	sim := cupti.NewSimulator(4)
	reg := gpupc.NewRegistry(sim, 4, 4)

	ctx := context.Background()
	cuCtx := cupti.CUContext(1)
	require.NoError(t, reg.OnContextCreated(ctx, cuCtx, cupti.PCSamplingConfig{}))

	sim.LaunchKernel(cuCtx, "kernelA", 1, 3)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go reg.Run(runCtx, time.Millisecond)

	var activeID uint64 = 77
	require.NoError(t, reg.PullOne(ctx, cuCtx, func() uint64 { return activeID }))

	select {
	case tagged := <-reg.Out():
		require.Equal(t, uint64(77), tagged.ActiveNodeID)
		require.Equal(t, uint64(3), tagged.Data.TotalNumPCs)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tagged block")
	}
}

// PullOne only ever enqueues onto the ring; it must not block beyond the
// ring filling once, since nothing but Run drains it. Pulling more than
// ringSize blocks with Run active proves the ring is a real
// single-producer/single-consumer queue rather than a permanently-full
// dead end the launch interceptor would spin against.
func TestPullOneDoesNotHangOnceRingFillsWithRunDraining(t *testing.T) {
	sim := cupti.NewSimulator(4)
	reg := gpupc.NewRegistry(sim, 2, 8)

	ctx := context.Background()
	cuCtx := cupti.CUContext(5)
	require.NoError(t, reg.OnContextCreated(ctx, cuCtx, cupti.PCSamplingConfig{}))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go reg.Run(runCtx, time.Millisecond)

	const blocks = 5
	for i := 0; i < blocks; i++ {
		sim.LaunchKernel(cuCtx, "kernelA", 1, i+1)
		done := make(chan error, 1)
		go func() { done <- reg.PullOne(ctx, cuCtx, func() uint64 { return 1 }) }()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("PullOne hung past the ring's capacity")
		}
	}

	for i := 0; i < blocks; i++ {
		select {
		case <-reg.Out():
		case <-time.After(time.Second):
			t.Fatalf("expected %d blocks drained through the ring, got %d", blocks, i)
		}
	}
}

// DrainOnStop drains every known context and is safe to call with nothing
// pending: it must not block or double-publish once a context runs dry.
func TestDrainOnStopDrainsEveryKnownContext(t *testing.T) {
	sim := cupti.NewSimulator(4)
	reg := gpupc.NewRegistry(sim, 4, 8)

	ctx := context.Background()
	cuCtxA := cupti.CUContext(10)
	cuCtxB := cupti.CUContext(11)
	require.NoError(t, reg.OnContextCreated(ctx, cuCtxA, cupti.PCSamplingConfig{}))
	require.NoError(t, reg.OnContextCreated(ctx, cuCtxB, cupti.PCSamplingConfig{}))

	sim.LaunchKernel(cuCtxA, "kernelA", 1, 2)
	sim.LaunchKernel(cuCtxB, "kernelB", 2, 3)

	reg.DrainOnStop(ctx, func() uint64 { return 9 })

	seen := map[cupti.CUContext]uint64{}
	for i := 0; i < 2; i++ {
		select {
		case tagged := <-reg.Out():
			seen[tagged.Context] = tagged.Data.TotalNumPCs
		case <-time.After(time.Second):
			t.Fatal("expected both contexts drained")
		}
	}

	require.Equal(t, uint64(2), seen[cuCtxA])
	require.Equal(t, uint64(3), seen[cuCtxB])

	select {
	case tagged := <-reg.Out():
		t.Fatalf("unexpected extra block after drain: %+v", tagged)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOnContextDestroyDrainsPending(t *testing.T) {
	sim := cupti.NewSimulator(4)
	reg := gpupc.NewRegistry(sim, 4, 8)

	ctx := context.Background()
	cuCtx := cupti.CUContext(2)
	require.NoError(t, reg.OnContextCreated(ctx, cuCtx, cupti.PCSamplingConfig{}))
	sim.LaunchKernel(cuCtx, "kernelB", 2, 5)

	require.NoError(t, reg.OnContextDestroy(ctx, cuCtx, func() uint64 { return 1 }))

	select {
	case tagged := <-reg.Out():
		require.Equal(t, uint64(5), tagged.Data.TotalNumPCs)
	case <-time.After(time.Second):
		t.Fatal("expected drained block on context destroy")
	}
}
