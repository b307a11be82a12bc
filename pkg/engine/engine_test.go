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

// build (not Get) is exercised directly throughout: Get's sync.Once would
// make every test after the first a no-op against whatever config the
// first test happened to pass.
package engine

import (
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/iteratorlee/samprof/pkg/cct"
	"github.com/iteratorlee/samprof/pkg/config"
	"github.com/iteratorlee/samprof/pkg/cupti"
)

func fixedTid() cct.ThreadID { return cct.ThreadID(1) }

// A nil driver means GPU sampling is disabled; the handle still builds,
// reports, and closes cleanly with CPU-only state.
func TestBuildWithNilDriverDegradesToCPUOnly(t *testing.T) {
	cfg := config.Default()
	h := build(log.NewNopLogger(), prometheus.NewRegistry(), cfg, nil, nil, fixedTid)

	require.Nil(t, h.Registry)
	require.Nil(t, h.Samplers)
	require.Nil(t, h.Interceptor)

	r := h.Report(context.Background())
	require.Empty(t, r.Blocks)

	require.NoError(t, h.Close())
}

// With a driver but CPU sampling disabled (period 0), the interceptor and
// registry are built but no Sampler collection runs.
func TestBuildWithDriverButNoCPUSampling(t *testing.T) {
	cfg := config.Default()
	cfg.CPUSamplingPeriod = 0

	sim := cupti.NewSimulator(4)
	h := build(log.NewNopLogger(), prometheus.NewRegistry(), cfg, sim, nil, fixedTid)

	require.NotNil(t, h.Registry)
	require.Nil(t, h.Samplers)
	require.NotNil(t, h.Interceptor)

	require.NoError(t, h.Close())
}

// FakeUnwind disables the CPU sampler collection regardless of a
// configured sampling period, matching AttributeCurrentThread's own
// fake-unwind short-circuit.
func TestBuildWithFakeUnwindSkipsCPUSampling(t *testing.T) {
	cfg := config.Default()
	cfg.FakeUnwind = true
	cfg.CPUSamplingPeriod = 1000

	sim := cupti.NewSimulator(4)
	h := build(log.NewNopLogger(), prometheus.NewRegistry(), cfg, sim, nil, fixedTid)

	require.Nil(t, h.Samplers)
	require.NoError(t, h.Close())
}

// Report drains whatever the registry's Out channel holds and snapshots
// every thread's tree, even when nothing has happened yet.
func TestReportWithEmptyState(t *testing.T) {
	cfg := config.Default()
	sim := cupti.NewSimulator(4)
	h := build(log.NewNopLogger(), prometheus.NewRegistry(), cfg, sim, nil, fixedTid)
	defer h.Close() //nolint:errcheck

	r := h.Report(context.Background())
	require.Empty(t, r.Blocks)
	require.Empty(t, r.Trees)
}

// Close is safe to call once without a prior driver attach error, and does
// not panic on a handle with no CPU sampler resolver configured.
func TestCloseIsSafeWithoutSymtabResolver(t *testing.T) {
	cfg := config.Default()
	h := build(log.NewNopLogger(), prometheus.NewRegistry(), cfg, nil, nil, fixedTid)
	require.Nil(t, h.symtabResolver)
	require.NotPanics(t, func() { _ = h.Close() })
}
