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

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	ringBackPressure  prometheus.Counter
	pcSamplesConsumed prometheus.Counter
	attributionLat    prometheus.Histogram
	cctNodes          prometheus.GaugeFunc
}

func newMetrics(reg prometheus.Registerer, cctNodeCount func() float64) *metrics {
	var m metrics

	m.ringBackPressure = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "samprof_gpupc_ring_back_pressure_total",
			Help: "Total number of times a GPU-PC ring producer caught up to an unconsumed slot.",
		})
	m.pcSamplesConsumed = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "samprof_gpupc_samples_consumed_total",
			Help: "Total number of PC sample blocks drained from the GPU driver.",
		})
	m.attributionLat = promauto.With(reg).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "samprof_attribution_duration_seconds",
			Help:    "Duration of a single AttributeCurrentThread call.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		})
	m.cctNodes = promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "samprof_cct_nodes",
			Help: "Current number of nodes across all per-thread Calling Context Trees.",
		}, cctNodeCount)

	return &m
}
