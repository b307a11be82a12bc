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

// Package config holds the engine-wide, environment-variable-driven
// configuration for the attribution engine. There is no file format: every
// knob is read once at startup, mirroring the way the original profiler
// reads its environment.
package config

import (
	"os"
	"strconv"
)

// Backend selects the operator-regex set used by the tree-pruning pass.
type Backend string

const (
	BackendTorch       Backend = "TORCH"
	BackendTensorFlow  Backend = "TENSORFLOW"
)

// Conf is the full set of knobs read from the environment at startup.
type Conf struct {
	// GPU PC sampling.
	SamplingPeriod          uint32
	ScratchBufSize          uint64
	HWBufSize               uint64
	PCConfigBufRecordCount  uint64
	CircularBufCount        uint64
	CircularBufSize         uint64

	// CPU perf sampling.
	CPUSamplingPeriod    uint64
	CPUSamplingPages     uint64
	CPUSamplingTimeoutMs int
	CPUSamplingMaxDepth  int
	CPUSamplingSymtab    string

	// Event-driven CCT construction.
	FakeUnwind         bool
	DoCPUUnwind        bool
	PruneCCT           bool
	CheckSP            bool
	SyncBeforeStart    bool
	Verbose            bool
	DoInterpUnwind     bool
	NoRPC              bool
	NoSampling         bool

	Backend   Backend
	EntryFile string
	DumpFile  string
}

// Default mirrors the original implementation's struct-initializer
// defaults (original_source/common.h's ProfilerConf field initializers).
func Default() Conf {
	return Conf{
		PCConfigBufRecordCount: 1000,
		CircularBufCount:       10,
		CircularBufSize:        500,

		DoCPUUnwind: true,
		PruneCCT:    true,
		CheckSP:     true,

		Backend:   BackendTorch,
		EntryFile: "main.py",
		DumpFile:  "profiling_response.bin",
	}
}

// FromEnv loads Conf from the process environment, starting from Default
// and overriding any field whose environment variable is set. Names follow
// the original profiler's ReadEnvVars, with two additions (CPU sampling
// timeout/depth) promoted from call-site constants to configuration.
func FromEnv() Conf {
	c := Default()

	if v, ok := getUint32("CUPTI_SAMPLING_PERIOD"); ok {
		c.SamplingPeriod = v
	}
	if v, ok := getUint64("CUPTI_BUF_SIZE"); ok {
		c.ScratchBufSize = v
	}
	if v, ok := getUint64("CUPTI_HWBUF_SIZE"); ok {
		c.HWBufSize = v
	}
	if v, ok := getUint64("CUPTI_PC_CONFIG_BUF_RECORD_COUNT"); ok {
		c.PCConfigBufRecordCount = v
	}
	if v, ok := getUint64("CUPTI_CIRCULAR_BUF_COUNT"); ok {
		c.CircularBufCount = v
	}
	if v, ok := getUint64("CUPTI_CIRCULAR_BUF_SIZE"); ok {
		c.CircularBufSize = v
	}
	if v, ok := getBool("RETURN_CUDA_PC_SAMPLE_ONLY"); ok {
		c.FakeUnwind = v
	}
	if v, ok := getBool("DO_CPU_CALL_STACK_UNWINDING"); ok {
		c.DoCPUUnwind = v
	}
	if v, ok := getBool("PRUNE_CCT"); ok {
		c.PruneCCT = v
	}
	if v, ok := os.LookupEnv("DL_BACKEND"); ok {
		c.Backend = Backend(v)
	}
	if v, ok := getBool("CHECK_RSP"); ok {
		c.CheckSP = v
	}
	if v, ok := getBool("SYNC_BEFORE_START"); ok {
		c.SyncBeforeStart = v
	}
	if v, ok := getBool("BT_VERBOSE"); ok {
		c.Verbose = v
	}
	if v, ok := getBool("DO_PY_UNWINDING"); ok {
		c.DoInterpUnwind = v
	}
	if v, ok := os.LookupEnv("PY_FILENAME"); ok {
		c.EntryFile = v
	}
	if v, ok := getBool("NO_RPC"); ok {
		c.NoRPC = v
	}
	if v, ok := os.LookupEnv("DUMP_FN"); ok {
		c.DumpFile = v
	}
	if v, ok := getBool("NO_SAMPLING"); ok {
		c.NoSampling = v
	}
	if v, ok := getUint64("CPU_SAMPLING_PERIOD"); ok {
		c.CPUSamplingPeriod = v
	}
	if v, ok := getUint64("CPU_SAMPLING_BUFFER_PAGES"); ok {
		c.CPUSamplingPages = v
	}
	if v, ok := getInt("CPU_SAMPLING_TIMEOUT_MS"); ok {
		c.CPUSamplingTimeoutMs = v
	}
	if v, ok := getInt("CPU_SAMPLING_MAX_DEPTH"); ok {
		c.CPUSamplingMaxDepth = v
	}
	if v, ok := os.LookupEnv("CPU_SAMPLING_SYMTAB_PATH"); ok {
		c.CPUSamplingSymtab = v
	}

	return c
}

func getUint32(name string) (uint32, bool) {
	s, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

func getUint64(name string) (uint64, bool) {
	s, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func getInt(name string) (int, bool) {
	s, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

func getBool(name string) (bool, bool) {
	s, ok := os.LookupEnv(name)
	if !ok {
		return false, false
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		// The original accepts any strtol-parseable integer; fall back to
		// treating a non-zero integer as true.
		n, err2 := strconv.Atoi(s)
		if err2 != nil {
			return false, false
		}
		return n != 0, true
	}
	return v, true
}
