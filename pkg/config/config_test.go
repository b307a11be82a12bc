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

package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iteratorlee/samprof/pkg/config"
)

func TestDefault(t *testing.T) {
	c := config.Default()
	require.True(t, c.DoCPUUnwind)
	require.True(t, c.PruneCCT)
	require.True(t, c.CheckSP)
	require.False(t, c.FakeUnwind)
	require.Equal(t, config.BackendTorch, c.Backend)
	require.Equal(t, "profiling_response.bin", c.DumpFile)
}

func TestFromEnvOverrides(t *testing.T) {
	for k, v := range map[string]string{
		"RETURN_CUDA_PC_SAMPLE_ONLY": "1",
		"CHECK_RSP":                  "0",
		"DL_BACKEND":                 "TENSORFLOW",
		"CUPTI_CIRCULAR_BUF_COUNT":   "42",
		"CPU_SAMPLING_TIMEOUT_MS":    "250",
		"DUMP_FN":                    "/tmp/out.bin",
	} {
		t.Setenv(k, v)
	}

	c := config.FromEnv()
	require.True(t, c.FakeUnwind)
	require.False(t, c.CheckSP)
	require.Equal(t, config.Backend("TENSORFLOW"), c.Backend)
	require.Equal(t, uint64(42), c.CircularBufCount)
	require.Equal(t, 250, c.CPUSamplingTimeoutMs)
	require.Equal(t, "/tmp/out.bin", c.DumpFile)
}

func TestFromEnvLeavesDefaultsWhenUnset(t *testing.T) {
	require.Empty(t, os.Getenv("CUPTI_SAMPLING_PERIOD"))
	c := config.FromEnv()
	require.Equal(t, config.Default().CircularBufSize, c.CircularBufSize)
}
