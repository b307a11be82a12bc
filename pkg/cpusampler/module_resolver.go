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
	"fmt"
	"os"

	"github.com/google/pprof/profile"

	"github.com/iteratorlee/samprof/pkg/frame"
	"github.com/iteratorlee/samprof/pkg/process"
)

// procMapsCache reads a pid's memory mappings straight from procfs, with
// no invalidation: good enough for the sampled process's own mostly-static
// module layout, and matches the "populate once" contract process.Mapping
// already assumes of its MappingCache.
type procMapsCache struct{}

func (procMapsCache) MappingForPID(pid int) ([]*profile.Mapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return profile.ParseProcMaps(f)
}

// ModuleOffsetResolver resolves a native PC against pid's own memory
// mappings, producing the "module(+offset) [address]" string
// ResolveModuleOffsetString's fallback leaves PC-only when no resolver
// has been plugged in.
type ModuleOffsetResolver struct {
	pid     int
	mapping *process.Mapping
}

// NewModuleOffsetResolver resolves PCs against pid's /proc/<pid>/maps.
func NewModuleOffsetResolver(pid int) *ModuleOffsetResolver {
	return &ModuleOffsetResolver{pid: pid, mapping: process.NewMapping(procMapsCache{})}
}

// Resolve implements SymbolResolver.
func (r *ModuleOffsetResolver) Resolve(pc uint64) frame.Frame {
	m, err := r.mapping.PIDAddrMapping(r.pid, pc)
	if err != nil || m == nil {
		return frame.Frame{PC: pc, Kind: frame.Native}
	}

	offset := pc - m.Start + m.Offset
	name := fmt.Sprintf("%s(+0x%x) [0x%x]", m.File, offset, pc)
	return frame.Frame{PC: pc, FuncName: name, FileName: m.File, Offset: offset, Kind: frame.Native}
}
