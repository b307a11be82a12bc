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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/iteratorlee/samprof/pkg/cache"
	"github.com/iteratorlee/samprof/pkg/frame"
	"github.com/iteratorlee/samprof/pkg/symtab"
)

// symtabCacheSize bounds the per-PC resolved-frame cache; hot kernels tend
// to recur at the same handful of PCs across a whole session.
const symtabCacheSize = 4096

// SymtabResolver backs a SymbolResolver with a pre-built, mmap'd
// address-sorted symbol table, letting CollectOne attach a demangled
// function name to each native PC instead of only the bare address. Lookups
// are memoized in an LRU, since the same hot PC recurs across many
// consecutive samples and each miss costs a binary search plus an mmap read.
type SymtabResolver struct {
	fr    *symtab.FileReader
	cache *cache.LRUCache[uint64, frame.Frame]
}

// OpenSymtabResolver opens the symbol table at path. The caller owns the
// returned resolver's lifetime and must call Close once sampling stops.
func OpenSymtabResolver(reg prometheus.Registerer, path string) (*SymtabResolver, error) {
	fr, err := symtab.NewReader(path)
	if err != nil {
		return nil, err
	}
	return &SymtabResolver{
		fr:    fr,
		cache: cache.NewLRUCache[uint64, frame.Frame](reg, symtabCacheSize),
	}, nil
}

// Resolve implements SymbolResolver: a PC the table has no entry for, or a
// read error, yields a frame with only the raw PC populated, the same
// fallback CollectOne uses when no resolver is configured at all.
func (r *SymtabResolver) Resolve(pc uint64) frame.Frame {
	if f, ok := r.cache.Get(pc); ok {
		return f
	}

	f := frame.Frame{PC: pc, Kind: frame.Native}
	if name, err := r.fr.Symbolize(pc); err == nil {
		f.FuncName = DemangleSymbol(name)
	}

	r.cache.Add(pc, f)
	return f
}

// Close releases the table's backing mmap.
func (r *SymtabResolver) Close() error {
	return r.fr.Close()
}
