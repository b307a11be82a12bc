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

// Package unwind walks the current goroutine's native call stack, fusing
// in interpreter frames where the native stack passes through an
// interpreter's eval loop.
//
// There is no maintained Go binding for libunwind-style local unwinding in
// the example corpus this module was grounded on, so the native walk uses
// runtime.Callers/runtime.CallersFrames: a deliberate, documented stdlib
// choice, not an oversight (see DESIGN.md).
package unwind

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/ianlancetaylor/demangle"

	"github.com/iteratorlee/samprof/pkg/frame"
	"github.com/iteratorlee/samprof/pkg/interp"
)

// Status reports whether interpreter frames were fused into the result.
type Status int

const (
	NoInterp Status = iota
	HasInterp
)

// DefaultExclusions hides the profiler's own frames and the most common
// vendor-API entry points from reported stacks.
var DefaultExclusions = []string{
	"samprof/pkg/unwind",
	"samprof/pkg/attribution",
	"samprof/pkg/courier",
	"cupti",
}

// Unwinder produces frame sequences for the calling goroutine's OS thread.
type Unwinder struct {
	Exclusions []string
	Interp     interp.FrameWalker // nil disables interpreter fusion
	MaxDepth   int
}

// New builds an Unwinder. A nil walker disables interpreter fusion
// entirely; callers that want fusion pass a real interp.FrameWalker.
func New(walker interp.FrameWalker) *Unwinder {
	return &Unwinder{
		Exclusions: DefaultExclusions,
		Interp:     walker,
		MaxDepth:   128,
	}
}

// Unwind produces the ordered outer-to-inner frame sequence for the
// calling goroutine, per the fusion rule: every native frame whose
// demangled name contains the interpreter's eval-frame symbol is replaced,
// in order, by the next unconsumed interpreter frame.
func (u *Unwinder) Unwind(verbose bool) ([]frame.Frame, Status) {
	var interpFrames []interp.InterpFrame
	if u.Interp != nil {
		if frames, err := u.Interp.WalkFrames(); err == nil {
			interpFrames = frames
		}
	}

	pcs := make([]uintptr, u.maxDepth())
	// Skip this function and runtime.Callers itself.
	n := runtime.Callers(2, pcs)
	pcs = pcs[:n]

	frames := runtime.CallersFrames(pcs)

	out := make([]frame.Frame, 0, n)
	interpIdx := 0
	status := NoInterp

	for {
		f, more := frames.Next()

		name := demangleName(f.Function)
		if excluded(name, u.Exclusions) {
			if !more {
				break
			}
			continue
		}

		if strings.Contains(name, interp.EvalFrameSymbol) && interpIdx < len(interpFrames) {
			ifr := interpFrames[interpIdx]
			interpIdx++
			status = HasInterp
			out = append(out, frame.Frame{
				PC:       uint64(f.PC) + uint64(ifr.Line),
				Offset:   uint64(ifr.Line),
				FuncName: fmt.Sprintf("%s::%s", ifr.FileName, ifr.FuncName),
				FileName: ifr.FileName,
				Kind:     frame.Interpreted,
			})
		} else {
			out = append(out, frame.Frame{
				PC:       uint64(f.PC),
				Offset:   uint64(f.PC - f.Entry),
				FuncName: name,
				FileName: f.File,
				Kind:     frame.Native,
			})
		}

		if verbose {
			// This package has no logger: verbose has no effect here, and
			// nothing is logged for it.
			_ = verbose
		}

		if !more {
			break
		}
	}

	// reverse so the sequence is outer→inner: runtime.CallersFrames yields
	// innermost-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	return out, status
}

func (u *Unwinder) maxDepth() int {
	if u.MaxDepth <= 0 {
		return 128
	}
	return u.MaxDepth
}

func excluded(name string, exclusions []string) bool {
	for _, e := range exclusions {
		if strings.Contains(name, e) {
			return true
		}
	}
	return false
}

// demangleName demangles a C++-ABI mangled symbol if it looks mangled,
// falling back to the raw name on any failure (the original's documented
// transient-error behavior).
func demangleName(raw string) string {
	if !strings.HasPrefix(raw, "_Z") {
		return raw
	}
	out, err := demangle.ToString(raw)
	if err != nil {
		return raw
	}
	return out
}
