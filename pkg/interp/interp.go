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

// Package interp defines the interpreted-language frame introspection
// collaborator. The interpreter itself is out of scope for this module
// (spec Non-goal); FrameWalker is the seam a real embedding (e.g. a CPython
// eval-frame hook) would implement.
package interp

// InterpFrame is one frame of an interpreter's own call stack, outer
// caller first is not implied here: the walker returns innermost-first,
// matching a typical frame-chain walk from the current frame outward,
// and pyBackTrace's own order in the source material.
type InterpFrame struct {
	FileName string
	FuncName string // "<name>::<source line text>"
	Line     int
}

// FrameWalker returns the ordered interpreter frame chain for the calling
// OS thread. Implementations must be safe to call only while the caller
// holds whatever global interpreter lock the embedding requires; this
// package does not manage that lock.
type FrameWalker interface {
	WalkFrames() ([]InterpFrame, error)
}

// EvalFrameSymbol is the native symbol name fragment that marks an
// interpreter's own eval-loop frame in a native backtrace. The unwinder's
// fusion rule (pkg/unwind) replaces every native frame matching this
// fragment with the corresponding interpreted frame.
const EvalFrameSymbol = "_PyEval_EvalFrame"
