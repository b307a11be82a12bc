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

// Package frame defines the unwound call-frame value shared by the stack
// unwinder, the courier, and the CCT store.
package frame

// Kind distinguishes a native call frame from one synthesized from an
// interpreter's own frame chain.
type Kind int

const (
	Native Kind = iota
	Interpreted
)

func (k Kind) String() string {
	if k == Interpreted {
		return "interpreted"
	}
	return "native"
}

// Frame is a single unwound call frame, outer-caller fields populated by
// the unwinder. Immutable after construction.
type Frame struct {
	PC       uint64
	Offset   uint64
	FuncName string
	FileName string
	Kind     Kind
}
