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

package unwind_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iteratorlee/samprof/pkg/frame"
	"github.com/iteratorlee/samprof/pkg/unwind"
)

func TestUnwindProducesNativeFrames(t *testing.T) {
	u := unwind.New(nil)

	var frames []frame.Frame
	var status unwind.Status

	func() {
		func() {
			frames, status = u.Unwind(false)
		}()
	}()

	require.Equal(t, unwind.NoInterp, status)
	require.NotEmpty(t, frames)
	for _, f := range frames {
		require.Equal(t, frame.Native, f.Kind)
		require.NotEmpty(t, f.FuncName)
	}
}

func TestUnwindHandlesNilWalkerWithoutPanicking(t *testing.T) {
	u := unwind.New(nil)
	require.NotPanics(t, func() {
		u.Unwind(true)
	})
}
