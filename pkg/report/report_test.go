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

package report_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iteratorlee/samprof/pkg/cct"
	"github.com/iteratorlee/samprof/pkg/cupti"
	"github.com/iteratorlee/samprof/pkg/frame"
	"github.com/iteratorlee/samprof/pkg/report"
)

func buildSampleTree() *cct.Tree {
	store := cct.NewStore()
	tree := store.GetOrCreateTree(cct.ThreadID(9))

	child := store.NewNode(frame.Frame{PC: 0x100, FuncName: "cudaLaunchKernel", Kind: frame.Native})
	cct.InsertChild(tree, tree.Root, child, false)

	grandchild := store.NewNode(frame.Frame{PC: 0x200, FuncName: "matmul_kernel", Kind: frame.Native})
	cct.InsertChild(tree, child, grandchild, false)

	return tree
}

func TestEncodeDecodeRoundTripsTree(t *testing.T) {
	tree := buildSampleTree()

	r := report.Report{Trees: []*cct.Tree{tree}}
	data, err := report.Encode(r)
	require.NoError(t, err)

	got, err := report.Decode(data)
	require.NoError(t, err)
	require.Len(t, got.Trees, 1)

	decoded := got.Trees[0]
	require.Equal(t, tree.ThreadID, decoded.ThreadID)
	require.Equal(t, tree.Root.ID, decoded.Root.ID)
	require.Len(t, decoded.Root.Children(), 1)
	require.Equal(t, uint64(0x100), decoded.Root.Children()[0].PC)
	require.Len(t, decoded.Root.Children()[0].Children(), 1)
	require.Equal(t, "matmul_kernel", decoded.Root.Children()[0].Children()[0].FuncName)
}

func TestEncodeDecodeRoundTripsPCBlocks(t *testing.T) {
	r := report.Report{
		Blocks: []report.PCBlock{
			{
				RangeID:      7,
				Collected:    3,
				Total:        5,
				Dropped:      2,
				Remaining:    0,
				ParentNodeID: 42,
				Entries: []cupti.PCEntry{
					{
						CubinCRC:     0xdeadbeef,
						PCOffset:     0x10,
						FunctionIdx:  1,
						FunctionName: "matmul_kernel",
						StallReasons: []cupti.StallReasonCount{
							{StallReasonIndex: 0, SampleCount: 9},
							{StallReasonIndex: 3, SampleCount: 1},
						},
					},
				},
			},
		},
	}

	data, err := report.Encode(r)
	require.NoError(t, err)

	got, err := report.Decode(data)
	require.NoError(t, err)
	require.Len(t, got.Blocks, 1)

	b := got.Blocks[0]
	require.Equal(t, uint64(7), b.RangeID)
	require.Equal(t, uint64(42), b.ParentNodeID)
	require.Len(t, b.Entries, 1)
	require.Equal(t, "matmul_kernel", b.Entries[0].FunctionName)
	require.Len(t, b.Entries[0].StallReasons, 2)
	require.Equal(t, uint32(9), b.Entries[0].StallReasons[0].SampleCount)
}

func TestEncodeSizeMatchesOutputLength(t *testing.T) {
	tree := buildSampleTree()
	r := report.Report{Trees: []*cct.Tree{tree}}

	data, err := report.Encode(r)
	require.NoError(t, err)
	require.Len(t, data, r.Size())
}
