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

package cct_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iteratorlee/samprof/pkg/cct"
	"github.com/iteratorlee/samprof/pkg/frame"
)

func TestGetOrCreateTreeIsIdempotent(t *testing.T) {
	s := cct.NewStore()
	t1 := s.GetOrCreateTree(42)
	t2 := s.GetOrCreateTree(42)
	require.Same(t, t1, t2)
	require.Equal(t, uint64(0), t1.Root.PC)
}

func TestAllocateIDMonotonic(t *testing.T) {
	s := cct.NewStore()
	a := s.AllocateID()
	b := s.AllocateID()
	require.Less(t, a, b)
}

func TestInsertChildRejectsDupPC(t *testing.T) {
	s := cct.NewStore()
	tree := s.GetOrCreateTree(1)

	c1 := s.NewNode(frame.Frame{PC: 10, FuncName: "a"})
	require.Equal(t, cct.InsertSuccess, cct.InsertChild(tree, tree.Root, c1, false))

	c2 := s.NewNode(frame.Frame{PC: 10, FuncName: "b"})
	require.Equal(t, cct.DupPC, cct.InsertChild(tree, tree.Root, c2, false))

	require.Equal(t, cct.InsertSuccess, cct.InsertChild(tree, tree.Root, c2, true))
}

func TestParentIDLessThanChildID(t *testing.T) {
	s := cct.NewStore()
	tree := s.GetOrCreateTree(1)

	c1 := s.NewNode(frame.Frame{PC: 10})
	cct.InsertChild(tree, tree.Root, c1, false)
	require.Less(t, tree.Root.ID, c1.ID)
	require.Equal(t, tree.Root.ID, c1.ParentID)

	c2 := s.NewNode(frame.Frame{PC: 20})
	cct.InsertChild(tree, c1, c2, false)
	require.Less(t, c1.ID, c2.ID)
}

func TestLookupChildByPC(t *testing.T) {
	s := cct.NewStore()
	tree := s.GetOrCreateTree(1)
	c1 := s.NewNode(frame.Frame{PC: 99, FuncName: "f"})
	cct.InsertChild(tree, tree.Root, c1, false)

	require.Equal(t, c1, cct.LookupChildByPC(tree.Root, 99))
	require.Nil(t, cct.LookupChildByPC(tree.Root, 100))
}

func TestChildrenPreserveInsertionOrder(t *testing.T) {
	s := cct.NewStore()
	tree := s.GetOrCreateTree(1)
	for _, pc := range []uint64{5, 3, 9, 1} {
		cct.InsertChild(tree, tree.Root, s.NewNode(frame.Frame{PC: pc}), false)
	}
	got := make([]uint64, 0, 4)
	for _, c := range tree.Root.Children() {
		got = append(got, c.PC)
	}
	require.Equal(t, []uint64{5, 3, 9, 1}, got)
}
