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

func buildChain(t *testing.T, s *cct.Store, tree *cct.Tree, names []string, kind frame.Kind) *cct.Node {
	t.Helper()
	cur := tree.Root
	for i, name := range names {
		n := s.NewNode(frame.Frame{PC: uint64(100 + i), FuncName: name, Kind: kind})
		cct.InsertChild(tree, cur, n, false)
		cur = n
	}
	return cur
}

func TestPrunePreservesLeaves(t *testing.T) {
	s := cct.NewStore()
	tree := s.GetOrCreateTree(1)
	leaf := buildChain(t, s, tree, []string{"libc::malloc", "libc::calloc", "myop::Leaf"}, frame.Native)
	_ = leaf

	ops := cct.DefaultOperatorRegexes()
	pruned := cct.Prune(s, tree, ops, "main.py")

	var foundLeaf bool
	var walk func(n *cct.Node)
	walk = func(n *cct.Node) {
		if len(n.Children()) == 0 && n.FuncName != pruned.Root.FuncName {
			foundLeaf = true
		}
		require.True(t, cct.IsCritical(n, ops, "main.py") || n == pruned.Root)
		for _, c := range n.Children() {
			walk(c)
		}
	}
	walk(pruned.Root)
	require.True(t, foundLeaf)
}

func TestPruneCollapsesOperatorChain(t *testing.T) {
	s := cct.NewStore()
	tree := s.GetOrCreateTree(1)
	buildChain(t, s, tree, []string{"helperA", "helperB", "at::native::add"}, frame.Native)

	ops := cct.DefaultOperatorRegexes()
	pruned := cct.Prune(s, tree, ops, "main.py")

	require.Len(t, pruned.Root.Children(), 1)
	collapsed := pruned.Root.Children()[0]
	require.Contains(t, collapsed.FuncName, "helperA")
	require.Contains(t, collapsed.FuncName, "helperB")
	require.Contains(t, collapsed.FuncName, "at::native::add")
}

func TestIsCriticalInterpretedHeuristics(t *testing.T) {
	ops := cct.DefaultOperatorRegexes()
	s := cct.NewStore()
	tree := s.GetOrCreateTree(1)

	bw := s.NewNode(frame.Frame{PC: 1, FuncName: "model.py::backward_42", Kind: frame.Interpreted})
	cct.InsertChild(tree, tree.Root, bw, false)
	cct.InsertChild(tree, bw, s.NewNode(frame.Frame{PC: 2}), false)
	require.True(t, cct.IsCritical(bw, ops, "main.py"))

	loss := s.NewNode(frame.Frame{PC: 3, FuncName: "other.py::loss_1", Kind: frame.Interpreted})
	cct.InsertChild(tree, tree.Root, loss, false)
	cct.InsertChild(tree, loss, s.NewNode(frame.Frame{PC: 4}), false)
	require.False(t, cct.IsCritical(loss, ops, "main.py"))

	lossMain := s.NewNode(frame.Frame{PC: 5, FuncName: "main.py::loss_1", Kind: frame.Interpreted})
	cct.InsertChild(tree, tree.Root, lossMain, false)
	cct.InsertChild(tree, lossMain, s.NewNode(frame.Frame{PC: 6}), false)
	require.True(t, cct.IsCritical(lossMain, ops, "main.py"))
}
