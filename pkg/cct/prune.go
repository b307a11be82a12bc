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

package cct

import (
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/iteratorlee/samprof/pkg/frame"
)

// OperatorRegexes pairs the two framework-operator regexes used to decide
// whether an interior node is "critical" enough to survive pruning. A nil
// regex is skipped. Prune takes them as a parameter; the patterns are the
// hard-coded ones of DefaultOperatorRegexes, and configuration (the
// backend setting) only picks which of the two is applied.
type OperatorRegexes struct {
	Torch      *regexp.Regexp
	TensorFlow *regexp.Regexp
}

// DefaultOperatorRegexes mirrors the two hard-coded patterns the original
// implementation ships as its defaults, expressed here as regexes rather
// than the ad-hoc substring checks of the C++ source.
func DefaultOperatorRegexes() OperatorRegexes {
	return OperatorRegexes{
		Torch:      regexp.MustCompile(`^(at::native::|torch::autograd::)`),
		TensorFlow: regexp.MustCompile(`^tensorflow::`),
	}
}

var loHeuristics = []string{"backward", "forward", "loss"}

// IsCritical decides whether node survives pruning, per §4's pruning
// rules: a leaf, an operator-regex match, or an INTERPRETED node whose
// func_name contains one of backward/forward/loss (loss additionally
// requiring entryFile to match the node's file name, approximated here by
// substring match on FuncName since Node does not carry a separate file
// field for interpreted frames beyond what's folded into FuncName).
func IsCritical(node *Node, ops OperatorRegexes, entryFile string) bool {
	if len(node.children) == 0 {
		return true
	}
	if ops.Torch != nil && ops.Torch.MatchString(node.FuncName) {
		return true
	}
	if ops.TensorFlow != nil && ops.TensorFlow.MatchString(node.FuncName) {
		return true
	}
	if node.Kind == frame.Interpreted {
		for _, h := range loHeuristics {
			if strings.Contains(node.FuncName, h) {
				if h == "loss" && entryFile != "" && !strings.Contains(node.FuncName, entryFile) {
					continue
				}
				return true
			}
		}
	}
	return false
}

// Prune copies src into a new tree of critical nodes. A run of consecutive
// non-critical nodes that each have a single child is collapsed into the
// node below it, joining their func_names with "::". A non-critical node
// with more than one child is copied as well, so the result is not made of
// critical nodes only. The
// resulting tree uses fresh node ids allocated from s and permits
// duplicate child pcs, since the collapse can legitimately produce
// siblings sharing a pc that only differed by now-elided intermediate
// frames.
func Prune(s *Store, src *Tree, ops OperatorRegexes, entryFile string) *Tree {
	dst := &Tree{byID: make(map[uint64]*Node)}
	newRoot := s.NewNode(frame.Frame{PC: src.Root.PC, Kind: src.Root.Kind, FuncName: src.Root.FuncName})
	SetRoot(dst, newRoot)

	seen := make(map[uint64]*Node)
	pruneChildren(s, src.Root, dst, newRoot, ops, entryFile, seen)
	return dst
}

// pruneChildren copies the critical descendants of srcNode under dstParent.
// seen maps a (parent id, pc) key to the already-copied node for that key,
// so that siblings collapsing into an identical (parent, pc) chain head
// share one copy instead of being re-walked and re-inserted independently.
func pruneChildren(s *Store, srcNode *Node, dst *Tree, dstParent *Node, ops OperatorRegexes, entryFile string, seen map[uint64]*Node) {
	for _, child := range srcNode.children {
		key := nodeKey(dstParent.ID, child.PC)
		if _, ok := seen[key]; ok {
			continue
		}

		// Walk down consecutive single-child, non-critical nodes,
		// accumulating their func_name suffixes, until we hit either a
		// critical node or a branch/leaf.
		cur := child
		suffix := []string{}
		for !IsCritical(cur, ops, entryFile) && len(cur.children) == 1 {
			suffix = append(suffix, cur.FuncName)
			cur = cur.children[0]
		}

		funcName := cur.FuncName
		if len(suffix) > 0 {
			funcName = strings.Join(append(suffix, cur.FuncName), "::")
		}

		copied := s.NewNode(frame.Frame{PC: cur.PC, Offset: cur.Offset, Kind: cur.Kind, FuncName: funcName})
		InsertChild(dst, dstParent, copied, true)
		seen[key] = copied

		pruneChildren(s, cur, dst, copied, ops, entryFile, seen)
	}
}

// nodeKey hashes a (parent id, pc) pair for the auxiliary dedup fast path
// used while collapsing operator chains, avoiding a second full map scan
// over already-visited nodes when a backend reuses the same call site
// across many collapsed chains.
func nodeKey(parentID, pc uint64) uint64 {
	var b [16]byte
	putUint64(b[:8], parentID)
	putUint64(b[8:], pc)
	return xxhash.Sum64(b[:])
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
