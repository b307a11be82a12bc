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
	"fmt"

	"github.com/iteratorlee/samprof/pkg/frame"
)

// RebuildNode is the flat description of one node as read off a decoded
// report, before parent/child pointers are relinked.
type RebuildNode struct {
	ID       uint64
	PC       uint64
	Offset   uint64
	ParentID uint64
	ParentPC uint64
	Kind     frame.Kind
	FuncName string
	ChildIDs []uint64
}

// Rebuild reconstructs a Tree from a flat node list previously produced by
// Tree.Nodes, used by pkg/report's decoder. It does not go through a
// Store, since a rebuilt tree is a read-only view over already-allocated
// ids rather than a live attribution target.
func Rebuild(tid ThreadID, rootID uint64, nodes []RebuildNode) (*Tree, error) {
	byID := make(map[uint64]*Node, len(nodes))
	for _, rn := range nodes {
		n := newNode(rn.ID)
		n.PC = rn.PC
		n.Offset = rn.Offset
		n.ParentID = rn.ParentID
		n.ParentPC = rn.ParentPC
		n.Kind = rn.Kind
		n.FuncName = rn.FuncName
		byID[rn.ID] = n
	}

	for _, rn := range nodes {
		n := byID[rn.ID]
		for _, cid := range rn.ChildIDs {
			child, ok := byID[cid]
			if !ok {
				return nil, fmt.Errorf("cct: rebuild: node %d references unknown child %d", rn.ID, cid)
			}
			n.children = append(n.children, child)
			n.childByID[cid] = child
			n.childByPC[child.PC] = child
		}
	}

	root, ok := byID[rootID]
	if !ok {
		return nil, fmt.Errorf("cct: rebuild: root id %d not found among %d nodes", rootID, len(nodes))
	}

	return &Tree{ThreadID: tid, Root: root, byID: byID}, nil
}
