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

// Package report encodes and decodes the persisted profiling report: a
// sequence of PC-sample blocks followed by one Calling Context Tree per
// thread, using the teacher's EfficientBuffer little-endian pattern rather
// than encoding/gob or protobuf.
package report

import (
	"fmt"

	"github.com/iteratorlee/samprof/pkg/cct"
	"github.com/iteratorlee/samprof/pkg/cupti"
	"github.com/iteratorlee/samprof/pkg/frame"
	"github.com/iteratorlee/samprof/pkg/gpupc"
	"github.com/iteratorlee/samprof/pkg/profiler"
)

// PCBlock is one report-ready PC-sample block: the raw driver data plus
// the CCT node id it was attributed to.
type PCBlock struct {
	RangeID      uint64
	Collected    uint64
	Total        uint64
	Dropped      uint64
	Remaining    uint64
	ParentNodeID uint64
	Entries      []cupti.PCEntry
}

// FromTaggedBlock converts a gpupc.TaggedBlock into its report form.
func FromTaggedBlock(b gpupc.TaggedBlock) PCBlock {
	return PCBlock{
		RangeID:      b.Data.RangeID,
		Collected:    b.Data.CollectNumPCs,
		Total:        b.Data.TotalNumPCs,
		Dropped:      b.Data.DroppedSamples,
		Remaining:    b.Data.RemainingNumPCs,
		ParentNodeID: b.ActiveNodeID,
		Entries:      b.Data.PCs,
	}
}

// Report is the full encodable unit: every drained PC block plus a
// snapshot of every thread's CCT.
type Report struct {
	Blocks []PCBlock
	Trees  []*cct.Tree
}

func pcBlockSize(b PCBlock) int {
	size := 8 + 8 + 8 + 8 + 8 + 8 + 4 // five counters + parent node id + numEntries
	for _, e := range b.Entries {
		size += 4 + 8 + 4 + 2 + len(e.FunctionName) + 2
		size += len(e.StallReasons) * (4 + 4)
	}
	return size
}

func nodeSize(n *cct.Node) int {
	return 8 + 8 + 8 + 8 + 8 + 1 + 2 + len(n.FuncName) + 4 + 8*len(n.Children())
}

func treeSize(t *cct.Tree) int {
	size := 8 + 8 + 4 // thread id + root id + num nodes
	for _, n := range t.Nodes() {
		size += nodeSize(n)
	}
	return size
}

// Size returns the exact encoded byte length of r.
func (r Report) Size() int {
	size := 4 // numBlocks
	for _, b := range r.Blocks {
		size += 4 + pcBlockSize(b) // record size prefix + body
	}
	size += 4 // numTrees
	for _, t := range r.Trees {
		size += treeSize(t)
	}
	return size
}

// Encode serializes r into its persisted binary layout.
func Encode(r Report) ([]byte, error) {
	total := r.Size()
	buf := make(profiler.EfficientBuffer, 0, total)
	eb := buf.Slice(total)

	eb.PutUint32(uint32(len(r.Blocks)))
	for _, b := range r.Blocks {
		eb.PutUint32(uint32(pcBlockSize(b)))
		encodeBlock(&eb, b)
	}

	eb.PutUint32(uint32(len(r.Trees)))
	for _, t := range r.Trees {
		encodeTree(&eb, t)
	}

	if len(eb) != 0 {
		return nil, fmt.Errorf("report: encoder left %d unused bytes, size estimate was wrong", len(eb))
	}
	return []byte(buf[:total]), nil
}

func encodeBlock(eb *profiler.EfficientBuffer, b PCBlock) {
	eb.PutUint64(b.Collected)
	eb.PutUint64(b.Total)
	eb.PutUint64(b.Dropped)
	eb.PutUint64(b.Remaining)
	eb.PutUint64(b.RangeID)
	eb.PutUint64(b.ParentNodeID)
	eb.PutUint32(uint32(len(b.Entries)))
	for _, e := range b.Entries {
		eb.PutUint32(e.CubinCRC)
		eb.PutUint64(e.PCOffset)
		eb.PutUint32(e.FunctionIdx)
		putString(eb, e.FunctionName)
		eb.PutUint16(uint16(len(e.StallReasons)))
		for _, sr := range e.StallReasons {
			eb.PutUint32(uint32(sr.StallReasonIndex))
			eb.PutUint32(sr.SampleCount)
		}
	}
}

func encodeTree(eb *profiler.EfficientBuffer, t *cct.Tree) {
	eb.PutUint64(uint64(t.ThreadID))
	eb.PutUint64(t.Root.ID)
	nodes := t.Nodes()
	eb.PutUint32(uint32(len(nodes)))
	for _, n := range nodes {
		eb.PutUint64(n.ID)
		eb.PutUint64(n.PC)
		eb.PutUint64(n.ParentID)
		eb.PutUint64(n.ParentPC)
		eb.PutUint64(n.Offset)
		eb.PutUint8(uint8(n.Kind))
		putString(eb, n.FuncName)
		children := n.Children()
		eb.PutUint32(uint32(len(children)))
		for _, c := range children {
			eb.PutUint64(c.ID)
		}
	}
}

func putString(eb *profiler.EfficientBuffer, s string) {
	eb.PutUint16(uint16(len(s)))
	copy(*eb, s)
	*eb = (*eb)[len(s):]
}

// Decode parses a report previously produced by Encode.
func Decode(data []byte) (Report, error) {
	d := &decoder{buf: data}

	var r Report
	numBlocks, err := d.uint32()
	if err != nil {
		return r, err
	}
	for i := uint32(0); i < numBlocks; i++ {
		if _, err := d.uint32(); err != nil { // record size, unused on decode
			return r, err
		}
		b, err := decodeBlock(d)
		if err != nil {
			return r, err
		}
		r.Blocks = append(r.Blocks, b)
	}

	numTrees, err := d.uint32()
	if err != nil {
		return r, err
	}
	for i := uint32(0); i < numTrees; i++ {
		t, err := decodeTree(d)
		if err != nil {
			return r, err
		}
		r.Trees = append(r.Trees, t)
	}

	return r, nil
}

func decodeBlock(d *decoder) (PCBlock, error) {
	var b PCBlock
	var err error
	if b.Collected, err = d.uint64(); err != nil {
		return b, err
	}
	if b.Total, err = d.uint64(); err != nil {
		return b, err
	}
	if b.Dropped, err = d.uint64(); err != nil {
		return b, err
	}
	if b.Remaining, err = d.uint64(); err != nil {
		return b, err
	}
	if b.RangeID, err = d.uint64(); err != nil {
		return b, err
	}
	if b.ParentNodeID, err = d.uint64(); err != nil {
		return b, err
	}
	numEntries, err := d.uint32()
	if err != nil {
		return b, err
	}
	for i := uint32(0); i < numEntries; i++ {
		var e cupti.PCEntry
		if e.CubinCRC, err = d.uint32(); err != nil {
			return b, err
		}
		if e.PCOffset, err = d.uint64(); err != nil {
			return b, err
		}
		if e.FunctionIdx, err = d.uint32(); err != nil {
			return b, err
		}
		if e.FunctionName, err = d.string(); err != nil {
			return b, err
		}
		numSR, err := d.uint16()
		if err != nil {
			return b, err
		}
		for j := uint16(0); j < numSR; j++ {
			var sr cupti.StallReasonCount
			idx, err := d.uint32()
			if err != nil {
				return b, err
			}
			sr.StallReasonIndex = int(idx)
			if sr.SampleCount, err = d.uint32(); err != nil {
				return b, err
			}
			e.StallReasons = append(e.StallReasons, sr)
		}
		b.Entries = append(b.Entries, e)
	}
	return b, nil
}

// decodedNode is the flat, pre-link representation of a node read off the
// wire; the tree is reassembled by a second pass over child id lists.
type decodedNode struct {
	id, pc, parentID, parentPC, offset uint64
	kind                               uint8
	funcName                           string
	childIDs                          []uint64
}

func decodeTree(d *decoder) (*cct.Tree, error) {
	tid, err := d.uint64()
	if err != nil {
		return nil, err
	}
	rootID, err := d.uint64()
	if err != nil {
		return nil, err
	}
	numNodes, err := d.uint32()
	if err != nil {
		return nil, err
	}

	flat := make([]decodedNode, 0, numNodes)
	for i := uint32(0); i < numNodes; i++ {
		var n decodedNode
		if n.id, err = d.uint64(); err != nil {
			return nil, err
		}
		if n.pc, err = d.uint64(); err != nil {
			return nil, err
		}
		if n.parentID, err = d.uint64(); err != nil {
			return nil, err
		}
		if n.parentPC, err = d.uint64(); err != nil {
			return nil, err
		}
		if n.offset, err = d.uint64(); err != nil {
			return nil, err
		}
		if n.kind, err = d.uint8(); err != nil {
			return nil, err
		}
		if n.funcName, err = d.string(); err != nil {
			return nil, err
		}
		numChildren, err := d.uint32()
		if err != nil {
			return nil, err
		}
		for j := uint32(0); j < numChildren; j++ {
			cid, err := d.uint64()
			if err != nil {
				return nil, err
			}
			n.childIDs = append(n.childIDs, cid)
		}
		flat = append(flat, n)
	}

	return cct.Rebuild(cct.ThreadID(tid), rootID, rebuildSpecs(flat))
}

func rebuildSpecs(flat []decodedNode) []cct.RebuildNode {
	specs := make([]cct.RebuildNode, 0, len(flat))
	for _, n := range flat {
		specs = append(specs, cct.RebuildNode{
			ID:       n.id,
			PC:       n.pc,
			Offset:   n.offset,
			ParentID: n.parentID,
			ParentPC: n.parentPC,
			Kind:     frame.Kind(n.kind),
			FuncName: n.funcName,
			ChildIDs: n.childIDs,
		})
	}
	return specs
}
