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

// Package cpusampler implements the CPU Perf Sampler: one perf_event_open
// ring buffer per sampled OS thread, read directly rather than through a
// BPF map, feeding already-walked native stacks into the attribution
// engine's sampled-stack path.
package cpusampler

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/iteratorlee/samprof/pkg/frame"

	"golang.org/x/sys/unix"
)

const (
	pageSize           = 4096
	defaultBufferPages = 8
)

// perfEventMmapPage mirrors struct perf_event_mmap_page; only the fields up
// to DataHead/DataTail are needed to walk the ring.
type perfEventMmapPage struct {
	Version       uint32
	CompatVersion uint32
	Lock          uint32
	Index         uint32
	Offset        int64
	TimeEnabled   uint64
	TimeRunning   uint64
	Capabilities  uint64
	PmcWidth      uint16
	TimeShift     uint16
	TimeMult      uint32
	TimeOffset    uint64
	TimeZero      uint64
	Size          uint32
	_reserved1    uint32
	TimeCycles    uint64
	TimeMask      uint64
	_reserved     [928]byte
	DataHead      uint64
	DataTail      uint64
	DataOffset    uint64
	DataSize      uint64
}

var (
	dataHeadOffset = unsafe.Offsetof(perfEventMmapPage{}.DataHead)
	dataTailOffset = unsafe.Offsetof(perfEventMmapPage{}.DataTail)
)

const perfRecordSample = 9

// CallStack is one native stack captured off a tid's ring, in leaf-first
// (innermost-first) order as delivered by the kernel's callchain record.
type CallStack struct {
	Tid   int
	Time  uint64
	Frame []frame.Frame
}

// Sampler owns one tid's perf_event fd and mmap'd ring buffer.
type Sampler struct {
	tid  int
	fd   int
	buf  []byte
	size int

	resolver SymbolResolver
	maxDepth int
}

// SymbolResolver turns a raw instruction pointer into a frame.Frame. A nil
// resolver yields frames with only PC populated.
type SymbolResolver func(pc uint64) frame.Frame

// Open opens a perf_event on tid sampling PERF_COUNT_SW_CPU_CLOCK at
// periodNs nanoseconds, with TIME|TID|CALLCHAIN samples, and mmaps its
// ring buffer (1 control page + bufferPages data pages).
func Open(tid int, periodNs uint64, bufferPages int, resolver SymbolResolver, maxDepth int) (*Sampler, error) {
	if bufferPages <= 0 {
		bufferPages = defaultBufferPages
	}

	attr := &unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_SOFTWARE,
		Config:      unix.PERF_COUNT_SW_CPU_CLOCK,
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Sample:      periodNs,
		Sample_type: unix.PERF_SAMPLE_TIME | unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_CALLCHAIN,
		Bits:        unix.PerfBitDisabled,
	}

	fd, err := unix.PerfEventOpen(attr, tid, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("cpusampler: perf_event_open tid=%d: %w", tid, err)
	}

	size := (1 + bufferPages) * pageSize
	buf, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("cpusampler: mmap tid=%d: %w", tid, err)
	}

	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		unix.Munmap(buf)
		unix.Close(fd)
		return nil, fmt.Errorf("cpusampler: enable tid=%d: %w", tid, err)
	}

	return &Sampler{tid: tid, fd: fd, buf: buf, size: size, resolver: resolver, maxDepth: maxDepth}, nil
}

// Close disables sampling and releases the ring.
func (s *Sampler) Close() error {
	unix.IoctlSetInt(s.fd, unix.PERF_EVENT_IOC_DISABLE, 0) //nolint:errcheck
	if err := unix.Munmap(s.buf); err != nil {
		return err
	}
	return unix.Close(s.fd)
}

// CollectOne drains every PERF_RECORD_SAMPLE currently buffered and returns
// the most recently observed call stack, or nil if none were pending.
// timeoutMs is not used: this implementation neither polls the fd nor
// blocks, and drains synchronously; the caller's background loop paces
// the calls.
func (s *Sampler) CollectOne(timeoutMs int) (*CallStack, error) {
	_ = timeoutMs

	head := *(*uint64)(unsafe.Pointer(&s.buf[dataHeadOffset]))
	tailPtr := (*uint64)(unsafe.Pointer(&s.buf[dataTailOffset]))
	tail := *tailPtr

	if head == tail {
		return nil, nil
	}

	dataOffset := uint64(pageSize)
	dataSize := uint64(s.size - pageSize)
	data := s.buf[dataOffset:]

	var latest *CallStack

	for tail < head {
		pos := tail % dataSize
		if pos+8 > dataSize {
			tail += 8
			continue
		}

		eventType := binary.LittleEndian.Uint32(data[pos:])
		eventSize := binary.LittleEndian.Uint16(data[pos+6:])
		if eventSize == 0 || uint64(eventSize) > dataSize {
			break
		}

		if eventType == perfRecordSample {
			cs := s.parseSample(data, (tail+8)%dataSize, dataSize, uint64(eventSize)-8)
			if cs != nil {
				latest = cs
			}
		}

		tail += uint64(eventSize)
	}

	*tailPtr = tail
	return latest, nil
}

func (s *Sampler) parseSample(data []byte, offset, dataSize, remaining uint64) *CallStack {
	readU64 := func(off uint64) uint64 {
		pos := off % dataSize
		if pos+8 <= dataSize {
			return binary.LittleEndian.Uint64(data[pos:])
		}
		var tmp [8]byte
		for i := 0; i < 8; i++ {
			tmp[i] = data[(pos+uint64(i))%dataSize]
		}
		return binary.LittleEndian.Uint64(tmp[:])
	}
	readU32 := func(off uint64) uint32 {
		pos := off % dataSize
		if pos+4 <= dataSize {
			return binary.LittleEndian.Uint32(data[pos:])
		}
		var tmp [4]byte
		for i := 0; i < 4; i++ {
			tmp[i] = data[(pos+uint64(i))%dataSize]
		}
		return binary.LittleEndian.Uint32(tmp[:])
	}

	// Layout for TIME | TID | CALLCHAIN: u64 time, u32 pid, u32 tid, u64 nr, u64 ips[nr].
	if remaining < 16 {
		return nil
	}
	t := readU64(offset)
	tid := int(readU32(offset + 12))

	cs := &CallStack{Tid: tid, Time: t}

	if remaining < 24 {
		return cs
	}
	nr := readU64(offset + 16)
	depth := s.maxDepth
	if depth <= 0 || depth > int(nr) {
		depth = int(nr)
	}

	for i := 0; i < depth; i++ {
		if 24+8*uint64(i+1) > remaining {
			break
		}
		ip := readU64(offset + 24 + uint64(i)*8)
		if ip > 0xf000000000000000 {
			continue // kernel-context marker, no userspace frame
		}
		if s.resolver != nil {
			cs.Frame = append(cs.Frame, s.resolver(ip))
		} else {
			cs.Frame = append(cs.Frame, frame.Frame{PC: ip, Kind: frame.Native})
		}
	}

	return cs
}
