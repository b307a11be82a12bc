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

package cpusampler

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// buildSampleRecord encodes one PERF_RECORD_SAMPLE for TIME|TID|CALLCHAIN
// sample_type: header(8) + time(8) + pid/tid(8) + nr(8) + ips(8*n).
func buildSampleRecord(tid uint32, ips []uint64) []byte {
	size := 8 + 8 + 8 + 8 + 8*len(ips)
	b := make([]byte, size)
	binary.LittleEndian.PutUint32(b[0:], perfRecordSample)
	binary.LittleEndian.PutUint16(b[6:], uint16(size))
	binary.LittleEndian.PutUint64(b[8:], 1234) // time
	binary.LittleEndian.PutUint32(b[16:], 1)   // pid
	binary.LittleEndian.PutUint32(b[20:], tid)
	binary.LittleEndian.PutUint64(b[24:], uint64(len(ips)))
	for i, ip := range ips {
		binary.LittleEndian.PutUint64(b[32+8*i:], ip)
	}
	return b
}

func newTestSampler(dataSize int) *Sampler {
	total := pageSize + dataSize
	buf := make([]byte, total)
	return &Sampler{buf: buf, size: total, maxDepth: 16}
}

func TestCollectOneParsesQueuedSample(t *testing.T) {
	s := newTestSampler(pageSize)

	rec := buildSampleRecord(42, []uint64{0x1000, 0x2000, 0x3000})

	data := s.buf[pageSize:]
	copy(data, rec)

	headPtr := (*uint64)(unsafe.Pointer(&s.buf[dataHeadOffset]))
	*headPtr = uint64(len(rec))

	cs, err := s.CollectOne(0)
	require.NoError(t, err)
	require.NotNil(t, cs)
	require.Equal(t, 42, cs.Tid)
	require.Len(t, cs.Frame, 3)
	require.Equal(t, uint64(0x1000), cs.Frame[0].PC)
	require.Equal(t, uint64(0x3000), cs.Frame[2].PC)
}

func TestCollectOneReturnsNilWhenRingEmpty(t *testing.T) {
	s := newTestSampler(pageSize)
	cs, err := s.CollectOne(0)
	require.NoError(t, err)
	require.Nil(t, cs)
}

func TestCollectOneSkipsKernelMarkerFrames(t *testing.T) {
	s := newTestSampler(pageSize)

	rec := buildSampleRecord(7, []uint64{0x1000, 0xffffffff00000000, 0x2000})
	data := s.buf[pageSize:]
	copy(data, rec)

	headPtr := (*uint64)(unsafe.Pointer(&s.buf[dataHeadOffset]))
	*headPtr = uint64(len(rec))

	cs, err := s.CollectOne(0)
	require.NoError(t, err)
	require.Len(t, cs.Frame, 2)
}
