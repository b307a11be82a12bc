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

package gpupc_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iteratorlee/samprof/pkg/cupti"
	"github.com/iteratorlee/samprof/pkg/gpupc"
)

// S4: ring of size 2, producer writes 5 blocks, consumer sleeps 10ms per
// pop. Back-pressure flag is set; consumer eventually observes all 5
// blocks in order.
func TestS4RingBackPressureAndFIFO(t *testing.T) {
	r := gpupc.NewRing(2)

	var got []uint64
	var mu sync.Mutex
	done := make(chan struct{})

	go func() {
		for i := 0; i < 5; i++ {
			for {
				d := r.Get()
				if d != nil {
					mu.Lock()
					got = append(got, d.Data.RangeID)
					mu.Unlock()
					break
				}
				time.Sleep(time.Millisecond)
			}
			time.Sleep(10 * time.Millisecond)
		}
		close(done)
	}()

	for i := 0; i < 5; i++ {
		block := &gpupc.TaggedBlock{Data: &cupti.PCSamplingData{RangeID: uint64(i)}}
		for !r.TryPut(block) {
			time.Sleep(time.Millisecond)
		}
	}

	<-done

	require.True(t, r.UsedFasterThanStored)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint64{0, 1, 2, 3, 4}, got)
}

func TestRingGetEmptyReturnsNil(t *testing.T) {
	r := gpupc.NewRing(4)
	require.Nil(t, r.Get())
}
