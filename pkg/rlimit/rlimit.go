// Copyright 2022-2023 The Parca Authors
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
//

package rlimit

import (
	"fmt"
	"sync"
	"syscall"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

var rlimitMu sync.Mutex

// BumpMemlock increases the current memlock limit to a value large enough
// for the CPU perf sampler's mmap'd ring buffers (one per sampled tid). A
// zero cur/max raises the limit to infinity; the eBPF-specific
// RemoveMemlock helper the original relied on does not apply here since
// this profiler has no eBPF component, so both branches go through
// syscall.Setrlimit directly.
func BumpMemlock(cur, max uint64) (syscall.Rlimit, error) {
	if cur == 0 {
		cur = unix.RLIM_INFINITY
	}
	if max == 0 {
		max = unix.RLIM_INFINITY
	}

	rLimit := syscall.Rlimit{
		Cur: cur, // Soft limit.
		Max: max, // Hard limit (ceiling for rlim_cur).
	}

	rlimitMu.Lock()
	// RLIMIT_MEMLOCK is 0x8.
	if err := syscall.Setrlimit(unix.RLIMIT_MEMLOCK, &rLimit); err != nil {
		rlimitMu.Unlock()
		return rLimit, fmt.Errorf("failed to increase rlimit: %w", err)
	}
	rlimitMu.Unlock()

	rLimit = syscall.Rlimit{}
	if err := syscall.Getrlimit(unix.RLIMIT_MEMLOCK, &rLimit); err != nil {
		return rLimit, fmt.Errorf("failed to get rlimit: %w", err)
	}

	return rLimit, nil
}

func HumanizeRLimit(val uint64) string {
	if val == unix.RLIM_INFINITY {
		return "unlimited"
	}
	return humanize.Bytes(val)
}

// Files returns the currently opened file descriptors as well
// as the maximum number of file descriptors that can be
// opened by the calling process.
func Files() (int, int, error) {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		return 0, 0, err
	}
	// From the manpage:
	// > This specifies a value one greater than the maximum file
	// > descriptor number that can be opened by this process.
	return int(limit.Cur), int(limit.Max) - 1, nil
}
