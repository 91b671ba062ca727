// Copyright 2026 The Tailmerge Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build unix

// Package arena provides a single mmap'd region carved into fixed-size
// sub-buffers, used by the io_uring source reader (internal/source) to back
// its registered-buffer region with one allocation instead of many small
// ones (spec.md §4.F). Per-source bookkeeping is not stored in the arena.
package arena

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// An Arena is a contiguous anonymous mapping divided, in order, into a
// registered-buffer region (size registeredBytes) and an extra caller-owned
// region (size extraBytes); there is no further bookkeeping tail beyond
// those two regions. Close unmaps the entire
// region; after Close no slice returned by the Arena may be used.
type Arena struct {
	mem             []byte
	registeredBytes int
	extraBytes      int
}

// New allocates an arena of registeredBytes (the region that will be
// registered with the kernel for fixed-buffer I/O) plus extraBytes (for
// caller-supplied bookkeeping that rides along in the same mapping, per
// spec.md §4.F's "extra-registered-buffer area for caller use").
func New(registeredBytes, extraBytes int) (*Arena, error) {
	total := registeredBytes + extraBytes
	if total == 0 {
		return &Arena{}, nil
	}
	mem, err := unix.Mmap(-1, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap arena (%d bytes): %w", total, err)
	}
	return &Arena{mem: mem, registeredBytes: registeredBytes, extraBytes: extraBytes}, nil
}

// Registered returns the sub-slice reserved for kernel buffer registration.
func (a *Arena) Registered() []byte {
	return a.mem[:a.registeredBytes]
}

// Extra returns the sub-slice reserved for caller bookkeeping, the pointer
// spec.md §4.F says uring_create hands back "so the caller can co-locate its
// own line-info structures."
func (a *Arena) Extra() []byte {
	return a.mem[a.registeredBytes : a.registeredBytes+a.extraBytes]
}

// Buffer returns the i'th fixed-size slice of the registered region, where
// size is the per-source buffer size and i ranges over [0, n) for n =
// RegisteredBytes/size.
func (a *Arena) Buffer(i, size int) []byte {
	start := i * size
	return a.mem[start : start+size : start+size]
}

// Close unmaps the arena's memory. It is a no-op on a zero-sized Arena.
func (a *Arena) Close() error {
	if len(a.mem) == 0 {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}
