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

// Package coalescer batches output lines into a bounded ordered list of
// slice references and flushes them as a single vectored write, retrying on
// short writes by advancing past fully-written slices and trimming the next
// partial one (spec.md §4.D).
package coalescer

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DefaultCapacity is the default maximum number of pending slices, matching
// spec.md §3's "capacity 1024 by default".
const DefaultCapacity = 1024

// A Coalescer accumulates slice references that all point into memory whose
// lifetime the caller controls (a source's loaned buffer, or a static header
// constant) and flushes them with a single writev(2) before any referenced
// buffer can be invalidated.
type Coalescer struct {
	fd      int
	slices  [][]byte
	cap     int
	written int64 // total bytes successfully flushed, for conservation checks
}

// New returns a Coalescer that flushes to the given file descriptor, holding
// up to capacity pending slices before an Add forces a Flush.
func New(fd, capacity int) *Coalescer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Coalescer{fd: fd, cap: capacity}
}

// Add appends slice to the pending batch, flushing first if the batch is
// already at capacity. slice must remain valid (not reused by its owning
// source) until the next Flush completes.
func (c *Coalescer) Add(slice []byte) error {
	if len(slice) == 0 {
		return nil
	}
	if len(c.slices) == c.cap {
		if err := c.Flush(); err != nil {
			return err
		}
	}
	c.slices = append(c.slices, slice)
	return nil
}

// Pending reports the number of slices currently batched.
func (c *Coalescer) Pending() int {
	return len(c.slices)
}

// BytesWritten reports the cumulative number of bytes this Coalescer has
// flushed to its output descriptor, for the conservation check of spec.md
// §8 invariant 3.
func (c *Coalescer) BytesWritten() int64 {
	return c.written
}

// Flush issues a single vectored write covering every pending slice,
// retrying on a short write by skipping fully-written slices and trimming
// the next partially-written one. A short write that transfers zero bytes
// is treated as an I/O failure rather than retried forever.
func (c *Coalescer) Flush() error {
	for len(c.slices) > 0 {
		n, err := unix.Writev(c.fd, c.slices)
		if err != nil {
			return fmt.Errorf("writev: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("writev: wrote 0 bytes with %d slices pending", len(c.slices))
		}
		c.written += int64(n)
		c.slices = advance(c.slices, n)
	}
	return nil
}

// advance drops fully-written slices from the front of slices and trims the
// first partially-written one, returning what remains to be written.
func advance(slices [][]byte, n int) [][]byte {
	for n > 0 && len(slices) > 0 {
		if n >= len(slices[0]) {
			n -= len(slices[0])
			slices = slices[1:]
		} else {
			slices[0] = slices[0][n:]
			n = 0
		}
	}
	return slices
}
