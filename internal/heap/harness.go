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

package heap

import "fmt"

// A Harness drives a Heap from the token grammar of the development test
// interface (spec.md §6): a byte stream of literal key bytes interspersed
// with ',' (push the bytes accumulated since the last push) and '-' (push
// any pending bytes, then pop and report). It replaces the process-wide
// globals of the original test tool with an explicit value a caller
// threads through (spec.md §9's Design Note on global state).
type Harness struct {
	heap    *Heap
	next    int32
	pending []byte
	Reports []Report
}

// A Report is one (key, value) pair produced by a pop during a Harness run.
type Report struct {
	Key   string
	Value int32
}

// NewHarness returns a Harness backed by a new heap of the given capacity.
func NewHarness(capacity int) *Harness {
	return &Harness{heap: New(capacity)}
}

// Feed processes one input token stream (typically one command-line
// argument). Bytes accumulate until a ',' or '-' is seen; ',' pushes the
// accumulated bytes and clears them; '-' pushes any accumulated bytes (if
// non-empty) and then pops and records a Report.
func (h *Harness) Feed(s string) error {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ',':
			if err := h.flushPush(); err != nil {
				return err
			}
		case '-':
			if err := h.flushPush(); err != nil {
				return err
			}
			h.popReport()
		default:
			h.pending = append(h.pending, s[i])
		}
	}
	return nil
}

// Finish flushes any pending (unterminated) bytes as a final push, then
// pops and records every remaining entry, in heap order.
func (h *Harness) Finish() error {
	if err := h.flushPush(); err != nil {
		return err
	}
	for !h.heap.IsEmpty() {
		h.popReport()
	}
	return nil
}

func (h *Harness) flushPush() error {
	if len(h.pending) == 0 {
		return nil
	}
	key := make([]byte, len(h.pending))
	copy(key, h.pending)
	h.pending = h.pending[:0]
	h.next++
	if !h.heap.Push(key, h.next) {
		return fmt.Errorf("heap overflow: capacity %d exceeded", h.heap.Cap())
	}
	return nil
}

func (h *Harness) popReport() {
	k, v := h.heap.Pop()
	h.Reports = append(h.Reports, Report{Key: string(k), Value: v})
}
