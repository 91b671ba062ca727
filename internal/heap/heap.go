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

// Package heap implements a stable, fixed-capacity min-heap over byte-slice
// keys, used by the merge driver to find the smallest pending line across
// all open sources.
//
// The heap never grows past the capacity given to New, and it never owns the
// memory a key points into: an Entry's Key is a borrowed slice that must
// remain valid for as long as the entry is resident. Value only breaks ties
// on equal keys, so callers that need FIFO stability across different
// sources arrange for Value to be a monotonically increasing insertion
// counter, as Harness does; internal/merge instead negates its counter so
// the most recent push wins a tie (see its package doc).
package heap

import "bytes"

// An Entry is one resident element: a borrowed key slice and the small
// integer it was pushed with, which breaks ties between equal keys.
type Entry struct {
	Key   []byte
	Value int32
}

// A Heap is a binary min-heap of fixed capacity. The zero Heap is not usable;
// construct one with New.
type Heap struct {
	entries []Entry
}

// New returns an empty heap that can hold up to capacity entries.
func New(capacity int) *Heap {
	return &Heap{entries: make([]Entry, 0, capacity)}
}

// NeededBytes reports the number of bytes New(capacity) would need to back
// its storage, for callers that want to carve the heap's memory out of a
// shared arena (internal/arena) instead of letting it allocate independently.
func NeededBytes(capacity int) int {
	return capacity * int(entrySize)
}

// entrySize is the in-memory footprint of one Entry on 64-bit platforms,
// used only for NeededBytes' arena-sizing advice; Go's Entry is not copied
// into arena-owned storage, so this is advisory rather than load-bearing.
const entrySize = 32 // 24-byte slice header plus the 4-byte Value, padded to 8.

// Len reports the number of entries currently resident.
func (h *Heap) Len() int { return len(h.entries) }

// IsEmpty reports whether the heap has no resident entries.
func (h *Heap) IsEmpty() bool { return len(h.entries) == 0 }

// Cap reports the maximum number of entries the heap can hold.
func (h *Heap) Cap() int { return cap(h.entries) }

// Push inserts (key, value) into the heap and restores the heap invariant.
// It reports false without modifying the heap if it is already at capacity.
func (h *Heap) Push(key []byte, value int32) bool {
	if len(h.entries) == cap(h.entries) {
		return false
	}
	h.entries = append(h.entries, Entry{Key: key, Value: value})
	h.siftUp(len(h.entries) - 1)
	return true
}

// Pop removes and returns the value of the minimum entry, along with its
// key. It returns (nil, -1) if the heap is empty.
func (h *Heap) Pop() ([]byte, int32) {
	n := len(h.entries)
	if n == 0 {
		return nil, -1
	}
	root := h.entries[0]
	last := h.entries[n-1]
	h.entries[0] = last
	h.entries = h.entries[:n-1]
	if len(h.entries) > 0 {
		h.siftDown(0)
	}
	return root.Key, root.Value
}

// Peek returns the key and value of the minimum entry without removing it.
// It returns (nil, -1) if the heap is empty.
func (h *Heap) Peek() ([]byte, int32) {
	if len(h.entries) == 0 {
		return nil, -1
	}
	e := h.entries[0]
	return e.Key, e.Value
}

func (h *Heap) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if compare(h.entries[p], h.entries[i]) <= 0 {
			break
		}
		h.entries[p], h.entries[i] = h.entries[i], h.entries[p]
		i = p
	}
}

// siftDown restores the heap invariant below index i. At each level it picks
// the smallest of the node and its children: the left child replaces the node
// as the candidate only if strictly smaller, then the right child replaces the
// candidate only if strictly smaller than it, so equal children resolve to the
// left one and the node stays put unless some child is strictly smaller.
func (h *Heap) siftDown(i int) {
	n := len(h.entries)
	for {
		l, r := 2*i+1, 2*i+2
		smallest := i
		if l < n && compare(h.entries[l], h.entries[smallest]) < 0 {
			smallest = l
		}
		if r < n && compare(h.entries[r], h.entries[smallest]) < 0 {
			smallest = r
		}
		if smallest == i {
			return
		}
		h.entries[i], h.entries[smallest] = h.entries[smallest], h.entries[i]
		i = smallest
	}
}

// compare implements the heap's ordering: lexicographic compare on the
// shorter of the two keys' lengths, with the shorter key preceding the
// longer on a prefix tie ("app" precedes "apple"), and Value breaking a
// full tie on equal keys. This is what makes the heap stable: a caller that
// assigns Value as a monotonically increasing insertion counter gets pops
// in insertion order whenever keys compare equal (see the package doc).
func compare(a, b Entry) int {
	n := len(a.Key)
	if len(b.Key) < n {
		n = len(b.Key)
	}
	if c := bytes.Compare(a.Key[:n], b.Key[:n]); c != 0 {
		return c
	}
	if d := len(a.Key) - len(b.Key); d != 0 {
		return d
	}
	return int(a.Value) - int(b.Value)
}
