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

// Package source keeps at least one read outstanding per input file and
// exposes a loan protocol by which a consumer borrows a filled buffer and
// returns it once finished. Two implementations share this contract: an
// io_uring-based engine (ring_linux.go) and a portable blocking fallback
// (blocking.go); the merge driver (internal/merge) is written against the
// Reader interface alone and does not care which one it got.
package source

import "errors"

// ErrUnsupported is returned by NewRingReader when io_uring cannot be used
// (non-Linux GOOS, or ENOSYS from io_uring_setup on an old kernel). The
// caller is expected to fall back to NewBlockingReader; this is not a fatal
// condition (spec.md §7, "Resource" taxonomy note on ENOSYS).
var ErrUnsupported = errors.New("io_uring unavailable on this platform or kernel")

// A Loan is a filled buffer on loan to the consumer from a reader. The
// reader promises not to write into Data until ReturnLoan is called for the
// same source (spec.md glossary, "Loan").
type Loan struct {
	// Source is the index of the file this buffer was read from.
	Source int
	// Data is the buffer's live contents: any carried partial-line prefix
	// from this source's previous loan (see ReturnLoan), followed by the
	// bytes this read just filled in. The framer (internal/frame) scans it
	// from the start; it never needs to know where the carry ends.
	Data []byte
	// EOF is true when Data is empty because the source has been fully
	// read (a zero-byte read with no error).
	EOF bool
}

// A Reader keeps one read in flight per open source and lets a consumer pull
// completed buffers and return them once processed (spec.md §4.B Pull API).
//
// The caller drives it as: call RequestRead once per source at startup:
// then repeatedly call Next to pull whichever requested read completes
// first, consume the Loan, call ReturnLoan, and call RequestRead again if
// the source is not at EOF. This mirrors the async ring variant's
// submit/complete split even in the blocking fallback, so the merge driver
// (internal/merge) is oblivious to which one it's talking to.
type Reader interface {
	// NumSources reports how many sources were opened at construction time.
	NumSources() int

	// RequestRead submits (ring variant) or performs (blocking variant) a
	// read for sourceIndex. It must be called once for that source's
	// initial read, and again each time a loan for it has been returned and
	// the source is not yet known to be at EOF.
	RequestRead(sourceIndex int) error

	// Next blocks until a requested read completes for some source (or
	// returns immediately if one already has) and returns it as a Loan. It
	// never returns two outstanding loans for the same source.
	Next() (Loan, error)

	// ReturnLoan gives back a buffer obtained from Next for the given
	// source. carryLen is the number of trailing bytes of that Loan's Data
	// that form an incomplete line (spec.md §4.C's "carry"); the reader
	// preserves exactly those bytes at the front of the buffer before
	// issuing its next read, so the next Loan's Data begins with them.
	ReturnLoan(sourceIndex int, carryLen int) error

	// Close stops issuing reads for the given source, cancels any read in
	// flight for it, and releases its resources. Closing a source lets its
	// buffer territory be donated to its right neighbor (spec.md §4.B
	// close_file, §9 buffer redistribution note).
	Close(sourceIndex int) error

	// CloseAll releases every resource the reader holds (file descriptors,
	// registered memory, the ring itself where applicable).
	CloseAll() error
}

// BufferSize is the per-source buffer size used when none is specified.
// Two of these are allocated per source by the ring reader (one loaned,
// one being filled), and one by the blocking reader.
const BufferSize = 64 * 1024
