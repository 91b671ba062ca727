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

// Package merge wires the heap, source reader, line framer, and output
// coalescer into the k-way streaming merge described by spec.md §4.E: pop
// the globally smallest pending line, emit it (with a run header whenever
// the active source changes), and refill the heap from whichever source
// just gave up its line.
//
// The heap breaks ties on equal keys by ascending Value; this package is
// what decides what Value means. Every push is tagged with a token derived
// from a monotonically increasing insertion counter, negated so that the
// most recently pushed entry wins a tie instead of the oldest. That matches
// the run-grouping a reader expects from an interleaved merge: when a
// source's line ties with one already sitting in the heap, the tie goes to
// whichever line most recently became available, so a source that is
// "catching up" to a value another source offered earlier keeps emitting
// before control passes back (see the worked example in spec.md §8). A side
// table keyed by the same token recovers the originating source and framing
// state a popped entry belongs to (spec.md §9, "shared heap comparator with
// captured source context").
package merge

import (
	"errors"
	"fmt"

	"github.com/creachadair/tailmerge/internal/coalescer"
	"github.com/creachadair/tailmerge/internal/frame"
	"github.com/creachadair/tailmerge/internal/heap"
	"github.com/creachadair/tailmerge/internal/source"
)

var newline = []byte("\n")

// Config bundles everything a Driver needs to construct. It replaces the
// package-level mutable state the original heap-test harness used (spec.md
// §9's "re-architect as an explicit context value") with an ordinary value
// passed into New.
type Config struct {
	// Filenames are the input sources, in the order given on the command
	// line. Ties between equal lines from different sources go to the most
	// recently pushed line (see the package doc), not to this order.
	Filenames []string
	// OutputFD is the file descriptor the coalescer writes to. Callers
	// should pass an explicit descriptor (e.g. unix.Stdout) rather than 0,
	// resolving spec.md §9's fd=0 Open Question by construction.
	OutputFD int
	// BufferSize is the per-source read buffer size; <= 0 selects
	// source.BufferSize.
	BufferSize int
	// CoalescerCapacity is the output batching capacity; <= 0 selects
	// coalescer.DefaultCapacity.
	CoalescerCapacity int
}

// pendingEntry is the side-table record for one heap-resident insertion
// counter: which source it came from, the framer cursor positioned just
// past it (or at its start, for a buffer-spanning truncated line), and
// whether the line that was pushed ended with a newline.
type pendingEntry struct {
	source     int
	cursor     *frame.Cursor
	terminated bool
}

// A Driver runs one merge to completion. It is single-use: call Run once.
type Driver struct {
	reader  source.Reader
	heap    *heap.Heap
	coal    *coalescer.Coalescer
	headers [][]byte

	counter int32 // monotonically increasing; never itself used as a heap Value
	pending map[int32]pendingEntry

	// stashed holds loans pulled from the reader for a source other than
	// the one currently being advanced, in arrival order, until that
	// source's own advance call asks for them.
	stashed map[int][]source.Loan

	lastSource  int
	wroteHeader bool
}

// New opens every configured source (preferring the io_uring reader, falling
// back to the blocking reader when io_uring is unavailable) and returns a
// Driver ready to run. The bool result reports whether the ring reader was
// used, so callers can log the fallback notice of spec.md §6's "Environment"
// clause.
func New(cfg Config) (*Driver, bool, error) {
	if len(cfg.Filenames) == 0 {
		return nil, false, fmt.Errorf("merge: no input files")
	}
	bufSize := cfg.BufferSize
	if bufSize <= 0 {
		bufSize = source.BufferSize
	}

	r, usedRing, err := openReader(cfg.Filenames, bufSize)
	if err != nil {
		return nil, false, err
	}
	return newDriver(r, cfg.Filenames, cfg.OutputFD, cfg.CoalescerCapacity), usedRing, nil
}

// newDriver builds a Driver around an already-opened Reader. Split out from
// New so tests can exercise the merge loop against a deterministic
// source.BlockingReader without depending on io_uring being available.
func newDriver(r source.Reader, filenames []string, outputFD, coalescerCapacity int) *Driver {
	headers := make([][]byte, len(filenames))
	for i, name := range filenames {
		headers[i] = []byte(">>> " + name + "\n")
	}
	return &Driver{
		reader:     r,
		heap:       heap.New(len(filenames)),
		coal:       coalescer.New(outputFD, coalescerCapacity),
		headers:    headers,
		pending:    make(map[int32]pendingEntry, len(filenames)),
		stashed:    make(map[int][]source.Loan, len(filenames)),
		lastSource: -1,
	}
}

// openReader tries the io_uring reader first (platform-gated: ring_linux.go
// on Linux, ring_other.go's stub elsewhere) and falls back to the blocking
// reader on source.ErrUnsupported.
func openReader(filenames []string, bufSize int) (source.Reader, bool, error) {
	r, err := source.NewRingReader(filenames, bufSize)
	if err == nil {
		return r, true, nil
	}
	if !errors.Is(err, source.ErrUnsupported) {
		return nil, false, err
	}
	b, err := source.NewBlockingReader(filenames, bufSize)
	if err != nil {
		return nil, false, err
	}
	return b, false, nil
}

// Run executes the merge loop of spec.md §4.E to completion, emitting the
// merged, headered stream to the configured output descriptor.
func (d *Driver) Run() error {
	for i := range d.headers {
		if err := d.reader.RequestRead(i); err != nil {
			return fmt.Errorf("request initial read for source %d: %w", i, err)
		}
	}
	for range d.headers {
		loan, err := d.reader.Next()
		if err != nil {
			return err
		}
		if err := d.ingestInitial(loan); err != nil {
			return err
		}
	}

	for {
		key, token := d.heap.Pop()
		if token == -1 {
			// Heap.Pop's empty sentinel: every real token from nextToken is
			// <= -2, so this can only mean the heap had nothing resident.
			break
		}
		p, ok := d.pending[token]
		if !ok {
			return fmt.Errorf("invariant: no pending entry for token %d", token)
		}
		delete(d.pending, token)

		if p.source != d.lastSource {
			if d.wroteHeader {
				if err := d.coal.Add(newline); err != nil {
					return err
				}
			}
			if err := d.coal.Add(d.headers[p.source]); err != nil {
				return err
			}
			d.wroteHeader = true
			d.lastSource = p.source
		}
		if err := d.coal.Add(key); err != nil {
			return err
		}
		if err := d.advance(p.source, p.cursor, !p.terminated); err != nil {
			return err
		}
	}

	if err := d.coal.Flush(); err != nil {
		return err
	}
	return d.reader.CloseAll()
}

// ingestInitial handles a source's very first loan: push its first complete
// line, or, if the whole buffer contains no newline, push the entire buffer
// as a truncated comparison key (spec.md §4.C truncation policy).
func (d *Driver) ingestInitial(loan source.Loan) error {
	src := loan.Source
	if loan.EOF {
		return d.reader.Close(src)
	}
	cur := frame.New(loan.Data)
	if line, ok := cur.Next(); ok {
		return d.push(src, cur, line)
	}
	return d.pushTruncated(src, cur)
}

// nextToken returns the heap Value for the next push: the negation of a
// fresh, strictly increasing counter, offset by one so it never collides
// with the -1 Heap.Pop/Peek use to signal "empty". Negating means ascending
// Value order (the heap's tie-break) recovers entries most-recently-pushed
// first; see the package doc for why that is the order this merge needs.
func (d *Driver) nextToken() int32 {
	d.counter++
	return -d.counter - 1
}

// push records a framed complete line as a new heap entry.
func (d *Driver) push(src int, cur *frame.Cursor, line frame.Line) error {
	token := d.nextToken()
	if !d.heap.Push(line.Data, token) {
		return fmt.Errorf("invariant: heap rejected push for source %d (capacity exceeded)", src)
	}
	d.pending[token] = pendingEntry{source: src, cursor: cur, terminated: line.Terminated()}
	return nil
}

// pushTruncated records a buffer that contains no newline anywhere as a heap
// entry keyed by its full (buffer-sized) prefix.
func (d *Driver) pushTruncated(src int, cur *frame.Cursor) error {
	token := d.nextToken()
	key := cur.Remaining()
	if !d.heap.Push(key, token) {
		return fmt.Errorf("invariant: heap rejected push for source %d (capacity exceeded)", src)
	}
	d.pending[token] = pendingEntry{source: src, cursor: cur, terminated: false}
	return nil
}

// nextFor returns the next loan for src. Reader.Next is an any-source pull
// (source.go's doc comment, and the ring variant keeps every source's read
// pipelined independently of which one the driver is currently advancing),
// so a loan meant for another source can arrive first; nextFor sets those
// aside in d.stashed for that source's own advance call to pick up later.
func (d *Driver) nextFor(src int) (source.Loan, error) {
	if q := d.stashed[src]; len(q) > 0 {
		loan := q[0]
		d.stashed[src] = q[1:]
		return loan, nil
	}
	for {
		loan, err := d.reader.Next()
		if err != nil {
			return source.Loan{}, err
		}
		if loan.Source == src {
			return loan, nil
		}
		d.stashed[loan.Source] = append(d.stashed[loan.Source], loan)
	}
}

// advance implements step 3 of spec.md §4.E: having just emitted one line
// from src, find the next one. truncated is true when the line just emitted
// (already written to the coalescer by the caller) lacked a terminator,
// which switches this into the direct-streaming path until one is found.
func (d *Driver) advance(src int, cur *frame.Cursor, truncated bool) error {
	for {
		if !truncated {
			if line, ok := cur.Next(); ok {
				return d.push(src, cur, line)
			}

			// No more complete lines in this loan: flush so the buffer can be
			// reused, return it carrying any partial tail, and request more.
			if err := d.coal.Flush(); err != nil {
				return err
			}
			carry := cur.CarryLen()
			if err := d.reader.ReturnLoan(src, carry); err != nil {
				return err
			}
			if err := d.reader.RequestRead(src); err != nil {
				return err
			}
			loan, err := d.nextFor(src)
			if err != nil {
				return err
			}
			if loan.EOF {
				return d.reader.Close(src)
			}
			cur = frame.New(loan.Data)
			if line, ok := cur.Next(); ok {
				return d.push(src, cur, line)
			}
			// Still no terminator: this line has grown past a full buffer.
			// It has never been compared against the other sources, so it
			// goes back into the heap keyed by its buffer-sized prefix,
			// exactly like a truncated line discovered at initial ingestion
			// (spec.md §4.C). Direct streaming only starts once this entry
			// is popped again with terminated=false.
			return d.pushTruncated(src, cur)
		}

		// Direct-streaming path: the previous chunk had no terminator and was
		// already written straight to the coalescer by the caller or by the
		// previous iteration of this loop. Flush it, drop the loan (nothing to carry, it was
		// all emitted), and keep reading until a newline turns up.
		if err := d.coal.Flush(); err != nil {
			return err
		}
		if err := d.reader.ReturnLoan(src, 0); err != nil {
			return err
		}
		if err := d.reader.RequestRead(src); err != nil {
			return err
		}
		loan, err := d.nextFor(src)
		if err != nil {
			return err
		}
		if loan.EOF {
			// The source ended mid-line: complete it with a synthetic
			// terminator before any later header (spec.md §8 Boundary case).
			if err := d.coal.Add(newline); err != nil {
				return err
			}
			return d.reader.Close(src)
		}
		cur = frame.New(loan.Data)
		if line, ok := cur.Next(); ok {
			if err := d.coal.Add(line.Data); err != nil {
				return err
			}
			truncated = false
			continue
		}
		if err := d.coal.Add(cur.Remaining()); err != nil {
			return err
		}
	}
}
