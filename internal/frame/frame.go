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

// Package frame splits a loaned buffer into newline-terminated lines without
// copying complete lines. It is adapted from the carry-across-refills
// discipline of a content-defined block splitter, substituting "first
// newline" for a rolling-hash cut point: a source's reader (internal/source)
// is responsible for physically carrying any unterminated tail to the front
// of the next buffer it fills, so a Cursor here only ever scans forward
// through the bytes it was given.
package frame

import "bytes"

// A Line is one newline-terminated (or, at end of input, possibly
// unterminated) line returned by Cursor.Next.
type Line struct {
	// Data is the line's bytes, including the trailing '\n' if present.
	Data []byte
	// ByteOffset is Data's starting offset within the Cursor's buffer.
	ByteOffset int
	// LineNumber is a 1-based count of lines returned by this Cursor so far,
	// including this one.
	LineNumber int
}

// Terminated reports whether l ends with a newline.
func (l Line) Terminated() bool {
	return len(l.Data) > 0 && l.Data[len(l.Data)-1] == '\n'
}

// A Cursor frames complete lines out of a single loaned buffer. A Cursor
// does not own the buffer and must not be used once the loan it was built
// from has been returned (internal/source.Reader.ReturnLoan).
type Cursor struct {
	buf    []byte
	offset int
	lineNo int
}

// New returns a Cursor over buf, starting at offset 0. Any carried partial
// line from a previous loan must already be present at the front of buf,
// which the reader guarantees (spec.md §4.C).
func New(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// Next returns the next complete (newline-terminated) line in the buffer, if
// one is available starting from the cursor's current position. It reports
// ok=false, without advancing, when no newline remains between the current
// position and the end of the buffer. The unconsumed remainder is then
// either a carry to preserve across the next read, or, if it spans the
// entire buffer, a truncated line (see Remaining and spec.md §4.C's
// truncation policy, handled by the merge driver).
func (c *Cursor) Next() (Line, bool) {
	rest := c.buf[c.offset:]
	i := bytes.IndexByte(rest, '\n')
	if i < 0 {
		return Line{}, false
	}
	start := c.offset
	c.offset += i + 1
	c.lineNo++
	return Line{Data: c.buf[start:c.offset], ByteOffset: start, LineNumber: c.lineNo}, true
}

// Remaining returns the unconsumed tail of the buffer: bytes from the
// cursor's current position to the end, none of which contain a newline.
func (c *Cursor) Remaining() []byte {
	return c.buf[c.offset:]
}

// CarryLen reports len(Remaining()), the number of trailing bytes the
// reader must preserve at the front of its next read for this source.
func (c *Cursor) CarryLen() int {
	return len(c.buf) - c.offset
}

// Exhausted reports whether the buffer has been fully consumed with no
// trailing partial line at all, distinguishing "clean EOF" from "EOF with a
// final unterminated line".
func (c *Cursor) Exhausted() bool {
	return c.offset == len(c.buf)
}
