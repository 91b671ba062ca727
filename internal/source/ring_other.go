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

//go:build !linux

package source

// RingReader does not exist on non-Linux platforms. NewRingReader always
// fails with ErrUnsupported so callers fall back to NewBlockingReader.
type RingReader struct{}

// NewRingReader implements the non-Linux stub of the ring reader
// constructor: io_uring is a Linux-only facility, so this always reports
// ErrUnsupported (spec.md §4.B').
func NewRingReader(filenames []string, bufSize int) (*RingReader, error) {
	return nil, ErrUnsupported
}

// NumSources, RequestRead, Next, ReturnLoan, Close, and CloseAll are not
// implemented: a nil *RingReader returned from the stub constructor above is
// never usable, so these exist only to satisfy the Reader interface shape
// for documentation purposes and are never called.
func (r *RingReader) NumSources() int                            { return 0 }
func (r *RingReader) RequestRead(sourceIndex int) error           { return ErrUnsupported }
func (r *RingReader) Next() (Loan, error)                         { return Loan{}, ErrUnsupported }
func (r *RingReader) ReturnLoan(sourceIndex, carryLen int) error   { return ErrUnsupported }
func (r *RingReader) Close(sourceIndex int) error                 { return ErrUnsupported }
func (r *RingReader) CloseAll() error                             { return ErrUnsupported }
