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

//go:build linux

package source

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/creachadair/tailmerge/internal/arena"
)

// Raw io_uring ABI constants (linux/io_uring.h). golang.org/x/sys/unix does
// not expose these as named constants, only the two syscall numbers, so the
// ring layout is reproduced here the way the pack's minimal io_uring
// wrappers do.
const (
	opNop      = 0
	opReadv    = 1
	opFsync    = 3
	opReadFix  = 4
	opWriteFix = 5
	opOpenat   = 18
	opClose    = 19
	opRead     = 22
	opWrite    = 23
	opAsyncCxl = 14

	sqeFixedFile  = 1 << 0
	sqeIOLink     = 1 << 2
	sqeCQESkipOK  = 1 << 6
	enterGetEvent = 1 << 0

	setupCQSize       = 1 << 3
	setupRDisabled    = 1 << 6
	setupSubmitAll    = 1 << 7
	setupCoopTaskrun  = 1 << 8
	featSingleMmap    = 1 << 0
	registerFiles     = 2
	registerBuffers   = 0
	registerRestrict  = 11
	registerEnable    = 12
	restrictRegOp     = 0
	restrictSQEOp     = 1
	restrictSQEFlags  = 2
	restrictSQEFlags2 = 3
)

// sqOffsets mirrors struct io_sqring_offsets.
type sqOffsets struct {
	Head, Tail, RingMask, RingEntries, Flags, Dropped, Array, Resv1 uint32
	UserAddr                                                       uint64
}

// cqOffsets mirrors struct io_cqring_offsets.
type cqOffsets struct {
	Head, Tail, RingMask, RingEntries, Overflow, CQEs, Flags, Resv1 uint32
	UserAddr                                                       uint64
}

// ringParams mirrors struct io_uring_params.
type ringParams struct {
	SQEntries, CQEntries, Flags, SQThreadCPU, SQThreadIdle, Features, WQFd uint32
	Resv                                                                   [3]uint32
	SQOff                                                                  sqOffsets
	CQOff                                                                  cqOffsets
}

// sqe mirrors the 64-byte struct io_uring_sqe, with the file_index/addr_len
// union field named for the only member this reader uses.
type sqe struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpFlags     uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	FileIndex   int32
	Addr3       uint64
	_pad        uint64
}

// cqe mirrors the 16-byte struct io_uring_cqe.
type cqe struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// restriction mirrors struct io_uring_restriction.
type restriction struct {
	Opcode uint16
	Arg    uint8
	Resv   uint8
	Resv2  [3]uint32
}

// bucket identifies one of a source's two registered read buffers.
type bucket uint8

const (
	bucketA bucket = iota
	bucketB
)

// tag identifies the operation a completion's user-data refers to.
type tag uint8

const (
	tagOpen tag = iota
	tagReadA
	tagReadB
	tagCancel
)

func encodeUserData(source int, t tag) uint64 {
	return uint64(uint32(source))<<8 | uint64(t)
}

func decodeUserData(ud uint64) (source int, t tag) {
	return int(ud >> 8), tag(ud & 0xff)
}

func bucketTag(b bucket) tag {
	if b == bucketA {
		return tagReadA
	}
	return tagReadB
}

// ringSource tracks one registered file's two buffers and read state.
type ringSource struct {
	name       string
	bufSize    int // current per-read request size; grows on neighbor close
	bufs       [2][]byte
	active     bucket // which bucket the in-flight (or most recently completed) read targets
	bytesRead  int64
	carryLen   int
	loaned     bool
	eof        bool
	closed     bool
	openFailed error
	submitted  bool // an open+read pair has been submitted and not yet fully retired
}

// RingReader is the io_uring-backed Reader (spec.md §4.B). It keeps exactly
// one read in flight per source by chaining an openat with IOSQE_IO_LINK to
// a read-fixed, and on each completed read immediately submits the next
// read into the source's other bucket.
type RingReader struct {
	fd int

	sqMem, cqMem, sqesMem []byte
	sqHead, sqTail        *uint32
	sqMask                uint32
	sqArray               unsafe.Pointer
	cqHead, cqTail        *uint32
	cqMask                uint32
	cqesBase              unsafe.Pointer
	sqesBase              unsafe.Pointer
	sqEntries             uint32

	arena   *arena.Arena
	sources []*ringSource

	pendingSubmit uint32 // SQEs filled but not yet passed to io_uring_enter
	completed     []Loan // loans ready to hand out via Next, FIFO
}

// NewRingReader opens a source reader backed by io_uring. It returns
// ErrUnsupported (wrapping the underlying errno) when io_uring_setup fails
// with ENOSYS, so the caller can fall back to NewBlockingReader without
// treating it as fatal (spec.md §7, Resource taxonomy note).
func NewRingReader(filenames []string, bufSize int) (*RingReader, error) {
	if bufSize <= 0 {
		bufSize = BufferSize
	}
	n := len(filenames)
	if n == 0 {
		return &RingReader{}, nil
	}
	capacity := n * 2 // one open + one read in flight per source, rounded to even
	if capacity%2 != 0 {
		capacity++
	}

	var p ringParams
	p.Flags = setupCQSize | setupRDisabled | setupSubmitAll | setupCoopTaskrun
	p.CQEntries = uint32(capacity) * 2
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(capacity), uintptr(unsafe.Pointer(&p)), 0)
	if errno != 0 {
		if errno == unix.ENOSYS {
			return nil, fmt.Errorf("%w: io_uring_setup: %s", ErrUnsupported, errno)
		}
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}

	r := &RingReader{fd: int(fd), sqEntries: p.SQEntries}
	if err := r.mapRings(&p); err != nil {
		unix.Close(r.fd)
		return nil, err
	}
	if err := r.restrictOps(); err != nil {
		r.teardown()
		return nil, err
	}
	if err := r.registerFileTable(n); err != nil {
		r.teardown()
		return nil, err
	}

	a, err := arena.New(2*bufSize*n, 0)
	if err != nil {
		r.teardown()
		return nil, err
	}
	r.arena = a
	if err := r.registerBufferRegion(a, bufSize, n); err != nil {
		a.Close()
		r.teardown()
		return nil, err
	}

	if _, _, errno := unix.Syscall(unix.SYS_IO_URING_REGISTER, uintptr(r.fd), registerEnable, 0); errno != 0 {
		a.Close()
		r.teardown()
		return nil, fmt.Errorf("io_uring_register(ENABLE_RINGS): %w", errno)
	}

	for i, name := range filenames {
		rs := &ringSource{name: name, bufSize: bufSize}
		rs.bufs[bucketA] = a.Buffer(i*2, bufSize)
		rs.bufs[bucketB] = a.Buffer(i*2+1, bufSize)
		r.sources = append(r.sources, rs)
	}

	half := len(r.sources) / 2
	if err := r.submitOpenReadPairs(0, half); err != nil {
		r.CloseAll()
		return nil, err
	}
	// Each pair is two SQEs (openat + read-fixed); submit whole pairs so no
	// IO_LINK chain is split across two io_uring_enter calls.
	if err := r.enter(uint32(2*half), 0); err != nil {
		r.CloseAll()
		return nil, err
	}
	if err := r.submitOpenReadPairs(half, len(r.sources)); err != nil {
		r.CloseAll()
		return nil, err
	}
	if rest := len(r.sources) - half; rest > 0 {
		if err := r.enter(uint32(2*rest), 0); err != nil {
			r.CloseAll()
			return nil, err
		}
	}
	return r, nil
}

func (r *RingReader) mapRings(p *ringParams) error {
	sqSize := int(p.SQOff.Array + p.SQEntries*4)
	sqMem, err := unix.Mmap(r.fd, 0, sqSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sq ring: %w", err)
	}
	r.sqMem = sqMem

	if p.Features&featSingleMmap != 0 {
		r.cqMem = sqMem
	} else {
		cqSize := int(p.CQOff.CQEs + p.CQEntries*16)
		cqMem, err := unix.Mmap(r.fd, 0x8000000, cqSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			unix.Munmap(sqMem)
			return fmt.Errorf("mmap cq ring: %w", err)
		}
		r.cqMem = cqMem
	}

	sqeSize := int(p.SQEntries) * int(unsafe.Sizeof(sqe{}))
	sqesMem, err := unix.Mmap(r.fd, 0x10000000, sqeSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		if r.cqMem != nil && len(r.cqMem) > 0 && &r.cqMem[0] != &r.sqMem[0] {
			unix.Munmap(r.cqMem)
		}
		unix.Munmap(sqMem)
		return fmt.Errorf("mmap sqes: %w", err)
	}
	r.sqesMem = sqesMem

	base := unsafe.Pointer(&sqMem[0])
	r.sqHead = (*uint32)(unsafe.Add(base, p.SQOff.Head))
	r.sqTail = (*uint32)(unsafe.Add(base, p.SQOff.Tail))
	r.sqMask = *(*uint32)(unsafe.Add(base, p.SQOff.RingMask))
	r.sqArray = unsafe.Add(base, p.SQOff.Array)

	cqBase := unsafe.Pointer(&r.cqMem[0])
	r.cqHead = (*uint32)(unsafe.Add(cqBase, p.CQOff.Head))
	r.cqTail = (*uint32)(unsafe.Add(cqBase, p.CQOff.Tail))
	r.cqMask = *(*uint32)(unsafe.Add(cqBase, p.CQOff.RingMask))
	r.cqesBase = unsafe.Add(cqBase, p.CQOff.CQEs)

	r.sqesBase = unsafe.Pointer(&sqesMem[0])
	return nil
}

// restrictOps registers the operation/flag allow-list (spec.md §4.B step 3):
// openat, read-fixed, and async-cancel (Close needs the latter to tear down
// a source's in-flight read), only the link/skip-success/fixed-file flags.
func (r *RingReader) restrictOps() error {
	restr := []restriction{
		{Opcode: restrictRegOp, Arg: registerEnable},
		{Opcode: restrictSQEOp, Arg: opOpenat},
		{Opcode: restrictSQEOp, Arg: opReadFix},
		{Opcode: restrictSQEOp, Arg: opAsyncCxl},
		// The kernel keeps only the last SQE-flags entry, so all allowed
		// flags go into one mask.
		{Opcode: restrictSQEFlags, Arg: sqeIOLink | sqeCQESkipOK | sqeFixedFile},
	}
	_, _, errno := unix.Syscall6(unix.SYS_IO_URING_REGISTER, uintptr(r.fd), registerRestrict,
		uintptr(unsafe.Pointer(&restr[0])), uintptr(len(restr)), 0, 0)
	if errno != 0 {
		return fmt.Errorf("io_uring_register(RESTRICTIONS): %w", errno)
	}
	return nil
}

// registerFileTable registers a sparse fixed-file table of size n (spec.md
// §4.B step 4): every slot starts unbound (-1) and is filled in by the
// linked openat submitted for that source.
func (r *RingReader) registerFileTable(n int) error {
	slots := make([]int32, n)
	for i := range slots {
		slots[i] = -1
	}
	_, _, errno := unix.Syscall6(unix.SYS_IO_URING_REGISTER, uintptr(r.fd), registerFiles,
		uintptr(unsafe.Pointer(&slots[0])), uintptr(n), 0, 0)
	if errno != 0 {
		return fmt.Errorf("io_uring_register(FILES): %w", errno)
	}
	return nil
}

// registerBufferRegion registers the 2*bufSize*n contiguous arena region as
// fixed buffers (spec.md §4.B step 5), one iovec per per-source bucket.
func (r *RingReader) registerBufferRegion(a *arena.Arena, bufSize, n int) error {
	region := a.Registered()
	if len(region) == 0 {
		return nil
	}
	iovecs := make([]unix.Iovec, 2*n)
	for i := range iovecs {
		b := a.Buffer(i, bufSize)
		iovecs[i].Base = &b[0]
		iovecs[i].SetLen(bufSize)
	}
	_, _, errno := unix.Syscall6(unix.SYS_IO_URING_REGISTER, uintptr(r.fd), registerBuffers,
		uintptr(unsafe.Pointer(&iovecs[0])), uintptr(len(iovecs)), 0, 0)
	if errno != 0 {
		return fmt.Errorf("io_uring_register(BUFFERS): %w", errno)
	}
	return nil
}

// nextSQE returns the next free SQE slot and marks it pending submission.
func (r *RingReader) nextSQE() *sqe {
	tail := atomic.LoadUint32(r.sqTail)
	idx := (tail + r.pendingSubmit) & r.sqMask
	slot := (*uint32)(unsafe.Add(r.sqArray, uintptr(idx)*4))
	*slot = idx
	s := (*sqe)(unsafe.Add(r.sqesBase, uintptr(idx)*unsafe.Sizeof(sqe{})))
	*s = sqe{}
	r.pendingSubmit++
	return s
}

// submitOpenReadPairs fills SQEs for sources [from, to) as linked
// openat+read-fixed pairs (spec.md §4.B "Initial submission"). It only
// fills the queue; the caller is responsible for calling enter.
func (r *RingReader) submitOpenReadPairs(from, to int) error {
	for i := from; i < to; i++ {
		rs := r.sources[i]
		open := r.nextSQE()
		open.Opcode = opOpenat
		open.Fd = unix.AT_FDCWD
		nameBytes := append([]byte(rs.name), 0)
		open.Addr = uint64(uintptr(unsafe.Pointer(&nameBytes[0])))
		open.OpFlags = unix.O_RDONLY
		open.FileIndex = int32(i) + 1 // direct-descriptor slot, 1-based
		open.Flags = sqeIOLink | sqeCQESkipOK
		open.UserData = encodeUserData(i, tagOpen)

		rs.active = bucketA
		read := r.nextSQE()
		read.Opcode = opReadFix
		read.Fd = int32(i)
		read.Flags = sqeFixedFile
		read.Addr = uint64(uintptr(unsafe.Pointer(&rs.bufs[bucketA][0])))
		read.Len = uint32(rs.bufSize)
		read.Off = 0
		read.BufIndex = uint16(i * 2)
		read.UserData = encodeUserData(i, tagReadA)
		rs.submitted = true
	}
	return nil
}

// enter calls io_uring_enter, submitting the oldest toSubmit of the
// pendingSubmit filled SQEs and waiting for minComplete completions.
func (r *RingReader) enter(toSubmit, minComplete uint32) error {
	tail := atomic.LoadUint32(r.sqTail)
	atomic.StoreUint32(r.sqTail, tail+toSubmit)
	r.pendingSubmit -= toSubmit

	var flags uintptr
	if minComplete > 0 {
		flags = enterGetEvent
	}
	_, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(r.fd), uintptr(toSubmit),
		uintptr(minComplete), flags, 0, 0)
	if errno != 0 {
		return fmt.Errorf("io_uring_enter: %w", errno)
	}
	return nil
}

// drainCompletions consumes every available CQE and turns successful reads
// into ready Loans, resubmitting the other bucket's read to keep pipeline
// depth >= 1 (spec.md §4.B "Completion handling"). Open completions only
// ever surface on failure, since successful opens carry CQE_SKIP_SUCCESS.
func (r *RingReader) drainCompletions() {
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)
	for head != tail {
		idx := head & r.cqMask
		c := (*cqe)(unsafe.Add(r.cqesBase, uintptr(idx)*unsafe.Sizeof(cqe{})))
		r.handleCompletion(c)
		head++
	}
	atomic.StoreUint32(r.cqHead, head)
}

func (r *RingReader) handleCompletion(c *cqe) {
	if c.Res == -int32(unix.ECANCELED) {
		return // the cancelled read's own completion is discarded (spec.md §7)
	}
	src, t := decodeUserData(c.UserData)
	if src < 0 || src >= len(r.sources) {
		return
	}
	rs := r.sources[src]
	switch t {
	case tagCancel:
		return // the ASYNC_CANCEL SQE's completion carries nothing useful
	case tagOpen:
		// Only failures surface here; the link breaks, so no read follows.
		rs.openFailed = fmt.Errorf("open %s: %w", rs.name, unix.Errno(-c.Res))
		rs.eof = true
		r.completed = append(r.completed, Loan{Source: src, EOF: true})
		return
	case tagReadA, tagReadB:
		b := bucketA
		if t == tagReadB {
			b = bucketB
		}
		if c.Res < 0 {
			rs.openFailed = fmt.Errorf("read %s: %w", rs.name, unix.Errno(-c.Res))
			rs.eof = true
			r.completed = append(r.completed, Loan{Source: src, EOF: true})
			return
		}
		n := int(c.Res)
		if n == 0 {
			rs.eof = true
			r.completed = append(r.completed, Loan{Source: src, EOF: true})
			return
		}
		rs.bytesRead += int64(n)
		rs.active = b
		data := rs.bufs[b][:rs.carryLen+n]
		r.completed = append(r.completed, Loan{Source: src, Data: data})

		// Immediately submit the other bucket's read to keep depth >= 1.
		other := bucketB
		if b == bucketB {
			other = bucketA
		}
		read := r.nextSQE()
		read.Opcode = opReadFix
		read.Fd = int32(src)
		read.Flags = sqeFixedFile
		read.Addr = uint64(uintptr(unsafe.Pointer(&rs.bufs[other][0])))
		read.Len = uint32(rs.bufSize)
		read.Off = uint64(rs.bytesRead)
		read.BufIndex = uint16(src*2) + uint16(other)
		read.UserData = encodeUserData(src, bucketTag(other))
	}
}

// NumSources implements Reader.
func (r *RingReader) NumSources() int { return len(r.sources) }

// RequestRead implements Reader. The ring variant already keeps a read
// continuously in flight per source (resubmitted on each completion), so
// this only validates state; the actual submission happened either at
// construction or inside the completion handler for the read this call's
// Next is expected to eventually return.
func (r *RingReader) RequestRead(i int) error {
	if i < 0 || i >= len(r.sources) {
		return fmt.Errorf("source index %d out of range", i)
	}
	rs := r.sources[i]
	if rs.closed {
		return fmt.Errorf("source %d is closed", i)
	}
	if rs.loaned {
		return fmt.Errorf("source %d: request while a loan is outstanding", i)
	}
	return nil
}

// Next implements Reader (spec.md §4.B get_any_unloaned). If no completion
// is queued it submits pending SQEs and waits for at least one.
func (r *RingReader) Next() (Loan, error) {
	for len(r.completed) == 0 {
		if err := r.enter(r.pendingSubmit, 1); err != nil {
			return Loan{}, err
		}
		r.drainCompletions()
	}
	l := r.completed[0]
	r.completed = r.completed[1:]
	if err := r.sources[l.Source].openFailed; l.EOF && err != nil {
		return Loan{}, err
	}
	if !l.EOF {
		r.sources[l.Source].loaned = true
	}
	return l, nil
}

// ReturnLoan implements Reader.
func (r *RingReader) ReturnLoan(i, carryLen int) error {
	if i < 0 || i >= len(r.sources) {
		return fmt.Errorf("source index %d out of range", i)
	}
	rs := r.sources[i]
	if !rs.loaned {
		return fmt.Errorf("source %d: no outstanding loan to return", i)
	}
	if carryLen < 0 || carryLen > rs.bufSize {
		return fmt.Errorf("source %d: carryLen %d out of range", i, carryLen)
	}
	buf := rs.bufs[rs.active]
	copy(buf[:carryLen], buf[len(buf)-carryLen:])
	rs.carryLen = carryLen
	rs.loaned = false
	return nil
}

// Close implements Reader (spec.md §4.B close_file): stops issuing reads for
// i, cancels any in-flight read for it, and donates its buffer capacity to
// its right neighbor.
func (r *RingReader) Close(i int) error {
	if i < 0 || i >= len(r.sources) {
		return fmt.Errorf("source index %d out of range", i)
	}
	rs := r.sources[i]
	if rs.closed {
		return nil
	}
	rs.closed = true

	cancel := r.nextSQE()
	cancel.Opcode = opAsyncCxl
	cancel.Fd = int32(i)
	cancel.Flags = sqeFixedFile
	// IORING_ASYNC_CANCEL_FD | IORING_ASYNC_CANCEL_FD_FIXED: match requests
	// by fixed-file slot i rather than by user data.
	cancel.OpFlags = 1<<1 | 1<<3
	cancel.UserData = encodeUserData(i, tagCancel)
	if err := r.enter(r.pendingSubmit, 0); err != nil {
		return err
	}
	r.drainCompletions()

	if i+1 < len(r.sources) {
		r.sources[i+1].bufSize += rs.bufSize
	}
	return nil
}

// CloseAll implements Reader: cancels outstanding reads, unregisters and
// tears down the ring, and releases the arena.
func (r *RingReader) CloseAll() error {
	for i, rs := range r.sources {
		if !rs.closed {
			r.Close(i)
		}
	}
	var err error
	if r.arena != nil {
		err = r.arena.Close()
	}
	r.teardown()
	return err
}

func (r *RingReader) teardown() {
	if r.sqesMem != nil {
		unix.Munmap(r.sqesMem)
		r.sqesMem = nil
	}
	if r.cqMem != nil && r.sqMem != nil && len(r.cqMem) > 0 && len(r.sqMem) > 0 && &r.cqMem[0] != &r.sqMem[0] {
		unix.Munmap(r.cqMem)
	}
	if r.sqMem != nil {
		unix.Munmap(r.sqMem)
		r.sqMem = nil
	}
	r.cqMem = nil
	if r.fd != 0 {
		unix.Close(r.fd)
		r.fd = 0
	}
}
