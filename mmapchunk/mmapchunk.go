// Package mmapchunk wraps a single memory mapping: creation, range
// validation, madvise/msync hints and page-residency queries. Grounded on
// original_source/src/data/memory_chunk.cc/.h (MemoryChunk), using
// github.com/edsrzf/mmap-go for the mapping itself and
// golang.org/x/sys/unix for advise/sync/incore, matching the teacher's own
// choice of those two modules for platform mmap support.
package mmapchunk

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// Advice selects a madvise hint.
type Advice int

const (
	AdviceNormal Advice = iota
	AdviceRandom
	AdviceSequential
	AdviceWillNeed
	AdviceDontNeed
)

// SyncMode selects an msync mode.
type SyncMode int

const (
	SyncSync SyncMode = iota
	SyncAsync
	SyncInvalidate
)

var pageSize = os.Getpagesize()

// internalError indicates a bug: the caller passed an already-validated
// range to an operation that then failed at the OS level.
type internalError struct {
	op  string
	err error
}

func (e *internalError) Error() string {
	return fmt.Sprintf("mmapchunk: %s on validated range: %v", e.op, e.err)
}
func (e *internalError) Unwrap() error { return e.err }

// Chunk is a single mapping of a file region. ptr/begin/end delimit the
// page-aligned mapping and the caller-usable sub-range within it, exactly
// as MemoryChunk does: begin points past the alignment padding.
type Chunk struct {
	mapping    mmap.MMap
	begin, end int // usable range, as offsets into mapping
	prot       int
	shared     bool
}

// New creates a mapping of fd covering [offset, offset+length), page-aligning
// offset downward. prot is an OR of unix.PROT_READ/PROT_WRITE. shared
// selects MAP_SHARED vs MAP_PRIVATE semantics.
func New(f *os.File, offset int64, length int, prot int, shared bool) (*Chunk, error) {
	if length <= 0 {
		return nil, fmt.Errorf("mmapchunk: invalid length %d", length)
	}
	aligned := offset - offset%int64(pageSize)
	pad := int(offset - aligned)
	mapLen := pad + length
	mmapProt := mmap.RDONLY
	if prot&unix.PROT_WRITE != 0 {
		mmapProt = mmap.RDWR
		if !shared {
			mmapProt = mmap.COPY
		}
	}
	m, err := mmap.MapRegion(f, mapLen, mmapProt, 0, aligned)
	if err != nil {
		return nil, err
	}
	return &Chunk{mapping: m, begin: pad, end: pad + length, prot: prot, shared: shared}, nil
}

func (c *Chunk) Bytes() []byte { return c.mapping[c.begin:c.end] }

func (c *Chunk) Size() int { return c.end - c.begin }

func (c *Chunk) IsReadable() bool { return c.prot&unix.PROT_READ != 0 }
func (c *Chunk) IsWritable() bool { return c.prot&unix.PROT_WRITE != 0 }

// IsValidRange reports whether [offset, offset+length) is non-empty and
// stays within the usable range.
func (c *Chunk) IsValidRange(offset, length int) bool {
	return length != 0 && offset >= 0 && int64(offset)+int64(length) <= int64(c.Size())
}

// alignPair widens [offset, offset+length) outward to page boundaries
// relative to the start of the mapping.
func (c *Chunk) alignPair(offset, length int) (alignedOff, alignedLen int) {
	abs := c.begin + offset
	lo := abs - abs%pageSize
	hi := abs + length
	if rem := hi % pageSize; rem != 0 {
		hi += pageSize - rem
	}
	return lo, hi - lo
}

// Advise applies a madvise hint to the validated range. Syscall failure on
// an already-validated range is a programmer error, not a runtime
// condition, so it panics via internalError; callers validate with
// IsValidRange first.
func (c *Chunk) Advise(offset, length int, hint Advice) {
	if !c.IsValidRange(offset, length) {
		return
	}
	off, ln := c.alignPair(offset, length)
	var native int
	switch hint {
	case AdviceNormal:
		native = unix.MADV_NORMAL
	case AdviceRandom:
		native = unix.MADV_RANDOM
	case AdviceSequential:
		native = unix.MADV_SEQUENTIAL
	case AdviceWillNeed:
		native = unix.MADV_WILLNEED
	case AdviceDontNeed:
		native = unix.MADV_DONTNEED
	}
	if err := unix.Madvise(c.mapping[off:off+ln], native); err != nil {
		panic(&internalError{"madvise", err})
	}
}

// Sync flushes the validated range to backing storage.
func (c *Chunk) Sync(offset, length int, mode SyncMode) error {
	if !c.IsValidRange(offset, length) {
		return fmt.Errorf("mmapchunk: invalid range [%d,+%d)", offset, length)
	}
	off, ln := c.alignPair(offset, length)
	var flags int
	switch mode {
	case SyncSync:
		flags = unix.MS_SYNC
	case SyncAsync:
		flags = unix.MS_ASYNC
	case SyncInvalidate:
		flags = unix.MS_SYNC | unix.MS_INVALIDATE
	}
	if err := unix.Msync(c.mapping[off:off+ln], flags); err != nil {
		return &internalError{"msync", err}
	}
	return nil
}

// Incore populates a byte-per-page residency vector for the validated range.
// buf must be at least PagesTouched(offset, length) bytes.
func (c *Chunk) Incore(buf []byte, offset, length int) error {
	if !c.IsValidRange(offset, length) {
		return fmt.Errorf("mmapchunk: invalid range [%d,+%d)", offset, length)
	}
	off, ln := c.alignPair(offset, length)
	return unix.Mincore(c.mapping[off:off+ln], buf)
}

// PagesTouched returns the number of pages the range covers given the
// mapping's alignment. Caller must pass length != 0.
func (c *Chunk) PagesTouched(offset, length int) int {
	pageAlign := (offset + c.begin) % pageSize
	return (length + pageAlign + pageSize - 1) / pageSize
}

// Unmap releases the mapping. Safe to call once.
func (c *Chunk) Unmap() error {
	if c.mapping == nil {
		return nil
	}
	err := c.mapping.Unmap()
	c.mapping = nil
	return err
}
