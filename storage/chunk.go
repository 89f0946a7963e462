package storage

import (
	"crypto/sha1"
	"io"

	"github.com/dannyzb/ratched/mmapchunk"
)

// chunkPart is one file's contribution to a Chunk that spans a file
// boundary.
type chunkPart struct {
	file *File
	mmap *mmapchunk.Chunk
}

// Chunk is a piece's mapped byte range, possibly scattered across several
// files' mappings (the teacher's storagePieceReader.ReadAt spans pieces the
// same way this spans files within one piece). Grounded on
// original_source/src/data/chunk.cc/.h's ChunkPart list.
type Chunk struct {
	parts         []chunkPart
	offset, length int64
}

func (c *Chunk) Length() int64 { return c.length }

// ReadAt implements io.ReaderAt over the concatenation of this chunk's
// parts, mirroring create_chunk's scatter/gather layout.
func (c *Chunk) ReadAt(b []byte, off int64) (n int, err error) {
	if off < 0 || off >= c.length {
		return 0, io.EOF
	}
	var base int64
	for _, p := range c.parts {
		partLen := int64(p.mmap.Size())
		if off >= base+partLen {
			base += partLen
			continue
		}
		partOff := off - base
		avail := partLen - partOff
		toCopy := int64(len(b) - n)
		if toCopy > avail {
			toCopy = avail
		}
		copy(b[n:int64(n)+toCopy], p.mmap.Bytes()[partOff:partOff+toCopy])
		n += int(toCopy)
		off += toCopy
		base += partLen
		if int64(n) >= int64(len(b)) {
			return n, nil
		}
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt over the chunk's parts.
func (c *Chunk) WriteAt(b []byte, off int64) (n int, err error) {
	if off < 0 || off >= c.length {
		return 0, io.EOF
	}
	var base int64
	for _, p := range c.parts {
		partLen := int64(p.mmap.Size())
		if off >= base+partLen {
			base += partLen
			continue
		}
		if !p.mmap.IsWritable() {
			return n, io.ErrShortWrite
		}
		partOff := off - base
		avail := partLen - partOff
		toCopy := int64(len(b) - n)
		if toCopy > avail {
			toCopy = avail
		}
		copy(p.mmap.Bytes()[partOff:partOff+toCopy], b[n:int64(n)+toCopy])
		n += int(toCopy)
		off += toCopy
		base += partLen
		if int64(n) >= int64(len(b)) {
			return n, nil
		}
	}
	return n, nil
}

// Hash computes SHA-1 over the chunk's bytes by scattering the read across
// its parts, matching §4.E's "SHA-1s the chunk via scatter over its
// chunk-parts" without requiring a single contiguous buffer.
func (c *Chunk) Hash() [20]byte {
	h := sha1.New()
	for _, p := range c.parts {
		h.Write(p.mmap.Bytes())
	}
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Unmap releases all of this chunk's underlying mappings.
func (c *Chunk) Unmap() error {
	var firstErr error
	for _, p := range c.parts {
		if err := p.mmap.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Sync flushes the whole chunk's dirty pages to backing storage.
func (c *Chunk) Sync() error {
	var firstErr error
	for _, p := range c.parts {
		if err := p.mmap.Sync(0, p.mmap.Size(), mmapchunk.SyncSync); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
