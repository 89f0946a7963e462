package storage

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/dannyzb/ratched/mmapchunk"
)

// TorrentCapacity is the subset of FileList state a client-wide piece
// request scheduler needs to know about a download's on-disk storage, used
// as a generic type parameter in the root package's piece-request-order
// keying (see client-piece-request-order.go).
type TorrentCapacity interface {
	Capacity() int64
}

// fileEntry is one member of a FileList: its File plus the byte range
// (within the flattened torrent offset space) it covers.
type fileEntry struct {
	file  *File
	start int64 // offset of this file's first byte in the flattened space
}

// FileList holds the immutable file layout and chunk size for one torrent's
// storage. Grounded on original_source/src/torrent/data/file_list.cc/.h.
type FileList struct {
	root      string
	chunkSize int64
	manager   *FileManager

	entries []fileEntry
	total   int64

	opened bool
	seen   map[string]bool

	completedPieces []bool
	numPieces       int
}

func NewFileList(root string, chunkSize int64, manager *FileManager) *FileList {
	return &FileList{
		root:      root,
		chunkSize: chunkSize,
		manager:   manager,
		seen:      make(map[string]bool),
	}
}

func (fl *FileList) Capacity() int64 { return fl.total }

// PushBack appends a file of the given size at relative path. An
// empty-filename trailing path component represents an empty directory and
// must have zero size. Sum overflow (total exceeding a sane int64 range) is
// fatal, matching the original's push_back.
func (fl *FileList) PushBack(relPath string, size int64) error {
	if fl.opened {
		return errors.New("storage: PushBack after Open")
	}
	if size < 0 {
		return errors.Errorf("storage: negative file size for %q", relPath)
	}
	base := filepath.Base(relPath)
	if base == "" || base == "." {
		if size != 0 {
			return errors.Errorf("storage: empty-directory entry %q must have zero size", relPath)
		}
	}
	newTotal := fl.total + size
	if newTotal < fl.total {
		return errors.New("storage: file-list size overflow")
	}
	fl.entries = append(fl.entries, fileEntry{file: newFile(filepath.Join(fl.root, relPath), size), start: fl.total})
	fl.total = newTotal
	return nil
}

// Open creates directories and opens each file. Duplicate paths and
// opening twice both fail fast; Open is otherwise idempotent once
// successfully completed once.
func (fl *FileList) Open(want Prot) error {
	if fl.opened {
		return nil
	}
	for _, e := range fl.entries {
		if fl.seen[e.file.path] {
			return errors.Errorf("storage: duplicate path %q", e.file.path)
		}
		fl.seen[e.file.path] = true
	}
	for _, e := range fl.entries {
		if e.file.size == 0 && filepath.Base(e.file.path) == "" {
			if err := os.MkdirAll(e.file.path, 0o755); err != nil {
				return errors.Wrapf(err, "storage: mkdir %s", e.file.path)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(e.file.path), 0o755); err != nil {
			return errors.Wrapf(err, "storage: mkdir %s", filepath.Dir(e.file.path))
		}
		if ok, err := e.file.prepare(fl.manager, want); !ok {
			return err
		}
		if err := e.file.resize(e.file.size); err != nil {
			return err
		}
	}
	fl.numPieces = int((fl.total + fl.chunkSize - 1) / fl.chunkSize)
	fl.completedPieces = make([]bool, fl.numPieces)
	fl.opened = true
	return nil
}

// extents returns the flattened-space Extent for every file, for use with
// segmentsForRange.
func (fl *FileList) extents() []Extent {
	lens := make([]int64, len(fl.entries))
	for i, e := range fl.entries {
		lens[i] = e.file.size
	}
	return fileExtents(lens)
}

// CreateChunk locates the first file covering offset, then successively
// maps each contiguous sub-range until length bytes are satisfied. A
// partial failure releases all mappings already made for this chunk (they
// are owned only by the not-yet-returned Chunk) and returns no chunk.
func (fl *FileList) CreateChunk(offset, length int64, prot Prot) (*Chunk, error) {
	if !fl.opened {
		return nil, errors.New("storage: CreateChunk before Open")
	}
	var parts []chunkPart
	var failErr error
	segmentsForRange(fl.extents(), offset, length, func(fileIndex int, fileOff, segLen int64) bool {
		e := fl.entries[fileIndex]
		if ok, err := e.file.prepare(fl.manager, prot); !ok {
			failErr = err
			return false
		}
		mc, err := mmapchunk.New(e.file.osFile, fileOff, int(segLen), protToUnix(prot), true)
		if err != nil {
			failErr = err
			return false
		}
		parts = append(parts, chunkPart{file: e.file, mmap: mc})
		return true
	})
	if failErr != nil {
		for _, p := range parts {
			p.mmap.Unmap()
		}
		return nil, failErr
	}
	if len(parts) == 0 {
		return nil, errors.Errorf("storage: no file covers range [%d,+%d)", offset, length)
	}
	return &Chunk{parts: parts, offset: offset, length: length}, nil
}

func protToUnix(p Prot) int {
	const (
		unixProtRead  = 0x1
		unixProtWrite = 0x2
	)
	n := 0
	if p&ProtRead != 0 {
		n |= unixProtRead
	}
	if p&ProtWrite != 0 {
		n |= unixProtWrite
	}
	return n
}

// CreateChunkIndex returns a chunk for piece i, accounting for the
// possibly-shorter final piece.
func (fl *FileList) CreateChunkIndex(i int, prot Prot) (*Chunk, error) {
	offset := int64(i) * fl.chunkSize
	length := fl.chunkSize
	if offset+length > fl.total {
		length = fl.total - offset
	}
	if length <= 0 {
		return nil, errors.Errorf("storage: piece %d out of range", i)
	}
	return fl.CreateChunkIndex2(offset, length, prot)
}

// CreateChunkIndex2 is CreateChunkIndex's implementation split out so
// CreateChunkIndex reads as the spec names it while still sharing
// CreateChunk's scatter/gather walk.
func (fl *FileList) CreateChunkIndex2(offset, length int64, prot Prot) (*Chunk, error) {
	return fl.CreateChunk(offset, length, prot)
}

// MarkCompleted sets the i-th bit, increments per-file completion counters
// across the files that overlap piece i, and reports whether the piece was
// newly completed (the caller uses this to decrement a wanted-chunks
// count).
func (fl *FileList) MarkCompleted(i int) (newlyCompleted bool) {
	if i < 0 || i >= len(fl.completedPieces) || fl.completedPieces[i] {
		return false
	}
	fl.completedPieces[i] = true
	offset := int64(i) * fl.chunkSize
	length := fl.chunkSize
	if offset+length > fl.total {
		length = fl.total - offset
	}
	segmentsForRange(fl.extents(), offset, length, func(fileIndex int, fileOff, segLen int64) bool {
		fl.entries[fileIndex].file.completedPieces++
		return true
	})
	return true
}

func (fl *FileList) NumPieces() int { return fl.numPieces }
func (fl *FileList) ChunkSize() int64 { return fl.chunkSize }
func (fl *FileList) TotalLength() int64 { return fl.total }
