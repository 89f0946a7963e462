// Package storage implements the on-disk file layout, chunk-list and
// hash-check memory management for a torrent: the File/FileManager (§4.B),
// Storage/FileList (§4.C) and ChunkList (§4.D) components. Grounded on
// original_source/src/data/file.cc/.h, file_manager.cc/.h and
// torrent/data/file_list.cc/.h.
package storage

import (
	"container/list"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Prot is a bitmask of access protections a File may be prepared with,
// mirroring MemoryChunk's prot_read/prot_write constants.
type Prot int

const (
	ProtRead Prot = 1 << iota
	ProtWrite
)

func (p Prot) satisfies(want Prot) bool { return want&^p == 0 }

// File holds one torrent file: its on-disk path, size, and (if open) OS
// file handle and the protection it was opened under. Grounded on
// original_source/src/data/file.cc (File::prepare/resize).
type File struct {
	mu sync.Mutex

	path string
	size int64

	osFile       *os.File
	prot         Prot
	lastTouched  time.Time
	completedPieces int
}

func newFile(path string, size int64) *File {
	return &File{path: path, size: size}
}

func (f *File) Path() string { return f.path }
func (f *File) Size() int64  { return f.size }

// IsOpen reports whether the file currently has a live descriptor.
func (f *File) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.osFile != nil
}

// prepare ensures the file is open with at least the requested protection,
// opening (or reopening with wider protection) via the manager if needed.
// Updates last-touched on every call, matching File::prepare's
// touch-on-every-prepare semantics.
func (f *File) prepare(fm *FileManager, want Prot) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTouched = time.Now()
	if f.osFile != nil && f.prot.satisfies(want) {
		fm.touch(f)
		return true, nil
	}
	flag := os.O_RDONLY
	if want&ProtWrite != 0 {
		flag = os.O_RDWR | os.O_CREATE
	}
	osf, err := os.OpenFile(f.path, flag, 0o644)
	if err != nil {
		return false, errors.Wrapf(err, "storage: opening %s", f.path)
	}
	if f.osFile != nil {
		f.osFile.Close()
	}
	f.osFile = osf
	f.prot = want
	fm.register(f)
	return true, nil
}

// resize attempts best-effort sparse allocation to size via fallocate,
// falling back to truncate + a 1-byte write at size-1 for filesystems that
// reject truncate-grow.
func (f *File) resize(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.osFile == nil {
		return errors.New("storage: resize on unopened file")
	}
	f.size = size
	if size == 0 {
		return f.osFile.Truncate(0)
	}
	if err := unix.Fallocate(int(f.osFile.Fd()), 0, 0, size); err == nil {
		return nil
	}
	if err := f.osFile.Truncate(size); err == nil {
		return nil
	}
	if _, err := f.osFile.WriteAt([]byte{0}, size-1); err != nil {
		return errors.Wrapf(err, "storage: fallback grow of %s", f.path)
	}
	return nil
}

func (f *File) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.osFile == nil {
		return nil
	}
	err := f.osFile.Close()
	f.osFile = nil
	return err
}

// FileManager owns a bounded LRU set of open file descriptors shared across
// a torrent's files: at most MaxOpenFiles open at once, evicting the
// least-recently-prepared entry. Grounded on
// original_source/src/data/file_manager.cc/.h.
type FileManager struct {
	mu           sync.Mutex
	MaxOpenFiles int
	order        *list.List // front = most recently touched
	elems        map[*File]*list.Element
}

func NewFileManager(maxOpenFiles int) *FileManager {
	if maxOpenFiles <= 0 {
		maxOpenFiles = 128
	}
	return &FileManager{
		MaxOpenFiles: maxOpenFiles,
		order:        list.New(),
		elems:        make(map[*File]*list.Element),
	}
}

func (fm *FileManager) register(f *File) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if e, ok := fm.elems[f]; ok {
		fm.order.MoveToFront(e)
		return
	}
	fm.elems[f] = fm.order.PushFront(f)
	fm.evictOverflow()
}

func (fm *FileManager) touch(f *File) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if e, ok := fm.elems[f]; ok {
		fm.order.MoveToFront(e)
	}
}

// evictOverflow closes least-recently-touched files until at most
// MaxOpenFiles remain open. Called with fm.mu held.
func (fm *FileManager) evictOverflow() {
	for fm.order.Len() > fm.MaxOpenFiles {
		back := fm.order.Back()
		victim := back.Value.(*File)
		fm.order.Remove(back)
		delete(fm.elems, victim)
		victim.close()
	}
}

// Close closes f if open and removes it from the LRU; idempotent for files
// not currently tracked.
func (fm *FileManager) Close(f *File) error {
	fm.mu.Lock()
	if e, ok := fm.elems[f]; ok {
		fm.order.Remove(e)
		delete(fm.elems, f)
	}
	fm.mu.Unlock()
	return f.close()
}

func (fm *FileManager) openCount() int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.order.Len()
}

var errOpenFileFailed = fmt.Errorf("storage: prepare failed")
