package storage

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

// TestFileListChunkRoundTrip exercises the FileList/ChunkList pair the way
// mmap_test.go exercises the teacher's single-arena MMap: push a file,
// open it, write a chunk's worth of bytes through a WriteMode handle, and
// read them back through an independent ReadMode handle. Grounded on
// storage/mmap_test.go's qt.New/c.Assert style.
func TestFileListChunkRoundTrip(t *testing.T) {
	c := qt.New(t)
	const chunkSize = 1 << 14

	fm := NewFileManager(8)
	fl := NewFileList(c.Mkdir(), chunkSize, fm)
	c.Assert(fl.PushBack("data.bin", 3*chunkSize), qt.IsNil)
	c.Assert(fl.Open(ProtRead|ProtWrite), qt.IsNil)
	c.Assert(fl.NumPieces(), qt.Equals, 3)

	cl := NewChunkList(fl)

	want := make([]byte, chunkSize)
	for i := range want {
		want[i] = byte(i)
	}

	wh, err := Get[WriteMode](cl, 1, GetWritable)
	c.Assert(err, qt.IsNil)
	n, err := wh.WriteAt(want, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, len(want))
	cl.Release(1)

	rh, err := Get[ReadMode](cl, 1, GetReadable)
	c.Assert(err, qt.IsNil)
	got := make([]byte, chunkSize)
	_, err = rh.ReadAt(got, 0)
	c.Assert(err, qt.IsNil)
	cl.Release(1)

	c.Assert(got, qt.DeepEquals, want)
	c.Assert(cl.Refcount(1), qt.Equals, 0)
}

// TestFileListMarkCompletedIsOnceOnly checks MarkCompleted's newly-completed
// reporting: true the first time a chunk is marked, false on a repeat.
func TestFileListMarkCompletedIsOnceOnly(t *testing.T) {
	c := qt.New(t)
	const chunkSize = 1 << 14

	fm := NewFileManager(8)
	fl := NewFileList(c.Mkdir(), chunkSize, fm)
	c.Assert(fl.PushBack("data.bin", 2*chunkSize), qt.IsNil)
	c.Assert(fl.Open(ProtRead|ProtWrite), qt.IsNil)

	c.Assert(fl.MarkCompleted(0), qt.IsTrue)
	c.Assert(fl.MarkCompleted(0), qt.IsFalse)
	c.Assert(fl.MarkCompleted(1), qt.IsTrue)
}
