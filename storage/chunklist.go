package storage

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dannyzb/ratched/mmapchunk"
)

const advicePreload = mmapchunk.AdviceWillNeed

// GetFlags controls ChunkList.Get's admission policy.
type GetFlags int

const (
	GetReadable GetFlags = 1 << iota
	GetWritable
	GetBlocking  // caller intends to hand the handle to the hash-check queue
	GetDoNotCreate
)

// chunkListNode is one piece's entry in a ChunkList: the mapped Chunk (if
// any), its refcount, dirty/error state and queued-for-sync bookkeeping.
// Grounded on original_source/src/torrent/data/chunk_list_node.h.
type chunkListNode struct {
	mu sync.Mutex

	index    int
	chunk    *Chunk
	refcount int
	blocking bool // currently held for hashing; refuses concurrent writers
	dirty    bool
	errored  error

	queued       bool // in the deferred sync set
	lastModified time.Time
	lastPreload  time.Time
}

// ReadMode, WriteMode and HashingMode are the phantom type parameters for
// ChunkHandle, labelling a handle about to be handed to the hash-check queue
// apart from one still open for writes (spec.md §9's typestate split). They
// are labels only: the compiler does not restrict methods by them.
type (
	ReadMode    struct{}
	WriteMode   struct{}
	HashingMode struct{}
)

// ChunkHandle is a refcounted reference to a mapped piece. The phantom type
// parameter M records the mode the handle was obtained in; it does not
// remove WriteAt from HashingMode handles.
type ChunkHandle[M any] struct {
	node *chunkListNode
}

func (h ChunkHandle[M]) Valid() bool { return h.node != nil && h.node.errored == nil }
func (h ChunkHandle[M]) Err() error {
	if h.node == nil {
		return errors.New("storage: nil chunk handle")
	}
	return h.node.errored
}

func (h ChunkHandle[M]) ReadAt(b []byte, off int64) (int, error) {
	return h.node.chunk.ReadAt(b, off)
}

// WriteAt writes through the mapping and marks the chunk dirty. It is
// defined for every ChunkHandle instantiation (WriteMode below is just the
// receiver's type-parameter name), so a HashingMode handle can call it too.
func (h ChunkHandle[WriteMode]) WriteAt(b []byte, off int64) (int, error) {
	n, err := h.node.chunk.WriteAt(b, off)
	if n > 0 {
		h.node.mu.Lock()
		h.node.dirty = true
		h.node.lastModified = time.Now()
		h.node.mu.Unlock()
	}
	return n, err
}

// ChunkList is a vector of chunk-list-nodes indexed by piece, with an
// auxiliary set of nodes queued for deferred write-back. Grounded on
// original_source/src/torrent/data/chunk_list.cc/.h.
type ChunkList struct {
	mu       sync.Mutex
	files    *FileList
	nodes    []*chunkListNode
	queued   map[int]*chunkListNode

	SyncAgeThreshold time.Duration
	PreloadCooldown  time.Duration
	PreloadMinSize   int64
}

func NewChunkList(files *FileList) *ChunkList {
	n := files.NumPieces()
	cl := &ChunkList{
		files:            files,
		nodes:            make([]*chunkListNode, n),
		queued:           make(map[int]*chunkListNode),
		SyncAgeThreshold: 10 * time.Second,
		PreloadCooldown:  60 * time.Second,
		PreloadMinSize:   64 << 10,
	}
	for i := range cl.nodes {
		cl.nodes[i] = &chunkListNode{index: i}
	}
	return cl
}

// getNode returns the index's node, mapping it via storage if not already
// mapped with sufficient protection. See Get for the exported, typed form.
func (cl *ChunkList) getNode(index int, flags GetFlags) (*chunkListNode, error) {
	node := cl.nodes[index]
	node.mu.Lock()
	defer node.mu.Unlock()

	if node.errored != nil {
		return node, node.errored
	}
	if flags&GetWritable != 0 && node.blocking {
		return nil, errors.Errorf("storage: piece %d is blocking (hash-check in progress), write refused", index)
	}
	wantProt := Prot(0)
	if flags&GetReadable != 0 {
		wantProt |= ProtRead
	}
	if flags&GetWritable != 0 {
		wantProt |= ProtWrite
	}
	haveProt := Prot(0)
	if node.chunk != nil {
		// Re-derive protection from whether the chunk's first part is
		// writable; a chunk is opened with the union of all protections
		// ever requested for it, so this is a coarse but sufficient test.
		if node.chunk.parts[0].mmap.IsWritable() {
			haveProt |= ProtWrite
		}
		if node.chunk.parts[0].mmap.IsReadable() {
			haveProt |= ProtRead
		}
	}
	if node.chunk != nil && haveProt.satisfies(wantProt) {
		node.refcount++
		if flags&GetBlocking != 0 {
			node.blocking = true
		}
		return node, nil
	}
	if flags&GetDoNotCreate != 0 {
		return nil, errors.Errorf("storage: piece %d not mapped and do-not-create set", index)
	}
	offset := int64(index) * cl.files.chunkSize
	length := cl.files.chunkSize
	if offset+length > cl.files.total {
		length = cl.files.total - offset
	}
	// Union with any previously-held protection so a subsequent downgrade
	// (e.g. read-only hash check after a write) doesn't need to remap.
	chunk, err := cl.files.CreateChunk(offset, length, wantProt|haveProt)
	if err != nil {
		node.errored = err
		return node, err
	}
	if node.chunk != nil {
		node.chunk.Unmap()
	}
	node.chunk = chunk
	node.refcount++
	if flags&GetBlocking != 0 {
		node.blocking = true
	}
	return node, nil
}

// Get returns a ChunkHandle typed for the requested mode. The caller picks
// the type parameter matching the flags it passed; mismatches (e.g.
// WriteMode without GetWritable) are a caller bug, same as the underlying
// spec's flag contract.
func Get[M any](cl *ChunkList, index int, flags GetFlags) (ChunkHandle[M], error) {
	node, err := cl.getNode(index, flags)
	if err != nil {
		return ChunkHandle[M]{}, err
	}
	return ChunkHandle[M]{node: node}, nil
}

// Release decrements the refcount and, if the node is dirty, enqueues it
// for periodic sync.
func (cl *ChunkList) Release(index int) {
	node := cl.nodes[index]
	node.mu.Lock()
	node.refcount--
	if node.refcount < 0 {
		node.refcount = 0
	}
	node.blocking = node.blocking && node.refcount > 0
	dirty := node.dirty
	node.mu.Unlock()

	if dirty {
		cl.mu.Lock()
		node.mu.Lock()
		node.queued = true
		node.mu.Unlock()
		cl.queued[index] = node
		cl.mu.Unlock()
	}
}

// Refcount reports a node's current refcount, for invariant checks
// (spec.md §8: refcount >= 0, refcount == 0 => evictable).
func (cl *ChunkList) Refcount(index int) int {
	node := cl.nodes[index]
	node.mu.Lock()
	defer node.mu.Unlock()
	return node.refcount
}

// SyncChunks walks the deferred set and issues msync for nodes whose
// modify-age exceeds SyncAgeThreshold, evicting successfully synced nodes'
// mappings when evictOnSync is set (memory pressure high).
func (cl *ChunkList) SyncChunks(evictOnSync bool) (synced, failed int) {
	cl.mu.Lock()
	due := make([]int, 0, len(cl.queued))
	now := time.Now()
	for idx, node := range cl.queued {
		node.mu.Lock()
		age := now.Sub(node.lastModified)
		node.mu.Unlock()
		if age >= cl.SyncAgeThreshold {
			due = append(due, idx)
		}
	}
	cl.mu.Unlock()

	for _, idx := range due {
		node := cl.nodes[idx]
		node.mu.Lock()
		chunk := node.chunk
		node.mu.Unlock()
		if chunk == nil {
			continue
		}
		if err := chunk.Sync(); err != nil {
			node.mu.Lock()
			node.errored = err
			node.mu.Unlock()
			failed++
			continue
		}
		node.mu.Lock()
		node.dirty = false
		node.queued = false
		refcount := node.refcount
		node.mu.Unlock()
		cl.mu.Lock()
		delete(cl.queued, idx)
		cl.mu.Unlock()
		synced++
		if evictOnSync && refcount == 0 {
			node.mu.Lock()
			if node.chunk != nil {
				node.chunk.Unmap()
				node.chunk = nil
			}
			node.mu.Unlock()
		}
	}
	return
}

// Preload advises the kernel to fault the chunk's pages in, suppressed if
// the node was preloaded within the last PreloadCooldown or the chunk is
// smaller than PreloadMinSize.
func (cl *ChunkList) Preload(index int) {
	node := cl.nodes[index]
	node.mu.Lock()
	defer node.mu.Unlock()
	if node.chunk == nil {
		return
	}
	if node.chunk.Length() < cl.PreloadMinSize {
		return
	}
	if time.Since(node.lastPreload) < cl.PreloadCooldown {
		return
	}
	for _, p := range node.chunk.parts {
		p.mmap.Advise(0, p.mmap.Size(), advicePreload)
	}
	node.lastPreload = time.Now()
}
