package torrent

import (
	"sync"

	requestStrategy "github.com/dannyzb/ratched/internal/request-strategy"
	"github.com/dannyzb/ratched/storage"
)

// PiecePriority mirrors the teacher's priority scale for whether a piece
// should be requested at all and how eagerly. Aliased to the request
// strategy package's type so PieceRequestOrderState.Priority comparisons
// against these constants (torrent-piece-request-order.go) need no
// conversion.
type PiecePriority = requestStrategy.PiecePriority

const (
	PiecePriorityNone PiecePriority = iota
	PiecePriorityNormal
	PiecePriorityHigh
	PiecePriorityNow
)

// pieceInfo is the immutable geometry of one piece: its byte offset and
// length within the torrent, mirroring the teacher's Torrent.info lookups
// that storagePieceReader.ReadAt relies on.
type pieceInfo struct {
	offset, length int64
}

func (i pieceInfo) Offset() int64 { return i.offset }
func (i pieceInfo) Length() int64 { return i.length }

// Piece is the root package's per-piece bookkeeping: completion state,
// in-flight write tracking, and who has dirtied it. Grounded on the
// teacher's own piece.go shape (kept file deleted as redundant with this
// rewrite — see DESIGN.md) and storage.ChunkList for the actual bytes.
type Piece struct {
	t     *Torrent
	index int

	mu sync.Mutex

	info pieceInfo

	hashing       bool
	queuedForHash bool
	dirty         bool
	completed     bool

	pendingWrites int
	noPendingWrites sync.Cond

	dirtiers map[*Peer]struct{}
}

func (p *Piece) Info() pieceInfo { return p.info }

// Storage returns an io.ReaderAt over this piece's bytes,
// obtained from the torrent's storage.ChunkList. Matches the teacher's
// storagePieceReader.ReadAt call-site expectations (storage.go).
func (p *Piece) Storage() storagePieceRW {
	return storagePieceRW{t: p.t, index: p.index}
}

type storagePieceRW struct {
	t     *Torrent
	index int
}

func (s storagePieceRW) ReadAt(b []byte, off int64) (int, error) {
	h, err := storage.Get[storage.ReadMode](s.t.storage.chunks, s.index, storage.GetReadable)
	if err != nil {
		return 0, err
	}
	defer s.t.storage.chunks.Release(s.index)
	return h.ReadAt(b, off)
}

func (p *Piece) incrementPendingWrites() {
	p.mu.Lock()
	p.pendingWrites++
	p.mu.Unlock()
}

func (p *Piece) decrementPendingWrites() {
	p.mu.Lock()
	p.pendingWrites--
	if p.pendingWrites == 0 {
		p.noPendingWrites.Broadcast()
	}
	p.mu.Unlock()
}

func (p *Piece) waitNoPendingWrites() {
	p.mu.Lock()
	for p.pendingWrites > 0 {
		p.noPendingWrites.Wait()
	}
	p.mu.Unlock()
}

// unpendChunkIndex does nothing: no per-block outstanding state is kept on
// a Piece. It is a narrow hook kept for call-site compatibility with the
// teacher's receiveChunk.
func (p *Piece) unpendChunkIndex(chunkIndex int) {}
