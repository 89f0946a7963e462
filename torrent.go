package torrent

import (
	"errors"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/dannyzb/ratched/choke"
	requestStrategy "github.com/dannyzb/ratched/internal/request-strategy"
	pp "github.com/dannyzb/ratched/peer_protocol"
	"github.com/dannyzb/ratched/storage"
)

// torrentStorage bundles the on-disk storage apparatus for one Torrent:
// the shared FileList/ChunkList pair plus whichever capacity object keys
// it into the client-wide piece request order (storage.go's
// storagePieceReader reads through here via Piece.Storage()).
type torrentStorage struct {
	files    *storage.FileList
	chunks   *storage.ChunkList
	Capacity storage.TorrentCapacity // nil unless shared with other Torrents
}

// Torrent is one download/upload's full state: piece geometry, connected
// peers, request bookkeeping and storage. Scoped down from the teacher's
// original Torrent (which spans DHT, trackers, webseeds) to the
// single-transport surface this module implements -- see DESIGN.md for
// the trim rationale.
type Torrent struct {
	cl *Client

	infoHash [20]byte

	mu sync.RWMutex

	pieces    []Piece
	chunkSize pp.Integer

	storage *torrentStorage

	connStats ConnStats

	peers map[*Peer]struct{}

	requestState map[RequestIndex]requestState

	_pendingPieces roaring.Bitmap

	smartBanCache *smartBanCache

	dataDownloadDisallowed atomicBool

	// pieceHashes is the expected SHA-1 per piece, supplied at construction.
	// Nil when hash verification is skipped (e.g. trusted local seed data).
	pieceHashes map[pieceIndex][20]byte

	requestStrategyPieceOrderStateFn func(pieceIndex) requestStrategy.PieceRequestOrderState

	seedingMode bool

	// pieceAvailability is the rarest-first peer count per piece: how many
	// connected peers have announced (via Have/Bitfield/HaveAll) that they
	// hold each piece. Fed into requestStrategyPieceOrderState's
	// Availability field (spec.md §4.J rarest-first ordering).
	pieceAvailability []int32

	// chokeGroup is this torrent's upload/download choke queues (spec.md
	// §4.J). The Client aggregates every Torrent's Upload queue into its
	// own choke.ResourceManager to distribute a global unchoke budget.
	chokeGroup *choke.Group
}

func newTorrent(cl *Client, infoHash [20]byte, numPieces int, chunkSize pp.Integer) *Torrent {
	t := &Torrent{
		cl:                cl,
		infoHash:          infoHash,
		pieces:            make([]Piece, numPieces),
		chunkSize:         chunkSize,
		peers:             make(map[*Peer]struct{}),
		requestState:      make(map[RequestIndex]requestState),
		smartBanCache:     newSmartBanCache(),
		pieceAvailability: make([]int32, numPieces),
		chokeGroup:        choke.NewGroup(choke.Unlimited, choke.Unlimited),
	}
	for i := range t.pieces {
		t.pieces[i].t = t
		t.pieces[i].index = i
		t.pieces[i].noPendingWrites.L = &t.pieces[i].mu
	}
	return t
}

func (t *Torrent) numPieces() int { return len(t.pieces) }

// haveInfo reports whether piece geometry is known. This module never
// parses torrent metadata itself (out of scope), so geometry is always
// supplied at construction and this is always true once a Torrent exists.
func (t *Torrent) haveInfo() bool { return len(t.pieces) > 0 }

// bitfield snapshots which pieces are currently complete, for a Peer's
// post-handshake Bitfield announcement.
func (t *Torrent) bitfield() []bool {
	bf := make([]bool, len(t.pieces))
	for i := range t.pieces {
		t.pieces[i].mu.Lock()
		bf[i] = t.pieces[i].completed
		t.pieces[i].mu.Unlock()
	}
	return bf
}

func (t *Torrent) haveAllPieces() bool {
	for i := range t.pieces {
		t.pieces[i].mu.Lock()
		done := t.pieces[i].completed
		t.pieces[i].mu.Unlock()
		if !done {
			return false
		}
	}
	return true
}

func (t *Torrent) seeding() bool { return t.seedingMode }

// pieceIndexOfRequestIndex returns the piece a flattened RequestIndex falls
// within.
func (t *Torrent) pieceIndexOfRequestIndex(r RequestIndex) pieceIndex {
	return t.pieceForRequestIndex(r)
}

// pieceRequestIndexOffset returns the first RequestIndex belonging to
// piece, i.e. the flattened block-request number at the start of that
// piece. Blocks are MaxBlockLength-sized within a piece except for the
// trailing remainder.
func (t *Torrent) pieceRequestIndexOffset(piece pieceIndex) RequestIndex {
	var offset RequestIndex
	for i := 0; i < piece; i++ {
		offset += RequestIndex(t.blocksInPiece(i))
	}
	return offset
}

// requestIndexesForPiece returns the half-open [start, end) range of
// flattened RequestIndexes belonging to piece.
func (t *Torrent) requestIndexesForPiece(piece pieceIndex) (start, end RequestIndex) {
	start = t.pieceRequestIndexOffset(piece)
	end = start + RequestIndex(t.blocksInPiece(piece))
	return
}

func (t *Torrent) blocksInPiece(piece pieceIndex) int {
	length := t.pieceLength(piece)
	return int((int64(length) + int64(pp.MaxBlockLength) - 1) / int64(pp.MaxBlockLength))
}

func (t *Torrent) pieceLength(piece pieceIndex) int64 {
	info := t.pieces[piece].info
	if info.length != 0 {
		return info.length
	}
	return int64(t.chunkSize)
}

// requestIndexToRequest expands a flattened RequestIndex back into a
// piece-relative Request.
func (t *Torrent) requestIndexToRequest(r RequestIndex) Request {
	piece := t.pieceForRequestIndex(r)
	blockWithinPiece := int(r) - int(t.pieceRequestIndexOffset(piece))
	begin := pp.Integer(blockWithinPiece) * pp.MaxBlockLength
	length := pp.MaxBlockLength
	pieceLen := pp.Integer(t.pieceLength(piece))
	if begin+length > pieceLen {
		length = pieceLen - begin
	}
	return Request{Index: pp.Integer(piece), ChunkSpec: pp.ChunkSpec{Begin: begin, Length: length}}
}

func (t *Torrent) pieceForRequestIndex(r RequestIndex) pieceIndex {
	offset := RequestIndex(0)
	for i := range t.pieces {
		blocks := RequestIndex(t.blocksInPiece(i))
		if r < offset+blocks {
			return i
		}
		offset += blocks
	}
	return len(t.pieces) - 1
}

// requestIndexFromRequest flattens a piece-relative Request into its
// RequestIndex.
func (t *Torrent) requestIndexFromRequest(r Request) RequestIndex {
	blockWithinPiece := int(r.Begin) / int(pp.MaxBlockLength)
	return t.pieceRequestIndexOffset(pieceIndex(r.Index)) + RequestIndex(blockWithinPiece)
}

// checkValidReceiveChunk validates a Request's geometry and ownership
// before it's acted on, either as an outgoing request we're about to make
// (shouldRequest) or a chunk we've just received (receiveChunk). Mirrors
// original_source's block_transfer geometry checks (spec.md §4.H/§7).
func (t *Torrent) checkValidReceiveChunk(r Request) error {
	if int(r.Index) < 0 || int(r.Index) >= len(t.pieces) {
		return errors.New("chunk index out of range")
	}
	if r.Length <= 0 || r.Length > pp.MaxBlockLength {
		return errors.New("invalid chunk length")
	}
	pieceLen := pp.Integer(t.pieceLength(pieceIndex(r.Index)))
	if chunkOverflowsPiece(r.ChunkSpec, pieceLen) {
		return errors.New("chunk overflows piece bounds")
	}
	return nil
}

func (t *Torrent) haveChunk(r Request) bool {
	t.pieces[r.Index].mu.Lock()
	defer t.pieces[r.Index].mu.Unlock()
	return t.pieces[r.Index].completed
}

// writeChunk writes a received block into the piece's storage.
func (t *Torrent) writeChunk(piece int, begin int64, data []byte) error {
	h, err := storage.Get[storage.WriteMode](t.storage.chunks, piece, storage.GetWritable)
	if err != nil {
		return err
	}
	defer t.storage.chunks.Release(piece)
	_, err = h.WriteAt(data, begin)
	return err
}

// queuePieceCheck hands a fully-dirtied piece to the hash-check queue.
// Wired up by the Client at construction; here it's a thin passthrough so
// peer.go's call site stays satisfied without the root package importing
// hashqueue directly into this file's core type (Client owns the queue).
func (t *Torrent) queuePieceCheck(piece pieceIndex) {
	t.cl.queuePieceCheck(t, piece)
}

func (t *Torrent) pieceAllDirty(piece pieceIndex) bool {
	return t._pendingPieces.Contains(uint32(piece))
}

func (t *Torrent) incPieceAvailability(piece pieceIndex) {
	t.mu.Lock()
	t.pieceAvailability[piece]++
	t.mu.Unlock()
	t.updatePieceRequestOrderPiece(piece)
}

func (t *Torrent) decPieceAvailability(piece pieceIndex) {
	t.mu.Lock()
	if t.pieceAvailability[piece] > 0 {
		t.pieceAvailability[piece]--
	}
	t.mu.Unlock()
	t.updatePieceRequestOrderPiece(piece)
}

func (t *Torrent) pieceAvailabilityCount(piece pieceIndex) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return int64(t.pieceAvailability[piece])
}

// decPeerPieceAvailability undoes every increment p's announced pieces
// contributed, called from Peer.close so availability (and therefore
// rarest-first ordering) doesn't drift as peers disconnect.
func (t *Torrent) decPeerPieceAvailability(p *Peer) {
	if all, known := p.peerHasAllPieces(); all && known {
		for i := range t.pieces {
			t.decPieceAvailability(i)
		}
		return
	}
	p.peerPieces().Iterate(func(piece uint32) bool {
		t.decPieceAvailability(pieceIndex(piece))
		return true
	})
}

func (t *Torrent) iterPeers(f func(*Peer)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for p := range t.peers {
		f(p)
	}
}

// addPeer registers a newly handshaken Peer with this torrent's
// connection list (spec.md §4.K). Must be called with the global lock
// held.
func (t *Torrent) addPeer(p *Peer) {
	t.mu.Lock()
	t.peers[p] = struct{}{}
	t.mu.Unlock()
}

// removePeer deregisters p, called from Peer.close so a dead connection
// stops receiving Have broadcasts and request-order consideration.
func (t *Torrent) removePeer(p *Peer) {
	t.mu.Lock()
	delete(t.peers, p)
	t.mu.Unlock()
}

func (t *Torrent) hashingPiece(piece pieceIndex) bool {
	t.pieces[piece].mu.Lock()
	defer t.pieces[piece].mu.Unlock()
	return t.pieces[piece].hashing
}

func (t *Torrent) pieceQueuedForHash(piece pieceIndex) bool {
	t.pieces[piece].mu.Lock()
	defer t.pieces[piece].mu.Unlock()
	return t.pieces[piece].queuedForHash
}

func (t *Torrent) requestingPeer(r Request) *Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx := t.requestIndexFromRequest(r)
	if rs, ok := t.requestState[idx]; ok {
		return rs.peer
	}
	return nil
}

func (t *Torrent) pendRequest(r RequestIndex) {
	t.mu.Lock()
	delete(t.requestState, r)
	t.mu.Unlock()
}

func (t *Torrent) onWriteChunkErr(err error) {
	if t.cl.config.Logger.IsZero() {
		return
	}
}

// publishPieceStateChange notifies every connected peer of a piece's
// completion (or re-opening after a failed hash check) by broadcasting a
// Have message, mirroring the teacher's have-announce fan-out (spec.md §2
// control flow: "E's callback... notify H").
func (t *Torrent) publishPieceStateChange(piece pieceIndex) {
	t.updatePieceRequestOrderPiece(piece)
	t.iterPeers(func(p *Peer) {
		p.have(piece)
	})
}

func (t *Torrent) hasStorageCap() bool {
	return t.storage != nil && t.storage.Capacity != nil
}

func (t *Torrent) ignorePieceForRequests(piece pieceIndex) bool {
	t.pieces[piece].mu.Lock()
	defer t.pieces[piece].mu.Unlock()
	return t.pieces[piece].completed
}

func (t *Torrent) requestStrategyPieceOrderState(piece pieceIndex) requestStrategy.PieceRequestOrderState {
	if t.requestStrategyPieceOrderStateFn != nil {
		return t.requestStrategyPieceOrderStateFn(piece)
	}
	return requestStrategy.PieceRequestOrderState{
		Priority:     PiecePriorityNormal,
		Availability: t.pieceAvailabilityCount(piece),
	}
}

func (t *Torrent) pieceRequestOrderKey(piece pieceIndex) requestStrategy.PieceRequestOrderKey {
	return requestStrategy.PieceRequestOrderKey{
		InfoHash: requestStrategy.SomeInfohash(t.infoHash),
		Index:    piece,
	}
}

func (t *Torrent) canonicalShortInfohash() *[20]byte { return &t.infoHash }

// pieceForOffset returns the Piece covering the flat-byte-space offset off,
// matching the teacher's storagePieceReader.ReadAt usage.
func (t *Torrent) pieceForOffset(off int64) *Piece {
	idx := int(off / int64(t.chunkSize))
	if idx >= len(t.pieces) {
		idx = len(t.pieces) - 1
	}
	p := &t.pieces[idx]
	if p.info.length == 0 {
		p.info = pieceInfo{offset: int64(idx) * int64(t.chunkSize), length: int64(t.chunkSize)}
	}
	return p
}

// handleUpdateRequests is invoked by a Peer when its request pipeline may
// need replenishing; it's the hook the root request-strategy machinery
// (torrent-piece-request-order.go) drives piece selection through.
func (t *Torrent) handleUpdateRequests(p *Peer) {
	t.cl.updateRequests(t, p)
}

// pieceHashMatches reports whether got is the expected hash for piece, i.e.
// whether its hash-check just passed. This module takes piece hashes as
// part of the geometry supplied to newTorrent rather than parsing them out
// of bencoded metadata (out of scope); absent an expected hash every piece
// is considered to pass, matching seed-only/no-verify setups.
func (t *Torrent) pieceHashMatches(piece pieceIndex, got [20]byte) bool {
	if t.pieceHashes == nil {
		return true
	}
	want, ok := t.pieceHashes[piece]
	if !ok {
		return true
	}
	return want == got
}
