package torrent

import (
	"sync"

	"github.com/dannyzb/ratched/choke"
	"github.com/dannyzb/ratched/hashqueue"
	requestStrategy "github.com/dannyzb/ratched/internal/request-strategy"
	pp "github.com/dannyzb/ratched/peer_protocol"
	"github.com/dannyzb/ratched/pollthread"
	"github.com/dannyzb/ratched/sigbits"
	"github.com/dannyzb/ratched/storage"
)

// Client owns every Torrent and the process-wide resources shared between
// them: the global lock, connection stats, and the per-storage piece
// request orders that let Torrents sharing a storage.TorrentCapacity
// compete for requests through one order (spec.md §4.J). Mirrors the
// teacher's Client, trimmed to the single-transport scope this module
// implements.
type Client struct {
	_mu   lockWithDeferreds
	event Event

	config *Config

	connStats ConnStats

	torrents map[[20]byte]*Torrent

	pieceRequestOrder map[clientPieceRequestOrderKeySumType]*requestStrategy.PieceRequestOrder

	hashQueue *hashqueue.Queue

	// hashSignals/hashSignalIndex/hashResultsMu/pendingHashResults carry a
	// completed hash check from the hashqueue's own worker goroutine across
	// to pollLoop's goroutine, where it's applied under the global lock
	// (spec.md §4.F/§4.G; review requires hash results cross threads via
	// sigbits+pollthread rather than a bare callback).
	hashSignals        sigbits.Bitfield
	hashSignalIndex    int
	hashResultsMu      sync.Mutex
	pendingHashResults []hashqueue.Result

	// pollLoop is this Client's single poll thread: it drains hashSignals
	// and runs the periodic unchoke cycle, both under the global lock,
	// mirroring the teacher's single main-thread-drives-everything model.
	pollLoop *pollthread.Loop

	// chokeResourceManager aggregates every Torrent's upload choke.Queue so
	// a single global unchoke budget (Config.MaxUnchokedUpload) is shared
	// across all of them (spec.md §4.J).
	chokeResourceManager *choke.ResourceManager

	closed bool
}

func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cl := &Client{
		config:               cfg,
		torrents:             make(map[[20]byte]*Torrent),
		pieceRequestOrder:    make(map[clientPieceRequestOrderKeySumType]*requestStrategy.PieceRequestOrder),
		chokeResourceManager: &choke.ResourceManager{},
	}
	cl.hashQueue = hashqueue.New(cl.enqueueHashResult)
	go cl.hashQueue.Run()

	cl.hashSignalIndex = cl.hashSignals.AddSignal(cl.drainHashResults)
	cl.pollLoop = pollthread.New(pollthread.NewChannelBackend())
	cl.pollLoop.Signals = cl.hashSignals.Work
	go cl.pollLoop.Run()
	cl.scheduleUnchokeCycle()

	return cl
}

// locker returns the lock all per-Torrent and per-Peer state is guarded
// by, matching the teacher's single-global-lock design (peer.go's
// cn.t.cl.locker() call site).
func (cl *Client) locker() *lockWithDeferreds { return &cl._mu }

// Close tears down every Torrent's peers and stops the Client's background
// goroutines (the hash-check worker and the poll loop driving hash-result
// delivery and the unchoke scheduler).
func (cl *Client) Close() error {
	cl.Lock()
	closing := cl.torrents
	cl.torrents = make(map[[20]byte]*Torrent)
	cl.closed = true
	cl.Unlock()

	for _, t := range closing {
		t.iterPeers(func(p *Peer) { p.Close() })
	}

	cl.hashQueue.Close()
	cl.pollLoop.Stop()
	return nil
}

func (cl *Client) Lock()    { cl._mu.Lock() }
func (cl *Client) Unlock()  { cl._mu.Unlock() }
func (cl *Client) RLock()   { cl._mu.RLock() }
func (cl *Client) RUnlock() { cl._mu.RUnlock() }

// AddTorrent registers a new Torrent under infoHash with the given piece
// geometry, scoped down from the teacher's metainfo/magnet-link driven
// AddTorrentSpec to take geometry directly since metadata exchange (ut_metadata,
// trackers, DHT) is out of scope for this module.
func (cl *Client) AddTorrent(infoHash [20]byte, numPieces int, chunkSize int64, storage *torrentStorage) *Torrent {
	cl.Lock()
	defer cl.Unlock()
	t := newTorrent(cl, infoHash, numPieces, pp.Integer(chunkSize))
	t.storage = storage
	cl.torrents[infoHash] = t
	cl.chokeResourceManager.Groups = append(cl.chokeResourceManager.Groups, t.chokeGroup)
	return t
}

func (cl *Client) Torrent(infoHash [20]byte) (*Torrent, bool) {
	cl.RLock()
	defer cl.RUnlock()
	t, ok := cl.torrents[infoHash]
	return t, ok
}

// getPieceRequestOrder returns (creating if absent) the PieceRequestOrder
// keyed by key, backed by an ajwerner-btree instance sized for numPieces.
func (cl *Client) getPieceRequestOrder(key clientPieceRequestOrderKeySumType, numPieces int) *requestStrategy.PieceRequestOrder {
	if pro, ok := cl.pieceRequestOrder[key]; ok {
		return pro
	}
	pro := requestStrategy.NewPieceOrder(requestStrategy.NewAjwernerBtree(), numPieces)
	cl.pieceRequestOrder[key] = pro
	return pro
}

// queuePieceCheck hands piece off to the shared hash-check queue.
func (cl *Client) queuePieceCheck(t *Torrent, piece pieceIndex) {
	t.pieces[piece].mu.Lock()
	t.pieces[piece].queuedForHash = true
	t.pieces[piece].mu.Unlock()
	cl.hashQueue.PushBack(pieceHashHandle{t: t, index: piece}, piecePendingKey{t, piece})
}

type piecePendingKey struct {
	t     *Torrent
	index pieceIndex
}

// pieceHashHandle adapts a Piece to hashqueue.Handle by hashing its
// current on-disk bytes through the torrent's ChunkList.
type pieceHashHandle struct {
	t     *Torrent
	index pieceIndex
}

func (h pieceHashHandle) Hash() [20]byte {
	handle, err := storage.Get[storage.HashingMode](h.t.storage.chunks, h.index, storage.GetReadable|storage.GetBlocking)
	if err != nil {
		return [20]byte{}
	}
	defer h.t.storage.chunks.Release(h.index)
	buf := make([]byte, h.t.pieceLength(h.index))
	if _, err := handle.ReadAt(buf, 0); err != nil {
		return [20]byte{}
	}
	return sha1Sum(buf)
}

// enqueueHashResult is hashqueue's Deliver callback: it runs on the
// hashqueue's own worker goroutine, so it must not touch Torrent/Piece
// state directly. It only queues the result and raises a signal bit;
// drainHashResults (run from pollLoop, under the global lock) does the
// actual work, mirroring the teacher's cross-thread-via-pollthread model
// rather than a bare callback into shared state.
func (cl *Client) enqueueHashResult(res hashqueue.Result) {
	cl.hashResultsMu.Lock()
	cl.pendingHashResults = append(cl.pendingHashResults, res)
	cl.hashResultsMu.Unlock()
	cl.hashSignals.Signal(cl.hashSignalIndex)
}

// drainHashResults is pollLoop's signal slot for hashSignalIndex: it runs
// on pollLoop's own goroutine with no lock held, so it acquires the global
// lock itself before applying any result.
func (cl *Client) drainHashResults() {
	cl.hashResultsMu.Lock()
	pending := cl.pendingHashResults
	cl.pendingHashResults = nil
	cl.hashResultsMu.Unlock()
	if len(pending) == 0 {
		return
	}
	cl.Lock()
	for _, res := range pending {
		cl.applyHashResult(res)
	}
	cl.Unlock()
}

// applyHashResult marks the piece completed or re-queues it for download
// depending on whether the computed hash matched, then publishes the
// resulting state change to connected peers. Must be called with the
// global lock held.
func (cl *Client) applyHashResult(res hashqueue.Result) {
	key := res.Node.(piecePendingKey)
	t := key.t
	piece := &t.pieces[key.index]

	piece.mu.Lock()
	piece.hashing = false
	piece.queuedForHash = false
	ok := t.pieceHashMatches(key.index, res.Hash)
	piece.completed = ok
	piece.dirty = !ok
	piece.mu.Unlock()

	t.publishPieceStateChange(key.index)
}

// scheduleUnchokeCycle arms a self-rescheduling pollLoop timer that runs
// the unchoke scheduler every Config.UnchokeInterval (spec.md §4.J).
func (cl *Client) scheduleUnchokeCycle() {
	cl.pollLoop.ScheduleAfter(cl.config.UnchokeInterval, func() {
		cl.Lock()
		cl.runUnchokeCycle()
		cl.Unlock()
		cl.scheduleUnchokeCycle()
	})
}

// runUnchokeCycle distributes the configured global upload-unchoke budget
// across every Torrent's upload choke.Queue via the shared
// choke.ResourceManager, then reconciles each peer's wire choke state
// (Peer.choking) against the scheduler's decision. Must be called with the
// global lock held.
func (cl *Client) runUnchokeCycle() {
	delta := cl.chokeResourceManager.CanUnchoke(cl.config.MaxUnchokedUpload)
	cl.chokeResourceManager.DoUnchoke(delta)
	for _, t := range cl.torrents {
		t.iterPeers(func(p *Peer) {
			unchoked := p.chokeStatus.State == choke.Unchoked
			switch {
			case unchoked && p.choking:
				p.unchoke(p.messageWriter.write)
			case !unchoked && !p.choking:
				p.choke(p.messageWriter.write)
			}
		})
	}
}

// updateRequests is the Torrent-level hook a Peer calls into when its
// request pipeline needs replenishing; it walks the shared piece request
// order front-to-back and pipelines requests to p via mustRequest up to
// its nominal request budget (spec.md §4.H Pipelining). Scoped down to a
// simple front-to-back fill (full rarest-first peer preference scoring is
// out of scope for this module — see DESIGN.md).
func (cl *Client) updateRequests(t *Torrent, p *Peer) {
	defer func() { p.needRequestUpdate = "" }()
	key := t.clientPieceRequestOrderKey()
	pro, ok := cl.pieceRequestOrder[key]
	if !ok {
		return
	}
	for item := range pro.Iter() {
		idx := item.Key.Index
		if t.ignorePieceForRequests(idx) {
			continue
		}
		if !p.peerHasPiece(idx) {
			continue
		}
		start, end := t.requestIndexesForPiece(idx)
		for r := start; r < end; r++ {
			if maxRequests(p.requestState.Requests.GetCardinality()) >= p.nominalMaxRequests() {
				return
			}
			if p.requestState.Requests.Contains(r) {
				continue
			}
			if !p.mustRequest(r) {
				return
			}
		}
	}
}
