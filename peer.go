package torrent

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/chansync"
	. "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/iter"
	"github.com/anacrolix/missinggo/v2/bitmap"
	"github.com/anacrolix/multiless"

	"github.com/dannyzb/ratched/choke"
	"github.com/dannyzb/ratched/internal/alloclim"
	"github.com/dannyzb/ratched/mse"
	pp "github.com/dannyzb/ratched/peer_protocol"
	request_strategy "github.com/dannyzb/ratched/request-strategy"
	typedRoaring "github.com/dannyzb/ratched/typed-roaring"
)

type (
	// Peer is a single connection to a remote BitTorrent peer: the TCP
	// conn, the wire codec, and everything we track about choke/interest
	// state and in-flight requests for it (spec.md §4.H/§4.K).
	Peer struct {
		// First to ensure 64-bit alignment for atomics.
		_stats ConnStats

		t *Torrent

		conn      net.Conn
		w         io.Writer
		decoder   *pp.Decoder
		messageWriter peerConnMsgWriter

		// PeerExtensionIDs maps a negotiated extension name to the id the
		// remote peer wants it sent under (spec.md §4.H extension
		// handshake).
		PeerExtensionIDs map[pp.ExtensionName]pp.ExtensionID

		callbacks *Callbacks

		outgoing   bool
		Network    string
		RemoteAddr PeerRemoteAddr

		localPublicAddr peerLocalPublicAddr
		bannableAddr    Option[bannableAddr]

		headerEncrypted bool
		cryptoMethod    mse.CryptoMethod
		Discovery       PeerSource
		trusted         bool
		closed          chansync.SetOnce

		reconciledHandshakeStats bool

		lastMessageReceived     time.Time
		completedHandshake      time.Time
		lastUsefulChunkReceived time.Time
		lastChunkSent           time.Time

		needRequestUpdate    updateRequestReason
		requestState         request_strategy.PeerRequestState
		updateRequestsTimer  *time.Timer
		lastRequestUpdate    time.Time
		peakRequests         maxRequests
		lastBecameInterested time.Time
		priorInterest        time.Duration

		lastStartedExpectingToReceiveChunks time.Time
		cumulativeExpectedToReceiveChunks   time.Duration
		_chunksReceivedWhileExpecting       int64

		choking                                bool
		piecesReceivedSinceLastRequestUpdate   maxRequests
		maxPiecesReceivedBetweenRequestUpdates maxRequests
		validReceiveChunks                     map[RequestIndex]int
		sentHaves                              bitmap.Bitmap

		peerInterested        bool
		peerChoking           bool
		peerRequests          map[Request]*peerRequestState
		PeerPrefersEncryption bool
		peerMinPieces         pieceIndex
		peerTouchedPieces     map[pieceIndex]struct{}
		peerAllowedFast       typedRoaring.Bitmap[pieceIndex]

		// chokeStatus is this peer's membership in its Torrent's upload
		// choke.Queue (spec.md §4.J). Registered via setPeerInterested and
		// torn down in close.
		chokeStatus choke.Status

		_peerPieces            *roaring.Bitmap
		_peerHasAllPieces      bool
		_peerHasAllPiecesKnown bool

		PeerMaxRequests maxRequests

		logger log.Logger
	}

	// PeerConn is an alias kept for source compatibility with the rest of
	// the package; there is only one connection implementation now that
	// webrtc/webseed transports are out of scope.
	PeerConn = Peer

	PeerSource string

	peerRequestState struct {
		data             []byte
		allocReservation *alloclim.Reservation
	}

	PeerRemoteAddr interface {
		String() string
	}

	bannableAddr = IpPort

	peerRequests = orderedBitmap[RequestIndex]

	updateRequestReason string
)

const (
	PeerSourceTracker = "Tr"
	PeerSourceIncoming = "I"
	PeerSourcePex      = "X"
	PeerSourceDirect   = "M"
)

const (
	peerUpdateRequestsPeerCancelReason   updateRequestReason = "Peer.cancel"
	peerUpdateRequestsRemoteRejectReason updateRequestReason = "Peer.remoteRejectedRequest"
)

// localClientReqq is the initial PeerMaxRequests given to new peers (the
// cap on requests we keep outstanding to them), also shown by writeStatus.
const localClientReqq = 2048

func (p *Peer) Torrent() *Torrent {
	return p.t
}

func (p *Peer) Stats() (ret PeerStats) {
	p.locker().RLock()
	defer p.locker().RUnlock()
	ret.ConnStats = p._stats.Copy()
	ret.DownloadRate = p.downloadRate()
	ret.RemotePieceCount = p.remotePieceCount()
	return
}

func (p *Peer) initRequestState() {
	p.requestState.Requests = &peerRequests{}
	p.requestState.Cancelled = &peerRequests{}
}

func (cn *Peer) updateExpectingChunks() {
	if cn.expectingChunks() {
		if cn.lastStartedExpectingToReceiveChunks.IsZero() {
			cn.lastStartedExpectingToReceiveChunks = time.Now()
		}
	} else {
		if !cn.lastStartedExpectingToReceiveChunks.IsZero() {
			cn.cumulativeExpectedToReceiveChunks += time.Since(cn.lastStartedExpectingToReceiveChunks)
			cn.lastStartedExpectingToReceiveChunks = time.Time{}
		}
	}
}

func (cn *Peer) expectingChunks() bool {
	if cn.requestState.Requests.IsEmpty() {
		return false
	}
	if !cn.requestState.Interested {
		return false
	}
	if !cn.peerChoking {
		return true
	}
	haveAllowedFastRequests := false
	cn.peerAllowedFast.Iterate(func(i pieceIndex) bool {
		haveAllowedFastRequests = roaringBitmapRangeCardinality[RequestIndex](
			cn.requestState.Requests.(*peerRequests),
			uint64(cn.t.pieceRequestIndexOffset(i)),
			uint64(cn.t.pieceRequestIndexOffset(i+1)),
		) == 0
		return !haveAllowedFastRequests
	})
	return haveAllowedFastRequests
}

func (cn *Peer) remoteChokingPiece(piece pieceIndex) bool {
	return cn.peerChoking && !cn.peerAllowedFast.Contains(piece)
}

func (cn *Peer) cumInterest() time.Duration {
	ret := cn.priorInterest
	if cn.requestState.Interested {
		ret += time.Since(cn.lastBecameInterested)
	}
	return ret
}

func (cn *Peer) locker() *lockWithDeferreds {
	return cn.t.cl.locker()
}

func (cn *Peer) supportsExtension(ext pp.ExtensionName) bool {
	_, ok := cn.PeerExtensionIDs[ext]
	return ok
}

func (cn *Peer) bestPeerNumPieces() pieceIndex {
	if cn.t.haveInfo() {
		return cn.t.numPieces()
	}
	return cn.peerMinPieces
}

func (cn *Peer) remotePieceCount() pieceIndex {
	have := pieceIndex(cn.peerPieces().GetCardinality())
	if all, _ := cn.peerHasAllPieces(); all {
		have = cn.bestPeerNumPieces()
	}
	return have
}

func (cn *Peer) completedString() string {
	return fmt.Sprintf("%d/%d", cn.remotePieceCount(), cn.bestPeerNumPieces())
}

func eventAgeString(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return fmt.Sprintf("%.2fs ago", time.Since(t).Seconds())
}

// Inspired by https://github.com/transmission/transmission/wiki/Peer-Status-Text.
func (cn *Peer) statusFlags() (ret string) {
	c := func(b byte) {
		ret += string([]byte{b})
	}
	if cn.requestState.Interested {
		c('i')
	}
	if cn.choking {
		c('c')
	}
	c(':')
	if cn.outgoing {
		c('o')
	} else {
		c('l')
	}
	c(':')
	if cn.peerInterested {
		c('i')
	}
	if cn.peerChoking {
		c('c')
	}
	return
}

func (cn *Peer) downloadRate() float64 {
	num := cn._stats.BytesReadUsefulData.Int64()
	if num == 0 {
		return 0
	}
	return float64(num) / cn.totalExpectingTime().Seconds()
}

func (cn *Peer) iterContiguousPieceRequests(f func(piece pieceIndex, count int)) {
	var last Option[pieceIndex]
	var count int
	next := func(item Option[pieceIndex]) {
		if item == last {
			count++
		} else {
			if count != 0 {
				f(last.Value, count)
			}
			last = item
			count = 1
		}
	}
	cn.requestState.Requests.Iterate(func(requestIndex RequestIndex) bool {
		next(Some(cn.t.pieceIndexOfRequestIndex(requestIndex)))
		return true
	})
	next(None[pieceIndex]())
}

func (cn *Peer) writeStatus(w io.Writer) {
	if cn.closed.IsSet() {
		fmt.Fprint(w, "CLOSED: ")
	}
	prio, err := cn.peerPriority()
	prioStr := fmt.Sprintf("%08x", prio)
	if err != nil {
		prioStr += ": " + err.Error()
	}
	fmt.Fprintf(w, "bep40-prio: %v\n", prioStr)
	fmt.Fprintf(w, "last msg: %s, connected: %s, last helpful: %s, itime: %s, etime: %s\n",
		eventAgeString(cn.lastMessageReceived),
		eventAgeString(cn.completedHandshake),
		eventAgeString(cn.lastHelpful()),
		cn.cumInterest(),
		cn.totalExpectingTime(),
	)
	fmt.Fprintf(w,
		"%s completed, %d pieces touched, good chunks: %v/%v:%v reqq: %d+%v/(%d/%d):%d/%d, flags: %s, dr: %.1f KiB/s\n",
		cn.completedString(),
		len(cn.peerTouchedPieces),
		&cn._stats.ChunksReadUseful,
		&cn._stats.ChunksRead,
		&cn._stats.ChunksWritten,
		cn.requestState.Requests.GetCardinality(),
		cn.requestState.Cancelled.GetCardinality(),
		cn.nominalMaxRequests(),
		cn.PeerMaxRequests,
		len(cn.peerRequests),
		localClientReqq,
		cn.statusFlags(),
		cn.downloadRate()/(1<<10),
	)
	fmt.Fprintf(w, "requested pieces:")
	cn.iterContiguousPieceRequests(func(piece pieceIndex, count int) {
		fmt.Fprintf(w, " %v(%v)", piece, count)
	})
	fmt.Fprintf(w, "\n")
}

func (p *Peer) close() {
	if !p.closed.Set() {
		return
	}
	if p.updateRequestsTimer != nil {
		p.updateRequestsTimer.Stop()
	}
	for _, prs := range p.peerRequests {
		prs.allocReservation.Drop()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	if p.t != nil {
		p.t.decPeerPieceAvailability(p)
		if p.t.chokeGroup != nil {
			p.t.chokeGroup.Upload.Disconnected(&p.chokeStatus)
		}
		p.t.removePeer(p)
	}
	for _, f := range p.callbacks.PeerClosed {
		f(p)
	}
}

func (p *Peer) Close() error {
	p.locker().Lock()
	defer p.locker().Unlock()
	p.close()
	return nil
}

func (cn *Peer) peerHasPiece(piece pieceIndex) bool {
	if all, known := cn.peerHasAllPieces(); all && known {
		return true
	}
	return cn.peerPieces().ContainsInt(piece)
}

const (
	writeBufferHighWaterLen = 1 << 17
	writeBufferLowWaterLen  = writeBufferHighWaterLen / 2
)

var (
	interestedMsgLen = len(pp.Message{Type: pp.Interested}.MustMarshalBinary())
	requestMsgLen    = len(pp.Message{Type: pp.Request}.MustMarshalBinary())
	maxLocalToRemoteRequests = (writeBufferHighWaterLen - writeBufferLowWaterLen - interestedMsgLen) / requestMsgLen
)

func (cn *Peer) nominalMaxRequests() maxRequests {
	return maxInt(1, minInt(cn.PeerMaxRequests, cn.peakRequests*2, maxLocalToRemoteRequests))
}

func (cn *Peer) totalExpectingTime() (ret time.Duration) {
	ret = cn.cumulativeExpectedToReceiveChunks
	if !cn.lastStartedExpectingToReceiveChunks.IsZero() {
		ret += time.Since(cn.lastStartedExpectingToReceiveChunks)
	}
	return
}

func (cn *Peer) setInterested(interested bool) bool {
	if cn.requestState.Interested == interested {
		return true
	}
	cn.requestState.Interested = interested
	if interested {
		cn.lastBecameInterested = time.Now()
	} else if !cn.lastBecameInterested.IsZero() {
		cn.priorInterest += time.Since(cn.lastBecameInterested)
	}
	cn.updateExpectingChunks()
	return cn.writeInterested(interested)
}

func (cn *Peer) writeInterested(interested bool) bool {
	t := pp.NotInterested
	if interested {
		t = pp.Interested
	}
	return cn.messageWriter.write(pp.Message{Type: t})
}

type messageWriter func(pp.Message) bool

func (cn *Peer) shouldRequest(r RequestIndex) error {
	err := cn.t.checkValidReceiveChunk(cn.t.requestIndexToRequest(r))
	if err != nil {
		return err
	}
	pi := cn.t.pieceIndexOfRequestIndex(r)
	if cn.requestState.Cancelled.Contains(r) {
		return errors.New("request is cancelled and waiting acknowledgement")
	}
	if !cn.peerHasPiece(pi) {
		return errors.New("requesting piece peer doesn't have")
	}
	if cn.closed.IsSet() {
		panic("requesting when connection is closed")
	}
	if cn.t.hashingPiece(pi) {
		panic("piece is being hashed")
	}
	if cn.t.pieceQueuedForHash(pi) {
		panic("piece is queued for hash")
	}
	if cn.peerChoking && !cn.peerAllowedFast.Contains(pi) {
		if !cn.requestState.Requests.Contains(r) {
			panic("peer choking and piece not allowed fast")
		}
	}
	return nil
}

func (cn *Peer) mustRequest(r RequestIndex) bool {
	more, err := cn.request(r)
	if err != nil {
		cn.logger.Printf("failed to make request %v: %v", r, err)
		return false
	}
	return more
}

func (cn *Peer) request(r RequestIndex) (more bool, err error) {
	if err := cn.shouldRequest(r); err != nil {
		return false, err
	}
	if cn.requestState.Requests.Contains(r) {
		return true, nil
	}
	if maxRequests(cn.requestState.Requests.GetCardinality()) >= cn.nominalMaxRequests() {
		return true, errors.New("too many outstanding requests")
	}
	cn.requestState.Requests.Add(r)
	if cn.validReceiveChunks == nil {
		cn.validReceiveChunks = make(map[RequestIndex]int)
	}
	cn.validReceiveChunks[r]++
	cn.t.requestState[r] = requestState{
		peer: cn,
		when: time.Now(),
	}
	cn.updateExpectingChunks()
	ppReq := cn.t.requestIndexToRequest(r)
	for _, f := range cn.callbacks.SentRequest {
		f(PeerRequestEvent{cn, ppReq})
	}
	return cn.messageWriter.write(pp.RequestToMessage(pp.Request, ppReq)), nil
}

func (me *Peer) cancel(r RequestIndex) {
	if !me.deleteRequest(r) {
		panic("request not existing should have been guarded")
	}
	if me.messageWriter.write(makeCancelMessage(me.t.requestIndexToRequest(r))) {
		if !me.requestState.Cancelled.CheckedAdd(r) {
			panic("request already cancelled")
		}
	}
	me.decPeakRequests()
	if me.isLowOnRequests() {
		me.updateRequests(peerUpdateRequestsPeerCancelReason)
	}
}

func (cn *Peer) updateRequests(reason updateRequestReason) {
	if cn.needRequestUpdate != "" {
		return
	}
	cn.needRequestUpdate = reason
	cn.t.handleUpdateRequests(cn)
}

// Emits the indices in the Bitmaps bms in order, never repeating any index.
func iterBitmapsDistinct(skip *bitmap.Bitmap, bms ...bitmap.Bitmap) iter.Func {
	return func(cb iter.Callback) {
		for _, bm := range bms {
			if !iter.All(
				func(_i interface{}) bool {
					i := _i.(int)
					if skip.Contains(bitmap.BitIndex(i)) {
						return true
					}
					skip.Add(bitmap.BitIndex(i))
					return cb(i)
				},
				bm.Iter,
			) {
				return
			}
		}
	}
}

func (cn *Peer) postHandshakeStats(f func(*ConnStats)) {
	t := cn.t
	f(&t.connStats)
	f(&t.cl.connStats)
}

func (cn *Peer) allStats(f func(*ConnStats)) {
	f(&cn._stats)
	if cn.reconciledHandshakeStats {
		cn.postHandshakeStats(f)
	}
}

func (cn *Peer) readBytes(n int64) {
	cn.allStats(add(n, func(cs *ConnStats) *Count { return &cs.BytesRead }))
}

func (c *Peer) lastHelpful() (ret time.Time) {
	ret = c.lastUsefulChunkReceived
	if c.t.seeding() && c.lastChunkSent.After(ret) {
		ret = c.lastChunkSent
	}
	return
}

func chunkOverflowsPiece(cs ChunkSpec, pieceLength pp.Integer) bool {
	switch {
	default:
		return false
	case cs.Begin+cs.Length > pieceLength:
	case cs.Begin > pp.IntegerMax-cs.Length:
	}
	return true
}

func (c *Peer) remoteRejectedRequest(r RequestIndex) bool {
	if c.deleteRequest(r) {
		c.decPeakRequests()
	} else if !c.requestState.Cancelled.CheckedRemove(r) {
		return false
	}
	if c.isLowOnRequests() {
		c.updateRequests(peerUpdateRequestsRemoteRejectReason)
	}
	c.decExpectedChunkReceive(r)
	return true
}

func (c *Peer) decExpectedChunkReceive(r RequestIndex) {
	count := c.validReceiveChunks[r]
	if count == 1 {
		delete(c.validReceiveChunks, r)
	} else if count > 1 {
		c.validReceiveChunks[r] = count - 1
	} else {
		c.logger.Printf("unexpected chunk accounting for request %v: count=%d", r, count)
	}
}

// receiveChunk handles a received chunk from a peer: validates it against
// our outstanding-request bookkeeping, writes it through to storage, and
// queues a hash check once the piece is fully dirtied (spec.md §4.E/§4.H).
func (c *Peer) receiveChunk(msg *pp.Message, msgTime time.Time) error {
	ppReq := newRequestFromMessage(msg)
	t := c.t
	err := t.checkValidReceiveChunk(ppReq)
	if err != nil {
		return log.WithLevel(log.Warning, err)
	}
	req := c.t.requestIndexFromRequest(ppReq)

	recordBlockForSmartBan := sync.OnceFunc(func() {
		c.recordBlockForSmartBan(req, msg.Piece)
	})
	defer recordBlockForSmartBan()

	if c.validReceiveChunks[req] <= 0 {
		return errors.New("received unexpected chunk")
	}
	c.decExpectedChunkReceive(req)

	intended := false
	{
		if c.requestState.Requests.Contains(req) {
			for _, f := range c.callbacks.ReceivedRequested {
				f(PeerMessageEvent{c, msg})
			}
		}
		if c.deleteRequest(req) || c.requestState.Cancelled.CheckedRemove(req) {
			intended = true
			if !c.peerChoking {
				c._chunksReceivedWhileExpecting++
			}
			if c.isLowOnRequests() {
				c.updateRequests("Peer.receiveChunk deleted request")
			}
		}
	}

	cl := t.cl

	if t.haveChunk(ppReq) {
		c.allStats(add(1, func(cs *ConnStats) *Count { return &cs.ChunksReadWasted }))
		return nil
	}

	piece := &t.pieces[ppReq.Index]

	chunkSize := int64(len(msg.Piece))
	c._stats.ChunksReadUseful.Add(1)
	c._stats.BytesReadUsefulData.Add(chunkSize)
	if c.reconciledHandshakeStats {
		c.t.connStats.ChunksReadUseful.Add(1)
		c.t.connStats.BytesReadUsefulData.Add(chunkSize)
		c.t.cl.connStats.ChunksReadUseful.Add(1)
		c.t.cl.connStats.BytesReadUsefulData.Add(chunkSize)
	}
	if intended {
		c.piecesReceivedSinceLastRequestUpdate++
		c._stats.BytesReadUsefulIntendedData.Add(chunkSize)
	}
	for _, f := range c.t.cl.config.Callbacks.ReceivedUsefulData {
		f(ReceivedUsefulDataEvent{c, msg})
	}
	c.lastUsefulChunkReceived = msgTime

	piece.incrementPendingWrites()
	piece.unpendChunkIndex(chunkIndexFromChunkSpec(ppReq.ChunkSpec, t.chunkSize))

	if p := t.requestingPeer(req); p != nil && p != c {
		p.cancel(req)
	}

	err = func() error {
		cl._mu.internal.Unlock()
		defer cl._mu.internal.Lock()
		recordBlockForSmartBan()
		return t.writeChunk(int(msg.Index), int64(msg.Begin), msg.Piece)
	}()

	piece.decrementPendingWrites()

	if err != nil {
		t.pendRequest(req)
		c.updateRequests("Peer.receiveChunk error writing chunk")
		t.onWriteChunkErr(err)
		return nil
	}

	c.onDirtiedPiece(pieceIndex(ppReq.Index))

	if t.pieceAllDirty(pieceIndex(ppReq.Index)) && piece.pendingWrites == 0 {
		t.queuePieceCheck(pieceIndex(ppReq.Index))
	}

	cl.event.Broadcast()
	t.publishPieceStateChange(pieceIndex(ppReq.Index))

	return nil
}

func (c *Peer) onDirtiedPiece(piece pieceIndex) {
	if c.peerTouchedPieces == nil {
		c.peerTouchedPieces = make(map[pieceIndex]struct{})
	}
	c.peerTouchedPieces[piece] = struct{}{}
	ds := &c.t.pieces[piece].dirtiers
	if *ds == nil {
		*ds = make(map[*Peer]struct{})
	}
	(*ds)[c] = struct{}{}
}

func (cn *Peer) netGoodPiecesDirtied() int64 {
	return cn._stats.PiecesDirtiedGood.Int64() - cn._stats.PiecesDirtiedBad.Int64()
}

func (c *Peer) peerHasWantedPieces() bool {
	if all, _ := c.peerHasAllPieces(); all {
		return !c.t.haveAllPieces() && !c.t._pendingPieces.IsEmpty()
	}
	if !c.t.haveInfo() {
		return !c.peerPieces().IsEmpty()
	}
	return c.peerPieces().Intersects(&c.t._pendingPieces)
}

func (c *Peer) deleteRequest(r RequestIndex) bool {
	if !c.requestState.Requests.CheckedRemove(r) {
		return false
	}
	for _, f := range c.callbacks.DeletedRequest {
		f(PeerRequestEvent{c, c.t.requestIndexToRequest(r)})
	}
	c.updateExpectingChunks()
	delete(c.t.requestState, r)
	return true
}

func (c *Peer) deleteAllRequests(reason updateRequestReason) {
	if c.requestState.Requests.IsEmpty() {
		return
	}
	c.requestState.Requests.IterateSnapshot(func(x RequestIndex) bool {
		if !c.deleteRequest(x) {
			panic("request should exist")
		}
		return true
	})
	c.assertNoRequests()
	c.t.iterPeers(func(p *Peer) {
		if p.isLowOnRequests() {
			p.updateRequests(reason)
		}
	})
}

func (c *Peer) assertNoRequests() {
	if !c.requestState.Requests.IsEmpty() {
		panic(c.requestState.Requests.GetCardinality())
	}
}

func (c *Peer) cancelAllRequests() {
	c.requestState.Requests.IterateSnapshot(func(x RequestIndex) bool {
		c.cancel(x)
		return true
	})
	c.assertNoRequests()
}

func (c *Peer) peerPriority() (peerPriority, error) {
	return bep40Priority(c.remoteIpPort(), c.localPublicAddr)
}

func (c *Peer) remoteIp() net.IP {
	if c.RemoteAddr == nil {
		return nil
	}
	host, _, _ := net.SplitHostPort(c.RemoteAddr.String())
	return net.ParseIP(host)
}

func (c *Peer) remoteIpPort() IpPort {
	ipa, _ := tryIpPortFromNetAddr(c.RemoteAddr)
	return ipa
}

func (c *Peer) trust() connectionTrust {
	return connectionTrust{c.trusted, c.netGoodPiecesDirtied()}
}

type connectionTrust struct {
	Implicit            bool
	NetGoodPiecesDirted int64
}

func (l connectionTrust) Cmp(r connectionTrust) int {
	return multiless.New().Bool(l.Implicit, r.Implicit).Int64(l.NetGoodPiecesDirted, r.NetGoodPiecesDirted).OrderingInt()
}

func (cn *Peer) peerPieces() *roaring.Bitmap {
	return cn.newPeerPieces()
}

// Returns a new Bitmap that includes bits for all pieces the peer could have
// based on their claims.
func (cn *Peer) newPeerPieces() *roaring.Bitmap {
	if cn._peerPieces == nil {
		cn._peerPieces = roaring.New()
	}
	ret := cn._peerPieces.Clone()
	if all, _ := cn.peerHasAllPieces(); all {
		if cn.t.haveInfo() {
			ret.AddRange(0, uint64(cn.t.numPieces()))
		} else {
			ret.AddRange(0, roaring.MaxUint32+1)
		}
	}
	return ret
}

func (cn *Peer) peerHasAllPieces() (all, known bool) {
	return cn._peerHasAllPieces, cn._peerHasAllPiecesKnown
}

func (cn *Peer) stats() *ConnStats {
	return &cn._stats
}

func (p *Peer) uncancelledRequests() uint64 {
	return p.requestState.Requests.GetCardinality()
}

type peerLocalPublicAddr = IpPort

func (p *Peer) isLowOnRequests() bool {
	return p.requestState.Requests.IsEmpty() && p.requestState.Cancelled.IsEmpty()
}

func (p *Peer) decPeakRequests() {
	p.peakRequests--
}

func (p *Peer) recordBlockForSmartBan(req RequestIndex, blockData []byte) {
	if p.bannableAddr.Ok {
		p.t.smartBanCache.RecordBlock(p.bannableAddr.Value, req, blockData)
	}
}

// setPeerInterested records whether the remote peer is interested in our
// pieces, registering/deregistering it with the torrent's upload
// choke.Queue accordingly (spec.md §4.J: a peer only competes for an
// upload slot while interested).
func (cn *Peer) setPeerInterested(interested bool) {
	if cn.peerInterested == interested {
		return
	}
	cn.peerInterested = interested
	if cn.t.chokeGroup == nil {
		return
	}
	if cn.chokeStatus.Entry == nil {
		cn.chokeStatus.Entry = cn
	}
	if interested {
		cn.t.chokeGroup.Upload.SetQueued(&cn.chokeStatus)
	} else {
		cn.t.chokeGroup.Upload.SetNotQueued(&cn.chokeStatus)
	}
}

// choke sends a choke message if we aren't already choking the peer and
// records that we are choking it; requests the peer already has
// outstanding are left as they are (spec.md §4.J).
func (cn *Peer) choke(msg func(pp.Message) bool) bool {
	if cn.choking {
		return true
	}
	if !msg(pp.Message{Type: pp.Choke}) {
		return false
	}
	cn.choking = true
	return true
}

// unchoke sends an unchoke message if we're currently choking the peer.
func (cn *Peer) unchoke(msg func(pp.Message) bool) bool {
	if !cn.choking {
		return true
	}
	if !msg(pp.Message{Type: pp.Unchoke}) {
		return false
	}
	cn.choking = false
	return true
}

// have announces a completed (or re-opened) piece to this peer, deduped
// against sentHaves so a piece is never announced twice over one
// connection (spec.md §2 control flow "notify H").
func (cn *Peer) have(piece pieceIndex) {
	if cn.sentHaves.Get(bitmap.BitIndex(piece)) {
		return
	}
	if cn.messageWriter.write(pp.Message{Type: pp.Have, Index: pp.Integer(piece)}) {
		cn.sentHaves.Add(bitmap.BitIndex(piece))
	}
}

// postBitfield sends our current piece set right after the handshake
// completes, the per-connection one-time counterpart to have.
func (cn *Peer) postBitfield() {
	if !cn.t.haveInfo() {
		return
	}
	bf := cn.t.bitfield()
	cn.messageWriter.write(pp.Message{Type: pp.Bitfield, Bitfield: bf})
	for i, have := range bf {
		if have {
			cn.sentHaves.Add(bitmap.BitIndex(i))
		}
	}
}

// uploadAllowed reports whether we should be serving this peer piece data
// at all, gating fillWriteBuffer's upload loop (spec.md §4.J): disabled
// entirely by NoUpload, otherwise seeding always serves, and a leeching
// peer is only served once it's interested in something we have.
func (cn *Peer) uploadAllowed() bool {
	if cn.t.cl.config.NoUpload {
		return false
	}
	if cn.t.seeding() {
		return true
	}
	return cn.peerInterested
}

// sendChunk writes one buffered peerRequestState's data out as a Piece
// message, the actual upload of a block the peer asked us for.
func (cn *Peer) sendChunk(r Request, msg func(pp.Message) bool, state *peerRequestState) bool {
	ok := msg(pp.Message{Type: pp.Piece, Index: r.Index, Begin: r.Begin, Piece: state.data})
	if ok {
		cn.lastChunkSent = time.Now()
		cn._stats.ChunksWritten.Add(1)
	}
	return ok
}

// upload drains one pending peerRequest into an outgoing Piece message per
// call, choking/unchoking the peer to match uploadAllowed along the way.
// Grounded on the fuller anacrolix/torrent fork's PeerConn.upload (see
// DESIGN.md): trimmed here to a single-chunk-per-call drain since this
// module has no PEX/upload-rate-limiter to interleave with the choke
// toggle.
func (cn *Peer) upload(msg func(pp.Message) bool) bool {
	if !cn.uploadAllowed() {
		return cn.choke(msg)
	}
	if !cn.unchoke(msg) {
		return false
	}
	for r, state := range cn.peerRequests {
		if state.data == nil {
			continue
		}
		delete(cn.peerRequests, r)
		return cn.sendChunk(r, msg, state)
	}
	return true
}

// fillWriteBuffer is peerConnMsgWriter's hook for locally-determined
// outgoing data: currently just outbound piece data for requests the peer
// has made of us (spec.md §4.H upload path).
func (cn *Peer) fillWriteBuffer() {
	cn.upload(cn.messageWriter.write)
}
