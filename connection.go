package torrent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/dannyzb/ratched/handshake"
	pp "github.com/dannyzb/ratched/peer_protocol"
)

// residualConn prepends any bytes the handshake already buffered past the
// handshake proper (handshake.Success.Residual) to conn's Read stream, so
// the peer-wire decoder picks up exactly where the handshake left off
// instead of losing whatever was already read off the wire.
type residualConn struct {
	net.Conn
	r io.Reader
}

func newResidualConn(conn net.Conn, residual []byte) net.Conn {
	if len(residual) == 0 {
		return conn
	}
	return &residualConn{Conn: conn, r: io.MultiReader(bytes.NewReader(residual), conn)}
}

func (c *residualConn) Read(b []byte) (int, error) { return c.r.Read(b) }

// HandshakeManager drives the per-connection handshake (component I) over
// freshly dialed or accepted net.Conns and, on success, hands the
// resulting Peer to its Torrent's connection list (spec.md §4.K). There is
// deliberately no separate ConnectionList type: Torrent.peers already is
// one -- a connection list keyed by *Peer, the way the teacher's own
// Torrent tracks its conns map.
type HandshakeManager struct {
	cl *Client
}

// HandshakeManager returns the Client's connection-establishment entry
// point.
func (cl *Client) HandshakeManager() *HandshakeManager {
	return &HandshakeManager{cl: cl}
}

// DialAndAdd dials addr over network (e.g. "tcp"), completes an outgoing
// handshake for t's infohash, and on success registers the Peer with t and
// starts its writer and read loop.
func (hm *HandshakeManager) DialAndAdd(ctx context.Context, network, addr string, t *Torrent) (*Peer, error) {
	d := hm.cl.config.Dialer
	if d == nil {
		d = DefaultDialerForNetwork(network)
	}
	conn, err := d.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	cfg := hm.handshakeConfig(handshake.Outgoing, t.infoHash)
	outcome := handshake.Run(conn, cfg)
	return hm.completeHandshake(conn, outcome, t, true)
}

// Accept completes an incoming handshake over an already-accepted conn,
// looking up the destination Torrent by the infohash the peer presents.
func (hm *HandshakeManager) Accept(conn net.Conn) (*Peer, error) {
	cfg := hm.handshakeConfig(handshake.Incoming, [20]byte{})
	cfg.LookupInfoHash = func(obfuscated [20]byte) ([20]byte, bool) {
		// MSE hands us SHA1("req2" + infohash) during key exchange; match it
		// against every torrent we serve to recover the real infohash.
		hm.cl.RLock()
		defer hm.cl.RUnlock()
		for ih := range hm.cl.torrents {
			if sha1Sum(append([]byte("req2"), ih[:]...)) == obfuscated {
				return ih, true
			}
		}
		return [20]byte{}, false
	}
	outcome := handshake.Run(conn, cfg)
	if outcome.Success == nil {
		return hm.completeHandshake(conn, outcome, nil, false)
	}
	t, ok := hm.cl.Torrent(outcome.Success.InfoHash)
	if !ok {
		conn.Close()
		return nil, errors.New("handshake: unknown infohash")
	}
	return hm.completeHandshake(conn, outcome, t, false)
}

func (hm *HandshakeManager) handshakeConfig(mode handshake.Mode, infoHash [20]byte) handshake.Config {
	cfg := hm.cl.config
	return handshake.Config{
		Mode:            mode,
		Policy:          encryptionPolicy(cfg.HeaderObfuscationPolicy),
		CryptoProvide:   cfg.CryptoProvides,
		InfoHash:        infoHash,
		Timeout:         cfg.HandshakeTimeout,
		BitfieldTimeout: cfg.BitfieldHandshakeTimeout,
	}
}

// encryptionPolicy translates the Config-level obfuscation knob into
// handshake's three-way policy.
func encryptionPolicy(p HeaderObfuscationPolicy) handshake.EncryptionPolicy {
	switch {
	case p.RequirePreferred && p.Preferred:
		return handshake.EncryptionRequired
	case p.RequirePreferred && !p.Preferred:
		return handshake.EncryptionDisabled
	default:
		return handshake.EncryptionPreferred
	}
}

// completeHandshake turns a handshake.Outcome into a registered, running
// Peer, or an error if the handshake didn't succeed.
func (hm *HandshakeManager) completeHandshake(conn net.Conn, outcome handshake.Outcome, t *Torrent, outgoing bool) (*Peer, error) {
	if outcome.Success == nil {
		conn.Close()
		switch {
		case outcome.Fatal != nil:
			return nil, outcome.Fatal
		case outcome.Retryable != nil:
			return nil, outcome.Retryable.Reason
		default:
			return nil, errors.New("handshake: no outcome")
		}
	}
	conn.SetDeadline(time.Time{})
	success := outcome.Success
	conn = newResidualConn(conn, success.Residual)

	p := newPeer(t, conn, outgoing)
	p.headerEncrypted = success.Encrypted
	p.cryptoMethod = success.CryptoUsed
	p.completedHandshake = time.Now()

	hm.cl.Lock()
	t.addPeer(p)
	hm.cl.Unlock()

	p.startMessageWriter()
	hm.cl.Lock()
	p.postBitfield()
	hm.cl.Unlock()

	if success.Bitfield != nil {
		m := *success.Bitfield
		if m.Type == pp.Bitfield {
			m.BitfieldFromPiece(t.numPieces())
		}
		hm.cl.Lock()
		t.dispatchMessage(p, &m)
		hm.cl.Unlock()
	}

	go t.runPeerReadLoop(p)
	return p, nil
}

// newPeer builds a Peer wrapping a just-handshaken conn. Registration with
// the Torrent, starting the writer, and starting the read loop are all the
// caller's responsibility (completeHandshake does all three in the right
// order).
func newPeer(t *Torrent, conn net.Conn, outgoing bool) *Peer {
	p := &Peer{
		t:               t,
		conn:            conn,
		w:               conn,
		decoder:         pp.NewDecoder(conn, 0),
		outgoing:        outgoing,
		Network:         conn.RemoteAddr().Network(),
		RemoteAddr:      conn.RemoteAddr(),
		callbacks:       &t.cl.config.Callbacks,
		logger:          t.cl.config.Logger,
		choking:         true,
		peerChoking:     true,
		PeerMaxRequests: localClientReqq,
	}
	p.initRequestState()
	return p
}

// Serve accepts incoming connections on l until it returns an error or ctx
// is cancelled, handshaking each one on its own goroutine. Mirrors the
// teacher's listener-driven accept loop, trimmed to this module's single
// in-process Client (no multi-listener/firewall-callback plumbing).
func (cl *Client) Serve(ctx context.Context, l net.Listener) error {
	hm := cl.HandshakeManager()
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}
		go func() {
			if _, err := hm.Accept(conn); err != nil {
				cl.config.Logger.Printf("incoming handshake failed: %v", err)
			}
		}()
	}
}

// runPeerReadLoop decodes successive wire messages off p's connection and
// dispatches them under the global lock, until decode fails (remote close,
// protocol violation, or read error), at which point it closes p. Grounded
// on the teacher's per-connection reader goroutine (spec.md §4.H).
func (t *Torrent) runPeerReadLoop(p *Peer) {
	defer p.Close()
	for {
		var msg pp.Message
		if err := p.decoder.Decode(&msg); err != nil {
			return
		}
		cl := t.cl
		cl.Lock()
		err := t.dispatchMessage(p, &msg)
		cl.Unlock()
		if err != nil {
			return
		}
	}
}

// dispatchMessage applies one decoded wire message to p's state. Must be
// called with the global lock held.
func (t *Torrent) dispatchMessage(p *Peer, msg *pp.Message) error {
	if msg.Keepalive {
		return nil
	}
	p.lastMessageReceived = time.Now()
	switch msg.Type {
	case pp.Choke:
		p.peerChoking = true
		p.updateExpectingChunks()
	case pp.Unchoke:
		p.peerChoking = false
		p.updateExpectingChunks()
		if p.isLowOnRequests() {
			p.updateRequests("peer unchoked us")
		}
	case pp.Interested:
		p.setPeerInterested(true)
	case pp.NotInterested:
		p.setPeerInterested(false)
	case pp.Have:
		p.applyHave(pieceIndex(msg.Index))
	case pp.Bitfield:
		msg.BitfieldFromPiece(t.numPieces())
		p.applyBitfield(msg.Bitfield)
	case pp.HaveAll:
		p.applyHaveAll()
	case pp.HaveNone:
		p.applyHaveNone()
	case pp.Request:
		p.serveRequest(newRequestFromMessage(msg))
	case pp.Cancel:
		delete(p.peerRequests, newRequestFromMessage(msg))
	case pp.Piece:
		return p.receiveChunk(msg, time.Now())
	case pp.Port:
		// DHT is out of scope; the port announcement has nowhere to go.
	case pp.AllowedFast:
		p.peerAllowedFast.Add(pieceIndex(msg.Index))
	case pp.Suggest, pp.Reject, pp.Extended:
		// Not implemented by this module (spec.md Non-goals): accepted and
		// ignored rather than treated as a protocol violation.
	default:
		return fmt.Errorf("unhandled message type %v", msg.Type)
	}
	return nil
}

// applyHave records that p now has piece, bumping the torrent's
// rarest-first availability counter the first time we learn it.
func (p *Peer) applyHave(piece pieceIndex) {
	if p._peerPieces == nil {
		p._peerPieces = roaring.New()
	}
	if p._peerPieces.CheckedAdd(uint32(piece)) {
		p.t.incPieceAvailability(piece)
	}
	p.updateRequests("peer announced a have")
}

// applyBitfield records p's initial piece set.
func (p *Peer) applyBitfield(bits []bool) {
	if p._peerPieces == nil {
		p._peerPieces = roaring.New()
	}
	for i, has := range bits {
		if has && p._peerPieces.CheckedAdd(uint32(i)) {
			p.t.incPieceAvailability(i)
		}
	}
	p.updateRequests("peer bitfield")
}

// applyHaveAll records that p has every piece of the torrent.
func (p *Peer) applyHaveAll() {
	p._peerHasAllPieces = true
	p._peerHasAllPiecesKnown = true
	for i := range p.t.pieces {
		p.t.incPieceAvailability(i)
	}
	p.updateRequests("peer have-all")
}

// applyHaveNone records that p currently has nothing.
func (p *Peer) applyHaveNone() {
	p._peerHasAllPieces = false
	p._peerHasAllPiecesKnown = true
}

// serveRequest admits an incoming block request into peerRequests,
// reading its bytes from storage immediately and trying to write the
// resulting Piece message right away rather than waiting for the message
// writer's next poll (spec.md §4.H upload path). Invalid or currently
// unsatisfiable requests are dropped silently, matching BitTorrent's
// tolerance of a peer asking for something we can't yet serve.
func (p *Peer) serveRequest(r Request) {
	if err := p.t.checkValidReceiveChunk(r); err != nil {
		return
	}
	if !p.t.haveChunk(r) {
		return
	}
	if p.peerRequests == nil {
		p.peerRequests = make(map[Request]*peerRequestState)
	}
	if _, ok := p.peerRequests[r]; ok {
		return
	}
	buf := make([]byte, r.Length)
	if _, err := p.t.pieces[r.Index].Storage().ReadAt(buf, int64(r.Begin)); err != nil {
		return
	}
	p.peerRequests[r] = &peerRequestState{data: buf}
	p.upload(p.messageWriter.write)
}
