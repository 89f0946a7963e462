package torrent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pp "github.com/dannyzb/ratched/peer_protocol"
)

func newTestClientAndTorrent(t *testing.T, numPieces int, chunkSize pp.Integer) (*Client, *Torrent) {
	t.Helper()
	cl := NewClient(nil)
	t.Cleanup(func() { cl.Close() })
	tt := cl.AddTorrent([20]byte{1, 2, 3}, numPieces, int64(chunkSize), &torrentStorage{})
	return cl, tt
}

func TestCheckValidReceiveChunk(t *testing.T) {
	_, tt := newTestClientAndTorrent(t, 2, pp.MaxBlockLength)

	require.NoError(t, tt.checkValidReceiveChunk(Request{Index: 0, ChunkSpec: pp.ChunkSpec{Begin: 0, Length: pp.MaxBlockLength}}))

	assert.Error(t, tt.checkValidReceiveChunk(Request{Index: 5, ChunkSpec: pp.ChunkSpec{Begin: 0, Length: 1}}))
	assert.Error(t, tt.checkValidReceiveChunk(Request{Index: 0, ChunkSpec: pp.ChunkSpec{Begin: 0, Length: 0}}))
	assert.Error(t, tt.checkValidReceiveChunk(Request{Index: 0, ChunkSpec: pp.ChunkSpec{Begin: 0, Length: pp.MaxBlockLength + 1}}))
	assert.Error(t, tt.checkValidReceiveChunk(Request{Index: 0, ChunkSpec: pp.ChunkSpec{Begin: pp.MaxBlockLength, Length: 1}}))
}

func TestPieceAvailabilityTracksIncrementsAndDecrements(t *testing.T) {
	_, tt := newTestClientAndTorrent(t, 2, pp.MaxBlockLength)

	assert.EqualValues(t, 0, tt.pieceAvailabilityCount(0))
	tt.incPieceAvailability(0)
	tt.incPieceAvailability(0)
	assert.EqualValues(t, 2, tt.pieceAvailabilityCount(0))
	tt.decPieceAvailability(0)
	assert.EqualValues(t, 1, tt.pieceAvailabilityCount(0))

	// Decrementing below zero stays pinned at zero.
	tt.decPieceAvailability(1)
	assert.EqualValues(t, 0, tt.pieceAvailabilityCount(1))
}

func TestDecPeerPieceAvailabilityUndoesEveryAnnouncedPiece(t *testing.T) {
	_, tt := newTestClientAndTorrent(t, 3, pp.MaxBlockLength)
	p := &Peer{t: tt}
	tt.addPeer(p)

	p.applyHave(0)
	p.applyHave(2)
	assert.EqualValues(t, 1, tt.pieceAvailabilityCount(0))
	assert.EqualValues(t, 1, tt.pieceAvailabilityCount(2))

	tt.decPeerPieceAvailability(p)
	assert.EqualValues(t, 0, tt.pieceAvailabilityCount(0))
	assert.EqualValues(t, 0, tt.pieceAvailabilityCount(2))
}

func TestBitfieldSnapshotsCompletedPieces(t *testing.T) {
	_, tt := newTestClientAndTorrent(t, 4, pp.MaxBlockLength)
	tt.pieces[1].completed = true
	tt.pieces[3].completed = true

	bf := tt.bitfield()
	assert.Equal(t, []bool{false, true, false, true}, bf)
}

func TestPublishPieceStateChangeBroadcastsHaveOnce(t *testing.T) {
	_, tt := newTestClientAndTorrent(t, 2, pp.MaxBlockLength)
	p := &Peer{t: tt}
	p.initMessageWriter()
	tt.addPeer(p)

	tt.pieces[0].completed = true
	tt.publishPieceStateChange(0)

	dec := pp.NewDecoder(p.messageWriter.writeBuffer, 0)
	var msg pp.Message
	require.NoError(t, dec.Decode(&msg))
	assert.Equal(t, pp.Have, msg.Type)
	assert.EqualValues(t, 0, msg.Index)

	// A piece announced twice over the same connection is only sent once.
	p.messageWriter.writeBuffer.Reset()
	tt.publishPieceStateChange(0)
	assert.Equal(t, 0, p.messageWriter.writeBuffer.Len())
}
