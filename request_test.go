package torrent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	pp "github.com/dannyzb/ratched/peer_protocol"
)

func newTestTorrentForRequests(numPieces int, chunkSize pp.Integer) *Torrent {
	return &Torrent{
		pieces:    make([]Piece, numPieces),
		chunkSize: chunkSize,
	}
}

func TestRequestIndexRoundTrip(t *testing.T) {
	tt := newTestTorrentForRequests(3, 2*pp.MaxBlockLength)
	for piece := 0; piece < 3; piece++ {
		start, end := tt.requestIndexesForPiece(piece)
		for r := start; r < end; r++ {
			req := tt.requestIndexToRequest(r)
			assert.EqualValues(t, piece, req.Index)
			back := tt.requestIndexFromRequest(req)
			assert.Equal(t, r, back)
		}
	}
}

func TestRequestIndexesForPieceCoversWholePiece(t *testing.T) {
	tt := newTestTorrentForRequests(1, 2*pp.MaxBlockLength)
	start, end := tt.requestIndexesForPiece(0)
	assert.Equal(t, RequestIndex(0), start)
	assert.Equal(t, RequestIndex(2), end)
}

func TestNewRequestFromMessage(t *testing.T) {
	msg := &pp.Message{Index: 4, Begin: 16384, Length: 16384}
	r := newRequestFromMessage(msg)
	assert.EqualValues(t, 4, r.Index)
	assert.EqualValues(t, 16384, r.Begin)
	assert.EqualValues(t, 16384, r.Length)
}
