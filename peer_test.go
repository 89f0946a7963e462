package torrent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dannyzb/ratched/choke"
	pp "github.com/dannyzb/ratched/peer_protocol"
)

func recordingWriter() (func(pp.Message) bool, *[]pp.Message) {
	var sent []pp.Message
	return func(m pp.Message) bool {
		sent = append(sent, m)
		return true
	}, &sent
}

func TestPeerChokeIsIdempotent(t *testing.T) {
	p := &Peer{}
	write, sent := recordingWriter()

	assert.True(t, p.choke(write))
	assert.True(t, p.choking)
	assert.Len(t, *sent, 1)

	// Choking an already-choked peer sends nothing further.
	assert.True(t, p.choke(write))
	assert.Len(t, *sent, 1)
}

func TestPeerUnchokeIsIdempotent(t *testing.T) {
	p := &Peer{choking: true}
	write, sent := recordingWriter()

	assert.True(t, p.unchoke(write))
	assert.False(t, p.choking)
	assert.Len(t, *sent, 1)
	assert.Equal(t, pp.Unchoke, (*sent)[0].Type)

	assert.True(t, p.unchoke(write))
	assert.Len(t, *sent, 1)
}

func TestUploadAllowed(t *testing.T) {
	cl := NewClient(nil)
	t.Cleanup(func() { cl.Close() })
	tt := cl.AddTorrent([20]byte{9}, 1, int64(pp.MaxBlockLength), &torrentStorage{})

	p := &Peer{t: tt}
	assert.False(t, p.uploadAllowed(), "leecher not interested in us shouldn't be served")

	p.peerInterested = true
	assert.True(t, p.uploadAllowed())

	cl.config.NoUpload = true
	assert.False(t, p.uploadAllowed(), "NoUpload disables serving regardless of interest")
	cl.config.NoUpload = false

	tt.seedingMode = true
	p.peerInterested = false
	assert.True(t, p.uploadAllowed(), "seeding serves even an uninterested peer")
}

func TestUploadChokesWhenNotAllowed(t *testing.T) {
	cl := NewClient(nil)
	t.Cleanup(func() { cl.Close() })
	tt := cl.AddTorrent([20]byte{9}, 1, int64(pp.MaxBlockLength), &torrentStorage{})

	p := &Peer{t: tt}
	write, sent := recordingWriter()
	assert.True(t, p.upload(write))
	assert.True(t, p.choking)
	assert.Len(t, *sent, 1)
	assert.Equal(t, pp.Choke, (*sent)[0].Type)
}

func TestUploadSendsOnePendingChunkPerCall(t *testing.T) {
	cl := NewClient(nil)
	t.Cleanup(func() { cl.Close() })
	tt := cl.AddTorrent([20]byte{9}, 1, int64(pp.MaxBlockLength), &torrentStorage{})

	p := &Peer{t: tt, peerInterested: true, choking: true}
	r := Request{Index: 0, ChunkSpec: pp.ChunkSpec{Begin: 0, Length: 4}}
	p.peerRequests = map[Request]*peerRequestState{r: {data: []byte("data")}}

	write, sent := recordingWriter()
	assert.True(t, p.upload(write))

	assert.Len(t, *sent, 2) // unchoke, then the piece
	assert.Equal(t, pp.Unchoke, (*sent)[0].Type)
	assert.Equal(t, pp.Piece, (*sent)[1].Type)
	assert.Equal(t, []byte("data"), (*sent)[1].Piece)
	assert.Empty(t, p.peerRequests)
}

func TestSetPeerInterestedRegistersWithChokeQueueAndPromotes(t *testing.T) {
	cl := NewClient(nil)
	t.Cleanup(func() { cl.Close() })
	tt := cl.AddTorrent([20]byte{9}, 1, int64(pp.MaxBlockLength), &torrentStorage{})

	p := &Peer{t: tt}
	p.setPeerInterested(true)
	// An unbounded, otherwise-empty upload queue promotes on admission.
	assert.Equal(t, choke.Unchoked, p.chokeStatus.State)
	assert.Equal(t, 1, tt.chokeGroup.Upload.SizeUnchoked())

	// Disconnecting (as Peer.close does) drops membership outright, whether
	// the peer had already been promoted to Unchoked or was still Queued.
	tt.chokeGroup.Upload.Disconnected(&p.chokeStatus)
	assert.Equal(t, choke.Unlisted, p.chokeStatus.State)
	assert.Equal(t, 0, tt.chokeGroup.Upload.SizeUnchoked())
}
