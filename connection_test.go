package torrent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pp "github.com/dannyzb/ratched/peer_protocol"
	"github.com/dannyzb/ratched/storage"
)

// newTestTorrentStorage builds a single-file, on-disk backed torrentStorage
// of exactly numPieces*chunkSize bytes, the way a real AddTorrent call
// would be wired up, grounded on storage/mmap_test.go's OpenTorrent-free
// FileList/ChunkList construction.
func newTestTorrentStorage(t *testing.T, numPieces int, chunkSize int64) *torrentStorage {
	t.Helper()
	dir := t.TempDir()
	fm := storage.NewFileManager(8)
	fl := storage.NewFileList(dir, chunkSize, fm)
	require.NoError(t, fl.PushBack("data.bin", int64(numPieces)*chunkSize))
	require.NoError(t, fl.Open(storage.ProtRead|storage.ProtWrite))
	return &torrentStorage{files: fl, chunks: storage.NewChunkList(fl)}
}

func TestApplyHaveIncrementsAvailabilityOnce(t *testing.T) {
	cl := NewClient(nil)
	t.Cleanup(func() { cl.Close() })
	tt := cl.AddTorrent([20]byte{1}, 3, int64(pp.MaxBlockLength), &torrentStorage{})
	p := &Peer{t: tt}
	tt.addPeer(p)

	p.applyHave(1)
	assert.EqualValues(t, 1, tt.pieceAvailabilityCount(1))

	// A repeated Have for the same piece doesn't double-count.
	p.applyHave(1)
	assert.EqualValues(t, 1, tt.pieceAvailabilityCount(1))
}

func TestApplyBitfieldIncrementsEachSetBit(t *testing.T) {
	cl := NewClient(nil)
	t.Cleanup(func() { cl.Close() })
	tt := cl.AddTorrent([20]byte{2}, 4, int64(pp.MaxBlockLength), &torrentStorage{})
	p := &Peer{t: tt}
	tt.addPeer(p)

	p.applyBitfield([]bool{true, false, true, true})
	assert.EqualValues(t, 1, tt.pieceAvailabilityCount(0))
	assert.EqualValues(t, 0, tt.pieceAvailabilityCount(1))
	assert.EqualValues(t, 1, tt.pieceAvailabilityCount(2))
	assert.EqualValues(t, 1, tt.pieceAvailabilityCount(3))
	assert.True(t, p.peerHasPiece(0))
	assert.False(t, p.peerHasPiece(1))
}

func TestApplyHaveAllMarksEveryPieceAvailable(t *testing.T) {
	cl := NewClient(nil)
	t.Cleanup(func() { cl.Close() })
	tt := cl.AddTorrent([20]byte{3}, 3, int64(pp.MaxBlockLength), &torrentStorage{})
	p := &Peer{t: tt}
	tt.addPeer(p)

	p.applyHaveAll()
	for i := 0; i < 3; i++ {
		assert.EqualValues(t, 1, tt.pieceAvailabilityCount(i))
	}
	all, known := p.peerHasAllPieces()
	assert.True(t, all)
	assert.True(t, known)
}

func TestDispatchMessageChokeUnchoke(t *testing.T) {
	cl := NewClient(nil)
	t.Cleanup(func() { cl.Close() })
	tt := cl.AddTorrent([20]byte{4}, 1, int64(pp.MaxBlockLength), &torrentStorage{})
	p := &Peer{t: tt}
	tt.addPeer(p)

	require.NoError(t, tt.dispatchMessage(p, &pp.Message{Type: pp.Choke}))
	assert.True(t, p.peerChoking)

	require.NoError(t, tt.dispatchMessage(p, &pp.Message{Type: pp.Unchoke}))
	assert.False(t, p.peerChoking)
}

func TestDispatchMessageInterested(t *testing.T) {
	cl := NewClient(nil)
	t.Cleanup(func() { cl.Close() })
	tt := cl.AddTorrent([20]byte{5}, 1, int64(pp.MaxBlockLength), &torrentStorage{})
	p := &Peer{t: tt}
	tt.addPeer(p)

	require.NoError(t, tt.dispatchMessage(p, &pp.Message{Type: pp.Interested}))
	assert.True(t, p.peerInterested)

	require.NoError(t, tt.dispatchMessage(p, &pp.Message{Type: pp.NotInterested}))
	assert.False(t, p.peerInterested)
}

func TestServeRequestReadsFromStorageAndUploads(t *testing.T) {
	const chunkSize = int64(pp.MaxBlockLength)
	cl := NewClient(nil)
	t.Cleanup(func() { cl.Close() })
	ts := newTestTorrentStorage(t, 1, chunkSize)
	tt := cl.AddTorrent([20]byte{6}, 1, chunkSize, ts)

	payload := make([]byte, chunkSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, tt.writeChunk(0, 0, payload))

	p := &Peer{t: tt, peerInterested: true, choking: true}
	p.initMessageWriter()
	tt.addPeer(p)

	r := Request{Index: 0, ChunkSpec: pp.ChunkSpec{Begin: 0, Length: pp.Integer(chunkSize)}}
	tt.pieces[0].completed = true

	req := pp.Message{Type: pp.Request, Index: r.Index, Begin: r.Begin, Length: r.Length}
	require.NoError(t, tt.dispatchMessage(p, &req))
	assert.Empty(t, p.peerRequests, "serveRequest should have drained the request it admitted")

	dec := pp.NewDecoder(p.messageWriter.writeBuffer, 0)
	var unchokeMsg pp.Message
	require.NoError(t, dec.Decode(&unchokeMsg))
	assert.Equal(t, pp.Unchoke, unchokeMsg.Type)

	var pieceMsg pp.Message
	require.NoError(t, dec.Decode(&pieceMsg))
	assert.Equal(t, pp.Piece, pieceMsg.Type)
	assert.Equal(t, payload, pieceMsg.Piece)
}
