package torrent

import "time"

// requestState records which peer a request is currently pending against
// and since when, so a stalled request can be reassigned.
type requestState struct {
	peer *Peer
	when time.Time
}

// PeerStats is the snapshot Peer.Stats() returns: raw connection counters
// plus a couple of derived rates, mirroring the teacher's own PeerStats.
type PeerStats struct {
	ConnStats

	DownloadRate     float64
	RemotePieceCount pieceIndex
}
