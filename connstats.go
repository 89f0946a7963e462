package torrent

// ConnStats tracks cumulative byte/chunk counters for a connection, a
// torrent, or a client, depending on where it's embedded. Mirrors the
// teacher's atomic-count.go convention of one Count field per counter,
// copyable without locking thanks to atomic operations underneath.
type ConnStats struct {
	BytesRead Count

	BytesReadUsefulData         Count
	BytesReadUsefulIntendedData Count

	ChunksRead        Count
	ChunksReadUseful  Count
	ChunksReadWasted  Count
	ChunksWritten     Count

	PiecesDirtiedGood Count
	PiecesDirtiedBad  Count
}

func (cs *ConnStats) Copy() (ret ConnStats) {
	return copyCountFields(cs)
}

func (cs *ConnStats) receivedChunk(size int64) {
	cs.ChunksRead.Add(1)
}

// add returns a function that adds n to whichever Count field sel picks out
// of a ConnStats, for use with Peer.allStats's fan-out over several
// ConnStats instances.
func add(n int64, sel func(*ConnStats) *Count) func(*ConnStats) {
	return func(cs *ConnStats) {
		sel(cs).Add(n)
	}
}
