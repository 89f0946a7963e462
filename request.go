package torrent

import (
	pp "github.com/dannyzb/ratched/peer_protocol"
	request_strategy "github.com/dannyzb/ratched/request-strategy"
	typedRoaring "github.com/dannyzb/ratched/typed-roaring"
)

// pieceIndex is a piece number within a torrent.
type pieceIndex = int

// RequestIndex is a block request flattened across every piece of a
// torrent, re-exported from request_strategy so the rest of the package can
// refer to it unqualified, matching how the teacher's call sites use it.
type RequestIndex = request_strategy.RequestIndex

// ChunkSpec addresses a byte range within a single piece.
type ChunkSpec = pp.ChunkSpec

// Request addresses a single block: which piece, and where within it.
type Request = pp.BlockRequest

func newRequestFromMessage(msg *pp.Message) Request {
	return Request{Index: msg.Index, ChunkSpec: pp.ChunkSpec{Begin: msg.Begin, Length: msg.Length}}
}

// maxRequests is the type used for counting in-flight/peak request counts.
type maxRequests = int

func maxInt(is ...int) int {
	ret := is[0]
	for _, i := range is[1:] {
		if i > ret {
			ret = i
		}
	}
	return ret
}

func minInt(is ...int) int {
	ret := is[0]
	for _, i := range is[1:] {
		if i < ret {
			ret = i
		}
	}
	return ret
}

// orderedBitmap is a typed-roaring bitmap augmented with the snapshot
// iteration peer.go needs to safely mutate the set (cancelling/deleting
// requests) while iterating it.
type orderedBitmap[T typedRoaring.Int] struct {
	typedRoaring.Bitmap[T]
}

// IterateSnapshot iterates a point-in-time copy of the bitmap, so f may
// freely remove entries from the live bitmap without disturbing iteration.
func (o *orderedBitmap[T]) IterateSnapshot(f func(T) bool) {
	cloned := typedRoaring.Bitmap[T]{Bitmap: *o.Bitmap.Bitmap.Clone()}
	cloned.Iterate(f)
}

// roaringBitmapRangeCardinality counts members of b in [lo, hi), used to
// check whether any allowed-fast requests remain outstanding for a piece
// (spec.md §4.H fast extension).
func roaringBitmapRangeCardinality[T typedRoaring.Int](b *orderedBitmap[T], lo, hi uint64) uint64 {
	it := b.Bitmap.Bitmap.Iterator()
	it.AdvanceIfNeeded(uint32(lo))
	var n uint64
	for it.HasNext() {
		v := uint64(it.Next())
		if v >= hi {
			break
		}
		n++
	}
	return n
}

func chunkIndexFromChunkSpec(cs ChunkSpec, chunkSize pp.Integer) int {
	return int(cs.Begin / chunkSize)
}
