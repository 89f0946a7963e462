// Package requestStrategy holds the public, per-peer request bookkeeping
// types. The piece-level ordering machinery lives separately in
// internal/request-strategy; this package only needs its own ordered-set
// plumbing to support PeerRequestState.
package requestStrategy

import "github.com/anacrolix/multiless"

// RequestIndex identifies a single block request in the flattened index
// space spanning every piece of a torrent (spec.md §3 Request list).
type RequestIndex = uint32

// RequestSet is the minimal ordered-set contract PeerRequestState needs from
// whatever bitmap type backs Requests/Cancelled. The root package's
// orderedBitmap[RequestIndex] implements this.
type RequestSet interface {
	Contains(RequestIndex) bool
	Add(RequestIndex)
	CheckedAdd(RequestIndex) bool
	CheckedRemove(RequestIndex) bool
	IsEmpty() bool
	GetCardinality() uint64
	Iterate(func(RequestIndex) bool)
	IterateSnapshot(func(RequestIndex) bool)
}

// PeerRequestState is the per-connection record of which blocks we've asked
// a peer for, which of those we've since cancelled, and whether we're
// presently interested in them at all (spec.md §3 Request list, §4.H
// interested/request bookkeeping).
type PeerRequestState struct {
	Requests   RequestSet
	Cancelled  RequestSet
	Interested bool
}

// Btree and PieceRequestOrderItem exist here only so this package's own
// ajwerner-btree.go (kept from the teacher) has something to build an
// ordered set over; piece-level ordering itself is done by
// internal/request-strategy.PieceRequestOrder.
type Btree interface {
	Delete(PieceRequestOrderItem)
	Add(PieceRequestOrderItem)
	Scan(func(PieceRequestOrderItem) bool)
}

type PieceRequestOrderItem struct {
	Index    int
	Priority int
}

func pieceOrderLess(a, b *PieceRequestOrderItem) multiless.Computation {
	return multiless.New().Int(b.Priority, a.Priority).Int(a.Index, b.Index)
}
