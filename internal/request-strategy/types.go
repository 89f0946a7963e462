package requestStrategy

import "github.com/anacrolix/multiless"

// Btree is the ordered-set backend a PieceRequestOrder is built on top of.
type Btree interface {
	Delete(PieceRequestOrderItem)
	Add(PieceRequestOrderItem)
	Scan(func(PieceRequestOrderItem) bool)
}

// OptionInfohash is a possibly-absent 20-byte v1 infohash, used to key piece
// request order entries when a PieceRequestOrder is shared across torrents
// that sit on the same storage capacity (spec.md §4.J).
type OptionInfohash struct {
	ok    bool
	value [20]byte
}

func SomeInfohash(v [20]byte) OptionInfohash { return OptionInfohash{true, v} }

func (o OptionInfohash) Value() [20]byte { return o.value }

// PieceRequestOrderKey identifies a single piece within a PieceRequestOrder.
type PieceRequestOrderKey struct {
	InfoHash OptionInfohash
	Index    int
}

type PiecePriority int

// PieceRequestOrderState is the mutable ordering criteria for one piece:
// how eagerly it should be requested relative to its peers.
type PieceRequestOrderState struct {
	Priority     PiecePriority
	Partial      bool
	Availability int64
}

type PieceRequestOrderItem struct {
	Key   PieceRequestOrderKey
	State PieceRequestOrderState
}

// pieceOrderLess ranks higher priority, then partially-downloaded, then
// rarer, then lower-indexed pieces first -- rarest-first with partial-piece
// and priority overrides, mirroring how the teacher's request-strategy
// package orders pieces.
func pieceOrderLess(a, b *PieceRequestOrderItem) multiless.Computation {
	return multiless.New().
		Int(int(b.State.Priority), int(a.State.Priority)).
		Bool(b.State.Partial, a.State.Partial).
		Int64(a.State.Availability, b.State.Availability).
		Int(a.Key.Index, b.Key.Index)
}

// optionState carries whether an Add call replaced an existing entry, and
// its prior state if so.
type optionState struct {
	Ok    bool
	Value PieceRequestOrderState
}

// PieceRequestOrder is an ordered set of pieces across one or more torrents
// sharing an underlying Btree, kept sorted by PieceRequestOrderState so a
// requester can always walk it front-to-back for the next piece to pursue.
type PieceRequestOrder struct {
	tree   Btree
	states map[PieceRequestOrderKey]PieceRequestOrderState
}

func NewPieceOrder(inner Btree, numPieces int) *PieceRequestOrder {
	return &PieceRequestOrder{tree: inner, states: make(map[PieceRequestOrderKey]PieceRequestOrderState, numPieces)}
}

func (me *PieceRequestOrder) Len() int { return len(me.states) }

// Add inserts key with state, replacing any existing entry, and returns the
// previous state if one existed. The backing tree is keyed on the full item (state included, since
// that's what determines ordering), so replacing a piece's state requires
// deleting its old entry before inserting the new one.
func (me *PieceRequestOrder) Add(key PieceRequestOrderKey, state PieceRequestOrderState) (old optionState) {
	if prev, found := me.states[key]; found {
		old = optionState{true, prev}
		me.tree.Delete(PieceRequestOrderItem{key, prev})
	}
	me.tree.Add(PieceRequestOrderItem{key, state})
	me.states[key] = state
	return
}

// Update sets the state associated with key (inserting it if absent),
// reporting whether an existing entry's state changed.
func (me *PieceRequestOrder) Update(key PieceRequestOrderKey, state PieceRequestOrderState) (changed bool) {
	old := me.Add(key, state)
	return old.Ok && old.Value != state
}

// Delete removes key, reporting whether it was present.
func (me *PieceRequestOrder) Delete(key PieceRequestOrderKey) (deleted bool) {
	prev, found := me.states[key]
	if !found {
		return false
	}
	me.tree.Delete(PieceRequestOrderItem{key, prev})
	delete(me.states, key)
	return true
}

// Iter yields every item in priority order (highest priority first).
func (me *PieceRequestOrder) Iter() func(yield func(PieceRequestOrderItem) bool) {
	return func(yield func(PieceRequestOrderItem) bool) {
		me.tree.Scan(func(item PieceRequestOrderItem) bool {
			return yield(item)
		})
	}
}
