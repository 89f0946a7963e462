// Package choke implements the choke-queue/choke-group unchoke scheduler:
// weighted band selection, periodic cycling, and event-driven
// queued/unchoked/snubbed transitions. Grounded on
// original_source/src/torrent/download/choke_queue.cc/.h and
// choke_group.cc/.h.
package choke

import (
	"math/rand"
	"time"

	"github.com/anacrolix/multiless"
)

// Unlimited disables a queue's max-unchoked bound.
const Unlimited = ^uint32(0)

const (
	orderBase    = uint32(1) << 30
	orderMaxSize = 4
)

// Status is the minimal per-peer state choke needs; it intentionally
// carries no pointer back into a connection object, per the REDESIGN
// FLAGS in spec.md §9 ("plain functions over a mutable slice... no
// closures bound to connection objects").
type Status struct {
	// Entry is an opaque identity the caller correlates back to its own
	// connection object; choke never dereferences it.
	Entry interface{}

	State State

	DownloadRate, UploadRate float64 // bytes/sec, as observed from this peer
	RemoteChokedUs           bool    // they are choking us
	RecentlyUnchokingUs      bool    // they unchoked us recently and are sending ≥1KB/s

	LastChokeChange time.Time
	LastSnubbed     time.Time
}

// State is which of the four disjoint membership states a peer is in
// within its group (spec.md §8: "queued XOR unchoked XOR unlisted", plus
// snubbed as an orthogonal-but-exclusive-with-queued state here).
type State int

const (
	Unlisted State = iota
	Queued
	Unchoked
	Snubbed
)

// weighted pairs an entry's Status with a computed weight, the "mutable
// slice of (connection, weight) pairs" the spec calls for.
type weighted struct {
	status *Status
	weight uint32
}

// Direction selects upload-side or download-side weighting, which are
// symmetric but keyed on the opposite rate.
type Direction int

const (
	Upload Direction = iota
	Download
)

// uploadUnchokeWeight computes band + magnitude for a candidate being
// considered for *unchoking* on the upload side (spec.md §4.J).
func uploadUnchokeWeight(s *Status, rng *rand.Rand) uint32 {
	if s.RemoteChokedUs {
		return orderBase*1 + uint32(rng.Int31n(1<<20))
	}
	if s.RecentlyUnchokingUs && s.DownloadRate >= 1024 {
		return orderBase*2 + rateMagnitude(s.DownloadRate)
	}
	return orderBase*0 + rateMagnitude(s.DownloadRate)
}

// uploadChokeWeight computes the weight used when picking whom to *choke*
// on the upload side: prefer choking the slowest-sending peer.
func uploadChokeWeight(s *Status) uint32 {
	base := orderBase - 1
	penalty := uint32(s.DownloadRate / 16)
	if penalty > base {
		return 0
	}
	return base - penalty
}

func downloadUnchokeWeight(s *Status, rng *rand.Rand) uint32 {
	if s.RemoteChokedUs {
		return orderBase*1 + uint32(rng.Int31n(1<<20))
	}
	if s.RecentlyUnchokingUs && s.UploadRate >= 1024 {
		return orderBase*2 + rateMagnitude(s.UploadRate)
	}
	return orderBase*0 + rateMagnitude(s.UploadRate)
}

func downloadChokeWeight(s *Status) uint32 {
	base := orderBase - 1
	penalty := uint32(s.UploadRate / 16)
	if penalty > base {
		return 0
	}
	return base - penalty
}

func rateMagnitude(rate float64) uint32 {
	if rate < 0 {
		return 0
	}
	if rate > float64(orderBase-1) {
		return orderBase - 1
	}
	return uint32(rate)
}

// weigh picks the right weight function for (dir, forUnchoke).
func weigh(dir Direction, forUnchoke bool, s *Status, rng *rand.Rand) uint32 {
	switch {
	case dir == Upload && forUnchoke:
		return uploadUnchokeWeight(s, rng)
	case dir == Upload && !forUnchoke:
		return uploadChokeWeight(s)
	case dir == Download && forUnchoke:
		return downloadUnchokeWeight(s, rng)
	default:
		return downloadChokeWeight(s)
	}
}

// uploadBandWeights / downloadBandWeights are the fixed proportional
// distribution tables §4.J step 4 names.
var (
	uploadBandWeights   = [orderMaxSize]int{1, 3, 9, 0}
	downloadBandWeights = [orderMaxSize]int{1, 1, 1, 1}
)

func bandOf(weight uint32) int {
	b := int(weight / orderBase)
	if b >= orderMaxSize {
		b = orderMaxSize - 1
	}
	return b
}

// Queue is one upload or download queue within a Group: its bound, its
// member Statuses, and the heuristic direction it weighs by.
type Queue struct {
	Direction   Direction
	MaxUnchoked uint32
	MinSlots    uint32

	queued   []*Status
	unchoked []*Status

	rng *rand.Rand
}

func NewQueue(dir Direction, maxUnchoked uint32) *Queue {
	return &Queue{Direction: dir, MaxUnchoked: maxUnchoked, rng: rand.New(rand.NewSource(1))}
}

func (q *Queue) IsFull() bool { return q.MaxUnchoked != Unlimited && uint32(len(q.unchoked)) >= q.MaxUnchoked }

func (q *Queue) SizeUnchoked() int { return len(q.unchoked) }
func (q *Queue) SizeQueued() int   { return len(q.queued) }

// SetQueued admits a peer that has just become interested.
func (q *Queue) SetQueued(s *Status) {
	if s.State == Queued {
		return
	}
	s.State = Queued
	q.queued = append(q.queued, s)
	if !q.IsFull() && time.Since(s.LastChokeChange) >= 10*time.Second {
		q.promote(s)
	}
}

// SetNotQueued removes a peer that lost interest.
func (q *Queue) SetNotQueued(s *Status) {
	q.removeFrom(&q.queued, s)
	if s.State == Queued {
		s.State = Unlisted
	}
}

// SetSnubbed removes a peer from the queue regardless of interest because
// it stopped responding.
func (q *Queue) SetSnubbed(s *Status) {
	q.removeFrom(&q.queued, s)
	q.removeFrom(&q.unchoked, s)
	s.State = Snubbed
	s.LastSnubbed = time.Now()
}

func (q *Queue) SetNotSnubbed(s *Status) {
	if s.State != Snubbed {
		return
	}
	s.State = Unlisted
}

// Disconnected removes a peer from whichever list it's in.
func (q *Queue) Disconnected(s *Status) {
	q.removeFrom(&q.queued, s)
	q.removeFrom(&q.unchoked, s)
	s.State = Unlisted
}

func (q *Queue) removeFrom(list *[]*Status, s *Status) {
	for i, e := range *list {
		if e == s {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

func (q *Queue) promote(s *Status) {
	q.removeFrom(&q.queued, s)
	s.State = Unchoked
	s.LastChokeChange = time.Now()
	q.unchoked = append(q.unchoked, s)
}

func (q *Queue) demote(s *Status) {
	q.removeFrom(&q.unchoked, s)
	s.State = Queued
	s.LastChokeChange = time.Now()
	q.queued = append(q.queued, s)
}

// maxAlternate is ceil(unchoked/8), minimum 10, but never more than the
// number currently unchoked (spec.md: "ceil(currently_unchoked / 8 or 10)").
func (q *Queue) maxAlternate() int {
	n := len(q.unchoked)
	alt := (n + 7) / 8
	if alt < 10 {
		if n < 10 {
			return n
		}
		return 10
	}
	return alt
}

// Cycle runs one selection pass: sorts queued/unchoked by weight, fills up
// to MinSlots, trims past MaxUnchoked, then performs optimistic rotation
// of at least maxAlternate() slots. adjustBudget caps how many additional
// unchokes this call may grant beyond filling MinSlots (the
// resource-manager-derived quota of spec.md step 3/4); pass Unlimited for
// no additional cap.
func (q *Queue) Cycle(adjustBudget uint32) (promoted, demoted int) {
	q.sortByWeight(&q.queued, false)
	q.sortByWeight(&q.unchoked, true)

	for uint32(len(q.unchoked)) < q.MinSlots && len(q.queued) > 0 {
		s := q.queued[len(q.queued)-1]
		q.promote(s)
		promoted++
	}
	for q.MaxUnchoked != Unlimited && uint32(len(q.unchoked)) > q.MaxUnchoked {
		s := q.unchoked[len(q.unchoked)-1]
		q.demote(s)
		demoted++
	}

	budget := adjustBudget
	for budget > 0 && !q.IsFull() && len(q.queued) > 0 {
		s := q.pickByBand(q.queued, true)
		if s == nil {
			break
		}
		q.promote(s)
		promoted++
		budget--
	}

	alt := q.maxAlternate()
	for i := 0; i < alt && len(q.unchoked) > 0 && len(q.queued) > 0; i++ {
		victim := q.unchoked[0]
		replacement := q.pickByBand(q.queued, true)
		if replacement == nil || replacement == victim {
			break
		}
		q.demote(victim)
		demoted++
		q.promote(replacement)
		promoted++
	}
	return
}

// weightLess orders two weighted entries ascending by weight, falling back
// to original list position to keep the sort stable -- mirroring the
// multiless comparison chains request-strategy uses for piece ordering.
func weightLess(a, b weighted, posA, posB int) bool {
	return multiless.New().
		Int(int(a.weight), int(b.weight)).
		Int(posA, posB).
		OrderingInt() < 0
}

// sortByWeight recomputes each entry's weight and stable-sorts ascending.
func (q *Queue) sortByWeight(list *[]*Status, forUnchoke bool) {
	ws := make([]weighted, len(*list))
	for i, s := range *list {
		ws[i] = weighted{status: s, weight: weigh(q.Direction, forUnchoke, s, q.rng)}
	}
	for i := 1; i < len(ws); i++ {
		for j := i; j > 0 && weightLess(ws[j], ws[j-1], j, j-1); j-- {
			ws[j], ws[j-1] = ws[j-1], ws[j]
		}
	}
	for i, w := range ws {
		(*list)[i] = w.status
	}
}

// pickByBand distributes selection across the four weight bands
// proportionally to the fixed table for this queue's direction, starting
// from a random band each call to equalize long-term share (spec.md step
// 4's "residue spread from a random starting band").
func (q *Queue) pickByBand(list []*Status, forUnchoke bool) *Status {
	if len(list) == 0 {
		return nil
	}
	table := downloadBandWeights
	if q.Direction == Upload {
		table = uploadBandWeights
	}
	start := q.rng.Intn(orderMaxSize)
	for i := 0; i < orderMaxSize; i++ {
		band := (start + i) % orderMaxSize
		if table[band] == 0 {
			continue
		}
		for _, s := range list {
			if bandOf(weigh(q.Direction, forUnchoke, s, q.rng)) == band {
				return s
			}
		}
	}
	// no candidate matched a weighted band; fall back to the tail of the
	// (already weight-sorted) list.
	return list[len(list)-1]
}

// Group owns one upload and one download Queue for a single torrent/group
// of torrents sharing an unchoke budget.
type Group struct {
	Upload   *Queue
	Download *Queue
}

func NewGroup(maxUnchokedUpload, maxUnchokedDownload uint32) *Group {
	return &Group{
		Upload:   NewQueue(Upload, maxUnchokedUpload),
		Download: NewQueue(Download, maxUnchokedDownload),
	}
}

// ResourceManager aggregates multiple Groups' unchoke budgets, the
// can_unchoke/do_unchoke hook from original_source's resource_manager.cc
// (spec.md §6, supplemented per SPEC_FULL §7).
type ResourceManager struct {
	Groups []*Group
}

// CanUnchoke returns how many additional global upload slots are available
// across all member groups.
func (rm *ResourceManager) CanUnchoke(globalMax uint32) uint32 {
	var used uint32
	for _, g := range rm.Groups {
		used += uint32(g.Upload.SizeUnchoked())
	}
	if globalMax == Unlimited {
		return Unlimited
	}
	if globalMax <= used {
		return 0
	}
	return globalMax - used
}

// DoUnchoke distributes delta additional unchoke slots across groups in
// proportion to each group's queued backlog.
func (rm *ResourceManager) DoUnchoke(delta uint32) {
	if delta == 0 || len(rm.Groups) == 0 {
		return
	}
	totalQueued := 0
	for _, g := range rm.Groups {
		totalQueued += g.Upload.SizeQueued()
	}
	if totalQueued == 0 {
		return
	}
	for _, g := range rm.Groups {
		share := uint32(uint64(delta) * uint64(g.Upload.SizeQueued()) / uint64(totalQueued))
		g.Upload.Cycle(share)
	}
}

// MoveConnections atomically migrates every Status from src to dest,
// updating both sides' queued/unchoked counters (spec.md §4.J's group
// migration invariant).
func MoveConnections(src, dest *Queue) {
	for _, s := range append([]*Status{}, src.unchoked...) {
		src.removeFrom(&src.unchoked, s)
		s.State = Queued
		dest.queued = append(dest.queued, s)
	}
	for _, s := range append([]*Status{}, src.queued...) {
		src.removeFrom(&src.queued, s)
		dest.queued = append(dest.queued, s)
	}
}
