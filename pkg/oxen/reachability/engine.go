package reachability

import (
	"sort"

	"github.com/jabolina/oxen/internal/oxenlog"
	"github.com/jabolina/oxen/pkg/oxen/wire"
)

// Clock is the minimal time source this engine needs.
type Clock interface {
	Now() int64
}

// Rand is the minimal randomness source gossip fanout selection needs.
type Rand interface {
	Intn(n int) int
}

// Engine is the reachability engine for one local SID.
type Engine struct {
	local wire.SID
	log   oxenlog.Logger
	clock Clock
	rng   Rand

	linkStale          int64
	giveupAfter        int64
	keepaliveEchoDelay int64

	// contacts[observer][observed] = timestamp.
	matrix map[wire.SID]map[wire.SID]int64

	state     map[wire.SID]*peerInfo
	neighbors map[wire.SID]*neighborState
}

// New builds a reachability engine. Durations are expressed in
// milliseconds to match the injectable Clock.
func New(local wire.SID, linkStale, giveupAfter, keepaliveEchoDelay int64, clk Clock, rng Rand, log oxenlog.Logger) *Engine {
	e := &Engine{
		local:              local,
		log:                log,
		clock:              clk,
		rng:                rng,
		linkStale:          linkStale,
		giveupAfter:        giveupAfter,
		keepaliveEchoDelay: keepaliveEchoDelay,
		matrix:             make(map[wire.SID]map[wire.SID]int64),
		state:              make(map[wire.SID]*peerInfo),
		neighbors:          make(map[wire.SID]*neighborState),
	}
	return e
}

func (e *Engine) row(observer wire.SID) map[wire.SID]int64 {
	r, ok := e.matrix[observer]
	if !ok {
		r = make(map[wire.SID]int64)
		e.matrix[observer] = r
	}
	return r
}

func (e *Engine) infoFor(peer wire.SID) *peerInfo {
	pi, ok := e.state[peer]
	if !ok {
		pi = &peerInfo{state: Unknown}
		e.state[peer] = pi
	}
	return pi
}

// UpdateLocalContact sets contacts[local][observed] = max(existing,
// ts). This is the only path that updates the local row — an
// ordinary ack also produces a contact update, by equivalence (an
// ack is itself a form of keepalive). Both the reliability engine's
// ack handler and ResolveEcho below call into this.
func (e *Engine) UpdateLocalContact(observed wire.SID, ts int64) []Transition {
	row := e.row(e.local)
	if cur, ok := row[observed]; ok && cur >= ts {
		return nil
	}
	row[observed] = ts
	return e.reclassify(observed)
}

// MergeGossip merges a received lc body cell-wise by max timestamp:
// a received lc can only advance cell timestamps, never rewind them.
// Rows claiming to be the local row are ignored: the local row only
// ever changes through UpdateLocalContact.
func (e *Engine) MergeGossip(rows map[wire.SID]map[wire.SID]int64) []Transition {
	affected := make(map[wire.SID]bool)
	for observer, cols := range rows {
		if observer == e.local {
			continue
		}
		row := e.row(observer)
		for observed, ts := range cols {
			if cur, ok := row[observed]; ok && cur >= ts {
				continue
			}
			row[observed] = ts
			affected[observed] = true
		}
	}
	var transitions []Transition
	for peer := range affected {
		transitions = append(transitions, e.reclassify(peer)...)
	}
	return transitions
}

// knownPeers returns every SID that appears as an observed column in
// the matrix, excluding local, sorted for deterministic iteration.
func (e *Engine) knownPeers() []wire.SID {
	seen := make(map[wire.SID]bool)
	for _, cols := range e.matrix {
		for observed := range cols {
			if observed != e.local {
				seen[observed] = true
			}
		}
	}
	peers := make([]wire.SID, 0, len(seen))
	for p := range seen {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// SelectGossipTargets picks up to maxColumns columns and up to
// maxPeers distinct target neighbors, all at random via the injected
// Rand. maxPeers <= 0 (or >= the number of known peers) selects every
// known peer as a target.
func (e *Engine) SelectGossipTargets(maxColumns, maxPeers int) (targets []wire.SID, columns []wire.SID, ok bool) {
	peers := e.knownPeers()
	if len(peers) == 0 {
		return nil, nil, false
	}

	targets = pickDistinct(peers, maxPeers, e.rng)

	if maxColumns <= 0 || maxColumns >= len(peers) {
		return targets, peers, true
	}
	columns = pickDistinct(peers, maxColumns, e.rng)
	return targets, columns, true
}

// pickDistinct returns n distinct elements of peers chosen at random
// via a Fisher-Yates partial shuffle. n <= 0 or n >= len(peers) returns
// every element.
func pickDistinct(peers []wire.SID, n int, rng Rand) []wire.SID {
	if n <= 0 || n >= len(peers) {
		out := make([]wire.SID, len(peers))
		copy(out, peers)
		return out
	}
	idx := make([]int, len(peers))
	for i := range idx {
		idx[i] = i
	}
	for i := 0; i < n; i++ {
		j := i + rng.Intn(len(idx)-i)
		idx[i], idx[j] = idx[j], idx[i]
	}
	out := make([]wire.SID, n)
	for i := 0; i < n; i++ {
		out[i] = peers[idx[i]]
	}
	return out
}

// BuildGossipPayload assembles an lc body carrying the local row's
// values for columns plus any foreign rows whose columns intersect
// the selection.
func (e *Engine) BuildGossipPayload(columns []wire.SID) wire.LC {
	cols := make(map[wire.SID]bool, len(columns))
	for _, c := range columns {
		cols[c] = true
	}
	rows := make(map[wire.SID]map[wire.SID]int64)
	for observer, row := range e.matrix {
		var out map[wire.SID]int64
		for observed, ts := range row {
			if !cols[observed] {
				continue
			}
			if out == nil {
				out = make(map[wire.SID]int64)
			}
			out[observed] = ts
		}
		if out != nil {
			rows[observer] = out
		}
	}
	return wire.LC{Rows: rows}
}

// AllocateKeepalive returns a fresh ka id bound to (neighbor, now),
// monotonic per (local, neighbor) pair.
func (e *Engine) AllocateKeepalive(neighbor wire.SID, now int64) uint64 {
	ns, ok := e.neighbors[neighbor]
	if !ok {
		ns = newNeighborState()
		e.neighbors[neighbor] = ns
	}
	ns.nextKaID++
	ns.rememberSent(ns.nextKaID, now)
	return ns.nextKaID
}

// RecordIncomingKeepalive remembers that neighbor sent us ka=id at
// now, scheduling an echo.
func (e *Engine) RecordIncomingKeepalive(neighbor wire.SID, id uint64, now int64) {
	ns, ok := e.neighbors[neighbor]
	if !ok {
		ns = newNeighborState()
		e.neighbors[neighbor] = ns
	}
	ns.pendingEcho = &id
	ns.pendingEchoSince = now
}

// ConsumeEcho returns and clears the pending kk echo for neighbor, if
// any. The orchestrator calls this whenever it is about to emit any
// parcel to neighbor, piggybacking the echo.
func (e *Engine) ConsumeEcho(neighbor wire.SID) *uint64 {
	ns, ok := e.neighbors[neighbor]
	if !ok || ns.pendingEcho == nil {
		return nil
	}
	id := *ns.pendingEcho
	ns.pendingEcho = nil
	return &id
}

// DueStandaloneEchoes reports neighbors whose pending echo has sat
// unanswered for KEEPALIVE_ECHO_DELAY with no outbound traffic to
// piggyback on, so the orchestrator must emit a standalone kk parcel.
func (e *Engine) DueStandaloneEchoes(now int64) []wire.SID {
	var due []wire.SID
	for neighbor, ns := range e.neighbors {
		if ns.pendingEcho != nil && now-ns.pendingEchoSince >= e.keepaliveEchoDelay {
			due = append(due, neighbor)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })
	return due
}

// ResolveEcho resolves a received kk=id from neighbor back to the
// locally remembered send time and feeds it into UpdateLocalContact,
// the only path that ever advances the local row.
func (e *Engine) ResolveEcho(neighbor wire.SID, kk uint64) []Transition {
	ns, ok := e.neighbors[neighbor]
	if !ok {
		return nil
	}
	ts, ok := ns.sentKa[kk]
	if !ok {
		return nil // unknown or already-expired id: ignore
	}
	delete(ns.sentKa, kk)
	return e.UpdateLocalContact(neighbor, ts)
}

// GiveupSweep runs at coarse cadence alongside the other periodic
// timers and reconciles every known peer's classification against the
// current time, not just the peers some recent matrix update touched.
// Without this, a peer that stops producing any fresh observation at
// all — no more keepalives, no gossip mentioning it — would stay
// classified exactly as it was at the last event forever: nothing
// else ever re-evaluates it. Both the Reachable->Unreachable edge and
// the Unreachable->GivenUp edge depend on wall-clock time elapsing
// with no new evidence, so this sweep is what actually drives them.
func (e *Engine) GiveupSweep(now int64) []Transition {
	var transitions []Transition
	peers := make([]wire.SID, 0, len(e.state))
	for p := range e.state {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	for _, peer := range peers {
		transitions = append(transitions, e.reclassify(peer)...)
	}
	return transitions
}

// reclassify recomputes peer's state machine position after a matrix
// update touching its column.
func (e *Engine) reclassify(peer wire.SID) []Transition {
	now := e.clock.Now()
	pi := e.infoFor(peer)
	usableNow := e.isPossiblyReachable(peer, now)

	switch pi.state {
	case Unknown:
		if usableNow {
			pi.state = Reachable
			pi.hasUnreachable = false
			return []Transition{{Peer: peer, Kind: BecameReachable}}
		}
	case Reachable:
		if !usableNow {
			pi.state = Unreachable
			pi.unreachableSince = now
			pi.hasUnreachable = true
		}
	case Unreachable:
		if usableNow {
			// Back to Reachable without a user-visible edge: no
			// BecameGivenUp was reported, so no new peer-up is owed.
			pi.state = Reachable
			pi.hasUnreachable = false
			return nil
		}
		if now-pi.unreachableSince >= e.giveupAfter {
			pi.state = GivenUp
			return []Transition{{Peer: peer, Kind: BecameGivenUp}}
		}
	case GivenUp:
		if usableNow {
			pi.state = Reachable
			pi.hasUnreachable = false
			return []Transition{{Peer: peer, Kind: BecameReachable}}
		}
	}
	return nil
}

// isPossiblyReachable reports whether any row the local node holds
// has a possibly usable cell for peer.
func (e *Engine) isPossiblyReachable(peer wire.SID, now int64) bool {
	for observer := range e.matrix {
		if e.isLinkUsable(observer, peer, now) {
			return true
		}
	}
	return false
}

func (e *Engine) isLinkUsable(observer, observed wire.SID, now int64) bool {
	ts, ok := e.matrix[observer][observed]
	if !ok {
		return false
	}
	return now-ts <= e.linkStale
}

// State returns peer's current classification.
func (e *Engine) State(peer wire.SID) PeerState {
	if pi, ok := e.state[peer]; ok {
		return pi.state
	}
	return Unknown
}

// IsGivenUp reports whether peer has been given up on. Given-up
// peers are invisible to routing and reliability alike.
func (e *Engine) IsGivenUp(peer wire.SID) bool {
	return e.State(peer) == GivenUp
}

// ForceGivenUp drives peer directly into GivenUp, bypassing the
// staleness-driven reclassify/GiveupSweep path. The orchestrator calls
// this when a peer's streams drain via a received Finalize: that
// departure is known immediately and shouldn't wait for the give-up
// timer to separately expire. A peer already GivenUp yields no
// transition.
func (e *Engine) ForceGivenUp(peer wire.SID) []Transition {
	pi := e.infoFor(peer)
	if pi.state == GivenUp {
		return nil
	}
	pi.state = GivenUp
	pi.hasUnreachable = false
	return []Transition{{Peer: peer, Kind: BecameGivenUp}}
}
