// Package reliability implements per-destination outstanding message
// tracking, ack processing, and the retransmit sweep for at-least-once
// delivery. Keepalive id allocation itself belongs to the reachability
// engine; this package only allocates and tracks message ids.
package reliability

import (
	"github.com/jabolina/oxen/internal/oxenlog"
	"github.com/jabolina/oxen/pkg/oxen/codec"
	"github.com/jabolina/oxen/pkg/oxen/wire"
)

// Clock is the minimal time source this engine needs.
type Clock interface {
	Now() int64
}

// entry is a single outstanding-message-table row.
type entry struct {
	id            uint64
	dest          wire.SID
	payload       codec.Value
	firstSendTime int64
	lastSendTime  int64
	retryCount    int
}

// Retransmission is a message the sweep decided needs to be re-framed
// and re-sent, possibly via a different next hop.
type Retransmission struct {
	Dest    wire.SID
	ID      uint64
	Payload codec.Value
}

// Engine is the reliability engine for one local SID.
type Engine struct {
	local     wire.SID
	log       oxenlog.Logger
	clock     Clock
	retryBase int64 // milliseconds
	retryCap  int

	nextID      map[wire.SID]uint64
	outstanding map[wire.SID]map[uint64]*entry
}

// New builds a reliability engine. retryBase is the base retransmit
// delay in milliseconds; retryCap bounds the exponential backoff
// exponent (defaults: 1000ms, 6).
func New(local wire.SID, retryBase int64, retryCap int, clk Clock, log oxenlog.Logger) *Engine {
	return &Engine{
		local:       local,
		log:         log,
		clock:       clk,
		retryBase:   retryBase,
		retryCap:    retryCap,
		nextID:      make(map[wire.SID]uint64),
		outstanding: make(map[wire.SID]map[uint64]*entry),
	}
}

// Send allocates an id when wantAck is true, tracks the outstanding
// entry, and returns the MD body to frame and hand to the
// reachability engine for next-hop selection. If wantAck is false the
// parcel carries no id and is never tracked.
func (e *Engine) Send(dest wire.SID, payload codec.Value, wantAck bool) wire.MD {
	md := wire.MD{To: dest, From: e.local, Data: payload}
	if !wantAck {
		return md
	}

	now := e.clock.Now()
	e.nextID[dest]++
	id := e.nextID[dest]
	md.ID = &id

	if e.outstanding[dest] == nil {
		e.outstanding[dest] = make(map[uint64]*entry)
	}
	e.outstanding[dest][id] = &entry{
		id:            id,
		dest:          dest,
		payload:       payload,
		firstSendTime: now,
		lastSendTime:  now,
	}
	return md
}

// OnAck processes a received ma whose To is the local SID. It returns
// the first-send-time to feed into the reachability engine's contact
// update, and ok=false for a duplicate ack with no matching entry
// (silently ignored — a duplicate ack is expected under at-least-once
// redelivery and must be idempotent).
func (e *Engine) OnAck(ack wire.MA) (firstSendTime int64, ok bool) {
	byID := e.outstanding[ack.From]
	if byID == nil {
		return 0, false
	}
	ent, found := byID[ack.ID]
	if !found {
		return 0, false
	}
	delete(byID, ack.ID)
	if len(byID) == 0 {
		delete(e.outstanding, ack.From)
	}
	return ent.firstSendTime, true
}

// RetransmitSweep runs at a coarse cadence (on the order of once per
// second). Every outstanding entry older than
// RETRY_BASE * 2^min(retry_count, RETRY_CAP) is due for retransmit;
// first_send_time is preserved, retry_count is incremented.
func (e *Engine) RetransmitSweep(now int64) []Retransmission {
	var due []Retransmission
	for dest, byID := range e.outstanding {
		for _, ent := range byID {
			exp := ent.retryCount
			if exp > e.retryCap {
				exp = e.retryCap
			}
			threshold := e.retryBase << uint(exp)
			if now-ent.lastSendTime < threshold {
				continue
			}
			ent.lastSendTime = now
			ent.retryCount++
			due = append(due, Retransmission{Dest: dest, ID: ent.id, Payload: ent.payload})
			e.log.Debugf("retransmitting id=%d to=%s retry=%d", ent.id, dest, ent.retryCount)
		}
	}
	return due
}

// DropPeer discards every outstanding entry for a peer that has been
// given up on: once a peer is given up, its outstanding entries are
// dropped rather than retried forever.
func (e *Engine) DropPeer(peer wire.SID) {
	delete(e.outstanding, peer)
	delete(e.nextID, peer)
}

// OutstandingCount reports how many unacknowledged entries remain for
// dest. Exposed for leave_cluster draining and tests.
func (e *Engine) OutstandingCount(dest wire.SID) int {
	return len(e.outstanding[dest])
}
