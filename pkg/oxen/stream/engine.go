// Package stream implements the per-peer broadcast and one-to-one
// ordered-channel engine: Synchronize/Finalize framing and
// gap-tolerant, in-order, exactly-once release.
package stream

import (
	"github.com/jabolina/oxen/internal/oxenerr"
	"github.com/jabolina/oxen/internal/oxenlog"
	"github.com/jabolina/oxen/pkg/oxen/wire"
)

// Kind distinguishes the two sequenced channels a peer carries.
type Kind int

const (
	Broadcast Kind = iota
	OneToOne
)

// Phase is a per-peer stream lifecycle position.
type Phase int

const (
	PhaseUnknown Phase = iota
	PhaseSynced
	PhaseFinalizing
	PhaseClosed
)

// Delivery is a payload released to the user in sequence.
type Delivery struct {
	Origin wire.SID
	Kind   Kind
	Payload []byte
}

type buffer struct {
	initialized    bool
	init           uint64
	lastDelivered  uint64
	hasFinalize    bool
	finalizeSeq    uint64
	pending        map[uint64][]byte
}

func newBuffer() buffer {
	return buffer{pending: make(map[uint64][]byte)}
}

type peerStreams struct {
	broadcast buffer
	oneone    buffer
	phase     Phase
}

// Engine tracks stream state for every remote origin SID the local
// node knows about.
type Engine struct {
	log   oxenlog.Logger
	peers map[wire.SID]*peerStreams
}

func New(log oxenlog.Logger) *Engine {
	return &Engine{log: log, peers: make(map[wire.SID]*peerStreams)}
}

func (e *Engine) peerFor(origin wire.SID) *peerStreams {
	ps, ok := e.peers[origin]
	if !ok {
		ps = &peerStreams{broadcast: newBuffer(), oneone: newBuffer(), phase: PhaseUnknown}
		e.peers[origin] = ps
	}
	return ps
}

func (ps *peerStreams) bufferFor(kind Kind) *buffer {
	if kind == Broadcast {
		return &ps.broadcast
	}
	return &ps.oneone
}

func protocolErr(note string) error {
	return oxenerr.New(oxenerr.Protocol, note, nil)
}

// OnSynchronize handles the first legal message on a stream pair from
// origin. A Synchronize received while already Synced (or later) is
// accepted only as an exact retransmit of the original declared
// values; any mismatch is a ProtocolError.
func (e *Engine) OnSynchronize(origin wire.SID, broadcastInit, oneoneInit uint64) error {
	ps := e.peerFor(origin)
	if ps.phase == PhaseUnknown {
		ps.broadcast.init = broadcastInit
		ps.broadcast.lastDelivered = broadcastInit
		ps.broadcast.initialized = true
		ps.oneone.init = oneoneInit
		ps.oneone.lastDelivered = oneoneInit
		ps.oneone.initialized = true
		ps.phase = PhaseSynced
		return nil
	}
	if ps.broadcast.init != broadcastInit || ps.oneone.init != oneoneInit {
		return protocolErr("synchronize re-send does not match remembered initial sequence numbers")
	}
	return nil
}

// OnMessage handles a regular Broadcast/One-to-one payload at
// sequence seq. Delivered payloads are returned in order; closed
// reports whether this delivery drained the stream past a prior
// Finalize, completing the close.
func (e *Engine) OnMessage(origin wire.SID, kind Kind, seq uint64, payload []byte) (delivered []Delivery, closed bool, err error) {
	ps := e.peerFor(origin)
	if ps.phase == PhaseUnknown {
		return nil, false, protocolErr("regular message received before Synchronize")
	}
	if ps.phase == PhaseClosed {
		return nil, false, nil
	}

	buf := ps.bufferFor(kind)
	if seq <= buf.lastDelivered {
		return nil, false, nil // already delivered
	}
	buf.pending[seq] = payload

	for {
		next := buf.lastDelivered + 1
		p, ok := buf.pending[next]
		if !ok {
			break
		}
		delete(buf.pending, next)
		buf.lastDelivered = next
		delivered = append(delivered, Delivery{Origin: origin, Kind: kind, Payload: p})
	}

	closed = e.checkClosed(ps)
	return delivered, closed, nil
}

// OnFinalize records the last sequence numbers origin will ever send
// on each stream. closed reports whether both streams had already
// drained to their finalize sequence (e.g. a Finalize whose sequences
// were already fully delivered).
func (e *Engine) OnFinalize(origin wire.SID, broadcastFinal, oneoneFinal uint64) (closed bool, err error) {
	ps := e.peerFor(origin)
	if ps.phase == PhaseUnknown {
		return false, protocolErr("finalize received before Synchronize")
	}
	if ps.phase == PhaseClosed {
		return true, nil
	}
	if broadcastFinal < ps.broadcast.lastDelivered || oneoneFinal < ps.oneone.lastDelivered {
		return false, protocolErr("finalize sequence less than last delivered")
	}
	ps.broadcast.hasFinalize = true
	ps.broadcast.finalizeSeq = broadcastFinal
	ps.oneone.hasFinalize = true
	ps.oneone.finalizeSeq = oneoneFinal
	ps.phase = PhaseFinalizing
	return e.checkClosed(ps), nil
}

func (e *Engine) checkClosed(ps *peerStreams) bool {
	if ps.phase == PhaseClosed {
		return true
	}
	if ps.phase != PhaseFinalizing {
		return false
	}
	if ps.broadcast.hasFinalize && ps.broadcast.lastDelivered >= ps.broadcast.finalizeSeq &&
		ps.oneone.hasFinalize && ps.oneone.lastDelivered >= ps.oneone.finalizeSeq {
		ps.phase = PhaseClosed
		return true
	}
	return false
}

// Phase reports origin's current stream phase.
func (e *Engine) Phase(origin wire.SID) Phase {
	if ps, ok := e.peers[origin]; ok {
		return ps.phase
	}
	return PhaseUnknown
}
