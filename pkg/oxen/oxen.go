// Package oxen is the cluster transport orchestrator: it wires the
// codec, wire, reliability, reachability and stream engines to a
// Transport and drives them from a single cooperative event loop —
// no lock guards any engine's state, because only the loop goroutine
// ever touches it (adapted from go-mcast's Unity.run/poll/process
// dispatch loop).
package oxen

import (
	"fmt"
	"sync"
	"time"

	"github.com/jabolina/oxen/internal/oxenerr"
	"github.com/jabolina/oxen/internal/oxenlog"
	"github.com/jabolina/oxen/pkg/oxen/codec"
	"github.com/jabolina/oxen/pkg/oxen/reachability"
	"github.com/jabolina/oxen/pkg/oxen/reliability"
	"github.com/jabolina/oxen/pkg/oxen/stream"
	"github.com/jabolina/oxen/pkg/oxen/transport"
	"github.com/jabolina/oxen/pkg/oxen/wire"
)

// localStream tracks the send side of one destination's ordered
// channels: the next sequence number to assign on each of the two
// streams, and whether Synchronize has already gone out.
type localStream struct {
	synced        bool
	broadcastNext uint64
	oneoneNext    uint64
}

// Oxen is one node's cluster transport. Build with New, start with
// Start, and read Events() for message_arrived/peer_up/peer_down.
type Oxen struct {
	cfg   Config
	local wire.SID
	log   oxenlog.Logger
	trans transport.Transport

	rel     *reliability.Engine
	reach   *reachability.Engine
	streams *stream.Engine

	members      map[wire.SID]bool
	expectLeave  map[wire.SID]bool
	expectJoin   map[wire.SID]bool
	localStreams map[wire.SID]*localStream

	events chan Event
	cmds   chan func()
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New builds an orchestrator bound to trans. It does not start the
// event loop; call Start for that.
func New(cfg Config, trans transport.Transport) *Oxen {
	return &Oxen{
		cfg:          cfg,
		local:        cfg.Local,
		log:          cfg.Logger,
		trans:        trans,
		rel:          reliability.New(cfg.Local, cfg.RetryBase.Milliseconds(), cfg.RetryCap, cfg.Clock, cfg.Logger),
		reach:        reachability.New(cfg.Local, cfg.LinkStale.Milliseconds(), cfg.GiveupAfter.Milliseconds(), cfg.KeepaliveEchoDelay.Milliseconds(), cfg.Clock, cfg.Rand, cfg.Logger),
		streams:      stream.New(cfg.Logger),
		members:      make(map[wire.SID]bool),
		expectLeave:  make(map[wire.SID]bool),
		expectJoin:   make(map[wire.SID]bool),
		localStreams: make(map[wire.SID]*localStream),
		events:       make(chan Event, 256),
		cmds:         make(chan func()),
		stop:         make(chan struct{}),
	}
}

// Start launches the cooperative event loop.
func (o *Oxen) Start() {
	o.wg.Add(1)
	go o.loop()
}

// Close stops the event loop and the underlying transport.
func (o *Oxen) Close() error {
	o.once.Do(func() { close(o.stop) })
	o.wg.Wait()
	close(o.events)
	return o.trans.Close()
}

// Events returns the channel message_arrived/peer_up/peer_down
// occurrences are delivered on.
func (o *Oxen) Events() <-chan Event {
	return o.events
}

func (o *Oxen) loop() {
	defer o.wg.Done()

	retransmitTicker := time.NewTicker(o.cfg.RetransmitSweepInterval)
	keepaliveTicker := time.NewTicker(o.cfg.KeepaliveInterval)
	gossipTicker := time.NewTicker(o.cfg.GossipInterval)
	giveupTicker := time.NewTicker(o.cfg.GiveupSweepInterval)
	defer retransmitTicker.Stop()
	defer keepaliveTicker.Stop()
	defer gossipTicker.Stop()
	defer giveupTicker.Stop()

	inbound := o.trans.Listen()

	for {
		select {
		case <-o.stop:
			return
		case cmd := <-o.cmds:
			cmd()
		case in, ok := <-inbound:
			if !ok {
				return
			}
			o.handleInbound(in)
		case <-retransmitTicker.C:
			o.runRetransmitSweep()
		case <-keepaliveTicker.C:
			o.runKeepaliveRound()
		case <-gossipTicker.C:
			o.runGossipRound()
		case <-giveupTicker.C:
			o.emitTransitions(o.reach.GiveupSweep(o.cfg.Clock.Now()))
		}
	}
}

// do schedules fn to run on the loop goroutine and blocks for its
// result. Every public operation below is a thin wrapper over do, so
// no engine state is ever touched from more than one goroutine.
func (o *Oxen) do(fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case o.cmds <- func() { errCh <- fn() }:
	case <-o.stop:
		return oxenerr.New(oxenerr.Protocol, "oxen: closed", nil)
	}
	select {
	case err := <-errCh:
		return err
	case <-o.stop:
		return oxenerr.New(oxenerr.Protocol, "oxen: closed", nil)
	}
}

// JoinCluster registers a peer's transport address and sends a
// Synchronize-bearing md to it, opening our outbound ordered streams
// to that peer. Reachability follows once its ack and gossip reply
// arrive; the resulting peer-up is reported as Expected.
func (o *Oxen) JoinCluster(peer wire.SID, addr string) error {
	return o.do(func() error {
		if err := o.trans.AddPeer(peer, addr); err != nil {
			return err
		}
		o.members[peer] = true
		o.expectJoin[peer] = true
		ls := o.localStreamFor(peer)
		if !ls.synced {
			if err := o.sendMD(peer, wire.MsgData{Kind: wire.MsgSynchronize}.ToValue(), true); err != nil {
				return err
			}
			ls.synced = true
		}
		return nil
	})
}

// LeaveCluster announces the end of our outbound streams to peer by
// sending Finalize at our current send-side sequence numbers, then
// stops actively pinging it. The peer is reported as given up with
// Expected=true once its own give-up sweep (or an exchanged Finalize)
// drains it.
func (o *Oxen) LeaveCluster(peer wire.SID) error {
	return o.do(func() error {
		o.expectLeave[peer] = true
		delete(o.members, peer)
		ls := o.localStreamFor(peer)
		if !ls.synced {
			if err := o.sendMD(peer, wire.MsgData{Kind: wire.MsgSynchronize}.ToValue(), true); err != nil {
				return err
			}
			ls.synced = true
		}
		return o.sendMD(peer, wire.MsgData{
			Kind:          wire.MsgFinalize,
			BroadcastInit: ls.broadcastNext - 1,
			OneOneInit:    ls.oneoneNext - 1,
		}.ToValue(), true)
	})
}

// SendDatagram reliably delivers payload to dest at least once,
// out-of-order, with no exactly-once guarantee.
func (o *Oxen) SendDatagram(dest wire.SID, payload []byte) error {
	return o.do(func() error {
		return o.sendMD(dest, codec.Str(payload), true)
	})
}

// BroadcastDatagram sends payload to every known member the same way
// as SendDatagram.
func (o *Oxen) BroadcastDatagram(payload []byte) error {
	return o.do(func() error {
		var firstErr error
		for _, dest := range o.knownMembers() {
			if err := o.sendMD(dest, codec.Str(payload), true); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})
}

// SendInOrder delivers payload to dest exactly once, in order,
// relative to every other SendInOrder call made to dest.
func (o *Oxen) SendInOrder(dest wire.SID, payload []byte) error {
	return o.do(func() error {
		return o.sendOrdered(dest, stream.OneToOne, payload)
	})
}

// BroadcastInOrder delivers payload to every known member, in order
// relative to every other broadcast this node has sent that member.
// Ordering is per (origin, receiver), not a single cluster-wide
// total order.
func (o *Oxen) BroadcastInOrder(payload []byte) error {
	return o.do(func() error {
		var firstErr error
		for _, dest := range o.knownMembers() {
			if err := o.sendOrdered(dest, stream.Broadcast, payload); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})
}

func (o *Oxen) knownMembers() []wire.SID {
	out := make([]wire.SID, 0, len(o.members))
	for peer := range o.members {
		out = append(out, peer)
	}
	return out
}

func (o *Oxen) localStreamFor(dest wire.SID) *localStream {
	ls, ok := o.localStreams[dest]
	if !ok {
		ls = &localStream{broadcastNext: 1, oneoneNext: 1}
		o.localStreams[dest] = ls
	}
	return ls
}

func (o *Oxen) sendOrdered(dest wire.SID, kind stream.Kind, payload []byte) error {
	ls := o.localStreamFor(dest)
	if !ls.synced {
		if err := o.sendMD(dest, wire.MsgData{Kind: wire.MsgSynchronize}.ToValue(), true); err != nil {
			return err
		}
		ls.synced = true
	}

	var seq uint64
	if kind == stream.Broadcast {
		seq = ls.broadcastNext
		ls.broadcastNext++
	} else {
		seq = ls.oneoneNext
		ls.oneoneNext++
	}

	msgKind := wire.MsgOneToOne
	if kind == stream.Broadcast {
		msgKind = wire.MsgBroadcast
	}
	return o.sendMD(dest, wire.MsgData{Kind: msgKind, Seq: seq, Payload: payload}.ToValue(), true)
}

// sendMD frames data as an MD body destined for dest and transmits it
// via the next hop reachability selects.
func (o *Oxen) sendMD(dest wire.SID, data codec.Value, wantAck bool) error {
	md := o.rel.Send(dest, data, wantAck)
	return o.transmitEnvelope(dest, wire.Envelope{MD: &md})
}

func (o *Oxen) sendKeepalive(neighbor wire.SID) {
	id := o.reach.AllocateKeepalive(neighbor, o.cfg.Clock.Now())
	o.transmitEnvelope(neighbor, wire.Envelope{Ka: &id})
}

// transmitEnvelope routes dest to a next hop, piggybacks any pending
// keepalive echo owed to that hop, and hands the encoded bytes to the
// transport. A peer already given up is invisible: the send is
// silently dropped. Otherwise, lacking a routed path is not fatal —
// the parcel still goes out on the best direct link as best-effort,
// since that direct attempt is how reachability to a brand new peer
// (with no matrix entry yet) is ever established in the first place.
func (o *Oxen) transmitEnvelope(dest wire.SID, env wire.Envelope) error {
	if o.reach.IsGivenUp(dest) {
		o.log.Debugf("%v", oxenerr.New(oxenerr.GivenUpDrop, "dropping send to given-up peer "+string(dest), nil))
		return nil
	}

	hop, _, ok := o.reach.Route(dest)
	if !ok {
		o.log.Debugf("%v", oxenerr.New(oxenerr.RoutingUnavailable, "no routed path to "+string(dest)+", sending best-effort", nil))
	}
	if echo := o.reach.ConsumeEcho(hop); echo != nil {
		env.Kk = echo
	}
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	if o.cfg.MaxParcelBytes > 0 && len(data) > o.cfg.MaxParcelBytes {
		return oxenerr.New(oxenerr.Decode, fmt.Sprintf("encoded parcel of %d bytes exceeds MaxParcelBytes %d", len(data), o.cfg.MaxParcelBytes), nil)
	}
	return o.trans.Send(hop, data)
}

func (o *Oxen) runRetransmitSweep() {
	for _, rt := range o.rel.RetransmitSweep(o.cfg.Clock.Now()) {
		md := wire.MD{To: rt.Dest, From: o.local, ID: &rt.ID, Data: rt.Payload}
		if err := o.transmitEnvelope(rt.Dest, wire.Envelope{MD: &md}); err != nil {
			o.log.Debugf("retransmit to %s failed: %v", rt.Dest, err)
		}
	}
}

func (o *Oxen) runKeepaliveRound() {
	for neighbor := range o.members {
		o.sendKeepalive(neighbor)
	}
	for _, neighbor := range o.reach.DueStandaloneEchoes(o.cfg.Clock.Now()) {
		echo := o.reach.ConsumeEcho(neighbor)
		if echo == nil {
			continue
		}
		env := wire.Envelope{Kk: echo}
		data, err := wire.Encode(env)
		if err != nil {
			continue
		}
		if err := o.trans.Send(neighbor, data); err != nil {
			o.log.Debugf("standalone echo to %s failed: %v", neighbor, err)
		}
	}
}

func (o *Oxen) runGossipRound() {
	targets, columns, ok := o.reach.SelectGossipTargets(o.cfg.GossipFanoutColumns, o.cfg.GossipFanoutPeers)
	if !ok {
		return
	}
	lc := o.reach.BuildGossipPayload(columns)
	for _, target := range targets {
		o.transmitEnvelope(target, wire.Envelope{LC: &lc})
	}
}

func (o *Oxen) handleInbound(in transport.Inbound) {
	if o.cfg.MaxParcelBytes > 0 && len(in.Data) > o.cfg.MaxParcelBytes {
		o.log.Debugf("%v", oxenerr.New(oxenerr.Decode, fmt.Sprintf("dropping oversize %d-byte datagram from %s", len(in.Data), in.From), nil))
		return
	}
	if o.reach.IsGivenUp(in.From) {
		o.log.Debugf("%v", oxenerr.New(oxenerr.GivenUpDrop, "dropping inbound parcel from given-up peer "+string(in.From), nil))
		return
	}

	env, err := wire.Decode(in.Data, wire.Options{})
	if err != nil {
		o.log.Debugf("dropping undecodable parcel from %s: %v", in.From, err)
		return
	}

	if env.Ka != nil {
		o.reach.RecordIncomingKeepalive(in.From, *env.Ka, o.cfg.Clock.Now())
	}
	if env.Kk != nil {
		o.emitTransitions(o.reach.ResolveEcho(in.From, *env.Kk))
	}
	if env.LC != nil {
		o.emitTransitions(o.reach.MergeGossip(env.LC.Rows))
	}
	if env.MA != nil {
		o.handleAck(in.From, *env.MA)
	}
	if env.MD != nil {
		o.handleMessage(in.From, *env.MD)
	}
}

func (o *Oxen) handleAck(directSender wire.SID, ack wire.MA) {
	if ack.To != o.local {
		o.forward(ack.To, wire.Envelope{MA: &ack})
		return
	}
	firstSendTime, ok := o.rel.OnAck(ack)
	if !ok {
		return
	}
	o.emitTransitions(o.reach.UpdateLocalContact(ack.From, firstSendTime))
}

func (o *Oxen) handleMessage(directSender wire.SID, md wire.MD) {
	if md.To != o.local {
		o.forward(md.To, wire.Envelope{MD: &md})
		return
	}

	if md.ID != nil {
		ack := wire.MA{To: md.From, From: o.local, ID: *md.ID}
		o.transmitEnvelope(md.From, wire.Envelope{MA: &ack})
	}

	sub, ok, err := wire.MsgDataFromValue(md.Data)
	if err != nil {
		o.log.Debugf("dropping malformed message body from %s: %v", md.From, err)
		return
	}
	if !ok {
		o.emitEvent(Event{Kind: EventMessageArrived, Origin: md.From, StreamKind: StreamUnreliable, Payload: bytesOf(md.Data)})
		return
	}

	switch sub.Kind {
	case wire.MsgSynchronize:
		if err := o.streams.OnSynchronize(md.From, sub.BroadcastInit, sub.OneOneInit); err != nil {
			o.log.Debugf("synchronize from %s rejected: %v", md.From, err)
		}
	case wire.MsgFinalize:
		closed, err := o.streams.OnFinalize(md.From, sub.BroadcastInit, sub.OneOneInit)
		if err != nil {
			o.log.Debugf("finalize from %s rejected: %v", md.From, err)
			return
		}
		if closed {
			o.handlePeerDrained(md.From)
		}
	case wire.MsgBroadcast, wire.MsgOneToOne:
		kind := stream.Broadcast
		if sub.Kind == wire.MsgOneToOne {
			kind = stream.OneToOne
		}
		delivered, closed, err := o.streams.OnMessage(md.From, kind, sub.Seq, sub.Payload)
		if err != nil {
			o.log.Debugf("message from %s rejected: %v", md.From, err)
			return
		}
		for _, d := range delivered {
			o.emitEvent(Event{Kind: EventMessageArrived, Origin: d.Origin, StreamKind: streamKindOf(d.Kind), Payload: d.Payload})
		}
		if closed {
			o.handlePeerDrained(md.From)
		}
	}
}

// forward re-routes a parcel addressed to someone other than us
// to someone other than us.
func (o *Oxen) forward(to wire.SID, env wire.Envelope) {
	if err := o.transmitEnvelope(to, env); err != nil {
		o.log.Debugf("forwarding to %s failed: %v", to, err)
	}
}

// handlePeerDrained runs once a peer's ordered streams have fully
// closed via a received Finalize (both sides' sequences reached).
// Unlike the staleness-driven path, this departure is known for
// certain right now — it forces an immediate transition into GivenUp
// and reports it as Expected, instead of waiting for GiveupSweep to
// eventually notice the peer has gone quiet.
func (o *Oxen) handlePeerDrained(peer wire.SID) {
	o.rel.DropPeer(peer)
	o.expectLeave[peer] = true
	o.emitTransitions(o.reach.ForceGivenUp(peer))
}

func (o *Oxen) emitTransitions(transitions []reachability.Transition) {
	for _, tr := range transitions {
		switch tr.Kind {
		case reachability.BecameReachable:
			expected := o.expectJoin[tr.Peer]
			delete(o.expectJoin, tr.Peer)
			o.emitEvent(Event{Kind: EventPeerUp, Peer: tr.Peer, Expected: expected})
		case reachability.BecameGivenUp:
			expected := o.expectLeave[tr.Peer]
			delete(o.expectLeave, tr.Peer)
			o.rel.DropPeer(tr.Peer)
			o.emitEvent(Event{Kind: EventPeerDown, Peer: tr.Peer, Expected: expected})
		}
	}
}

// streamKindOf maps an ordered-channel kind to the user-facing
// StreamKind reported on an Event.
func streamKindOf(k stream.Kind) StreamKind {
	if k == stream.Broadcast {
		return StreamBroadcast
	}
	return StreamOneToOne
}

func (o *Oxen) emitEvent(ev Event) {
	select {
	case o.events <- ev:
	case <-o.stop:
	}
}

func bytesOf(v codec.Value) []byte {
	if v.Kind == codec.KindBytes {
		return v.Bytes
	}
	return nil
}
