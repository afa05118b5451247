// Package transport provides the wire-level send/receive primitive
// the orchestrator drives: a best-effort, unordered datagram channel
// keyed by SID, with address resolution left to the caller.
package transport

import (
	"github.com/jabolina/oxen/pkg/oxen/wire"
)

// Inbound is one received, but not yet decoded, datagram.
type Inbound struct {
	From wire.SID
	Data []byte
}

// Transport is the minimal send/receive primitive the reliability,
// reachability and stream engines are driven through. Delivery is
// best-effort and unordered — everything above this layer is what
// adds reliability and ordering back in.
type Transport interface {
	// Send transmits data to dest. A dest with no registered address
	// is reported as a RoutingUnavailable error; loss in transit is
	// not reported here: the caller's own retransmit and give-up
	// machinery is what notices.
	Send(dest wire.SID, data []byte) error

	// Listen returns the channel inbound datagrams arrive on. The
	// channel is closed when the transport is closed.
	Listen() <-chan Inbound

	// AddPeer registers (or replaces) the network address dest is
	// reachable at, needed before Send(dest, ...) can succeed.
	AddPeer(dest wire.SID, addr string) error

	// RemovePeer forgets dest's address.
	RemovePeer(dest wire.SID)

	// Close releases the underlying socket.
	Close() error
}
