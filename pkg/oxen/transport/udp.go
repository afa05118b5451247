package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jabolina/oxen/internal/oxenerr"
	"github.com/jabolina/oxen/internal/oxenlog"
	"github.com/jabolina/oxen/pkg/oxen/wire"
)

// maxDatagram bounds a single read; a parcel larger than this is
// truncated and its decode will fail upstream, which is equivalent to
// a dropped datagram (retransmit and gossip both recover from drops).
const maxDatagram = 65536

// UDP is the default Transport, built on plain net.UDPConn with no
// fragmentation or reassembly: a parcel that doesn't fit in one
// datagram is the caller's problem, not this layer's. The transport is
// deliberately dumb.
type UDP struct {
	log  oxenlog.Logger
	conn *net.UDPConn

	mu    sync.RWMutex
	peers map[wire.SID]*net.UDPAddr

	out     chan Inbound
	closed  chan struct{}
	closeMu sync.Once
}

// ListenUDP binds bindAddr (e.g. ":7946") and starts the receive
// loop. Callers register peer addresses with AddPeer before sending.
func ListenUDP(bindAddr string, log oxenlog.Logger) (*UDP, error) {
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, oxenerr.New(oxenerr.Protocol, fmt.Sprintf("resolve bind address %q", bindAddr), err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, oxenerr.New(oxenerr.Protocol, fmt.Sprintf("listen udp %q", bindAddr), err)
	}
	u := &UDP{
		log:    log,
		conn:   conn,
		peers:  make(map[wire.SID]*net.UDPAddr),
		out:    make(chan Inbound, 256),
		closed: make(chan struct{}),
	}
	go u.receiveLoop()
	return u, nil
}

func (u *UDP) AddPeer(dest wire.SID, addr string) error {
	resolved, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return oxenerr.New(oxenerr.Protocol, fmt.Sprintf("resolve peer address %q for %s", addr, dest), err)
	}
	u.mu.Lock()
	u.peers[dest] = resolved
	u.mu.Unlock()
	return nil
}

func (u *UDP) RemovePeer(dest wire.SID) {
	u.mu.Lock()
	delete(u.peers, dest)
	u.mu.Unlock()
}

// LocalAddr reports the address this transport is bound to, suitable
// for handing to a peer's AddPeer.
func (u *UDP) LocalAddr() string {
	return u.conn.LocalAddr().String()
}

func (u *UDP) Send(dest wire.SID, data []byte) error {
	u.mu.RLock()
	addr, ok := u.peers[dest]
	u.mu.RUnlock()
	if !ok {
		return oxenerr.New(oxenerr.RoutingUnavailable, fmt.Sprintf("no known address for %s", dest), nil)
	}
	_, err := u.conn.WriteToUDP(data, addr)
	return err
}

func (u *UDP) Listen() <-chan Inbound {
	return u.out
}

func (u *UDP) Close() error {
	var err error
	u.closeMu.Do(func() {
		close(u.closed)
		err = u.conn.Close()
	})
	return err
}

func (u *UDP) receiveLoop() {
	defer close(u.out)
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-u.closed:
			return
		default:
		}

		u.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, remote, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-u.closed:
				return
			default:
				u.log.Warnf("udp read failed: %v", err)
				continue
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		from := u.originOf(remote)
		select {
		case u.out <- Inbound{From: from, Data: data}:
		case <-u.closed:
			return
		}
	}
}

// originOf maps a UDP source address back to the SID that was
// registered for it via AddPeer, falling back to the raw address
// string when the sender isn't a known peer yet (e.g. the very first
// datagram from a node being joined).
func (u *UDP) originOf(addr *net.UDPAddr) wire.SID {
	u.mu.RLock()
	defer u.mu.RUnlock()
	for sid, known := range u.peers {
		if known.IP.Equal(addr.IP) && known.Port == addr.Port {
			return sid
		}
	}
	return wire.SID(addr.String())
}
