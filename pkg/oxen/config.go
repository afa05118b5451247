package oxen

import (
	"time"

	"github.com/jabolina/oxen/internal/clock"
	"github.com/jabolina/oxen/internal/oxenlog"
	"github.com/jabolina/oxen/internal/prng"
	"github.com/jabolina/oxen/pkg/oxen/wire"
)

// Config carries every tunable named in the default-values table: the
// reliability retry schedule, the reachability staleness/give-up
// windows and keepalive cadence, and the gossip fanout.
type Config struct {
	Local    wire.SID
	BindAddr string

	RetryBase time.Duration
	RetryCap  int

	LinkStale          time.Duration
	GiveupAfter        time.Duration
	KeepaliveInterval  time.Duration
	KeepaliveEchoDelay time.Duration

	GossipInterval      time.Duration
	GossipFanoutColumns int
	GossipFanoutPeers   int

	RetransmitSweepInterval time.Duration
	GiveupSweepInterval     time.Duration

	// MaxParcelBytes bounds a single encoded parcel. A larger outbound
	// parcel is refused with a Decode-kind error instead of being
	// handed to the transport; a larger inbound datagram is dropped
	// the same way an undecodable one is.
	MaxParcelBytes int

	Clock  clock.Clock
	Rand   prng.Rand
	Logger oxenlog.Logger
}

// DefaultConfig returns the stated defaults with local and bindAddr
// filled in. Callers override individual fields as needed.
func DefaultConfig(local wire.SID, bindAddr string) Config {
	return Config{
		Local:    local,
		BindAddr: bindAddr,

		RetryBase: time.Second,
		RetryCap:  6,

		LinkStale:          30 * time.Second,
		GiveupAfter:        5 * time.Minute,
		KeepaliveInterval:  10 * time.Second,
		KeepaliveEchoDelay: time.Second,

		GossipInterval:      5 * time.Second,
		GossipFanoutColumns: 3,
		GossipFanoutPeers:   1,

		RetransmitSweepInterval: time.Second,
		GiveupSweepInterval:     5 * time.Second,

		MaxParcelBytes: 1200,

		Clock:  clock.System{},
		Rand:   prng.NewSystem(time.Now().UnixNano()),
		Logger: oxenlog.NewDefault(string(local)),
	}
}
