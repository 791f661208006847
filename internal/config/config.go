package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"ringvote/internal/logging"
)

// Config holds the tunable parameters for a polling server.
type Config struct {
	// BindHost is the interface address the unicast socket binds to.
	BindHost string

	// Port is the unicast port. Host and port together form the node
	// identity, so the pair must be stable for the process lifetime.
	Port int

	// MulticastAddr is the well-known group for announcements and
	// leader broadcasts.
	MulticastAddr string

	// MulticastTTL bounds multicast propagation. 1 is enough on a LAN.
	MulticastTTL int

	// DiscoveryInterval is how often an announcement is multicast.
	DiscoveryInterval time.Duration

	// DiscoveryTimeout is how long a peer may stay silent before it is
	// evicted from the member set.
	DiscoveryTimeout time.Duration

	// HeartbeatInterval is how often the left neighbour is probed.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long to wait for acks before declaring
	// the neighbour dead.
	HeartbeatTimeout time.Duration

	// ElectionTimeout bounds a single election round. A stalled round
	// is abandoned and restarted with a fresh round id.
	ElectionTimeout time.Duration

	// ReplTimeout is the retransmission period for unacked replication
	// operations.
	ReplTimeout time.Duration

	// FORetransmit is the retransmission period for unacked group
	// multicast messages.
	FORetransmit time.Duration

	// BufSize is the receive buffer size per datagram.
	BufSize int

	Logger logging.Logger
}

// DefaultConfig returns a Config with the documented default values.
func DefaultConfig() *Config {
	return &Config{
		BindHost:          "127.0.0.1",
		MulticastAddr:     "224.1.1.1:5007",
		MulticastTTL:      1,
		DiscoveryInterval: 1 * time.Second,
		DiscoveryTimeout:  5 * time.Second,
		HeartbeatInterval: 1 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		ElectionTimeout:   10 * time.Second,
		ReplTimeout:       1 * time.Second,
		FORetransmit:      500 * time.Millisecond,
		BufSize:           4096,
		Logger:            logging.Noop{},
	}
}

// FromEnv overlays environment overrides onto the config. Unset or
// malformed variables leave the current value untouched.
func (c *Config) FromEnv() *Config {
	durationVar(&c.DiscoveryInterval, "DISCOVERY_INTERVAL")
	durationVar(&c.DiscoveryTimeout, "DISCOVERY_TIMEOUT")
	durationVar(&c.HeartbeatInterval, "HB_INTERVAL")
	durationVar(&c.HeartbeatTimeout, "HB_TIMEOUT")
	durationVar(&c.ElectionTimeout, "ELECTION_TIMEOUT")
	durationVar(&c.ReplTimeout, "REPL_TIMEOUT")
	durationVar(&c.FORetransmit, "FO_RETRANSMIT")
	intVar(&c.BufSize, "BUF")
	return c
}

// Validate checks the config for values that would break the protocol.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid config: port %d out of range", c.Port)
	}
	if c.BindHost == "" {
		return fmt.Errorf("invalid config: BindHost is required")
	}
	if c.MulticastAddr == "" {
		return fmt.Errorf("invalid config: MulticastAddr is required")
	}
	if c.DiscoveryInterval <= 0 || c.HeartbeatInterval <= 0 {
		return fmt.Errorf("invalid config: intervals must be positive")
	}
	if c.DiscoveryTimeout <= c.DiscoveryInterval {
		return fmt.Errorf("invalid config: DiscoveryTimeout must exceed DiscoveryInterval")
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("invalid config: HeartbeatTimeout must exceed HeartbeatInterval")
	}
	if c.BufSize < 512 {
		return fmt.Errorf("invalid config: BufSize %d too small", c.BufSize)
	}
	if c.Logger == nil {
		c.Logger = logging.Noop{}
	}
	return nil
}

func durationVar(dst *time.Duration, name string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return
	}
	*dst = d
}

func intVar(dst *int, name string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return
	}
	*dst = n
}
