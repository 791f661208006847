package transport

import (
	"errors"
	"net"

	"ringvote/internal/protocol"
)

var ErrNotStarted = errors.New("transport not started")

// Handler consumes one decoded datagram. addr is the UDP source of the
// packet, which is the reply target for client operations.
type Handler func(env *protocol.Envelope, addr *net.UDPAddr)

// Transport sends and receives envelopes over a lossy datagram channel.
type Transport interface {
	// Start begins listening for incoming messages.
	Start() error
	// Stop shuts down the transport.
	Stop() error
	// Send delivers an envelope to a unicast target address.
	Send(targetAddr string, env *protocol.Envelope) error
	// SetHandler sets the handler for incoming messages.
	SetHandler(handler Handler)
}

// GroupTransport additionally sends to the well-known multicast group.
type GroupTransport interface {
	Transport
	// SendGroup delivers an envelope to the multicast group.
	SendGroup(env *protocol.Envelope) error
}
