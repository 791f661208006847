package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"ringvote/internal/logging"
	"ringvote/internal/protocol"
)

// MulticastTransport joins the well-known group and carries discovery
// announcements and leader broadcasts. Receiving and sending use
// separate sockets: the receiver is bound to the group port with
// address reuse so several processes on one host can join, the sender
// is an ordinary UDP socket with TTL and loopback configured.
type MulticastTransport struct {
	groupAddr string
	ttl       int
	bufSize   int

	recvConn *net.UDPConn
	sendConn *net.UDPConn
	group    *net.UDPAddr

	handler Handler
	mu      sync.RWMutex

	shutdownCh chan struct{}
	wg         sync.WaitGroup
	logger     logging.Logger
}

// NewMulticastTransport creates a transport for the given group
// address ("224.1.1.1:5007").
func NewMulticastTransport(groupAddr string, ttl, bufSize int, logger logging.Logger) *MulticastTransport {
	return &MulticastTransport{
		groupAddr:  groupAddr,
		ttl:        ttl,
		bufSize:    bufSize,
		shutdownCh: make(chan struct{}),
		logger:     logger,
	}
}

// Start joins the multicast group and begins the read loop. A join
// failure is fatal to the caller.
func (t *MulticastTransport) Start() error {
	group, err := net.ResolveUDPAddr("udp4", t.groupAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve multicast group %s: %w", t.groupAddr, err)
	}
	t.group = group

	recvConn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return fmt.Errorf("failed to join multicast group %s: %w", t.groupAddr, err)
	}
	t.recvConn = recvConn

	sendConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		recvConn.Close()
		return fmt.Errorf("failed to open multicast send socket: %w", err)
	}
	t.sendConn = sendConn

	// Loopback must stay enabled so processes on one machine see each
	// other's announcements; TTL=1 keeps traffic on the LAN.
	p := ipv4.NewPacketConn(sendConn)
	if err := p.SetMulticastTTL(t.ttl); err != nil {
		t.logger.Warnf("[Multicast] Could not set TTL: %v", err)
	}
	if err := p.SetMulticastLoopback(true); err != nil {
		t.logger.Warnf("[Multicast] Could not enable loopback: %v", err)
	}

	t.wg.Add(1)
	go t.listen()

	t.logger.Infof("[Multicast] Joined group %s", t.groupAddr)
	return nil
}

// Stop leaves the group and shuts down both sockets.
func (t *MulticastTransport) Stop() error {
	close(t.shutdownCh)
	if t.recvConn != nil {
		if err := t.recvConn.Close(); err != nil {
			t.logger.Errorf("[Multicast] Error closing receive socket: %v", err)
		}
	}
	if t.sendConn != nil {
		if err := t.sendConn.Close(); err != nil {
			t.logger.Errorf("[Multicast] Error closing send socket: %v", err)
		}
	}
	t.wg.Wait()
	t.logger.Infof("[Multicast] Left group %s", t.groupAddr)
	return nil
}

func (t *MulticastTransport) listen() {
	defer t.wg.Done()

	buffer := make([]byte, t.bufSize)

	for {
		select {
		case <-t.shutdownCh:
			return
		default:
		}

		if err := t.recvConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			t.logger.Errorf("[Multicast] Error setting read deadline: %v", err)
			continue
		}

		n, addr, err := t.recvConn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-t.shutdownCh:
				return
			default:
				t.logger.Errorf("[Multicast] Error reading from group: %v", err)
				continue
			}
		}

		env, err := protocol.Decode(buffer[:n])
		if err != nil {
			t.logger.Errorf("[Multicast] Bad datagram from %s: %v", addr, err)
			continue
		}

		t.mu.RLock()
		handler := t.handler
		t.mu.RUnlock()

		if handler != nil {
			handler(env, addr)
		}
	}
}

// Send delivers an envelope to a unicast target through the sending
// socket. Used for replying to WHO_IS_LEADER requests.
func (t *MulticastTransport) Send(targetAddr string, env *protocol.Envelope) error {
	if t.sendConn == nil {
		return ErrNotStarted
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	addr, err := net.ResolveUDPAddr("udp", targetAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve target address %s: %w", targetAddr, err)
	}
	if _, err := t.sendConn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", env.Tag, targetAddr, err)
	}
	return nil
}

// SendGroup delivers an envelope to the multicast group.
func (t *MulticastTransport) SendGroup(env *protocol.Envelope) error {
	if t.sendConn == nil {
		return ErrNotStarted
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if _, err := t.sendConn.WriteToUDP(data, t.group); err != nil {
		return fmt.Errorf("failed to multicast %s: %w", env.Tag, err)
	}
	return nil
}

// SetHandler sets the handler for incoming messages.
func (t *MulticastTransport) SetHandler(handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}
