package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"ringvote/internal/logging"
	"ringvote/internal/protocol"
)

// UDPTransport implements Transport over a single bound UDP socket.
// All point-to-point traffic (election, heartbeat, replication, client
// operations) rides this socket.
type UDPTransport struct {
	bindAddr string
	bufSize  int
	conn     *net.UDPConn
	handler  Handler
	mu       sync.RWMutex

	shutdownCh chan struct{}
	wg         sync.WaitGroup
	logger     logging.Logger

	blocked bool // For testing: drop all incoming messages when true
}

// NewUDPTransport creates a unicast transport bound to bindAddr.
func NewUDPTransport(bindAddr string, bufSize int, logger logging.Logger) *UDPTransport {
	return &UDPTransport{
		bindAddr:   bindAddr,
		bufSize:    bufSize,
		shutdownCh: make(chan struct{}),
		logger:     logger,
	}
}

// Start binds the socket and begins the read loop. A bind failure is
// fatal to the caller: the address is the node's identity.
func (t *UDPTransport) Start() error {
	addr, err := net.ResolveUDPAddr("udp", t.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP %s: %w", t.bindAddr, err)
	}

	t.conn = conn
	t.wg.Add(1)
	go t.listen()

	t.logger.Infof("[Transport] Listening on %s", t.bindAddr)
	return nil
}

// Stop shuts down the transport.
func (t *UDPTransport) Stop() error {
	close(t.shutdownCh)
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			t.logger.Errorf("[Transport] Error closing connection: %v", err)
		}
	}
	t.wg.Wait()
	t.logger.Infof("[Transport] Stopped")
	return nil
}

func (t *UDPTransport) listen() {
	defer t.wg.Done()

	buffer := make([]byte, t.bufSize)

	for {
		select {
		case <-t.shutdownCh:
			return
		default:
		}

		// Read deadline keeps the loop responsive to shutdown.
		if err := t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			t.logger.Errorf("[Transport] Error setting read deadline: %v", err)
			continue
		}

		n, addr, err := t.conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-t.shutdownCh:
				return
			default:
				t.logger.Errorf("[Transport] Error reading from UDP: %v", err)
				continue
			}
		}

		env, err := protocol.Decode(buffer[:n])
		if err != nil {
			t.logger.Errorf("[Transport] Bad datagram from %s: %v", addr, err)
			continue
		}

		t.mu.RLock()
		handler := t.handler
		blocked := t.blocked
		t.mu.RUnlock()

		if blocked {
			continue
		}
		if handler != nil {
			handler(env, addr)
		}
	}
}

// Send delivers an envelope to a unicast target address.
func (t *UDPTransport) Send(targetAddr string, env *protocol.Envelope) error {
	if t.conn == nil {
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

	if _, err := t.conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", env.Tag, targetAddr, err)
	}
	return nil
}

// SendTo delivers an envelope to an already-resolved address. Used for
// replying to the observed source of a client datagram.
func (t *UDPTransport) SendTo(addr *net.UDPAddr, env *protocol.Envelope) error {
	if t.conn == nil {
		return ErrNotStarted
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if _, err := t.conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", env.Tag, addr, err)
	}
	return nil
}

// SetHandler sets the handler for incoming messages.
func (t *UDPTransport) SetHandler(handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// BlockIncoming drops all incoming messages (for testing crashes and
// partitions).
func (t *UDPTransport) BlockIncoming() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocked = true
}

// UnblockIncoming resumes processing incoming messages.
func (t *UDPTransport) UnblockIncoming() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocked = false
}
