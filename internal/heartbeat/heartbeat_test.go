package heartbeat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ringvote/internal/config"
	"ringvote/internal/protocol"
	"ringvote/internal/pubsub"
)

type captureSender struct {
	mu   sync.Mutex
	sent map[string][]*protocol.Envelope
}

func newCaptureSender() *captureSender {
	return &captureSender{sent: make(map[string][]*protocol.Envelope)}
}

func (c *captureSender) Send(addr string, env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent[addr] = append(c.sent[addr], env)
	return nil
}

func (c *captureSender) countTag(addr, tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, env := range c.sent[addr] {
		if env.Tag == tag {
			n++
		}
	}
	return n
}

func newTestHeartbeat(t *testing.T) (*Heartbeat, *captureSender, chan *pubsub.Event[protocol.NodeID]) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTimeout = 60 * time.Millisecond

	self := protocol.MakeNodeID("127.0.0.1", 6002)
	sender := newCaptureSender()
	bus := pubsub.NewBus()
	t.Cleanup(bus.Shutdown)

	dead := make(chan *pubsub.Event[protocol.NodeID], 4)
	pubsub.Subscribe(bus, pubsub.NeighbourDead, dead, false)

	return New(cfg, self, sender, bus), sender, dead
}

func TestHeartbeat_ProbesLeftNeighbour(t *testing.T) {
	h, sender, _ := newTestHeartbeat(t)
	left := protocol.MakeNodeID("127.0.0.1", 6001)

	h.SetTarget(left)
	h.Start()
	defer h.Stop()

	// Keep the neighbour alive while checking that probes flow.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				h.HandleAck(&protocol.Envelope{Tag: protocol.TagHeartbeatAck, Sender: left})
			}
		}
	}()

	require.Eventually(t, func() bool {
		return sender.countTag(left.Addr(), protocol.TagHeartbeat) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, left, h.Target())
}

func TestHeartbeat_SilentNeighbourIsDeclaredDead(t *testing.T) {
	h, _, dead := newTestHeartbeat(t)
	left := protocol.MakeNodeID("127.0.0.1", 6001)

	h.SetTarget(left)
	h.Start()
	defer h.Stop()

	select {
	case ev := <-dead:
		assert.Equal(t, left, ev.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("dead neighbour never reported")
	}

	// Declared once; the target is cleared until the ring rebuilds.
	assert.Equal(t, protocol.NodeID(""), h.Target())
	select {
	case <-dead:
		t.Fatal("death declared twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHeartbeat_AcksKeepNeighbourAlive(t *testing.T) {
	h, _, dead := newTestHeartbeat(t)
	left := protocol.MakeNodeID("127.0.0.1", 6001)

	h.SetTarget(left)
	h.Start()
	defer h.Stop()

	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case <-dead:
			t.Fatal("responsive neighbour declared dead")
		case <-deadline:
			return
		case <-time.After(20 * time.Millisecond):
			h.HandleAck(&protocol.Envelope{Tag: protocol.TagHeartbeatAck, Sender: left})
		}
	}
}

func TestHeartbeat_IgnoresAcksFromStaleTargets(t *testing.T) {
	h, _, dead := newTestHeartbeat(t)
	left := protocol.MakeNodeID("127.0.0.1", 6001)
	stale := protocol.MakeNodeID("127.0.0.1", 6009)

	h.SetTarget(left)
	h.Start()
	defer h.Stop()

	// Acks from a node that is no longer our neighbour must not keep
	// the actual neighbour alive.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				h.HandleAck(&protocol.Envelope{Tag: protocol.TagHeartbeatAck, Sender: stale})
			}
		}
	}()

	select {
	case ev := <-dead:
		assert.Equal(t, left, ev.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("neighbour kept alive by stale acks")
	}
}

func TestHeartbeat_RepliesWithAck(t *testing.T) {
	h, sender, _ := newTestHeartbeat(t)
	peer := protocol.MakeNodeID("127.0.0.1", 6003)

	h.HandleHeartbeat(&protocol.Envelope{Tag: protocol.TagHeartbeat, Seq: 7, Sender: peer})

	require.Equal(t, 1, sender.countTag(peer.Addr(), protocol.TagHeartbeatAck))
	sender.mu.Lock()
	env := sender.sent[peer.Addr()][0]
	sender.mu.Unlock()
	assert.Equal(t, uint64(7), env.Seq)
	assert.Equal(t, h.self, env.Sender)
}

func TestHeartbeat_AloneOnRingDoesNotProbe(t *testing.T) {
	h, sender, dead := newTestHeartbeat(t)

	h.SetTarget(h.self)
	h.Start()
	defer h.Stop()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, sender.countTag(h.self.Addr(), protocol.TagHeartbeat))
	select {
	case <-dead:
		t.Fatal("self declared dead")
	default:
	}
}
