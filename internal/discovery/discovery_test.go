package discovery

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

type captureGroup struct {
	mu   sync.Mutex
	sent []*protocol.Envelope
}

func (c *captureGroup) SendGroup(env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *captureGroup) announcements() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, env := range c.sent {
		if env.Tag == protocol.TagAnnounce {
			n++
		}
	}
	return n
}

func newTestDiscovery(t *testing.T) (*Discovery, *captureGroup, chan *pubsub.Event[[]protocol.NodeID]) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DiscoveryInterval = 20 * time.Millisecond
	cfg.DiscoveryTimeout = 80 * time.Millisecond

	self := protocol.MakeNodeID("127.0.0.1", 6001)
	group := &captureGroup{}
	bus := pubsub.NewBus()
	t.Cleanup(bus.Shutdown)

	events := make(chan *pubsub.Event[[]protocol.NodeID], 16)
	pubsub.Subscribe(bus, pubsub.MembershipChanged, events, false)

	return New(cfg, self, group, bus), group, events
}

func TestDiscovery_AnnouncementsAreBroadcastPeriodically(t *testing.T) {
	d, group, _ := newTestDiscovery(t)
	d.Start()
	defer d.Stop()

	// The startup burst plus at least one periodic announcement.
	require.Eventually(t, func() bool {
		return group.announcements() > announceBurst
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDiscovery_HandleAnnounce(t *testing.T) {
	d, _, events := newTestDiscovery(t)
	peer := protocol.MakeNodeID("127.0.0.1", 6002)

	t.Run("new peer joins the member set and raises an event", func(t *testing.T) {
		d.HandleAnnounce(peer)
		assert.Equal(t, []protocol.NodeID{d.self, peer}, d.Members())

		select {
		case ev := <-events:
			assert.Equal(t, []protocol.NodeID{d.self, peer}, ev.Payload)
		case <-time.After(time.Second):
			t.Fatal("membership event not published")
		}
	})

	t.Run("repeat announcement is idempotent", func(t *testing.T) {
		d.HandleAnnounce(peer)
		assert.Equal(t, 2, d.NumMembers())
		select {
		case <-events:
			t.Fatal("unexpected membership event for known peer")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("own announcement is ignored", func(t *testing.T) {
		d.HandleAnnounce(d.self)
		assert.Equal(t, 2, d.NumMembers())
	})

	t.Run("malformed ids are ignored", func(t *testing.T) {
		d.HandleAnnounce(protocol.NodeID("not-an-address"))
		assert.Equal(t, 2, d.NumMembers())
	})
}

func TestDiscovery_SilentPeerIsSwept(t *testing.T) {
	d, _, events := newTestDiscovery(t)
	peer := protocol.MakeNodeID("127.0.0.1", 6002)

	d.HandleAnnounce(peer)
	<-events

	d.Start()
	defer d.Stop()

	// No further announcements from the peer: the sweeper evicts it.
	require.Eventually(t, func() bool {
		return d.NumMembers() == 1
	}, 3*time.Second, 10*time.Millisecond, "silent peer was never evicted")

	// Self survives sweeping forever.
	assert.Equal(t, []protocol.NodeID{d.self}, d.Members())
}

func TestDiscovery_Remove(t *testing.T) {
	d, _, events := newTestDiscovery(t)
	peer := protocol.MakeNodeID("127.0.0.1", 6002)

	d.HandleAnnounce(peer)
	<-events

	d.Remove(peer)
	assert.Equal(t, 1, d.NumMembers())
	select {
	case ev := <-events:
		assert.Equal(t, []protocol.NodeID{d.self}, ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("membership event not published on removal")
	}

	t.Run("removing self is refused", func(t *testing.T) {
		d.Remove(d.self)
		assert.Equal(t, 1, d.NumMembers())
	})
}
