package discovery

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"ringvote/internal/config"
	"ringvote/internal/protocol"
	"ringvote/internal/pubsub"
)

// announceBurst is the number of spaced announcements a starting node
// sends before settling into the periodic cadence, so peers learn about
// it quickly even with datagram loss.
const (
	announceBurst      = 5
	announceBurstDelay = 300 * time.Millisecond
)

// GroupSender is the slice of the multicast transport discovery needs.
type GroupSender interface {
	SendGroup(env *protocol.Envelope) error
}

// Discovery maintains the known-servers set over the lossy multicast
// channel. Announcements are idempotent, so loss is tolerated purely by
// redundancy; there are no retries or acknowledgements.
type Discovery struct {
	cfg   *config.Config
	self  protocol.NodeID
	group GroupSender
	bus   *pubsub.Bus

	mu       sync.RWMutex
	lastSeen map[protocol.NodeID]time.Time

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// New creates a Discovery for the local node.
func New(cfg *config.Config, self protocol.NodeID, group GroupSender, bus *pubsub.Bus) *Discovery {
	return &Discovery{
		cfg:        cfg,
		self:       self,
		group:      group,
		bus:        bus,
		lastSeen:   make(map[protocol.NodeID]time.Time),
		shutdownCh: make(chan struct{}),
	}
}

// Start launches the announcer and the sweeper.
func (d *Discovery) Start() {
	d.wg.Add(2)
	go d.runAnnouncer()
	go d.runSweeper()
}

// Stop terminates both loops.
func (d *Discovery) Stop() {
	close(d.shutdownCh)
	d.wg.Wait()
}

// HandleAnnounce records an announcement from a peer. A previously
// unknown peer triggers a MembershipChanged event. Announcements from
// self are ignored; self is implicit in every snapshot.
func (d *Discovery) HandleAnnounce(peer protocol.NodeID) {
	if peer == d.self || !peer.Valid() {
		return
	}

	d.mu.Lock()
	_, known := d.lastSeen[peer]
	d.lastSeen[peer] = time.Now()
	d.mu.Unlock()

	if !known {
		d.cfg.Logger.Infof("[Discovery] Server joined: %s", peer)
		d.publishMembership()
	}
}

// Remove evicts a peer immediately. Used by failure detection when a
// neighbour stops acking heartbeats; the eviction itself raises the
// membership event that drives the ring rebuild.
func (d *Discovery) Remove(peer protocol.NodeID) {
	if peer == d.self {
		return
	}

	d.mu.Lock()
	_, known := d.lastSeen[peer]
	delete(d.lastSeen, peer)
	d.mu.Unlock()

	if known {
		d.cfg.Logger.Warnf("[Discovery] Server removed: %s", peer)
		d.publishMembership()
	}
}

// Members returns the sorted member snapshot including self.
func (d *Discovery) Members() []protocol.NodeID {
	d.mu.RLock()
	members := make([]protocol.NodeID, 0, len(d.lastSeen)+1)
	members = append(members, d.self)
	for id := range d.lastSeen {
		members = append(members, id)
	}
	d.mu.RUnlock()

	sort.Slice(members, func(i, j int) bool { return members[i].Less(members[j]) })
	return members
}

// NumMembers returns the member count including self.
func (d *Discovery) NumMembers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.lastSeen) + 1
}

func (d *Discovery) runAnnouncer() {
	defer d.wg.Done()

	// Initial burst so a fresh node shows up within a fraction of the
	// discovery interval.
	var burstErr error
	for i := 0; i < announceBurst; i++ {
		burstErr = multierr.Append(burstErr, d.announce())
		select {
		case <-time.After(announceBurstDelay):
		case <-d.shutdownCh:
			return
		}
	}
	if burstErr != nil {
		d.cfg.Logger.Warnf("[Discovery] Announcement burst had errors: %v", burstErr)
	}

	ticker := time.NewTicker(d.cfg.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := d.announce(); err != nil {
				d.cfg.Logger.Errorf("[Discovery] Error broadcasting announcement: %v", err)
			}
		case <-d.shutdownCh:
			return
		}
	}
}

func (d *Discovery) announce() error {
	return d.group.SendGroup(&protocol.Envelope{
		Tag:    protocol.TagAnnounce,
		Sender: d.self,
	})
}

func (d *Discovery) runSweeper() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.sweep()
		case <-d.shutdownCh:
			return
		}
	}
}

// sweep drops peers whose announcements have gone silent for longer
// than the discovery timeout. Self is never evicted.
func (d *Discovery) sweep() {
	now := time.Now()
	var evicted []protocol.NodeID

	d.mu.Lock()
	for id, seen := range d.lastSeen {
		if now.Sub(seen) > d.cfg.DiscoveryTimeout {
			delete(d.lastSeen, id)
			evicted = append(evicted, id)
		}
	}
	d.mu.Unlock()

	for _, id := range evicted {
		d.cfg.Logger.Warnf("[Discovery] Server timed out: %s", id)
	}
	if len(evicted) > 0 {
		d.publishMembership()
	}
}

func (d *Discovery) publishMembership() {
	pubsub.Publish(d.bus, pubsub.NewEvent(pubsub.MembershipChanged, d.Members()))
}
