package heartbeat

import (
	"sync"
	"time"

	"ringvote/internal/config"
	"ringvote/internal/protocol"
	"ringvote/internal/pubsub"
)

// Sender is the slice of the unicast transport heartbeat needs.
type Sender interface {
	Send(targetAddr string, env *protocol.Envelope) error
}

// Heartbeat probes the left ring neighbour and declares it dead when
// acks stop arriving. Death is announced on the bus; membership removal
// and re-election are driven from there.
type Heartbeat struct {
	cfg  *config.Config
	self protocol.NodeID
	send Sender
	bus  *pubsub.Bus

	mu      sync.Mutex
	target  protocol.NodeID
	lastAck time.Time
	seq     uint64

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// New creates a Heartbeat prober for the local node.
func New(cfg *config.Config, self protocol.NodeID, send Sender, bus *pubsub.Bus) *Heartbeat {
	return &Heartbeat{
		cfg:        cfg,
		self:       self,
		send:       send,
		bus:        bus,
		shutdownCh: make(chan struct{}),
	}
}

// Start launches the probe loop.
func (h *Heartbeat) Start() {
	h.wg.Add(1)
	go h.run()
}

// Stop terminates the probe loop.
func (h *Heartbeat) Stop() {
	close(h.shutdownCh)
	h.wg.Wait()
}

// SetTarget points the prober at the current left neighbour. Changing
// the target resets the ack clock so a fresh neighbour gets the full
// timeout before being suspected.
func (h *Heartbeat) SetTarget(left protocol.NodeID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if left == h.target {
		return
	}
	h.target = left
	h.lastAck = time.Now()
}

// Target returns the currently probed neighbour.
func (h *Heartbeat) Target() protocol.NodeID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.target
}

// HandleHeartbeat acks a probe from a peer.
func (h *Heartbeat) HandleHeartbeat(env *protocol.Envelope) {
	ack := &protocol.Envelope{
		Tag:    protocol.TagHeartbeatAck,
		Seq:    env.Seq,
		Sender: h.self,
	}
	if err := h.send.Send(env.Sender.Addr(), ack); err != nil {
		h.cfg.Logger.Errorf("[Heartbeat] Error acking %s: %v", env.Sender, err)
	}
}

// HandleAck records a reply from the probed neighbour. Acks from other
// nodes (stale targets from before a ring rebuild) are ignored.
func (h *Heartbeat) HandleAck(env *protocol.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if env.Sender != h.target {
		return
	}
	h.lastAck = time.Now()
}

func (h *Heartbeat) run() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.probe()
		case <-h.shutdownCh:
			return
		}
	}
}

func (h *Heartbeat) probe() {
	h.mu.Lock()
	target := h.target
	silent := time.Since(h.lastAck)
	h.mu.Unlock()

	// Alone on the ring, or ring not built yet: nothing to probe.
	if target == "" || target == h.self {
		return
	}

	if silent > h.cfg.HeartbeatTimeout {
		h.cfg.Logger.Warnf("[Heartbeat] Neighbour %s dead (silent for %v)", target, silent)

		// Clear the target so death is declared once; the ring rebuild
		// that follows assigns the next neighbour.
		h.mu.Lock()
		h.target = ""
		h.mu.Unlock()

		pubsub.Publish(h.bus, pubsub.NewEvent(pubsub.NeighbourDead, target))
		return
	}

	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.mu.Unlock()

	probe := &protocol.Envelope{
		Tag:    protocol.TagHeartbeat,
		Seq:    seq,
		Sender: h.self,
	}
	if err := h.send.Send(target.Addr(), probe); err != nil {
		h.cfg.Logger.Errorf("[Heartbeat] Error probing %s: %v", target, err)
	}
}
