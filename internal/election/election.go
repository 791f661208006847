package election

import (
	"sync"
	"time"

	"ringvote/internal/config"
	"ringvote/internal/protocol"
	"ringvote/internal/pubsub"
)

// Sender is the slice of the unicast transport the elector needs.
type Sender interface {
	Send(targetAddr string, env *protocol.Envelope) error
}

// Result is the outcome of a converged election round.
type Result struct {
	Leader protocol.NodeID
	Round  uint64
}

// Elector runs the Hirschberg-Sinclair bidirectional ring election.
// HS'80: each candidate probes both directions with exponentially
// growing reach 2^phase; probes from a lower id are swallowed by any
// higher id on the path, so exactly the highest live id keeps
// collecting replies and eventually meets its own probe or covers the
// whole ring. Message cost O(n log n).
type Elector struct {
	cfg  *config.Config
	self protocol.NodeID
	send Sender
	bus  *pubsub.Bus

	mu          sync.Mutex
	round       uint64
	phase       uint32
	isCandidate bool
	awaitLeft   bool
	awaitRight  bool
	started     bool // probes sent for the current round
	inProgress  bool
	leader      protocol.NodeID

	left  protocol.NodeID
	right protocol.NodeID
	size  int

	timer *time.Timer
}

// New creates an Elector for the local node.
func New(cfg *config.Config, self protocol.NodeID, send Sender, bus *pubsub.Bus) *Elector {
	return &Elector{
		cfg:   cfg,
		self:  self,
		send:  send,
		bus:   bus,
		left:  self,
		right: self,
		size:  1,
	}
}

// SetRing updates the neighbour view the elector probes through.
func (e *Elector) SetRing(left, right protocol.NodeID, size int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.left, e.right, e.size = left, right, size
}

// Leader returns the currently known leader, if any.
func (e *Elector) Leader() (protocol.NodeID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader, e.leader != ""
}

// Round returns the current election round id.
func (e *Elector) Round() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.round
}

// Stop cancels any pending round timer.
func (e *Elector) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopTimerLocked()
}

// StartElection begins a fresh round with an incremented round id.
func (e *Elector) StartElection() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startRoundLocked(e.round + 1)
}

func (e *Elector) startRoundLocked(round uint64) {
	e.round = round
	e.phase = 0
	e.isCandidate = true
	e.awaitLeft, e.awaitRight = false, false
	e.started = true
	e.inProgress = true
	e.leader = ""

	e.cfg.Logger.Infof("[Election] Starting round %d", round)
	e.resetTimerLocked()

	if e.size <= 1 {
		e.declareVictoryLocked()
		return
	}
	e.sendProbesLocked()
}

// sendProbesLocked probes both directions with reach 2^phase.
func (e *Elector) sendProbesLocked() {
	hops := uint64(1) << e.phase
	e.awaitLeft, e.awaitRight = true, true

	for _, dir := range []protocol.Direction{protocol.Left, protocol.Right} {
		env := &protocol.Envelope{
			Tag:    protocol.TagHSElection,
			Round:  e.round,
			Sender: e.self,
			Payload: protocol.HSElection{
				Origin:    e.self,
				Direction: dir,
				Hops:      hops,
				Phase:     e.phase,
			},
		}
		if err := e.send.Send(e.neighbourLocked(dir).Addr(), env); err != nil {
			e.cfg.Logger.Errorf("[Election] Error probing %s: %v", dir, err)
		}
	}
}

// HandleElection processes an HS_ELECTION probe.
func (e *Elector) HandleElection(env *protocol.Envelope) {
	var p protocol.HSElection
	if err := protocol.DecodePayload(env, &p); err != nil {
		e.cfg.Logger.Errorf("[Election] %v", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if env.Round < e.round {
		return // stale round
	}
	if env.Round > e.round {
		e.adoptRoundLocked(env.Round)
	}

	switch {
	case p.Origin.Less(e.self):
		// Swallow: a lower id cannot win while we are alive. Join the
		// round ourselves if we have not probed yet.
		if !e.started {
			e.startRoundLocked(e.round)
		}

	case p.Origin == e.self:
		// Our own probe circled the whole ring.
		e.declareVictoryLocked()

	default:
		// A higher id is out there; we are no longer a candidate.
		e.isCandidate = false
		if p.Hops > 1 {
			fwd := &protocol.Envelope{
				Tag:    protocol.TagHSElection,
				Round:  env.Round,
				Sender: e.self,
				Payload: protocol.HSElection{
					Origin:    p.Origin,
					Direction: p.Direction,
					Hops:      p.Hops - 1,
					Phase:     p.Phase,
				},
			}
			if err := e.send.Send(e.neighbourLocked(p.Direction).Addr(), fwd); err != nil {
				e.cfg.Logger.Errorf("[Election] Error forwarding probe: %v", err)
			}
			return
		}
		// Probe exhausted its reach: turn it around.
		back := p.Direction.Opposite()
		reply := &protocol.Envelope{
			Tag:    protocol.TagHSReply,
			Round:  env.Round,
			Sender: e.self,
			Payload: protocol.HSReply{
				Origin:    p.Origin,
				Direction: back,
				Phase:     p.Phase,
			},
		}
		if err := e.send.Send(e.neighbourLocked(back).Addr(), reply); err != nil {
			e.cfg.Logger.Errorf("[Election] Error replying to probe: %v", err)
		}
	}
}

// HandleReply processes an HS_REPLY travelling back to its origin.
func (e *Elector) HandleReply(env *protocol.Envelope) {
	var p protocol.HSReply
	if err := protocol.DecodePayload(env, &p); err != nil {
		e.cfg.Logger.Errorf("[Election] %v", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if p.Origin != e.self {
		// In transit: pass it one hop along its direction.
		fwd := &protocol.Envelope{
			Tag:     protocol.TagHSReply,
			Round:   env.Round,
			Sender:  e.self,
			Payload: p,
		}
		if err := e.send.Send(e.neighbourLocked(p.Direction).Addr(), fwd); err != nil {
			e.cfg.Logger.Errorf("[Election] Error forwarding reply: %v", err)
		}
		return
	}

	// Ours: only count it for the round and phase we are probing.
	if env.Round != e.round || p.Phase != e.phase {
		return
	}

	switch p.Direction {
	case protocol.Left:
		e.awaitRight = false // reply arrives travelling LEFT from the right probe
	case protocol.Right:
		e.awaitLeft = false
	}

	if e.awaitLeft || e.awaitRight || !e.isCandidate {
		return
	}

	// Survived the phase in both directions.
	e.phase++
	if uint64(1)<<(e.phase+1) >= uint64(e.size) {
		// The next probes would cover the whole ring; having out-ranked
		// everyone within 2^(phase-1) on both sides already, and the ring
		// being sorted by id, no higher id can exist.
		e.declareVictoryLocked()
		return
	}
	e.sendProbesLocked()
}

// HandleLeader processes the HS_LEADER announcement circulating the
// ring after victory.
func (e *Elector) HandleLeader(env *protocol.Envelope) {
	var p protocol.HSLeader
	if err := protocol.DecodePayload(env, &p); err != nil {
		e.cfg.Logger.Errorf("[Election] %v", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if env.Round < e.round {
		return
	}

	if p.Leader == e.self {
		// Our own announcement completed the traversal.
		return
	}

	e.round = env.Round
	e.leader = p.Leader
	e.isCandidate = false
	e.inProgress = false
	e.started = false
	e.stopTimerLocked()

	e.cfg.Logger.Infof("[Election] Leader elected: %s (round %d)", p.Leader, env.Round)
	pubsub.Publish(e.bus, pubsub.NewEvent(pubsub.LeaderElected, Result{Leader: p.Leader, Round: env.Round}))

	if e.left != p.Leader {
		fwd := &protocol.Envelope{
			Tag:     protocol.TagHSLeader,
			Round:   env.Round,
			Sender:  e.self,
			Payload: p,
		}
		if err := e.send.Send(e.left.Addr(), fwd); err != nil {
			e.cfg.Logger.Errorf("[Election] Error forwarding leader announcement: %v", err)
		}
	}
}

func (e *Elector) declareVictoryLocked() {
	e.leader = e.self
	e.isCandidate = true
	e.inProgress = false
	e.started = false
	e.stopTimerLocked()

	e.cfg.Logger.Infof("[Election] Won round %d", e.round)
	pubsub.Publish(e.bus, pubsub.NewEvent(pubsub.LeaderElected, Result{Leader: e.self, Round: e.round}))

	if e.size > 1 {
		ann := &protocol.Envelope{
			Tag:     protocol.TagHSLeader,
			Round:   e.round,
			Sender:  e.self,
			Payload: protocol.HSLeader{Leader: e.self},
		}
		if err := e.send.Send(e.left.Addr(), ann); err != nil {
			e.cfg.Logger.Errorf("[Election] Error announcing victory: %v", err)
		}
	}
}

// adoptRoundLocked resets per-round state for a newer round observed
// on the wire.
func (e *Elector) adoptRoundLocked(round uint64) {
	e.round = round
	e.phase = 0
	e.isCandidate = true
	e.awaitLeft, e.awaitRight = false, false
	e.started = false
	e.inProgress = true
	e.leader = ""
	e.resetTimerLocked()
}

// resetTimerLocked arms the per-round stall timer. A round whose
// replies never arrive (a node died mid-election) restarts with a
// fresh round id.
func (e *Elector) resetTimerLocked() {
	e.stopTimerLocked()
	round := e.round
	e.timer = time.AfterFunc(e.cfg.ElectionTimeout, func() {
		e.onRoundTimeout(round)
	})
}

func (e *Elector) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Elector) onRoundTimeout(round uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.round != round || !e.inProgress || e.leader != "" {
		return
	}
	e.cfg.Logger.Warnf("[Election] Round %d stalled, restarting", round)
	e.startRoundLocked(e.round + 1)
}

func (e *Elector) neighbourLocked(dir protocol.Direction) protocol.NodeID {
	if dir == protocol.Left {
		return e.left
	}
	return e.right
}
