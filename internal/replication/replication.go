package replication

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"

	"ringvote/internal/config"
	"ringvote/internal/protocol"
	"ringvote/internal/state"
)

var (
	ErrStopped    = errors.New("replication manager stopped")
	ErrNotLeading = errors.New("not the leader")
)

// Sender is the slice of the unicast transport replication needs.
type Sender interface {
	Send(targetAddr string, env *protocol.Envelope) error
}

// PeerProvider supplies the current live member snapshot.
type PeerProvider interface {
	Members() []protocol.NodeID
}

// pendingOp is a leader-side operation awaiting acknowledgement from
// every live follower.
type pendingOp struct {
	opID  uint64
	kind  string
	op    map[string]interface{}
	acked map[protocol.NodeID]bool
	done  chan struct{}
}

type stateResponse struct {
	from  protocol.NodeID
	epoch uint64
	opID  uint64
	snap  map[string]interface{}
}

// Manager keeps follower state close enough to the leader's that a
// newly elected leader resumes service with no perceived loss beyond
// the most recent in-flight operation.
//
// Leader side: every state-changing op is unicast as REPL to all other
// live members and held until all of them ack; laggards are
// retransmitted every ReplTimeout. The client reply waits for the full
// ack set (the documented durability frontier).
//
// Follower side: ops apply in op_id order; out-of-order arrivals sit in
// a holdback buffer.
type Manager struct {
	cfg   *config.Config
	self  protocol.NodeID
	send  Sender
	peers PeerProvider
	store *state.Store

	mu          sync.Mutex
	epoch       uint64
	lastApplied uint64
	leading     bool

	// Leader side.
	nextOpID uint64
	pending  map[uint64]*pendingOp

	// Follower side.
	buffer map[uint64]protocol.Repl

	// In-flight state synchronization.
	syncCh chan stateResponse

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// NewManager creates a replication manager bound to the local store.
func NewManager(cfg *config.Config, self protocol.NodeID, send Sender, peers PeerProvider, store *state.Store) *Manager {
	return &Manager{
		cfg:        cfg,
		self:       self,
		send:       send,
		peers:      peers,
		store:      store,
		pending:    make(map[uint64]*pendingOp),
		buffer:     make(map[uint64]protocol.Repl),
		shutdownCh: make(chan struct{}),
	}
}

// Start launches the retransmission loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.runRetransmitter()
}

// Stop terminates the retransmission loop and unblocks any waiting
// Replicate calls.
func (m *Manager) Stop() {
	close(m.shutdownCh)
	m.wg.Wait()
}

// Epoch returns the current leader epoch.
func (m *Manager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// LastApplied returns the highest op id reflected in local state.
func (m *Manager) LastApplied() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastApplied
}

// Replicate pushes an already-applied leader op to every other live
// member and blocks until all of them have acked (members that die
// while we wait drop out of the expected set via discovery). The op
// must already be applied to the local store.
func (m *Manager) Replicate(kind string, op map[string]interface{}) error {
	m.mu.Lock()
	if !m.leading {
		m.mu.Unlock()
		return ErrNotLeading
	}
	m.nextOpID++
	p := &pendingOp{
		opID:  m.nextOpID,
		kind:  kind,
		op:    op,
		acked: make(map[protocol.NodeID]bool),
		done:  make(chan struct{}),
	}
	m.pending[p.opID] = p
	m.lastApplied = p.opID
	epoch := m.epoch
	m.mu.Unlock()

	if err := m.sendOp(epoch, p, m.othersLive()); err != nil {
		m.cfg.Logger.Warnf("[Repl] Initial send of op %d had errors: %v", p.opID, err)
	}

	// Completion is decided by acks and by the retransmitter re-checking
	// against the live set, so a follower death cannot wedge us.
	m.checkComplete(p)

	select {
	case <-p.done:
		return nil
	case <-m.shutdownCh:
		return ErrStopped
	}
}

// HandleAck records a follower acknowledgement.
func (m *Manager) HandleAck(env *protocol.Envelope) {
	var p protocol.ReplAck
	if err := protocol.DecodePayload(env, &p); err != nil {
		m.cfg.Logger.Errorf("[Repl] %v", err)
		return
	}

	m.mu.Lock()
	if env.Round != m.epoch || !m.leading {
		m.mu.Unlock()
		return
	}
	op, ok := m.pending[p.OpID]
	if ok {
		op.acked[env.Sender] = true
	}
	m.mu.Unlock()

	if ok {
		m.checkComplete(op)
	}
}

// HandleRepl applies a replicated op on a follower, in op id order,
// buffering anything that arrives early. Every applied or duplicate op
// is acked back to the leader.
func (m *Manager) HandleRepl(env *protocol.Envelope) {
	var p protocol.Repl
	if err := protocol.DecodePayload(env, &p); err != nil {
		m.cfg.Logger.Errorf("[Repl] %v", err)
		return
	}

	m.mu.Lock()
	if env.Round < m.epoch {
		m.mu.Unlock()
		return // stale epoch
	}
	if env.Round > m.epoch {
		// A leader from a newer epoch; restart the op stream.
		m.epoch = env.Round
		m.lastApplied = 0
		m.buffer = make(map[uint64]protocol.Repl)
	}

	switch {
	case p.OpID <= m.lastApplied:
		// Duplicate retransmission; ack again below.
	case p.OpID == m.lastApplied+1:
		m.applyLocked(p)
		// Drain anything the buffer now makes contiguous.
		for {
			next, ok := m.buffer[m.lastApplied+1]
			if !ok {
				break
			}
			delete(m.buffer, m.lastApplied+1)
			m.applyLocked(next)
		}
	default:
		m.buffer[p.OpID] = p
		m.mu.Unlock()
		// Early ops are not acked: the ack promises the op is applied.
		return
	}
	epoch := m.epoch
	applied := m.lastApplied
	m.mu.Unlock()

	// Ack this op and every buffered successor it let us apply, up to
	// the applied frontier.
	for opID := p.OpID; opID <= applied; opID++ {
		ack := &protocol.Envelope{
			Tag:     protocol.TagReplAck,
			Round:   epoch,
			Sender:  m.self,
			Payload: protocol.ReplAck{OpID: opID},
		}
		if err := m.send.Send(env.Sender.Addr(), ack); err != nil {
			m.cfg.Logger.Errorf("[Repl] Error acking op %d: %v", opID, err)
		}
	}
}

func (m *Manager) applyLocked(p protocol.Repl) {
	if err := m.store.Apply(p.Kind, p.Op); err != nil {
		// The leader already validated the op; a failure here means the
		// follower replayed it against out-of-sync state. Log and move
		// on: the next state sync reconciles.
		m.cfg.Logger.Warnf("[Repl] Op %d (%s) failed to apply: %v", p.OpID, p.Kind, err)
	}
	m.lastApplied = p.OpID
}

// HandleStateRequest answers a new leader's synchronization probe with
// this node's full state image.
func (m *Manager) HandleStateRequest(env *protocol.Envelope) {
	snap, err := state.EncodeSnapshot(m.store.Snapshot())
	if err != nil {
		m.cfg.Logger.Errorf("[Repl] Error encoding snapshot: %v", err)
		return
	}

	m.mu.Lock()
	epoch, opID := m.epoch, m.lastApplied
	m.mu.Unlock()

	resp := &protocol.Envelope{
		Tag:    protocol.TagReplState,
		Round:  epoch,
		Sender: m.self,
		Payload: protocol.ReplState{
			Epoch:    epoch,
			OpID:     opID,
			Snapshot: snap,
		},
	}
	if err := m.send.Send(env.Sender.Addr(), resp); err != nil {
		m.cfg.Logger.Errorf("[Repl] Error sending state to %s: %v", env.Sender, err)
	}
}

// HandleState feeds a REPL_STATE response into an in-flight
// synchronization, if one is running.
func (m *Manager) HandleState(env *protocol.Envelope) {
	var p protocol.ReplState
	if err := protocol.DecodePayload(env, &p); err != nil {
		m.cfg.Logger.Errorf("[Repl] %v", err)
		return
	}

	m.mu.Lock()
	ch := m.syncCh
	m.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- stateResponse{from: env.Sender, epoch: p.Epoch, opID: p.OpID, snap: p.Snapshot}:
	default:
	}
}

// BecomeLeader runs the state-sync handshake: ask every member for its
// state, install the highest (epoch, op_id) image, then open a new
// epoch. Returns the new epoch for the NEW_LEADER broadcast.
func (m *Manager) BecomeLeader() uint64 {
	others := m.othersLive()

	m.mu.Lock()
	m.syncCh = make(chan stateResponse, len(others)+1)
	bestEpoch, bestOpID := m.epoch, m.lastApplied
	m.mu.Unlock()

	var bestSnap map[string]interface{} // nil means keep local state

	if len(others) > 0 {
		req := &protocol.Envelope{Tag: protocol.TagReplStateRequest, Sender: m.self}
		var sendErr error
		for _, peer := range others {
			sendErr = multierr.Append(sendErr, m.send.Send(peer.Addr(), req))
		}
		if sendErr != nil {
			m.cfg.Logger.Warnf("[Repl] State request had errors: %v", sendErr)
		}

		// Collect until every live member answered or the window closes;
		// a silent member is indistinguishable from a dead one and loses
		// its vote on the starting state.
		deadline := time.After(m.cfg.ReplTimeout)
		seen := make(map[protocol.NodeID]bool)
	collect:
		for len(seen) < len(others) {
			m.mu.Lock()
			ch := m.syncCh
			m.mu.Unlock()
			select {
			case resp := <-ch:
				if seen[resp.from] {
					continue
				}
				seen[resp.from] = true
				if resp.epoch > bestEpoch || (resp.epoch == bestEpoch && resp.opID > bestOpID) {
					bestEpoch, bestOpID = resp.epoch, resp.opID
					bestSnap = resp.snap
				}
			case <-deadline:
				break collect
			case <-m.shutdownCh:
				break collect
			}
		}
	}

	if bestSnap != nil {
		snap, err := state.DecodeSnapshot(bestSnap)
		if err != nil {
			m.cfg.Logger.Errorf("[Repl] Discarding undecodable snapshot: %v", err)
		} else {
			m.store.Install(snap)
			m.cfg.Logger.Infof("[Repl] Installed state from epoch %d op %d", bestEpoch, bestOpID)
		}
	}

	m.mu.Lock()
	m.syncCh = nil
	m.epoch = bestEpoch + 1
	m.lastApplied = 0
	m.nextOpID = 0
	m.pending = make(map[uint64]*pendingOp)
	m.buffer = make(map[uint64]protocol.Repl)
	m.leading = true
	epoch := m.epoch
	m.mu.Unlock()

	m.cfg.Logger.Infof("[Repl] Leading epoch %d", epoch)
	return epoch
}

// BecomeFollower leaves leader mode and adopts the announced epoch.
func (m *Manager) BecomeFollower(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasLeading := m.leading
	m.leading = false
	for _, p := range m.pending {
		// Unblock stranded Replicate callers; their clients will retry
		// against the new leader with the same request id.
		select {
		case <-p.done:
		default:
			close(p.done)
		}
	}
	m.pending = make(map[uint64]*pendingOp)

	if epoch > m.epoch {
		m.epoch = epoch
		m.lastApplied = 0
		m.buffer = make(map[uint64]protocol.Repl)
	}
	if wasLeading {
		m.cfg.Logger.Infof("[Repl] Stepped down, following epoch %d", epoch)
	}
}

func (m *Manager) runRetransmitter() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ReplTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.retransmit()
		case <-m.shutdownCh:
			return
		}
	}
}

// retransmit re-sends every pending op to its unacked live followers
// and completes ops whose expected ack set has drained (acks arrived or
// the laggards died).
func (m *Manager) retransmit() {
	m.mu.Lock()
	if !m.leading {
		m.mu.Unlock()
		return
	}
	ops := make([]*pendingOp, 0, len(m.pending))
	for _, p := range m.pending {
		ops = append(ops, p)
	}
	epoch := m.epoch
	m.mu.Unlock()

	live := m.othersLive()
	for _, p := range ops {
		m.mu.Lock()
		var laggards []protocol.NodeID
		for _, peer := range live {
			if !p.acked[peer] {
				laggards = append(laggards, peer)
			}
		}
		m.mu.Unlock()

		if len(laggards) > 0 {
			if err := m.sendOp(epoch, p, laggards); err != nil {
				m.cfg.Logger.Warnf("[Repl] Retransmit of op %d had errors: %v", p.opID, err)
			}
		}
		m.checkComplete(p)
	}
}

func (m *Manager) sendOp(epoch uint64, p *pendingOp, targets []protocol.NodeID) error {
	env := &protocol.Envelope{
		Tag:    protocol.TagRepl,
		Round:  epoch,
		Sender: m.self,
		Payload: protocol.Repl{
			OpID: p.opID,
			Kind: p.kind,
			Op:   p.op,
		},
	}
	var err error
	for _, peer := range targets {
		err = multierr.Append(err, m.send.Send(peer.Addr(), env))
	}
	return err
}

// checkComplete closes the op's done channel once every live follower
// has acked.
func (m *Manager) checkComplete(p *pendingOp) {
	live := m.othersLive()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, peer := range live {
		if !p.acked[peer] {
			return
		}
	}
	if _, ok := m.pending[p.opID]; ok {
		delete(m.pending, p.opID)
		close(p.done)
	}
}

func (m *Manager) othersLive() []protocol.NodeID {
	members := m.peers.Members()
	others := make([]protocol.NodeID, 0, len(members))
	for _, id := range members {
		if id != m.self {
			others = append(others, id)
		}
	}
	return others
}
