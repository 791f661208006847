package node

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/looplab/fsm"
	"golang.org/x/sync/errgroup"

	"ringvote/internal/config"
	"ringvote/internal/discovery"
	"ringvote/internal/election"
	"ringvote/internal/fomcast"
	"ringvote/internal/heartbeat"
	"ringvote/internal/protocol"
	"ringvote/internal/pubsub"
	"ringvote/internal/replication"
	"ringvote/internal/ring"
	"ringvote/internal/service"
	"ringvote/internal/state"
	"ringvote/internal/transport"
)

// Node roles.
const (
	RoleFollower  = "follower"
	RoleCandidate = "candidate"
	RoleLeader    = "leader"
)

// Role transition events.
const (
	eventElection = "election"
	eventWin      = "win"
	eventDefeat   = "defeat"
)

// Node composes the subsystems of one polling server: discovery, ring,
// heartbeat, election, replication, group fan-out and the client
// service, wired together through the event bus and two UDP sockets.
type Node struct {
	cfg  *config.Config
	self protocol.NodeID

	bus     *pubsub.Bus
	unicast *transport.UDPTransport
	mcast   *transport.MulticastTransport

	disc    *discovery.Discovery
	ring    *ring.Ring
	hb      *heartbeat.Heartbeat
	elector *election.Elector
	store   *state.Store
	repl    *replication.Manager
	sender  *fomcast.Sender
	svc     *service.Service

	role *fsm.FSM

	mu     sync.RWMutex
	leader protocol.NodeID

	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

// New builds a node from the config. Nothing touches the network until
// Start.
func New(cfg *config.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &Node{
		cfg:  cfg,
		self: protocol.MakeNodeID(cfg.BindHost, cfg.Port),
		bus:  pubsub.NewBus(),
	}

	n.unicast = transport.NewUDPTransport(n.self.Addr(), cfg.BufSize, cfg.Logger)
	n.mcast = transport.NewMulticastTransport(cfg.MulticastAddr, cfg.MulticastTTL, cfg.BufSize, cfg.Logger)

	n.disc = discovery.New(cfg, n.self, n.mcast, n.bus)
	n.ring = ring.New(n.self)
	n.hb = heartbeat.New(cfg, n.self, n.unicast, n.bus)
	n.elector = election.New(cfg, n.self, n.unicast, n.bus)
	n.store = state.NewStore()
	n.repl = replication.NewManager(cfg, n.self, n.unicast, n.disc, n.store)
	n.sender = fomcast.NewSender(cfg, n.self, n.unicast)
	n.svc = service.New(cfg, n.self, n.store, n.repl, n.sender, n.unicast, n.Leader)

	n.role = fsm.NewFSM(
		RoleFollower,
		fsm.Events{
			{Name: eventElection, Src: []string{RoleFollower, RoleCandidate, RoleLeader}, Dst: RoleCandidate},
			{Name: eventWin, Src: []string{RoleCandidate}, Dst: RoleLeader},
			{Name: eventDefeat, Src: []string{RoleCandidate, RoleLeader}, Dst: RoleFollower},
		},
		fsm.Callbacks{},
	)

	n.unicast.SetHandler(n.routeUnicast)
	n.mcast.SetHandler(n.routeMulticast)

	return n, nil
}

// ID returns the node identity.
func (n *Node) ID() protocol.NodeID {
	return n.self
}

// Leader returns the currently known leader.
func (n *Node) Leader() (protocol.NodeID, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.leader, n.leader != ""
}

// IsLeader reports whether this node currently leads.
func (n *Node) IsLeader() bool {
	id, ok := n.Leader()
	return ok && id == n.self
}

// Role returns the current role string.
func (n *Node) Role() string {
	return n.role.Current()
}

// Store exposes the authoritative state for inspection.
func (n *Node) Store() *state.Store {
	return n.store
}

// Start binds both sockets and launches every subsystem. Bind or
// multicast join failures are fatal and returned to the caller.
func (n *Node) Start() error {
	if n.started {
		return nil
	}

	if err := n.mcast.Start(); err != nil {
		return fmt.Errorf("fatal: %w", err)
	}
	if err := n.unicast.Start(); err != nil {
		n.mcast.Stop()
		return fmt.Errorf("fatal: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.group, _ = errgroup.WithContext(ctx)
	n.group.Go(func() error {
		n.runEventLoop(ctx)
		return nil
	})

	n.repl.Start()
	n.sender.Start()
	n.svc.Start()
	n.disc.Start()
	n.hb.Start()

	// Alone at startup the node leads its trivial ring immediately;
	// peers discovered afterwards trigger fresh elections.
	pubsub.Publish(n.bus, pubsub.NewEvent(pubsub.MembershipChanged, n.disc.Members()))
	pubsub.Publish(n.bus, pubsub.NewEvent(pubsub.ElectionNeeded, struct{}{}))

	n.started = true
	n.cfg.Logger.Infof("[Node] %s started", n.self)
	return nil
}

// Stop shuts the node down: probing and announcements stop, the
// replication manager is stopped, then the service worker, fan-out,
// election and event loop, and finally the sockets. Pending replication
// is not flushed: a request still waiting for follower acks is released
// with an error and gets no client reply. Leadership is not handed off;
// the next heartbeat timeout drives re-election among the survivors.
func (n *Node) Stop() {
	if !n.started {
		return
	}
	n.started = false

	n.hb.Stop()
	n.disc.Stop()
	// Replication is released before the worker is joined so a request
	// stranded waiting on a dead follower's ack cannot wedge shutdown.
	n.repl.Stop()
	n.svc.Stop()
	n.sender.Stop()
	n.elector.Stop()

	n.cancel()
	n.group.Wait()

	n.unicast.Stop()
	n.mcast.Stop()
	n.bus.Shutdown()

	n.cfg.Logger.Infof("[Node] %s stopped", n.self)
}

// runEventLoop consumes coordination events and drives role changes.
func (n *Node) runEventLoop(ctx context.Context) {
	membershipCh := make(chan *pubsub.Event[[]protocol.NodeID], 16)
	ringCh := make(chan *pubsub.Event[ring.Neighbours], 16)
	electionCh := make(chan *pubsub.Event[struct{}], 16)
	deadCh := make(chan *pubsub.Event[protocol.NodeID], 16)
	lostCh := make(chan *pubsub.Event[protocol.NodeID], 16)
	electedCh := make(chan *pubsub.Event[election.Result], 16)

	subs := []struct {
		t  pubsub.EventType
		id pubsub.SubscriberID
	}{
		{pubsub.MembershipChanged, pubsub.Subscribe(n.bus, pubsub.MembershipChanged, membershipCh, false)},
		{pubsub.RingChanged, pubsub.Subscribe(n.bus, pubsub.RingChanged, ringCh, false)},
		{pubsub.ElectionNeeded, pubsub.Subscribe(n.bus, pubsub.ElectionNeeded, electionCh, false)},
		{pubsub.NeighbourDead, pubsub.Subscribe(n.bus, pubsub.NeighbourDead, deadCh, false)},
		{pubsub.LeaderLost, pubsub.Subscribe(n.bus, pubsub.LeaderLost, lostCh, false)},
		{pubsub.LeaderElected, pubsub.Subscribe(n.bus, pubsub.LeaderElected, electedCh, false)},
	}
	defer func() {
		for _, s := range subs {
			n.bus.Unsubscribe(s.t, s.id)
		}
	}()

	for {
		select {
		case ev := <-membershipCh:
			n.onMembershipChanged(ev.Payload)
		case ev := <-ringCh:
			n.onRingChanged(ev.Payload)
		case <-electionCh:
			n.onElectionNeeded(ctx)
		case ev := <-deadCh:
			n.onNeighbourDead(ev.Payload)
		case ev := <-lostCh:
			n.cfg.Logger.Warnf("[Node] Leader %s lost", ev.Payload)
		case ev := <-electedCh:
			n.onLeaderElected(ctx, ev.Payload)
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) onMembershipChanged(members []protocol.NodeID) {
	view, changed := n.ring.Rebuild(members)
	if changed {
		n.cfg.Logger.Infof("[Node] Ring rebuilt: %v (left=%s right=%s)", view.Order, view.Left, view.Right)
		pubsub.Publish(n.bus, pubsub.NewEvent(pubsub.RingChanged, view))
	}
}

func (n *Node) onRingChanged(view ring.Neighbours) {
	n.hb.SetTarget(view.Left)
	n.elector.SetRing(view.Left, view.Right, view.Size)

	// Any topology change invalidates the leader choice: the new
	// arrangement may contain a higher id, and departures may have
	// taken the leader with them.
	pubsub.Publish(n.bus, pubsub.NewEvent(pubsub.ElectionNeeded, struct{}{}))
}

func (n *Node) onElectionNeeded(ctx context.Context) {
	if err := n.role.Event(ctx, eventElection); err != nil {
		n.cfg.Logger.Debugf("[Node] Role transition: %v", err)
	}
	n.elector.StartElection()
}

func (n *Node) onNeighbourDead(dead protocol.NodeID) {
	n.mu.RLock()
	wasLeader := dead == n.leader
	n.mu.RUnlock()

	if wasLeader {
		pubsub.Publish(n.bus, pubsub.NewEvent(pubsub.LeaderLost, dead))
	}
	// Removal raises MembershipChanged, which rebuilds the ring and
	// re-elects.
	n.disc.Remove(dead)
}

func (n *Node) onLeaderElected(ctx context.Context, res election.Result) {
	n.mu.Lock()
	prev := n.leader
	n.leader = res.Leader
	n.mu.Unlock()

	if res.Leader == n.self {
		if err := n.role.Event(ctx, eventWin); err != nil {
			n.cfg.Logger.Debugf("[Node] Role transition: %v", err)
		}
		if prev == n.self {
			// Re-confirmed by a topology change: state, epoch and the
			// fan-out streams carry on; clients only need the address.
			n.broadcastNewLeader(n.repl.Epoch())
			return
		}
		epoch := n.repl.BecomeLeader()
		n.svc.Activate()
		n.broadcastNewLeader(epoch)
		n.cfg.Logger.Infof("[Node] Leading as %s (epoch %d)", n.self, epoch)
		return
	}

	if n.role.Current() != RoleFollower {
		if err := n.role.Event(ctx, eventDefeat); err != nil {
			n.cfg.Logger.Debugf("[Node] Role transition: %v", err)
		}
	}
	n.svc.Deactivate()
	n.repl.BecomeFollower(0)
}

// broadcastNewLeader tells clients on the multicast group where to send
// requests now.
func (n *Node) broadcastNewLeader(epoch uint64) {
	env := &protocol.Envelope{
		Tag:     protocol.TagNewLeader,
		Round:   epoch,
		Sender:  n.self,
		Payload: protocol.NewLeader{Leader: n.self, Epoch: epoch},
	}
	if err := n.mcast.SendGroup(env); err != nil {
		n.cfg.Logger.Errorf("[Node] Error broadcasting NEW_LEADER: %v", err)
	}
}

// routeUnicast dispatches point-to-point traffic by tag.
func (n *Node) routeUnicast(env *protocol.Envelope, addr *net.UDPAddr) {
	switch env.Tag {
	case protocol.TagHSElection:
		n.elector.HandleElection(env)
	case protocol.TagHSReply:
		n.elector.HandleReply(env)
	case protocol.TagHSLeader:
		n.elector.HandleLeader(env)
	case protocol.TagHeartbeat:
		n.hb.HandleHeartbeat(env)
	case protocol.TagHeartbeatAck:
		n.hb.HandleAck(env)
	case protocol.TagRepl:
		n.repl.HandleRepl(env)
	case protocol.TagReplAck:
		n.repl.HandleAck(env)
	case protocol.TagReplStateRequest:
		n.repl.HandleStateRequest(env)
	case protocol.TagReplState:
		n.repl.HandleState(env)
	case protocol.TagAck:
		n.sender.HandleAck(env)
	case protocol.TagRegister, protocol.TagCreateGroup, protocol.TagJoinGroup,
		protocol.TagLeaveGroup, protocol.TagListGroups, protocol.TagListJoined,
		protocol.TagStartVote, protocol.TagCastBallot:
		n.svc.HandleClientOp(env, addr)
	default:
		n.cfg.Logger.Warnf("[Node] Unexpected unicast tag %s from %s", env.Tag, addr)
	}
}

// routeMulticast dispatches group traffic by tag.
func (n *Node) routeMulticast(env *protocol.Envelope, addr *net.UDPAddr) {
	switch env.Tag {
	case protocol.TagAnnounce:
		n.disc.HandleAnnounce(env.Sender)
	case protocol.TagWhoIsLeader:
		// Only the leader answers; a client retries until one does.
		if n.IsLeader() {
			reply := &protocol.Envelope{
				Tag:     protocol.TagLeader,
				Sender:  n.self,
				Payload: protocol.NewLeader{Leader: n.self, Epoch: n.repl.Epoch()},
			}
			if err := n.mcast.Send(addr.String(), reply); err != nil {
				n.cfg.Logger.Errorf("[Node] Error answering WHO_IS_LEADER: %v", err)
			}
		}
	case protocol.TagNewLeader:
		n.onNewLeaderBroadcast(env)
	default:
		// Other nodes' leader replies etc. are client-directed; ignore.
	}
}

// onNewLeaderBroadcast adopts the announced epoch on followers. The
// election outcome itself arrived via HS_LEADER; the broadcast binds
// the replication epoch.
func (n *Node) onNewLeaderBroadcast(env *protocol.Envelope) {
	var p protocol.NewLeader
	if err := protocol.DecodePayload(env, &p); err != nil {
		n.cfg.Logger.Errorf("[Node] %v", err)
		return
	}
	if p.Leader == n.self {
		return
	}

	n.mu.Lock()
	n.leader = p.Leader
	n.mu.Unlock()

	n.repl.BecomeFollower(p.Epoch)
}
