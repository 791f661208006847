package replication

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ringvote/internal/config"
	"ringvote/internal/protocol"
	"ringvote/internal/state"
)

// loopback routes envelopes between managers asynchronously, like UDP.
type loopback struct {
	mu       sync.Mutex
	managers map[string]*Manager
}

func newLoopback() *loopback {
	return &loopback{managers: make(map[string]*Manager)}
}

func (l *loopback) add(id protocol.NodeID, m *Manager) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.managers[id.Addr()] = m
}

func (l *loopback) Send(addr string, env *protocol.Envelope) error {
	l.mu.Lock()
	m := l.managers[addr]
	l.mu.Unlock()
	if m == nil {
		return nil
	}
	go func() {
		switch env.Tag {
		case protocol.TagRepl:
			m.HandleRepl(env)
		case protocol.TagReplAck:
			m.HandleAck(env)
		case protocol.TagReplStateRequest:
			m.HandleStateRequest(env)
		case protocol.TagReplState:
			m.HandleState(env)
		}
	}()
	return nil
}

// peerList is a mutable member snapshot provider.
type peerList struct {
	mu  sync.Mutex
	ids []protocol.NodeID
}

func (p *peerList) Members() []protocol.NodeID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.NodeID(nil), p.ids...)
}

func (p *peerList) set(ids ...protocol.NodeID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = ids
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ReplTimeout = 50 * time.Millisecond
	return cfg
}

func registerOp(t *testing.T, id, token string) map[string]interface{} {
	t.Helper()
	m, err := protocol.EncodeOp(state.RegisterOp{
		Record: state.ClientRecord{ID: state.ClientID(id), Addr: "127.0.0.1:9001", Token: token},
	})
	require.NoError(t, err)
	return m
}

func TestManager_ReplicateToAllFollowers(t *testing.T) {
	net := newLoopback()
	peers := &peerList{}

	leaderID := protocol.MakeNodeID("127.0.0.1", 6003)
	f1ID := protocol.MakeNodeID("127.0.0.1", 6001)
	f2ID := protocol.MakeNodeID("127.0.0.1", 6002)
	peers.set(leaderID, f1ID, f2ID)

	leaderStore, f1Store, f2Store := state.NewStore(), state.NewStore(), state.NewStore()
	leader := NewManager(testConfig(), leaderID, net, peers, leaderStore)
	f1 := NewManager(testConfig(), f1ID, net, peers, f1Store)
	f2 := NewManager(testConfig(), f2ID, net, peers, f2Store)
	for _, m := range []*Manager{leader, f1, f2} {
		net.add(m.self, m)
		m.Start()
		defer m.Stop()
	}

	epoch := leader.BecomeLeader()
	assert.Equal(t, uint64(1), epoch)

	// The leader applies locally first, then replicates.
	leaderStore.RegisterClient(state.ClientRecord{ID: "c1", Addr: "127.0.0.1:9001", Token: "t1"})
	require.NoError(t, leader.Replicate(state.OpClientRegister, registerOp(t, "c1", "t1")))

	for _, store := range []*state.Store{f1Store, f2Store} {
		_, ok := store.Auth("t1")
		assert.True(t, ok, "follower missed the replicated op")
	}
	assert.Equal(t, uint64(1), leader.LastApplied())
}

func TestManager_FollowerAppliesInOpOrder(t *testing.T) {
	capture := newLoopback() // acks go nowhere, we inspect state only
	fID := protocol.MakeNodeID("127.0.0.1", 6001)
	store := state.NewStore()
	f := NewManager(testConfig(), fID, capture, &peerList{}, store)

	repl := func(opID uint64, kind string, op map[string]interface{}) *protocol.Envelope {
		return &protocol.Envelope{
			Tag:     protocol.TagRepl,
			Round:   1,
			Sender:  protocol.MakeNodeID("127.0.0.1", 6003),
			Payload: protocol.Repl{OpID: opID, Kind: kind, Op: op},
		}
	}

	op1 := registerOp(t, "c1", "t1")
	op2, err := protocol.EncodeOp(state.GroupOp{Name: "g", Client: "c1"})
	require.NoError(t, err)

	// Op 2 arrives first: it must wait in the holdback buffer, because
	// creating the group before the creator exists would fail.
	f.HandleRepl(repl(2, state.OpGroupCreate, op2))
	_, ok := store.Auth("t1")
	assert.False(t, ok)
	assert.Equal(t, uint64(0), f.LastApplied())

	f.HandleRepl(repl(1, state.OpClientRegister, op1))
	assert.Equal(t, uint64(2), f.LastApplied())
	_, ok = store.Auth("t1")
	assert.True(t, ok)
	assert.True(t, store.IsMember("g", "c1"))

	t.Run("duplicate is re-acked without re-applying", func(t *testing.T) {
		f.HandleRepl(repl(1, state.OpClientRegister, op1))
		assert.Equal(t, uint64(2), f.LastApplied())
	})

	t.Run("stale epoch is dropped", func(t *testing.T) {
		env := repl(3, state.OpClientRegister, registerOp(t, "c9", "t9"))
		env.Round = 0
		f.HandleRepl(env)
		_, ok := store.Auth("t9")
		assert.False(t, ok)
	})
}

func TestManager_NewEpochResetsOpStream(t *testing.T) {
	fID := protocol.MakeNodeID("127.0.0.1", 6001)
	store := state.NewStore()
	f := NewManager(testConfig(), fID, newLoopback(), &peerList{}, store)

	env := &protocol.Envelope{
		Tag:     protocol.TagRepl,
		Round:   1,
		Sender:  protocol.MakeNodeID("127.0.0.1", 6003),
		Payload: protocol.Repl{OpID: 1, Kind: state.OpClientRegister, Op: registerOp(t, "c1", "t1")},
	}
	f.HandleRepl(env)
	assert.Equal(t, uint64(1), f.LastApplied())

	// A new leader starts a new epoch with op ids from 1 again.
	env2 := &protocol.Envelope{
		Tag:     protocol.TagRepl,
		Round:   2,
		Sender:  protocol.MakeNodeID("127.0.0.1", 6002),
		Payload: protocol.Repl{OpID: 1, Kind: state.OpClientRegister, Op: registerOp(t, "c2", "t2")},
	}
	f.HandleRepl(env2)
	assert.Equal(t, uint64(2), f.Epoch())
	assert.Equal(t, uint64(1), f.LastApplied())
	_, ok := store.Auth("t2")
	assert.True(t, ok)
}

func TestManager_BecomeLeaderInstallsHighestState(t *testing.T) {
	net := newLoopback()
	peers := &peerList{}

	newLeaderID := protocol.MakeNodeID("127.0.0.1", 6002)
	f1ID := protocol.MakeNodeID("127.0.0.1", 6001)
	peers.set(newLeaderID, f1ID)

	// The follower holds state from the crashed leader's epoch 1.
	f1Store := state.NewStore()
	f1 := NewManager(testConfig(), f1ID, net, peers, f1Store)
	f1.HandleRepl(&protocol.Envelope{
		Tag:     protocol.TagRepl,
		Round:   1,
		Sender:  protocol.MakeNodeID("127.0.0.1", 6003),
		Payload: protocol.Repl{OpID: 1, Kind: state.OpClientRegister, Op: registerOp(t, "c1", "t1")},
	})
	require.Equal(t, uint64(1), f1.LastApplied())

	newLeaderStore := state.NewStore()
	newLeader := NewManager(testConfig(), newLeaderID, net, peers, newLeaderStore)
	net.add(f1ID, f1)
	net.add(newLeaderID, newLeader)

	epoch := newLeader.BecomeLeader()

	// Epoch moves past the follower's, and the richer state installs.
	assert.Equal(t, uint64(2), epoch)
	_, ok := newLeaderStore.Auth("t1")
	assert.True(t, ok, "new leader did not install the follower's state")
}

func TestManager_ReplicateCompletesWhenLaggardDies(t *testing.T) {
	net := newLoopback()
	peers := &peerList{}

	leaderID := protocol.MakeNodeID("127.0.0.1", 6003)
	deadID := protocol.MakeNodeID("127.0.0.1", 6001)
	peers.set(leaderID, deadID)

	leader := NewManager(testConfig(), leaderID, net, peers, state.NewStore())
	net.add(leaderID, leader)
	leader.Start()
	defer leader.Stop()

	leader.BecomeLeader()

	done := make(chan error, 1)
	go func() {
		done <- leader.Replicate(state.OpClientRegister, registerOp(t, "c1", "t1"))
	}()

	// The dead follower never acks; once discovery evicts it, the
	// pending op completes on the next retransmission sweep.
	time.Sleep(100 * time.Millisecond)
	peers.set(leaderID)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Replicate never completed after the laggard died")
	}
}

func TestManager_BecomeFollowerUnblocksPending(t *testing.T) {
	net := newLoopback()
	peers := &peerList{}

	leaderID := protocol.MakeNodeID("127.0.0.1", 6003)
	mute := protocol.MakeNodeID("127.0.0.1", 6001)
	peers.set(leaderID, mute)

	leader := NewManager(testConfig(), leaderID, net, peers, state.NewStore())
	net.add(leaderID, leader)
	leader.Start()
	defer leader.Stop()
	leader.BecomeLeader()

	done := make(chan error, 1)
	go func() {
		done <- leader.Replicate(state.OpClientRegister, registerOp(t, "c1", "t1"))
	}()

	time.Sleep(50 * time.Millisecond)
	leader.BecomeFollower(2)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Replicate stayed blocked after stepping down")
	}
	assert.ErrorIs(t, leader.Replicate(state.OpClientRegister, registerOp(t, "c2", "t2")), ErrNotLeading)
}
