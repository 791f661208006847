package election

import (
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ringvote/internal/config"
	"ringvote/internal/protocol"
	"ringvote/internal/pubsub"
)

// loopback delivers envelopes to in-process electors asynchronously,
// like UDP: no ordering guarantees, no feedback to the sender.
type loopback struct {
	mu       sync.Mutex
	electors map[string]*Elector
}

func newLoopback() *loopback {
	return &loopback{electors: make(map[string]*Elector)}
}

func (l *loopback) add(addr string, e *Elector) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.electors[addr] = e
}

func (l *loopback) Send(addr string, env *protocol.Envelope) error {
	l.mu.Lock()
	e := l.electors[addr]
	l.mu.Unlock()
	if e == nil {
		return nil // dropped, like a datagram to a dead node
	}
	go func() {
		switch env.Tag {
		case protocol.TagHSElection:
			e.HandleElection(env)
		case protocol.TagHSReply:
			e.HandleReply(env)
		case protocol.TagHSLeader:
			e.HandleLeader(env)
		}
	}()
	return nil
}

type testCluster struct {
	net      *loopback
	ids      []protocol.NodeID
	electors map[protocol.NodeID]*Elector
	buses    []*pubsub.Bus
}

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()

	c := &testCluster{
		net:      newLoopback(),
		electors: make(map[protocol.NodeID]*Elector),
	}
	for i := 0; i < n; i++ {
		c.addNode(t, 7001+i)
	}
	c.rewire()
	return c
}

func (c *testCluster) addNode(t *testing.T, port int) protocol.NodeID {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.ElectionTimeout = 500 * time.Millisecond

	id := protocol.MakeNodeID("127.0.0.1", port)
	bus := pubsub.NewBus()
	e := New(cfg, id, c.net, bus)

	c.ids = append(c.ids, id)
	c.electors[id] = e
	c.buses = append(c.buses, bus)
	c.net.add(id.Addr(), e)

	t.Cleanup(func() {
		e.Stop()
		bus.Shutdown()
	})
	return id
}

// rewire recomputes every node's ring view from the full id set.
func (c *testCluster) rewire() {
	sorted := append([]protocol.NodeID(nil), c.ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	n := len(sorted)
	for i, id := range sorted {
		left := sorted[((i-1)+n)%n]
		right := sorted[(i+1)%n]
		c.electors[id].SetRing(left, right, n)
	}
}

func (c *testCluster) highest() protocol.NodeID {
	highest := c.ids[0]
	for _, id := range c.ids[1:] {
		if highest.Less(id) {
			highest = id
		}
	}
	return highest
}

func (c *testCluster) requireConverged(t *testing.T, want protocol.NodeID) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, e := range c.electors {
			leader, ok := e.Leader()
			if !ok || leader != want {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond, "cluster did not converge on %s", want)
}

func TestElector_SingleNodeWinsImmediately(t *testing.T) {
	c := newTestCluster(t, 1)
	c.electors[c.ids[0]].StartElection()

	leader, ok := c.electors[c.ids[0]].Leader()
	require.True(t, ok)
	assert.Equal(t, c.ids[0], leader)
}

func TestElector_HighestIDWins(t *testing.T) {
	for _, n := range []int{2, 3, 5} {
		t.Run(fmt.Sprintf("%d nodes", n), func(t *testing.T) {
			c := newTestCluster(t, n)
			for _, e := range c.electors {
				e.StartElection()
			}
			c.requireConverged(t, c.highest())
		})
	}
}

func TestElector_LowestStarterStillElectsHighest(t *testing.T) {
	c := newTestCluster(t, 3)

	// Only the lowest id notices the need for an election; its probes
	// are swallowed by higher ids, which join the round themselves.
	sorted := append([]protocol.NodeID(nil), c.ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })
	c.electors[sorted[0]].StartElection()

	c.requireConverged(t, c.highest())
}

func TestElector_LateJoinerTakesOver(t *testing.T) {
	c := newTestCluster(t, 3)
	for _, e := range c.electors {
		e.StartElection()
	}
	c.requireConverged(t, c.highest())

	// A higher id appears; the membership change re-triggers election
	// everywhere.
	newcomer := c.addNode(t, 7099)
	c.rewire()
	for _, e := range c.electors {
		e.StartElection()
	}

	c.requireConverged(t, newcomer)
}

func TestElector_StaleRoundIgnored(t *testing.T) {
	c := newTestCluster(t, 2)
	for _, e := range c.electors {
		e.StartElection()
	}
	c.requireConverged(t, c.highest())

	winner := c.electors[c.highest()]
	round := winner.Round()

	// A probe from a round long gone must not disturb the leader.
	stale := &protocol.Envelope{
		Tag:    protocol.TagHSElection,
		Round:  0,
		Sender: c.ids[0],
		Payload: protocol.HSElection{
			Origin:    c.ids[0],
			Direction: protocol.Left,
			Hops:      1,
			Phase:     0,
		},
	}
	winner.HandleElection(stale)

	leader, ok := winner.Leader()
	require.True(t, ok)
	assert.Equal(t, c.highest(), leader)
	assert.Equal(t, round, winner.Round())
}

func TestElector_StalledRoundRestarts(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ElectionTimeout = 100 * time.Millisecond

	// Two-node ring whose peer never answers: the round must restart
	// with a fresh round id instead of hanging forever.
	net := newLoopback()
	id := protocol.MakeNodeID("127.0.0.1", 7201)
	peer := protocol.MakeNodeID("127.0.0.1", 7202)
	bus := pubsub.NewBus()
	defer bus.Shutdown()

	e := New(cfg, id, net, bus)
	defer e.Stop()
	net.add(id.Addr(), e)
	e.SetRing(peer, peer, 2)

	e.StartElection()
	first := e.Round()

	require.Eventually(t, func() bool {
		return e.Round() > first
	}, 2*time.Second, 10*time.Millisecond, "stalled round was never restarted")
}
