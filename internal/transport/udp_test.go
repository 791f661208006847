package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ringvote/internal/logging"
	"ringvote/internal/protocol"
)

type inbox struct {
	mu   sync.Mutex
	envs []*protocol.Envelope
}

func (i *inbox) handler(env *protocol.Envelope, _ *net.UDPAddr) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.envs = append(i.envs, env)
}

func (i *inbox) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.envs)
}

func (i *inbox) first() *protocol.Envelope {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.envs) == 0 {
		return nil
	}
	return i.envs[0]
}

func startTransport(t *testing.T, addr string) (*UDPTransport, *inbox) {
	t.Helper()
	box := &inbox{}
	tr := NewUDPTransport(addr, 4096, logging.Noop{})
	tr.SetHandler(box.handler)
	require.NoError(t, tr.Start())
	t.Cleanup(func() { tr.Stop() })
	return tr, box
}

func TestUDPTransport_SendReceive(t *testing.T) {
	sender, _ := startTransport(t, "127.0.0.1:47801")
	_, box := startTransport(t, "127.0.0.1:47802")

	env := &protocol.Envelope{
		Tag:    protocol.TagHeartbeat,
		Seq:    9,
		Sender: protocol.NodeID("127.0.0.1:47801"),
	}
	require.NoError(t, sender.Send("127.0.0.1:47802", env))

	require.Eventually(t, func() bool {
		return box.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	got := box.first()
	assert.Equal(t, protocol.TagHeartbeat, got.Tag)
	assert.Equal(t, uint64(9), got.Seq)
	assert.Equal(t, protocol.NodeID("127.0.0.1:47801"), got.Sender)
}

func TestUDPTransport_SendBeforeStart(t *testing.T) {
	tr := NewUDPTransport("127.0.0.1:47803", 4096, logging.Noop{})
	err := tr.Send("127.0.0.1:47804", &protocol.Envelope{Tag: protocol.TagAnnounce})
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestUDPTransport_BindConflictFails(t *testing.T) {
	startTransport(t, "127.0.0.1:47805")

	dup := NewUDPTransport("127.0.0.1:47805", 4096, logging.Noop{})
	assert.Error(t, dup.Start())
}

func TestUDPTransport_MalformedDatagramIsIgnored(t *testing.T) {
	sender, _ := startTransport(t, "127.0.0.1:47806")
	_, box := startTransport(t, "127.0.0.1:47807")

	// Raw garbage straight onto the socket.
	conn, err := net.Dial("udp", "127.0.0.1:47807")
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("not json"))
	require.NoError(t, err)

	// A well-formed message afterwards still gets through.
	require.NoError(t, sender.Send("127.0.0.1:47807", &protocol.Envelope{Tag: protocol.TagAnnounce, Sender: "127.0.0.1:47806"}))

	require.Eventually(t, func() bool {
		return box.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, protocol.TagAnnounce, box.first().Tag)
}

func TestUDPTransport_BlockIncoming(t *testing.T) {
	sender, _ := startTransport(t, "127.0.0.1:47808")
	receiver, box := startTransport(t, "127.0.0.1:47809")

	receiver.BlockIncoming()
	require.NoError(t, sender.Send("127.0.0.1:47809", &protocol.Envelope{Tag: protocol.TagAnnounce, Sender: "127.0.0.1:47808"}))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, box.count())

	receiver.UnblockIncoming()
	require.NoError(t, sender.Send("127.0.0.1:47809", &protocol.Envelope{Tag: protocol.TagAnnounce, Sender: "127.0.0.1:47808"}))
	require.Eventually(t, func() bool {
		return box.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
}
