package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Shutdown()

	ch := make(chan *Event[string], 4)
	Subscribe(bus, LeaderLost, ch, false)

	Publish(bus, NewEvent(LeaderLost, "127.0.0.1:6003"))

	select {
	case ev := <-ch:
		assert.Equal(t, LeaderLost, ev.Type)
		assert.Equal(t, "127.0.0.1:6003", ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_TypedChannelsAreIndependent(t *testing.T) {
	bus := NewBus()
	defer bus.Shutdown()

	strCh := make(chan *Event[string], 1)
	intCh := make(chan *Event[int], 1)
	Subscribe(bus, ElectionNeeded, strCh, false)
	Subscribe(bus, ElectionNeeded, intCh, false)

	Publish(bus, NewEvent(ElectionNeeded, 42))

	select {
	case ev := <-intCh:
		assert.Equal(t, 42, ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("typed event not delivered")
	}

	// The string subscriber cannot receive an int payload.
	select {
	case ev := <-strCh:
		t.Fatalf("unexpected delivery: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Shutdown()

	ch := make(chan *Event[int], 1)
	id := Subscribe(bus, RingChanged, ch, false)
	bus.Unsubscribe(RingChanged, id)

	// Channel closes on unsubscribe.
	_, open := <-ch
	assert.False(t, open)
}

func TestBus_PublishAfterShutdownIsDropped(t *testing.T) {
	bus := NewBus()

	ch := make(chan *Event[int], 1)
	Subscribe(bus, RingChanged, ch, false)

	bus.Shutdown()
	require.NotPanics(t, func() {
		Publish(bus, NewEvent(RingChanged, 1))
	})
}

func TestEventType_String(t *testing.T) {
	assert.Equal(t, "MembershipChanged", MembershipChanged.String())
	assert.Equal(t, "LeaderElected", LeaderElected.String())
	assert.Equal(t, "Unknown", EventType(99).String())
}
