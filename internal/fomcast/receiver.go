package fomcast

import (
	"sync"

	"ringvote/internal/logging"
	"ringvote/internal/protocol"
)

// DeliverFunc hands a message to the application in FIFO order.
type DeliverFunc func(env *protocol.Envelope)

// AckFunc sends an acknowledgement back to the stream's origin.
type AckFunc func(origin protocol.NodeID, group string, seq uint64)

type streamKey struct {
	group  string
	origin protocol.NodeID
}

type recvStream struct {
	expected uint64
	holdback map[uint64]*protocol.Envelope
}

// Receiver is the client half of the FIFO-ordered reliable multicast.
// Per (group, origin) stream it delivers strictly increasing,
// contiguous sequences: early messages wait in the holdback buffer,
// duplicates are re-acked but never re-delivered.
type Receiver struct {
	mu      sync.Mutex
	streams map[streamKey]*recvStream
	deliver DeliverFunc
	ack     AckFunc
	logger  logging.Logger
}

// NewReceiver creates a Receiver delivering through the callbacks.
func NewReceiver(deliver DeliverFunc, ack AckFunc, logger logging.Logger) *Receiver {
	return &Receiver{
		streams: make(map[streamKey]*recvStream),
		deliver: deliver,
		ack:     ack,
		logger:  logger,
	}
}

// Expect primes a stream with the first sequence to deliver. Join
// replies carry this value so a joiner neither misses nor re-delivers
// messages around its join point.
func (r *Receiver) Expect(group string, origin protocol.NodeID, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := streamKey{group: group, origin: origin}
	if _, ok := r.streams[key]; !ok {
		r.streams[key] = &recvStream{expected: seq, holdback: make(map[uint64]*protocol.Envelope)}
	}
}

// Handle processes one fan-out message belonging to group. Every
// receipt is acked, whatever the ordering outcome.
func (r *Receiver) Handle(group string, env *protocol.Envelope) {
	r.mu.Lock()

	key := streamKey{group: group, origin: env.Sender}
	stream, ok := r.streams[key]
	if !ok {
		// Unknown stream (e.g. a new leader after failover): the first
		// observed sequence anchors it.
		stream = &recvStream{expected: env.Seq, holdback: make(map[uint64]*protocol.Envelope)}
		r.streams[key] = stream
	}

	var deliveries []*protocol.Envelope
	switch {
	case env.Seq < stream.expected:
		r.logger.Debugf("[FOMcast] Duplicate seq=%d on %s/%s (expected %d)", env.Seq, group, env.Sender, stream.expected)
	case env.Seq == stream.expected:
		deliveries = append(deliveries, env)
		stream.expected++
		for {
			next, ok := stream.holdback[stream.expected]
			if !ok {
				break
			}
			delete(stream.holdback, stream.expected)
			deliveries = append(deliveries, next)
			stream.expected++
		}
	default:
		r.logger.Debugf("[FOMcast] Holding back seq=%d on %s/%s (expected %d)", env.Seq, group, env.Sender, stream.expected)
		stream.holdback[env.Seq] = env
	}
	r.mu.Unlock()

	r.ack(env.Sender, group, env.Seq)
	for _, d := range deliveries {
		r.deliver(d)
	}
}

// Expected returns the next sequence a stream will deliver; zero if the
// stream is unknown.
func (r *Receiver) Expected(group string, origin protocol.NodeID) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	stream, ok := r.streams[streamKey{group: group, origin: origin}]
	if !ok {
		return 0
	}
	return stream.expected
}
