package fomcast

import (
	"sync"
	"time"

	"go.uber.org/multierr"

	"ringvote/internal/config"
	"ringvote/internal/protocol"
	"ringvote/internal/state"
)

// SenderTransport is the slice of the unicast transport the sender
// needs for fan-out.
type SenderTransport interface {
	Send(targetAddr string, env *protocol.Envelope) error
}

type member struct {
	addr    string
	joinSeq uint64 // first sequence this member is expected to receive
}

type outMessage struct {
	env   *protocol.Envelope
	group string
	acked map[state.ClientID]bool
}

type groupStream struct {
	nextSeq  uint64
	members  map[state.ClientID]*member
	buffered map[uint64]*outMessage
}

// Sender is the leader half of the FIFO-ordered reliable multicast:
// one sequence per group, fan-out to every member's unicast address,
// and a retransmission buffer that only drains when every member the
// message was addressed to has acked it.
type Sender struct {
	cfg  *config.Config
	self protocol.NodeID
	send SenderTransport

	mu      sync.Mutex
	streams map[string]*groupStream

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// NewSender creates a Sender originating from the local node id.
func NewSender(cfg *config.Config, self protocol.NodeID, send SenderTransport) *Sender {
	return &Sender{
		cfg:        cfg,
		self:       self,
		send:       send,
		streams:    make(map[string]*groupStream),
		shutdownCh: make(chan struct{}),
	}
}

// Start launches the retransmission loop.
func (s *Sender) Start() {
	s.wg.Add(1)
	go s.runRetransmitter()
}

// Stop terminates the retransmission loop.
func (s *Sender) Stop() {
	close(s.shutdownCh)
	s.wg.Wait()
}

// Reset drops all streams. Called when leadership moves: the new leader
// starts fresh (group, leader) streams and receivers key on the sender
// identity, so sequences never collide across leaders.
func (s *Sender) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = make(map[string]*groupStream)
}

// UpsertMember registers a group member for fan-out and returns the
// first sequence number the member should expect. Existing members keep
// their join sequence (re-join after failover refreshes the address).
func (s *Sender) UpsertMember(group string, client state.ClientID, addr string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streamLocked(group)
	if m, ok := stream.members[client]; ok {
		m.addr = addr
		return m.joinSeq
	}
	stream.members[client] = &member{addr: addr, joinSeq: stream.nextSeq}
	return stream.nextSeq
}

// RemoveMember drops a member from the fan-out set. Messages waiting
// only on the departed member become complete.
func (s *Sender) RemoveMember(group string, client state.ClientID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[group]
	if !ok {
		return
	}
	delete(stream.members, client)
	s.compactLocked(stream)
}

// Multicast stamps the payload with the group's next sequence and sends
// it to every member. The message stays buffered until every addressed
// member acks.
func (s *Sender) Multicast(group, tag string, payload interface{}) error {
	s.mu.Lock()
	stream := s.streamLocked(group)
	seq := stream.nextSeq
	stream.nextSeq++

	env := &protocol.Envelope{
		Tag:     tag,
		Seq:     seq,
		Sender:  s.self,
		Payload: payload,
	}
	out := &outMessage{env: env, group: group, acked: make(map[state.ClientID]bool)}
	stream.buffered[seq] = out

	targets := make(map[state.ClientID]string, len(stream.members))
	for id, m := range stream.members {
		if m.joinSeq <= seq {
			targets[id] = m.addr
		}
	}
	s.mu.Unlock()

	var err error
	for _, addr := range targets {
		err = multierr.Append(err, s.send.Send(addr, env))
	}
	if len(targets) == 0 {
		// Nobody to deliver to; the buffer entry is complete at once and
		// compacted away here.
		s.compact(group)
	}
	return err
}

// HandleAck records a member acknowledgement for one sequence.
func (s *Sender) HandleAck(env *protocol.Envelope) {
	var p protocol.Ack
	if err := protocol.DecodePayload(env, &p); err != nil {
		s.cfg.Logger.Errorf("[FOMcast] %v", err)
		return
	}
	if p.Origin != s.self {
		return // ack for a previous leader's stream
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[p.Group]
	if !ok {
		return
	}
	out, ok := stream.buffered[p.Seq]
	if !ok {
		return
	}
	out.acked[state.ClientID(p.ClientID)] = true
	s.compactLocked(stream)
}

// NextSeq returns the sequence the next multicast to group will carry.
func (s *Sender) NextSeq(group string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamLocked(group).nextSeq
}

// Pending returns how many messages are still awaiting acks for group.
func (s *Sender) Pending(group string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	stream, ok := s.streams[group]
	if !ok {
		return 0
	}
	return len(stream.buffered)
}

func (s *Sender) runRetransmitter() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FORetransmit)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.retransmit()
		case <-s.shutdownCh:
			return
		}
	}
}

// retransmit re-sends every buffered message to the members that have
// not acked it yet, and drops messages whose ack set is complete.
func (s *Sender) retransmit() {
	type resend struct {
		env  *protocol.Envelope
		addr string
	}
	var resends []resend

	s.mu.Lock()
	for _, stream := range s.streams {
		for _, out := range stream.buffered {
			for id, m := range stream.members {
				if m.joinSeq <= out.env.Seq && !out.acked[id] {
					resends = append(resends, resend{env: out.env, addr: m.addr})
				}
			}
		}
		s.compactLocked(stream)
	}
	s.mu.Unlock()

	var err error
	for _, r := range resends {
		err = multierr.Append(err, s.send.Send(r.addr, r.env))
	}
	if err != nil {
		s.cfg.Logger.Warnf("[FOMcast] Retransmission had errors: %v", err)
	}
}

func (s *Sender) compact(group string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stream, ok := s.streams[group]; ok {
		s.compactLocked(stream)
	}
}

// compactLocked drops buffered messages every addressed member acked.
func (s *Sender) compactLocked(stream *groupStream) {
	for seq, out := range stream.buffered {
		complete := true
		for id, m := range stream.members {
			if m.joinSeq <= seq && !out.acked[id] {
				complete = false
				break
			}
		}
		if complete {
			delete(stream.buffered, seq)
		}
	}
}

func (s *Sender) streamLocked(group string) *groupStream {
	stream, ok := s.streams[group]
	if !ok {
		stream = &groupStream{
			nextSeq:  1,
			members:  make(map[state.ClientID]*member),
			buffered: make(map[uint64]*outMessage),
		}
		s.streams[group] = stream
	}
	return stream
}
