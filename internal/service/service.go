package service

import (
	"net"
	"time"

	"github.com/google/uuid"

	"ringvote/internal/config"
	"ringvote/internal/fomcast"
	"ringvote/internal/protocol"
	"ringvote/internal/replication"
	"ringvote/internal/state"
)

// ReplyTransport is the slice of the unicast transport the service
// needs to answer clients at their observed datagram source.
type ReplyTransport interface {
	SendTo(addr *net.UDPAddr, env *protocol.Envelope) error
}

// LeaderFunc reports the currently known leader.
type LeaderFunc func() (protocol.NodeID, bool)

// request is one unit of work for the service worker: either a client
// datagram or an internally scheduled vote closure.
type request struct {
	env  *protocol.Envelope
	addr *net.UDPAddr

	closeVoteID string // non-empty for deadline closures
}

// Service is the client-facing front end. Only the leader activates it;
// on followers every client operation is answered with a redirect. A
// single worker goroutine serializes all mutations, which makes the
// local apply order identical to the replication op order.
type Service struct {
	cfg    *config.Config
	self   protocol.NodeID
	store  *state.Store
	repl   *replication.Manager
	sender *fomcast.Sender
	reply  ReplyTransport
	leader LeaderFunc

	active    bool
	seen      map[string]*protocol.Reply // request-id -> cached reply
	deadlines *deadlineHeap
	wakeCh    chan struct{}
	workCh    chan request

	shutdownCh chan struct{}
	doneCh     chan struct{}

	stats Stats
}

// Stats counts service activity.
type Stats struct {
	RequestsServed   uint64
	DuplicateHits    uint64
	VotesOpened      uint64
	VotesClosed      uint64
	BallotsAccepted  uint64
	BallotsDuplicate uint64
}

// New creates the service front end.
func New(cfg *config.Config, self protocol.NodeID, store *state.Store, repl *replication.Manager,
	sender *fomcast.Sender, reply ReplyTransport, leader LeaderFunc) *Service {
	return &Service{
		cfg:        cfg,
		self:       self,
		store:      store,
		repl:       repl,
		sender:     sender,
		reply:      reply,
		leader:     leader,
		seen:       make(map[string]*protocol.Reply),
		deadlines:  newDeadlineHeap(),
		wakeCh:     make(chan struct{}, 1),
		workCh:     make(chan request, 128),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the worker and the deadline scheduler.
func (s *Service) Start() {
	go s.runWorker()
	go s.runScheduler()
}

// Stop terminates both goroutines. The worker finishes its current
// request before exiting; a replication wait inside it ends as soon as
// the replication manager is stopped.
func (s *Service) Stop() {
	close(s.shutdownCh)
	<-s.doneCh
}

// Activate enters leader mode: rebuild the fan-out membership and the
// deadline queue from the (freshly synchronized) store.
func (s *Service) Activate() {
	s.enqueue(request{env: &protocol.Envelope{Tag: tagActivate}})
}

// Deactivate leaves leader mode.
func (s *Service) Deactivate() {
	s.enqueue(request{env: &protocol.Envelope{Tag: tagDeactivate}})
}

// HandleClientOp enqueues a client datagram for the worker. A full
// queue drops the datagram; the client retries with the same
// request id.
func (s *Service) HandleClientOp(env *protocol.Envelope, addr *net.UDPAddr) {
	s.enqueue(request{env: env, addr: addr})
}

// Internal control tags; never on the wire.
const (
	tagActivate   = "_ACTIVATE"
	tagDeactivate = "_DEACTIVATE"
)

func (s *Service) enqueue(r request) {
	select {
	case s.workCh <- r:
	default:
		if r.env != nil {
			s.cfg.Logger.Warnf("[Service] Work queue full, dropping %s", r.env.Tag)
		}
	}
}

func (s *Service) runWorker() {
	defer close(s.doneCh)

	for {
		select {
		case r := <-s.workCh:
			s.dispatch(r)
		case <-s.shutdownCh:
			return
		}
	}
}

func (s *Service) dispatch(r request) {
	if r.closeVoteID != "" {
		s.closeVote(r.closeVoteID)
		return
	}

	switch r.env.Tag {
	case tagActivate:
		s.activate()
		return
	case tagDeactivate:
		s.deactivate()
		return
	}

	if !s.active {
		s.redirect(r)
		return
	}

	s.stats.RequestsServed++
	switch r.env.Tag {
	case protocol.TagRegister:
		s.register(r)
	case protocol.TagCreateGroup:
		s.createGroup(r)
	case protocol.TagJoinGroup:
		s.joinGroup(r)
	case protocol.TagLeaveGroup:
		s.leaveGroup(r)
	case protocol.TagListGroups:
		s.listGroups(r)
	case protocol.TagListJoined:
		s.listJoined(r)
	case protocol.TagStartVote:
		s.startVote(r)
	case protocol.TagCastBallot:
		s.castBallot(r)
	default:
		s.cfg.Logger.Warnf("[Service] Unexpected tag %s from %s", r.env.Tag, r.addr)
	}
}

func (s *Service) activate() {
	s.active = true
	s.seen = make(map[string]*protocol.Reply)
	s.sender.Reset()
	s.deadlines.reset()

	// Rebuild fan-out membership and pending deadlines from the store.
	for _, name := range s.store.GroupNames() {
		members, _ := s.store.GroupMembers(name)
		for id, addr := range members {
			s.sender.UpsertMember(name, id, addr)
		}
	}
	for _, v := range s.openVotes() {
		s.deadlines.push(v.ID, protocol.DeadlineFromMS(v.DeadlineMS))
	}
	s.wake()
	s.cfg.Logger.Infof("[Service] Serving clients")
}

func (s *Service) deactivate() {
	if !s.active {
		return
	}
	s.active = false
	s.sender.Reset()
	s.deadlines.reset()
	s.cfg.Logger.Infof("[Service] Redirecting clients")
}

func (s *Service) openVotes() []state.Vote {
	var open []state.Vote
	snap := s.store.Snapshot()
	for _, v := range snap.Votes {
		if v.State == state.VoteOpen {
			open = append(open, v)
		}
	}
	return open
}

// redirect answers a client op on a non-leader with the leader id.
func (s *Service) redirect(r request) {
	requestID := requestIDOf(r.env)
	reply := &protocol.Reply{RequestID: requestID, Code: protocol.CodeNoLeader, Error: "no leader known"}
	if id, ok := s.leader(); ok {
		reply.Code = protocol.CodeRedirect
		reply.Error = "not the leader"
		reply.Data = map[string]interface{}{"leader": string(id)}
	}
	s.respond(r.addr, reply)
}

func (s *Service) register(r request) {
	var p protocol.Register
	if err := protocol.DecodePayload(r.env, &p); err != nil {
		s.cfg.Logger.Errorf("[Service] %v", err)
		return
	}
	if s.replayCached(p.RequestID, r.addr) {
		return
	}

	rec := state.ClientRecord{
		ID:    state.ClientID(uuid.New().String()),
		Addr:  r.addr.String(),
		Token: uuid.New().String(),
	}
	s.store.RegisterClient(rec)
	if !s.replicate(state.OpClientRegister, state.RegisterOp{Record: rec}) {
		return
	}

	s.finish(p.RequestID, r.addr, &protocol.Reply{
		RequestID: p.RequestID,
		Code:      protocol.CodeOK,
		Data: map[string]interface{}{
			"client_id": string(rec.ID),
			"token":     rec.Token,
			"leader":    string(s.self),
		},
	})
}

func (s *Service) createGroup(r request) {
	var p protocol.GroupOp
	if err := protocol.DecodePayload(r.env, &p); err != nil {
		s.cfg.Logger.Errorf("[Service] %v", err)
		return
	}
	if s.replayCached(p.RequestID, r.addr) {
		return
	}
	client, ok := s.auth(p.Token, p.RequestID, r.addr)
	if !ok {
		return
	}

	if err := s.store.CreateGroup(p.Group, client); err != nil {
		s.fail(p.RequestID, r.addr, err)
		return
	}
	if !s.replicate(state.OpGroupCreate, state.GroupOp{Name: p.Group, Client: client}) {
		return
	}

	rec, _ := s.store.Client(client)
	joinSeq := s.sender.UpsertMember(p.Group, client, rec.Addr)
	s.finish(p.RequestID, r.addr, &protocol.Reply{
		RequestID: p.RequestID,
		Code:      protocol.CodeOK,
		Data:      map[string]interface{}{"group": p.Group, "next_seq": joinSeq},
	})
}

func (s *Service) joinGroup(r request) {
	var p protocol.GroupOp
	if err := protocol.DecodePayload(r.env, &p); err != nil {
		s.cfg.Logger.Errorf("[Service] %v", err)
		return
	}
	if s.replayCached(p.RequestID, r.addr) {
		return
	}
	client, ok := s.auth(p.Token, p.RequestID, r.addr)
	if !ok {
		return
	}

	if err := s.store.JoinGroup(p.Group, client); err != nil {
		s.fail(p.RequestID, r.addr, err)
		return
	}
	if !s.replicate(state.OpGroupJoin, state.GroupOp{Name: p.Group, Client: client}) {
		return
	}

	rec, _ := s.store.Client(client)
	joinSeq := s.sender.UpsertMember(p.Group, client, rec.Addr)
	s.finish(p.RequestID, r.addr, &protocol.Reply{
		RequestID: p.RequestID,
		Code:      protocol.CodeOK,
		Data:      map[string]interface{}{"group": p.Group, "next_seq": joinSeq},
	})
}

func (s *Service) leaveGroup(r request) {
	var p protocol.GroupOp
	if err := protocol.DecodePayload(r.env, &p); err != nil {
		s.cfg.Logger.Errorf("[Service] %v", err)
		return
	}
	if s.replayCached(p.RequestID, r.addr) {
		return
	}
	client, ok := s.auth(p.Token, p.RequestID, r.addr)
	if !ok {
		return
	}

	if err := s.store.LeaveGroup(p.Group, client); err != nil {
		s.fail(p.RequestID, r.addr, err)
		return
	}
	if !s.replicate(state.OpGroupLeave, state.GroupOp{Name: p.Group, Client: client}) {
		return
	}

	s.sender.RemoveMember(p.Group, client)
	s.finish(p.RequestID, r.addr, &protocol.Reply{
		RequestID: p.RequestID,
		Code:      protocol.CodeOK,
		Data:      map[string]interface{}{"group": p.Group},
	})
}

func (s *Service) listGroups(r request) {
	var p protocol.ListOp
	if err := protocol.DecodePayload(r.env, &p); err != nil {
		s.cfg.Logger.Errorf("[Service] %v", err)
		return
	}
	if _, ok := s.auth(p.Token, p.RequestID, r.addr); !ok {
		return
	}
	s.respond(r.addr, &protocol.Reply{
		RequestID: p.RequestID,
		Code:      protocol.CodeOK,
		Data:      map[string]interface{}{"groups": s.store.GroupNames()},
	})
}

func (s *Service) listJoined(r request) {
	var p protocol.ListOp
	if err := protocol.DecodePayload(r.env, &p); err != nil {
		s.cfg.Logger.Errorf("[Service] %v", err)
		return
	}
	client, ok := s.auth(p.Token, p.RequestID, r.addr)
	if !ok {
		return
	}
	s.respond(r.addr, &protocol.Reply{
		RequestID: p.RequestID,
		Code:      protocol.CodeOK,
		Data:      map[string]interface{}{"groups": s.store.JoinedGroups(client)},
	})
}

func (s *Service) startVote(r request) {
	var p protocol.StartVote
	if err := protocol.DecodePayload(r.env, &p); err != nil {
		s.cfg.Logger.Errorf("[Service] %v", err)
		return
	}
	if s.replayCached(p.RequestID, r.addr) {
		return
	}
	client, ok := s.auth(p.Token, p.RequestID, r.addr)
	if !ok {
		return
	}
	if !s.store.IsMember(p.Group, client) {
		s.fail(p.RequestID, r.addr, state.ErrNotMember)
		return
	}
	if len(p.Options) == 0 || hasEmptyOption(p.Options) {
		s.failCode(p.RequestID, r.addr, protocol.CodeBadOptions, "options must be non-empty strings")
		return
	}

	deadline := time.Now().Add(time.Duration(p.TimeoutMS) * time.Millisecond)
	v := state.Vote{
		ID:         uuid.New().String(),
		Group:      p.Group,
		Topic:      p.Topic,
		Options:    p.Options,
		DeadlineMS: deadline.UnixMilli(),
	}
	if err := s.store.StartVote(v); err != nil {
		s.fail(p.RequestID, r.addr, err)
		return
	}
	if !s.replicate(state.OpVoteStart, state.VoteStartOp{Vote: v}) {
		return
	}
	s.stats.VotesOpened++

	s.deadlines.push(v.ID, deadline)
	s.wake()

	if err := s.sender.Multicast(p.Group, protocol.TagVoteOpen, protocol.VoteOpen{
		Group:    p.Group,
		VoteID:   v.ID,
		Topic:    v.Topic,
		Options:  v.Options,
		Deadline: v.DeadlineMS,
	}); err != nil {
		s.cfg.Logger.Warnf("[Service] VOTE_OPEN fan-out had errors: %v", err)
	}

	s.finish(p.RequestID, r.addr, &protocol.Reply{
		RequestID: p.RequestID,
		Code:      protocol.CodeOK,
		Data:      map[string]interface{}{"vote_id": v.ID},
	})
}

func (s *Service) castBallot(r request) {
	var p protocol.CastBallot
	if err := protocol.DecodePayload(r.env, &p); err != nil {
		s.cfg.Logger.Errorf("[Service] %v", err)
		return
	}
	if s.replayCached(p.RequestID, r.addr) {
		return
	}
	client, ok := s.auth(p.Token, p.RequestID, r.addr)
	if !ok {
		return
	}

	dup, err := s.store.CastBallot(p.VoteID, client, p.Option)
	if err != nil {
		s.fail(p.RequestID, r.addr, err)
		return
	}
	if dup {
		// At-most-one-ballot: the first accepted ballot stands; a
		// repeat is acknowledged as a success-duplicate.
		s.stats.BallotsDuplicate++
		s.finish(p.RequestID, r.addr, &protocol.Reply{
			RequestID: p.RequestID,
			Code:      protocol.CodeDuplicate,
			Data:      map[string]interface{}{"vote_id": p.VoteID},
		})
		return
	}
	if !s.replicate(state.OpVoteBallot, state.BallotOp{VoteID: p.VoteID, Client: client, Option: p.Option}) {
		return
	}
	s.stats.BallotsAccepted++

	v, _ := s.store.Vote(p.VoteID)
	if err := s.sender.Multicast(v.Group, protocol.TagBallotCounted, protocol.BallotCounted{
		Group:   v.Group,
		VoteID:  v.ID,
		Ballots: len(v.Ballots),
	}); err != nil {
		s.cfg.Logger.Warnf("[Service] BALLOT_COUNTED fan-out had errors: %v", err)
	}

	s.finish(p.RequestID, r.addr, &protocol.Reply{
		RequestID: p.RequestID,
		Code:      protocol.CodeOK,
		Data:      map[string]interface{}{"vote_id": p.VoteID},
	})

	if s.store.AllBallotsIn(p.VoteID) {
		s.closeVote(p.VoteID)
	}
}

// closeVote finalizes a vote: tally, deterministic tie-break, result
// fan-out, closing replication. Reached from the deadline scheduler or
// from the last ballot arriving.
func (s *Service) closeVote(voteID string) {
	if !s.active {
		return
	}
	v, ok := s.store.Vote(voteID)
	if !ok || v.State != state.VoteOpen {
		return
	}

	counts, winner, err := s.store.Tally(voteID)
	if err != nil {
		s.cfg.Logger.Errorf("[Service] Tally failed for %s: %v", voteID, err)
		return
	}
	if err := s.store.CloseVote(voteID, counts, winner); err != nil {
		s.cfg.Logger.Errorf("[Service] Close failed for %s: %v", voteID, err)
		return
	}
	op, err := protocol.EncodeOp(state.VoteCloseOp{VoteID: voteID, Counts: counts, Winner: winner})
	if err != nil {
		s.cfg.Logger.Errorf("[Service] %v", err)
		return
	}
	if err := s.repl.Replicate(state.OpVoteClose, op); err != nil {
		s.cfg.Logger.Warnf("[Service] VOTE_CLOSE replication interrupted: %v", err)
	}
	s.stats.VotesClosed++

	if err := s.sender.Multicast(v.Group, protocol.TagVoteResult, protocol.VoteResult{
		Group:  v.Group,
		VoteID: voteID,
		Counts: counts,
		Winner: winner,
	}); err != nil {
		s.cfg.Logger.Warnf("[Service] VOTE_RESULT fan-out had errors: %v", err)
	}
	s.cfg.Logger.Infof("[Service] Vote %s closed: counts=%v winner=%q", voteID, counts, winner)
}

// replicate pushes an op and answers the client with nothing on
// failure (the client retries). Returns false when the caller should
// abort the request.
func (s *Service) replicate(kind string, op interface{}) bool {
	m, err := protocol.EncodeOp(op)
	if err != nil {
		s.cfg.Logger.Errorf("[Service] %v", err)
		return false
	}
	if err := s.repl.Replicate(kind, m); err != nil {
		// Leadership moved mid-request; no reply, the client will
		// retarget and retry with the same request id.
		s.cfg.Logger.Warnf("[Service] Replication of %s interrupted: %v", kind, err)
		return false
	}
	return true
}

func (s *Service) auth(token, requestID string, addr *net.UDPAddr) (state.ClientID, bool) {
	client, ok := s.store.Auth(token)
	if !ok {
		s.failCode(requestID, addr, protocol.CodeAuthFailed, "unknown token, re-register")
		return "", false
	}
	return client, true
}

// replayCached short-circuits a re-issued request with its original
// reply.
func (s *Service) replayCached(requestID string, addr *net.UDPAddr) bool {
	if requestID == "" {
		return false
	}
	reply, ok := s.seen[requestID]
	if !ok {
		return false
	}
	s.stats.DuplicateHits++
	s.respond(addr, reply)
	return true
}

func (s *Service) finish(requestID string, addr *net.UDPAddr, reply *protocol.Reply) {
	if requestID != "" {
		if len(s.seen) > 10000 {
			s.seen = make(map[string]*protocol.Reply)
		}
		s.seen[requestID] = reply
	}
	s.respond(addr, reply)
}

func (s *Service) fail(requestID string, addr *net.UDPAddr, err error) {
	code := codeForError(err)
	s.failCode(requestID, addr, code, err.Error())
}

func (s *Service) failCode(requestID string, addr *net.UDPAddr, code, msg string) {
	s.respond(addr, &protocol.Reply{RequestID: requestID, Code: code, Error: msg})
}

func (s *Service) respond(addr *net.UDPAddr, reply *protocol.Reply) {
	if addr == nil {
		return
	}
	env := &protocol.Envelope{
		Tag:     protocol.TagReply,
		Sender:  s.self,
		Payload: reply,
	}
	if err := s.reply.SendTo(addr, env); err != nil {
		s.cfg.Logger.Errorf("[Service] Error replying to %s: %v", addr, err)
	}
}

func codeForError(err error) string {
	switch err {
	case state.ErrNameTaken:
		return protocol.CodeNameTaken
	case state.ErrNoSuchGroup:
		return protocol.CodeNoSuchGroup
	case state.ErrNotMember:
		return protocol.CodeNotMember
	case state.ErrNoSuchVote:
		return protocol.CodeNoSuchVote
	case state.ErrVoteClosed:
		return protocol.CodeClosed
	case state.ErrBadOption:
		return protocol.CodeBadOptions
	case state.ErrNoSuchClient:
		return protocol.CodeAuthFailed
	default:
		return protocol.CodeBadOptions
	}
}

func requestIDOf(env *protocol.Envelope) string {
	var p struct {
		RequestID string `json:"request_id"`
	}
	if err := protocol.DecodePayload(env, &p); err != nil {
		return ""
	}
	return p.RequestID
}

func hasEmptyOption(options []string) bool {
	for _, o := range options {
		if o == "" {
			return true
		}
	}
	return false
}
