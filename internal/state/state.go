package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"ringvote/internal/protocol"
)

var (
	ErrNameTaken    = errors.New("group name taken")
	ErrNoSuchGroup  = errors.New("no such group")
	ErrNotMember    = errors.New("not a group member")
	ErrNoSuchVote   = errors.New("no such vote")
	ErrVoteClosed   = errors.New("vote closed")
	ErrBadOption    = errors.New("invalid option index")
	ErrNoSuchClient = errors.New("no such client")
	ErrUnknownOp    = errors.New("unknown replication op kind")
)

// ClientID identifies a registered client across leader failovers.
type ClientID string

// ClientRecord is the leader-owned, replicated registration record.
type ClientRecord struct {
	ID    ClientID `json:"id"`
	Addr  string   `json:"addr"`
	Token string   `json:"token"`
}

// Group is a named set of registered clients.
type Group struct {
	Name    string              `json:"name"`
	Creator ClientID            `json:"creator"`
	Members map[ClientID]string `json:"members"` // member -> unicast addr
}

// Vote states.
const (
	VoteOpen   = "OPEN"
	VoteClosed = "CLOSED"
)

// Vote holds one vote-instance from opening through its immutable
// result record.
type Vote struct {
	ID         string           `json:"id"`
	Group      string           `json:"group"`
	Topic      string           `json:"topic"`
	Options    []string         `json:"options"`
	DeadlineMS int64            `json:"deadline_ms"`
	Ballots    map[ClientID]int `json:"ballots"`
	State      string           `json:"state"`
	Counts     []int            `json:"counts,omitempty"`
	Winner     string           `json:"winner,omitempty"`
}

// Replication op kinds.
const (
	OpClientRegister = "CLIENT_REGISTER"
	OpGroupCreate    = "GROUP_CREATE"
	OpGroupJoin      = "GROUP_JOIN"
	OpGroupLeave     = "GROUP_LEAVE"
	OpVoteStart      = "VOTE_START"
	OpVoteBallot     = "VOTE_BALLOT"
	OpVoteClose      = "VOTE_CLOSE"
)

// Op payloads. Every op carries the full deterministic effect; ids are
// allocated on the leader so followers replay byte-identical state.

type RegisterOp struct {
	Record ClientRecord `json:"record"`
}

type GroupOp struct {
	Name   string   `json:"name"`
	Client ClientID `json:"client"`
	Addr   string   `json:"addr,omitempty"`
}

type VoteStartOp struct {
	Vote Vote `json:"vote"`
}

type BallotOp struct {
	VoteID string   `json:"vote_id"`
	Client ClientID `json:"client"`
	Option int      `json:"option"`
}

type VoteCloseOp struct {
	VoteID string `json:"vote_id"`
	Counts []int  `json:"counts"`
	Winner string `json:"winner"`
}

// Store is the authoritative service state: client records, groups and
// votes. One coarse mutex guards everything; the leader mutates through
// the typed methods, followers through Apply.
type Store struct {
	mu      sync.RWMutex
	clients map[ClientID]*ClientRecord
	tokens  map[string]ClientID
	groups  map[string]*Group
	votes   map[string]*Vote
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		clients: make(map[ClientID]*ClientRecord),
		tokens:  make(map[string]ClientID),
		groups:  make(map[string]*Group),
		votes:   make(map[string]*Vote),
	}
}

// RegisterClient installs a client record. Re-registration with the
// same id refreshes the address (clients keep their id across leader
// failovers).
func (s *Store) RegisterClient(rec ClientRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerLocked(rec)
}

func (s *Store) registerLocked(rec ClientRecord) {
	if old, ok := s.clients[rec.ID]; ok {
		delete(s.tokens, old.Token)
	}
	r := rec
	s.clients[rec.ID] = &r
	s.tokens[rec.Token] = rec.ID
}

// Auth resolves a token to the client that owns it.
func (s *Store) Auth(token string) (ClientID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokens[token]
	return id, ok
}

// Client returns a copy of the record for id.
func (s *Store) Client(id ClientID) (ClientRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.clients[id]
	if !ok {
		return ClientRecord{}, false
	}
	return *rec, true
}

// CreateGroup creates a group with the creator as first member.
func (s *Store) CreateGroup(name string, creator ClientID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createGroupLocked(name, creator)
}

func (s *Store) createGroupLocked(name string, creator ClientID) error {
	if _, ok := s.groups[name]; ok {
		return ErrNameTaken
	}
	rec, ok := s.clients[creator]
	if !ok {
		return ErrNoSuchClient
	}
	s.groups[name] = &Group{
		Name:    name,
		Creator: creator,
		Members: map[ClientID]string{creator: rec.Addr},
	}
	return nil
}

// JoinGroup adds a client to an existing group.
func (s *Store) JoinGroup(name string, client ClientID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joinGroupLocked(name, client)
}

func (s *Store) joinGroupLocked(name string, client ClientID) error {
	g, ok := s.groups[name]
	if !ok {
		return ErrNoSuchGroup
	}
	rec, ok := s.clients[client]
	if !ok {
		return ErrNoSuchClient
	}
	g.Members[client] = rec.Addr
	return nil
}

// LeaveGroup removes a client from a group.
func (s *Store) LeaveGroup(name string, client ClientID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaveGroupLocked(name, client)
}

func (s *Store) leaveGroupLocked(name string, client ClientID) error {
	g, ok := s.groups[name]
	if !ok {
		return ErrNoSuchGroup
	}
	if _, ok := g.Members[client]; !ok {
		return ErrNotMember
	}
	delete(g.Members, client)
	return nil
}

// IsMember reports whether client belongs to group name.
func (s *Store) IsMember(name string, client ClientID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[name]
	if !ok {
		return false
	}
	_, ok = g.Members[client]
	return ok
}

// GroupMembers returns the member -> address mapping of a group.
func (s *Store) GroupMembers(name string) (map[ClientID]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[name]
	if !ok {
		return nil, false
	}
	members := make(map[ClientID]string, len(g.Members))
	for id, addr := range g.Members {
		members[id] = addr
	}
	return members, true
}

// GroupNames returns all group names, sorted.
func (s *Store) GroupNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// JoinedGroups returns the sorted names of groups the client belongs to.
func (s *Store) JoinedGroups(client ClientID) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for name, g := range s.groups {
		if _, ok := g.Members[client]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// StartVote opens a vote. The vote value carries everything needed for
// deterministic replay on followers.
func (s *Store) StartVote(v Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startVoteLocked(v)
}

func (s *Store) startVoteLocked(v Vote) error {
	if _, ok := s.groups[v.Group]; !ok {
		return ErrNoSuchGroup
	}
	vote := v
	if vote.Ballots == nil {
		vote.Ballots = make(map[ClientID]int)
	}
	vote.State = VoteOpen
	s.votes[vote.ID] = &vote
	return nil
}

// CastBallot records the first ballot of a client for a vote. The
// second return is true when the ballot was a duplicate and therefore
// ignored.
func (s *Store) CastBallot(voteID string, client ClientID, option int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.castBallotLocked(voteID, client, option)
}

func (s *Store) castBallotLocked(voteID string, client ClientID, option int) (bool, error) {
	v, ok := s.votes[voteID]
	if !ok {
		return false, ErrNoSuchVote
	}
	if v.State != VoteOpen {
		return false, ErrVoteClosed
	}
	if option < 0 || option >= len(v.Options) {
		return false, ErrBadOption
	}
	g, ok := s.groups[v.Group]
	if !ok {
		return false, ErrNoSuchGroup
	}
	if _, ok := g.Members[client]; !ok {
		return false, ErrNotMember
	}
	if _, ok := v.Ballots[client]; ok {
		return true, nil // at-most-one-ballot: first accepted ballot stands
	}
	v.Ballots[client] = option
	return false, nil
}

// Vote returns a copy of the vote record.
func (s *Store) Vote(voteID string) (Vote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.votes[voteID]
	if !ok {
		return Vote{}, false
	}
	return copyVote(v), true
}

// AllBallotsIn reports whether every current group member has voted.
func (s *Store) AllBallotsIn(voteID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.votes[voteID]
	if !ok || v.State != VoteOpen {
		return false
	}
	g, ok := s.groups[v.Group]
	if !ok {
		return false
	}
	return len(v.Ballots) >= len(g.Members)
}

// Tally computes per-option counts and the winner. Ties break to the
// lowest index in the original options list.
func (s *Store) Tally(voteID string) ([]int, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.votes[voteID]
	if !ok {
		return nil, "", ErrNoSuchVote
	}
	counts := make([]int, len(v.Options))
	for _, opt := range v.Ballots {
		counts[opt]++
	}
	winner := 0
	for i, c := range counts {
		if c > counts[winner] {
			winner = i
		}
	}
	return counts, v.Options[winner], nil
}

// CloseVote finalizes a vote with the given tally.
func (s *Store) CloseVote(voteID string, counts []int, winner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeVoteLocked(voteID, counts, winner)
}

func (s *Store) closeVoteLocked(voteID string, counts []int, winner string) error {
	v, ok := s.votes[voteID]
	if !ok {
		return ErrNoSuchVote
	}
	if v.State != VoteOpen {
		return ErrVoteClosed
	}
	v.State = VoteClosed
	v.Counts = counts
	v.Winner = winner
	return nil
}

// Apply replays one replicated op. Used on followers; a new leader
// installs a snapshot instead.
func (s *Store) Apply(kind string, op map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case OpClientRegister:
		var p RegisterOp
		if err := protocol.DecodeOp(op, &p); err != nil {
			return err
		}
		s.registerLocked(p.Record)
		return nil
	case OpGroupCreate:
		var p GroupOp
		if err := protocol.DecodeOp(op, &p); err != nil {
			return err
		}
		return s.createGroupLocked(p.Name, p.Client)
	case OpGroupJoin:
		var p GroupOp
		if err := protocol.DecodeOp(op, &p); err != nil {
			return err
		}
		return s.joinGroupLocked(p.Name, p.Client)
	case OpGroupLeave:
		var p GroupOp
		if err := protocol.DecodeOp(op, &p); err != nil {
			return err
		}
		return s.leaveGroupLocked(p.Name, p.Client)
	case OpVoteStart:
		var p VoteStartOp
		if err := protocol.DecodeOp(op, &p); err != nil {
			return err
		}
		return s.startVoteLocked(p.Vote)
	case OpVoteBallot:
		var p BallotOp
		if err := protocol.DecodeOp(op, &p); err != nil {
			return err
		}
		_, err := s.castBallotLocked(p.VoteID, p.Client, p.Option)
		return err
	case OpVoteClose:
		var p VoteCloseOp
		if err := protocol.DecodeOp(op, &p); err != nil {
			return err
		}
		return s.closeVoteLocked(p.VoteID, p.Counts, p.Winner)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownOp, kind)
	}
}

func copyVote(v *Vote) Vote {
	out := *v
	out.Options = append([]string(nil), v.Options...)
	out.Counts = append([]int(nil), v.Counts...)
	out.Ballots = make(map[ClientID]int, len(v.Ballots))
	for id, opt := range v.Ballots {
		out.Ballots[id] = opt
	}
	return out
}
