package state

import (
	"ringvote/internal/protocol"
)

// Snapshot is the serializable image of the store exchanged during
// leader state synchronization. It lives only in memory and on the
// wire; nothing is ever written to disk.
type Snapshot struct {
	Clients []ClientRecord `json:"clients"`
	Groups  []Group        `json:"groups"`
	Votes   []Vote         `json:"votes"`
}

// Snapshot captures the full store image.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Clients: make([]ClientRecord, 0, len(s.clients)),
		Groups:  make([]Group, 0, len(s.groups)),
		Votes:   make([]Vote, 0, len(s.votes)),
	}
	for _, rec := range s.clients {
		snap.Clients = append(snap.Clients, *rec)
	}
	for _, g := range s.groups {
		members := make(map[ClientID]string, len(g.Members))
		for id, addr := range g.Members {
			members[id] = addr
		}
		snap.Groups = append(snap.Groups, Group{Name: g.Name, Creator: g.Creator, Members: members})
	}
	for _, v := range s.votes {
		snap.Votes = append(snap.Votes, copyVote(v))
	}
	return snap
}

// Install replaces the store contents with the snapshot image.
func (s *Store) Install(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients = make(map[ClientID]*ClientRecord, len(snap.Clients))
	s.tokens = make(map[string]ClientID, len(snap.Clients))
	s.groups = make(map[string]*Group, len(snap.Groups))
	s.votes = make(map[string]*Vote, len(snap.Votes))

	for _, rec := range snap.Clients {
		r := rec
		s.clients[rec.ID] = &r
		s.tokens[rec.Token] = rec.ID
	}
	for _, g := range snap.Groups {
		grp := g
		if grp.Members == nil {
			grp.Members = make(map[ClientID]string)
		}
		s.groups[g.Name] = &grp
	}
	for _, v := range snap.Votes {
		vote := v
		if vote.Ballots == nil {
			vote.Ballots = make(map[ClientID]int)
		}
		s.votes[v.ID] = &vote
	}
}

// EncodeSnapshot flattens a snapshot into the generic map carried in a
// REPL_STATE payload.
func EncodeSnapshot(snap Snapshot) (map[string]interface{}, error) {
	return protocol.EncodeOp(snap)
}

// DecodeSnapshot converts a generic snapshot map back to its typed form.
func DecodeSnapshot(m map[string]interface{}) (Snapshot, error) {
	var snap Snapshot
	err := protocol.DecodeOp(m, &snap)
	return snap, err
}
