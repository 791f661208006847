package ring

import (
	"sort"
	"sync"

	"ringvote/internal/protocol"
)

// Neighbours is the circular view published on every rebuild.
type Neighbours struct {
	Self  protocol.NodeID
	Left  protocol.NodeID
	Right protocol.NodeID
	Order []protocol.NodeID
	Size  int
}

// Ring projects the member set onto a deterministic circular order.
// The sorted slice is the sole owner of the structure; neighbours are
// indices into it, so there is no cyclic ownership.
type Ring struct {
	mu    sync.RWMutex
	self  protocol.NodeID
	order []protocol.NodeID
	pos   int
}

// New creates a ring containing only the local node.
func New(self protocol.NodeID) *Ring {
	return &Ring{
		self:  self,
		order: []protocol.NodeID{self},
		pos:   0,
	}
}

// Rebuild recomputes the ring from a member snapshot. Self is always
// part of the ring even if absent from the snapshot. Returns the new
// view and whether it differs from the previous one.
func (r *Ring) Rebuild(members []protocol.NodeID) (Neighbours, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[protocol.NodeID]struct{}, len(members)+1)
	order := make([]protocol.NodeID, 0, len(members)+1)
	for _, m := range append(members, r.self) {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		order = append(order, m)
	}
	sort.Slice(order, func(i, j int) bool { return order[i].Less(order[j]) })

	changed := len(order) != len(r.order)
	if !changed {
		for i := range order {
			if order[i] != r.order[i] {
				changed = true
				break
			}
		}
	}

	r.order = order
	for i, id := range order {
		if id == r.self {
			r.pos = i
			break
		}
	}

	return r.neighboursLocked(), changed
}

// View returns the current circular view.
func (r *Ring) View() Neighbours {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.neighboursLocked()
}

// Size returns the number of nodes on the ring.
func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Contains reports whether id is on the ring.
func (r *Ring) Contains(id protocol.NodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.order {
		if m == id {
			return true
		}
	}
	return false
}

func (r *Ring) neighboursLocked() Neighbours {
	n := len(r.order)
	order := make([]protocol.NodeID, n)
	copy(order, r.order)
	return Neighbours{
		Self:  r.self,
		Left:  r.order[((r.pos-1)+n)%n],
		Right: r.order[(r.pos+1)%n],
		Order: order,
		Size:  n,
	}
}
