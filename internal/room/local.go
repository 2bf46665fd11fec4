package room

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tinode/chatcluster/internal/registry"
	"github.com/tinode/chatcluster/internal/types"
)

// Local is the per-node unique-name index over every room (public and
// private) currently resident on this node — spec.md section 4.2. It plays
// the same role the teacher's Hub.topics sync.Map plays for topics, scoped
// down to the three operations spec.md names: lookup, register_unique,
// unregister.
type Local struct {
	rooms sync.Map // string -> *Room
}

// NewLocal constructs an empty local room registry.
func NewLocal() *Local {
	return &Local{}
}

// Lookup returns the room resident under name, if any.
func (l *Local) Lookup(name string) (*Room, bool) {
	v, ok := l.rooms.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Room), true
}

// RegisterUnique stores r under name unless a room already answers to that
// name on this node. Used for both public and private rooms — private
// rooms have no cluster-wide entry, so this is their only uniqueness check.
func (l *Local) RegisterUnique(name string, r *Room) error {
	_, loaded := l.rooms.LoadOrStore(name, r)
	if loaded {
		return ErrRoomAlreadyExists
	}
	return nil
}

// Unregister removes name from the local index.
func (l *Local) Unregister(name string) {
	l.rooms.Delete(name)
}

// Count returns how many rooms are resident on this node, for the
// rooms_live gauge.
func (l *Local) Count() int {
	n := 0
	l.rooms.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Range iterates every room resident on this node, in the manner of
// sync.Map.Range: stop early by returning false from fn.
func (l *Local) Range(fn func(name string, r *Room) bool) {
	l.rooms.Range(func(key, value interface{}) bool {
		return fn(key.(string), value.(*Room))
	})
}

// Manager ties the Local registry together with the cluster name registry
// so Create/Delete can honor spec.md section 4.3's create() contract: public
// rooms get both a local entry and a cluster-wide {room, name, node} entry;
// private rooms get only the local entry.
type Manager struct {
	self     types.NodeID
	local    *Local
	cluster  *registry.Registry
}

// NewManager builds a Manager for node self.
func NewManager(self types.NodeID, local *Local, cluster *registry.Registry) *Manager {
	return &Manager{self: self, local: local, cluster: cluster}
}

// Create builds a new Room and registers it per spec.md section 4.3.
// Private names are normalized (given the @private suffix) before any
// registration is attempted.
func (m *Manager) Create(ctx context.Context, name string, kind Kind, owner types.UserSnapshot, description string, extra []types.UserSnapshot) (*Room, error) {
	normalized := types.NormalizeRoomName(name, kind == Private)
	r := New(normalized, kind, owner, description, extra)

	if err := m.local.RegisterUnique(normalized, r); err != nil {
		return nil, err
	}

	if kind == Public {
		entry := types.Entry{Kind: types.EntryRoom, RoomName: normalized}
		if err := m.cluster.Register(ctx, entry, types.Handle{Node: m.self}); err != nil {
			m.local.Unregister(normalized)
			if errors.Is(err, registry.ErrAlreadyRegistered) {
				return nil, ErrRoomAlreadyExists
			}
			return nil, fmt.Errorf("room: create %s: %w", normalized, err)
		}
	}

	return r, nil
}

// Delete tears r down: removes it from the local index and, for public
// rooms, from the cluster registry too.
func (m *Manager) Delete(ctx context.Context, r *Room) error {
	m.local.Unregister(r.Name())
	if !r.IsPrivate() {
		if err := m.cluster.Unregister(ctx, types.Entry{Kind: types.EntryRoom, RoomName: r.Name()}); err != nil {
			return fmt.Errorf("room: delete %s: %w", r.Name(), err)
		}
	}
	return nil
}
