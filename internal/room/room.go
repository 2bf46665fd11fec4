// Package room implements the Room State Object (spec.md section 4.3) and
// the per-node Local Room Registry (section 4.2).
package room

import (
	"errors"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/tinode/chatcluster/internal/types"
)

// Sentinel errors surfaced to the dispatcher as response text.
var (
	ErrRoomAlreadyExists  = errors.New("room_already_exists")
	ErrMemberAlreadyExists = errors.New("member_already_exists")
	ErrMemberNotFound     = errors.New("member_not_found")
)

// Kind distinguishes public from private rooms (spec.md section 3).
type Kind int

const (
	Public Kind = iota
	Private
)

// Room holds {description, members, admin} and serializes every mutation
// behind a single mutex, per spec.md section 4.3's operation table. All
// cross-node coordination for public rooms happens one layer up, in the
// router: a Room value only ever has one goroutine-set of callers acting
// on it directly — the node that's authoritative for it.
type Room struct {
	mu sync.Mutex

	name        string
	kind        Kind
	description string
	members     []types.UserSnapshot
	admin       types.UserSnapshot
}

// New constructs a Room in memory. It does not register the room anywhere;
// callers use Manager.Create for that, which also handles name
// normalization and the local/cluster uniqueness check.
func New(name string, kind Kind, owner types.UserSnapshot, description string, extra []types.UserSnapshot) *Room {
	members := make([]types.UserSnapshot, 0, 1+len(extra))
	members = append(members, owner)
	members = append(members, extra...)
	return &Room{
		name:        name,
		kind:        kind,
		description: norm.NFC.String(description),
		members:     members,
		admin:       owner,
	}
}

// Name returns the room's (normalized) name.
func (r *Room) Name() string {
	return r.name
}

// IsPrivate reports whether this is a private-room replica.
func (r *Room) IsPrivate() bool {
	return r.kind == Private
}

// AddMember appends user to the member list if absent.
func (r *Room) AddMember(user types.UserSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members {
		if m.Equal(user) || m.SameNumber(user.UserNumber) {
			return ErrMemberAlreadyExists
		}
	}
	r.members = append(r.members, user)
	return nil
}

// RemoveMember removes the member matching user's user_number. Does not
// reassign admin — callers (the dispatcher) decide admin transfer.
func (r *Room) RemoveMember(user types.UserSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range r.members {
		if m.SameNumber(user.UserNumber) {
			r.members = append(r.members[:i], r.members[i+1:]...)
			return nil
		}
	}
	return ErrMemberNotFound
}

// SetDescription replaces the description, NFC-normalized.
func (r *Room) SetDescription(desc string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.description = norm.NFC.String(desc)
}

// SetAdmin replaces the admin record without checking membership; callers
// enforce that invariant (spec.md section 4.3).
func (r *Room) SetAdmin(user types.UserSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.admin = user
}

// UpdateMember replaces the member sharing newRecord.UserNumber with
// newRecord. If
// that number is also the current admin's, the admin record is refreshed
// too (spec.md section 4.3, used by SET MY DESCRIPTION / SET MY USER NAME).
func (r *Room) UpdateMember(newRecord types.UserSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range r.members {
		if m.SameNumber(newRecord.UserNumber) {
			r.members[i] = newRecord
			break
		}
	}
	if r.admin.SameNumber(newRecord.UserNumber) {
		r.admin = newRecord
	}
}

// Members returns a copy of the current member list.
func (r *Room) Members() []types.UserSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.UserSnapshot, len(r.members))
	copy(out, r.members)
	return out
}

// Admin returns the current admin record.
func (r *Room) Admin() types.UserSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.admin
}

// Description returns the current description.
func (r *Room) Description() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.description
}

// Inspect returns description, members and admin in one locked read, so a
// caller never observes a torn mix of pre- and post-mutation fields.
func (r *Room) Inspect() (description string, members []types.UserSnapshot, admin types.UserSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.UserSnapshot, len(r.members))
	copy(out, r.members)
	return r.description, out, r.admin
}

// IsMember reports whether user (compared by entire record) is a member.
func (r *Room) IsMember(user types.UserSnapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members {
		if m.Equal(user) {
			return true
		}
	}
	return false
}

// IsMemberByNumber reports membership compared only by user_number.
func (r *Room) IsMemberByNumber(number string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members {
		if m.SameNumber(number) {
			return true
		}
	}
	return false
}

// IsAdmin reports whether user is the current admin.
func (r *Room) IsAdmin(user types.UserSnapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.admin.Equal(user)
}

// MemberCount is a locked convenience read for LEAVE's
// sole-member-equals-DELETE rule.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}
