// Package types holds the value types shared across the cluster: node
// identity, user/room identity, and the immutable snapshots that travel
// inside member lists and RPC envelopes.
package types

import "strings"

// NodeID names a single node participating in the cluster. Unique cluster-wide.
type NodeID string

// IsZero reports whether the node id is unset.
func (n NodeID) IsZero() bool {
	return n == ""
}

// PrivateSuffix marks a room name as private, per spec.md section 3.
const PrivateSuffix = "@private"

// IsPrivateName reports whether a room name carries the private suffix.
func IsPrivateName(name string) bool {
	return strings.HasSuffix(name, PrivateSuffix)
}

// NormalizeRoomName appends the private suffix when kind is private and the
// caller didn't already supply it. Public names pass through unchanged.
func NormalizeRoomName(name string, private bool) string {
	if private && !IsPrivateName(name) {
		return name + PrivateSuffix
	}
	return name
}

// UserSnapshot is an immutable copy of a user record embedded in a room's
// member list or admin field. Refreshed wholesale by update_member.
type UserSnapshot struct {
	UserNumber  string
	UserName    string
	Node        NodeID
	Description string
}

// Equal compares two snapshots field by field, matching the spec's
// definition of member equality ("by entire user record").
func (u UserSnapshot) Equal(o UserSnapshot) bool {
	return u.UserNumber == o.UserNumber &&
		u.UserName == o.UserName &&
		u.Node == o.Node &&
		u.Description == o.Description
}

// SameNumber compares only the identity field, used by is_member_by_number.
func (u UserSnapshot) SameNumber(number string) bool {
	return u.UserNumber == number
}

// EntryKind distinguishes the two tagged record shapes the cluster name
// registry holds (spec.md section 3, "Cluster registration entries").
type EntryKind string

const (
	EntryUser EntryKind = "user"
	EntryRoom EntryKind = "room"
)

// Entry is a tagged cluster registry key. For EntryUser only UserNumber is
// set; for EntryRoom only RoomName is set.
type Entry struct {
	Kind       EntryKind
	UserNumber string
	RoomName   string
}

// Handle is what an Entry resolves to: the node owning the user's socket,
// or the node holding a public room's authoritative instance.
type Handle struct {
	Node NodeID
}
