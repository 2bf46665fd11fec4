package cluster

import "github.com/tinode/chatcluster/internal/types"

// RoomOp names one of the Room State Object operations a remote node can
// invoke on the authoritative (or replica) instance it owns, spec.md
// section 4.3.
type RoomOp string

const (
	OpCreate            RoomOp = "create"
	OpAddMember         RoomOp = "add_member"
	OpRemoveMember      RoomOp = "remove_member"
	OpSetDescription    RoomOp = "set_description"
	OpSetAdmin          RoomOp = "set_admin"
	OpUpdateMember      RoomOp = "update_member"
	OpDelete            RoomOp = "delete"
	OpInspect           RoomOp = "inspect"
	OpIsMember          RoomOp = "is_member"
	OpIsMemberByNumber  RoomOp = "is_member_by_number"
	OpIsAdmin           RoomOp = "is_admin"
)

// RoomOpRequest is the gob-encoded envelope carried over net/rpc for every
// remote room operation — one request shape for all of them, following the
// teacher's ClusterReq pattern of a single struct with op-specific optional
// fields rather than one message type per operation.
type RoomOpRequest struct {
	CorrelationID string
	FromNode      types.NodeID
	RoomName      string
	Op            RoomOp

	// Populated depending on Op.
	Actor       types.UserSnapshot   // add_member/remove_member/set_admin/is_member/is_admin argument
	Number      string               // is_member_by_number argument
	Description string               // set_description/create argument
	Kind        string               // create argument: "public" or "private"
	Owner       types.UserSnapshot   // create argument
	Extra       []types.UserSnapshot // create argument: additional initial members
}

// RoomOpReply carries back whatever the operation produces, plus an error
// string (empty means success) since net/rpc errors must be comparable
// across gob boundaries by value, not by the error interface.
type RoomOpReply struct {
	Err         string
	Description string
	Members     []types.UserSnapshot
	Admin       types.UserSnapshot
	Bool        bool
}

// DeliverRequest asks the receiving node to write Line to the socket owned
// locally by UserNumber — the cross-node half of the Broadcast Fanout
// (spec.md section 4.8).
type DeliverRequest struct {
	UserNumber string
	Line       string
}

// DeliverReply reports whether the write succeeded.
type DeliverReply struct {
	Err string
}

// UserSnapshotRequest asks the node owning number's connection for its
// current user record — used by INVITE to learn the invitee's node and
// display name before spawning a private-room replica there.
type UserSnapshotRequest struct {
	UserNumber string
}

// UserSnapshotReply carries the answer; Found is false if the node has no
// such user bound (e.g. it logged out between the cluster lookup and this
// call).
type UserSnapshotReply struct {
	Snapshot types.UserSnapshot
	Found    bool
}

// PingRequest/PingReply carry the Cluster.Ping RPC, which answers with the
// serving node's fingerprint (teacher's ClusterNode.fingerprint concept).
// Node.reconnect does not call Ping, so a restarted peer is not detected
// by fingerprint.
type PingRequest struct {
	FromNode    types.NodeID
	Fingerprint string
}

type PingReply struct {
	Fingerprint string
}
