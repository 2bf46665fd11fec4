// Package router implements spec.md section 4.5: locating the
// authoritative node for a room, forwarding operations to it, and fanning
// private-room operations out to every member's node.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinode/chatcluster/internal/cluster"
	"github.com/tinode/chatcluster/internal/registry"
	"github.com/tinode/chatcluster/internal/room"
	"github.com/tinode/chatcluster/internal/types"
	"github.com/tinode/chatcluster/internal/user"
)

// ErrRoomNotFound mirrors spec.md's room_not_found outcome when a public
// room name has no cluster registry entry.
var ErrRoomNotFound = errors.New("room_not_found")

// Router ties the cluster name registry, the local room registry and the
// inter-node transport together. It also implements cluster.LocalExecutor,
// since "run this room op against my own state" and "ask some node to run
// this room op" are two sides of the same table.
type Router struct {
	self       types.NodeID
	names      *registry.Registry
	local      *room.Local
	roomMgr    *room.Manager
	users      *user.Directory
	cl         *cluster.Cluster
}

// New builds a Router. SetCluster must be called once the cluster
// transport exists, since Cluster and Router are mutually referential
// (Cluster needs a LocalExecutor, Router needs a Cluster) — both the
// teacher's Hub/Cluster pair and this one break the cycle with a
// late-bound setter rather than a constructor cycle.
func New(self types.NodeID, names *registry.Registry, local *room.Local, roomMgr *room.Manager, users *user.Directory) *Router {
	return &Router{self: self, names: names, local: local, roomMgr: roomMgr, users: users}
}

// SetCluster binds the cluster transport. Called once during startup.
func (r *Router) SetCluster(cl *cluster.Cluster) {
	r.cl = cl
}

// locate resolves a public room name to its authoritative node. dispatch
// handles private room names locally without calling locate; a private
// name passed here (e.g. via GetNode) has no registry entry and yields
// ErrRoomNotFound.
func (r *Router) locate(ctx context.Context, roomName string) (types.NodeID, error) {
	h, ok, err := r.names.Lookup(ctx, types.Entry{Kind: types.EntryRoom, RoomName: roomName})
	if err != nil {
		return "", fmt.Errorf("router: locate %s: %w", roomName, err)
	}
	if !ok {
		return "", ErrRoomNotFound
	}
	return h.Node, nil
}

// GetNode returns the node a public room resides on, or "" if unregistered.
func (r *Router) GetNode(ctx context.Context, roomName string) types.NodeID {
	node, err := r.locate(ctx, roomName)
	if err != nil {
		return ""
	}
	return node
}

// dispatch sends req to the node owning roomName (public) or executes it
// against the local replica (private), per spec.md section 4.5 rule 1/2.
func (r *Router) dispatch(ctx context.Context, roomName string, req cluster.RoomOpRequest) (cluster.RoomOpReply, error) {
	req.RoomName = roomName
	if types.IsPrivateName(roomName) {
		return r.ExecuteRoomOp(ctx, req), nil
	}
	node, err := r.locate(ctx, roomName)
	if err != nil {
		return cluster.RoomOpReply{}, err
	}
	return r.cl.ExecuteRoomOp(ctx, node, req)
}

// RouteTo invokes req directly on node, bypassing the name registry —
// used to migrate a public room to its new admin's node and to spawn a
// private-room replica on an invitee's node (spec.md section 4.5).
func (r *Router) RouteTo(ctx context.Context, node types.NodeID, req cluster.RoomOpRequest) (cluster.RoomOpReply, error) {
	return r.cl.ExecuteRoomOp(ctx, node, req)
}

// ApplyToAllMembers invokes req once per distinct node among members —
// the private-room fanout primitive (spec.md section 4.5).
func (r *Router) ApplyToAllMembers(ctx context.Context, roomName string, members []types.UserSnapshot, req cluster.RoomOpRequest) error {
	seen := make(map[types.NodeID]bool, len(members))
	req.RoomName = roomName
	var firstErr error
	for _, m := range members {
		if seen[m.Node] {
			continue
		}
		seen[m.Node] = true
		if _, err := r.cl.ExecuteRoomOp(ctx, m.Node, req); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LookupUser fetches number's current record, which may live on a remote
// node. ok is false if no such user is logged in anywhere reachable.
func (r *Router) LookupUser(ctx context.Context, number string) (types.UserSnapshot, bool, error) {
	h, ok, err := r.names.Lookup(ctx, types.Entry{Kind: types.EntryUser, UserNumber: number})
	if err != nil {
		return types.UserSnapshot{}, false, err
	}
	if !ok {
		return types.UserSnapshot{}, false, nil
	}
	return r.cl.UserSnapshot(ctx, h.Node, number)
}

// IsMember routes a membership predicate: locally for private rooms, to
// the authoritative node for public ones.
func (r *Router) IsMember(ctx context.Context, roomName string, u types.UserSnapshot) (bool, error) {
	reply, err := r.dispatch(ctx, roomName, cluster.RoomOpRequest{Op: cluster.OpIsMember, Actor: u})
	if err != nil {
		return false, err
	}
	return reply.Bool, nil
}

// IsMemberByNumber is IsMember compared only by user_number.
func (r *Router) IsMemberByNumber(ctx context.Context, roomName, number string) (bool, error) {
	reply, err := r.dispatch(ctx, roomName, cluster.RoomOpRequest{Op: cluster.OpIsMemberByNumber, Number: number})
	if err != nil {
		return false, err
	}
	return reply.Bool, nil
}

// IsAdmin routes an admin predicate the same way IsMember does.
func (r *Router) IsAdmin(ctx context.Context, roomName string, u types.UserSnapshot) (bool, error) {
	reply, err := r.dispatch(ctx, roomName, cluster.RoomOpRequest{Op: cluster.OpIsAdmin, Actor: u})
	if err != nil {
		return false, err
	}
	return reply.Bool, nil
}

// Inspect returns description/members/admin for roomName, local or remote.
func (r *Router) Inspect(ctx context.Context, roomName string) (string, []types.UserSnapshot, types.UserSnapshot, error) {
	reply, err := r.dispatch(ctx, roomName, cluster.RoomOpRequest{Op: cluster.OpInspect})
	if err != nil {
		return "", nil, types.UserSnapshot{}, err
	}
	if reply.Err != "" {
		return "", nil, types.UserSnapshot{}, errors.New(reply.Err)
	}
	return reply.Description, reply.Members, reply.Admin, nil
}

// AddMember routes add_member to the authoritative/local instance.
func (r *Router) AddMember(ctx context.Context, roomName string, u types.UserSnapshot) (cluster.RoomOpReply, error) {
	return r.dispatch(ctx, roomName, cluster.RoomOpRequest{Op: cluster.OpAddMember, Actor: u})
}

// RemoveMember routes remove_member to the authoritative/local instance.
func (r *Router) RemoveMember(ctx context.Context, roomName string, u types.UserSnapshot) (cluster.RoomOpReply, error) {
	return r.dispatch(ctx, roomName, cluster.RoomOpRequest{Op: cluster.OpRemoveMember, Actor: u})
}

// SetDescription routes set_description; callers decide fanout-vs-single-site.
func (r *Router) SetDescription(ctx context.Context, roomName, desc string) (cluster.RoomOpReply, error) {
	return r.dispatch(ctx, roomName, cluster.RoomOpRequest{Op: cluster.OpSetDescription, Description: desc})
}

// UpdateMember routes update_member to the authoritative/local instance —
// used for a public room when a member's profile changes.
func (r *Router) UpdateMember(ctx context.Context, roomName string, u types.UserSnapshot) (cluster.RoomOpReply, error) {
	return r.dispatch(ctx, roomName, cluster.RoomOpRequest{Op: cluster.OpUpdateMember, Actor: u})
}

// Delete routes delete to the authoritative/local instance.
func (r *Router) Delete(ctx context.Context, roomName string) (cluster.RoomOpReply, error) {
	return r.dispatch(ctx, roomName, cluster.RoomOpRequest{Op: cluster.OpDelete})
}

// ExecuteRoomOp carries out req against this node's own Local Room
// Registry. It is also the method package cluster calls into for inbound
// RPCs (Router implements cluster.LocalExecutor).
func (r *Router) ExecuteRoomOp(ctx context.Context, req cluster.RoomOpRequest) cluster.RoomOpReply {
	if req.Op == cluster.OpCreate {
		kind := room.Public
		if req.Kind == "private" {
			kind = room.Private
		}
		_, err := r.roomMgr.Create(ctx, req.RoomName, kind, req.Owner, req.Description, req.Extra)
		if err != nil {
			return cluster.RoomOpReply{Err: err.Error()}
		}
		return cluster.RoomOpReply{}
	}

	rm, ok := r.local.Lookup(req.RoomName)
	if !ok {
		return cluster.RoomOpReply{Err: "room_not_found"}
	}

	switch req.Op {
	case cluster.OpAddMember:
		if err := rm.AddMember(req.Actor); err != nil {
			return cluster.RoomOpReply{Err: err.Error()}
		}
		desc, members, admin := rm.Inspect()
		return cluster.RoomOpReply{Description: desc, Members: members, Admin: admin}
	case cluster.OpRemoveMember:
		if err := rm.RemoveMember(req.Actor); err != nil {
			return cluster.RoomOpReply{Err: err.Error()}
		}
		desc, members, admin := rm.Inspect()
		return cluster.RoomOpReply{Description: desc, Members: members, Admin: admin}
	case cluster.OpSetDescription:
		rm.SetDescription(req.Description)
		return cluster.RoomOpReply{}
	case cluster.OpSetAdmin:
		rm.SetAdmin(req.Actor)
		return cluster.RoomOpReply{}
	case cluster.OpUpdateMember:
		rm.UpdateMember(req.Actor)
		return cluster.RoomOpReply{}
	case cluster.OpDelete:
		desc, members, admin := rm.Inspect()
		if err := r.roomMgr.Delete(ctx, rm); err != nil {
			return cluster.RoomOpReply{Err: err.Error()}
		}
		return cluster.RoomOpReply{Description: desc, Members: members, Admin: admin}
	case cluster.OpInspect:
		desc, members, admin := rm.Inspect()
		return cluster.RoomOpReply{Description: desc, Members: members, Admin: admin}
	case cluster.OpIsMember:
		return cluster.RoomOpReply{Bool: rm.IsMember(req.Actor)}
	case cluster.OpIsMemberByNumber:
		return cluster.RoomOpReply{Bool: rm.IsMemberByNumber(req.Number)}
	case cluster.OpIsAdmin:
		return cluster.RoomOpReply{Bool: rm.IsAdmin(req.Actor)}
	default:
		return cluster.RoomOpReply{Err: fmt.Sprintf("router: unknown op %q", req.Op)}
	}
}

// Deliver writes line to userNumber's socket if it's owned by this node.
func (r *Router) Deliver(userNumber, line string) error {
	u, ok := r.users.Get(userNumber)
	if !ok {
		return fmt.Errorf("router: deliver: %w", room.ErrMemberNotFound)
	}
	return u.Deliver(line)
}

// UserSnapshot satisfies cluster.LocalExecutor: it only ever answers for
// users owned by this node, which is all a remote peer should ask for.
func (r *Router) UserSnapshot(number string) (types.UserSnapshot, bool) {
	u, ok := r.users.Get(number)
	if !ok {
		return types.UserSnapshot{}, false
	}
	return u.Snapshot(), true
}
