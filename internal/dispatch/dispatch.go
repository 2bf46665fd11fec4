// Package dispatch implements the Command Dispatcher (spec.md section
// 4.6): translates parsed commands into Router/Room/User operations and
// produces the response envelopes spec.md section 6 defines.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ttacon/libphonenumber"
	"go.uber.org/zap"

	"github.com/tinode/chatcluster/internal/cluster"
	"github.com/tinode/chatcluster/internal/fanout"
	"github.com/tinode/chatcluster/internal/metrics"
	"github.com/tinode/chatcluster/internal/proto"
	"github.com/tinode/chatcluster/internal/registry"
	"github.com/tinode/chatcluster/internal/room"
	"github.com/tinode/chatcluster/internal/router"
	"github.com/tinode/chatcluster/internal/types"
	"github.com/tinode/chatcluster/internal/user"
)

// defaultRegion is the phone-number region assumed when a user_number
// carries no country code, matching the UK-mobile-shaped numbers in
// spec.md's own scenarios (e.g. "07812345678").
const defaultRegion = "GB"

// Result is what a dispatched command produces for the Connection Session
// to act on: at most one direct reply to the caller (the broadcast, if
// any, has already been sent via Fanout by the time Handle returns).
type Result struct {
	Direct     string
	LoggedIn   *user.User // set on successful LOGIN
	LoggedOut  bool       // set on successful LOG OUT
	CloseAfter bool       // set on a protocol-fatal condition
}

// Dispatcher wires together the Router, the local User Directory and the
// Broadcast Fanout to carry out spec.md section 4.6's dispatch rules.
type Dispatcher struct {
	self    types.NodeID
	names   *registry.Registry
	local   *room.Local
	roomMgr *room.Manager
	rt      *router.Router
	users   *user.Directory
	fan     *fanout.Fanout
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics // nil in tests that don't care about metrics
}

// New builds a Dispatcher. m may be nil, in which case command counting is
// skipped.
func New(self types.NodeID, names *registry.Registry, local *room.Local, roomMgr *room.Manager, rt *router.Router, users *user.Directory, fan *fanout.Fanout, logger *zap.SugaredLogger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{self: self, names: names, local: local, roomMgr: roomMgr, rt: rt, users: users, fan: fan, logger: logger, metrics: m}
}

// Handle executes cmd on behalf of caller, which is nil only for LOGIN
// (the session loop enforces the login gate before ever calling Handle for
// any other command).
func (d *Dispatcher) Handle(ctx context.Context, conn user.Conn, caller *user.User, cmd proto.Command) Result {
	if d.metrics != nil {
		d.metrics.CommandsTotal.WithLabelValues(cmd.Kind.String()).Inc()
	}
	switch cmd.Kind {
	case proto.Login:
		return d.login(ctx, conn, cmd)
	case proto.CreateRoom:
		return d.createRoom(ctx, caller, cmd.RoomName, room.Public)
	case proto.CreatePrivateRoom:
		return d.createRoom(ctx, caller, cmd.RoomName, room.Private)
	case proto.JoinRoom:
		return d.joinRoom(ctx, caller, cmd.RoomName)
	case proto.RoomLeave:
		return d.roomLeave(ctx, caller, cmd.RoomName)
	case proto.RoomRemoveMember:
		return d.roomRemoveMember(ctx, caller, cmd.RoomName, cmd.UserNumber)
	case proto.RoomSetDescription:
		return d.roomSetDescription(ctx, caller, cmd.RoomName, cmd.Text)
	case proto.RoomGetDescription:
		return d.roomGetDescription(ctx, caller, cmd.RoomName)
	case proto.RoomGetMembers:
		return d.roomGetMembers(ctx, caller, cmd.RoomName)
	case proto.RoomInspect:
		return d.roomInspect(ctx, caller, cmd.RoomName)
	case proto.RoomOnWhichNode:
		return d.roomOnWhichNode(ctx, cmd.RoomName)
	case proto.RoomDelete:
		return d.roomDelete(ctx, caller, cmd.RoomName)
	case proto.RoomSend:
		return d.roomSend(ctx, caller, cmd.RoomName, cmd.Text)
	case proto.RoomInvite:
		return d.roomInvite(ctx, caller, cmd.RoomName, cmd.UserNumber)
	case proto.ListJoinedRooms:
		return d.listJoinedRooms(ctx, caller)
	case proto.ListAccessibleRooms:
		return d.listAccessibleRooms(ctx)
	case proto.GetMyself:
		return d.getMyself(caller)
	case proto.SetMyDescription:
		return d.setMyDescription(ctx, caller, cmd.Text)
	case proto.SetMyUserName:
		return d.setMyUserName(ctx, caller, cmd.UserName)
	case proto.LogOut:
		return d.logOut(ctx, caller)
	default:
		return Result{Direct: proto.UnknownCommand}
	}
}

// --- LOGIN / LOG OUT -------------------------------------------------------

func (d *Dispatcher) login(ctx context.Context, conn user.Conn, cmd proto.Command) Result {
	number := cmd.UserNumber
	parsed, err := libphonenumber.Parse(number, defaultRegion)
	if err != nil || !libphonenumber.IsValidNumber(parsed) {
		return Result{Direct: proto.Direct(fmt.Sprintf("'%s' is not a valid user number", number))}
	}

	u, err := d.users.Create(ctx, number, cmd.UserName, conn, "")
	if err != nil {
		switch {
		case errors.Is(err, user.ErrUserAlreadyLoggedIn):
			return Result{Direct: proto.Direct(fmt.Sprintf("User %s is already logged in", number))}
		case errors.Is(err, user.ErrSomeoneElseAlreadyLoggedIn):
			return Result{Direct: proto.Direct("This connection is already logged in as someone else")}
		default:
			d.logger.Errorw("login failed", "number", number, "err", err)
			return Result{Direct: proto.Direct("Login failed")}
		}
	}

	return Result{
		Direct:   proto.Direct(fmt.Sprintf("We welcome the glorious %s !", cmd.UserName)),
		LoggedIn: u,
	}
}

func (d *Dispatcher) logOut(ctx context.Context, caller *user.User) Result {
	d.leaveEveryRoom(ctx, caller)
	if err := d.users.Delete(ctx, caller.Snapshot().UserNumber); err != nil {
		d.logger.Errorw("logout: delete failed", "err", err)
	}
	return Result{Direct: proto.Direct("Goodbye"), LoggedOut: true}
}

// leaveEveryRoom runs the LEAVE flow (with admin-transfer semantics) against
// every room caller belongs to — used by both LOG OUT and connection-close
// cleanup (spec.md section 9's open question: a dropped connection must
// run the LOG OUT flow).
func (d *Dispatcher) leaveEveryRoom(ctx context.Context, caller *user.User) {
	number := caller.Snapshot().UserNumber

	publicEntries, publicHandles, err := d.names.Enumerate(ctx, types.EntryRoom)
	if err == nil {
		for i, e := range publicEntries {
			isMember, err := d.rt.IsMemberByNumber(ctx, e.RoomName, number)
			if err != nil || !isMember {
				continue
			}
			_ = publicHandles[i]
			d.roomLeave(ctx, caller, e.RoomName)
		}
	}

	var privateNames []string
	d.local.Range(func(name string, r *room.Room) bool {
		if r.IsPrivate() && r.IsMemberByNumber(number) {
			privateNames = append(privateNames, name)
		}
		return true
	})
	for _, name := range privateNames {
		d.roomLeave(ctx, caller, name)
	}
}

// --- CREATE ROOM / CREATE PRIVATE ROOM -------------------------------------

func (d *Dispatcher) createRoom(ctx context.Context, caller *user.User, name string, kind room.Kind) Result {
	owner := caller.Snapshot()
	_, err := d.roomMgr.Create(ctx, name, kind, owner, "", nil)
	if err != nil {
		if errors.Is(err, room.ErrRoomAlreadyExists) || errors.Is(err, registry.ErrAlreadyRegistered) {
			scope := "public"
			if kind == room.Private {
				scope = "private"
			}
			return Result{Direct: proto.Direct(fmt.Sprintf("Name '%s' is taken by an already existing %s room.", name, scope))}
		}
		d.logger.Errorw("create room failed", "room", name, "err", err)
		return Result{Direct: proto.Direct("Could not create room")}
	}
	return Result{Direct: proto.Direct(fmt.Sprintf("Room '%s' created", name))}
}

// --- JOIN ROOM ---------------------------------------------------------------

func (d *Dispatcher) joinRoom(ctx context.Context, caller *user.User, name string) Result {
	if types.IsPrivateName(name) {
		return Result{Direct: proto.Direct("You can't join a private room")}
	}

	me := caller.Snapshot()
	reply, err := d.rt.AddMember(ctx, name, me)
	if err != nil {
		if errors.Is(err, router.ErrRoomNotFound) {
			return Result{Direct: proto.Direct(fmt.Sprintf("Room '%s' not found", name))}
		}
		d.logger.Errorw("join room failed", "room", name, "err", err)
		return Result{Direct: proto.Direct("Could not join room")}
	}
	if reply.Err != "" {
		return Result{Direct: proto.Direct(describeErr(reply.Err))}
	}

	d.fan.Deliver(ctx, reply.Members, proto.RoomScoped(name, fmt.Sprintf("%s has joined", me.UserName)))
	return Result{}
}

// --- ROOM ... LEAVE -----------------------------------------------------------

func (d *Dispatcher) roomLeave(ctx context.Context, caller *user.User, name string) Result {
	me := caller.Snapshot()

	if types.IsPrivateName(name) {
		rm, ok := d.local.Lookup(name)
		if !ok {
			return Result{Direct: proto.Direct(fmt.Sprintf("Room '%s' not found", name))}
		}
		if rm.MemberCount() <= 1 {
			return d.roomDelete(ctx, caller, name)
		}

		wasAdmin := rm.IsAdmin(me)
		members := rm.Members()
		if err := d.rt.ApplyToAllMembers(ctx, name, members, cluster.RoomOpRequest{Op: cluster.OpRemoveMember, Actor: me}); err != nil {
			d.logger.Errorw("leave: fanout remove_member failed", "room", name, "err", err)
		}

		if wasAdmin {
			remaining, ok := firstRemaining(members, me.UserNumber)
			if ok {
				if err := d.rt.ApplyToAllMembers(ctx, name, members, cluster.RoomOpRequest{Op: cluster.OpSetAdmin, Actor: remaining}); err != nil {
					d.logger.Errorw("leave: fanout set_admin failed", "room", name, "err", err)
				}
			}
		}

		d.fan.Deliver(ctx, remainingMembers(members, me.UserNumber), proto.RoomScoped(name, fmt.Sprintf("%s has left", me.UserName)))
		return Result{Direct: proto.RoomScoped(name, "left")}
	}

	desc, members, admin := mustInspect(ctx, d.rt, name)
	if len(members) <= 1 {
		return d.roomDelete(ctx, caller, name)
	}

	if _, err := d.rt.RemoveMember(ctx, name, me); err != nil {
		d.logger.Errorw("leave: remove_member failed", "room", name, "err", err)
		return Result{Direct: proto.Direct("Could not leave room")}
	}

	if admin.SameNumber(me.UserNumber) {
		newAdmin, ok := firstRemaining(members, me.UserNumber)
		if ok {
			remainingWithoutNewAdmin := remainingMembers(remainingMembers(members, me.UserNumber), newAdmin.UserNumber)
			if _, err := d.rt.Delete(ctx, name); err != nil {
				d.logger.Errorw("leave: migration delete failed", "room", name, "err", err)
			}
			if _, err := d.rt.RouteTo(ctx, newAdmin.Node, cluster.RoomOpRequest{
				Op:          cluster.OpCreate,
				RoomName:    name,
				Kind:        "public",
				Owner:       newAdmin,
				Description: desc,
				Extra:       remainingWithoutNewAdmin,
			}); err != nil {
				d.logger.Errorw("leave: migration create failed", "room", name, "node", newAdmin.Node, "err", err)
			}
		}
	}

	d.fan.Deliver(ctx, remainingMembers(members, me.UserNumber), proto.RoomScoped(name, fmt.Sprintf("%s has left", me.UserName)))
	return Result{Direct: proto.RoomScoped(name, "left")}
}

// --- ROOM ... REMOVE MEMBER ----------------------------------------------------

func (d *Dispatcher) roomRemoveMember(ctx context.Context, caller *user.User, name, targetNumber string) Result {
	me := caller.Snapshot()
	if me.UserNumber == targetNumber {
		return Result{Direct: proto.RoomScoped(name, "You cannot remove yourself, use ROOM ... LEAVE")}
	}

	isAdmin, err := d.rt.IsAdmin(ctx, name, me)
	if err != nil {
		return Result{Direct: proto.Direct(describeRouteErr(err))}
	}
	if !isAdmin {
		return Result{Direct: proto.RoomScoped(name, "Only the admin can remove members")}
	}

	target := types.UserSnapshot{UserNumber: targetNumber}

	if types.IsPrivateName(name) {
		rm, ok := d.local.Lookup(name)
		if !ok {
			return Result{Direct: proto.Direct(fmt.Sprintf("Room '%s' not found", name))}
		}
		members := rm.Members()
		if err := d.rt.ApplyToAllMembers(ctx, name, members, cluster.RoomOpRequest{Op: cluster.OpRemoveMember, Actor: target}); err != nil {
			d.logger.Errorw("remove_member: fanout failed", "room", name, "err", err)
		}
		d.fan.Deliver(ctx, remainingMembers(members, targetNumber), proto.RoomScoped(name, fmt.Sprintf("%s was removed", targetNumber)))
		return Result{Direct: proto.RoomScoped(name, "removed")}
	}

	_, members, _ := mustInspect(ctx, d.rt, name)
	if _, err := d.rt.RemoveMember(ctx, name, target); err != nil {
		d.logger.Errorw("remove_member failed", "room", name, "err", err)
		return Result{Direct: proto.Direct("Could not remove member")}
	}
	d.fan.Deliver(ctx, remainingMembers(members, targetNumber), proto.RoomScoped(name, fmt.Sprintf("%s was removed", targetNumber)))
	return Result{Direct: proto.RoomScoped(name, "removed")}
}

// --- ROOM ... SET DESCRIPTION TO ... -------------------------------------------

func (d *Dispatcher) roomSetDescription(ctx context.Context, caller *user.User, name, text string) Result {
	me := caller.Snapshot()
	isAdmin, err := d.rt.IsAdmin(ctx, name, me)
	if err != nil {
		return Result{Direct: proto.Direct(describeRouteErr(err))}
	}
	if !isAdmin {
		return Result{Direct: proto.RoomScoped(name, "Only the admin can set the description")}
	}

	if types.IsPrivateName(name) {
		rm, ok := d.local.Lookup(name)
		if !ok {
			return Result{Direct: proto.Direct(fmt.Sprintf("Room '%s' not found", name))}
		}
		members := rm.Members()
		if err := d.rt.ApplyToAllMembers(ctx, name, members, cluster.RoomOpRequest{Op: cluster.OpSetDescription, Description: text}); err != nil {
			d.logger.Errorw("set_description: fanout failed", "room", name, "err", err)
		}
		d.fan.Deliver(ctx, members, proto.RoomScoped(name, fmt.Sprintf("description set to %s", text)))
		return Result{}
	}

	if _, err := d.rt.SetDescription(ctx, name, text); err != nil {
		d.logger.Errorw("set_description failed", "room", name, "err", err)
		return Result{Direct: proto.Direct("Could not set description")}
	}
	_, members, _ := mustInspect(ctx, d.rt, name)
	d.fan.Deliver(ctx, members, proto.RoomScoped(name, fmt.Sprintf("description set to %s", text)))
	return Result{}
}

// --- ROOM ... GET DESCRIPTION / GET MEMBERS / INSPECT --------------------------

func (d *Dispatcher) roomGetDescription(ctx context.Context, caller *user.User, name string) Result {
	me := caller.Snapshot()
	member, err := d.rt.IsMemberByNumber(ctx, name, me.UserNumber)
	if err != nil {
		return Result{Direct: proto.Direct(describeRouteErr(err))}
	}
	if !member {
		return Result{Direct: proto.RoomScoped(name, "You are not a member of this room")}
	}
	desc, _, _ := mustInspect(ctx, d.rt, name)
	return Result{Direct: proto.RoomScoped(name, desc)}
}

func (d *Dispatcher) roomGetMembers(ctx context.Context, caller *user.User, name string) Result {
	me := caller.Snapshot()
	member, err := d.rt.IsMemberByNumber(ctx, name, me.UserNumber)
	if err != nil {
		return Result{Direct: proto.Direct(describeRouteErr(err))}
	}
	if !member {
		return Result{Direct: proto.RoomScoped(name, "You are not a member of this room")}
	}
	_, members, _ := mustInspect(ctx, d.rt, name)
	return Result{Direct: proto.RoomScoped(name, formatMembers(members))}
}

func (d *Dispatcher) roomInspect(ctx context.Context, caller *user.User, name string) Result {
	me := caller.Snapshot()
	member, err := d.rt.IsMemberByNumber(ctx, name, me.UserNumber)
	if err != nil {
		return Result{Direct: proto.Direct(describeRouteErr(err))}
	}
	if !member {
		return Result{Direct: proto.RoomScoped(name, "You are not a member of this room")}
	}
	desc, members, admin := mustInspect(ctx, d.rt, name)
	return Result{Direct: proto.RoomScoped(name, fmt.Sprintf("description=%q admin=%s members=%s", desc, admin.UserNumber, formatMembers(members)))}
}

// --- ROOM ... ON WHICH NODE ? --------------------------------------------------

func (d *Dispatcher) roomOnWhichNode(ctx context.Context, name string) Result {
	if types.IsPrivateName(name) {
		return Result{Direct: proto.RoomScoped(name, "nil")}
	}
	node := d.rt.GetNode(ctx, name)
	if node.IsZero() {
		return Result{Direct: proto.RoomScoped(name, "nil")}
	}
	return Result{Direct: proto.RoomScoped(name, string(node))}
}

// --- ROOM ... DELETE -----------------------------------------------------------

func (d *Dispatcher) roomDelete(ctx context.Context, caller *user.User, name string) Result {
	me := caller.Snapshot()
	isAdmin, err := d.rt.IsAdmin(ctx, name, me)
	if err != nil {
		if errors.Is(err, router.ErrRoomNotFound) {
			return Result{Direct: proto.Direct(fmt.Sprintf("Room '%s' not found", name))}
		}
		return Result{Direct: proto.Direct(describeRouteErr(err))}
	}
	if !isAdmin {
		return Result{Direct: proto.RoomScoped(name, "Only the admin can delete the room")}
	}

	if types.IsPrivateName(name) {
		rm, ok := d.local.Lookup(name)
		if !ok {
			return Result{Direct: proto.Direct(fmt.Sprintf("Room '%s' not found", name))}
		}
		members := rm.Members()
		if err := d.rt.ApplyToAllMembers(ctx, name, members, cluster.RoomOpRequest{Op: cluster.OpDelete}); err != nil {
			d.logger.Errorw("delete: fanout failed", "room", name, "err", err)
		}
		d.fan.Deliver(ctx, members, proto.RoomScoped(name, "room deleted"))
		return Result{}
	}

	_, members, _ := mustInspect(ctx, d.rt, name)
	if _, err := d.rt.Delete(ctx, name); err != nil {
		d.logger.Errorw("delete failed", "room", name, "err", err)
		return Result{Direct: proto.Direct("Could not delete room")}
	}
	d.fan.Deliver(ctx, members, proto.RoomScoped(name, "room deleted"))
	return Result{}
}

// --- ROOM ... SEND -------------------------------------------------------------

func (d *Dispatcher) roomSend(ctx context.Context, caller *user.User, name, text string) Result {
	me := caller.Snapshot()
	member, err := d.rt.IsMemberByNumber(ctx, name, me.UserNumber)
	if err != nil {
		return Result{Direct: proto.Direct(describeRouteErr(err))}
	}
	if !member {
		return Result{Direct: proto.RoomScoped(name, "You are not a member of this room")}
	}
	_, members, _ := mustInspect(ctx, d.rt, name)
	d.fan.Deliver(ctx, members, proto.ChatLine(me.UserName, name, text))
	return Result{}
}

// --- ROOM ... INVITE -----------------------------------------------------------

func (d *Dispatcher) roomInvite(ctx context.Context, caller *user.User, name, targetNumber string) Result {
	me := caller.Snapshot()
	member, err := d.rt.IsMemberByNumber(ctx, name, me.UserNumber)
	if err != nil {
		return Result{Direct: proto.Direct(describeRouteErr(err))}
	}
	if !member {
		return Result{Direct: proto.RoomScoped(name, "You are not a member of this room")}
	}

	invitee, found, err := d.rt.LookupUser(ctx, targetNumber)
	if err != nil {
		d.logger.Errorw("invite: user lookup failed", "number", targetNumber, "err", err)
		return Result{Direct: proto.Direct("Could not look up user")}
	}
	if !found {
		return Result{Direct: proto.RoomScoped(name, fmt.Sprintf("User '%s' not found", targetNumber))}
	}

	alreadyMember, err := d.rt.IsMemberByNumber(ctx, name, targetNumber)
	if err != nil {
		return Result{Direct: proto.Direct(describeRouteErr(err))}
	}
	if alreadyMember {
		return Result{Direct: proto.RoomScoped(name, fmt.Sprintf("%s is already a member", targetNumber))}
	}

	if !types.IsPrivateName(name) {
		reply, err := d.rt.AddMember(ctx, name, invitee)
		if err != nil || reply.Err != "" {
			d.logger.Errorw("invite: add_member failed", "room", name, "err", err)
			return Result{Direct: proto.Direct("Could not invite user")}
		}
		d.fan.Deliver(ctx, append([]types.UserSnapshot{invitee}, priorMembers(reply.Members, invitee.UserNumber)...),
			proto.RoomScoped(name, fmt.Sprintf("%s was invited", invitee.UserName)))
		return Result{}
	}

	rm, ok := d.local.Lookup(name)
	if !ok {
		return Result{Direct: proto.Direct(fmt.Sprintf("Room '%s' not found", name))}
	}
	priorMembersList := rm.Members()
	if err := rm.AddMember(invitee); err != nil {
		d.logger.Errorw("invite: local add_member failed", "room", name, "err", err)
		return Result{Direct: proto.Direct("Could not invite user")}
	}
	desc := rm.Description()
	admin := rm.Admin()
	postMembersList := rm.Members()

	if _, err := d.rt.RouteTo(ctx, invitee.Node, cluster.RoomOpRequest{
		Op:          cluster.OpCreate,
		RoomName:    name,
		Kind:        "private",
		Owner:       admin,
		Description: desc,
		Extra:       remainingMembers(postMembersList, admin.UserNumber),
	}); err != nil {
		d.logger.Errorw("invite: spawn replica failed", "room", name, "node", invitee.Node, "err", err)
	}

	if err := d.rt.ApplyToAllMembers(ctx, name, priorMembersList, cluster.RoomOpRequest{Op: cluster.OpAddMember, Actor: invitee}); err != nil {
		d.logger.Errorw("invite: fanout add_member failed", "room", name, "err", err)
	}

	d.fan.Deliver(ctx, append([]types.UserSnapshot{invitee}, priorMembersList...), proto.RoomScoped(name, fmt.Sprintf("%s was invited", invitee.UserName)))
	return Result{}
}

// --- profile & listing commands ------------------------------------------------

func (d *Dispatcher) getMyself(caller *user.User) Result {
	me := caller.Snapshot()
	return Result{Direct: proto.Direct(fmt.Sprintf("%s (%s) %s", me.UserName, me.UserNumber, me.Description))}
}

func (d *Dispatcher) setMyDescription(ctx context.Context, caller *user.User, text string) Result {
	caller.SetDescription(text)
	d.propagateProfileChange(ctx, caller)
	return Result{Direct: proto.Direct("Description updated")}
}

func (d *Dispatcher) setMyUserName(ctx context.Context, caller *user.User, text string) Result {
	caller.SetUserName(text)
	d.propagateProfileChange(ctx, caller)
	return Result{Direct: proto.Direct("User name updated")}
}

// propagateProfileChange walks every room caller belongs to and calls
// update_member with the refreshed snapshot (spec.md section 4.6).
func (d *Dispatcher) propagateProfileChange(ctx context.Context, caller *user.User) {
	me := caller.Snapshot()

	publicEntries, _, err := d.names.Enumerate(ctx, types.EntryRoom)
	if err == nil {
		for _, e := range publicEntries {
			isMember, err := d.rt.IsMemberByNumber(ctx, e.RoomName, me.UserNumber)
			if err != nil || !isMember {
				continue
			}
			if _, err := d.rt.UpdateMember(ctx, e.RoomName, me); err != nil {
				d.logger.Errorw("update_member failed", "room", e.RoomName, "err", err)
			}
		}
	}

	var privateNames []string
	d.local.Range(func(name string, r *room.Room) bool {
		if r.IsPrivate() && r.IsMemberByNumber(me.UserNumber) {
			privateNames = append(privateNames, name)
		}
		return true
	})
	for _, name := range privateNames {
		rm, ok := d.local.Lookup(name)
		if !ok {
			continue
		}
		members := rm.Members()
		if err := d.rt.ApplyToAllMembers(ctx, name, members, cluster.RoomOpRequest{Op: cluster.OpUpdateMember, Actor: me}); err != nil {
			d.logger.Errorw("update_member fanout failed", "room", name, "err", err)
		}
	}
}

func (d *Dispatcher) listJoinedRooms(ctx context.Context, caller *user.User) Result {
	me := caller.Snapshot()
	var names []string

	publicEntries, _, err := d.names.Enumerate(ctx, types.EntryRoom)
	if err == nil {
		for _, e := range publicEntries {
			isMember, err := d.rt.IsMemberByNumber(ctx, e.RoomName, me.UserNumber)
			if err == nil && isMember {
				names = append(names, e.RoomName)
			}
		}
	}

	d.local.Range(func(name string, r *room.Room) bool {
		if r.IsPrivate() && r.IsMemberByNumber(me.UserNumber) {
			names = append(names, name)
		}
		return true
	})

	return Result{Direct: proto.Direct(strings.Join(names, ", "))}
}

func (d *Dispatcher) listAccessibleRooms(ctx context.Context) Result {
	entries, _, err := d.names.Enumerate(ctx, types.EntryRoom)
	if err != nil {
		d.logger.Errorw("list accessible rooms failed", "err", err)
		return Result{Direct: proto.Direct("Could not list rooms")}
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.RoomName
	}
	return Result{Direct: proto.Direct(strings.Join(names, ", "))}
}

// --- helpers --------------------------------------------------------------

func mustInspect(ctx context.Context, rt *router.Router, name string) (string, []types.UserSnapshot, types.UserSnapshot) {
	desc, members, admin, err := rt.Inspect(ctx, name)
	if err != nil {
		return "", nil, types.UserSnapshot{}
	}
	return desc, members, admin
}

func firstRemaining(members []types.UserSnapshot, excludeNumber string) (types.UserSnapshot, bool) {
	for _, m := range members {
		if m.UserNumber != excludeNumber {
			return m, true
		}
	}
	return types.UserSnapshot{}, false
}

func remainingMembers(members []types.UserSnapshot, excludeNumber string) []types.UserSnapshot {
	out := make([]types.UserSnapshot, 0, len(members))
	for _, m := range members {
		if m.UserNumber != excludeNumber {
			out = append(out, m)
		}
	}
	return out
}

func priorMembers(members []types.UserSnapshot, excludeNumber string) []types.UserSnapshot {
	return remainingMembers(members, excludeNumber)
}

func formatMembers(members []types.UserSnapshot) string {
	names := make([]string, len(members))
	for i, m := range members {
		names[i] = m.UserName
	}
	return strings.Join(names, ", ")
}

func describeErr(code string) string {
	return code
}

func describeRouteErr(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

