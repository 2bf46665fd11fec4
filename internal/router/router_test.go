package router

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tinode/chatcluster/internal/cluster"
	"github.com/tinode/chatcluster/internal/registry"
	"github.com/tinode/chatcluster/internal/room"
	"github.com/tinode/chatcluster/internal/types"
	"github.com/tinode/chatcluster/internal/user"
)

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// twoNodeFixture wires up two full nodes (registry shared via one miniredis,
// each with its own Local/Manager/User Directory/Router/Cluster) so a test
// can exercise cross-node routing exactly the way two real chatnode
// processes would.
type twoNodeFixture struct {
	names *registry.Registry

	rtA, rtB         *Router
	usersA, usersB   *user.Directory
	localA, localB   *room.Local
	roomMgrA, roomMgrB *room.Manager
}

func newTwoNodeFixture(t *testing.T) *twoNodeFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	names := registry.New(rdb)

	localA, localB := room.NewLocal(), room.NewLocal()
	roomMgrA := room.NewManager("A", localA, names)
	roomMgrB := room.NewManager("B", localB, names)
	usersA := user.NewDirectory("A", names)
	usersB := user.NewDirectory("B", names)

	rtA := New("A", names, localA, roomMgrA, usersA)
	rtB := New("B", names, localB, roomMgrB, usersB)

	addrA, addrB := freePort(t), freePort(t)
	cfgA := cluster.Config{ThisName: "A", Nodes: []cluster.NodeConfig{{Name: "A", Addr: addrA}, {Name: "B", Addr: addrB}}}
	cfgB := cluster.Config{ThisName: "B", Nodes: []cluster.NodeConfig{{Name: "A", Addr: addrA}, {Name: "B", Addr: addrB}}}

	clA := cluster.New(cfgA, rtA, zap.NewNop().Sugar(), nil)
	clB := cluster.New(cfgB, rtB, zap.NewNop().Sugar(), nil)
	rtA.SetCluster(clA)
	rtB.SetCluster(clB)

	require.NoError(t, clA.Listen(addrA))
	require.NoError(t, clB.Listen(addrB))
	t.Cleanup(func() { clA.Shutdown(); clB.Shutdown() })

	return &twoNodeFixture{
		names: names,
		rtA: rtA, rtB: rtB,
		usersA: usersA, usersB: usersB,
		localA: localA, localB: localB,
		roomMgrA: roomMgrA, roomMgrB: roomMgrB,
	}
}

// waitConnected blocks until A's outbound RPC connection to B is up, by
// retrying a real cross-node call against a warmup room created on B —
// since a registered room always resolves to B, the only expected failure
// mode is "not connected", not "no room".
func (f *twoNodeFixture) waitConnected(t *testing.T, ctx context.Context) {
	t.Helper()
	owner := types.UserSnapshot{UserNumber: "+447700900999", Node: "B"}
	_, err := f.roomMgrB.Create(ctx, "warmup", room.Public, owner, "", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, _, _, err := f.rtA.Inspect(ctx, "warmup")
		return err == nil
	}, 4*time.Second, 50*time.Millisecond)
}

func TestRouterDispatchesPublicRoomOpsToOwningNode(t *testing.T) {
	ctx := context.Background()
	f := newTwoNodeFixture(t)
	f.waitConnected(t, ctx)

	owner := types.UserSnapshot{UserNumber: "+447700900001", UserName: "alice", Node: "B"}
	_, err := f.roomMgrB.Create(ctx, "general", room.Public, owner, "hi", nil)
	require.NoError(t, err)

	// A doesn't host "general" — a request from A must be routed to B.
	node := f.rtA.GetNode(ctx, "general")
	require.Equal(t, types.NodeID("B"), node)

	member := types.UserSnapshot{UserNumber: "+447700900002", UserName: "bob", Node: "A"}
	_, err = f.rtA.AddMember(ctx, "general", member)
	require.NoError(t, err)

	desc, members, admin := mustInspect(t, f.rtA, ctx, "general")
	require.Equal(t, "hi", desc)
	require.Len(t, members, 2)
	require.Equal(t, owner, admin)
}

func mustInspect(t *testing.T, r *Router, ctx context.Context, room string) (string, []types.UserSnapshot, types.UserSnapshot) {
	t.Helper()
	desc, members, admin, err := r.Inspect(ctx, room)
	require.NoError(t, err)
	return desc, members, admin
}

func TestRouterPrivateRoomStaysLocalNoClusterLookup(t *testing.T) {
	ctx := context.Background()
	f := newTwoNodeFixture(t)

	owner := types.UserSnapshot{UserNumber: "+447700900001", UserName: "alice", Node: "A"}
	_, err := f.roomMgrA.Create(ctx, "friends", room.Private, owner, "", nil)
	require.NoError(t, err)

	node := f.rtA.GetNode(ctx, "friends"+types.PrivateSuffix)
	require.Equal(t, types.NodeID(""), node, "private rooms never have a cluster registry entry")

	isMember, err := f.rtA.IsMemberByNumber(ctx, "friends"+types.PrivateSuffix, owner.UserNumber)
	require.NoError(t, err)
	require.True(t, isMember)
}

func TestRouterLookupUserFindsRemoteUser(t *testing.T) {
	ctx := context.Background()
	f := newTwoNodeFixture(t)
	f.waitConnected(t, ctx)

	_, err := f.usersB.Create(ctx, "+447700900099", "Carol", noopConn{}, "")
	require.NoError(t, err)

	snap, ok, err := f.rtA.LookupUser(ctx, "+447700900099")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Carol", snap.UserName)
	require.Equal(t, types.NodeID("B"), snap.Node)
}

type noopConn struct{}

func (noopConn) Deliver(string) error { return nil }
