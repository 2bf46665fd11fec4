package room

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tinode/chatcluster/internal/registry"
	"github.com/tinode/chatcluster/internal/types"
)

func newTestManager(t *testing.T, self types.NodeID) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	reg := registry.New(rdb)
	return NewManager(self, NewLocal(), reg)
}

func TestLocalRegisterUniqueRejectsDuplicateName(t *testing.T) {
	local := NewLocal()
	r1 := New("general", Public, snap("1"), "", nil)
	r2 := New("general", Public, snap("2"), "", nil)

	require.NoError(t, local.RegisterUnique("general", r1))
	require.ErrorIs(t, local.RegisterUnique("general", r2), ErrRoomAlreadyExists)

	got, ok := local.Lookup("general")
	require.True(t, ok)
	require.Same(t, r1, got)
}

func TestManagerCreatePublicRegistersClusterWide(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, "node1")

	r, err := mgr.Create(ctx, "general", Public, snap("1"), "hi", nil)
	require.NoError(t, err)
	require.Equal(t, "general", r.Name())
	require.Equal(t, 1, mgr.local.Count())

	h, ok, err := mgr.cluster.Lookup(ctx, types.Entry{Kind: types.EntryRoom, RoomName: "general"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.NodeID("node1"), h.Node)

	_, err = mgr.Create(ctx, "general", Public, snap("2"), "", nil)
	require.ErrorIs(t, err, ErrRoomAlreadyExists)
	// The duplicate is rejected by the local index and leaves the original in place.
	require.Equal(t, 1, mgr.local.Count())
}

func TestManagerCreatePrivateAppendsSuffixAndSkipsCluster(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, "node1")

	r, err := mgr.Create(ctx, "friends", Private, snap("1"), "", nil)
	require.NoError(t, err)
	require.Equal(t, "friends"+types.PrivateSuffix, r.Name())

	_, ok := mgr.local.Lookup("friends" + types.PrivateSuffix)
	require.True(t, ok)

	_, ok, err = mgr.cluster.Lookup(ctx, types.Entry{Kind: types.EntryRoom, RoomName: "friends" + types.PrivateSuffix})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestManagerDeleteRemovesFromBothRegistries(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, "node1")

	r, err := mgr.Create(ctx, "general", Public, snap("1"), "", nil)
	require.NoError(t, err)

	require.NoError(t, mgr.Delete(ctx, r))
	_, ok := mgr.local.Lookup("general")
	require.False(t, ok)

	// Creating again under the same name must now succeed.
	_, err = mgr.Create(ctx, "general", Public, snap("2"), "", nil)
	require.NoError(t, err)
}
