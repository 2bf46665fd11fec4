package registry

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tinode/chatcluster/internal/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb)
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	entry := types.Entry{Kind: types.EntryRoom, RoomName: "general"}
	require.NoError(t, r.Register(ctx, entry, types.Handle{Node: "nodeA"}))

	err := r.Register(ctx, entry, types.Handle{Node: "nodeB"})
	require.ErrorIs(t, err, ErrAlreadyRegistered)

	h, ok, err := r.Lookup(ctx, entry)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.NodeID("nodeA"), h.Node)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	entry := types.Entry{Kind: types.EntryUser, UserNumber: "07812345678"}

	require.NoError(t, r.Unregister(ctx, entry))

	require.NoError(t, r.Register(ctx, entry, types.Handle{Node: "nodeA"}))
	require.NoError(t, r.Unregister(ctx, entry))
	require.NoError(t, r.Unregister(ctx, entry))

	_, ok, err := r.Lookup(ctx, entry)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEnumerateReturnsAllLiveEntries(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	require.NoError(t, r.Register(ctx, types.Entry{Kind: types.EntryRoom, RoomName: "general"}, types.Handle{Node: "nodeA"}))
	require.NoError(t, r.Register(ctx, types.Entry{Kind: types.EntryRoom, RoomName: "devs"}, types.Handle{Node: "nodeB"}))

	entries, handles, err := r.Enumerate(ctx, types.EntryRoom)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Len(t, handles, 2)

	require.NoError(t, r.Unregister(ctx, types.Entry{Kind: types.EntryRoom, RoomName: "devs"}))
	entries, _, err = r.Enumerate(ctx, types.EntryRoom)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "general", entries[0].RoomName)
}
