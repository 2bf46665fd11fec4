package room

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/tinode/chatcluster/internal/types"
)

func snap(number string) types.UserSnapshot {
	return types.UserSnapshot{UserNumber: number, UserName: "user-" + number, Node: "node1"}
}

func TestNewRoomSeedsAdminAndMembers(t *testing.T) {
	owner := snap("1")
	extra := []types.UserSnapshot{snap("2"), snap("3")}
	r := New("general", Public, owner, "hello", extra)

	require.Equal(t, "general", r.Name())
	require.False(t, r.IsPrivate())
	require.True(t, r.IsAdmin(owner))
	require.Len(t, r.Members(), 3)
	require.Equal(t, "hello", r.Description())
}

func TestAddMemberRejectsDuplicate(t *testing.T) {
	owner := snap("1")
	r := New("general", Public, owner, "", nil)

	require.NoError(t, r.AddMember(snap("2")))
	require.ErrorIs(t, r.AddMember(snap("2")), ErrMemberAlreadyExists)
	require.Len(t, r.Members(), 2)
}

func TestRemoveMemberUnknownFails(t *testing.T) {
	r := New("general", Public, snap("1"), "", nil)
	require.ErrorIs(t, r.RemoveMember(snap("99")), ErrMemberNotFound)
}

func TestUpdateMemberRefreshesAdminToo(t *testing.T) {
	owner := snap("1")
	r := New("general", Public, owner, "", nil)

	renamed := owner
	renamed.UserName = "new-name"
	r.UpdateMember(renamed)

	require.Equal(t, "new-name", r.Admin().UserName)
	members := r.Members()
	require.Equal(t, "new-name", members[0].UserName)
}

func TestSetDescriptionNormalizesNFC(t *testing.T) {
	r := New("general", Public, snap("1"), "", nil)
	// "é" as e + combining acute (NFD) should normalize to the precomposed form (NFC).
	r.SetDescription("café")
	require.Equal(t, "café", r.Description())
}

func TestInspectIsConsistentSnapshot(t *testing.T) {
	owner := snap("1")
	extra := snap("2")
	r := New("general", Public, owner, "desc", []types.UserSnapshot{extra})
	desc, members, admin := r.Inspect()
	require.Equal(t, "desc", desc)
	require.Equal(t, owner, admin)

	want := []types.UserSnapshot{owner, extra}
	if diff := cmp.Diff(want, members); diff != "" {
		t.Fatalf("members mismatch (-want +got):\n%s", diff)
	}
}

func TestMemberCountReflectsSoleMemberRule(t *testing.T) {
	r := New("general", Public, snap("1"), "", nil)
	require.Equal(t, 1, r.MemberCount())
	require.NoError(t, r.AddMember(snap("2")))
	require.Equal(t, 2, r.MemberCount())
}
