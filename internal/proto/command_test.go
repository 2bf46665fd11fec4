package proto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLogin(t *testing.T) {
	cmd := Parse("LOGIN 07812345678 Alice")
	require.Equal(t, Login, cmd.Kind)
	require.Equal(t, "07812345678", cmd.UserNumber)
	require.Equal(t, "Alice", cmd.UserName)
}

func TestParseRoomSend(t *testing.T) {
	cmd := Parse("ROOM t SEND hello there friend")
	require.Equal(t, RoomSend, cmd.Kind)
	require.Equal(t, "t", cmd.RoomName)
	require.Equal(t, "hello there friend", cmd.Text)
}

func TestParseRoomOnWhichNode(t *testing.T) {
	cmd := Parse("ROOM devs ON WHICH NODE ?")
	require.Equal(t, RoomOnWhichNode, cmd.Kind)
	require.Equal(t, "devs", cmd.RoomName)
}

func TestParseRoomRemoveMember(t *testing.T) {
	cmd := Parse("ROOM devs REMOVE MEMBER 123")
	require.Equal(t, RoomRemoveMember, cmd.Kind)
	require.Equal(t, "devs", cmd.RoomName)
	require.Equal(t, "123", cmd.UserNumber)
}

func TestParseUnknown(t *testing.T) {
	require.Equal(t, Unknown, Parse("").Kind)
	require.Equal(t, Unknown, Parse("DANCE A JIG").Kind)
}

func TestResponseEnvelopes(t *testing.T) {
	require.Equal(t, "## hi ##\r\n", Direct("hi"))
	require.Equal(t, "(general): ## hi ##\r\n", RoomScoped("general", "hi"))
	require.Equal(t, "Alice (general): hello\r\n", ChatLine("Alice", "general", "hello"))
}
