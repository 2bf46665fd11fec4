// Package proto implements the line-oriented command grammar and response
// envelopes of spec.md section 6. The wire framing itself (how a line is
// read off the socket) is explicitly out of this specification's scope;
// this package only parses an already-read, already-trimmed line.
package proto

import (
	"strings"
)

// Kind identifies which grammar production a Command matched.
type Kind int

const (
	Unknown Kind = iota
	Login
	CreateRoom
	CreatePrivateRoom
	JoinRoom
	RoomLeave
	RoomRemoveMember
	RoomSetDescription
	RoomGetDescription
	RoomGetMembers
	RoomInspect
	RoomOnWhichNode
	RoomDelete
	RoomSend
	RoomInvite
	ListJoinedRooms
	ListAccessibleRooms
	GetMyself
	SetMyDescription
	SetMyUserName
	LogOut
)

var kindNames = map[Kind]string{
	Unknown:             "unknown",
	Login:               "login",
	CreateRoom:          "create_room",
	CreatePrivateRoom:   "create_private_room",
	JoinRoom:            "join_room",
	RoomLeave:           "room_leave",
	RoomRemoveMember:    "room_remove_member",
	RoomSetDescription:  "room_set_description",
	RoomGetDescription:  "room_get_description",
	RoomGetMembers:      "room_get_members",
	RoomInspect:         "room_inspect",
	RoomOnWhichNode:     "room_on_which_node",
	RoomDelete:          "room_delete",
	RoomSend:            "room_send",
	RoomInvite:          "room_invite",
	ListJoinedRooms:     "list_joined_rooms",
	ListAccessibleRooms: "list_accessible_rooms",
	GetMyself:           "get_myself",
	SetMyDescription:    "set_my_description",
	SetMyUserName:       "set_my_user_name",
	LogOut:              "log_out",
}

// String names k for logging and metric labels.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Command is a parsed command-grammar line.
type Command struct {
	Kind Kind

	UserNumber string // LOGIN, ROOM...REMOVE MEMBER, ROOM...INVITE
	UserName   string // LOGIN, SET MY USER NAME TO
	RoomName   string // every ROOM ... form, CREATE (PRIVATE) ROOM
	Text       string // free-text tail: description or message body
}

// Parse tokenizes line per spec.md section 6's grammar. Unrecognized input
// (including a blank line) yields a Command{Kind: Unknown}; it is the
// caller's job to turn that into "Unknown command !\r\n".
func Parse(line string) Command {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{Kind: Unknown}
	}

	upper := make([]string, len(fields))
	for i, f := range fields {
		upper[i] = strings.ToUpper(f)
	}

	switch {
	case upper[0] == "LOGIN" && len(fields) >= 3:
		return Command{Kind: Login, UserNumber: fields[1], UserName: strings.Join(fields[2:], " ")}

	case matches(upper, "CREATE", "ROOM") && len(fields) >= 3:
		return Command{Kind: CreateRoom, RoomName: fields[2]}

	case matches(upper, "CREATE", "PRIVATE", "ROOM") && len(fields) >= 4:
		return Command{Kind: CreatePrivateRoom, RoomName: fields[3]}

	case matches(upper, "JOIN", "ROOM") && len(fields) >= 3:
		return Command{Kind: JoinRoom, RoomName: fields[2]}

	case upper[0] == "ROOM" && len(fields) >= 3:
		return parseRoomCommand(fields, upper)

	case matches(upper, "LIST", "JOINED", "ROOMS"):
		return Command{Kind: ListJoinedRooms}

	case matches(upper, "LIST", "ACCESSIBLE", "ROOMS"):
		return Command{Kind: ListAccessibleRooms}

	case matches(upper, "GET", "MYSELF"):
		return Command{Kind: GetMyself}

	case hasPrefix(upper, "SET", "MY", "DESCRIPTION", "TO") && len(fields) >= 5:
		return Command{Kind: SetMyDescription, Text: strings.Join(fields[4:], " ")}

	case hasPrefix(upper, "SET", "MY", "USER", "NAME", "TO") && len(fields) >= 6:
		return Command{Kind: SetMyUserName, UserName: strings.Join(fields[5:], " ")}

	case matches(upper, "LOG", "OUT"):
		return Command{Kind: LogOut}

	default:
		return Command{Kind: Unknown}
	}
}

// parseRoomCommand handles every "ROOM <room_name> ..." form.
func parseRoomCommand(fields, upper []string) Command {
	roomName := fields[1]
	rest := upper[2:]

	switch {
	case matches(rest, "LEAVE"):
		return Command{Kind: RoomLeave, RoomName: roomName}

	case hasPrefix(rest, "REMOVE", "MEMBER") && len(fields) >= 5:
		return Command{Kind: RoomRemoveMember, RoomName: roomName, UserNumber: fields[4]}

	case hasPrefix(rest, "SET", "DESCRIPTION", "TO") && len(fields) >= 6:
		return Command{Kind: RoomSetDescription, RoomName: roomName, Text: strings.Join(fields[5:], " ")}

	case matches(rest, "GET", "DESCRIPTION"):
		return Command{Kind: RoomGetDescription, RoomName: roomName}

	case matches(rest, "GET", "MEMBERS"):
		return Command{Kind: RoomGetMembers, RoomName: roomName}

	case matches(rest, "INSPECT"):
		return Command{Kind: RoomInspect, RoomName: roomName}

	case hasPrefix(rest, "ON", "WHICH", "NODE") :
		return Command{Kind: RoomOnWhichNode, RoomName: roomName}

	case matches(rest, "DELETE"):
		return Command{Kind: RoomDelete, RoomName: roomName}

	case hasPrefix(rest, "SEND") && len(fields) >= 4:
		return Command{Kind: RoomSend, RoomName: roomName, Text: strings.Join(fields[3:], " ")}

	case hasPrefix(rest, "INVITE") && len(fields) >= 4:
		return Command{Kind: RoomInvite, RoomName: roomName, UserNumber: fields[3]}

	default:
		return Command{Kind: Unknown}
	}
}

func matches(upper []string, want ...string) bool {
	if len(upper) != len(want) {
		return false
	}
	return hasPrefix(upper, want...)
}

func hasPrefix(upper []string, want ...string) bool {
	if len(upper) < len(want) {
		return false
	}
	for i, w := range want {
		if upper[i] != w {
			return false
		}
	}
	return true
}
