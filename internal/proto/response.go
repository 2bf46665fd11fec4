package proto

import "fmt"

// Direct formats a direct reply: "## <text> ##\r\n" (spec.md section 6).
func Direct(text string) string {
	return fmt.Sprintf("## %s ##\r\n", text)
}

// RoomScoped formats a room-scoped reply: "(<room_name>): ## <text> ##\r\n".
func RoomScoped(roomName, text string) string {
	return fmt.Sprintf("(%s): ## %s ##\r\n", roomName, text)
}

// ChatLine formats a broadcast chat line, delivered verbatim to every
// member's socket: "<user_name> (<room_name>): <message>\r\n".
func ChatLine(userName, roomName, message string) string {
	return fmt.Sprintf("%s (%s): %s\r\n", userName, roomName, message)
}

// UnknownCommand is the fixed response for an unparseable line.
const UnknownCommand = "Unknown command !\r\n"

// NotLoggedIn is the fixed pre-login denial (spec.md section 4.7's login gate).
const NotLoggedIn = "You are not logged in\r\n"

// TransportError is written before a non-"closed" read error terminates a session.
const TransportError = "ERROR\r\n"
