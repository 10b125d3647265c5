// Package protocol defines the wire types shared by the gateway's
// WebSocket feed and its clients.
package protocol

import "encoding/json"

// Event names pushed from server to client.
const (
	EventChat     = "chat"
	EventStatus   = "status"
	EventHealth   = "health"
	EventPresence = "presence"
	EventGap      = "gap"
)

// Command types accepted from client to server.
const (
	CommandConnect   = "connect"
	CommandSubscribe = "subscribe"
	CommandPing      = "ping"
)

// Event is one frame of the live feed.
type Event struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Command is a client → server control frame.
//
// Token is only read for "connect"; Events only for "subscribe"
// (nil means forward everything, an empty list forwards nothing).
type Command struct {
	Type   string   `json:"type"`
	Token  string   `json:"token,omitempty"`
	Events []string `json:"events,omitempty"`
}

// ParseCommand decodes a client command frame.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	err := json.Unmarshal(data, &cmd)
	return cmd, err
}
