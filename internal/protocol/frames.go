// internal/protocol/frames.go
package protocol

import "encoding/json"

// Subprotocol is the websocket subprotocol clients and the relay speak.
// Bumping it is the wire-compat escape hatch if the frame schema evolves.
const Subprotocol = "derby.v1"

// Frame types exchanged between a client and the relay.
const (
	// client -> relay
	FrameTrack     = "track"
	FrameUntrack   = "untrack"
	FrameBroadcast = "broadcast"

	// relay -> client
	FrameWelcome       = "welcome"
	FramePresenceState = "presence_state"
	FrameError         = "error"
)

// Frame is the single envelope for all relay traffic. Only the fields
// relevant to the Type are populated.
type Frame struct {
	Type string `json:"type"`

	// FrameTrack
	Meta *PresenceMeta `json:"meta,omitempty"`

	// FrameBroadcast (both directions). Sender is filled in by the relay.
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Sender  string          `json:"sender,omitempty"`

	// FramePresenceState
	State PresenceState `json:"state,omitempty"`

	// FrameWelcome
	ConnID      string `json:"connId,omitempty"`
	ResumeToken string `json:"resumeToken,omitempty"`

	// FrameError
	Message string `json:"message,omitempty"`
}
