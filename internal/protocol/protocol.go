// internal/protocol/protocol.go
package protocol

import (
	"encoding/json"
	"fmt"
)

// Broadcast event names. Same-name events from a single sender arrive in
// send order; there is no ordering guarantee across different names.
const (
	EventGameSelect = "game:select"
	EventGameStart  = "game:start"
	EventGameScore  = "game:score"
)

// GameSelectPayload is sent by the host when a mini-game is highlighted.
type GameSelectPayload struct {
	GameID string `json:"gameId"`
}

// GameStartPayload is sent by the host to start the chosen mini-game.
// It carries its own gameId so receivers never depend on having observed a
// preceding game:select.
type GameStartPayload struct {
	GameID string `json:"gameId"`
}

// GameScorePayload carries one player's final score. Each device only
// publishes scores for its own player id.
type GameScorePayload struct {
	PlayerID string `json:"playerId"`
	Score    int    `json:"score"`
}

// Animals lists the 12 avatar tags a player may present as.
var Animals = []string{
	"cat", "dog", "rabbit", "bear", "fox", "panda",
	"penguin", "hamster", "owl", "lion", "koala", "duck",
}

// ValidAnimal reports whether tag is one of the known avatar tags.
func ValidAnimal(tag string) bool {
	for _, a := range Animals {
		if a == tag {
			return true
		}
	}
	return false
}

// PresenceMeta is the metadata each device tracks for itself. It is an
// explicit tagged schema: entries that fail Validate are dropped at the
// channel boundary instead of propagating undefined fields into rosters.
type PresenceMeta struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Animal string `json:"animal"`
	Score  int    `json:"score"`
	IsHost bool   `json:"isHost"`
}

// Validate checks the fixed presence schema.
func (m PresenceMeta) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("presence meta: missing id")
	}
	if m.Name == "" {
		return fmt.Errorf("presence meta: missing name")
	}
	if !ValidAnimal(m.Animal) {
		return fmt.Errorf("presence meta: unknown animal %q", m.Animal)
	}
	return nil
}

// PresenceState is the full presence table for one channel: presence key ->
// entries in connection order. The backend pushes the whole table on every
// change; membership is always derived fresh, never patched incrementally.
type PresenceState map[string][]PresenceMeta

// Clone returns a deep copy, so a snapshot handed to callbacks cannot be
// mutated under the sender.
func (s PresenceState) Clone() PresenceState {
	out := make(PresenceState, len(s))
	for k, metas := range s {
		cp := make([]PresenceMeta, len(metas))
		copy(cp, metas)
		out[k] = cp
	}
	return out
}

// MarshalPayload encodes a broadcast payload to raw JSON.
func MarshalPayload(v interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}
