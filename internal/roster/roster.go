// internal/roster/roster.go
package roster

import (
	"sort"

	"github.com/coffeederby/derby/internal/protocol"
)

// Player is one reconciled roster entry. Identity is immutable for the
// session; Score and IsHost are the only fields that change after join.
type Player struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Animal string `json:"animal"`
	Score  int    `json:"score"`
	IsHost bool   `json:"isHost"`
}

// Reconcile derives a deterministic, order-stable player list from a raw
// presence snapshot. For each presence key only the first recorded entry is
// authoritative; a reconnect race may briefly register a second entry under
// the same key and it is ignored. Entries failing schema validation are
// dropped. Hosts sort before guests, ties break on id, so every device
// computes the identical order from the same table with no central arbiter.
func Reconcile(state protocol.PresenceState) []Player {
	players := make([]Player, 0, len(state))
	for _, metas := range state {
		if len(metas) == 0 {
			continue
		}
		m := metas[0]
		if err := m.Validate(); err != nil {
			continue
		}
		players = append(players, Player{
			ID:     m.ID,
			Name:   m.Name,
			Animal: m.Animal,
			Score:  m.Score,
			IsHost: m.IsHost,
		})
	}

	sort.Slice(players, func(i, j int) bool {
		if players[i].IsHost != players[j].IsHost {
			return players[i].IsHost
		}
		return players[i].ID < players[j].ID
	})
	return players
}
