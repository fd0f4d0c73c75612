// internal/gameflow/games.go
//
// Package gameflow is the bridge between the room protocol and the local
// mini-game screens: the game catalog, the finalized roster hand-off at
// game start, and result/loser computation afterwards. The games themselves
// (animation, physics, randomness) run on each device and are not part of
// this package.
package gameflow

// Game describes one mini-game in the catalog.
type Game struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Emoji      string `json:"emoji"`
	MinPlayers int    `json:"minPlayers"`
	MaxPlayers int    `json:"maxPlayers"`
}

// Games is the selectable mini-game catalog.
var Games = []Game{
	{ID: "race", Name: "Animal Race", Emoji: "🏃", MinPlayers: 2, MaxPlayers: 6},
	{ID: "roulette", Name: "Roulette", Emoji: "🎡", MinPlayers: 2, MaxPlayers: 6},
	{ID: "dice", Name: "Dice", Emoji: "🎲", MinPlayers: 2, MaxPlayers: 6},
	{ID: "card", Name: "Card Draw", Emoji: "🃏", MinPlayers: 2, MaxPlayers: 6},
	{ID: "slot", Name: "Slot Machine", Emoji: "🎰", MinPlayers: 2, MaxPlayers: 6},
	{ID: "ladder", Name: "Ladder Climb", Emoji: "🪜", MinPlayers: 2, MaxPlayers: 6},
	{ID: "straw", Name: "Short Straw", Emoji: "🎋", MinPlayers: 2, MaxPlayers: 6},
}

// Lookup returns the catalog entry for id.
func Lookup(id string) (Game, bool) {
	for _, g := range Games {
		if g.ID == id {
			return g, true
		}
	}
	return Game{}, false
}

// Playable reports whether a roster of the given size can play the game.
func Playable(g Game, rosterSize int) bool {
	return rosterSize >= g.MinPlayers && rosterSize <= g.MaxPlayers
}
