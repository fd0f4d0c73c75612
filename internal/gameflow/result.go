// internal/gameflow/result.go
package gameflow

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coffeederby/derby/internal/roster"
)

// Result is the outcome of one mini-game: players ranked best to worst and
// the loser who buys the coffee.
type Result struct {
	GameID   string          `json:"gameId"`
	GameName string          `json:"gameName"`
	Rankings []roster.Player `json:"rankings"`
	Loser    roster.Player   `json:"loser"`
}

// ComputeResult ranks players by score, highest first, with id as the
// deterministic tiebreak, and names the last-placed player the loser.
func ComputeResult(gameID string, players []roster.Player) (Result, error) {
	if len(players) == 0 {
		return Result{}, fmt.Errorf("gameflow: no players to rank")
	}

	rankings := make([]roster.Player, len(players))
	copy(rankings, players)
	sort.Slice(rankings, func(i, j int) bool {
		if rankings[i].Score != rankings[j].Score {
			return rankings[i].Score > rankings[j].Score
		}
		return rankings[i].ID < rankings[j].ID
	})

	name := gameID
	if g, ok := Lookup(gameID); ok {
		name = g.Name
	}
	return Result{
		GameID:   gameID,
		GameName: name,
		Rankings: rankings,
		Loser:    rankings[len(rankings)-1],
	}, nil
}

// ShareText formats a result into the message shared after a game.
func ShareText(res Result) string {
	medals := []string{"🥇", "🥈", "🥉"}
	lines := []string{
		"☕ Coffee Derby — " + res.GameName,
		"",
	}
	for i, p := range res.Rankings {
		rank := fmt.Sprintf("%d.", i+1)
		if i < len(medals) {
			rank = medals[i]
		}
		emoji := ""
		if a, ok := LookupAnimal(p.Animal); ok {
			emoji = a.Emoji + " "
		}
		lines = append(lines, fmt.Sprintf("%s %s%s: %d", rank, emoji, p.Name, p.Score))
	}
	lines = append(lines, "", fmt.Sprintf("💬 %s buys the coffee! ☕", res.Loser.Name))
	return strings.Join(lines, "\n")
}

// ResultRecord is the durable form of a Result, queued for the historian.
type ResultRecord struct {
	ID         uuid.UUID       `json:"id"`
	RoomCode   string          `json:"room_code"`
	GameID     string          `json:"game_id"`
	LoserID    string          `json:"loser_id"`
	Rankings   []roster.Player `json:"rankings"`
	FinishedAt int64           `json:"finished_at"`
}

// NewResultRecord stamps a Result for the queue.
func NewResultRecord(roomCode string, res Result) ResultRecord {
	return ResultRecord{
		ID:         uuid.New(),
		RoomCode:   roomCode,
		GameID:     res.GameID,
		LoserID:    res.Loser.ID,
		Rankings:   res.Rankings,
		FinishedAt: time.Now().UnixMilli(),
	}
}
