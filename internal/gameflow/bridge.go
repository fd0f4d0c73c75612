// internal/gameflow/bridge.go
package gameflow

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/coffeederby/derby/internal/roster"
)

// ResultPublisher pushes finished results somewhere durable. Optional; the
// redis queue in internal/cache implements it.
type ResultPublisher interface {
	PublishResult(ctx context.Context, rec ResultRecord) error
}

// Bridge receives the finalized roster when the host starts a game and
// holds it, plus the eventual result, for the local game screens. It is the
// session's OnGameStart consumer.
type Bridge struct {
	logger    *logrus.Logger
	publisher ResultPublisher

	mu      sync.Mutex
	gameID  string
	players []roster.Player
	result  *Result
}

// NewBridge builds a bridge. publisher may be nil; results then stay local.
func NewBridge(logger *logrus.Logger, publisher ResultPublisher) *Bridge {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bridge{logger: logger, publisher: publisher}
}

// Begin takes the roster hand-off at game start. Matches the session's
// OnGameStart callback signature.
func (b *Bridge) Begin(gameID string, players []roster.Player) {
	b.mu.Lock()
	b.gameID = gameID
	b.players = append([]roster.Player(nil), players...)
	b.result = nil
	b.mu.Unlock()

	b.logger.WithFields(logrus.Fields{
		"game":    gameID,
		"players": len(players),
	}).Info("roster handed to game flow")
}

// Players returns the roster the current game was started with.
func (b *Bridge) Players() []roster.Player {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]roster.Player(nil), b.players...)
}

// GameID returns the running game id, or "".
func (b *Bridge) GameID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gameID
}

// Finish computes and stores the result from the final scores, then
// publishes it best-effort: a queue failure is logged, never surfaced to
// the game flow.
func (b *Bridge) Finish(ctx context.Context, roomCode string, scored []roster.Player) (Result, error) {
	b.mu.Lock()
	gameID := b.gameID
	b.mu.Unlock()

	res, err := ComputeResult(gameID, scored)
	if err != nil {
		return Result{}, err
	}

	b.mu.Lock()
	b.result = &res
	b.mu.Unlock()

	if b.publisher != nil {
		if err := b.publisher.PublishResult(ctx, NewResultRecord(roomCode, res)); err != nil {
			b.logger.Warnf("failed to publish result: %v", err)
		}
	}
	return res, nil
}

// Result returns the finished result, if any.
func (b *Bridge) Result() (Result, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.result == nil {
		return Result{}, false
	}
	return *b.result, true
}

// Clear resets the bridge between games.
func (b *Bridge) Clear() {
	b.mu.Lock()
	b.gameID = ""
	b.players = nil
	b.result = nil
	b.mu.Unlock()
}
