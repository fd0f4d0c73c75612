// internal/session/session.go
//
// Package session implements the per-device room state machine. A Session
// owns exactly one realtime channel for its lifetime in a room; the channel
// is acquired on create/join and released on leave, never shared through
// package state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coffeederby/derby/internal/identity"
	"github.com/coffeederby/derby/internal/protocol"
	"github.com/coffeederby/derby/internal/realtime"
	"github.com/coffeederby/derby/internal/roster"
)

// State is the room lifecycle position of the local device.
type State int

const (
	StateIdle State = iota
	StateJoining
	StateJoined
	StateGameSelected
	StateGameStarted
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateGameSelected:
		return "game_selected"
	case StateGameStarted:
		return "game_started"
	case StateLeft:
		return "left"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyJoined means the session is already in a room; leave first.
	ErrAlreadyJoined = errors.New("session: already in a room")

	// ErrInvalidRoomCode means the code failed alphabet/length validation.
	ErrInvalidRoomCode = errors.New("session: invalid room code")

	// ErrNotJoined means the operation needs an active room.
	ErrNotJoined = errors.New("session: not in a room")

	// ErrNotHost means a host-only operation was attempted by a guest.
	ErrNotHost = errors.New("session: only the host can do that")

	// ErrNotEnoughPlayers means the roster is below the 2-player minimum.
	ErrNotEnoughPlayers = errors.New("session: need at least 2 players")

	// ErrRoomNotFound is the best-effort inference that nobody hosts the
	// joined code: no host-flagged presence appeared within the grace
	// period. The protocol cannot distinguish this from a host that has
	// not connected yet, hence the configurable window.
	ErrRoomNotFound = errors.New("session: room not found, check the code")
)

// SelfInfo is what a device publishes about its own player. Name and avatar
// are fixed at join time.
type SelfInfo struct {
	Name   string
	Animal string
}

// Config tunes a Session. The zero value uses defaults.
type Config struct {
	// HostGracePeriod bounds how long a guest waits for a host-flagged
	// presence entry before reporting ErrRoomNotFound and leaving.
	// Zero means DefaultHostGracePeriod; negative disables the check.
	HostGracePeriod time.Duration

	// DialTimeout bounds the subscribe attempt on create/join so a hung
	// connection fails instead of blocking forever. Zero means
	// DefaultDialTimeout.
	DialTimeout time.Duration

	Logger *logrus.Logger
}

const (
	DefaultHostGracePeriod = 5 * time.Second
	DefaultDialTimeout     = 10 * time.Second
)

// Snapshot is an immutable view of session-local state.
type Snapshot struct {
	State          State
	RoomCode       string
	PlayerID       string
	IsHost         bool
	Players        []roster.Player
	SelectedGameID string
	GameStarted    bool
}

// Session is one device's view of a room. All incoming channel events are
// applied by a single loop goroutine, one at a time, in arrival order;
// public methods and accessors are safe from any goroutine.
type Session struct {
	backend realtime.Backend
	logger  *logrus.Logger
	grace   time.Duration
	dialTO  time.Duration

	// OnChange, OnGameStart and OnError are invoked outside the session
	// lock. Set them before CreateRoom/JoinRoom; they must not be changed
	// while in a room.
	OnChange func(Snapshot)

	// OnGameStart hands the finalized roster to the game screens once the
	// started signal is applied, locally on every device.
	OnGameStart func(gameID string, players []roster.Player)

	// OnError receives asynchronous failures such as ErrRoomNotFound.
	OnError func(error)

	mu             sync.Mutex
	state          State
	roomCode       string
	playerID       string
	isHost         bool
	players        []roster.Player
	selectedGameID string
	gameStarted    bool
	hostSeen       bool
	channel        realtime.Channel
	graceTimer     *time.Timer
}

// New builds an idle session on the given backend.
func New(backend realtime.Backend, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	grace := cfg.HostGracePeriod
	if grace == 0 {
		grace = DefaultHostGracePeriod
	}
	dialTO := cfg.DialTimeout
	if dialTO == 0 {
		dialTO = DefaultDialTimeout
	}
	return &Session{
		backend: backend,
		logger:  cfg.Logger,
		grace:   grace,
		dialTO:  dialTO,
		state:   StateIdle,
	}
}

// CreateRoom mints a fresh room code and player id, then joins as host.
// realtime.ErrNotConfigured passes through unwrapped so callers can offer
// single-device play instead of showing a join error.
func (s *Session) CreateRoom(ctx context.Context, self SelfInfo) (string, error) {
	code := identity.NewRoomCode()
	if err := s.join(ctx, code, self, true); err != nil {
		return "", err
	}
	return code, nil
}

// JoinRoom normalizes and validates the code, then joins as guest. The room
// is not verified to exist: if nobody hosts it the session reports
// ErrRoomNotFound through OnError after the grace period.
func (s *Session) JoinRoom(ctx context.Context, code string, self SelfInfo) error {
	code = identity.NormalizeRoomCode(code)
	if !identity.ValidRoomCode(code) {
		return ErrInvalidRoomCode
	}
	return s.join(ctx, code, self, false)
}

func (s *Session) join(ctx context.Context, code string, self SelfInfo, asHost bool) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyJoined
	}
	s.state = StateJoining
	s.mu.Unlock()

	playerID := identity.NewPlayerID()
	meta := protocol.PresenceMeta{
		ID:     playerID,
		Name:   self.Name,
		Animal: self.Animal,
		Score:  0,
		IsHost: asHost,
	}
	if err := meta.Validate(); err != nil {
		s.reset()
		return fmt.Errorf("session: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.dialTO)
	defer cancel()

	ch, err := s.backend.Subscribe(dialCtx, realtime.Topic(code), playerID)
	if err != nil {
		s.reset()
		if errors.Is(err, realtime.ErrNotConfigured) {
			return realtime.ErrNotConfigured
		}
		return fmt.Errorf("session: join %s: %w", code, err)
	}

	if err := ch.Track(ctx, meta); err != nil {
		_ = ch.Close(ctx)
		s.reset()
		return fmt.Errorf("session: track presence: %w", err)
	}

	s.mu.Lock()
	s.state = StateJoined
	s.roomCode = code
	s.playerID = playerID
	s.isHost = asHost
	s.players = nil
	s.selectedGameID = ""
	s.gameStarted = false
	s.hostSeen = asHost
	s.channel = ch
	if !asHost && s.grace > 0 {
		s.graceTimer = time.AfterFunc(s.grace, s.hostGraceExpired)
	}
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"room":   code,
		"player": playerID,
		"host":   asHost,
	}).Info("joined room")

	go s.loop(ch)
	s.notify()
	return nil
}

// SelectGame broadcasts the host's highlighted mini-game. Host only.
func (s *Session) SelectGame(ctx context.Context, gameID string) error {
	s.mu.Lock()
	if s.channel == nil {
		s.mu.Unlock()
		return ErrNotJoined
	}
	if !s.isHost {
		s.mu.Unlock()
		return ErrNotHost
	}
	if s.gameStarted {
		s.mu.Unlock()
		return fmt.Errorf("session: game already started")
	}
	ch := s.channel
	s.mu.Unlock()

	if err := ch.Broadcast(ctx, protocol.EventGameSelect, protocol.GameSelectPayload{GameID: gameID}); err != nil {
		return err
	}

	s.mu.Lock()
	s.selectedGameID = gameID
	if s.state == StateJoined {
		s.state = StateGameSelected
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// StartGame broadcasts game:start and applies it optimistically: there is
// no acknowledgment in this protocol, so the host's local transition is
// authoritative from its own point of view and guests mirror it purely by
// receiving the broadcast.
func (s *Session) StartGame(ctx context.Context, gameID string) error {
	s.mu.Lock()
	if s.channel == nil {
		s.mu.Unlock()
		return ErrNotJoined
	}
	if !s.isHost {
		s.mu.Unlock()
		return ErrNotHost
	}
	if len(s.players) < 2 {
		s.mu.Unlock()
		return ErrNotEnoughPlayers
	}
	ch := s.channel
	s.mu.Unlock()

	if err := ch.Broadcast(ctx, protocol.EventGameStart, protocol.GameStartPayload{GameID: gameID}); err != nil {
		return err
	}

	s.applyStart(gameID)
	return nil
}

// PublishScore broadcasts this device's own final score. Each device is the
// sole publisher of its own score events, so receivers patch in place with
// no conflict resolution.
func (s *Session) PublishScore(ctx context.Context, score int) error {
	s.mu.Lock()
	if s.channel == nil {
		s.mu.Unlock()
		return ErrNotJoined
	}
	ch := s.channel
	playerID := s.playerID
	s.mu.Unlock()

	if err := ch.Broadcast(ctx, protocol.EventGameScore, protocol.GameScorePayload{
		PlayerID: playerID,
		Score:    score,
	}); err != nil {
		return err
	}

	s.applyScore(playerID, score)
	return nil
}

// Leave untracks presence, unsubscribes and resets all session-local state
// to Idle defaults. Idempotent: a second Leave is a no-op.
func (s *Session) Leave(ctx context.Context) {
	s.mu.Lock()
	ch := s.channel
	s.channel = nil
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	code := s.roomCode
	s.resetLocked()
	s.mu.Unlock()

	if ch != nil {
		if err := ch.Close(ctx); err != nil {
			s.logger.WithField("room", code).Debugf("channel close: %v", err)
		}
		s.logger.WithField("room", code).Info("left room")
		s.notify()
	}
}

// Close is Leave; it satisfies the usual resource-cleanup shape.
func (s *Session) Close(ctx context.Context) error {
	s.Leave(ctx)
	return nil
}

// Snapshot returns a consistent copy of the session-local state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RoomCode returns the joined room code, or "" when idle.
func (s *Session) RoomCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomCode
}

// PlayerID returns this device's player id, or "" when idle.
func (s *Session) PlayerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playerID
}

// IsHost reports whether this device created the room.
func (s *Session) IsHost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isHost
}

// Roster returns the reconciled player list, host first.
func (s *Session) Roster() []roster.Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]roster.Player, len(s.players))
	copy(out, s.players)
	return out
}

// SelectedGameID returns the currently selected mini-game id, or "".
func (s *Session) SelectedGameID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedGameID
}

// loop applies channel events serially until the channel closes.
func (s *Session) loop(ch realtime.Channel) {
	for ev := range ch.Events() {
		switch e := ev.(type) {
		case realtime.PresenceSync:
			s.applyPresence(e.State)
		case realtime.Broadcast:
			s.applyBroadcast(e)
		}
	}
}

// applyPresence recomputes the roster from scratch on every sync. The full
// snapshot model means there is nothing to patch and nothing to drift.
func (s *Session) applyPresence(state protocol.PresenceState) {
	players := roster.Reconcile(state)

	s.mu.Lock()
	if s.channel == nil {
		s.mu.Unlock()
		return
	}
	s.players = players
	for _, p := range players {
		if p.IsHost {
			s.hostSeen = true
			if s.graceTimer != nil {
				s.graceTimer.Stop()
				s.graceTimer = nil
			}
			break
		}
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) applyBroadcast(b realtime.Broadcast) {
	switch b.Event {
	case protocol.EventGameSelect:
		var p protocol.GameSelectPayload
		if err := json.Unmarshal(b.Payload, &p); err != nil || p.GameID == "" {
			s.logger.Warnf("dropping malformed %s payload", b.Event)
			return
		}
		s.mu.Lock()
		if s.channel == nil || s.gameStarted {
			// game:start carries its own gameId; a select arriving after
			// it (cross-event ordering is not guaranteed) must not regress
			// the started game.
			s.mu.Unlock()
			return
		}
		s.selectedGameID = p.GameID
		if s.state == StateJoined {
			s.state = StateGameSelected
		}
		s.mu.Unlock()
		s.notify()

	case protocol.EventGameStart:
		var p protocol.GameStartPayload
		if err := json.Unmarshal(b.Payload, &p); err != nil || p.GameID == "" {
			s.logger.Warnf("dropping malformed %s payload", b.Event)
			return
		}
		s.applyStart(p.GameID)

	case protocol.EventGameScore:
		var p protocol.GameScorePayload
		if err := json.Unmarshal(b.Payload, &p); err != nil || p.PlayerID == "" {
			s.logger.Warnf("dropping malformed %s payload", b.Event)
			return
		}
		s.applyScore(p.PlayerID, p.Score)
	}
}

// applyStart is the single transition into GameStarted, shared by the
// host's optimistic path and the guest's broadcast path. Last message wins;
// reapplying the same start is harmless.
func (s *Session) applyStart(gameID string) {
	s.mu.Lock()
	if s.channel == nil {
		s.mu.Unlock()
		return
	}
	alreadyStarted := s.gameStarted && s.selectedGameID == gameID
	s.gameStarted = true
	s.selectedGameID = gameID
	s.state = StateGameStarted
	players := make([]roster.Player, len(s.players))
	copy(players, s.players)
	onStart := s.OnGameStart
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"game":    gameID,
		"players": len(players),
	}).Info("game started")

	if onStart != nil && !alreadyStarted {
		onStart(gameID, players)
	}
	s.notify()
}

func (s *Session) applyScore(playerID string, score int) {
	s.mu.Lock()
	if s.channel == nil {
		s.mu.Unlock()
		return
	}
	for i := range s.players {
		if s.players[i].ID == playerID {
			s.players[i].Score = score
			break
		}
	}
	s.mu.Unlock()
	s.notify()
}

// hostGraceExpired fires when a guest saw no host-flagged presence within
// the grace window. Best-effort inference only: the code may simply belong
// to a host that never connected.
func (s *Session) hostGraceExpired() {
	s.mu.Lock()
	expired := s.channel != nil && !s.hostSeen && !s.isHost
	s.graceTimer = nil
	onErr := s.OnError
	s.mu.Unlock()

	if !expired {
		return
	}
	s.logger.WithField("room", s.RoomCode()).Info("no host presence within grace period")
	if onErr != nil {
		onErr(ErrRoomNotFound)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Leave(ctx)
}

func (s *Session) reset() {
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
}

// resetLocked restores Idle defaults. Assumes lock is held.
func (s *Session) resetLocked() {
	s.state = StateIdle
	s.roomCode = ""
	s.playerID = ""
	s.isHost = false
	s.players = nil
	s.selectedGameID = ""
	s.gameStarted = false
	s.hostSeen = false
}

func (s *Session) snapshotLocked() Snapshot {
	players := make([]roster.Player, len(s.players))
	copy(players, s.players)
	return Snapshot{
		State:          s.state,
		RoomCode:       s.roomCode,
		PlayerID:       s.playerID,
		IsHost:         s.isHost,
		Players:        players,
		SelectedGameID: s.selectedGameID,
		GameStarted:    s.gameStarted,
	}
}

func (s *Session) notify() {
	s.mu.Lock()
	cb := s.OnChange
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if cb != nil {
		cb(snap)
	}
}
