package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coffeederby/derby/internal/identity"
	"github.com/coffeederby/derby/internal/realtime"
	"github.com/coffeederby/derby/internal/roster"
)

const waitTick = 5 * time.Millisecond

func newTestSession(broker *realtime.Broker) *Session {
	return New(broker, Config{
		HostGracePeriod: -1, // disabled unless a test opts in
		DialTimeout:     time.Second,
	})
}

func TestCreateRoomBecomesHost(t *testing.T) {
	broker := realtime.NewBroker(nil)
	s := newTestSession(broker)

	code, err := s.CreateRoom(context.Background(), SelfInfo{Name: "Mina", Animal: "cat"})
	require.NoError(t, err)
	assert.True(t, identity.ValidRoomCode(code))
	assert.Equal(t, StateJoined, s.State())
	assert.True(t, s.IsHost())
	assert.Equal(t, code, s.RoomCode())
	assert.NotEmpty(t, s.PlayerID())

	// Own presence entry arrives via sync, host first by definition.
	require.Eventually(t, func() bool {
		return len(s.Roster()) == 1
	}, time.Second, waitTick)
	me := s.Roster()[0]
	assert.Equal(t, s.PlayerID(), me.ID)
	assert.True(t, me.IsHost)

	s.Leave(context.Background())
}

func TestJoinRoomRejectsBadCode(t *testing.T) {
	broker := realtime.NewBroker(nil)
	s := newTestSession(broker)

	err := s.JoinRoom(context.Background(), "NOPE", SelfInfo{Name: "B", Animal: "dog"})
	assert.ErrorIs(t, err, ErrInvalidRoomCode)
	assert.Equal(t, StateIdle, s.State())

	err = s.JoinRoom(context.Background(), "CAFE1O", SelfInfo{Name: "B", Animal: "dog"})
	assert.ErrorIs(t, err, ErrInvalidRoomCode)
}

func TestJoinRoomNormalizesCode(t *testing.T) {
	broker := realtime.NewBroker(nil)
	host := newTestSession(broker)
	guest := newTestSession(broker)

	code, err := host.CreateRoom(context.Background(), SelfInfo{Name: "H", Animal: "cat"})
	require.NoError(t, err)

	// Lowercase with whitespace, as typed from a shared link.
	require.NoError(t, guest.JoinRoom(context.Background(), "  "+code+" ", SelfInfo{Name: "G", Animal: "dog"}))
	assert.Equal(t, code, guest.RoomCode())

	host.Leave(context.Background())
	guest.Leave(context.Background())
}

func TestTwoDevicesConvergeHostFirst(t *testing.T) {
	broker := realtime.NewBroker(nil)
	host := newTestSession(broker)
	guest := newTestSession(broker)

	code, err := host.CreateRoom(context.Background(), SelfInfo{Name: "H", Animal: "cat"})
	require.NoError(t, err)
	require.NoError(t, guest.JoinRoom(context.Background(), code, SelfInfo{Name: "G", Animal: "dog"}))

	require.Eventually(t, func() bool {
		return len(host.Roster()) == 2 && len(guest.Roster()) == 2
	}, time.Second, waitTick)

	// Cross-device determinism: both devices compute identical order.
	assert.Equal(t, host.Roster(), guest.Roster())
	assert.True(t, host.Roster()[0].IsHost)
	assert.Equal(t, host.PlayerID(), host.Roster()[0].ID)

	host.Leave(context.Background())
	guest.Leave(context.Background())
}

func TestStartGamePropagates(t *testing.T) {
	broker := realtime.NewBroker(nil)
	host := newTestSession(broker)
	guest := newTestSession(broker)

	var handoffMu sync.Mutex
	var handoff []roster.Player
	guest.OnGameStart = func(gameID string, players []roster.Player) {
		handoffMu.Lock()
		handoff = players
		handoffMu.Unlock()
	}

	code, err := host.CreateRoom(context.Background(), SelfInfo{Name: "H", Animal: "cat"})
	require.NoError(t, err)
	require.NoError(t, guest.JoinRoom(context.Background(), code, SelfInfo{Name: "G", Animal: "dog"}))
	require.Eventually(t, func() bool {
		return len(host.Roster()) == 2
	}, time.Second, waitTick)

	require.NoError(t, host.StartGame(context.Background(), "roulette"))

	// Host applies optimistically, before any delivery.
	assert.Equal(t, StateGameStarted, host.State())
	assert.Equal(t, "roulette", host.SelectedGameID())

	require.Eventually(t, func() bool {
		return guest.State() == StateGameStarted
	}, time.Second, waitTick)
	assert.Equal(t, "roulette", guest.SelectedGameID())

	// Game-flow bridge got the finalized roster.
	require.Eventually(t, func() bool {
		handoffMu.Lock()
		defer handoffMu.Unlock()
		return len(handoff) == 2
	}, time.Second, waitTick)

	host.Leave(context.Background())
	guest.Leave(context.Background())
}

func TestGameStartWithoutPriorSelect(t *testing.T) {
	broker := realtime.NewBroker(nil)
	host := newTestSession(broker)
	guest := newTestSession(broker)

	code, err := host.CreateRoom(context.Background(), SelfInfo{Name: "H", Animal: "cat"})
	require.NoError(t, err)
	require.NoError(t, guest.JoinRoom(context.Background(), code, SelfInfo{Name: "G", Animal: "dog"}))
	require.Eventually(t, func() bool {
		return len(host.Roster()) == 2
	}, time.Second, waitTick)

	// game:start carries its own gameId; no game:select was ever sent.
	require.NoError(t, host.StartGame(context.Background(), "dice"))

	require.Eventually(t, func() bool {
		return guest.State() == StateGameStarted && guest.SelectedGameID() == "dice"
	}, time.Second, waitTick)

	host.Leave(context.Background())
	guest.Leave(context.Background())
}

func TestSelectGameTransition(t *testing.T) {
	broker := realtime.NewBroker(nil)
	host := newTestSession(broker)
	guest := newTestSession(broker)

	code, err := host.CreateRoom(context.Background(), SelfInfo{Name: "H", Animal: "cat"})
	require.NoError(t, err)
	require.NoError(t, guest.JoinRoom(context.Background(), code, SelfInfo{Name: "G", Animal: "dog"}))

	require.NoError(t, host.SelectGame(context.Background(), "ladder"))
	assert.Equal(t, StateGameSelected, host.State())

	require.Eventually(t, func() bool {
		return guest.State() == StateGameSelected && guest.SelectedGameID() == "ladder"
	}, time.Second, waitTick)

	host.Leave(context.Background())
	guest.Leave(context.Background())
}

func TestHostOnlyOperations(t *testing.T) {
	broker := realtime.NewBroker(nil)
	host := newTestSession(broker)
	guest := newTestSession(broker)

	code, err := host.CreateRoom(context.Background(), SelfInfo{Name: "H", Animal: "cat"})
	require.NoError(t, err)
	require.NoError(t, guest.JoinRoom(context.Background(), code, SelfInfo{Name: "G", Animal: "dog"}))

	assert.ErrorIs(t, guest.StartGame(context.Background(), "dice"), ErrNotHost)
	assert.ErrorIs(t, guest.SelectGame(context.Background(), "dice"), ErrNotHost)

	host.Leave(context.Background())
	guest.Leave(context.Background())
}

func TestStartGameNeedsTwoPlayers(t *testing.T) {
	broker := realtime.NewBroker(nil)
	host := newTestSession(broker)

	_, err := host.CreateRoom(context.Background(), SelfInfo{Name: "H", Animal: "cat"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(host.Roster()) == 1
	}, time.Second, waitTick)

	assert.ErrorIs(t, host.StartGame(context.Background(), "dice"), ErrNotEnoughPlayers)

	host.Leave(context.Background())
}

func TestScoreUpdatePatchesRoster(t *testing.T) {
	broker := realtime.NewBroker(nil)
	host := newTestSession(broker)
	guest := newTestSession(broker)

	code, err := host.CreateRoom(context.Background(), SelfInfo{Name: "H", Animal: "cat"})
	require.NoError(t, err)
	require.NoError(t, guest.JoinRoom(context.Background(), code, SelfInfo{Name: "G", Animal: "dog"}))
	require.Eventually(t, func() bool {
		return len(host.Roster()) == 2 && len(guest.Roster()) == 2
	}, time.Second, waitTick)

	require.NoError(t, guest.PublishScore(context.Background(), 42))

	guestID := guest.PlayerID()
	scoreOf := func(s *Session) (int, bool) {
		for _, p := range s.Roster() {
			if p.ID == guestID {
				return p.Score, true
			}
		}
		return 0, false
	}
	require.Eventually(t, func() bool {
		hostScore, ok1 := scoreOf(host)
		guestScore, ok2 := scoreOf(guest)
		return ok1 && ok2 && hostScore == 42 && guestScore == 42
	}, time.Second, waitTick)

	host.Leave(context.Background())
	guest.Leave(context.Background())
}

func TestLeaveIsIdempotent(t *testing.T) {
	broker := realtime.NewBroker(nil)
	s := newTestSession(broker)

	_, err := s.CreateRoom(context.Background(), SelfInfo{Name: "H", Animal: "cat"})
	require.NoError(t, err)

	s.Leave(context.Background())
	s.Leave(context.Background()) // must not panic or error

	snap := s.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.RoomCode)
	assert.Empty(t, snap.PlayerID)
	assert.Empty(t, snap.Players)
	assert.False(t, snap.GameStarted)
	assert.Empty(t, snap.SelectedGameID)
}

func TestLeaveRemovesPresenceForOthers(t *testing.T) {
	broker := realtime.NewBroker(nil)
	host := newTestSession(broker)
	guest := newTestSession(broker)

	code, err := host.CreateRoom(context.Background(), SelfInfo{Name: "H", Animal: "cat"})
	require.NoError(t, err)
	require.NoError(t, guest.JoinRoom(context.Background(), code, SelfInfo{Name: "G", Animal: "dog"}))
	require.Eventually(t, func() bool {
		return len(host.Roster()) == 2
	}, time.Second, waitTick)

	guest.Leave(context.Background())

	require.Eventually(t, func() bool {
		return len(host.Roster()) == 1
	}, time.Second, waitTick)

	host.Leave(context.Background())
}

func TestHostGracePeriodInfersRoomNotFound(t *testing.T) {
	broker := realtime.NewBroker(nil)
	guest := New(broker, Config{
		HostGracePeriod: 50 * time.Millisecond,
		DialTimeout:     time.Second,
	})

	errCh := make(chan error, 1)
	guest.OnError = func(err error) { errCh <- err }

	// Valid code, but nobody hosts it.
	require.NoError(t, guest.JoinRoom(context.Background(), "CAFE42", SelfInfo{Name: "G", Animal: "dog"}))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrRoomNotFound)
	case <-time.After(time.Second):
		t.Fatal("expected ErrRoomNotFound within grace period")
	}

	require.Eventually(t, func() bool {
		return guest.State() == StateIdle
	}, time.Second, waitTick)
}

func TestHostGraceCancelledWhenHostPresent(t *testing.T) {
	broker := realtime.NewBroker(nil)
	host := newTestSession(broker)
	guest := New(broker, Config{
		HostGracePeriod: 50 * time.Millisecond,
		DialTimeout:     time.Second,
	})

	var errMu sync.Mutex
	var asyncErr error
	guest.OnError = func(err error) {
		errMu.Lock()
		asyncErr = err
		errMu.Unlock()
	}

	code, err := host.CreateRoom(context.Background(), SelfInfo{Name: "H", Animal: "cat"})
	require.NoError(t, err)
	require.NoError(t, guest.JoinRoom(context.Background(), code, SelfInfo{Name: "G", Animal: "dog"}))

	time.Sleep(150 * time.Millisecond)
	errMu.Lock()
	assert.NoError(t, asyncErr)
	errMu.Unlock()
	assert.Equal(t, StateJoined, guest.State())

	host.Leave(context.Background())
	guest.Leave(context.Background())
}

func TestJoinWhileJoinedFails(t *testing.T) {
	broker := realtime.NewBroker(nil)
	s := newTestSession(broker)

	code, err := s.CreateRoom(context.Background(), SelfInfo{Name: "H", Animal: "cat"})
	require.NoError(t, err)

	_, err = s.CreateRoom(context.Background(), SelfInfo{Name: "H", Animal: "cat"})
	assert.ErrorIs(t, err, ErrAlreadyJoined)
	assert.ErrorIs(t, s.JoinRoom(context.Background(), code, SelfInfo{Name: "H", Animal: "cat"}), ErrAlreadyJoined)

	s.Leave(context.Background())
}

func TestRejoinAfterLeave(t *testing.T) {
	broker := realtime.NewBroker(nil)
	s := newTestSession(broker)

	_, err := s.CreateRoom(context.Background(), SelfInfo{Name: "H", Animal: "cat"})
	require.NoError(t, err)
	s.Leave(context.Background())

	// A fresh presence snapshot after re-subscribe is all that is needed;
	// reconciliation is stateless.
	code, err := s.CreateRoom(context.Background(), SelfInfo{Name: "H", Animal: "cat"})
	require.NoError(t, err)
	assert.True(t, identity.ValidRoomCode(code))
	assert.Equal(t, StateJoined, s.State())

	s.Leave(context.Background())
}

func TestInvalidSelfInfoFailsClosed(t *testing.T) {
	broker := realtime.NewBroker(nil)
	s := newTestSession(broker)

	_, err := s.CreateRoom(context.Background(), SelfInfo{Name: "H", Animal: "dragon"})
	require.Error(t, err)
	assert.Equal(t, StateIdle, s.State())
}
