package relay

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coffeederby/derby/internal/protocol"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func drainFrames(m *Member) []protocol.Frame {
	var out []protocol.Frame
	for {
		select {
		case f := <-m.Out:
			out = append(out, f)
		default:
			return out
		}
	}
}

func lastPresence(t *testing.T, m *Member) protocol.PresenceState {
	t.Helper()
	var state protocol.PresenceState
	for _, f := range drainFrames(m) {
		if f.Type == protocol.FramePresenceState {
			state = f.State
		}
	}
	require.NotNil(t, state, "expected a presence_state frame")
	return state
}

func roomMeta(id string, host bool) protocol.PresenceMeta {
	return protocol.PresenceMeta{ID: id, Name: "n-" + id, Animal: "fox", IsHost: host}
}

func TestRoomTrackPushesFullSnapshot(t *testing.T) {
	room := NewRoom("CAFE42", testLogger())

	a := room.AddMember("p1", nil)
	b := room.AddMember("p2", nil)
	drainFrames(a)
	drainFrames(b)

	require.NoError(t, room.Track(a, roomMeta("p1", true)))
	require.NoError(t, room.Track(b, roomMeta("p2", false)))

	for _, m := range []*Member{a, b} {
		state := lastPresence(t, m)
		assert.Len(t, state, 2)
		assert.True(t, state["p1"][0].IsHost)
	}
}

func TestRoomTrackRejectsForeignKey(t *testing.T) {
	room := NewRoom("CAFE42", testLogger())
	a := room.AddMember("p1", nil)

	// A device may only publish its own presence entry.
	err := room.Track(a, roomMeta("p2", false))
	assert.ErrorIs(t, err, errKeyMismatch)

	// Malformed metadata fails closed.
	assert.Error(t, room.Track(a, protocol.PresenceMeta{ID: "p1", Name: "x", Animal: "dragon"}))
	assert.Empty(t, room.Snapshot())
}

func TestRoomUntrackAndDisconnect(t *testing.T) {
	room := NewRoom("CAFE42", testLogger())
	a := room.AddMember("p1", nil)
	b := room.AddMember("p2", nil)
	require.NoError(t, room.Track(a, roomMeta("p1", true)))
	require.NoError(t, room.Track(b, roomMeta("p2", false)))
	drainFrames(a)
	drainFrames(b)

	room.Untrack(b)
	state := lastPresence(t, a)
	assert.NotContains(t, state, "p2")
	assert.Contains(t, state, "p1")
	assert.Equal(t, 2, room.MemberCount(), "untrack keeps the connection")

	room.RemoveMember(a)
	assert.Equal(t, 1, room.MemberCount())
	assert.NotContains(t, room.Snapshot(), "p1")
}

func TestRoomOnEmpty(t *testing.T) {
	room := NewRoom("CAFE42", testLogger())
	var emptied string
	room.OnEmpty = func(code string) { emptied = code }

	a := room.AddMember("p1", nil)
	b := room.AddMember("p2", nil)
	room.RemoveMember(a)
	assert.Empty(t, emptied)
	room.RemoveMember(b)
	assert.Equal(t, "CAFE42", emptied)
}

func TestRoomReconnectRaceKeepsFirstEntry(t *testing.T) {
	room := NewRoom("CAFE42", testLogger())

	// Two live connections under the same presence key, as happens when a
	// device reconnects before its old socket is reaped.
	old := room.AddMember("p1", nil)
	fresh := room.AddMember("p1", nil)

	oldMeta := roomMeta("p1", false)
	oldMeta.Name = "original"
	freshMeta := roomMeta("p1", false)
	freshMeta.Name = "reconnect"
	require.NoError(t, room.Track(old, oldMeta))
	require.NoError(t, room.Track(fresh, freshMeta))

	state := room.Snapshot()
	require.Len(t, state["p1"], 2)
	assert.Equal(t, "original", state["p1"][0].Name)

	// Once the stale connection is reaped the fresh entry takes over.
	room.RemoveMember(old)
	state = room.Snapshot()
	require.Len(t, state["p1"], 1)
	assert.Equal(t, "reconnect", state["p1"][0].Name)
}

func TestRoomBroadcastFanout(t *testing.T) {
	room := NewRoom("CAFE42", testLogger())
	a := room.AddMember("p1", nil)
	b := room.AddMember("p2", nil)
	drainFrames(a)
	drainFrames(b)

	payload, err := protocol.MarshalPayload(protocol.GameStartPayload{GameID: "roulette"})
	require.NoError(t, err)
	room.Broadcast("p1", protocol.EventGameStart, payload)

	for _, m := range []*Member{a, b} {
		frames := drainFrames(m)
		require.Len(t, frames, 1)
		assert.Equal(t, protocol.FrameBroadcast, frames[0].Type)
		assert.Equal(t, protocol.EventGameStart, frames[0].Event)
		assert.Equal(t, "p1", frames[0].Sender)
	}
}

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry(testLogger())

	room := reg.Ensure("CAFE42")
	assert.Same(t, room, reg.Ensure("CAFE42"))

	got, ok := reg.Get("CAFE42")
	require.True(t, ok)
	assert.Same(t, room, got)

	reg.Ensure("ZZZZ99")
	assert.Equal(t, []string{"CAFE42", "ZZZZ99"}, reg.Codes())

	// Last member out deletes the room via OnEmpty.
	m := room.AddMember("p1", nil)
	room.RemoveMember(m)
	_, ok = reg.Get("CAFE42")
	assert.False(t, ok)
}
