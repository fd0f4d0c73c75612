package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coffeederby/derby/internal/protocol"
)

func testMeta(id string, host bool) protocol.PresenceMeta {
	return protocol.PresenceMeta{ID: id, Name: "n-" + id, Animal: "cat", IsHost: host}
}

// nextSync pulls the next presence sync, skipping other events.
func nextSync(t *testing.T, ch Channel) PresenceSync {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev, ok := <-ch.Events():
			require.True(t, ok, "channel closed while waiting for presence sync")
			if sync, isSync := ev.(PresenceSync); isSync {
				return sync
			}
		case <-deadline:
			t.Fatal("timed out waiting for presence sync")
		}
	}
}

func nextBroadcast(t *testing.T, ch Channel) Broadcast {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev, ok := <-ch.Events():
			require.True(t, ok, "channel closed while waiting for broadcast")
			if b, isB := ev.(Broadcast); isB {
				return b
			}
		case <-deadline:
			t.Fatal("timed out waiting for broadcast")
		}
	}
}

func TestBrokerPresenceFullSnapshot(t *testing.T) {
	broker := NewBroker(nil)
	ctx := context.Background()

	a, err := broker.Subscribe(ctx, Topic("CAFE42"), "p1")
	require.NoError(t, err)
	// Initial sync for a new subscriber is the (empty) current table.
	assert.Empty(t, nextSync(t, a).State)

	require.NoError(t, a.Track(ctx, testMeta("p1", true)))
	sync := nextSync(t, a)
	require.Contains(t, sync.State, "p1")
	assert.True(t, sync.State["p1"][0].IsHost)

	b, err := broker.Subscribe(ctx, Topic("CAFE42"), "p2")
	require.NoError(t, err)
	// New subscriber immediately sees p1.
	assert.Contains(t, nextSync(t, b).State, "p1")

	require.NoError(t, b.Track(ctx, testMeta("p2", false)))
	// Both get the full two-entry table, not a delta.
	for _, ch := range []Channel{a, b} {
		state := nextSync(t, ch).State
		assert.Len(t, state, 2)
		assert.Contains(t, state, "p1")
		assert.Contains(t, state, "p2")
	}

	require.NoError(t, a.Close(ctx))
	require.NoError(t, b.Close(ctx))
}

func TestBrokerTrackReplacesOwnEntry(t *testing.T) {
	broker := NewBroker(nil)
	ctx := context.Background()

	ch, err := broker.Subscribe(ctx, Topic("CAFE42"), "p1")
	require.NoError(t, err)
	nextSync(t, ch)

	require.NoError(t, ch.Track(ctx, testMeta("p1", true)))
	nextSync(t, ch)

	updated := testMeta("p1", true)
	updated.Score = 7
	require.NoError(t, ch.Track(ctx, updated))
	state := nextSync(t, ch).State
	require.Len(t, state["p1"], 1, "re-track must replace, not append")
	assert.Equal(t, 7, state["p1"][0].Score)

	require.NoError(t, ch.Close(ctx))
}

func TestBrokerDuplicateKeyKeepsOrder(t *testing.T) {
	broker := NewBroker(nil)
	ctx := context.Background()

	first, err := broker.Subscribe(ctx, Topic("CAFE42"), "p1")
	require.NoError(t, err)
	second, err := broker.Subscribe(ctx, Topic("CAFE42"), "p1")
	require.NoError(t, err)
	nextSync(t, first)
	nextSync(t, second)

	m1 := testMeta("p1", false)
	m1.Name = "original"
	m2 := testMeta("p1", false)
	m2.Name = "reconnect"
	require.NoError(t, first.Track(ctx, m1))
	require.NoError(t, second.Track(ctx, m2))

	var state protocol.PresenceState
	for len(state["p1"]) != 2 {
		state = nextSync(t, first).State
	}
	// Track order preserved: first connection's entry stays first.
	assert.Equal(t, "original", state["p1"][0].Name)

	require.NoError(t, first.Close(ctx))
	require.NoError(t, second.Close(ctx))
}

func TestBrokerBroadcastReachesAllInOrder(t *testing.T) {
	broker := NewBroker(nil)
	ctx := context.Background()

	a, err := broker.Subscribe(ctx, Topic("CAFE42"), "p1")
	require.NoError(t, err)
	b, err := broker.Subscribe(ctx, Topic("CAFE42"), "p2")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Broadcast(ctx, protocol.EventGameScore, protocol.GameScorePayload{
			PlayerID: "p1",
			Score:    i,
		}))
	}

	// Single-sender FIFO per event name, sender included in fanout.
	for _, ch := range []Channel{a, b} {
		for i := 0; i < 5; i++ {
			got := nextBroadcast(t, ch)
			assert.Equal(t, protocol.EventGameScore, got.Event)
			assert.Equal(t, "p1", got.Sender)
			var p protocol.GameScorePayload
			require.NoError(t, json.Unmarshal(got.Payload, &p))
			assert.Equal(t, i, p.Score)
		}
	}

	require.NoError(t, a.Close(ctx))
	require.NoError(t, b.Close(ctx))
}

func TestChannelCloseIdempotent(t *testing.T) {
	broker := NewBroker(nil)
	ctx := context.Background()

	ch, err := broker.Subscribe(ctx, Topic("CAFE42"), "p1")
	require.NoError(t, err)
	require.NoError(t, ch.Track(ctx, testMeta("p1", true)))

	require.NoError(t, ch.Close(ctx))
	require.NoError(t, ch.Close(ctx))

	assert.ErrorIs(t, ch.Track(ctx, testMeta("p1", true)), ErrClosed)
	assert.ErrorIs(t, ch.Broadcast(ctx, protocol.EventGameStart, nil), ErrClosed)

	// Events channel drains and closes.
	require.Eventually(t, func() bool {
		_, open := <-ch.Events()
		return !open
	}, time.Second, 5*time.Millisecond)
}

func TestCloseRemovesPresenceForOthers(t *testing.T) {
	broker := NewBroker(nil)
	ctx := context.Background()

	a, err := broker.Subscribe(ctx, Topic("CAFE42"), "p1")
	require.NoError(t, err)
	b, err := broker.Subscribe(ctx, Topic("CAFE42"), "p2")
	require.NoError(t, err)
	require.NoError(t, a.Track(ctx, testMeta("p1", true)))
	require.NoError(t, b.Track(ctx, testMeta("p2", false)))

	for len(nextSync(t, b).State) != 2 {
	}

	require.NoError(t, a.Close(ctx))

	state := nextSync(t, b).State
	assert.NotContains(t, state, "p1")
	assert.Contains(t, state, "p2")

	require.NoError(t, b.Close(ctx))
}

func TestNewClientNotConfigured(t *testing.T) {
	_, err := NewClient("", nil)
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewClient("   ", nil)
	assert.ErrorIs(t, err, ErrNotConfigured)

	c, err := NewClient("wss://relay.example.com", nil)
	require.NoError(t, err)
	assert.NotNil(t, c)
}
