// internal/relay/room.go
package relay

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/coffeederby/derby/internal/protocol"
)

// outBuffer is the per-member outgoing frame queue depth.
const outBuffer = 16

// Member is one live connection inside a room.
type Member struct {
	ID     uuid.UUID
	Key    string // presence key, normally the player id
	Out    chan protocol.Frame
	Cancel func()

	room   *Room
	logger *logrus.Logger
}

// Write pushes a frame onto the member's out channel non-blockingly. A full
// or abandoned channel drops the frame; broadcast delivery is best-effort.
func (m *Member) Write(f protocol.Frame) {
	select {
	case m.Out <- f:
	default:
		m.logger.WithFields(logrus.Fields{
			"room":   m.room.Code,
			"key":    m.Key,
			"ftype":  f.Type,
			"member": m.ID,
		}).Warn("member out channel full, dropped frame")
	}
}

// WriteError sends an error frame to this member only.
func (m *Member) WriteError(msg string) {
	m.Write(protocol.Frame{Type: protocol.FrameError, Message: msg})
}

type trackedEntry struct {
	memberID uuid.UUID
	key      string
	meta     protocol.PresenceMeta
}

// Room is the relay-side state for one channel: the set of live members and
// the presence table they have tracked. Presence entries are kept in track
// order so that, under a reconnect race, the earliest surviving connection
// stays first and downstream first-wins reconciliation is stable.
type Room struct {
	Code string

	// OnEmpty is called after the last member disconnects, typically wired
	// by the registry to delete the room.
	OnEmpty func(code string)

	mu      sync.Mutex
	members map[uuid.UUID]*Member
	entries []trackedEntry
	logger  *logrus.Logger
}

// NewRoom builds an empty room.
func NewRoom(code string, logger *logrus.Logger) *Room {
	return &Room{
		Code:    code,
		members: make(map[uuid.UUID]*Member),
		logger:  logger,
	}
}

// AddMember registers a live connection and immediately sends it the
// current presence table.
func (r *Room) AddMember(key string, cancel func()) *Member {
	m := &Member{
		ID:     uuid.New(),
		Key:    key,
		Out:    make(chan protocol.Frame, outBuffer),
		Cancel: cancel,
		room:   r,
		logger: r.logger,
	}

	r.mu.Lock()
	r.members[m.ID] = m
	state := r.stateUnsafe()
	r.mu.Unlock()

	m.Write(protocol.Frame{Type: protocol.FramePresenceState, State: state})
	r.logger.WithFields(logrus.Fields{
		"room": r.Code,
		"key":  key,
	}).Info("member connected")
	return m
}

// RemoveMember drops the connection and its presence entry, then pushes a
// fresh snapshot to everyone left. Fires OnEmpty when the room drains.
func (r *Room) RemoveMember(m *Member) {
	r.mu.Lock()
	if _, ok := r.members[m.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.members, m.ID)
	r.untrackUnsafe(m)
	empty := len(r.members) == 0
	if !empty {
		r.syncAllUnsafe()
	}
	onEmpty := r.OnEmpty
	r.mu.Unlock()

	if m.Cancel != nil {
		m.Cancel()
	}
	r.logger.WithFields(logrus.Fields{
		"room": r.Code,
		"key":  m.Key,
	}).Info("member disconnected")

	if empty && onEmpty != nil {
		onEmpty(r.Code)
	}
}

// Track publishes or replaces the member's presence entry and pushes the
// full table to every member. The entry must carry the member's own key;
// a device can only mutate its own row of the table.
func (r *Room) Track(m *Member, meta protocol.PresenceMeta) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	if meta.ID != m.Key {
		return errKeyMismatch
	}

	r.mu.Lock()
	updated := false
	for i := range r.entries {
		if r.entries[i].memberID == m.ID {
			r.entries[i].meta = meta
			updated = true
			break
		}
	}
	if !updated {
		r.entries = append(r.entries, trackedEntry{memberID: m.ID, key: m.Key, meta: meta})
	}
	r.syncAllUnsafe()
	r.mu.Unlock()
	return nil
}

// Untrack removes the member's presence entry without dropping the
// connection, then pushes a fresh snapshot.
func (r *Room) Untrack(m *Member) {
	r.mu.Lock()
	r.untrackUnsafe(m)
	r.syncAllUnsafe()
	r.mu.Unlock()
}

// Broadcast fans an event out to every member, sender included. Per-member
// out channels are drained by a single write pump each, so frames from one
// sender keep their order.
func (r *Room) Broadcast(senderKey, event string, payload []byte) {
	f := protocol.Frame{
		Type:    protocol.FrameBroadcast,
		Event:   event,
		Payload: payload,
		Sender:  senderKey,
	}

	r.mu.Lock()
	members := make([]*Member, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	r.mu.Unlock()

	for _, m := range members {
		m.Write(f)
	}
}

// Snapshot returns the current presence table.
func (r *Room) Snapshot() protocol.PresenceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateUnsafe()
}

// MemberCount returns the number of live connections.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// untrackUnsafe removes the member's entry. Assumes lock is held.
func (r *Room) untrackUnsafe(m *Member) {
	for i := range r.entries {
		if r.entries[i].memberID == m.ID {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// stateUnsafe assembles the presence table in track order. Assumes lock is
// held.
func (r *Room) stateUnsafe() protocol.PresenceState {
	state := make(protocol.PresenceState)
	for _, e := range r.entries {
		state[e.key] = append(state[e.key], e.meta)
	}
	return state
}

// syncAllUnsafe pushes the full presence table to every member; this is the
// "full snapshot on every change" contract. Assumes lock is held; Write is
// non-blocking so holding the lock is safe.
func (r *Room) syncAllUnsafe() {
	state := r.stateUnsafe()
	for _, m := range r.members {
		m.Write(protocol.Frame{Type: protocol.FramePresenceState, State: state.Clone()})
	}
}
