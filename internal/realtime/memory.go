// internal/realtime/memory.go
package realtime

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/coffeederby/derby/internal/protocol"
)

// eventBuffer is the per-subscriber queue depth. A slow consumer past this
// drops messages, matching the best-effort broadcast contract.
const eventBuffer = 64

// Broker is an in-process Backend. It backs single-process setups and every
// session test; the semantics (full-snapshot presence sync, best-effort
// fanout) are identical to the websocket relay.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*memTopic
	logger *logrus.Logger
}

// NewBroker returns an empty in-process broker. logger may be nil.
func NewBroker(logger *logrus.Logger) *Broker {
	if logger == nil {
		logger = logrus.New()
	}
	return &Broker{
		topics: make(map[string]*memTopic),
		logger: logger,
	}
}

// Subscribe opens a channel on topic under the given presence key.
func (b *Broker) Subscribe(ctx context.Context, topic, key string) (Channel, error) {
	b.mu.Lock()
	t, ok := b.topics[topic]
	if !ok {
		t = &memTopic{
			name:    topic,
			broker:  b,
			members: make(map[*memChannel]struct{}),
		}
		b.topics[topic] = t
	}
	b.mu.Unlock()

	ch := &memChannel{
		topic:  t,
		key:    key,
		events: make(chan Event, eventBuffer),
	}
	t.add(ch)
	return ch, nil
}

func (b *Broker) dropTopic(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.topics, name)
}

type presenceEntry struct {
	ch   *memChannel
	meta protocol.PresenceMeta
}

type memTopic struct {
	name   string
	broker *Broker

	mu      sync.Mutex
	members map[*memChannel]struct{}
	// entries holds tracked presence in track order. A key may appear more
	// than once under reconnect races; the reconciler takes the first.
	entries []presenceEntry
}

func (t *memTopic) add(ch *memChannel) {
	t.mu.Lock()
	t.members[ch] = struct{}{}
	snapshot := t.stateUnsafe()
	t.mu.Unlock()

	// New subscribers get the current table immediately.
	ch.deliver(PresenceSync{State: snapshot})
}

func (t *memTopic) track(ch *memChannel, meta protocol.PresenceMeta) {
	t.mu.Lock()
	updated := false
	for i := range t.entries {
		if t.entries[i].ch == ch {
			t.entries[i].meta = meta
			updated = true
			break
		}
	}
	if !updated {
		t.entries = append(t.entries, presenceEntry{ch: ch, meta: meta})
	}
	t.syncAllUnsafe()
	t.mu.Unlock()
}

func (t *memTopic) remove(ch *memChannel) {
	t.mu.Lock()
	delete(t.members, ch)
	for i := range t.entries {
		if t.entries[i].ch == ch {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}
	empty := len(t.members) == 0
	if !empty {
		t.syncAllUnsafe()
	}
	t.mu.Unlock()

	if empty {
		t.broker.dropTopic(t.name)
	}
}

func (t *memTopic) broadcast(event string, payload []byte, sender string) {
	t.mu.Lock()
	members := make([]*memChannel, 0, len(t.members))
	for m := range t.members {
		members = append(members, m)
	}
	t.mu.Unlock()

	for _, m := range members {
		m.deliver(Broadcast{Event: event, Payload: payload, Sender: sender})
	}
}

// stateUnsafe assembles the presence table. Assumes lock is held.
func (t *memTopic) stateUnsafe() protocol.PresenceState {
	state := make(protocol.PresenceState)
	for _, e := range t.entries {
		state[e.ch.key] = append(state[e.ch.key], e.meta)
	}
	return state
}

// syncAllUnsafe pushes the full table to every member. Assumes lock is held.
func (t *memTopic) syncAllUnsafe() {
	state := t.stateUnsafe()
	for m := range t.members {
		m.deliver(PresenceSync{State: state.Clone()})
	}
}

type memChannel struct {
	topic  *memTopic
	key    string
	events chan Event

	mu     sync.Mutex
	closed bool
}

func (c *memChannel) Track(ctx context.Context, meta protocol.PresenceMeta) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	c.topic.track(c, meta)
	return nil
}

func (c *memChannel) Broadcast(ctx context.Context, event string, payload interface{}) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	data, err := protocol.MarshalPayload(payload)
	if err != nil {
		return err
	}
	c.topic.broadcast(event, data, c.key)
	return nil
}

func (c *memChannel) Events() <-chan Event {
	return c.events
}

func (c *memChannel) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.topic.remove(c)
	close(c.events)
	return nil
}

// deliver pushes an event non-blockingly; a full buffer drops the event.
func (c *memChannel) deliver(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.topic.broker.logger.WithField("topic", c.topic.name).
			Warn("subscriber event buffer full, dropping event")
	}
}
