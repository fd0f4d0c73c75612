// internal/realtime/client.go
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/coffeederby/derby/internal/protocol"
)

// Client is a Backend that speaks the derby.v1 websocket protocol to a
// relay server.
type Client struct {
	baseURL *url.URL
	logger  *logrus.Logger
}

// NewClient builds a websocket backend for the relay at rawURL
// (e.g. "wss://relay.example.com"). Returns ErrNotConfigured when rawURL is
// empty so callers can distinguish "multiplayer unavailable" from a failed
// join.
func NewClient(rawURL string, logger *logrus.Logger) (*Client, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, ErrNotConfigured
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("realtime: invalid relay url %q: %w", rawURL, err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{baseURL: u, logger: logger}, nil
}

// Subscribe dials the relay and returns once the subscription is live.
func (c *Client) Subscribe(ctx context.Context, topic, key string) (Channel, error) {
	code := strings.TrimPrefix(topic, "room:")

	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/rooms/ws/" + code
	q := u.Query()
	q.Set("key", key)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: subscribe %s: %w", topic, err)
	}

	ch := &wsChannel{
		conn:   conn,
		topic:  topic,
		key:    key,
		logger: c.logger,
		out:    make(chan protocol.Frame, eventBuffer),
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	go ch.readPump()
	go ch.writePump()
	return ch, nil
}

type wsChannel struct {
	conn   *websocket.Conn
	topic  string
	key    string
	logger *logrus.Logger

	out    chan protocol.Frame
	events chan Event
	done   chan struct{}

	mu          sync.Mutex
	closed      bool
	resumeToken string
}

// ResumeToken returns the token the relay issued for this connection, if
// any. Presenting it on a later Subscribe reclaims the same presence key.
func (c *wsChannel) ResumeToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeToken
}

func (c *wsChannel) Track(ctx context.Context, meta protocol.PresenceMeta) error {
	return c.send(protocol.Frame{Type: protocol.FrameTrack, Meta: &meta})
}

func (c *wsChannel) Broadcast(ctx context.Context, event string, payload interface{}) error {
	data, err := protocol.MarshalPayload(payload)
	if err != nil {
		return err
	}
	return c.send(protocol.Frame{Type: protocol.FrameBroadcast, Event: event, Payload: data})
}

func (c *wsChannel) Events() <-chan Event {
	return c.events
}

// Close untracks presence, then tears the connection down. Idempotent.
func (c *wsChannel) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// Best-effort untrack so other members see the leave before the socket
	// drops; the relay also untracks on disconnect.
	data, err := json.Marshal(protocol.Frame{Type: protocol.FrameUntrack})
	if err == nil {
		writeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = c.conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
	}

	close(c.done)
	return c.conn.Close(websocket.StatusNormalClosure, "leaving room")
}

func (c *wsChannel) send(f protocol.Frame) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case c.out <- f:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// readPump turns incoming frames into Events until the connection drops.
func (c *wsChannel) readPump() {
	defer func() {
		c.mu.Lock()
		alreadyClosed := c.closed
		c.closed = true
		c.mu.Unlock()
		if !alreadyClosed {
			close(c.done)
			_ = c.conn.Close(websocket.StatusInternalError, "read pump exited")
		}
		close(c.events)
	}()

	ctx := context.Background()
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				c.logger.WithFields(logrus.Fields{
					"topic": c.topic,
					"error": err,
				}).Debug("relay connection closed")
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.WithField("topic", c.topic).Warnf("invalid frame from relay: %v", err)
			continue
		}

		switch f.Type {
		case protocol.FrameWelcome:
			c.mu.Lock()
			c.resumeToken = f.ResumeToken
			c.mu.Unlock()
		case protocol.FramePresenceState:
			c.deliver(PresenceSync{State: f.State})
		case protocol.FrameBroadcast:
			c.deliver(Broadcast{Event: f.Event, Payload: f.Payload, Sender: f.Sender})
		case protocol.FrameError:
			c.logger.WithField("topic", c.topic).Warnf("relay error: %s", f.Message)
		}
	}
}

// writePump serializes outgoing frames and keeps the connection alive.
func (c *wsChannel) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case f := <-c.out:
			data, err := json.Marshal(f)
			if err != nil {
				c.logger.Warnf("failed to marshal frame: %v", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.logger.WithField("topic", c.topic).Debugf("write failed: %v", err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.logger.WithField("topic", c.topic).Debug("ping failed, assuming disconnect")
				return
			}
		}
	}
}

// deliver pushes an event non-blockingly; a full buffer drops the event.
func (c *wsChannel) deliver(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.WithField("topic", c.topic).Warn("event buffer full, dropping event")
	}
}
