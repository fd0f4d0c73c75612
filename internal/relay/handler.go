// internal/relay/handler.go
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/coffeederby/derby/internal/auth"
	"github.com/coffeederby/derby/internal/identity"
	"github.com/coffeederby/derby/internal/middleware"
	"github.com/coffeederby/derby/internal/protocol"
)

// WSHandler upgrades GET /rooms/ws/{code} to the derby.v1 subprotocol and
// runs the connection until the client leaves or drops.
func WSHandler(logger *logrus.Logger, reg *Registry, tokens *auth.Tokens) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		remoteAddr := r.RemoteAddr
		code := identity.NormalizeRoomCode(chi.URLParam(r, "code"))
		if !identity.ValidRoomCode(code) {
			http.Error(w, "invalid room code", http.StatusBadRequest)
			return
		}

		key := strings.TrimSpace(r.URL.Query().Get("key"))
		if key == "" {
			http.Error(w, "missing presence key", http.StatusBadRequest)
			return
		}

		// A resume token lets a reconnecting device reclaim its presence
		// key. Anything invalid is rejected rather than silently ignored.
		if tok := r.URL.Query().Get("token"); tok != "" {
			sub, err := tokens.Verify(tok, code)
			if err != nil {
				http.Error(w, "invalid resume token", http.StatusForbidden)
				return
			}
			key = sub
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{protocol.Subprotocol},
			OriginPatterns: []string{"*"}, // tighten per deployment
		})
		if err != nil {
			logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != protocol.Subprotocol {
			c.Close(websocket.StatusPolicyViolation, "client must speak "+protocol.Subprotocol)
			return
		}

		middleware.LogWebSocketConnect(logger, remoteAddr, r.URL.Path)

		ctx, cancel := context.WithCancel(r.Context())
		room := reg.Ensure(code)
		member := room.AddMember(key, cancel)

		resumeToken, err := tokens.Create(key, code)
		if err != nil {
			logger.Warnf("failed to mint resume token: %v", err)
		}
		member.Write(protocol.Frame{
			Type:        protocol.FrameWelcome,
			ConnID:      member.ID.String(),
			ResumeToken: resumeToken,
		})

		go writePump(ctx, c, member, logger)
		readPump(ctx, c, room, member, logger)

		room.RemoveMember(member)
		middleware.LogWebSocketDisconnect(logger, remoteAddr, r.URL.Path, nil)
	}
}

// readPump handles incoming frames from one member until the connection
// closes or errors.
func readPump(ctx context.Context, c *websocket.Conn, room *Room, m *Member, logger *logrus.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		typ, data, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway &&
				!strings.Contains(err.Error(), "context canceled") {
				logger.WithFields(logrus.Fields{
					"room": room.Code,
					"key":  m.Key,
				}).Debugf("read error: %v", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			m.WriteError("invalid frame")
			continue
		}

		switch f.Type {
		case protocol.FrameTrack:
			if f.Meta == nil {
				m.WriteError("track frame missing meta")
				continue
			}
			if err := room.Track(m, *f.Meta); err != nil {
				// Fail closed: a malformed or foreign presence entry never
				// enters the table.
				m.WriteError(err.Error())
			}
		case protocol.FrameUntrack:
			room.Untrack(m)
		case protocol.FrameBroadcast:
			if f.Event == "" {
				m.WriteError("broadcast frame missing event")
				continue
			}
			room.Broadcast(m.Key, f.Event, f.Payload)
		default:
			m.WriteError(fmt.Sprintf("unknown frame type %q", f.Type))
		}
	}
}

// writePump drains the member's out channel onto the wire and pings to keep
// the connection alive.
func writePump(ctx context.Context, c *websocket.Conn, m *Member, logger *logrus.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-m.Out:
			data, err := json.Marshal(f)
			if err != nil {
				logger.Warnf("failed to marshal frame for %s: %v", m.Key, err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// SnapshotHandler serves GET /rooms/{code}: the current presence table as
// JSON. Diagnostic surface; the protocol itself never reads it.
func SnapshotHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := identity.NormalizeRoomCode(chi.URLParam(r, "code"))
		if !identity.ValidRoomCode(code) {
			http.Error(w, "invalid room code", http.StatusBadRequest)
			return
		}
		room, ok := reg.Get(code)
		if !ok {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"code":    room.Code,
			"members": room.MemberCount(),
			"state":   room.Snapshot(),
		})
	}
}

// QRHandler serves GET /join/{code}/qr.png: a QR code for the shareable
// join link {origin}/join/{code}.
func QRHandler(publicOrigin string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := identity.NormalizeRoomCode(chi.URLParam(r, "code"))
		if !identity.ValidRoomCode(code) {
			http.Error(w, "invalid room code", http.StatusBadRequest)
			return
		}
		link := JoinLink(publicOrigin, code)
		png, err := qrcode.Encode(link, qrcode.Medium, 256)
		if err != nil {
			http.Error(w, "failed to render qr", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

// HealthHandler serves GET /healthz.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// JoinLink builds the shareable join URL for a room code.
func JoinLink(publicOrigin, code string) string {
	return strings.TrimSuffix(publicOrigin, "/") + "/join/" + code
}
