// internal/relay/registry.go
package relay

import (
	"errors"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

var errKeyMismatch = errors.New("relay: presence id must match connection key")

// Registry manages the active rooms in memory. Rooms are created on first
// subscribe and deleted when the last member disconnects; there is no
// server-side expiry beyond that.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	logger *logrus.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		rooms:  make(map[string]*Room),
		logger: logger,
	}
}

// Ensure returns the room for code, creating it if needed. The room's
// OnEmpty callback is wired to remove it from the registry.
func (g *Registry) Ensure(code string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms[code]; ok {
		return r
	}
	r := NewRoom(code, g.logger)
	r.OnEmpty = g.Delete
	g.rooms[code] = r
	g.logger.WithField("room", code).Info("room created")
	return r
}

// Get returns the room for code if it exists.
func (g *Registry) Get(code string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[code]
	return r, ok
}

// Delete removes a room from the registry.
func (g *Registry) Delete(code string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.rooms[code]; ok {
		delete(g.rooms, code)
		g.logger.WithField("room", code).Info("room deleted")
	}
}

// Codes lists the active room codes, sorted.
func (g *Registry) Codes() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	codes := make([]string, 0, len(g.rooms))
	for code := range g.rooms {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
