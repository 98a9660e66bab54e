package gateway

import (
	"sync"

	"github.com/gorilla/websocket"
)

// registry tracks live sessions by id. remove reports whether the id was
// still present so disconnect cleanup runs exactly once per session.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newRegistry() *registry {
	return &registry{sessions: map[string]*session{}}
}

func (r *registry) add(s *session) {
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
}

func (r *registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// closeAll notifies every live session that the gateway is going away.
// Used on shutdown; the per-connection handlers still run their own cleanup.
func (r *registry) closeAll(reason string) {
	r.mu.Lock()
	ss := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		ss = append(ss, s)
	}
	r.mu.Unlock()
	for _, s := range ss {
		s.closeWith(websocket.CloseGoingAway, reason)
	}
}
