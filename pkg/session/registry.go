package session

import (
	"log/slog"
	"sync"
	"time"
)

// Registry maps peer ids to their sessions.
//
// All mutation happens on the orchestrator's event loop; the mutex exists so
// read-only observers (status endpoints, stats) can snapshot safely from
// other goroutines.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Get returns the session for a peer, or nil if absent.
func (r *Registry) Get(peerID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[peerID]
}

// GetOrCreate returns the peer's session, creating it on first contact.
func (r *Registry) GetOrCreate(peerID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[peerID]; ok {
		return s
	}
	s := New(peerID, r.logger)
	r.sessions[peerID] = s
	r.logger.Info("session created", "peer", peerID, "total", len(r.sessions))
	return s
}

// Remove destroys a peer's session. Returns the removed session, or nil.
func (r *Registry) Remove(peerID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[peerID]
	if !ok {
		return nil
	}
	delete(r.sessions, peerID)
	r.logger.Info("session removed", "peer", peerID, "remaining", len(r.sessions))
	return s
}

// Each calls fn for every session. fn must not mutate the registry.
func (r *Registry) Each(fn func(*Session)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		fn(s)
	}
}

// Idle returns the peers whose sessions have been inactive longer than
// maxIdle and have no request pending. Those sessions are eviction
// candidates.
func (r *Registry) Idle(now time.Time, maxIdle time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, s := range r.sessions {
		if s.State.Pending() || !s.Audio.Empty() {
			continue
		}
		if now.Sub(s.LastActivity()) >= maxIdle {
			out = append(out, id)
		}
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Info is a read-only session snapshot for status endpoints.
type Info struct {
	PeerID        string    `json:"peer_id"`
	State         string    `json:"state"`
	BufferedBytes int       `json:"buffered_bytes"`
	Pending       bool      `json:"pending"`
	Joined        time.Time `json:"joined"`
}

// Snapshot returns info for all live sessions.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, Info{
			PeerID:        s.PeerID,
			State:         s.State.String(),
			BufferedBytes: s.Audio.Len(),
			Pending:       s.State.Pending(),
			Joined:        s.Joined,
		})
	}
	return out
}
