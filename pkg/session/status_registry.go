package session

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// SessionRecord is one registry entry's reportable view.
type SessionRecord struct {
	ID         string       `json:"id"`
	State      SessionState `json:"-"`
	StateName  string       `json:"state"`
	Backend    string       `json:"backend"`
	OpenedAt   time.Time    `json:"opened_at"`
	ReadyAt    time.Time    `json:"ready_at,omitempty"`
	Recordings int          `json:"recordings"`
}

// SessionRegistry is the explicit record of live sessions. Everything that
// needs to enumerate sessions (status reporting, shutdown sweeps) reads it;
// nothing consults package-level state.
type SessionRegistry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	openedAt   map[string]time.Time
	recordings map[string]int
}

// NewSessionRegistry returns an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions:   make(map[string]*Session),
		openedAt:   make(map[string]time.Time),
		recordings: make(map[string]int),
	}
}

// Add registers a session. Duplicate ids are rejected.
func (r *SessionRegistry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID()]; exists {
		return fmt.Errorf("session %s already registered", s.ID())
	}
	r.sessions[s.ID()] = s
	r.openedAt[s.ID()] = time.Now()
	metricSessionsActive.Set(float64(len(r.sessions)))
	return nil
}

// Remove unregisters a session. Unknown ids are ignored.
func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	delete(r.openedAt, id)
	delete(r.recordings, id)
	metricSessionsActive.Set(float64(len(r.sessions)))
}

// SetRecordings updates the stored-artifact count reported for a session.
// Unknown ids are ignored.
func (r *SessionRegistry) SetRecordings(id string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return
	}
	r.recordings[id] = n
}

// Get returns a registered session.
func (r *SessionRegistry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of registered sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Records returns a stable-ordered snapshot for status reporting.
func (r *SessionRegistry) Records() []SessionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := make([]SessionRecord, 0, len(r.sessions))
	for id, s := range r.sessions {
		state := s.State()
		records = append(records, SessionRecord{
			ID:         id,
			State:      state,
			StateName:  state.String(),
			Backend:    s.Config().BackendURL,
			OpenedAt:   r.openedAt[id],
			ReadyAt:    s.Stats().ReadyAt,
			Recordings: r.recordings[id],
		})
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].OpenedAt.Before(records[j].OpenedAt)
	})
	return records
}

// Each calls fn for every registered session. The registry lock is held for
// the duration; fn must be brief.
func (r *SessionRegistry) Each(fn func(*Session)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		fn(s)
	}
}
