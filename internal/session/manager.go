package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultHeartbeatTimeout is how long a session may go silent before the
// sweep closes it.
const DefaultHeartbeatTimeout = 30 * time.Second

// sweepInterval is how often the manager scans for expired sessions. Kept
// well under the timeout so expiry latency stays small.
const sweepInterval = 5 * time.Second

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHeartbeatTimeout overrides the heartbeat expiry window.
func WithHeartbeatTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithClock overrides the time source. Tests use this to drive expiry
// deterministically.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager is the registry of live sessions across all documents. It owns
// session creation, lookup, removal, and the heartbeat sweep that closes
// sessions whose client went silent.
type Manager struct {
	log     *slog.Logger
	timeout time.Duration
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	byDoc    map[string]map[string]*Session

	// onExpire, when set, is invoked for each session the sweep closes,
	// outside the manager lock. The server uses it to tear down the
	// session's coordinator subscription and connection.
	onExpire func(*Session)
}

// NewManager returns an empty registry.
func NewManager(log *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		log:      log,
		timeout:  DefaultHeartbeatTimeout,
		now:      time.Now,
		sessions: make(map[string]*Session),
		byDoc:    make(map[string]map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnExpire registers the callback invoked for sessions the sweep closes.
// Must be set before Run.
func (m *Manager) OnExpire(fn func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = fn
}

// Create registers a new session for clientID on docID, in StateConnecting.
func (m *Manager) Create(docID, clientID string) *Session {
	s := New(docID, clientID, m.now())

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[s.ID()] = s
	docSessions := m.byDoc[docID]
	if docSessions == nil {
		docSessions = make(map[string]*Session)
		m.byDoc[docID] = docSessions
	}
	docSessions[s.ID()] = s

	m.log.Debug("session created",
		"session_id", s.ID(),
		"client_id", clientID,
		"doc_id", docID)
	return s
}

// Get returns the session by ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove closes and deregisters the session. Safe to call twice.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		if docSessions := m.byDoc[s.DocumentID()]; docSessions != nil {
			delete(docSessions, id)
			if len(docSessions) == 0 {
				delete(m.byDoc, s.DocumentID())
			}
		}
	}
	m.mu.Unlock()

	if ok {
		s.Close()
		m.log.Debug("session removed", "session_id", id, "doc_id", s.DocumentID())
	}
}

// ForDocument returns the live sessions editing docID, ordered by session ID
// for deterministic iteration.
func (m *Manager) ForDocument(docID string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	docSessions := m.byDoc[docID]
	out := make([]*Session, 0, len(docSessions))
	for _, s := range docSessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of registered sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SweepExpired closes and removes every session past the heartbeat timeout,
// returning the closed sessions.
func (m *Manager) SweepExpired() []*Session {
	now := m.now()

	m.mu.Lock()
	var expired []*Session
	for _, s := range m.sessions {
		if s.ExpiredSince(now, m.timeout) {
			expired = append(expired, s)
		}
	}
	onExpire := m.onExpire
	m.mu.Unlock()

	for _, s := range expired {
		m.Remove(s.ID())
		m.log.Info("session expired",
			"session_id", s.ID(),
			"client_id", s.ClientID(),
			"doc_id", s.DocumentID())
		if onExpire != nil {
			onExpire(s)
		}
	}
	return expired
}

// Run sweeps for expired sessions until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.SweepExpired()
		}
	}
}
