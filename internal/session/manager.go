package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrNotFound indicates an unknown or expired session id.
var ErrNotFound = errors.New("session not found")

// Manager owns the live sessions of the process.
type Manager struct {
	opts Options
	ttl  time.Duration
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager returns a manager that expires sessions idle for longer than ttl.
// A non-positive ttl disables expiry.
func NewManager(opts Options, ttl time.Duration) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	opts.Now = now
	return &Manager{
		opts:     opts,
		ttl:      ttl,
		now:      now,
		sessions: make(map[string]*Session),
	}
}

// Create starts a new session.
func (m *Manager) Create() *Session {
	sess := New(m.opts)

	m.mu.Lock()
	m.sessions[sess.ID()] = sess
	count := len(m.sessions)
	m.mu.Unlock()

	slog.Debug("session created", "session", sess.ID(), "active", count)
	return sess
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	if m.expired(sess, m.now()) {
		m.Delete(id)
		return nil, ErrNotFound
	}
	return sess, nil
}

// Delete discards a session and its credential. A request still running on
// the session finishes first; the credential is wiped when it returns.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		sess.close()
	}
}

// Len reports the number of tracked sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) expired(sess *Session, now time.Time) bool {
	if m.ttl <= 0 {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return !sess.busy && now.Sub(sess.lastSeen) > m.ttl
}

// Sweep removes expired sessions and returns how many were dropped.
func (m *Manager) Sweep() int {
	now := m.now()

	m.mu.Lock()
	var stale []*Session
	for id, sess := range m.sessions {
		if m.expired(sess, now) {
			stale = append(stale, sess)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, sess := range stale {
		sess.close()
	}
	if len(stale) > 0 {
		slog.Info("expired idle sessions", "count", len(stale))
	}
	return len(stale)
}

// Run sweeps expired sessions every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if m.ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
