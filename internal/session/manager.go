package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrCapacityExceeded = errors.New("session capacity exceeded")
	ErrExpired          = errors.New("session expired")
)

// Closer is the piece of a connection the manager needs for teardown.
type Closer interface {
	Close() error
}

// Session is one live bridge between a frontend client and the voice
// service. The connection handles are owned by the manager and torn
// down on destroy.
type Session struct {
	ID                string    `json:"session_id"`
	UserID            string    `json:"user_id"`
	Status            Status    `json:"status"`
	FrontendConnected bool      `json:"frontend_connected"`
	CreatedAt         time.Time `json:"created_at"`
	LastActiveAt      time.Time `json:"last_active_at"`

	frontend   Closer
	upstream   Closer
	graceTimer *time.Timer
}

// Manager owns the session table: a capacity ceiling, one session per
// user with last-writer-wins replacement, idle expiry, and a grace
// window that keeps a session alive across frontend reconnects.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	byUser      map[string]string
	maxSessions int
	idleTimeout time.Duration
	graceWindow time.Duration
	onClose     func(*Session)
}

func NewManager(maxSessions int, idleTimeout, graceWindow time.Duration) *Manager {
	if maxSessions <= 0 {
		maxSessions = 64
	}
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	if graceWindow <= 0 {
		graceWindow = 30 * time.Second
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		byUser:      make(map[string]string),
		maxSessions: maxSessions,
		idleTimeout: idleTimeout,
		graceWindow: graceWindow,
	}
}

// SetCloseHook registers a callback fired once per destroyed session,
// after its connections are closed.
func (m *Manager) SetCloseHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClose = hook
}

// Create registers a new session. An existing session for the same
// user is destroyed first; the newcomer wins.
func (m *Manager) Create(userID string) (*Session, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	var evicted *Session
	if userID != "" {
		if oldID, ok := m.byUser[userID]; ok {
			evicted = m.removeLocked(oldID)
		}
	}
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		if evicted != nil {
			m.finishDestroy(evicted)
		}
		return nil, ErrCapacityExceeded
	}
	s := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		Status:       StatusActive,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	m.sessions[s.ID] = s
	if userID != "" {
		m.byUser[userID] = s.ID
	}
	m.mu.Unlock()

	if evicted != nil {
		log.Printf("session: replaced earlier session %s for user %s", evicted.ID, userID)
		m.finishDestroy(evicted)
	}
	return clone(s), nil
}

// Get returns a snapshot of a live session and counts as activity. A
// session past its idle timeout is destroyed on the spot and reported
// as expired.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	now := time.Now().UTC()
	if now.Sub(s.LastActiveAt) >= m.idleTimeout {
		dead := m.removeLocked(sessionID)
		m.mu.Unlock()
		m.finishDestroy(dead)
		return nil, ErrExpired
	}
	s.LastActiveAt = now
	snapshot := clone(s)
	m.mu.Unlock()
	return snapshot, nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActiveAt = time.Now().UTC()
	return nil
}

// AttachFrontend binds a frontend connection to the session, closing
// any previous one and cancelling a pending grace teardown.
func (m *Manager) AttachFrontend(sessionID string, conn Closer) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	prev := s.frontend
	s.frontend = conn
	s.FrontendConnected = true
	s.LastActiveAt = time.Now().UTC()
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	m.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return nil
}

// DetachFrontend records that the frontend dropped and arms the grace
// timer. If no frontend reattaches within the window, the session is
// destroyed. A detach for a connection that was already replaced is
// ignored.
func (m *Manager) DetachFrontend(sessionID string, conn Closer) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || (conn != nil && s.frontend != conn) {
		m.mu.Unlock()
		return
	}
	s.frontend = nil
	s.FrontendConnected = false
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.graceTimer = time.AfterFunc(m.graceWindow, func() {
		m.destroyIfDisconnected(sessionID)
	})
	m.mu.Unlock()
}

// AttachUpstream binds the voice-service connection, closing any
// previous one.
func (m *Manager) AttachUpstream(sessionID string, conn Closer) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	prev := s.upstream
	s.upstream = conn
	m.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return nil
}

// Destroy tears a session down: both connection legs are closed, the
// grace timer is cancelled, and the close hook fires. Destroying an
// unknown session is a no-op.
func (m *Manager) Destroy(sessionID string) {
	m.mu.Lock()
	s := m.removeLocked(sessionID)
	m.mu.Unlock()
	if s != nil {
		m.finishDestroy(s)
	}
}

func (m *Manager) destroyIfDisconnected(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.FrontendConnected {
		m.mu.Unlock()
		return
	}
	dead := m.removeLocked(sessionID)
	m.mu.Unlock()
	log.Printf("session: %s abandoned by frontend, destroying", sessionID)
	m.finishDestroy(dead)
}

// removeLocked unlinks a session from the tables and marks it ended.
// The caller must hold the lock and finish with finishDestroy.
func (m *Manager) removeLocked(sessionID string) *Session {
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(m.sessions, sessionID)
	if s.UserID != "" && m.byUser[s.UserID] == sessionID {
		delete(m.byUser, s.UserID)
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.Status = StatusEnded
	return s
}

// finishDestroy closes the connection legs and fires the close hook.
// Runs outside the manager lock.
func (m *Manager) finishDestroy(s *Session) {
	if s.frontend != nil {
		s.frontend.Close()
	}
	if s.upstream != nil {
		s.upstream.Close()
	}
	m.mu.RLock()
	hook := m.onClose
	m.mu.RUnlock()
	if hook != nil {
		hook(clone(s))
	}
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// StartJanitor sweeps idle sessions in the background until the
// context is cancelled.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireIdle()
			}
		}
	}()
}

func (m *Manager) expireIdle() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.LastActiveAt) < m.idleTimeout {
			continue
		}
		expired = append(expired, m.removeLocked(id))
	}
	m.mu.Unlock()

	for _, s := range expired {
		log.Printf("session: %s expired after idle timeout", s.ID)
		m.finishDestroy(s)
	}
}

func clone(s *Session) *Session {
	c := *s
	c.frontend = nil
	c.upstream = nil
	c.graceTimer = nil
	return &c
}
