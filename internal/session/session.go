// Package session is the mock token store: it checks configured credentials,
// issues signed tokens and persists the active session.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"opsdash/internal/middleware"
	"opsdash/internal/storage"
	"opsdash/internal/utils"
)

const (
	Namespace = "auth"
	keyToken  = "token"
	keyUser   = "user"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrNotLoggedIn        = errors.New("not logged in")
)

// State is the active session. A zero State means logged out.
type State struct {
	User      string    `json:"user"`
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s State) Authenticated() bool {
	return s.User != "" && s.Token != ""
}

type Manager struct {
	auth   *middleware.AuthService
	kv     storage.KV
	users  map[string]string
	logger *utils.Logger

	mu        sync.Mutex
	state     State
	listeners []func(State)
}

// NewManager builds a manager over users (username to bcrypt hash).
func NewManager(auth *middleware.AuthService, kv storage.KV, users map[string]string, logger *utils.Logger) *Manager {
	copied := make(map[string]string, len(users))
	for k, v := range users {
		copied[k] = v
	}
	return &Manager{auth: auth, kv: kv, users: copied, logger: logger}
}

// OnChange registers a listener fired after login, refresh and logout.
func (m *Manager) OnChange(fn func(State)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Manager) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Token() string {
	return m.Current().Token
}

func (m *Manager) User() string {
	return m.Current().User
}

func (m *Manager) Login(username, password string) (State, error) {
	username = strings.TrimSpace(username)
	hash, ok := m.users[username]
	if !ok || !m.auth.CheckPassword(password, hash) {
		m.logf("Login failed for %q", username)
		return State{}, ErrInvalidCredentials
	}
	st, err := m.issue(username)
	if err != nil {
		return State{}, err
	}
	m.logf("User %s logged in", username)
	return st, nil
}

// Refresh issues a fresh token for the current user.
func (m *Manager) Refresh() (State, error) {
	user := m.User()
	if user == "" {
		return State{}, ErrNotLoggedIn
	}
	return m.issue(user)
}

func (m *Manager) issue(username string) (State, error) {
	token, expires, err := m.auth.GenerateToken(username)
	if err != nil {
		return State{}, fmt.Errorf("issue token: %w", err)
	}
	st := State{User: username, Token: token, ExpiresAt: expires}
	m.persist(st)
	m.set(st)
	return st, nil
}

// Restore loads a persisted session whose token is still valid. Stale or
// mismatched records are cleared.
func (m *Manager) Restore() (State, bool) {
	if m.kv == nil {
		return State{}, false
	}
	var token, user string
	okToken, err := m.kv.Get(Namespace, keyToken, &token)
	if err != nil {
		m.logf("Restoring session token failed: %v", err)
	}
	okUser, err := m.kv.Get(Namespace, keyUser, &user)
	if err != nil {
		m.logf("Restoring session user failed: %v", err)
	}
	if !okToken || !okUser {
		return State{}, false
	}

	claims, err := m.auth.ValidateToken(token)
	if err != nil || claims.Username != user {
		m.logf("Discarding persisted session for %q", user)
		m.clearPersisted()
		return State{}, false
	}
	if _, known := m.users[user]; !known {
		m.logf("Discarding persisted session for unknown user %q", user)
		m.clearPersisted()
		return State{}, false
	}

	st := State{User: user, Token: token}
	if claims.ExpiresAt != nil {
		st.ExpiresAt = claims.ExpiresAt.Time
	}
	m.set(st)
	m.logf("Restored session for %s", user)
	return st, true
}

func (m *Manager) Logout() {
	m.clearPersisted()
	m.mu.Lock()
	was := m.state.User
	m.state = State{}
	m.mu.Unlock()
	if was != "" {
		m.logf("User %s logged out", was)
	}
	m.notify(State{})
}

// ValidateToken returns the username carried by a token issued by this manager.
func (m *Manager) ValidateToken(token string) (string, error) {
	claims, err := m.auth.ValidateToken(token)
	if err != nil {
		return "", err
	}
	return claims.Username, nil
}

func (m *Manager) set(st State) {
	m.mu.Lock()
	m.state = st
	m.mu.Unlock()
	m.notify(st)
}

func (m *Manager) notify(st State) {
	m.mu.Lock()
	listeners := append([]func(State){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(st)
	}
}

func (m *Manager) persist(st State) {
	if m.kv == nil {
		return
	}
	ttl := time.Until(st.ExpiresAt)
	if err := m.kv.Set(Namespace, keyToken, st.Token, ttl); err != nil {
		m.logf("Persisting session token failed: %v", err)
	}
	if err := m.kv.Set(Namespace, keyUser, st.User, ttl); err != nil {
		m.logf("Persisting session user failed: %v", err)
	}
}

func (m *Manager) clearPersisted() {
	if m.kv == nil {
		return
	}
	for _, key := range []string{keyToken, keyUser} {
		if err := m.kv.Delete(Namespace, key); err != nil {
			m.logf("Clearing session %s failed: %v", key, err)
		}
	}
}

func (m *Manager) logf(format string, args ...interface{}) {
	m.logger.Writef(format, args...)
}
