// Package sessions tracks resumable agent conversations per chat user and
// project directory. A session starts as a placeholder with a temporary id
// and is re-keyed to the agent-assigned id after the first successful run.
package sessions

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// tempPrefix marks placeholder ids not yet confirmed by the agent.
const tempPrefix = "temp_"

// Session is one resumable conversation. All timestamps are UTC.
type Session struct {
	SessionID    string    `json:"session_id"`
	UserID       int64     `json:"user_id"`
	ProjectPath  string    `json:"project_path"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsed     time.Time `json:"last_used"`
	TotalCost    float64   `json:"total_cost"`
	TotalTurns   int       `json:"total_turns"`
	MessageCount int       `json:"message_count"`
	ToolsUsed    []string  `json:"tools_used,omitempty"`

	// IsNew is true until the agent confirms the session id.
	IsNew bool `json:"is_new"`
}

// Temporary reports whether the session still carries a placeholder id.
func (s *Session) Temporary() bool {
	return strings.HasPrefix(s.SessionID, tempPrefix)
}

func (s *Session) clone() *Session {
	clone := *s
	clone.ToolsUsed = append([]string(nil), s.ToolsUsed...)
	return &clone
}

// Manager is an in-memory session store. Safe for concurrent use; all
// returned sessions are copies.
type Manager struct {
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	// byUserPath indexes the live session per (user, project) pair.
	byUserPath map[int64]map[string]string
}

// NewManager creates a store whose sessions expire after ttl of idleness.
func NewManager(ttl time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		ttl:        ttl,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		sessions:   map[string]*Session{},
		byUserPath: map[int64]map[string]string{},
	}
}

// GetOrCreate returns the user's live session for the project, creating a
// placeholder when none exists or the existing one has expired.
func (m *Manager) GetOrCreate(userID int64, projectPath string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byUserPath[userID][projectPath]; ok {
		if session := m.sessions[id]; session != nil && !m.expired(session) {
			session.LastUsed = m.now()
			return session.clone()
		}
	}

	session := &Session{
		SessionID:   tempPrefix + uuid.NewString(),
		UserID:      userID,
		ProjectPath: projectPath,
		CreatedAt:   m.now(),
		LastUsed:    m.now(),
		IsNew:       true,
	}
	m.index(session)
	m.logger.Debug("session created",
		"session_id", session.SessionID, "user_id", userID, "project", projectPath)
	return session.clone()
}

// Get returns the session by id, or nil when unknown or expired.
func (m *Manager) Get(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session := m.sessions[sessionID]
	if session == nil || m.expired(session) {
		return nil
	}
	return session.clone()
}

// Confirm re-keys a placeholder session to the agent-assigned id and
// accumulates the run's cost, turns, and tools. Called after each
// successful run; unknown previous ids create the session fresh.
func (m *Manager) Confirm(previousID, agentID string, userID int64, projectPath string, cost float64, turns int, tools []string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	session := m.sessions[previousID]
	if session == nil {
		session = m.sessions[agentID]
	}
	if session == nil {
		session = &Session{
			SessionID:   agentID,
			UserID:      userID,
			ProjectPath: projectPath,
			CreatedAt:   m.now(),
		}
	} else if session.SessionID != agentID {
		m.unindex(session)
		session.SessionID = agentID
	}

	session.IsNew = false
	session.LastUsed = m.now()
	session.TotalCost += cost
	session.TotalTurns += turns
	session.MessageCount++
	session.ToolsUsed = mergeTools(session.ToolsUsed, tools)
	m.index(session)
	return session.clone()
}

// Invalidate drops a session, e.g. after the agent rejects its id.
func (m *Manager) Invalidate(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session := m.sessions[sessionID]; session != nil {
		m.unindex(session)
		delete(m.sessions, sessionID)
	}
}

// ListUserSessions returns the user's sessions, most recently used first.
func (m *Manager) ListUserSessions(userID int64) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, session := range m.sessions {
		if session.UserID == userID && !m.expired(session) {
			out = append(out, session.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUsed.After(out[j].LastUsed)
	})
	return out
}

// MostRecent returns the user's latest confirmed session, scoped to the
// project path when one is given. Empty path matches any project;
// temporaries never match.
func (m *Manager) MostRecent(userID int64, projectPath string) *Session {
	for _, session := range m.ListUserSessions(userID) {
		if session.Temporary() {
			continue
		}
		if projectPath != "" && session.ProjectPath != projectPath {
			continue
		}
		return session
	}
	return nil
}

// CleanupExpired removes idle sessions and returns how many were dropped.
// Scheduled periodically by the server.
func (m *Manager) CleanupExpired(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, session := range m.sessions {
		if ctx.Err() != nil {
			break
		}
		if m.expired(session) {
			m.unindex(session)
			delete(m.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("expired sessions removed", "count", removed)
	}
	return removed
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) expired(session *Session) bool {
	return m.ttl > 0 && m.now().Sub(session.LastUsed) > m.ttl
}

func (m *Manager) index(session *Session) {
	m.sessions[session.SessionID] = session
	if session.UserID == 0 {
		return
	}
	if m.byUserPath[session.UserID] == nil {
		m.byUserPath[session.UserID] = map[string]string{}
	}
	m.byUserPath[session.UserID][session.ProjectPath] = session.SessionID
}

func (m *Manager) unindex(session *Session) {
	delete(m.sessions, session.SessionID)
	if paths := m.byUserPath[session.UserID]; paths != nil {
		if paths[session.ProjectPath] == session.SessionID {
			delete(paths, session.ProjectPath)
		}
		if len(paths) == 0 {
			delete(m.byUserPath, session.UserID)
		}
	}
}

func mergeTools(existing, added []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, name := range existing {
		seen[name] = true
	}
	for _, name := range added {
		if name != "" && !seen[name] {
			existing = append(existing, name)
			seen[name] = true
		}
	}
	return existing
}
