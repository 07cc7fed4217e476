package notify

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantlytics/internal/metrics"
)

var (
	ErrSessionGone = errors.New("live session not registered")
	ErrSessionFull = errors.New("live session buffer full")
)

// DefaultSessionBuffer is the outbound event buffer of a session.
const DefaultSessionBuffer = 32

// SessionInfo identifies a live session for fan-out decisions.
type SessionInfo struct {
	ID     string
	UserID *string
}

// Session is one connected live client. The transport drains Events and
// writes each one to the wire.
type Session struct {
	ID       string
	TenantID uuid.UUID
	UserID   *string

	out    chan Event
	closed chan struct{}
}

// Events returns the outbound event stream. It is never closed; use Done to
// learn when the session has been unregistered.
func (s *Session) Events() <-chan Event { return s.out }

// Done is closed once the session is unregistered.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Hub is the in-process registry of live sessions, indexed by tenant.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byTenant map[uuid.UUID]map[string]struct{}
	buffer   int
}

// NewHub creates a Hub. A non-positive buffer uses DefaultSessionBuffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSessionBuffer
	}
	return &Hub{
		sessions: make(map[string]*Session),
		byTenant: make(map[uuid.UUID]map[string]struct{}),
		buffer:   buffer,
	}
}

// Register adds a session for tenantID and returns it.
func (h *Hub) Register(tenantID uuid.UUID, userID *string) *Session {
	s := &Session{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		UserID:   userID,
		out:      make(chan Event, h.buffer),
		closed:   make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID] = s
	if h.byTenant[tenantID] == nil {
		h.byTenant[tenantID] = make(map[string]struct{})
	}
	h.byTenant[tenantID][s.ID] = struct{}{}
	metrics.LiveSessions.Inc()
	return s
}

// Unregister removes a session. Unknown ids are ignored.
func (h *Hub) Unregister(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	delete(h.sessions, sessionID)
	if ids := h.byTenant[s.TenantID]; ids != nil {
		delete(ids, sessionID)
		if len(ids) == 0 {
			delete(h.byTenant, s.TenantID)
		}
	}
	close(s.closed)
	metrics.LiveSessions.Dec()
}

// ClientsForTenant lists the live sessions of a tenant.
func (h *Hub) ClientsForTenant(tenantID uuid.UUID) []SessionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := h.byTenant[tenantID]
	out := make([]SessionInfo, 0, len(ids))
	for id := range ids {
		s := h.sessions[id]
		out = append(out, SessionInfo{ID: s.ID, UserID: s.UserID})
	}
	return out
}

// Push queues ev for a session without blocking.
func (h *Hub) Push(sessionID string, ev Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[sessionID]
	if !ok {
		return ErrSessionGone
	}
	select {
	case s.out <- ev:
		return nil
	default:
		return ErrSessionFull
	}
}

// Len reports the number of registered sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
