package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/tavern-relay/internal/model/chat"
)

var (
	ErrPersonaRequired = errors.New("persona id is required")
	ErrSessionNotFound = errors.New("session not found")
)

// Registry tracks live relay sessions for the admin API.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]chat.Session
}

// NewRegistry bootstraps an empty in-memory registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]chat.Session),
	}
}

// Register provisions a session entry bound to a persona.
func (r *Registry) Register(_ context.Context, personaID, transport, remoteAddr string) (chat.Session, error) {
	if personaID == "" {
		return chat.Session{}, ErrPersonaRequired
	}

	now := time.Now().UTC()
	session := chat.Session{
		ID:         uuid.NewString(),
		PersonaID:  personaID,
		RemoteAddr: remoteAddr,
		Transport:  transport,
		State:      chat.StateIdle,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	r.mu.Lock()
	r.sessions[session.ID] = session
	r.mu.Unlock()

	return session, nil
}

// Update records a state transition and the number of completed turns.
func (r *Registry) Update(_ context.Context, sessionID string, state chat.State, turns int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	session.State = state
	session.Turns = turns
	session.UpdatedAt = time.Now().UTC()
	r.sessions[sessionID] = session
	return nil
}

// Unregister drops a closed session.
func (r *Registry) Unregister(_ context.Context, sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

// Get retrieves a session by identifier.
func (r *Registry) Get(_ context.Context, sessionID string) (chat.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	return session, nil
}

// List returns all live sessions, oldest first.
func (r *Registry) List(_ context.Context) []chat.Session {
	r.mu.RLock()
	out := make([]chat.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
