package chat

import (
	"sync"
	"time"
)

// Role identifies the speaker of a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a conversation.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// History is the append-only conversation log of a single relay session.
// Readers get copies; entries are never rewritten once appended.
type History struct {
	mu    sync.RWMutex
	turns []Turn
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{turns: make([]Turn, 0, 16)}
}

// Append records a new turn.
func (h *History) Append(role Role, text string) {
	h.mu.Lock()
	h.turns = append(h.turns, Turn{Role: role, Text: text, CreatedAt: time.Now().UTC()})
	h.mu.Unlock()
}

// Turns returns a snapshot of all turns.
func (h *History) Turns() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Turn(nil), h.turns...)
}

// Last returns up to n most recent turns.
func (h *History) Last(n int) []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n <= 0 || n >= len(h.turns) {
		return append([]Turn(nil), h.turns...)
	}
	return append([]Turn(nil), h.turns[len(h.turns)-n:]...)
}

// Len reports the number of turns.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}
