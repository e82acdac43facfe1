package chat

import "time"

// State is the phase a relay session is currently in.
type State string

const (
	StateIdle         State = "idle"
	StateReceiving    State = "receiving"
	StateTranscribing State = "transcribing"
	StateConversing   State = "conversing"
	StateSpeaking     State = "speaking"
	StateTurnComplete State = "turn_complete"
	StateClosed       State = "closed"
)

// Session is the externally visible snapshot of a live relay connection.
type Session struct {
	ID         string    `json:"id"`
	PersonaID  string    `json:"personaId"`
	RemoteAddr string    `json:"remoteAddr"`
	Transport  string    `json:"transport"`
	State      State     `json:"state"`
	Turns      int       `json:"turns"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
