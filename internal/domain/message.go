package domain

import "time"

// Role constants for chat message roles. RoleSystem is reserved for
// locally synthesized notices (errors, aborts) and is never sent to
// the gateway.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatMessage is a single entry in a conversation transcript.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	// Streaming marks a message that is still being appended to.
	// At most one message per session may be streaming at a time.
	Streaming bool `json:"streaming,omitempty"`
}
