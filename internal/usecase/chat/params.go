package chat

import "encoding/json"

// sendParams is the chat.send request body. The idempotency key doubles
// as the run identifier until the gateway acknowledges with its own.
type sendParams struct {
	Message        string `json:"message"`
	SessionKey     string `json:"sessionKey"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// sendAck covers both known response variants: one protocol revision
// returns runId/sessionKey, another requestId/sessionId. The fields never
// coexist; the first non-empty run identifier wins.
type sendAck struct {
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey"`
	RequestID  string `json:"requestId"`
	SessionID  string `json:"sessionId"`
}

type abortParams struct {
	RunID string `json:"runId"`
}

type historyParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit"`
}

// historyEntry is one raw transcript entry. Content is either a bare
// string or an array of typed content blocks.
type historyEntry struct {
	ID        string          `json:"id,omitempty"`
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Timestamp int64           `json:"timestamp,omitempty"` // epoch millis
}

type historyPayload struct {
	Messages []historyEntry `json:"messages"`
}

// chatEventPayload is the body of "chat" lifecycle events. State "final"
// marks run completion; intermediate events may carry incremental
// assistant text in Delta or Text.
type chatEventPayload struct {
	State string `json:"state"`
	RunID string `json:"runId"`
	Delta string `json:"delta"`
	Text  string `json:"text"`
}
