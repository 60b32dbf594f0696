package gateway

import "encoding/json"

// FrameType identifies the kind of frame exchanged over the WebSocket
// connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "req"
	FrameTypeResponse FrameType = "res"
	FrameTypeEvent    FrameType = "event"
)

// EventConnectChallenge is the handshake challenge the gateway emits
// immediately after the socket opens.
const EventConnectChallenge = "connect.challenge"

// WildcardEvent subscribes to every event regardless of name.
const WildcardEvent = "*"

// Frame is the envelope exchanged with the gateway. It is a tagged union:
// requests carry ID/Method/Payload, responses ID/OK/Payload/Error, events
// Event/Payload/Seq.
type Frame struct {
	Type         FrameType       `json:"type"`
	ID           string          `json:"id,omitempty"`      // request/response correlation ID
	Method       string          `json:"method,omitempty"`  // RPC method name (request only)
	Event        string          `json:"event,omitempty"`   // event name (event only)
	OK           bool            `json:"ok,omitempty"`      // response status
	Payload      json.RawMessage `json:"payload,omitempty"` // request params or response/event payload
	Error        *ErrorInfo      `json:"error,omitempty"`   // error detail (response only)
	Seq          int             `json:"seq,omitempty"`
	StateVersion int             `json:"stateVersion,omitempty"`
}

// ErrorInfo is the application-level error carried by a failed response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Event is an unsolicited frame delivered to subscribers.
type Event struct {
	Name    string
	Payload json.RawMessage
	Seq     int
}

// Result is the outcome of a completed request. Application-level failures
// (OK=false) are delivered here rather than as Go errors so the caller can
// inspect the error payload.
type Result struct {
	OK      bool
	Payload json.RawMessage
	Error   *ErrorInfo
}

// ErrMessage returns the application error message, or "" on success.
func (r *Result) ErrMessage() string {
	if r.OK || r.Error == nil {
		return ""
	}
	return r.Error.Message
}

// challengePayload is the connect.challenge event body. The nonce is
// retained but not echoed back; the current protocol revision does not
// require it outside the optional device-identity block.
type challengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// connectClient identifies this client in the connect request.
type connectClient struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

type connectAuth struct {
	Token string `json:"token,omitempty"`
}

// connectParams is the fixed capability payload for the connect method.
type connectParams struct {
	MinProtocol int            `json:"minProtocol"`
	MaxProtocol int            `json:"maxProtocol"`
	Client      connectClient  `json:"client"`
	Role        string         `json:"role"`
	Scopes      []string       `json:"scopes"`
	Caps        []string       `json:"caps"`
	Commands    []string       `json:"commands"`
	Permissions map[string]any `json:"permissions"`
	Auth        connectAuth    `json:"auth"`
	Locale      string         `json:"locale,omitempty"`
	UserAgent   string         `json:"userAgent,omitempty"`
}

// helloPayload is the connect response body on success.
type helloPayload struct {
	Type string `json:"type"` // "hello-ok" on success
}
