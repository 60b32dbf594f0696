package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ErrMalformedFrame marks an inbound message that is not valid frame JSON.
// The read loop logs and skips these instead of tearing the connection
// down.
var ErrMalformedFrame = fmt.Errorf("malformed frame")

// Conn is the bidirectional text-message channel the client runs over.
// Exactly one Conn is live per connection attempt; the Client owns it
// exclusively. Tests substitute scripted implementations.
type Conn interface {
	// ReadFrame blocks until the next inbound frame or a transport error.
	// A parse failure is reported as ErrMalformedFrame and leaves the
	// transport usable.
	ReadFrame(ctx context.Context) (Frame, error)
	// WriteFrame serializes and sends one frame.
	WriteFrame(ctx context.Context, f Frame) error
	// Close tears down the transport. Safe to call more than once.
	Close() error
}

// DialFunc opens a transport to the gateway. The token is already embedded
// in the URL as a query parameter; custom headers are not assumed to be
// available on every transport.
type DialFunc func(ctx context.Context, rawURL string) (Conn, error)

// wsConn adapts a nhooyr websocket connection to Conn.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadFrame(ctx context.Context) (Frame, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

func (c *wsConn) WriteFrame(ctx context.Context, f Frame) error {
	return wsjson.Write(ctx, c.ws, f)
}

func (c *wsConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// dialWebSocket is the production DialFunc.
func dialWebSocket(ctx context.Context, rawURL string) (Conn, error) {
	ws, _, err := websocket.Dial(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	// History payloads can exceed the 32 KiB default read limit.
	ws.SetReadLimit(8 << 20)
	return &wsConn{ws: ws}, nil
}

// gatewayURL appends the auth token as a query parameter.
func gatewayURL(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
