package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"clawterm/internal/domain"
	"clawterm/internal/infra/tracer"
)

// Status is the connection state of the client. Exactly one value holds
// at any time; Connected means the handshake completed on the current
// transport instance.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// StatusHandler observes connection state changes.
type StatusHandler func(Status)

const (
	protocolVersion = 3

	defaultConnectTimeout = 10 * time.Second
	defaultRequestTimeout = 30 * time.Second
	defaultReconnectDelay = 5 * time.Second

	// Outbound frames share one transport; the limiter caps bursts from
	// concurrent callers without reordering (single writer per request).
	defaultSendRate  = rate.Limit(50)
	defaultSendBurst = 10
)

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	ClientID      string
	ClientVersion string
	Platform      string
	Mode          string
	Locale        string
	UserAgent     string

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	ReconnectDelay time.Duration

	SendRate  rate.Limit
	SendBurst int

	// Dial substitutes the transport; nil uses the WebSocket dialer.
	Dial   DialFunc
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ClientID == "" {
		o.ClientID = "clawterm"
	}
	if o.ClientVersion == "" {
		o.ClientVersion = "1.0.0"
	}
	if o.Platform == "" {
		o.Platform = runtime.GOOS
	}
	if o.Mode == "" {
		o.Mode = "operator"
	}
	if o.Locale == "" {
		o.Locale = "en-US"
	}
	if o.UserAgent == "" {
		o.UserAgent = o.ClientID + "/" + o.ClientVersion
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = defaultReconnectDelay
	}
	if o.SendRate <= 0 {
		o.SendRate = defaultSendRate
	}
	if o.SendBurst <= 0 {
		o.SendBurst = defaultSendBurst
	}
	if o.Dial == nil {
		o.Dial = dialWebSocket
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// target is the remembered {url, token} pair reconnection retries against.
// Cleared by Disconnect, which stops all further reconnect attempts.
type target struct {
	url   string
	token string
}

// Client owns one transport at a time and multiplexes correlated
// request/response pairs and out-of-band events over it. It performs the
// challenge handshake on connect and retries the full handshake on a
// fixed delay after unexpected connection loss.
type Client struct {
	opts    Options
	logger  *slog.Logger
	limiter *rate.Limiter
	pending *pendingTable
	router  *eventRouter

	mu           sync.Mutex
	status       Status
	conn         Conn
	connGen      uint64 // bumped per live conn so stale read loops are ignored
	target       *target
	reconnect    *time.Timer
	statusSubs   map[uint64]StatusHandler
	nextStatusID uint64
	lastNonce    string // most recent challenge nonce; received but not echoed
}

// NewClient creates a disconnected client.
func NewClient(opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts:       opts,
		logger:     opts.Logger,
		limiter:    rate.NewLimiter(opts.SendRate, opts.SendBurst),
		pending:    newPendingTable(),
		router:     newEventRouter(opts.Logger),
		status:     StatusDisconnected,
		statusSubs: make(map[uint64]StatusHandler),
	}
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connected reports whether the handshake has completed on the current
// transport.
func (c *Client) Connected() bool {
	return c.Status() == StatusConnected
}

// StatusChanges registers a handler for connection state transitions and
// invokes it immediately with the current state. Returns an unsubscribe
// function.
func (c *Client) StatusChanges(handler StatusHandler) func() {
	c.mu.Lock()
	c.nextStatusID++
	id := c.nextStatusID
	c.statusSubs[id] = handler
	current := c.status
	c.mu.Unlock()

	handler(current)

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.statusSubs, id)
	}
}

// Subscribe registers an event handler for the given event name, or every
// event when name is "*". Returns an unsubscribe function.
func (c *Client) Subscribe(name string, handler EventHandler) func() {
	return c.router.subscribe(name, handler)
}

// Connect dials the gateway, performs the challenge handshake, and
// remembers {url, token} for automatic reconnection. It blocks until the
// handshake succeeds, fails, or times out. After a failure the client
// keeps retrying on its reconnect timer until Disconnect is called.
func (c *Client) Connect(ctx context.Context, rawURL, token string) error {
	if !c.beginConnect(&target{url: rawURL, token: token}) {
		return domain.NewDomainError("Client.Connect", domain.ErrInvalidInput, "connect already in progress")
	}

	if err := c.establish(ctx); err != nil {
		c.setStatus(StatusError)
		c.scheduleReconnect()
		return err
	}
	return nil
}

// beginConnect atomically moves the client into Connecting. The status
// check and the transition share one critical section so a caller's
// Connect cannot race an already-fired reconnect timer into two
// concurrent establish calls. A nil tgt keeps the remembered target
// (reconnect path); no remembered target means Disconnect won and the
// attempt is abandoned.
func (c *Client) beginConnect(tgt *target) bool {
	c.mu.Lock()
	if c.status == StatusConnecting || c.status == StatusConnected {
		c.mu.Unlock()
		return false
	}
	if tgt != nil {
		c.target = tgt
	} else if c.target == nil {
		c.mu.Unlock()
		return false
	}
	c.stopReconnectLocked()
	c.status = StatusConnecting
	handlers := c.statusHandlersLocked()
	c.mu.Unlock()

	for _, h := range handlers {
		h(StatusConnecting)
	}
	return true
}

// Disconnect is terminal: it cancels any pending reconnect, closes the
// transport, forgets the remembered target, and rejects every outstanding
// request with a connection-closed error.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.target = nil
	c.stopReconnectLocked()
	conn := c.conn
	c.conn = nil
	c.connGen++ // orphan any running read loop
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.pending.failAll(domain.NewDomainError("Client.Disconnect", domain.ErrConnectionClosed, ""))
	c.setStatus(StatusDisconnected)
}

// Request sends a correlated request and blocks until the matching
// response arrives or the deadline passes. Application-level failures
// (ok=false) are returned in the Result, not as an error; the caller
// distinguishes via Result.OK.
func (c *Client) Request(ctx context.Context, method string, params any) (*Result, error) {
	c.mu.Lock()
	conn := c.conn
	connected := c.status == StatusConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return nil, domain.NewDomainError("Client.Request", domain.ErrNotConnected, method)
	}

	ctx, span := tracer.StartSpan(ctx, "gateway.request",
		tracer.WithAttributes(tracer.StringAttr("rpc.method", method)))
	defer span.End()

	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}

	id := newFrameID()
	p, ok := c.pending.add(id, method, c.opts.RequestTimeout)
	if !ok {
		return nil, domain.NewDomainError("Client.Request", domain.ErrProtocol, "duplicate request id")
	}

	if err := c.writeFrame(ctx, conn, Frame{
		Type:    FrameTypeRequest,
		ID:      id,
		Method:  method,
		Payload: payload,
	}); err != nil {
		c.pending.take(id)
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	timer := time.NewTimer(time.Until(p.deadline))
	defer timer.Stop()

	select {
	case out := <-p.done:
		if out.err != nil {
			tracer.RecordError(span, out.err)
			return nil, out.err
		}
		tracer.SetOK(span)
		return out.res, nil
	case <-timer.C:
		if c.pending.take(id) == nil {
			// The response won the race; its outcome is already buffered.
			out := <-p.done
			return out.res, out.err
		}
		err := domain.NewDomainError("Client.Request", domain.ErrRequestTimeout, method)
		tracer.RecordError(span, err)
		return nil, err
	case <-ctx.Done():
		if c.pending.take(id) == nil {
			out := <-p.done
			return out.res, out.err
		}
		return nil, ctx.Err()
	}
}

// establish runs one full connection attempt: dial, challenge, connect
// request, hello-ok. The connect timeout covers the whole sequence.
func (c *Client) establish(ctx context.Context) error {
	c.mu.Lock()
	tgt := c.target
	c.mu.Unlock()
	if tgt == nil {
		return domain.NewDomainError("Client.Connect", domain.ErrConnectionClosed, "no connection target")
	}

	ctx, span := tracer.StartSpan(ctx, "gateway.connect")
	defer span.End()

	hsCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	dialURL, err := gatewayURL(tgt.url, tgt.token)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.NewDomainError("Client.Connect", domain.ErrInvalidInput, err.Error())
	}

	conn, err := c.opts.Dial(hsCtx, dialURL)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.NewDomainError("Client.Connect", domain.ErrHandshakeFailed, err.Error())
	}

	if err := c.handshake(hsCtx, conn, tgt.token); err != nil {
		_ = conn.Close()
		tracer.RecordError(span, err)
		return err
	}

	c.mu.Lock()
	if c.target == nil {
		// Disconnect raced the handshake; drop the fresh connection.
		c.mu.Unlock()
		_ = conn.Close()
		return domain.NewDomainError("Client.Connect", domain.ErrConnectionClosed, "")
	}
	c.conn = conn
	c.connGen++
	gen := c.connGen
	c.mu.Unlock()

	c.setStatus(StatusConnected)
	c.logger.Info("gateway connected", "url", tgt.url)
	tracer.SetOK(span)

	go c.readLoop(conn, gen)
	return nil
}

// handshake waits for the connect.challenge event, sends the connect
// request, and waits for its hello-ok response. Frames arriving in between
// are still routed normally.
func (c *Client) handshake(ctx context.Context, conn Conn, token string) error {
	for {
		f, err := conn.ReadFrame(ctx)
		if err != nil {
			return c.handshakeErr("awaiting challenge", ctx, err)
		}
		if f.Type == FrameTypeEvent && f.Event == EventConnectChallenge {
			var ch challengePayload
			if err := json.Unmarshal(f.Payload, &ch); err != nil {
				return domain.NewDomainError("Client.Connect", domain.ErrProtocol, "bad challenge payload")
			}
			c.mu.Lock()
			c.lastNonce = ch.Nonce
			c.mu.Unlock()
			break
		}
		c.routeFrame(f)
	}

	id := newFrameID()
	params, err := json.Marshal(c.connectParams(token))
	if err != nil {
		return fmt.Errorf("marshal connect params: %w", err)
	}
	if err := c.writeFrame(ctx, conn, Frame{
		Type:    FrameTypeRequest,
		ID:      id,
		Method:  "connect",
		Payload: params,
	}); err != nil {
		return c.handshakeErr("sending connect", ctx, err)
	}

	for {
		f, err := conn.ReadFrame(ctx)
		if err != nil {
			return c.handshakeErr("awaiting hello", ctx, err)
		}
		if f.Type == FrameTypeResponse && f.ID == id {
			if !f.OK {
				detail := "connect rejected"
				if f.Error != nil && f.Error.Message != "" {
					detail = f.Error.Message
				}
				return domain.NewDomainError("Client.Connect", domain.ErrHandshakeFailed, detail)
			}
			var hello helloPayload
			if err := json.Unmarshal(f.Payload, &hello); err != nil || hello.Type != "hello-ok" {
				return domain.NewDomainError("Client.Connect", domain.ErrProtocol, "unexpected connect response payload")
			}
			return nil
		}
		c.routeFrame(f)
	}
}

// handshakeErr maps a transport failure during the handshake to a domain
// error, distinguishing the overall connect timeout.
func (c *Client) handshakeErr(stage string, ctx context.Context, err error) error {
	if errors.Is(err, ErrMalformedFrame) {
		// Skippable in the read loop, fatal mid-handshake: the server is
		// not speaking the protocol.
		return domain.NewDomainError("Client.Connect", domain.ErrProtocol, err.Error())
	}
	if ctx.Err() != nil {
		return domain.NewDomainError("Client.Connect", domain.ErrConnectTimeout, stage)
	}
	return domain.NewDomainError("Client.Connect", domain.ErrHandshakeFailed, stage+": "+err.Error())
}

func (c *Client) connectParams(token string) connectParams {
	return connectParams{
		MinProtocol: protocolVersion,
		MaxProtocol: protocolVersion,
		Client: connectClient{
			ID:       c.opts.ClientID,
			Version:  c.opts.ClientVersion,
			Platform: c.opts.Platform,
			Mode:     c.opts.Mode,
		},
		Role:        "operator",
		Scopes:      []string{"operator.read", "operator.write"},
		Caps:        []string{},
		Commands:    []string{},
		Permissions: map[string]any{},
		Auth:        connectAuth{Token: token},
		Locale:      c.opts.Locale,
		UserAgent:   c.opts.UserAgent,
	}
}

// readLoop is the single consumer of inbound frames for one connection.
// All demultiplexing happens here, in arrival order.
func (c *Client) readLoop(conn Conn, gen uint64) {
	ctx := context.Background()
	for {
		f, err := conn.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				c.logger.Warn("dropping malformed frame", "error", err)
				continue
			}
			c.handleConnLoss(conn, gen, err)
			return
		}
		c.routeFrame(f)
	}
}

// routeFrame demultiplexes one inbound frame into the pending table or
// the event router.
func (c *Client) routeFrame(f Frame) {
	switch f.Type {
	case FrameTypeResponse:
		res := Result{OK: f.OK, Payload: f.Payload, Error: f.Error}
		if !c.pending.resolve(f.ID, res) {
			// Already resolved, timed out, or unsolicited.
			c.logger.Debug("dropping unmatched response", "frame_id", f.ID)
		}
	case FrameTypeEvent:
		c.router.dispatch(Event{Name: f.Event, Payload: f.Payload, Seq: f.Seq})
	default:
		c.logger.Warn("dropping unexpected frame", "type", string(f.Type))
	}
}

// writeFrame serializes one outbound frame onto the transport, paced by
// the shared limiter.
func (c *Client) writeFrame(ctx context.Context, conn Conn, f Frame) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return conn.WriteFrame(ctx, f)
}

// handleConnLoss reacts to an unexpected transport failure: rejects all
// pending requests, flips to the error state, and schedules a reconnect
// if a target is still remembered.
func (c *Client) handleConnLoss(conn Conn, gen uint64, err error) {
	c.mu.Lock()
	if gen != c.connGen {
		// A newer connection replaced this one; nothing to do.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	hasTarget := c.target != nil
	c.mu.Unlock()

	_ = conn.Close()
	c.pending.failAll(domain.NewDomainError("Client", domain.ErrConnectionClosed, ""))

	if !hasTarget {
		c.setStatus(StatusDisconnected)
		return
	}
	c.logger.Warn("gateway connection lost", "error", err)
	c.setStatus(StatusError)
	c.scheduleReconnect()
}

// scheduleReconnect arms the single reconnect timer. Scheduling again
// replaces any previous timer; Disconnect cancels it.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.target == nil {
		return
	}
	c.stopReconnectLocked()
	delay := c.opts.ReconnectDelay
	c.logger.Info("scheduling reconnect", "delay", delay)
	c.reconnect = time.AfterFunc(delay, c.reconnectAttempt)
}

// reconnectAttempt retries the full handshake against the remembered
// target. Failures reschedule; attempts are unbounded until Disconnect.
func (c *Client) reconnectAttempt() {
	c.mu.Lock()
	c.reconnect = nil
	c.mu.Unlock()

	// Loses to a user Connect already in flight, or to Disconnect.
	if !c.beginConnect(nil) {
		return
	}
	if err := c.establish(context.Background()); err != nil {
		c.logger.Warn("reconnect failed", "error", err)
		c.setStatus(StatusError)
		c.scheduleReconnect()
	}
}

func (c *Client) stopReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

// setStatus updates the state and notifies subscribers outside the lock.
func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	handlers := c.statusHandlersLocked()
	c.mu.Unlock()

	for _, h := range handlers {
		h(s)
	}
}

func (c *Client) statusHandlersLocked() []StatusHandler {
	handlers := make([]StatusHandler, 0, len(c.statusSubs))
	for _, h := range c.statusSubs {
		handlers = append(handlers, h)
	}
	return handlers
}

// newFrameID generates a correlation ID. ULIDs are sortable, which makes
// interleaved request logs readable.
func newFrameID() string {
	return ulid.Make().String()
}
