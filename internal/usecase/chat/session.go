package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"

	"clawterm/internal/adapter/gateway"
	"clawterm/internal/domain"
)

// Gateway is the slice of the connection client the session needs.
type Gateway interface {
	Request(ctx context.Context, method string, params any) (*gateway.Result, error)
	Subscribe(name string, handler gateway.EventHandler) func()
	Connected() bool
}

// StreamHandler receives incremental assistant output. A first call with
// an unseen correlationID and done=false starts a new assistant message;
// further calls with the same correlationID append; done=true (chunk
// ignored) marks the message complete and ends generation. Chunks from
// two different correlationIDs are never interleaved without an
// intervening done=true.
type StreamHandler func(correlationID, chunk string, done bool)

// Archive persists completed messages. Failures are logged and swallowed;
// the session works identically without an archive.
type Archive interface {
	SaveMessage(ctx context.Context, sessionKey string, msg domain.ChatMessage) error
}

const (
	defaultPollInterval = 2 * time.Second
	defaultHistoryLimit = 50
)

// Options configures a Session.
type Options struct {
	SessionKey   string
	PollInterval time.Duration
	HistoryLimit int
	Logger       *slog.Logger
	Archive      Archive // optional
}

// Session turns the gateway's asynchronous chat events, plus a polling
// fallback, into one ordered deduplicated message stream. At most one
// run is active at a time; both completion paths (final event, history
// poll) race and resolve through an atomic check-and-clear of the active
// run key, so exactly one of them ends each run.
type Session struct {
	gw      Gateway
	opts    Options
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker[[]domain.ChatMessage]

	mu           sync.Mutex
	msgs         []domain.ChatMessage
	activeRun    string // "" = no run in flight
	sentKey      string // idempotency key of the latest send, pre-ack
	streamingIdx int    // index of the streaming message, -1 if none
	pollRunning  bool
	closed       bool
	streamSubs   map[uint64]StreamHandler
	nextStreamID uint64

	unsub    func()
	pollStop chan struct{}
}

// NewSession creates a session bound to one gateway client and starts
// listening for chat events.
func NewSession(gw Gateway, opts Options) *Session {
	if opts.SessionKey == "" {
		opts.SessionKey = "default"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Session{
		gw:           gw,
		opts:         opts,
		logger:       opts.Logger,
		breaker:      newHistoryBreaker(opts.Logger),
		streamingIdx: -1,
		streamSubs:   make(map[uint64]StreamHandler),
		pollStop:     make(chan struct{}),
	}
	s.unsub = gw.Subscribe(gateway.WildcardEvent, s.handleEvent)
	return s
}

// Close detaches the session from the gateway and stops the poll loop.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.activeRun = ""
	s.mu.Unlock()

	if s.unsub != nil {
		s.unsub()
	}
	close(s.pollStop)
}

// OnStream registers a streaming-chunk handler and returns an unsubscribe
// function.
func (s *Session) OnStream(h StreamHandler) func() {
	s.mu.Lock()
	s.nextStreamID++
	id := s.nextStreamID
	s.streamSubs[id] = h
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.streamSubs, id)
	}
}

// Messages returns a copy of the transcript.
func (s *Session) Messages() []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]domain.ChatMessage, len(s.msgs))
	copy(cp, s.msgs)
	return cp
}

// Generating reports whether a run is in flight.
func (s *Session) Generating() bool {
	return s.currentRun() != ""
}

// SetMessages seeds the transcript, e.g. from the local archive on
// startup. No-op while a run is active.
func (s *Session) SetMessages(msgs []domain.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeRun != "" || s.streamingIdx >= 0 {
		return
	}
	s.msgs = append([]domain.ChatMessage(nil), msgs...)
}

// SendMessage appends the user message optimistically, starts a run, and
// issues chat.send. Empty or whitespace-only input is a no-op. The reply
// itself arrives asynchronously through the stream handlers; SendMessage
// only waits for the send acknowledgment. On failure a system-role error
// message is appended so the error is visible inline, and the error is
// also returned.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	user := domain.ChatMessage{
		ID:        newMessageID(),
		Role:      domain.RoleUser,
		Content:   text,
		Timestamp: time.Now(),
	}
	s.append(user)
	s.save(user)

	if !s.gw.Connected() {
		s.appendSystem("Error: Not connected to gateway")
		return domain.NewDomainError("Session.SendMessage", domain.ErrNotConnected, "")
	}

	idem := uuid.NewString()
	s.mu.Lock()
	s.activeRun = idem
	s.sentKey = idem
	s.mu.Unlock()
	s.startPoll()

	res, err := s.gw.Request(ctx, "chat.send", sendParams{
		Message:        text,
		SessionKey:     s.opts.SessionKey,
		IdempotencyKey: idem,
	})
	if err != nil {
		s.claimRun(idem)
		s.appendSystem("Error: " + userFacing(err))
		return err
	}
	if !res.OK {
		s.claimRun(idem)
		msg := res.ErrMessage()
		if msg == "" {
			msg = "failed to send message"
		}
		s.appendSystem("Error: " + msg)
		return domain.NewDomainError("Session.SendMessage", domain.ErrApplication, msg)
	}

	// If the gateway echoes its own run identifier it supersedes the
	// idempotency key for matching later completion events.
	var ack sendAck
	if err := json.Unmarshal(res.Payload, &ack); err == nil {
		if key := firstNonEmpty(ack.RunID, ack.RequestID); key != "" {
			s.mu.Lock()
			if s.activeRun == idem {
				s.activeRun = key
			}
			s.mu.Unlock()
		}
	}
	return nil
}

// Abort cancels the active run. The chat.abort request is best-effort
// (failures are logged, not surfaced); local generation state is always
// cleared, and a message still streaming is closed with an " [aborted]"
// suffix.
func (s *Session) Abort(ctx context.Context) {
	s.mu.Lock()
	runKey := s.activeRun
	s.activeRun = ""
	hadStreaming := s.streamingIdx >= 0
	if hadStreaming {
		m := &s.msgs[s.streamingIdx]
		m.Content += " [aborted]"
		m.Streaming = false
		s.streamingIdx = -1
	}
	s.mu.Unlock()

	if runKey == "" && !hadStreaming {
		return
	}

	if runKey != "" {
		if res, err := s.gw.Request(ctx, "chat.abort", abortParams{RunID: runKey}); err != nil {
			s.logger.Warn("chat.abort failed", "run_id", runKey, "error", err)
		} else if !res.OK {
			s.logger.Warn("chat.abort rejected", "run_id", runKey, "error", res.ErrMessage())
		}
	}
	s.emit(runKey, "", true)
}

// History fetches the server-side transcript for this session, keeping
// only user/assistant entries that yield text.
func (s *Session) History(ctx context.Context, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = s.opts.HistoryLimit
	}
	res, err := s.gw.Request(ctx, "chat.history", historyParams{
		SessionKey: s.opts.SessionKey,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	if !res.OK {
		msg := res.ErrMessage()
		if msg == "" {
			msg = "history fetch failed"
		}
		return nil, domain.NewDomainError("Session.History", domain.ErrApplication, msg)
	}

	var payload historyPayload
	if err := json.Unmarshal(res.Payload, &payload); err != nil {
		return nil, domain.NewDomainError("Session.History", domain.ErrProtocol, err.Error())
	}

	out := make([]domain.ChatMessage, 0, len(payload.Messages))
	for i, e := range payload.Messages {
		if e.Role != domain.RoleUser && e.Role != domain.RoleAssistant {
			continue
		}
		text := domain.ExtractText(e.Content)
		if text == "" {
			continue
		}
		out = append(out, domain.ChatMessage{
			ID:        historyID(e, i),
			Role:      e.Role,
			Content:   text,
			Timestamp: historyTime(e.Timestamp),
		})
	}
	return out, nil
}

// --- completion paths ---

// handleEvent watches the wildcard subscription for chat lifecycle
// events belonging to the active run.
func (s *Session) handleEvent(evt gateway.Event) {
	if evt.Name != "chat" {
		return
	}
	var p chatEventPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		s.logger.Warn("bad chat event payload", "error", err)
		return
	}

	s.mu.Lock()
	runKey := s.activeRun
	if runKey != "" && p.RunID != "" && p.RunID != runKey && runKey == s.sentKey {
		// Events can outrun the chat.send ack; adopt the server-issued
		// run id so early deltas are not dropped.
		s.activeRun = p.RunID
		runKey = p.RunID
	}
	s.mu.Unlock()
	if runKey == "" {
		return
	}
	// Some gateway revisions omit runId on lifecycle events; an empty id
	// is treated as belonging to the current run.
	if p.RunID != "" && p.RunID != runKey {
		return
	}

	if p.State == "final" {
		// Claim synchronously so the poll path sees the run as ended;
		// fetch off the dispatch goroutine since a request cannot
		// complete while dispatch blocks the read loop.
		if s.claimRun(runKey) {
			go s.completeFromHistory(runKey)
		}
		return
	}

	if delta := firstNonEmpty(p.Delta, p.Text); delta != "" {
		s.applyDelta(runKey, delta)
	}
}

// startPoll launches the fixed-interval history poll guarding against a
// missed or delayed completion event. At most one poll loop runs at a
// time; it exits as soon as no run is active.
func (s *Session) startPoll() {
	s.mu.Lock()
	if s.pollRunning || s.closed {
		s.mu.Unlock()
		return
	}
	s.pollRunning = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.pollRunning = false
			s.mu.Unlock()
		}()

		ticker := time.NewTicker(s.opts.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.pollStop:
				return
			case <-ticker.C:
				if done := s.pollOnce(); done {
					return
				}
			}
		}
	}()
}

// pollOnce runs one poll tick. Returns true when polling should stop
// (no active run, or this tick completed the run).
func (s *Session) pollOnce() bool {
	runKey := s.currentRun()
	if runKey == "" {
		return true
	}

	msgs, err := s.fetchHistory()
	if err != nil {
		// Logged and swallowed: background timer, no caller to report to.
		s.logger.Debug("history poll failed", "error", err)
		return false
	}

	text := newestAssistantText(msgs)
	if text == "" || s.knownText(text) {
		return false
	}
	if !s.claimRun(runKey) {
		// The event path won the race.
		return true
	}
	s.completeAssistant(runKey, text)
	return true
}

// completeFromHistory finishes a claimed run using the latest history.
func (s *Session) completeFromHistory(runKey string) {
	text := ""
	if msgs, err := s.fetchHistory(); err != nil {
		s.logger.Warn("history fetch after completion failed", "error", err)
	} else {
		text = newestAssistantText(msgs)
	}
	s.completeAssistant(runKey, text)
}

// completeAssistant lands the final assistant text and emits the
// end-of-stream marker. Callers must have claimed the run.
func (s *Session) completeAssistant(runKey, text string) {
	s.mu.Lock()
	if s.streamingIdx >= 0 {
		// A streamed message is already on screen; finalize it in place.
		m := &s.msgs[s.streamingIdx]
		if text != "" {
			m.Content = text
		}
		m.Streaming = false
		finished := *m
		s.streamingIdx = -1
		s.mu.Unlock()
		s.save(finished)
		s.emit(runKey, "", true)
		return
	}
	if text == "" || s.knownTextLocked(text) {
		s.mu.Unlock()
		s.emit(runKey, "", true)
		return
	}
	msg := domain.ChatMessage{
		ID:        newMessageID(),
		Role:      domain.RoleAssistant,
		Content:   text,
		Timestamp: time.Now(),
	}
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()

	s.save(msg)
	s.emit(runKey, text, false)
	s.emit(runKey, "", true)
}

// applyDelta appends incremental assistant text to the streaming message,
// creating it on the first chunk.
func (s *Session) applyDelta(runKey, delta string) {
	s.mu.Lock()
	if s.streamingIdx >= 0 {
		s.msgs[s.streamingIdx].Content += delta
	} else {
		s.msgs = append(s.msgs, domain.ChatMessage{
			ID:        newMessageID(),
			Role:      domain.RoleAssistant,
			Content:   delta,
			Timestamp: time.Now(),
			Streaming: true,
		})
		s.streamingIdx = len(s.msgs) - 1
	}
	s.mu.Unlock()
	s.emit(runKey, delta, false)
}

// --- internals ---

func (s *Session) currentRun() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRun
}

// claimRun atomically checks and clears the active run key. Exactly one
// caller per run observes true; "already cleared" is the only
// synchronization signal between the two completion paths.
func (s *Session) claimRun(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == "" || s.activeRun != key {
		return false
	}
	s.activeRun = ""
	return true
}

func (s *Session) fetchHistory() ([]domain.ChatMessage, error) {
	return s.breaker.Execute(func() ([]domain.ChatMessage, error) {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.PollInterval*2)
		defer cancel()
		return s.History(ctx, s.opts.HistoryLimit)
	})
}

func (s *Session) append(msg domain.ChatMessage) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
}

func (s *Session) appendSystem(text string) {
	s.append(domain.ChatMessage{
		ID:        newMessageID(),
		Role:      domain.RoleSystem,
		Content:   text,
		Timestamp: time.Now(),
	})
}

func (s *Session) knownText(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.knownTextLocked(text)
}

func (s *Session) knownTextLocked(text string) bool {
	for i := range s.msgs {
		if s.msgs[i].Content == text {
			return true
		}
	}
	return false
}

func (s *Session) emit(correlationID, chunk string, done bool) {
	s.mu.Lock()
	handlers := make([]StreamHandler, 0, len(s.streamSubs))
	for _, h := range s.streamSubs {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(correlationID, chunk, done)
	}
}

func (s *Session) save(msg domain.ChatMessage) {
	if s.opts.Archive == nil || msg.Streaming {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.opts.Archive.SaveMessage(ctx, s.opts.SessionKey, msg); err != nil {
		s.logger.Warn("transcript archive write failed", "error", err)
	}
}

// newestAssistantText returns the content of the last assistant message.
func newestAssistantText(msgs []domain.ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleAssistant {
			return msgs[i].Content
		}
	}
	return ""
}

// userFacing maps an error to the text shown inline in the conversation.
func userFacing(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotConnected):
		return "Not connected to gateway"
	case errors.Is(err, domain.ErrRequestTimeout):
		return "Request timed out"
	case errors.Is(err, domain.ErrConnectionClosed):
		return "Connection closed"
	default:
		return err.Error()
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func newMessageID() string {
	return ulid.Make().String()
}

// historyID prefers the server-assigned id; otherwise it derives a
// stable one so repeated fetches of unchanged history yield identical
// lists.
func historyID(e historyEntry, index int) string {
	if e.ID != "" {
		return e.ID
	}
	return deriveID(e.Role, string(e.Content), index)
}

func deriveID(role, content string, index int) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d", role, content, index)
	return fmt.Sprintf("hist-%016x", h.Sum64())
}

func historyTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
