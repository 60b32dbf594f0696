package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clawterm/internal/adapter/gateway"
	"clawterm/internal/domain"
)

// --- test doubles ---

type recordedRequest struct {
	method string
	params any
}

// fakeGateway scripts gateway responses per method and lets tests inject
// events as if they arrived on the socket.
type fakeGateway struct {
	mu        sync.Mutex
	connected bool
	handlers  []gateway.EventHandler
	requests  []recordedRequest
	respond   map[string]func(params any) (*gateway.Result, error)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		connected: true,
		respond:   make(map[string]func(any) (*gateway.Result, error)),
	}
}

func (g *fakeGateway) Request(_ context.Context, method string, params any) (*gateway.Result, error) {
	g.mu.Lock()
	g.requests = append(g.requests, recordedRequest{method: method, params: params})
	fn := g.respond[method]
	g.mu.Unlock()
	if fn == nil {
		return &gateway.Result{OK: true, Payload: json.RawMessage(`{}`)}, nil
	}
	return fn(params)
}

func (g *fakeGateway) Subscribe(_ string, handler gateway.EventHandler) func() {
	g.mu.Lock()
	g.handlers = append(g.handlers, handler)
	g.mu.Unlock()
	return func() {}
}

func (g *fakeGateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *fakeGateway) emit(evt gateway.Event) {
	g.mu.Lock()
	hs := append([]gateway.EventHandler(nil), g.handlers...)
	g.mu.Unlock()
	for _, h := range hs {
		h(evt)
	}
}

func (g *fakeGateway) requestCount(method string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, r := range g.requests {
		if r.method == method {
			n++
		}
	}
	return n
}

func (g *fakeGateway) lastRequest(method string) (recordedRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := len(g.requests) - 1; i >= 0; i-- {
		if g.requests[i].method == method {
			return g.requests[i], true
		}
	}
	return recordedRequest{}, false
}

// respondHistory scripts chat.history to return the given entries.
func (g *fakeGateway) respondHistory(entries ...historyEntry) {
	payload, _ := json.Marshal(historyPayload{Messages: entries})
	g.mu.Lock()
	g.respond["chat.history"] = func(any) (*gateway.Result, error) {
		return &gateway.Result{OK: true, Payload: payload}, nil
	}
	g.mu.Unlock()
}

func assistantEntry(text string) historyEntry {
	content, _ := json.Marshal(text)
	return historyEntry{Role: domain.RoleAssistant, Content: content}
}

// streamRecorder collects StreamHandler callbacks.
type streamRecorder struct {
	mu    sync.Mutex
	calls []struct {
		id    string
		chunk string
		done  bool
	}
}

func (r *streamRecorder) handler(id, chunk string, done bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, struct {
		id    string
		chunk string
		done  bool
	}{id, chunk, done})
}

func (r *streamRecorder) doneCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.done {
			n++
		}
	}
	return n
}

func newTestSession(t *testing.T, gw *fakeGateway) (*Session, *streamRecorder) {
	t.Helper()
	s := NewSession(gw, Options{
		SessionKey:   "test-session",
		PollInterval: 20 * time.Millisecond,
	})
	t.Cleanup(s.Close)
	rec := &streamRecorder{}
	t.Cleanup(s.OnStream(rec.handler))
	return s, rec
}

// --- tests ---

func TestSendMessageEmptyInputNoOp(t *testing.T) {
	gw := newFakeGateway()
	s, _ := newTestSession(t, gw)

	require.NoError(t, s.SendMessage(context.Background(), "   \n\t "))
	assert.Empty(t, s.Messages())
	assert.Zero(t, gw.requestCount("chat.send"))
}

func TestSendMessageDisconnected(t *testing.T) {
	gw := newFakeGateway()
	gw.connected = false
	s, _ := newTestSession(t, gw)

	err := s.SendMessage(context.Background(), "hello")
	require.ErrorIs(t, err, domain.ErrNotConnected)

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, domain.RoleSystem, msgs[1].Role)
	assert.Equal(t, "Error: Not connected to gateway", msgs[1].Content)
	assert.False(t, s.Generating())
	assert.Zero(t, gw.requestCount("chat.send"))
}

func TestSendMessageStartsRun(t *testing.T) {
	gw := newFakeGateway()
	gw.respond["chat.send"] = func(any) (*gateway.Result, error) {
		return &gateway.Result{OK: true, Payload: json.RawMessage(`{"runId":"run-1"}`)}, nil
	}
	s, _ := newTestSession(t, gw)

	require.NoError(t, s.SendMessage(context.Background(), "hello"))
	assert.True(t, s.Generating())

	req, ok := gw.lastRequest("chat.send")
	require.True(t, ok)
	params := req.params.(sendParams)
	assert.Equal(t, "hello", params.Message)
	assert.Equal(t, "test-session", params.SessionKey)
	assert.NotEmpty(t, params.IdempotencyKey)

	// The acknowledged runId supersedes the idempotency key.
	assert.Equal(t, "run-1", s.currentRun())
}

func TestSendMessageRejected(t *testing.T) {
	gw := newFakeGateway()
	gw.respond["chat.send"] = func(any) (*gateway.Result, error) {
		return &gateway.Result{OK: false, Error: &gateway.ErrorInfo{Code: 429, Message: "rate limited"}}, nil
	}
	s, _ := newTestSession(t, gw)

	err := s.SendMessage(context.Background(), "hello")
	require.Error(t, err)
	assert.False(t, s.Generating())

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleSystem, msgs[1].Role)
	assert.Equal(t, "Error: rate limited", msgs[1].Content)
}

func TestFinalEventCompletesRun(t *testing.T) {
	gw := newFakeGateway()
	gw.respond["chat.send"] = func(any) (*gateway.Result, error) {
		return &gateway.Result{OK: true, Payload: json.RawMessage(`{"runId":"run-1"}`)}, nil
	}
	gw.respondHistory(assistantEntry("the answer"))
	s, rec := newTestSession(t, gw)

	require.NoError(t, s.SendMessage(context.Background(), "question"))
	gw.emit(gateway.Event{Name: "chat", Payload: json.RawMessage(`{"state":"final","runId":"run-1"}`)})

	require.Eventually(t, func() bool { return !s.Generating() && rec.doneCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "the answer", msgs[1].Content)
}

func TestFinalEventWithoutRunIDMatchesCurrent(t *testing.T) {
	gw := newFakeGateway()
	gw.respond["chat.send"] = func(any) (*gateway.Result, error) {
		return &gateway.Result{OK: true, Payload: json.RawMessage(`{"runId":"run-1"}`)}, nil
	}
	gw.respondHistory(assistantEntry("done"))
	s, rec := newTestSession(t, gw)

	require.NoError(t, s.SendMessage(context.Background(), "q"))
	gw.emit(gateway.Event{Name: "chat", Payload: json.RawMessage(`{"state":"final"}`)})

	require.Eventually(t, func() bool { return rec.doneCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.False(t, s.Generating())
}

func TestEventForOtherRunIgnored(t *testing.T) {
	gw := newFakeGateway()
	gw.respond["chat.send"] = func(any) (*gateway.Result, error) {
		return &gateway.Result{OK: true, Payload: json.RawMessage(`{"runId":"run-1"}`)}, nil
	}
	s, rec := newTestSession(t, gw)

	require.NoError(t, s.SendMessage(context.Background(), "q"))
	gw.emit(gateway.Event{Name: "chat", Payload: json.RawMessage(`{"state":"final","runId":"other-run"}`)})

	time.Sleep(50 * time.Millisecond)
	assert.True(t, s.Generating())
	assert.Zero(t, rec.doneCount())
}

func TestPollCompletesRunBeforeEvent(t *testing.T) {
	gw := newFakeGateway()
	gw.respond["chat.send"] = func(any) (*gateway.Result, error) {
		return &gateway.Result{OK: true, Payload: json.RawMessage(`{"runId":"run-1"}`)}, nil
	}
	gw.respondHistory(assistantEntry("polled reply"))
	s, rec := newTestSession(t, gw)

	require.NoError(t, s.SendMessage(context.Background(), "q"))

	// No final event arrives; the poll fallback must land the reply.
	require.Eventually(t, func() bool { return !s.Generating() && rec.doneCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "polled reply", msgs[1].Content)

	// A late final event for the completed run must be a no-op.
	gw.emit(gateway.Event{Name: "chat", Payload: json.RawMessage(`{"state":"final","runId":"run-1"}`)})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, s.Messages(), 2)
	assert.Equal(t, 1, rec.doneCount())
}

func TestDeltaStreaming(t *testing.T) {
	gw := newFakeGateway()
	gw.respond["chat.send"] = func(any) (*gateway.Result, error) {
		return &gateway.Result{OK: true, Payload: json.RawMessage(`{"runId":"run-1"}`)}, nil
	}
	s, rec := newTestSession(t, gw)

	require.NoError(t, s.SendMessage(context.Background(), "hi"))
	gw.emit(gateway.Event{Name: "chat", Payload: json.RawMessage(`{"state":"delta","runId":"run-1","delta":"Hello"}`)})
	gw.emit(gateway.Event{Name: "chat", Payload: json.RawMessage(`{"state":"delta","runId":"run-1","delta":" there"}`)})

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello there", msgs[1].Content)
	assert.True(t, msgs[1].Streaming)

	gw.respondHistory(assistantEntry("Hello there"))
	gw.emit(gateway.Event{Name: "chat", Payload: json.RawMessage(`{"state":"final","runId":"run-1"}`)})
	require.Eventually(t, func() bool { return rec.doneCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	// The streamed message is finalized in place, never duplicated.
	msgs = s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello there", msgs[1].Content)
	assert.False(t, msgs[1].Streaming)
}

func TestAbort(t *testing.T) {
	gw := newFakeGateway()
	gw.respond["chat.send"] = func(any) (*gateway.Result, error) {
		return &gateway.Result{OK: true, Payload: json.RawMessage(`{"runId":"run-1"}`)}, nil
	}
	s, rec := newTestSession(t, gw)

	require.NoError(t, s.SendMessage(context.Background(), "q"))
	gw.emit(gateway.Event{Name: "chat", Payload: json.RawMessage(`{"state":"delta","runId":"run-1","delta":"partial"}`)})

	s.Abort(context.Background())

	assert.False(t, s.Generating())
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial [aborted]", msgs[1].Content)
	assert.False(t, msgs[1].Streaming)
	assert.Equal(t, 1, rec.doneCount())

	req, ok := gw.lastRequest("chat.abort")
	require.True(t, ok)
	assert.Equal(t, "run-1", req.params.(abortParams).RunID)
}

func TestAbortNoActiveRun(t *testing.T) {
	gw := newFakeGateway()
	s, rec := newTestSession(t, gw)

	s.Abort(context.Background())
	assert.Zero(t, gw.requestCount("chat.abort"))
	assert.Zero(t, rec.doneCount())
}

func TestAbortFailureIsSwallowed(t *testing.T) {
	gw := newFakeGateway()
	gw.respond["chat.send"] = func(any) (*gateway.Result, error) {
		return &gateway.Result{OK: true, Payload: json.RawMessage(`{"runId":"run-1"}`)}, nil
	}
	gw.respond["chat.abort"] = func(any) (*gateway.Result, error) {
		return nil, errors.New("socket closed")
	}
	s, _ := newTestSession(t, gw)

	require.NoError(t, s.SendMessage(context.Background(), "q"))
	s.Abort(context.Background())
	assert.False(t, s.Generating())
}

func TestHistoryMapping(t *testing.T) {
	gw := newFakeGateway()
	gw.respondHistory(
		historyEntry{ID: "m1", Role: domain.RoleUser, Content: json.RawMessage(`"hi"`), Timestamp: 1700000000000},
		historyEntry{Role: domain.RoleAssistant, Content: json.RawMessage(`[{"type":"text","text":"a"},{"type":"text","text":"b"}]`)},
		historyEntry{Role: "tool", Content: json.RawMessage(`"ignored"`)},
		historyEntry{Role: domain.RoleAssistant, Content: json.RawMessage(`[{"type":"image","url":"x"}]`)},
	)
	s, _ := newTestSession(t, gw)

	msgs, err := s.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, time.UnixMilli(1700000000000), msgs[0].Timestamp)
	assert.Equal(t, "a\nb", msgs[1].Content)
	assert.NotEmpty(t, msgs[1].ID)

	// Repeated fetches of unchanged history must be identical.
	again, err := s.History(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, msgs, again)
}

func TestSecondSendDedupesEchoedReply(t *testing.T) {
	gw := newFakeGateway()
	gw.respond["chat.send"] = func(any) (*gateway.Result, error) {
		return &gateway.Result{OK: true, Payload: json.RawMessage(`{"runId":"run-1"}`)}, nil
	}
	gw.respondHistory(assistantEntry("first reply"))
	s, rec := newTestSession(t, gw)

	require.NoError(t, s.SendMessage(context.Background(), "one"))
	require.Eventually(t, func() bool { return rec.doneCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	// Second run: the server-side history still shows the first reply, so
	// the poll path must not treat it as the second run's answer.
	gw.mu.Lock()
	gw.respond["chat.send"] = func(any) (*gateway.Result, error) {
		return &gateway.Result{OK: true, Payload: json.RawMessage(`{"runId":"run-2"}`)}, nil
	}
	gw.mu.Unlock()
	require.NoError(t, s.SendMessage(context.Background(), "two"))

	time.Sleep(100 * time.Millisecond)
	assert.True(t, s.Generating())
	assert.Equal(t, 1, rec.doneCount())

	// Once history moves, the second run completes.
	gw.respondHistory(assistantEntry("first reply"), assistantEntry("second reply"))
	require.Eventually(t, func() bool { return rec.doneCount() == 2 },
		2*time.Second, 10*time.Millisecond)
	msgs := s.Messages()
	assert.Equal(t, "second reply", msgs[len(msgs)-1].Content)
}

func TestOpenBreakerStopsPollsButEventStillCompletes(t *testing.T) {
	gw := newFakeGateway()
	gw.respond["chat.send"] = func(any) (*gateway.Result, error) {
		return &gateway.Result{OK: true, Payload: json.RawMessage(`{"runId":"run-1"}`)}, nil
	}
	var mu sync.Mutex
	historyCalls := 0
	gw.respond["chat.history"] = func(any) (*gateway.Result, error) {
		mu.Lock()
		historyCalls++
		mu.Unlock()
		return nil, errors.New("gateway unreachable")
	}
	s, rec := newTestSession(t, gw)

	require.NoError(t, s.SendMessage(context.Background(), "q"))

	// Consecutive poll failures trip the breaker.
	require.Eventually(t, func() bool { return s.breaker.State() == gobreaker.StateOpen },
		2*time.Second, 10*time.Millisecond)

	// With the breaker open, poll ticks stop reaching the gateway and
	// never surface an error; the run simply stays active.
	mu.Lock()
	settled := historyCalls
	mu.Unlock()
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	after := historyCalls
	mu.Unlock()
	assert.Equal(t, settled, after, "open breaker must short-circuit poll ticks")
	assert.True(t, s.Generating())

	// A final event still ends the run even though history is down; with
	// no recoverable text only the end-of-stream marker is emitted.
	gw.emit(gateway.Event{Name: "chat", Payload: json.RawMessage(`{"state":"final","runId":"run-1"}`)})
	require.Eventually(t, func() bool { return rec.doneCount() == 1 && !s.Generating() },
		2*time.Second, 10*time.Millisecond)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
}

func TestDeltaBeforeSendAckAdoptsRunID(t *testing.T) {
	gw := newFakeGateway()
	gw.respond["chat.send"] = func(any) (*gateway.Result, error) {
		// The server's first delta can hit the socket before the ack is
		// read off it.
		gw.emit(gateway.Event{Name: "chat", Payload: json.RawMessage(`{"state":"delta","runId":"run-1","delta":"early"}`)})
		return &gateway.Result{OK: true, Payload: json.RawMessage(`{"runId":"run-1"}`)}, nil
	}
	s, _ := newTestSession(t, gw)

	require.NoError(t, s.SendMessage(context.Background(), "q"))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "early", msgs[1].Content)
	assert.True(t, msgs[1].Streaming)
	assert.Equal(t, "run-1", s.currentRun())
}

func TestSetMessagesBlockedDuringRun(t *testing.T) {
	gw := newFakeGateway()
	gw.respond["chat.send"] = func(any) (*gateway.Result, error) {
		return &gateway.Result{OK: true, Payload: json.RawMessage(`{"runId":"run-1"}`)}, nil
	}
	s, _ := newTestSession(t, gw)

	s.SetMessages([]domain.ChatMessage{{ID: "a", Role: domain.RoleUser, Content: "seeded"}})
	require.Len(t, s.Messages(), 1)

	require.NoError(t, s.SendMessage(context.Background(), "q"))
	s.SetMessages(nil)
	assert.NotEmpty(t, s.Messages(), "seeding must be a no-op while a run is active")
}

func TestNonChatEventsIgnored(t *testing.T) {
	gw := newFakeGateway()
	gw.respond["chat.send"] = func(any) (*gateway.Result, error) {
		return &gateway.Result{OK: true, Payload: json.RawMessage(`{"runId":"run-1"}`)}, nil
	}
	s, rec := newTestSession(t, gw)

	require.NoError(t, s.SendMessage(context.Background(), "q"))
	gw.emit(gateway.Event{Name: "presence", Payload: json.RawMessage(`{"state":"final","runId":"run-1"}`)})

	time.Sleep(50 * time.Millisecond)
	assert.True(t, s.Generating())
	assert.Zero(t, rec.doneCount())
}
