package gateway

import (
	"sync"
	"time"
)

// outcome is the terminal state of a pending request: either a response
// frame's result or an error (timeout, teardown).
type outcome struct {
	res *Result
	err error
}

// pendingRequest is a request awaiting its response. The done channel is
// buffered so the resolver never blocks on a caller that already gave up.
type pendingRequest struct {
	id       string
	method   string
	created  time.Time
	deadline time.Time
	done     chan outcome
}

// pendingTable maps correlation IDs to in-flight requests. Each entry is
// resolved at most once: whichever of response arrival, deadline expiry,
// or connection teardown removes the entry first owns its resolution.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingRequest)}
}

// add registers a new pending request. Duplicate IDs are rejected; the ID
// generator makes collisions effectively impossible, but the table
// enforces the invariant anyway.
func (t *pendingTable) add(id, method string, timeout time.Duration) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[id]; exists {
		return nil, false
	}
	now := time.Now()
	p := &pendingRequest{
		id:       id,
		method:   method,
		created:  now,
		deadline: now.Add(timeout),
		done:     make(chan outcome, 1),
	}
	t.entries[id] = p
	return p, true
}

// take removes and returns the entry for id, or nil if it was already
// resolved or never existed. The caller that successfully takes an entry
// owns its resolution.
func (t *pendingTable) take(id string) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.entries[id]
	if p != nil {
		delete(t.entries, id)
	}
	return p
}

// resolve delivers a response result to the pending request with the
// given ID. Returns false if no such request is pending (already resolved,
// timed out, or unsolicited) — the caller drops those silently.
func (t *pendingTable) resolve(id string, res Result) bool {
	p := t.take(id)
	if p == nil {
		return false
	}
	p.done <- outcome{res: &res}
	return true
}

// failAll removes every pending entry and rejects each with err. Used on
// teardown so outstanding requests are rejected rather than leaked.
func (t *pendingTable) failAll(err error) int {
	t.mu.Lock()
	drained := make([]*pendingRequest, 0, len(t.entries))
	for id, p := range t.entries {
		drained = append(drained, p)
		delete(t.entries, id)
	}
	t.mu.Unlock()

	for _, p := range drained {
		p.done <- outcome{err: err}
	}
	return len(drained)
}

// size returns the number of in-flight requests.
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
