package gateway

import (
	"log/slog"
	"sync"
)

// EventHandler is a callback invoked for each matching inbound event.
type EventHandler func(Event)

type subscription struct {
	id      uint64
	handler EventHandler
}

// eventRouter fans inbound events out to subscribers, keyed by exact event
// name plus the "*" wildcard. Dispatch iterates a snapshot of the
// subscriber list so handlers may unsubscribe (themselves or others)
// mid-dispatch without corrupting iteration.
type eventRouter struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string][]subscription
	logger *slog.Logger
}

func newEventRouter(logger *slog.Logger) *eventRouter {
	return &eventRouter{
		subs:   make(map[string][]subscription),
		logger: logger,
	}
}

// subscribe registers a handler for the given event name ("*" for all
// events) and returns an unsubscribe function. Multiple subscriptions per
// name are allowed and all fire, in subscription order.
func (r *eventRouter) subscribe(name string, handler EventHandler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs[name] = append(r.subs[name], subscription{id: id, handler: handler})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.subs[name]
		for i, s := range list {
			if s.id == id {
				r.subs[name] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(r.subs[name]) == 0 {
			delete(r.subs, name)
		}
	}
}

// dispatch delivers an event to every exact-name subscriber, then every
// wildcard subscriber. A panicking handler is recovered and logged so it
// cannot prevent the remaining handlers from running.
func (r *eventRouter) dispatch(evt Event) {
	r.mu.Lock()
	handlers := make([]EventHandler, 0, len(r.subs[evt.Name])+len(r.subs[WildcardEvent]))
	for _, s := range r.subs[evt.Name] {
		handlers = append(handlers, s.handler)
	}
	for _, s := range r.subs[WildcardEvent] {
		handlers = append(handlers, s.handler)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		r.safeInvoke(h, evt)
	}
}

func (r *eventRouter) safeInvoke(h EventHandler, evt Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("event handler panicked", "event", evt.Name, "panic", rec)
		}
	}()
	h(evt)
}
