package chat

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"clawterm/internal/domain"
)

// Poll breaker settings. The poll timer fires every couple of seconds for
// as long as a run is active; without a breaker a dead gateway would be
// hit on every tick for the run's whole lifetime.
const (
	breakerMaxFailures uint32        = 3
	breakerTimeout     time.Duration = 15 * time.Second
	breakerInterval    time.Duration = 60 * time.Second
)

// newHistoryBreaker builds the circuit breaker guarding history polls.
// Breaker outcomes are logged, never surfaced: the poll path is a
// background reliability fallback with no caller to report to.
func newHistoryBreaker(logger *slog.Logger) *gobreaker.CircuitBreaker[[]domain.ChatMessage] {
	return gobreaker.NewCircuitBreaker[[]domain.ChatMessage](gobreaker.Settings{
		Name:        "chat.history",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("history poll breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}
