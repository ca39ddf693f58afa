package pool

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// newSpawnBreaker returns the circuit breaker guarding worker spawns for
// one pool. Each spawn reports its outcome once the worker is ready or has
// died trying, so launches that succeed but exit immediately still trip it.
// After five consecutive failed spawns it opens for 30s, during which
// replenishment and SpawnNew fail fast.
func newSpawnBreaker(name string, logger *slog.Logger) *gobreaker.TwoStepCircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "spawn:" + name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("spawn circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// IsBreakerOpen reports whether err came from an open or saturated breaker.
func IsBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
