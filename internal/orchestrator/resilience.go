package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/KHUCHAN/AgentCanvas-sub001/internal/backend"
)

// ErrBackendUnavailable wraps calls rejected by an open circuit breaker.
var ErrBackendUnavailable = errors.New("backend unavailable")

// BreakerSettings tunes the per-backend circuit breakers.
type BreakerSettings struct {
	FailureThreshold uint32        // consecutive failures that open the breaker (default 5)
	OpenTimeout      time.Duration // how long it stays open before probing (default 30s)
	HalfOpenRequests uint32        // requests allowed while half-open (default 1)
}

// DefaultBreakerSettings returns the default breaker settings.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// BreakerRegistry manages per-backend-type circuit breakers. It is shared
// by every run of the process so a failing CLI trips once for all of them.
type BreakerRegistry struct {
	mu       sync.Mutex
	settings BreakerSettings
	logger   *slog.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a registry. A nil logger uses slog.Default().
func NewBreakerRegistry(settings BreakerSettings, logger *slog.Logger) *BreakerRegistry {
	defaults := DefaultBreakerSettings()
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = defaults.FailureThreshold
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = defaults.OpenTimeout
	}
	if settings.HalfOpenRequests == 0 {
		settings.HalfOpenRequests = defaults.HalfOpenRequests
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerRegistry{
		settings: settings,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for the given backend type, creating it on first use.
func (r *BreakerRegistry) Get(backendType string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[backendType]; ok {
		return cb
	}
	threshold := r.settings.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        backendType,
		MaxRequests: r.settings.HalfOpenRequests,
		Interval:    0, // counts are only cleared by state changes
		Timeout:     r.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state changed", "backend", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Cancellation and timeouts are the caller's doing, not the backend's.
			return err == nil ||
				errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
				backend.IsCanceled(err) || backend.IsTimeout(err)
		},
	})
	r.breakers[backendType] = cb
	return cb
}

// Send calls b once through the breaker of backendType. Failures are not retried.
func (r *BreakerRegistry) Send(ctx context.Context, backendType string, b backend.Backend, msg backend.Message) (backend.Response, error) {
	cb := r.Get(backendType)
	result, err := cb.Execute(func() (interface{}, error) {
		return b.Send(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return backend.Response{}, fmt.Errorf("%w: %s circuit %v", ErrBackendUnavailable, backendType, err)
	}
	if err != nil {
		return backend.Response{}, err
	}
	return result.(backend.Response), nil
}
