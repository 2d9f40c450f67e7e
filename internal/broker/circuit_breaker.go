package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// CircuitBreakerSource wraps a Source so a failing broker is skipped
// quickly instead of timing out on every call.
type CircuitBreakerSource struct {
	source  Source
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips after 60% of at least 5 calls fail.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

func execCircuitBreaker[T any](breaker *gobreaker.CircuitBreaker, source Source,
	fn func(Source) (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(source) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// NewCircuitBreakerSource wraps source with the given settings.
func NewCircuitBreakerSource(source Source, settings CircuitBreakerSettings, logger *logrus.Logger) *CircuitBreakerSource {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		// Caller cancellation says nothing about broker health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("Circuit breaker state changed")
		},
	}

	return &CircuitBreakerSource{
		source:  source,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// Orders wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerSource) Orders(ctx context.Context, since time.Time) ([]Order, error) {
	return execCircuitBreaker(c.breaker, c.source, func(s Source) ([]Order, error) { return s.Orders(ctx, since) })
}

// Positions wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerSource) Positions(ctx context.Context) ([]Position, error) {
	return execCircuitBreaker(c.breaker, c.source, func(s Source) ([]Position, error) { return s.Positions(ctx) })
}

// State reports the breaker state.
func (c *CircuitBreakerSource) State() gobreaker.State {
	return c.breaker.State()
}
