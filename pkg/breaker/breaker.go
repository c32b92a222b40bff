package breaker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"

	apperrors "github.com/sharp-crm/Sharp-crm2-sub002/pkg/errors"
)

// Config holds circuit breaker settings.
type Config struct {
	// Name identifies the breaker in logs and metrics.
	Name string
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval clears closed-state counts; zero never clears.
	Interval time.Duration
	// Timeout is how long the breaker stays open before half-opening.
	Timeout time.Duration
	// FailureRatio of failed to total requests that trips the breaker.
	FailureRatio float64
	// MinRequests before FailureRatio is evaluated.
	MinRequests uint32
}

// DefaultConfig returns breaker defaults for a backing store.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      10 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

// ErrOpen is returned without calling the store while the breaker is open.
var ErrOpen = gobreaker.ErrOpenState

var breakerState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
	},
	[]string{"name"},
)

func stateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// Breaker guards calls to a backing store. Only infrastructure failures
// count against it: domain outcomes such as "not found" and caller
// cancellation are successes from the breaker's point of view.
type Breaker struct {
	cb *gobreaker.CircuitBreaker[any]
}

// New creates a Breaker.
func New(cfg Config, logger *slog.Logger) *Breaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			breakerState.WithLabelValues(name).Set(stateValue(to))
		},
		IsSuccessful: isSuccessful,
	}
	breakerState.WithLabelValues(cfg.Name).Set(0)
	return &Breaker{cb: gobreaker.NewCircuitBreaker[any](settings)}
}

func isSuccessful(err error) bool {
	return err == nil || apperrors.IsDomain(err) || errors.Is(err, context.Canceled)
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Call runs fn through b and returns its result. The error is returned
// unchanged, except that open or saturated breakers return ErrOpen or
// gobreaker.ErrTooManyRequests without invoking fn.
func Call[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var out T
	_, err := b.cb.Execute(func() (any, error) {
		v, err := fn()
		out = v
		return nil, err
	})
	return out, err
}

// Do is Call for operations without a result.
func Do(b *Breaker, fn func() error) error {
	_, err := Call(b, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// IsRejected reports whether err came from the breaker rather than the store.
func IsRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
