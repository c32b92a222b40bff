package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_sweep_runs_total",
			Help: "Expired session sweeps by result.",
		},
		[]string{"result"},
	)

	sweepDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_sweep_deleted_total",
			Help: "Expired refresh token records deleted by the sweeper.",
		},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "session_sweep_duration_seconds",
			Help:    "Duration of one expired session sweep.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// ExpiredSweeper deletes refresh token records past their expiry.
type ExpiredSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// Sweeper runs an ExpiredSweeper on a fixed interval until stopped.
type Sweeper struct {
	target   ExpiredSweeper
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper creates a sweeper. Each run is bounded by half the interval.
func NewSweeper(target ExpiredSweeper, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		target:   target,
		interval: interval,
		timeout:  interval / 2,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run sweeps once immediately and then on every tick. It returns when ctx is
// cancelled or Stop is called.
func (s *Sweeper) Run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Stop ends Run and waits for an in-flight sweep to finish or ctx to expire.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sweep runs one pass and reports the number of deleted records.
func (s *Sweeper) sweep(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	n, err := s.target.SweepExpired(ctx)
	sweepDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		sweepRunsTotal.WithLabelValues("error").Inc()
		s.logger.ErrorContext(ctx, "session sweep failed", slog.String("error", err.Error()))
		return 0
	}

	sweepRunsTotal.WithLabelValues("success").Inc()
	if n > 0 {
		sweepDeletedTotal.Add(float64(n))
		s.logger.InfoContext(ctx, "expired sessions swept", slog.Int64("deleted", n))
	}
	return n
}
