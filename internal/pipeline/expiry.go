// Package pipeline runs the coordinator's periodic background jobs.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/arbexec/internal/metrics"
)

// Expirer expires active opportunities whose deadline has passed.
// service.ArbService satisfies it.
type Expirer interface {
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

// ExpirySweeper periodically moves stale active opportunities to expired so
// they leave the ranking feed with a recorded outcome.
type ExpirySweeper struct {
	expirer Expirer
	now     func() time.Time
	logger  *slog.Logger
}

// NewExpirySweeper creates an ExpirySweeper.
func NewExpirySweeper(expirer Expirer, logger *slog.Logger) *ExpirySweeper {
	return &ExpirySweeper{
		expirer: expirer,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "expiry_sweeper")),
	}
}

// Run performs one sweep and returns the number of opportunities expired.
func (s *ExpirySweeper) Run(ctx context.Context) (int, error) {
	n, err := s.expirer.ExpireStale(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.OpportunitiesExpired.Add(float64(n))
		s.logger.InfoContext(ctx, "expired stale opportunities", slog.Int("count", n))
	}
	return n, nil
}

// RunLoop sweeps immediately and then every interval until ctx is done.
// Sweep failures are logged and retried on the next tick.
func (s *ExpirySweeper) RunLoop(ctx context.Context, interval time.Duration) error {
	if _, err := s.Run(ctx); err != nil {
		s.logger.ErrorContext(ctx, "expiry sweep failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil {
				s.logger.ErrorContext(ctx, "expiry sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
