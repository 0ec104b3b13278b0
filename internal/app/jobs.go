/**
 * @description
 * Scheduled job implementations for the billing service.
 */
package app

import (
	"context"
	"log/slog"
	"time"
)

// JobsRepository defines database operations needed by the jobs.
type JobsRepository interface {
	FailStaleGatewayAttempts(ctx context.Context, olderThan time.Time) (int64, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo           JobsRepository
	logger         *slog.Logger
	attemptTimeout time.Duration
	now            func() time.Time
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo JobsRepository, logger *slog.Logger, attemptTimeout time.Duration) *Jobs {
	return &Jobs{
		repo:           repo,
		logger:         logger,
		attemptTimeout: attemptTimeout,
		now:            time.Now,
	}
}

// ExpireStaleGatewayAttempts fails instant payments whose gateway order was never captured.
// Attempts that already hold a settlement reference are left alone.
func (j *Jobs) ExpireStaleGatewayAttempts() {
	j.logger.Info("starting gateway attempt expiry job")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := j.now().Add(-j.attemptTimeout)
	expired, err := j.repo.FailStaleGatewayAttempts(ctx, cutoff)
	if err != nil {
		j.logger.Error("failed to expire stale gateway attempts", "error", err)
		return
	}

	j.logger.Info("gateway attempt expiry job finished", "expired", expired, "cutoff", cutoff)
}
