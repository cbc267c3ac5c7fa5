package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const sweepLockKey = "orderflow:sweeper:lock"

// SessionExpirer is implemented by SessionService.
type SessionExpirer interface {
	ExpireStaleSessions(ctx context.Context, now time.Time) (int, error)
}

// Sweeper periodically expires unpaid sessions. A short Redis lock keeps
// replicas from sweeping on the same tick; correctness does not depend on it
// because expiry is a conditional update.
type Sweeper struct {
	expirer  SessionExpirer
	redis    redis.Cmdable
	interval time.Duration
	logger   *slog.Logger
	owner    string
}

// NewSweeper creates a sweeper. A nil redis client sweeps without locking.
func NewSweeper(expirer SessionExpirer, rdb redis.Cmdable, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		expirer:  expirer,
		redis:    rdb,
		interval: interval,
		logger:   logger,
		owner:    uuid.New().String(),
	}
}

// Run sweeps every interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("session sweeper started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("session sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("session sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep runs one expiry pass if this instance wins the lock. The lock is
// left to expire so that other replicas skip the rest of the tick. It
// returns the number of sessions expired.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.redis != nil {
		acquired, err := s.redis.SetNX(ctx, sweepLockKey, s.owner, s.interval/2).Result()
		if err != nil {
			// Sweep anyway: the lock only saves duplicate work.
			s.logger.Warn("sweeper lock unavailable", slog.String("error", err.Error()))
		} else if !acquired {
			return 0, nil
		}
	}

	n, err := s.expirer.ExpireStaleSessions(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired stale checkout sessions", slog.Int("count", n))
	}
	return n, nil
}
