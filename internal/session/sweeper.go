package session

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/manual-qa/backend/pkg/logger"
)

type StaleStore interface {
	DeactivateStaleSessions(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper deactivates sessions idle for longer than the inactivity window so
// listings report accurate active flags.
type Sweeper struct {
	store  StaleStore
	window time.Duration
	now    func() time.Time
}

func NewSweeper(store StaleStore, window time.Duration) *Sweeper {
	if window <= 0 {
		window = DefaultInactivityWindow
	}
	return &Sweeper{store: store, window: window, now: time.Now}
}

func (s *Sweeper) Run(ctx context.Context) (int64, error) {
	n, err := s.store.DeactivateStaleSessions(ctx, s.now().Add(-s.window))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale sessions: %w", err)
	}
	if n > 0 {
		logger.Info("Stale sessions deactivated", zap.Int64("count", n))
	}
	return n, nil
}

// Schedule registers the sweep on c using a standard cron spec or a
// descriptor such as "@every 15m".
func (s *Sweeper) Schedule(c *cron.Cron, spec string) (cron.EntryID, error) {
	id, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.Run(ctx); err != nil {
			logger.Warn("Session sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return 0, fmt.Errorf("failed to schedule session sweep: %w", err)
	}
	logger.Info("Session sweep scheduled", zap.String("schedule", spec))
	return id, nil
}
