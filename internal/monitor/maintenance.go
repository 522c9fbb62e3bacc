package monitor

import (
	"context"
	"time"

	"github.com/kubilitics/kubilitics-perimeter/internal/scheduler"
)

// Maintenance intervals.
const (
	ResetInterval       = time.Hour
	PruneInterval       = 24 * time.Hour
	ActiveUsersInterval = 5 * time.Minute
)

// Register adds the hourly window reset, the daily prune and the active users refresh to s.
func (mo *Monitor) Register(s *scheduler.Scheduler) {
	s.Every("monitor-reset-window", ResetInterval, func(context.Context) error {
		mo.ResetWindow()
		return nil
	})
	s.Every("monitor-prune-events", PruneInterval, func(context.Context) error {
		mo.PruneEvents()
		return nil
	})
	s.Every("monitor-refresh-active-users", ActiveUsersInterval, func(context.Context) error {
		mo.RefreshActiveUsers()
		return nil
	})
}
