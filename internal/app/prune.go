package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/damaface/consultoria/internal/logger"
)

// Pruner is the part of the service the history cron job needs.
type Pruner interface {
	PruneHistory(ctx context.Context, retention time.Duration) (int64, error)
}

// ScheduleHistoryPrune registers a job on c that deletes history older than
// retention. An empty schedule disables pruning.
func ScheduleHistoryPrune(c *cron.Cron, p Pruner, schedule string, retention time.Duration) (cron.EntryID, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" || retention <= 0 {
		return 0, nil
	}
	log := logger.Component("prune")
	id, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := p.PruneHistory(ctx, retention); err != nil {
			log.WithError(err).Error("history prune failed")
		}
	})
	if err != nil {
		return 0, fmt.Errorf("invalid HISTORY_PRUNE_SCHEDULE %q: %w", schedule, err)
	}
	return id, nil
}
