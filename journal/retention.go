package journal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var retentionParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

func parseSchedule(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if strings.Contains(strings.ToUpper(clean), "TZ=") {
		return nil, fmt.Errorf("journal: retention schedule must be UTC-only")
	}
	schedule, err := retentionParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("journal: invalid retention schedule: %w", err)
	}
	return schedule, nil
}

func (j *Journal) retentionLoop(ctx context.Context) {
	schedule, err := parseSchedule(j.cfg.RetentionSchedule)
	if err != nil {
		j.logger.Error("journal: retention disabled", "error", err)
		return
	}
	if _, err := j.Sweep(ctx); err != nil {
		j.logger.Warn("journal: retention sweep failed", "error", err)
	}
	for {
		now := j.cfg.Now()
		wait := schedule.Next(now).Sub(now)
		if wait < time.Second {
			wait = time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := j.Sweep(ctx); err != nil {
			j.logger.Warn("journal: retention sweep failed", "error", err)
		}
	}
}

// Sweep prunes log entries and execution records older than each
// flow's retention window and returns the number of removed items.
func (j *Journal) Sweep(ctx context.Context) (int, error) {
	now := j.cfg.Now()
	removed := 0
	for _, prefix := range []string{"logs/", "executions/"} {
		streams, err := j.cfg.Log.Streams(ctx, prefix)
		if err != nil {
			return removed, err
		}
		for _, stream := range streams {
			flowID := strings.TrimPrefix(stream, prefix)
			days := j.settings(ctx, flowID).RetentionDays
			cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)
			n, err := j.cfg.Log.PruneBefore(ctx, stream, cutoff)
			if err != nil {
				return removed, err
			}
			removed += n
		}
	}
	if removed > 0 {
		j.logger.Info("journal: retention sweep", "removed", removed)
	}
	return removed, nil
}
