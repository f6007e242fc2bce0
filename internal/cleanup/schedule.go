package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// RunSchedule blocks, executing Run at each activation of cronSpec (spec
// §4.5 "Cron-style schedule, default daily 02:00 UTC") until ctx is
// cancelled. Activations are computed in UTC. A run still in flight when
// the next activation arrives is skipped by Run's own busy guard.
func (s *Scheduler) RunSchedule(ctx context.Context, cronSpec string) error {
	sched, err := cron.ParseStandard(cronSpec)
	if err != nil {
		return fmt.Errorf("cleanup: parse schedule %q: %w", cronSpec, err)
	}

	for {
		next := sched.Next(time.Now().UTC())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			ran, counters, _, err := s.Run(ctx, false)
			if err != nil {
				s.Logger.Printf("cleanup: scheduled run: %v", err)
				continue
			}
			if !ran {
				s.Logger.Printf("cleanup: scheduled run skipped, already running")
				continue
			}
			s.Logger.Printf("cleanup: run done in %s: %d duplicates removed, %d expired, %d orphans",
				counters.LastRunDuration.Round(time.Millisecond),
				counters.DuplicatesRemoved, counters.OldLogsRemoved, counters.OrphanedImagesRemoved)
		}
	}
}
