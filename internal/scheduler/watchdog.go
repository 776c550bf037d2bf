package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

func (s *Scheduler) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.watchdogOnce(ctx, time.Now())
		}
	}
}

// watchdogOnce fails every executing or paused task whose start plus timeout
// lies before now, whether or not its handler is still running.
func (s *Scheduler) watchdogOnce(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var notes []note
	expired := 0
	for _, e := range s.tasks {
		st := e.task.Status
		if st != StatusExecuting && st != StatusPaused {
			continue
		}
		deadline, ok := e.task.Deadline()
		if !ok || !now.After(deadline) {
			continue
		}

		s.log.WithFields(logrus.Fields{
			"task_id": e.task.ID,
			"timeout": e.task.Timeout.String(),
		}).Warn("task exceeded its execution timeout")

		more, err := s.failLocked(ctx, e, ReasonExecutionTimeout, true)
		if err != nil {
			continue
		}
		notes = append(notes, more...)
		expired++
	}
	s.mu.Unlock()

	s.emit(notes)
	return expired
}
