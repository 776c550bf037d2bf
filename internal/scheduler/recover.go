package scheduler

import (
	"context"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"
)

// Recover loads unfinished tasks from the store and queues each of them once.
// Executing and paused records are rewritten to pending since no execution
// survives a restart. StartedAt is kept. Handlers must be idempotent.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	tasks, err := s.store.LoadActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load active tasks: %w", err)
	}

	slices.SortFunc(tasks, func(a, b *Task) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	recovered := 0
	for _, t := range tasks {
		s.mu.Lock()
		if _, exists := s.tasks[t.ID]; exists {
			s.mu.Unlock()
			continue
		}

		previous := t.Status
		if previous != StatusPending {
			t.Status = StatusPending
			if err := s.persistLocked(ctx, t); err != nil {
				s.mu.Unlock()
				return recovered, &PersistenceError{TaskID: t.ID, Op: "recover", Err: err}
			}
		}
		s.tasks[t.ID] = &entry{task: t}
		s.counts.created++
		s.mu.Unlock()

		s.queue.push(t.ID, t.Priority)
		recovered++

		s.log.WithFields(logrus.Fields{
			"task_id":  t.ID,
			"type":     t.Type,
			"was":      previous,
			"priority": t.Priority.String(),
		}).Info("task recovered")
	}

	return recovered, nil
}
