// Package retention removes old finished tasks on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/aristath/agentflow/internal/logging"
)

// StorePurger deletes stored terminal tasks completed before cutoff.
type StorePurger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemoryPruner forgets in-memory terminal tasks completed before cutoff.
type MemoryPruner interface {
	Prune(cutoff time.Time) int
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Purger applies a retention window to the store and the scheduler.
type Purger struct {
	store     StorePurger
	memory    MemoryPruner // Optional
	retention time.Duration
	log       logrus.FieldLogger
	now       func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates a purger keeping finished tasks for retention.
func New(store StorePurger, memory MemoryPruner, retention time.Duration, logger logrus.FieldLogger) *Purger {
	return &Purger{
		store:     store,
		memory:    memory,
		retention: retention,
		log:       logging.Component(logger, "retention"),
		now:       time.Now,
	}
}

// RunOnce purges everything that finished more than the retention window ago.
func (p *Purger) RunOnce(ctx context.Context) (int64, error) {
	cutoff := p.now().Add(-p.retention)

	n, err := p.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge tasks before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	pruned := 0
	if p.memory != nil {
		pruned = p.memory.Prune(cutoff)
	}

	p.log.WithFields(logrus.Fields{
		"cutoff": cutoff.Format(time.RFC3339),
		"stored": n,
		"memory": pruned,
	}).Info("purged finished tasks")
	return n, nil
}

// Start runs RunOnce on schedule until Stop. The schedule is a five-field
// cron expression or a descriptor such as "@daily".
func (p *Purger) Start(ctx context.Context, schedule string) error {
	sched, err := parser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("invalid purge schedule %q: %w", schedule, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return fmt.Errorf("purger already started")
	}

	c := cron.New(cron.WithParser(parser))
	c.Schedule(sched, cron.FuncJob(func() {
		if _, err := p.RunOnce(ctx); err != nil {
			p.log.WithError(err).Error("scheduled purge failed")
		}
	}))
	c.Start()
	p.cron = c
	p.log.WithField("schedule", schedule).Info("purge scheduled")
	return nil
}

// Stop halts the schedule and waits for a running purge to finish.
func (p *Purger) Stop() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}
