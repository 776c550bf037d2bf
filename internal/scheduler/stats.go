package scheduler

import "time"

// Stats is a snapshot of scheduler activity.
type Stats struct {
	Total          int            // Tasks created or recovered since start
	Active         int            // Currently pending, executing or paused
	Completed      int            // Transitions into completed
	Failed         int            // Transitions into failed, retried ones included
	Cancelled      int            // Transitions into cancelled
	Retried        int            // Returns from failed to pending
	Queued         int            // Ids waiting in the ready queue
	ByType         map[string]int // Known tasks per type
	Distribution   map[Status]int // Known tasks per current status
	AverageLatency time.Duration  // Mean start-to-completion time of completed tasks
	Breakers       map[string]string
}

// Stats returns aggregate counters and a status breakdown of known tasks.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Total:        s.counts.created,
		Completed:    s.counts.completed,
		Failed:       s.counts.failed,
		Cancelled:    s.counts.cancelled,
		Retried:      s.counts.retried,
		ByType:       make(map[string]int),
		Distribution: make(map[Status]int, len(AllStatuses)),
	}
	for _, status := range AllStatuses {
		st.Distribution[status] = 0
	}

	var total time.Duration
	var n int
	for _, e := range s.tasks {
		t := e.task
		st.ByType[t.Type]++
		st.Distribution[t.Status]++
		if t.Status.Active() {
			st.Active++
		}
		if t.Status == StatusCompleted && t.StartedAt != nil && t.CompletedAt != nil {
			total += t.CompletedAt.Sub(*t.StartedAt)
			n++
		}
	}
	s.mu.Unlock()

	if n > 0 {
		st.AverageLatency = total / time.Duration(n)
	}
	st.Queued = s.queue.len()

	st.Breakers = make(map[string]string)
	for name, state := range s.breakers.states() {
		st.Breakers[name] = state.String()
	}
	return st
}
