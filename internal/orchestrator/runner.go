package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/agentflow/internal/bus"
	"github.com/aristath/agentflow/internal/config"
	"github.com/aristath/agentflow/internal/events"
	"github.com/aristath/agentflow/internal/logging"
	"github.com/aristath/agentflow/internal/planner"
	"github.com/aristath/agentflow/internal/priority"
	"github.com/aristath/agentflow/internal/scheduler"
)

// ErrPhaseFailed is returned when a subtask of a phase did not complete.
// Later phases are not submitted.
var ErrPhaseFailed = errors.New("plan phase failed")

// TaskScheduler is the part of the scheduler a Runner drives.
type TaskScheduler interface {
	Create(ctx context.Context, opts scheduler.CreateOptions) (string, error)
	Wait(ctx context.Context, id string) (*scheduler.Task, error)
}

// SubtaskSpec describes one subtask of a plan request.
type SubtaskSpec struct {
	ID           string             `json:"id"`
	Type         string             `json:"type"`
	Name         string             `json:"name,omitempty"`
	Priority     *priority.Priority `json:"priority,omitempty"` // Normal when unset
	Dependencies []string           `json:"dependencies,omitempty"`
	Payload      json.RawMessage    `json:"payload,omitempty"`
	Timeout      config.Duration    `json:"timeout,omitzero"`
	MaxRetries   *int               `json:"max_retries,omitempty"`
	Agent        string             `json:"agent,omitempty"` // Mailbox that receives a task_assignment
}

func (s SubtaskSpec) priority() priority.Priority {
	if s.Priority == nil {
		return priority.Normal
	}
	return *s.Priority
}

// Request is a decomposed piece of work.
type Request struct {
	Name     string        `json:"name"`
	Subtasks []SubtaskSpec `json:"subtasks"`
}

// SubtaskResult is the final state of one subtask.
type SubtaskResult struct {
	ID     string           `json:"id"`
	TaskID string           `json:"task_id,omitempty"` // Empty when the phase was never submitted
	Phase  int              `json:"phase"`
	Status scheduler.Status `json:"status,omitempty"`
	Error  string           `json:"error,omitempty"`
	Result json.RawMessage  `json:"result,omitempty"`
}

// Report summarises a plan run.
type Report struct {
	Name     string          `json:"name"`
	Plan     *planner.Plan   `json:"-"`
	Phases   int             `json:"phases"`
	Results  []SubtaskResult `json:"results"`
	Warning  string          `json:"warning,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// Result returns the result for a subtask id.
func (r *Report) Result(id string) (SubtaskResult, bool) {
	for _, res := range r.Results {
		if res.ID == id {
			return res, true
		}
	}
	return SubtaskResult{}, false
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Scheduler TaskScheduler
	Events    *events.EventBus // Optional
	Bus       *bus.Bus         // Optional, needed for Agent assignments
	Sender    string           // Sender id on assignment messages (default "orchestrator")
	Logger    logrus.FieldLogger
}

// Runner submits a plan phase by phase and waits for each phase to finish.
type Runner struct {
	config RunnerConfig
	log    logrus.FieldLogger
}

// NewRunner creates a new plan runner.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Sender == "" {
		cfg.Sender = "orchestrator"
	}
	return &Runner{
		config: cfg,
		log:    logging.Component(cfg.Logger, "runner"),
	}
}

// Run plans req and executes it. The returned report is non-nil whenever
// planning succeeded, including when a phase failed.
func (r *Runner) Run(ctx context.Context, req Request) (*Report, error) {
	started := time.Now()

	specs := make(map[string]SubtaskSpec, len(req.Subtasks))
	subtasks := make([]planner.Subtask, 0, len(req.Subtasks))
	for _, s := range req.Subtasks {
		if s.Type == "" {
			return nil, fmt.Errorf("subtask %q: type is required", s.ID)
		}
		specs[s.ID] = s
		subtasks = append(subtasks, planner.Subtask{
			ID:           s.ID,
			Priority:     s.priority(),
			Dependencies: s.Dependencies,
		})
	}

	plan, err := planner.Build(subtasks)
	if err != nil {
		return nil, fmt.Errorf("failed to plan %q: %w", req.Name, err)
	}
	if plan.HasCycle() {
		r.log.WithFields(logrus.Fields{
			"plan":   req.Name,
			"broken": plan.CycleBroken,
		}).Warn(plan.Warning)
	}

	report := &Report{
		Name:    req.Name,
		Plan:    plan,
		Phases:  len(plan.Phases),
		Warning: plan.Warning,
	}
	defer func() { report.Duration = time.Since(started) }()

	taskIDs := make(map[string]string, len(specs))
	var runErr error

	for i, phase := range plan.Phases {
		if runErr != nil {
			for _, id := range phase.IDs {
				report.Results = append(report.Results, SubtaskResult{ID: id, Phase: i})
			}
			continue
		}

		results, err := r.runPhase(ctx, req.Name, i, len(plan.Phases), phase, specs, taskIDs)
		report.Results = append(report.Results, results...)
		if err != nil {
			runErr = err
		}
	}

	return report, runErr
}

// runPhase creates every subtask of phase and waits until all are terminal.
func (r *Runner) runPhase(ctx context.Context, planName string, index, total int, phase planner.Phase,
	specs map[string]SubtaskSpec, taskIDs map[string]string) ([]SubtaskResult, error) {

	log := r.log.WithFields(logrus.Fields{"plan": planName, "phase": index})

	for _, id := range phase.IDs {
		spec := specs[id]
		taskID, err := r.submit(ctx, planName, spec, taskIDs)
		if err != nil {
			return r.partial(phase, index, taskIDs), fmt.Errorf("failed to submit subtask %q: %w", id, err)
		}
		taskIDs[id] = taskID
	}

	r.publish(events.PlanPhaseEvent{
		Plan:      planName,
		Phase:     index,
		Phases:    total,
		Subtasks:  phase.IDs,
		Timestamp: time.Now(),
	})
	log.WithField("subtasks", phase.IDs).Info("phase submitted")

	results := make([]SubtaskResult, len(phase.IDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range phase.IDs {
		g.Go(func() error {
			t, err := r.config.Scheduler.Wait(gctx, taskIDs[id])
			if err != nil {
				return fmt.Errorf("failed to wait for subtask %q: %w", id, err)
			}
			results[i] = SubtaskResult{
				ID:     id,
				TaskID: t.ID,
				Phase:  index,
				Status: t.Status,
				Error:  t.Error,
				Result: t.Result,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return r.partial(phase, index, taskIDs), err
	}

	var failed []string
	for _, res := range results {
		if res.Status != scheduler.StatusCompleted {
			failed = append(failed, res.ID)
		}
	}

	r.publish(events.PlanPhaseEvent{
		Plan:      planName,
		Phase:     index,
		Phases:    total,
		Subtasks:  phase.IDs,
		Done:      true,
		Failed:    len(failed) > 0,
		Timestamp: time.Now(),
	})

	if len(failed) > 0 {
		log.WithField("failed", failed).Warn("phase failed")
		return results, fmt.Errorf("%w: phase %d: subtasks %v did not complete", ErrPhaseFailed, index, failed)
	}
	log.Info("phase completed")
	return results, nil
}

func (r *Runner) submit(ctx context.Context, planName string, spec SubtaskSpec, taskIDs map[string]string) (string, error) {
	deps := make([]string, 0, len(spec.Dependencies))
	for _, dep := range spec.Dependencies {
		// Unset when the dependency was deferred to break a cycle
		if id, ok := taskIDs[dep]; ok {
			deps = append(deps, id)
		}
	}

	name := spec.Name
	if name == "" {
		name = spec.ID
	}

	taskID, err := r.config.Scheduler.Create(ctx, scheduler.CreateOptions{
		Type:         spec.Type,
		Name:         name,
		Priority:     spec.priority(),
		Timeout:      spec.Timeout.Duration,
		MaxRetries:   spec.MaxRetries,
		Payload:      spec.Payload,
		Dependencies: deps,
		Metadata: map[string]string{
			"plan":    planName,
			"subtask": spec.ID,
		},
	})
	if err != nil {
		return "", err
	}

	if spec.Agent != "" && r.config.Bus != nil {
		_, err := r.config.Bus.SendTaskAssignment(ctx, r.config.Sender, spec.Agent, bus.TaskAssignment{
			TaskID:   taskID,
			TaskType: spec.Type,
			Data:     spec.Payload,
		}, spec.priority())
		if err != nil {
			// The task is already queued; a missing mailbox does not stop the plan
			r.log.WithFields(logrus.Fields{
				"task_id": taskID,
				"agent":   spec.Agent,
			}).WithError(err).Warn("failed to send task assignment")
		}
	}
	return taskID, nil
}

// partial reports what is known about a phase that could not be waited on.
func (r *Runner) partial(phase planner.Phase, index int, taskIDs map[string]string) []SubtaskResult {
	out := make([]SubtaskResult, 0, len(phase.IDs))
	for _, id := range phase.IDs {
		out = append(out, SubtaskResult{ID: id, TaskID: taskIDs[id], Phase: index})
	}
	return out
}

func (r *Runner) publish(ev events.PlanPhaseEvent) {
	if r.config.Events != nil {
		r.config.Events.Publish(events.TopicPlan, ev)
	}
}
