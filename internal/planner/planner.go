// Package planner groups dependent subtasks into phases that can run in parallel.
package planner

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/aristath/agentflow/internal/priority"
)

var (
	// ErrEmptyID is returned for a subtask without an id.
	ErrEmptyID = errors.New("subtask id is empty")
	// ErrDuplicateSubtask is returned when two subtasks share an id.
	ErrDuplicateSubtask = errors.New("duplicate subtask id")
	// ErrUnknownDependency is returned when a subtask depends on an id not in the input.
	ErrUnknownDependency = errors.New("dependency on unknown subtask")
)

// Subtask is one node of the decomposition.
type Subtask struct {
	ID           string
	Priority     priority.Priority // Unset means Normal
	Dependencies []string
}

// Phase is a set of subtasks whose dependencies all sit in earlier phases.
type Phase struct {
	IDs      []string // Sorted
	Parallel bool     // More than one subtask
}

// Plan is an ordered list of phases covering every subtask exactly once.
type Plan struct {
	Phases []Phase
	// CycleBroken lists subtasks that were placed alone to break a
	// dependency cycle, in placement order.
	CycleBroken []string
	// Warning describes the cycle when one was found.
	Warning string
}

// HasCycle reports whether the input contained a dependency cycle.
func (p *Plan) HasCycle() bool {
	return len(p.CycleBroken) > 0
}

// PhaseOf returns the index of the phase holding id, or -1.
func (p *Plan) PhaseOf(id string) int {
	for i, phase := range p.Phases {
		if slices.Contains(phase.IDs, id) {
			return i
		}
	}
	return -1
}

// Len returns the number of subtasks in the plan.
func (p *Plan) Len() int {
	n := 0
	for _, phase := range p.Phases {
		n += len(phase.IDs)
	}
	return n
}

// Build returns the phased plan for subtasks. Each round places every
// unplaced subtask whose dependencies were placed in earlier rounds. When nothing is ready the
// inputs contain a cycle, and the unplaced subtask with the smallest
// priority value (then smallest id) is placed alone.
func Build(subtasks []Subtask) (*Plan, error) {
	byID, err := index(subtasks)
	if err != nil {
		return nil, err
	}

	plan := &Plan{}
	if err := detectCycle(subtasks); err != nil {
		plan.Warning = err.Error()
	}

	placed := make(map[string]bool, len(subtasks))
	remaining := make([]string, 0, len(subtasks))
	for _, st := range subtasks {
		remaining = append(remaining, st.ID)
	}

	for len(remaining) > 0 {
		var ready, rest []string
		for _, id := range remaining {
			if allPlaced(byID[id].Dependencies, placed) {
				ready = append(ready, id)
			} else {
				rest = append(rest, id)
			}
		}

		if len(ready) == 0 {
			pick := bestCandidate(remaining, byID)
			ready = []string{pick}
			rest = slices.DeleteFunc(remaining, func(id string) bool { return id == pick })
			plan.CycleBroken = append(plan.CycleBroken, pick)
		}

		slices.Sort(ready)
		for _, id := range ready {
			placed[id] = true
		}
		plan.Phases = append(plan.Phases, Phase{IDs: ready, Parallel: len(ready) > 1})
		remaining = rest
	}

	if plan.HasCycle() && plan.Warning == "" {
		plan.Warning = "dependency cycle broken at " + strings.Join(plan.CycleBroken, ", ")
	}
	return plan, nil
}

func index(subtasks []Subtask) (map[string]Subtask, error) {
	byID := make(map[string]Subtask, len(subtasks))
	for _, st := range subtasks {
		if st.ID == "" {
			return nil, ErrEmptyID
		}
		if _, dup := byID[st.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateSubtask, st.ID)
		}
		byID[st.ID] = st
	}
	for _, st := range subtasks {
		for _, dep := range st.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("%w: %q depends on %q", ErrUnknownDependency, st.ID, dep)
			}
		}
	}
	return byID, nil
}

// detectCycle runs a topological sort over the dependency edges and returns
// its error when the graph is not acyclic.
func detectCycle(subtasks []Subtask) error {
	var edges []toposort.Edge
	for _, st := range subtasks {
		if len(st.Dependencies) == 0 {
			edges = append(edges, toposort.Edge{nil, st.ID})
			continue
		}
		for _, dep := range st.Dependencies {
			// Edge (dep, id) means dep must come before id
			edges = append(edges, toposort.Edge{dep, st.ID})
		}
	}
	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("dependency cycle: %w", err)
	}
	return nil
}

func allPlaced(deps []string, placed map[string]bool) bool {
	for _, dep := range deps {
		if !placed[dep] {
			return false
		}
	}
	return true
}

func bestCandidate(ids []string, byID map[string]Subtask) string {
	best := ids[0]
	for _, id := range ids[1:] {
		p, bp := byID[id].Priority.OrDefault(), byID[best].Priority.OrDefault()
		if p.Before(bp) || (p == bp && id < best) {
			best = id
		}
	}
	return best
}
