package orchestration

import (
	"fmt"
	"sync"

	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/storage"
)

// dagNode is one step in the execution DAG with its live status.
type dagNode struct {
	step       StepDefinition
	status     storage.StepStatus
	dependents []string
}

// executionDAG tracks step readiness for one pipeline execution. The engine
// owns one per continuation pass; statuses are seeded from the step rows and
// updated as dispatches land. Thread-safe because parallel dispatches report
// their terminal statuses concurrently.
type executionDAG struct {
	mu    sync.RWMutex
	nodes map[string]*dagNode
	order []string
}

// newExecutionDAG builds the DAG and rejects unknown dependencies and
// cycles.
func newExecutionDAG(steps []StepDefinition) (*executionDAG, error) {
	const op = "orchestration.newExecutionDAG"

	d := &executionDAG{nodes: make(map[string]*dagNode, len(steps))}
	for _, s := range steps {
		if _, dup := d.nodes[s.ID]; dup {
			return nil, definitionError(op, fmt.Errorf("duplicate step id %q: %w", s.ID, core.ErrInvalidDefinition))
		}
		d.nodes[s.ID] = &dagNode{step: s, status: storage.StepPending}
		d.order = append(d.order, s.ID)
	}

	for _, node := range d.nodes {
		for _, dep := range node.step.DependsOn {
			upstream, ok := d.nodes[dep]
			if !ok {
				return nil, definitionError(op, fmt.Errorf("step %q depends on unknown step %q: %w", node.step.ID, dep, core.ErrInvalidDefinition))
			}
			upstream.dependents = append(upstream.dependents, node.step.ID)
		}
	}

	if cycle := d.findCycle(); cycle != "" {
		return nil, definitionError(op, fmt.Errorf("dependency cycle through step %q: %w", cycle, core.ErrInvalidDefinition))
	}
	return d, nil
}

// findCycle runs a three-color DFS and returns a step id on any cycle, or
// "".
func (d *executionDAG) findCycle() string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // done
	)
	color := make(map[string]int, len(d.nodes))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, dep := range d.nodes[id].step.DependsOn {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, id := range d.order {
		if color[id] == white {
			if hit := visit(id); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// SetStatus records a step's current status.
func (d *executionDAG) SetStatus(stepID string, status storage.StepStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if node, ok := d.nodes[stepID]; ok {
		node.status = status
	}
}

// Status returns a step's current status.
func (d *executionDAG) Status(stepID string) (storage.StepStatus, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	node, ok := d.nodes[stepID]
	if !ok {
		return "", false
	}
	return node.status, true
}

// NextActions partitions the PENDING steps whose upstreams are all terminal
// into dispatchable steps and steps that must inherit a skip. A step skips
// when a hard upstream did not complete, when any upstream failed or timed
// out, or when every upstream was skipped and the step is not marked
// independent.
func (d *executionDAG) NextActions() (ready []StepDefinition, skip []string) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, id := range d.order {
		node := d.nodes[id]
		if node.status != storage.StepPending {
			continue
		}

		allTerminal := true
		anyFailed := false
		allSkipped := len(node.step.DependsOn) > 0
		hardMiss := false
		hard := make(map[string]bool, len(node.step.HardDependsOn))
		for _, h := range node.step.HardDependsOn {
			hard[h] = true
		}

		for _, dep := range node.step.DependsOn {
			upstream := d.nodes[dep]
			if !upstream.status.Terminal() {
				allTerminal = false
				break
			}
			if upstream.status == storage.StepFailed || upstream.status == storage.StepTimeout {
				anyFailed = true
			}
			if upstream.status != storage.StepSkipped {
				allSkipped = false
			}
			if hard[dep] && upstream.status != storage.StepCompleted {
				hardMiss = true
			}
		}
		if !allTerminal {
			continue
		}

		switch {
		case anyFailed, hardMiss:
			skip = append(skip, id)
		case allSkipped && !node.step.Independent:
			skip = append(skip, id)
		default:
			ready = append(ready, node.step)
		}
	}
	return ready, skip
}

// Dependents returns the direct downstream step ids of a step.
func (d *executionDAG) Dependents(stepID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	node, ok := d.nodes[stepID]
	if !ok {
		return nil
	}
	out := make([]string, len(node.dependents))
	copy(out, node.dependents)
	return out
}

// PendingSteps returns the ids of all steps still PENDING, in declared
// order.
func (d *executionDAG) PendingSteps() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for _, id := range d.order {
		if d.nodes[id].status == storage.StepPending {
			out = append(out, id)
		}
	}
	return out
}

// Settled reports whether no step is PENDING or RUNNING: every step reached
// a terminal state and aggregation may finalize the execution.
func (d *executionDAG) Settled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, node := range d.nodes {
		if !node.status.Terminal() {
			return false
		}
	}
	return true
}
