package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/orchestrator/internal/events"
	"github.com/agentmesh/orchestrator/internal/metrics"
	"github.com/agentmesh/orchestrator/internal/workflow"
)

// runScheduler admits steps in definition order, capped by the definition's
// max concurrency. A step is ready when every dependency has reached a
// terminal status. The loop blocks on the first in-flight finish, waking
// periodically to re-check the execution status; pause suspends admission
// and any terminal status stops it, after which in-flight steps drain.
func (e *Engine) runScheduler(ctx context.Context, st *execState) {
	limit := st.def.MaxConcurrency()
	total := len(st.def.Steps)
	done := make(map[string]bool, total)
	running := make(map[string]bool, limit)
	finished := make(chan string, total)

	for {
		status := st.currentStatus()
		if status.Terminal() {
			for len(running) > 0 {
				id := <-finished
				delete(running, id)
				done[id] = true
			}
			return
		}

		if status == workflow.ExecutionRunning {
			for i := range st.def.Steps {
				if len(running) >= limit {
					break
				}
				step := &st.def.Steps[i]
				if done[step.ID] || running[step.ID] || !depsDone(step, done) {
					continue
				}
				if st.skipRequested(step.ID) {
					e.markSkipped(ctx, st, step)
					done[step.ID] = true
					continue
				}
				running[step.ID] = true
				go func(step *workflow.Step) {
					e.runStep(ctx, st, step)
					finished <- step.ID
				}(step)
			}
		}

		if len(done) == total && len(running) == 0 {
			return
		}

		if len(running) > 0 {
			select {
			case id := <-finished:
				delete(running, id)
				done[id] = true
			case <-time.After(e.idleYield):
			}
			continue
		}

		// Paused, or every remaining step is waiting on a dependency.
		select {
		case <-ctx.Done():
		case <-time.After(e.idleYield):
		}
	}
}

func depsDone(step *workflow.Step, done map[string]bool) bool {
	for _, dep := range step.Dependencies {
		if !done[dep] {
			return false
		}
	}
	return true
}

// markSkipped records a step that a prior condition removed from the graph.
// The step never runs; downstream dependents treat it as done.
func (e *Engine) markSkipped(ctx context.Context, st *execState, step *workflow.Step) {
	now := time.Now().UTC()
	se := &workflow.StepExecution{
		StepID:    step.ID,
		Status:    workflow.StepSkipped,
		StartTime: now,
		EndTime:   &now,
	}
	st.mu.Lock()
	st.exec.Steps = append(st.exec.Steps, se)
	st.mu.Unlock()

	metrics.RecordStep(string(step.Type), string(workflow.StepSkipped), 0)
	e.events.Publish(st.executionID(), events.Event{
		Type:    events.TypeStepCompleted,
		StepID:  step.ID,
		AgentID: step.AgentID,
		Message: string(workflow.StepSkipped),
	})
	e.logger.Debug("Step skipped",
		zap.String("execution_id", st.executionID()),
		zap.String("step_id", step.ID))
	e.emitHandoff(ctx, st, step, se)
}

func (st *execState) currentStatus() workflow.ExecutionStatus {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.exec.Status
}

func (st *execState) executionID() string {
	// Immutable after construction; no lock needed.
	return st.exec.ID
}

func (st *execState) skipRequested(stepID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.skip[stepID]
}

func (st *execState) requestSkip(stepID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.skip[stepID] = true
}
