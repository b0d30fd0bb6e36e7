package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/orchestrator/internal/agents"
	"github.com/agentmesh/orchestrator/internal/bus"
	"github.com/agentmesh/orchestrator/internal/events"
	"github.com/agentmesh/orchestrator/internal/handoff"
	"github.com/agentmesh/orchestrator/internal/metrics"
	"github.com/agentmesh/orchestrator/internal/workflow"
)

// runStep executes one step's attempt chain: resolve inputs, invoke the
// agent under the per-step deadline, retry per policy, then settle the step
// record, evaluate conditions, and emit the handoff ticket.
func (e *Engine) runStep(ctx context.Context, st *execState, step *workflow.Step) {
	se := st.beginStep(step)
	e.events.Publish(st.executionID(), events.Event{
		Type:    events.TypeStepStarted,
		StepID:  step.ID,
		AgentID: step.AgentID,
	})

	inputs, err := e.resolveInputs(st, step)
	if err != nil {
		e.finishStep(ctx, st, step, se, nil, err)
		return
	}
	st.mu.Lock()
	se.Inputs = inputs
	st.mu.Unlock()

	if e.selfSkips(ctx, st, step, inputs) {
		end := time.Now().UTC()
		st.mu.Lock()
		se.Status = workflow.StepCompleted
		se.Outputs = map[string]any{}
		se.EndTime = &end
		st.mu.Unlock()
		metrics.RecordStep(string(step.Type), string(se.Status), 0)
		e.emitHandoff(ctx, st, step, se)
		e.events.Publish(st.executionID(), events.Event{
			Type:    events.TypeStepCompleted,
			StepID:  step.ID,
			AgentID: step.AgentID,
			Message: "skipped without running",
		})
		return
	}

	maxAttempts := 1
	policy := step.RetryPolicy
	if policy != nil && policy.MaxAttempts > 0 {
		maxAttempts = policy.MaxAttempts
	}

	var result *agents.StepResult
	for {
		st.mu.Lock()
		se.Attempts++
		attempt := se.Attempts
		st.mu.Unlock()
		result, err = e.invokeAgent(ctx, st, step, inputs)
		if err == nil {
			break
		}
		if !retryEligible(policy, attempt, maxAttempts, err) {
			break
		}
		e.emitAttemptHandoff(ctx, st, step, attempt, err)
		errType := workflow.ErrorType(err)
		metrics.StepRetries.WithLabelValues(string(step.Type), errType).Inc()
		e.events.Publish(st.executionID(), events.Event{
			Type:    events.TypeStepRetrying,
			StepID:  step.ID,
			AgentID: step.AgentID,
			Message: errType,
		})
		e.logger.Info("Retrying step",
			zap.String("execution_id", st.executionID()),
			zap.String("step_id", step.ID),
			zap.Int("attempt", attempt),
			zap.String("error_type", errType))
		if delay := policy.Delay(attempt); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			err = workflow.NewTimeoutError(step.ID)
			break
		}
	}
	e.finishStep(ctx, st, step, se, result, err)
}

// beginStep appends the step record and marks the agent assignment.
func (st *execState) beginStep(step *workflow.Step) *workflow.StepExecution {
	se := &workflow.StepExecution{
		StepID:    step.ID,
		Status:    workflow.StepRunning,
		StartTime: time.Now().UTC(),
	}
	st.mu.Lock()
	st.exec.Steps = append(st.exec.Steps, se)
	ae := st.exec.AgentExecutionFor(step.AgentID)
	ae.AssignedSteps = append(ae.AssignedSteps, step.ID)
	st.mu.Unlock()
	return se
}

// invokeAgent calls the agent under the step deadline. The deadline is
// enforced here as well as inside the manager, so a handler that ignores its
// context cannot stall the scheduler.
func (e *Engine) invokeAgent(ctx context.Context, st *execState, step *workflow.Step, inputs map[string]any) (*agents.StepResult, error) {
	stepCtx := ctx
	if d := step.Deadline(); d > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	type outcome struct {
		result *agents.StepResult
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := e.agents.ExecuteStep(stepCtx, step.AgentID, step, inputs, st.executionID())
		ch <- outcome{result, err}
	}()

	select {
	case o := <-ch:
		return o.result, o.err
	case <-stepCtx.Done():
		return nil, workflow.NewTimeoutError(step.ID)
	}
}

// retryEligible applies the retry policy: the error type must be listed as
// retryable, and the error must be transient. Timeouts are not transient, so
// listing ExecutionTimeoutError explicitly is the only way to retry them.
func retryEligible(policy *workflow.RetryPolicy, attempts, maxAttempts int, err error) bool {
	if policy == nil || attempts >= maxAttempts {
		return false
	}
	errType := workflow.ErrorType(err)
	if !containsString(policy.RetryableErrors, errType) {
		return false
	}
	return workflow.Recoverable(err) || errType == workflow.TypeExecutionTimeout
}

// finishStep settles the step record, folds costs and agent aggregates into
// the execution, then runs conditions and emits the handoff ticket.
func (e *Engine) finishStep(ctx context.Context, st *execState, step *workflow.Step, se *workflow.StepExecution, result *agents.StepResult, stepErr error) {
	end := time.Now().UTC()

	st.mu.Lock()
	se.EndTime = &end
	if stepErr != nil {
		we := workflow.AsError(stepErr)
		if we.Type == workflow.TypeExecutionTimeout {
			se.Status = workflow.StepTimedOut
		} else {
			se.Status = workflow.StepFailed
		}
		se.Error = &workflow.ExecutionError{
			Code:        we.Code,
			ErrorType:   we.Type,
			Message:     we.Message,
			StepID:      step.ID,
			Recoverable: workflow.Recoverable(we),
			Timestamp:   end,
		}
		st.exec.AddError(stepErr, step.ID)
	} else {
		se.Status = workflow.StepCompleted
		se.Outputs = result.Outputs
		se.Cost = result.Cost
		quality := result.QualityScore
		se.QualityScore = &quality
		st.exec.TotalCost += result.Cost
		ae := st.exec.AgentExecutionFor(step.AgentID)
		ae.RecordStep(step.ID, float64(result.ProcessingTimeMs), result.Cost, se.QualityScore)
		ae.CommunicationLog = append(ae.CommunicationLog, result.CommunicationLog...)
		e.routeOutputs(st, step, result.Outputs, ae)
	}
	st.mu.Unlock()

	metrics.RecordStep(string(step.Type), string(se.Status), float64(se.Duration().Milliseconds()))

	if stepErr == nil && step.MinQualityScore != nil && result.QualityScore < *step.MinQualityScore {
		st.setMetadata("humanReviewRequired", true)
		e.logger.Warn("Step below quality threshold",
			zap.String("execution_id", st.executionID()),
			zap.String("step_id", step.ID),
			zap.Float64("quality", result.QualityScore),
			zap.Float64("min_quality", *step.MinQualityScore))
	}

	e.applyConditions(ctx, st, step, se)
	e.emitHandoff(ctx, st, step, se)

	eventType := events.TypeStepCompleted
	if se.Status != workflow.StepCompleted {
		eventType = events.TypeStepFailed
	}
	e.events.Publish(st.executionID(), events.Event{
		Type:    eventType,
		StepID:  step.ID,
		AgentID: step.AgentID,
		Message: string(se.Status),
	})
}

// selfSkips reports whether every condition on the step is an opted-in custom
// skip targeting the step itself and all of them hold against the resolved
// inputs. Such a step completes without invoking its agent.
func (e *Engine) selfSkips(ctx context.Context, st *execState, step *workflow.Step, inputs map[string]any) bool {
	if len(step.Conditions) == 0 || !st.def.Metadata.AllowCustomExpressions {
		return false
	}
	for _, cond := range step.Conditions {
		if cond.Type != workflow.ConditionCustom || cond.Action != workflow.ActionSkip {
			return false
		}
		if cond.Target != "" && cond.Target != step.ID {
			return false
		}
		holds := e.decisions.EvalCustom(ctx, cond.Expression, inputs, true)
		if !holds {
			return false
		}
	}
	return true
}

// applyConditions evaluates the step's conditions against its terminal
// status and applies the fired actions.
func (e *Engine) applyConditions(ctx context.Context, st *execState, step *workflow.Step, se *workflow.StepExecution) {
	for _, cond := range step.Conditions {
		if !e.conditionFires(ctx, st, cond, se) {
			continue
		}
		switch cond.Action {
		case workflow.ActionContinue:
		case workflow.ActionSkip:
			target := cond.Target
			if target == "" {
				target = step.ID
			}
			st.requestSkip(target)
		case workflow.ActionFail:
			e.failExecution(st, step, cond)
		case workflow.ActionBranch:
			e.branch(ctx, st, step, cond.Target)
		case workflow.ActionNotify:
			e.notify(st, step, cond.Target)
		default:
			e.logger.Warn("Unknown condition action",
				zap.String("step_id", step.ID),
				zap.String("action", string(cond.Action)))
		}
	}
}

// conditionFires decides whether one condition matches the step outcome.
// Custom conditions require the definition-level opt-in; without it they are
// logged and treated as false.
func (e *Engine) conditionFires(ctx context.Context, st *execState, cond workflow.Condition, se *workflow.StepExecution) bool {
	switch cond.Type {
	case workflow.ConditionSuccess:
		return se.Status == workflow.StepCompleted
	case workflow.ConditionFailure:
		return se.Status == workflow.StepFailed
	case workflow.ConditionTimeout:
		return se.Status == workflow.StepTimedOut
	case workflow.ConditionCustom:
		if !st.def.Metadata.AllowCustomExpressions {
			e.logger.Warn("Custom condition without opt-in treated as false",
				zap.String("execution_id", st.executionID()),
				zap.String("step_id", se.StepID))
			return false
		}
		return e.decisions.EvalCustom(ctx, cond.Expression, conditionVars(se), true)
	default:
		return false
	}
}

// conditionVars exposes the step outcome to custom condition expressions.
func conditionVars(se *workflow.StepExecution) map[string]any {
	vars := make(map[string]any, len(se.Outputs)+2)
	for k, v := range se.Outputs {
		vars[k] = v
	}
	vars["status"] = string(se.Status)
	if se.QualityScore != nil {
		vars["qualityScore"] = *se.QualityScore
	} else {
		vars["qualityScore"] = 0.0
	}
	return vars
}

// failExecution applies a fail action: the execution goes terminal and no
// further steps are admitted.
func (e *Engine) failExecution(st *execState, step *workflow.Step, cond workflow.Condition) {
	st.mu.Lock()
	if !st.exec.Status.Terminal() {
		st.exec.Status = workflow.ExecutionFailed
		st.exec.AddError(&workflow.Error{
			Code:    workflow.CodeInvalidStatus,
			Type:    workflow.TypeInternalError,
			Message: "condition fail action on step " + step.ID,
			Ref:     step.ID,
		}, step.ID)
	}
	st.mu.Unlock()
	e.logger.Info("Condition failed execution",
		zap.String("execution_id", st.executionID()),
		zap.String("step_id", step.ID),
		zap.String("condition_type", string(cond.Type)))
}

// branch routes the execution through the named decision tree. The tree may
// mutate execution metadata through its outcome actions.
func (e *Engine) branch(ctx context.Context, st *execState, step *workflow.Step, treeID string) {
	tree := st.def.TreeByID(treeID)
	if tree == nil {
		e.logger.Warn("Branch target tree not found",
			zap.String("execution_id", st.executionID()),
			zap.String("step_id", step.ID),
			zap.String("tree_id", treeID))
		return
	}
	extra := map[string]any{"allowCustomExpressions": st.def.Metadata.AllowCustomExpressions}

	st.mu.Lock()
	result, err := e.decisions.Execute(ctx, tree, st.exec, extra)
	st.mu.Unlock()
	if err != nil {
		e.logger.Warn("Decision tree evaluation failed",
			zap.String("execution_id", st.executionID()),
			zap.String("tree_id", treeID),
			zap.Error(err))
		return
	}
	e.logger.Info("Decision branch evaluated",
		zap.String("execution_id", st.executionID()),
		zap.String("tree_id", treeID),
		zap.String("outcome", result.OutcomeID),
		zap.Float64("confidence", result.Confidence))
}

// notify sends a notification message to every participating agent.
func (e *Engine) notify(st *execState, step *workflow.Step, text string) {
	st.mu.Lock()
	ids := make([]string, 0, len(st.def.Agents))
	for i := range st.def.Agents {
		ids = append(ids, st.def.Agents[i].ID)
	}
	st.mu.Unlock()

	msg := bus.NewMessage(step.AgentID, "", bus.MessageNotification, map[string]any{
		"executionId": st.executionID(),
		"stepId":      step.ID,
		"message":     text,
	})
	if err := e.bus.Broadcast(msg, ids); err != nil {
		e.logger.Debug("Notify broadcast failed",
			zap.String("execution_id", st.executionID()),
			zap.Error(err))
	}
}

// emitHandoff writes the audit ticket for a step's terminal transition. The
// receiving side is the agent of the first downstream step, or the
// orchestrator when nothing consumes this step's outputs.
func (e *Engine) emitHandoff(ctx context.Context, st *execState, step *workflow.Step, se *workflow.StepExecution) {
	st.mu.Lock()
	executionID := st.exec.ID
	workflowID := st.exec.WorkflowID
	payload := se.Outputs
	if se.Status != workflow.StepCompleted && se.Error != nil {
		payload = map[string]any{"error": se.Error.Message}
	}
	ticket := handoff.New(step.AgentID, downstreamAgent(st.def, step.ID), string(se.Status), payload)
	ticket.SLAMs = step.Deadline().Milliseconds()
	if se.QualityScore != nil {
		ticket.Confidence = *se.QualityScore
	}
	ticket.Context = map[string]any{
		"stepId":   step.ID,
		"stepType": string(step.Type),
	}
	ticket.Annotations = map[string]any{
		"executionId": executionID,
		"workflowId":  workflowID,
		"durationMs":  se.Duration().Milliseconds(),
		"cost":        se.Cost,
	}
	st.mu.Unlock()

	e.deliverTicket(ctx, executionID, step, ticket)
}

// emitAttemptHandoff audits a failed attempt that will be retried. The step's
// settled ticket still follows from finishStep, so a retried step leaves one
// failed record per spent attempt plus its terminal record.
func (e *Engine) emitAttemptHandoff(ctx context.Context, st *execState, step *workflow.Step, attempt int, attemptErr error) {
	we := workflow.AsError(attemptErr)
	reason := workflow.StepFailed
	if we.Type == workflow.TypeExecutionTimeout {
		reason = workflow.StepTimedOut
	}

	st.mu.Lock()
	executionID := st.exec.ID
	workflowID := st.exec.WorkflowID
	st.mu.Unlock()

	ticket := handoff.New(step.AgentID, downstreamAgent(st.def, step.ID), string(reason),
		map[string]any{"error": we.Message})
	ticket.SLAMs = step.Deadline().Milliseconds()
	ticket.Context = map[string]any{
		"stepId":   step.ID,
		"stepType": string(step.Type),
	}
	ticket.Annotations = map[string]any{
		"executionId": executionID,
		"workflowId":  workflowID,
		"attempt":     attempt,
	}

	e.deliverTicket(ctx, executionID, step, ticket)
}

// deliverTicket pushes a ticket to the sink and mirrors it on the event
// stream. Sink failures are logged, never propagated.
func (e *Engine) deliverTicket(ctx context.Context, executionID string, step *workflow.Step, ticket *handoff.Ticket) {
	if err := e.sink.Emit(ctx, ticket); err != nil {
		e.logger.Warn("Handoff emit failed",
			zap.String("execution_id", executionID),
			zap.String("step_id", step.ID),
			zap.Error(err))
	}
	e.events.Publish(executionID, events.Event{
		Type:    events.TypeHandoffEmitted,
		StepID:  step.ID,
		AgentID: step.AgentID,
		Message: ticket.Transition(),
	})
}

// downstreamAgent returns the agent of the first step (in definition order)
// that depends on stepID, or the orchestrator placeholder.
func downstreamAgent(def *workflow.Definition, stepID string) string {
	for i := range def.Steps {
		if containsString(def.Steps[i].Dependencies, stepID) {
			return def.Steps[i].AgentID
		}
	}
	return handoff.Orchestrator
}

func (st *execState) setMetadata(key string, value any) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.exec.Metadata[key] = value
}
