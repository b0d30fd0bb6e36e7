// Package orchestrator drives workflow executions end to end: it validates
// definitions, reserves agents, schedules steps across the dependency graph,
// applies retry and condition policy, and emits handoff tickets at every step
// boundary.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/orchestrator/internal/agents"
	"github.com/agentmesh/orchestrator/internal/bus"
	"github.com/agentmesh/orchestrator/internal/decision"
	"github.com/agentmesh/orchestrator/internal/events"
	"github.com/agentmesh/orchestrator/internal/handoff"
	"github.com/agentmesh/orchestrator/internal/metrics"
	"github.com/agentmesh/orchestrator/internal/workflow"
)

const (
	defaultIdleYield = 50 * time.Millisecond

	// Terminal executions kept around for status queries after cleanup.
	recentLimit = 256
)

// Options configures an Engine. Zero-value fields fall back to working
// defaults so tests can construct engines piecemeal.
type Options struct {
	Logger    *zap.Logger
	Agents    *agents.Manager
	Bus       *bus.Bus
	Decisions *decision.Engine
	Sink      handoff.Sink
	Events    *events.Manager
	IdleYield time.Duration

	// DefaultTimeout caps executions whose definition does not estimate a
	// duration. Definitions that do estimate one keep their own deadline.
	DefaultTimeout time.Duration
}

// Engine owns the active execution set. Execute runs synchronously to a
// terminal state; Pause, Resume, Cancel, and GetStatus operate concurrently
// on in-flight executions.
type Engine struct {
	logger    *zap.Logger
	agents    *agents.Manager
	bus       *bus.Bus
	decisions *decision.Engine
	sink           handoff.Sink
	events         *events.Manager
	idleYield      time.Duration
	defaultTimeout time.Duration

	mu          sync.RWMutex
	active      map[string]*execState
	recent      map[string]*workflow.Execution
	recentOrder []string
}

// execState pairs the mutable execution record with its scheduling controls.
// st.mu guards every read or write of exec after the scheduler starts.
type execState struct {
	mu     sync.Mutex
	exec   *workflow.Execution
	def    *workflow.Definition
	cancel context.CancelFunc
	timer  *time.Timer
	skip   map[string]bool
}

// New constructs an engine from the given options.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Agents == nil {
		opts.Agents = agents.NewManager(opts.Logger)
	}
	if opts.Bus == nil {
		opts.Bus = bus.New(bus.Config{}, opts.Logger)
	}
	if opts.Decisions == nil {
		opts.Decisions = decision.NewEngine(opts.Logger)
	}
	if opts.Sink == nil {
		opts.Sink = handoff.NewLogSink(opts.Logger)
	}
	if opts.Events == nil {
		opts.Events = events.Get()
	}
	if opts.IdleYield <= 0 {
		opts.IdleYield = defaultIdleYield
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Minute
	}
	return &Engine{
		logger:         opts.Logger,
		agents:         opts.Agents,
		bus:            opts.Bus,
		decisions:      opts.Decisions,
		sink:           opts.Sink,
		events:         opts.Events,
		idleYield:      opts.IdleYield,
		defaultTimeout: opts.DefaultTimeout,
		active:         make(map[string]*execState),
		recent:         make(map[string]*workflow.Execution),
	}
}

// workflowDeadline prefers the definition's own estimate over the engine
// default.
func (e *Engine) workflowDeadline(def *workflow.Definition) time.Duration {
	if def.Metadata.EstimatedDurationMin > 0 {
		return def.WorkflowDeadline()
	}
	return e.defaultTimeout
}

// Execute validates the definition, reserves its agents, and runs the step
// graph to a terminal state. The returned execution is a snapshot; workflow
// timeouts surface as status "timeout" on the execution, not as an error.
func (e *Engine) Execute(ctx context.Context, def *workflow.Definition, inputs map[string]any, tenantID, userID, priority string) (*workflow.Execution, error) {
	if def == nil {
		return nil, workflow.NewValidationError("workflow definition is required", "")
	}
	if err := workflow.Validate(def); err != nil {
		return nil, err
	}
	if priority == "" {
		priority = "normal"
	}

	exec := &workflow.Execution{
		ID:         uuid.NewString(),
		WorkflowID: def.ID,
		TenantID:   tenantID,
		UserID:     userID,
		Priority:   priority,
		Status:     workflow.ExecutionRunning,
		Inputs:     cloneMap(inputs),
		Outputs:    map[string]any{},
		Agents:     map[string]*workflow.AgentExecution{},
		Metadata:   map[string]any{},
		StartTime:  time.Now().UTC(),
	}

	if err := e.reserveAgents(def, exec.ID); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	st := &execState{
		exec:   exec,
		def:    def,
		cancel: cancel,
		skip:   make(map[string]bool),
	}
	st.timer = time.AfterFunc(e.workflowDeadline(def), func() { e.timeoutExecution(st) })

	e.mu.Lock()
	e.active[exec.ID] = st
	e.mu.Unlock()

	metrics.ExecutionsStarted.WithLabelValues(def.ID).Inc()
	metrics.ExecutionsActive.Inc()
	e.events.Publish(exec.ID, events.Event{Type: events.TypeExecutionStarted, Message: def.ID})
	e.logger.Info("Execution started",
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", def.ID),
		zap.Int("steps", len(def.Steps)),
		zap.Int("agents", len(def.Agents)))

	e.runScheduler(runCtx, st)
	snapshot := e.finalize(st)
	cancel()
	return snapshot, nil
}

// reserveAgents initializes every declared agent for this execution. On
// failure the agents reserved so far are released again.
func (e *Engine) reserveAgents(def *workflow.Definition, executionID string) error {
	reserved := make([]string, 0, len(def.Agents))
	for i := range def.Agents {
		agent := &def.Agents[i]
		if err := e.agents.Initialize(agent, executionID); err != nil {
			for _, id := range reserved {
				e.agents.Release(id, executionID)
			}
			return fmt.Errorf("initialize agent %s: %w", agent.ID, err)
		}
		reserved = append(reserved, agent.ID)
		e.bus.Register(agent.ID, e.busHandler(agent.ID))
	}
	return nil
}

// Pause suspends admission of new steps. In-flight steps run to completion.
func (e *Engine) Pause(executionID string) (*workflow.Execution, error) {
	st, ok := e.state(executionID)
	if !ok {
		return nil, notFound(executionID)
	}
	st.mu.Lock()
	if st.exec.Status != workflow.ExecutionRunning {
		status := st.exec.Status
		st.mu.Unlock()
		return nil, invalidStatus(executionID, status, "pause")
	}
	st.exec.Status = workflow.ExecutionPaused
	snapshot := st.exec.Snapshot()
	st.mu.Unlock()

	e.events.Publish(executionID, events.Event{Type: events.TypeExecutionPaused})
	e.notifyParticipants(st, "execution paused")
	e.logger.Info("Execution paused", zap.String("execution_id", executionID))
	return snapshot, nil
}

// Resume lifts a pause.
func (e *Engine) Resume(executionID string) (*workflow.Execution, error) {
	st, ok := e.state(executionID)
	if !ok {
		return nil, notFound(executionID)
	}
	st.mu.Lock()
	if st.exec.Status != workflow.ExecutionPaused {
		status := st.exec.Status
		st.mu.Unlock()
		return nil, invalidStatus(executionID, status, "resume")
	}
	st.exec.Status = workflow.ExecutionRunning
	snapshot := st.exec.Snapshot()
	st.mu.Unlock()

	e.events.Publish(executionID, events.Event{Type: events.TypeExecutionResumed})
	e.notifyParticipants(st, "execution resumed")
	e.logger.Info("Execution resumed", zap.String("execution_id", executionID))
	return snapshot, nil
}

// Cancel stops admission and interrupts in-flight steps. Cancelling an
// already-terminal execution is an idempotent no-op returning its snapshot.
func (e *Engine) Cancel(executionID, reason string) (*workflow.Execution, error) {
	st, ok := e.state(executionID)
	if !ok {
		if snapshot, done := e.recentSnapshot(executionID); done {
			return snapshot, nil
		}
		return nil, notFound(executionID)
	}

	st.mu.Lock()
	if st.exec.Status.Terminal() {
		snapshot := st.exec.Snapshot()
		st.mu.Unlock()
		return snapshot, nil
	}
	st.exec.Status = workflow.ExecutionCancelled
	if reason != "" {
		st.exec.Metadata["cancelReason"] = reason
	}
	snapshot := st.exec.Snapshot()
	st.mu.Unlock()

	st.cancel()
	e.events.Publish(executionID, events.Event{Type: events.TypeExecutionCancelled, Message: reason})
	e.notifyParticipants(st, "execution cancelled")
	e.logger.Info("Execution cancelled",
		zap.String("execution_id", executionID),
		zap.String("reason", reason))
	return snapshot, nil
}

// GetStatus returns a snapshot of the execution, falling back to recently
// finished executions, then to a pending placeholder for unknown ids.
func (e *Engine) GetStatus(executionID string) *workflow.Execution {
	if st, ok := e.state(executionID); ok {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.exec.Snapshot()
	}
	if snapshot, ok := e.recentSnapshot(executionID); ok {
		return snapshot
	}
	return &workflow.Execution{ID: executionID, Status: workflow.ExecutionPending}
}

// ListFilter narrows List results. Zero-value fields match everything.
type ListFilter struct {
	Statuses []workflow.ExecutionStatus
	AgentIDs []string
	Tags     []string
	Since    time.Time
	Until    time.Time
}

// List returns snapshots of active executions matching the filter, newest
// first.
func (e *Engine) List(filter ListFilter) []*workflow.Execution {
	e.mu.RLock()
	states := make([]*execState, 0, len(e.active))
	for _, st := range e.active {
		states = append(states, st)
	}
	e.mu.RUnlock()

	var out []*workflow.Execution
	for _, st := range states {
		st.mu.Lock()
		snapshot := st.exec.Snapshot()
		tags := st.def.Metadata.Tags
		st.mu.Unlock()
		if filter.matches(snapshot, tags) {
			out = append(out, snapshot)
		}
	}
	sortByStartTime(out)
	return out
}

func (f ListFilter) matches(exec *workflow.Execution, tags []string) bool {
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, exec.Status) {
		return false
	}
	if !f.Since.IsZero() && exec.StartTime.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && exec.StartTime.After(f.Until) {
		return false
	}
	for _, want := range f.AgentIDs {
		if _, ok := exec.Agents[want]; !ok {
			return false
		}
	}
	for _, want := range f.Tags {
		if !containsString(tags, want) {
			return false
		}
	}
	return true
}

// Shutdown cancels every active execution and waits for them to drain.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.RLock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	for _, id := range ids {
		if _, err := e.Cancel(id, "shutdown"); err != nil {
			e.logger.Warn("Cancel during shutdown failed", zap.String("execution_id", id), zap.Error(err))
		}
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		e.mu.RLock()
		remaining := len(e.active)
		e.mu.RUnlock()
		if remaining == 0 {
			e.bus.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("shutdown wait: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// timeoutExecution fires when the workflow-level deadline elapses.
func (e *Engine) timeoutExecution(st *execState) {
	st.mu.Lock()
	if st.exec.Status.Terminal() {
		st.mu.Unlock()
		return
	}
	st.exec.Status = workflow.ExecutionTimeout
	st.exec.AddError(workflow.NewTimeoutError(st.exec.ID), "")
	executionID := st.exec.ID
	st.mu.Unlock()

	st.cancel()
	e.events.Publish(executionID, events.Event{Type: events.TypeExecutionCompleted, Message: string(workflow.ExecutionTimeout)})
	e.logger.Warn("Execution deadline exceeded", zap.String("execution_id", executionID))
}

// finalize settles the aggregate status, records metrics, releases agents,
// and moves the execution from active to recent.
func (e *Engine) finalize(st *execState) *workflow.Execution {
	st.timer.Stop()

	st.mu.Lock()
	if !st.exec.Status.Terminal() {
		st.exec.Status = aggregateStatus(st.exec.Steps)
	}
	now := time.Now().UTC()
	st.exec.EndTime = &now
	st.exec.RecomputeQuality()
	snapshot := st.exec.Snapshot()
	st.mu.Unlock()

	for i := range st.def.Agents {
		e.agents.Release(st.def.Agents[i].ID, snapshot.ID)
	}

	e.mu.Lock()
	delete(e.active, snapshot.ID)
	e.recent[snapshot.ID] = snapshot
	e.recentOrder = append(e.recentOrder, snapshot.ID)
	var evicted string
	if len(e.recentOrder) > recentLimit {
		evicted = e.recentOrder[0]
		e.recentOrder = e.recentOrder[1:]
		delete(e.recent, evicted)
	}
	e.mu.Unlock()

	// Decision and event history live as long as the snapshot does.
	if evicted != "" {
		e.decisions.Forget(evicted)
		e.events.Forget(evicted)
	}

	metrics.ExecutionsActive.Dec()
	metrics.RecordExecution(snapshot.WorkflowID, string(snapshot.Status),
		now.Sub(snapshot.StartTime).Seconds(), snapshot.TotalCost)

	if snapshot.Status != workflow.ExecutionCancelled {
		e.events.Publish(snapshot.ID, events.Event{Type: events.TypeExecutionCompleted, Message: string(snapshot.Status)})
	}
	e.logger.Info("Execution finished",
		zap.String("execution_id", snapshot.ID),
		zap.String("workflow_id", snapshot.WorkflowID),
		zap.String("status", string(snapshot.Status)),
		zap.Float64("total_cost", snapshot.TotalCost),
		zap.Duration("duration", now.Sub(snapshot.StartTime)))
	return snapshot
}

// aggregateStatus folds step results into the execution status: any step
// timeout wins, then any failure, otherwise completed.
func aggregateStatus(steps []*workflow.StepExecution) workflow.ExecutionStatus {
	status := workflow.ExecutionCompleted
	for _, se := range steps {
		switch se.Status {
		case workflow.StepTimedOut:
			return workflow.ExecutionTimeout
		case workflow.StepFailed:
			status = workflow.ExecutionFailed
		}
	}
	return status
}

// notifyParticipants broadcasts a coordination message to every agent in the
// execution's definition.
func (e *Engine) notifyParticipants(st *execState, message string) {
	st.mu.Lock()
	executionID := st.exec.ID
	ids := make([]string, 0, len(st.def.Agents))
	for i := range st.def.Agents {
		ids = append(ids, st.def.Agents[i].ID)
	}
	st.mu.Unlock()

	msg := bus.NewMessage(handoff.Orchestrator, "", bus.MessageCoordination, map[string]any{
		"executionId": executionID,
		"message":     message,
	})
	if err := e.bus.Broadcast(msg, ids); err != nil {
		e.logger.Debug("Broadcast failed", zap.String("execution_id", executionID), zap.Error(err))
	}
}

// busHandler records message deliveries into the execution's communication
// log when the message names an execution this engine is running.
func (e *Engine) busHandler(agentID string) bus.Handler {
	return func(_ context.Context, msg bus.Message) error {
		executionID, _ := msg.Content["executionId"].(string)
		if executionID == "" {
			return nil
		}
		st, ok := e.state(executionID)
		if !ok {
			return nil
		}
		st.mu.Lock()
		ae := st.exec.AgentExecutionFor(agentID)
		ae.CommunicationLog = append(ae.CommunicationLog,
			fmt.Sprintf("received %s from %s (%s)", msg.Type, msg.FromAgent, msg.Priority))
		st.mu.Unlock()
		return nil
	}
}

func (e *Engine) state(executionID string) (*execState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.active[executionID]
	return st, ok
}

func (e *Engine) recentSnapshot(executionID string) (*workflow.Execution, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.recent[executionID]
	if !ok {
		return nil, false
	}
	return exec.Snapshot(), true
}

func notFound(executionID string) error {
	return &workflow.Error{
		Code:    workflow.CodeExecutionNotFound,
		Type:    workflow.TypeValidationError,
		Message: fmt.Sprintf("execution %s not found", executionID),
		Ref:     executionID,
	}
}

func invalidStatus(executionID string, status workflow.ExecutionStatus, op string) error {
	return &workflow.Error{
		Code:    workflow.CodeInvalidStatus,
		Type:    workflow.TypeValidationError,
		Message: fmt.Sprintf("cannot %s execution %s in status %s", op, executionID, status),
		Ref:     executionID,
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func containsStatus(haystack []workflow.ExecutionStatus, needle workflow.ExecutionStatus) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func sortByStartTime(execs []*workflow.Execution) {
	sort.Slice(execs, func(i, j int) bool {
		return execs[i].StartTime.After(execs[j].StartTime)
	})
}
