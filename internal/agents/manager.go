// Package agents hosts the agent pool: registration, capability matching,
// load balancing, per-execution memory, and EMA performance tracking.
package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/orchestrator/internal/metrics"
	"github.com/agentmesh/orchestrator/internal/workflow"
)

// StepResult is everything an agent reports back for one handled step.
type StepResult struct {
	Outputs          map[string]any `json:"outputs"`
	Cost             float64        `json:"cost"`
	QualityScore     float64        `json:"qualityScore"`
	ProcessingTimeMs int64          `json:"processingTimeMs"`
	MemoryUpdates    map[string]any `json:"memoryUpdates,omitempty"`
	CommunicationLog []string       `json:"communicationLog,omitempty"`
}

// Manager owns the agent registry and mediates all step execution.
type Manager struct {
	mu       sync.RWMutex
	agents   map[string]*Instance
	handlers map[workflow.AgentType]StepHandler
	logger   *zap.Logger
}

// NewManager constructs a manager with the built-in per-type handlers.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		agents:   make(map[string]*Instance),
		handlers: defaultHandlers(),
		logger:   logger,
	}
}

// RegisterHandler replaces the step handler for an agent type. Used to inject
// the real AI invocation, or failures in tests.
func (m *Manager) RegisterHandler(t workflow.AgentType, handler StepHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[t] = handler
}

// Register admits an agent definition. Idempotent by id; later registrations
// replace the definition but keep live state.
func (m *Manager) Register(def *workflow.AgentDefinition) error {
	if def == nil || def.ID == "" {
		return workflow.NewValidationError("agent definition requires an id", "")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.agents[def.ID]; ok {
		existing.mu.Lock()
		existing.definition = def
		existing.mu.Unlock()
		return nil
	}
	m.agents[def.ID] = newInstance(def)
	m.logger.Debug("Agent registered",
		zap.String("agent_id", def.ID),
		zap.String("agent_type", string(def.Type)),
	)
	return nil
}

// Get returns the live instance for an agent id.
func (m *Manager) Get(agentID string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.agents[agentID]
	return inst, ok
}

// IsAvailable reports whether the agent exists, is idle or busy, and has a
// free execution slot.
func (m *Manager) IsAvailable(agentID string) bool {
	inst, ok := m.Get(agentID)
	if !ok {
		return false
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.availableLocked(MaxConcurrentExecutions(inst.definition.Type))
}

// Initialize registers the definition if needed, reserves an execution slot,
// and allocates the execution's memory partition.
func (m *Manager) Initialize(def *workflow.AgentDefinition, executionID string) error {
	if err := m.Register(def); err != nil {
		return err
	}
	inst, _ := m.Get(def.ID)
	return inst.reserve(executionID, MaxConcurrentExecutions(def.Type))
}

// Release returns the agent's slot for this execution and discards the
// execution's memory partition. Idempotent.
func (m *Manager) Release(agentID, executionID string) {
	inst, ok := m.Get(agentID)
	if !ok {
		return
	}
	inst.release(executionID)
}

// ExecuteStep dispatches a step to the agent's handler and folds the result
// into the agent's metrics. The caller bounds ctx with the step deadline.
func (m *Manager) ExecuteStep(ctx context.Context, agentID string, step *workflow.Step, inputs map[string]any, executionID string) (*StepResult, error) {
	inst, ok := m.Get(agentID)
	if !ok {
		return nil, workflow.NewAgentNotAvailable(agentID)
	}
	if !CanHandle(inst.Definition(), step.Type) {
		return nil, workflow.NewCapabilityMismatch(agentID, step.Type)
	}
	if err := ctx.Err(); err != nil {
		return nil, workflow.NewTimeoutError(step.ID)
	}

	m.mu.RLock()
	handler := m.handlers[inst.Type()]
	m.mu.RUnlock()
	if handler == nil {
		return nil, workflow.NewCapabilityMismatch(agentID, step.Type)
	}

	start := time.Now()
	outputs, quality, err := handler(ctx, inst, step, inputs)
	elapsed := time.Since(start)
	if elapsed < minWorkTime {
		time.Sleep(minWorkTime - elapsed)
		elapsed = time.Since(start)
	}
	elapsedMs := float64(elapsed.Milliseconds())

	if err != nil {
		werr := workflow.AsError(err)
		if ctx.Err() != nil {
			werr = workflow.NewTimeoutError(step.ID)
		}
		turnedError := inst.recordResult(elapsedMs, 0, 0, true)
		metrics.AgentErrors.WithLabelValues(agentID, werr.Type).Inc()
		if turnedError {
			m.logger.Warn("Agent marked error after repeated failures",
				zap.String("agent_id", agentID),
				zap.Float64("success_rate", inst.Metrics().SuccessRate),
			)
		}
		return nil, werr
	}

	quality = clamp01(quality)
	cost := m.stepCost(inst.Definition(), step.Type, elapsed)
	inst.recordResult(elapsedMs, quality, cost, false)
	metrics.RecordAgentStep(agentID, string(inst.Type()), elapsedMs, inst.Metrics().QualityScore)

	memoryUpdates := map[string]any{
		"lastStepId":  step.ID,
		"lastOutputs": outputs,
	}
	for key, value := range memoryUpdates {
		inst.updateMemory(executionID, key, value)
	}

	return &StepResult{
		Outputs:          outputs,
		Cost:             cost,
		QualityScore:     quality,
		ProcessingTimeMs: elapsed.Milliseconds(),
		MemoryUpdates:    memoryUpdates,
		CommunicationLog: []string{fmt.Sprintf("agent %s handled step %s", agentID, step.ID)},
	}, nil
}

// stepCost derives cost from the serving capability's costPerOperation scaled
// by elapsed seconds with a 1 ms floor.
func (m *Manager) stepCost(def *workflow.AgentDefinition, stepType workflow.StepType, elapsed time.Duration) float64 {
	perOp := servingCostPerOperation(def, stepType)
	seconds := elapsed.Seconds()
	if seconds < 0.001 {
		seconds = 0.001
	}
	return perOp * seconds
}

func servingCostPerOperation(def *workflow.AgentDefinition, stepType workflow.StepType) float64 {
	fallback := 0.0
	for _, capability := range def.Capabilities {
		if capability.CostPerOperation <= 0 {
			continue
		}
		if fallback == 0 {
			fallback = capability.CostPerOperation
		}
		for _, served := range capabilityStepTypes[capability.Type] {
			if served == stepType {
				return capability.CostPerOperation
			}
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0.01
}

// GetOptimalAgent picks the best available agent for a step type by the
// weighted blend of quality, cost efficiency, load headroom, and success
// rate. Ties break by id order.
func (m *Manager) GetOptimalAgent(stepType workflow.StepType) (string, error) {
	ids := m.AgentIDs()

	bestID := ""
	bestScore := -1.0
	for _, id := range ids {
		inst, ok := m.Get(id)
		if !ok || !m.IsAvailable(id) || !CanHandle(inst.Definition(), stepType) {
			continue
		}
		pm := inst.Metrics()
		load := float64(inst.Load())
		score := 0.4*pm.QualityScore + 0.3*pm.CostEfficiency + 0.2*(1-load/5) + 0.1*pm.SuccessRate
		if score > bestScore {
			bestScore = score
			bestID = id
		}
	}
	if bestID == "" {
		return "", workflow.NewAgentNotAvailable(string(stepType))
	}
	return bestID, nil
}

// UpdateMemory replaces the value at key in the agent's partition for this
// execution.
func (m *Manager) UpdateMemory(agentID, key string, data any, executionID string) error {
	inst, ok := m.Get(agentID)
	if !ok {
		return workflow.NewAgentNotAvailable(agentID)
	}
	inst.updateMemory(executionID, key, data)
	return nil
}

// GetMemoryValue reads the agent's memory entry at key, optionally descending
// by dot path.
func (m *Manager) GetMemoryValue(agentID, key, path, executionID string) (any, bool) {
	inst, ok := m.Get(agentID)
	if !ok {
		return nil, false
	}
	return inst.memoryValue(executionID, key, path)
}

// AgentIDs lists registered agent ids in stable order.
func (m *Manager) AgentIDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// MetricsFor exposes the EMA metrics for an agent.
func (m *Manager) MetricsFor(agentID string) (PerformanceMetrics, bool) {
	inst, ok := m.Get(agentID)
	if !ok {
		return PerformanceMetrics{}, false
	}
	return inst.Metrics(), true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
