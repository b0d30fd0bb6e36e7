package agents

import (
	"strings"
	"sync"

	"github.com/agentmesh/orchestrator/internal/workflow"
)

// Status is the lifecycle state of an agent instance.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusBusy        Status = "busy"
	StatusMaintenance Status = "maintenance"
	StatusError       Status = "error"
)

// PerformanceMetrics tracks exponential moving averages (alpha 0.1) over an
// agent's step history.
type PerformanceMetrics struct {
	AverageResponseTimeMs float64 `json:"averageResponseTimeMs"`
	QualityScore          float64 `json:"qualityScore"`
	SuccessRate           float64 `json:"successRate"`
	CostEfficiency        float64 `json:"costEfficiency"`
	CompletedSteps        int     `json:"completedSteps"`
}

const emaAlpha = 0.1

// Instance is a live agent in the pool. Shared across executions; the
// currentExecutions set is the rental ledger.
type Instance struct {
	mu         sync.Mutex
	definition *workflow.AgentDefinition
	status     Status

	currentExecutions map[string]bool
	// memory partitions keyed by "execution:<id>"
	memory  map[string]map[string]any
	metrics PerformanceMetrics
}

func newInstance(def *workflow.AgentDefinition) *Instance {
	return &Instance{
		definition:        def,
		status:            StatusIdle,
		currentExecutions: make(map[string]bool),
		memory:            make(map[string]map[string]any),
		metrics: PerformanceMetrics{
			QualityScore:   0.8,
			SuccessRate:    1.0,
			CostEfficiency: 1.0,
		},
	}
}

// ID returns the agent's identifier.
func (a *Instance) ID() string { return a.definition.ID }

// Type returns the agent's declared type.
func (a *Instance) Type() workflow.AgentType { return a.definition.Type }

// Definition returns the admitted definition.
func (a *Instance) Definition() *workflow.AgentDefinition { return a.definition }

// Status returns the current lifecycle state.
func (a *Instance) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Metrics returns a copy of the EMA metrics.
func (a *Instance) Metrics() PerformanceMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics
}

// Load returns the number of executions currently renting this agent.
func (a *Instance) Load() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.currentExecutions)
}

// Reset clears an error state back to idle. Manual operator action.
func (a *Instance) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == StatusError {
		if len(a.currentExecutions) > 0 {
			a.status = StatusBusy
		} else {
			a.status = StatusIdle
		}
	}
}

func (a *Instance) availableLocked(cap int) bool {
	if a.status != StatusIdle && a.status != StatusBusy {
		return false
	}
	return len(a.currentExecutions) < cap
}

func (a *Instance) reserve(executionID string, cap int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == StatusMaintenance || a.status == StatusError {
		return workflow.NewAgentNotAvailable(a.definition.ID)
	}
	if a.currentExecutions[executionID] {
		return nil
	}
	if len(a.currentExecutions) >= cap {
		return workflow.NewAgentNotAvailable(a.definition.ID)
	}
	a.currentExecutions[executionID] = true
	a.memory[partitionKey(executionID)] = make(map[string]any)
	a.status = StatusBusy
	return nil
}

func (a *Instance) release(executionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.currentExecutions, executionID)
	delete(a.memory, partitionKey(executionID))
	if len(a.currentExecutions) == 0 && a.status == StatusBusy {
		a.status = StatusIdle
	}
}

func (a *Instance) updateMemory(executionID, key string, data any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	partition := a.memory[partitionKey(executionID)]
	if partition == nil {
		partition = make(map[string]any)
		a.memory[partitionKey(executionID)] = partition
	}
	partition[key] = data
}

func (a *Instance) memoryValue(executionID, key, path string) (any, bool) {
	a.mu.Lock()
	partition := a.memory[partitionKey(executionID)]
	value, ok := partition[key]
	a.mu.Unlock()
	if !ok {
		return nil, false
	}
	if path == "" {
		return value, true
	}
	return DotPath(value, path)
}

// recordResult folds one step outcome into the EMA metrics. Returns true when
// the agent transitioned into the error state.
func (a *Instance) recordResult(elapsedMs, quality, cost float64, failed bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := &a.metrics
	m.AverageResponseTimeMs = (1-emaAlpha)*m.AverageResponseTimeMs + emaAlpha*elapsedMs
	m.QualityScore = (1-emaAlpha)*m.QualityScore + emaAlpha*quality
	success := 0.0
	if quality >= 0.7 {
		success = 1.0
	}
	m.SuccessRate = (1-emaAlpha)*m.SuccessRate + emaAlpha*success
	if cost > 0 {
		m.CostEfficiency = (1-emaAlpha)*m.CostEfficiency + emaAlpha*(quality/cost)
	}
	if !failed {
		m.CompletedSteps++
	}

	if failed && m.SuccessRate < 0.5 {
		a.status = StatusError
		return true
	}
	return false
}

func partitionKey(executionID string) string {
	return "execution:" + executionID
}

// DotPath descends into nested maps/slices by a dot-separated path.
func DotPath(value any, path string) (any, bool) {
	if path == "" {
		return value, true
	}
	current := value
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
