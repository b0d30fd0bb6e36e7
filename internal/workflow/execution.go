package workflow

import (
	"time"
)

// ExecutionError is an error detail recorded on an execution or a step.
type ExecutionError struct {
	Code        string    `json:"code"`
	ErrorType   string    `json:"errorType"`
	Message     string    `json:"message"`
	StepID      string    `json:"stepId,omitempty"`
	Recoverable bool      `json:"recoverable"`
	Timestamp   time.Time `json:"timestamp"`
}

// StepExecution records one step's attempt chain inside an execution.
type StepExecution struct {
	StepID       string          `json:"stepId"`
	Status       StepStatus      `json:"status"`
	Inputs       map[string]any  `json:"inputs,omitempty"`
	Outputs      map[string]any  `json:"outputs,omitempty"`
	StartTime    time.Time       `json:"startTime"`
	EndTime      *time.Time      `json:"endTime,omitempty"`
	Attempts     int             `json:"attempts"`
	Cost         float64         `json:"cost"`
	QualityScore *float64        `json:"qualityScore,omitempty"`
	Error        *ExecutionError `json:"error,omitempty"`
}

// Duration returns elapsed time, zero while still running.
func (s *StepExecution) Duration() time.Duration {
	if s.EndTime == nil {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// AgentExecution is the per-execution view of one participating agent.
type AgentExecution struct {
	AgentID             string         `json:"agentId"`
	AssignedSteps       []string       `json:"assignedSteps,omitempty"`
	CompletedSteps      []string       `json:"completedSteps,omitempty"`
	TotalProcessingMs   float64        `json:"totalProcessingMs"`
	TotalCost           float64        `json:"totalCost"`
	AverageQualityScore float64        `json:"averageQualityScore"`
	qualitySamples      int            // internal running count for the average
	CommunicationLog    []string       `json:"communicationLog,omitempty"`
	MemoryUpdates       map[string]any `json:"memoryUpdates,omitempty"`
}

// RecordStep folds one completed step into the agent aggregate.
func (a *AgentExecution) RecordStep(stepID string, processingMs, cost float64, quality *float64) {
	a.CompletedSteps = append(a.CompletedSteps, stepID)
	a.TotalProcessingMs += processingMs
	a.TotalCost += cost
	if quality != nil {
		a.qualitySamples++
		a.AverageQualityScore += (*quality - a.AverageQualityScore) / float64(a.qualitySamples)
	}
}

// Execution is the mutable lifecycle object created by execute. The
// orchestrator exclusively owns it for its lifetime; callers only ever see
// snapshots.
type Execution struct {
	ID           string                     `json:"id"`
	WorkflowID   string                     `json:"workflowId"`
	TenantID     string                     `json:"tenantId,omitempty"`
	UserID       string                     `json:"userId,omitempty"`
	Priority     string                     `json:"priority,omitempty"`
	Status       ExecutionStatus            `json:"status"`
	Inputs       map[string]any             `json:"inputs,omitempty"`
	Outputs      map[string]any             `json:"outputs,omitempty"`
	Steps        []*StepExecution           `json:"steps"`
	Agents       map[string]*AgentExecution `json:"agents,omitempty"`
	StartTime    time.Time                  `json:"startTime"`
	EndTime      *time.Time                 `json:"endTime,omitempty"`
	TotalCost    float64                    `json:"totalCost"`
	QualityScore *float64                   `json:"qualityScore,omitempty"`
	Errors       []ExecutionError           `json:"errorDetails,omitempty"`
	Metadata     map[string]any             `json:"metadata,omitempty"`
}

// StepExecutionFor returns the most recent StepExecution for a step id.
func (e *Execution) StepExecutionFor(stepID string) *StepExecution {
	for i := len(e.Steps) - 1; i >= 0; i-- {
		if e.Steps[i].StepID == stepID {
			return e.Steps[i]
		}
	}
	return nil
}

// AgentExecutionFor returns (allocating if needed) the agent aggregate slot.
func (e *Execution) AgentExecutionFor(agentID string) *AgentExecution {
	if e.Agents == nil {
		e.Agents = make(map[string]*AgentExecution)
	}
	ae, ok := e.Agents[agentID]
	if !ok {
		ae = &AgentExecution{AgentID: agentID}
		e.Agents[agentID] = ae
	}
	return ae
}

// AddError appends an error detail derived from err.
func (e *Execution) AddError(err error, stepID string) {
	we := AsError(err)
	e.Errors = append(e.Errors, ExecutionError{
		Code:        we.Code,
		ErrorType:   we.Type,
		Message:     we.Message,
		StepID:      stepID,
		Recoverable: Recoverable(we),
		Timestamp:   time.Now(),
	})
}

// RecomputeQuality sets QualityScore to the mean of defined step scores, or
// nil when no step carries one.
func (e *Execution) RecomputeQuality() {
	var sum float64
	var n int
	for _, se := range e.Steps {
		if se.QualityScore != nil {
			sum += *se.QualityScore
			n++
		}
	}
	if n == 0 {
		e.QualityScore = nil
		return
	}
	mean := sum / float64(n)
	e.QualityScore = &mean
}

// Snapshot returns a deep enough copy for callers to inspect without racing
// the scheduler. Nested maps are copied shallowly; the engine never mutates
// values it has handed out.
func (e *Execution) Snapshot() *Execution {
	cp := *e
	cp.Steps = make([]*StepExecution, len(e.Steps))
	for i, se := range e.Steps {
		s := *se
		cp.Steps[i] = &s
	}
	cp.Agents = make(map[string]*AgentExecution, len(e.Agents))
	for id, ae := range e.Agents {
		a := *ae
		cp.Agents[id] = &a
	}
	cp.Errors = append([]ExecutionError(nil), e.Errors...)
	cp.Metadata = copyMap(e.Metadata)
	cp.Outputs = copyMap(e.Outputs)
	cp.Inputs = copyMap(e.Inputs)
	return &cp
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
