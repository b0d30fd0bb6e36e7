package decision

import (
	"strings"
	"time"

	"github.com/agentmesh/orchestrator/internal/agents"
	"github.com/agentmesh/orchestrator/internal/workflow"
)

// AgentStats is the per-agent view exposed to decision trees.
type AgentStats struct {
	ProcessingTimeMs float64 `json:"processingTimeMs"`
	Cost             float64 `json:"cost"`
	QualityScore     float64 `json:"qualityScore"`
	CompletedSteps   int     `json:"completedSteps"`
}

// Context is the read-only view a traversal resolves variables against.
type Context struct {
	Execution   *workflow.Execution
	StepOutputs map[string]map[string]any
	Agents      map[string]AgentStats
	Environment map[string]any
}

// BuildContext assembles the decision context from an execution snapshot.
// Extra entries are merged into the environment map.
func BuildContext(exec *workflow.Execution, extra map[string]any) *Context {
	stepOutputs := make(map[string]map[string]any)
	for _, se := range exec.Steps {
		if se.Outputs != nil {
			stepOutputs[se.StepID] = se.Outputs
		}
	}

	agentStats := make(map[string]AgentStats)
	for id, ae := range exec.Agents {
		agentStats[id] = AgentStats{
			ProcessingTimeMs: ae.TotalProcessingMs,
			Cost:             ae.TotalCost,
			QualityScore:     ae.AverageQualityScore,
			CompletedSteps:   len(ae.CompletedSteps),
		}
	}

	now := time.Now().UTC()
	quality := 0.0
	if exec.QualityScore != nil {
		quality = *exec.QualityScore
	}
	env := map[string]any{
		"currentTime":         now.Format(time.RFC3339),
		"executionDurationMs": float64(now.Sub(exec.StartTime).Milliseconds()),
		"totalCost":           exec.TotalCost,
		"qualityScore":        quality,
	}
	for k, v := range extra {
		env[k] = v
	}

	return &Context{
		Execution:   exec,
		StepOutputs: stepOutputs,
		Agents:      agentStats,
		Environment: env,
	}
}

// ResolveVariables resolves every tree variable, falling back to declared
// defaults for missing values.
func (c *Context) ResolveVariables(vars []workflow.TreeVariable) map[string]any {
	resolved := make(map[string]any, len(vars))
	for _, v := range vars {
		value, ok := c.resolve(v.Source)
		if !ok || value == nil {
			value = v.Default
		}
		resolved[v.Name] = value
	}
	return resolved
}

func (c *Context) resolve(source string) (any, bool) {
	switch {
	case strings.HasPrefix(source, "execution."):
		return c.resolveExecution(strings.TrimPrefix(source, "execution."))
	case strings.HasPrefix(source, "agent."):
		return c.resolveAgent(strings.TrimPrefix(source, "agent."))
	case strings.HasPrefix(source, "environment."):
		return agents.DotPath(c.Environment, strings.TrimPrefix(source, "environment."))
	case strings.HasPrefix(source, "calculated."):
		return c.resolveCalculated(strings.TrimPrefix(source, "calculated."))
	default:
		return agents.DotPath(c.wholeView(), source)
	}
}

func (c *Context) resolveExecution(field string) (any, bool) {
	exec := c.Execution
	switch field {
	case "id":
		return exec.ID, true
	case "workflowId":
		return exec.WorkflowID, true
	case "status":
		return string(exec.Status), true
	case "priority":
		return exec.Priority, true
	case "totalCost":
		return exec.TotalCost, true
	case "qualityScore":
		if exec.QualityScore == nil {
			return nil, false
		}
		return *exec.QualityScore, true
	case "errorCount":
		return float64(len(exec.Errors)), true
	case "stepCount":
		return float64(len(exec.Steps)), true
	}
	if path, ok := strings.CutPrefix(field, "inputs."); ok {
		return agents.DotPath(exec.Inputs, path)
	}
	if path, ok := strings.CutPrefix(field, "outputs."); ok {
		return agents.DotPath(exec.Outputs, path)
	}
	if path, ok := strings.CutPrefix(field, "steps."); ok {
		stepID, rest, _ := strings.Cut(path, ".")
		outputs, found := c.StepOutputs[stepID]
		if !found {
			return nil, false
		}
		if rest == "" {
			return outputs, true
		}
		return agents.DotPath(outputs, rest)
	}
	return nil, false
}

func (c *Context) resolveAgent(path string) (any, bool) {
	agentID, field, ok := strings.Cut(path, ".")
	if !ok {
		stats, found := c.Agents[agentID]
		return stats, found
	}
	stats, found := c.Agents[agentID]
	if !found {
		return nil, false
	}
	switch field {
	case "processingTime", "processingTimeMs":
		return stats.ProcessingTimeMs, true
	case "cost":
		return stats.Cost, true
	case "qualityScore":
		return stats.QualityScore, true
	case "completedSteps", "completedStepsCount":
		return float64(stats.CompletedSteps), true
	}
	return nil, false
}

func (c *Context) resolveCalculated(name string) (any, bool) {
	switch name {
	case "completionRate":
		if len(c.Execution.Steps) == 0 {
			return 0.0, true
		}
		completed := 0
		for _, se := range c.Execution.Steps {
			if se.Status == workflow.StepCompleted {
				completed++
			}
		}
		return float64(completed) / float64(len(c.Execution.Steps)), true
	case "averageQuality":
		if c.Execution.QualityScore == nil {
			return 0.0, true
		}
		return *c.Execution.QualityScore, true
	case "costEfficiency":
		if c.Execution.TotalCost <= 0 || c.Execution.QualityScore == nil {
			return 0.0, true
		}
		return *c.Execution.QualityScore / c.Execution.TotalCost, true
	}
	return nil, false
}

// wholeView is the fallback namespace for unprefixed dot-path sources.
func (c *Context) wholeView() map[string]any {
	agentView := make(map[string]any, len(c.Agents))
	for id, stats := range c.Agents {
		agentView[id] = map[string]any{
			"processingTimeMs": stats.ProcessingTimeMs,
			"cost":             stats.Cost,
			"qualityScore":     stats.QualityScore,
			"completedSteps":   float64(stats.CompletedSteps),
		}
	}
	stepView := make(map[string]any, len(c.StepOutputs))
	for id, outputs := range c.StepOutputs {
		stepView[id] = outputs
	}
	return map[string]any{
		"agents":      agentView,
		"steps":       stepView,
		"environment": c.Environment,
		"execution": map[string]any{
			"id":        c.Execution.ID,
			"status":    string(c.Execution.Status),
			"totalCost": c.Execution.TotalCost,
			"inputs":    c.Execution.Inputs,
			"outputs":   c.Execution.Outputs,
		},
	}
}
