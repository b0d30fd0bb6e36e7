package decision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/orchestrator/internal/workflow"
)

func qualityTree() *workflow.DecisionTree {
	return &workflow.DecisionTree{
		ID:       "quality-check",
		Name:     "Quality Check",
		RootNode: "root",
		Nodes: []workflow.DecisionNode{
			{ID: "root", Type: workflow.NodeCondition, Condition: "quality >= 0.8", TrueNode: "approve", FalseNode: "escalate"},
			{ID: "approve", Type: workflow.NodeLeaf},
			{ID: "escalate", Type: workflow.NodeLeaf},
		},
		Variables: []workflow.TreeVariable{
			{Name: "quality", Source: "execution.qualityScore", Default: 0.0},
		},
		Outcomes: []workflow.Outcome{
			{ID: "approve", Name: "Approved", Probability: 0.9},
			{ID: "escalate", Name: "Escalate for Review", Actions: []workflow.TreeAction{
				{Type: workflow.TreeActionEscalate, Params: map[string]any{"reason": "low quality"}},
			}},
		},
	}
}

func executionWithQuality(q float64) *workflow.Execution {
	return &workflow.Execution{
		ID:           "exec-1",
		WorkflowID:   "wf-1",
		Status:       workflow.ExecutionRunning,
		StartTime:    time.Now().Add(-time.Second),
		QualityScore: &q,
	}
}

func TestExecuteTakesTruePath(t *testing.T) {
	e := NewEngine(nil)
	res, err := e.Execute(context.Background(), qualityTree(), executionWithQuality(0.9), nil)
	require.NoError(t, err)
	assert.Equal(t, "approve", res.OutcomeID)
	assert.NotEmpty(t, res.Reasoning)
	// probability 0.9 + one defined numeric variable (0.1 / 1)
	assert.InDelta(t, 1.0, res.Confidence, 1e-9)
}

func TestExecuteFalsePathRunsOutcomeActions(t *testing.T) {
	e := NewEngine(nil)
	exec := executionWithQuality(0.3)
	res, err := e.Execute(context.Background(), qualityTree(), exec, nil)
	require.NoError(t, err)
	assert.Equal(t, "escalate", res.OutcomeID)
	assert.Equal(t, true, exec.Metadata["humanReviewRequired"])
	assert.Equal(t, "low quality", exec.Metadata["escalationReason"])
	// probability unset falls back to 0.7, plus variable evidence
	assert.InDelta(t, 0.8, res.Confidence, 1e-9)
}

func TestActionNodeContinuesToDefaultOutcome(t *testing.T) {
	tree := &workflow.DecisionTree{
		ID:       "notify",
		RootNode: "act",
		Nodes: []workflow.DecisionNode{
			{ID: "act", Type: workflow.NodeAction, Action: &workflow.TreeAction{
				Type:   workflow.TreeActionSendNotification,
				Params: map[string]any{"message": "checkpoint"},
			}},
		},
		Outcomes:       []workflow.Outcome{{ID: "done", Name: "Done"}},
		DefaultOutcome: "done",
	}

	e := NewEngine(nil)
	var notified string
	e.SetNotifier(func(message string, _ map[string]any) { notified = message })

	res, err := e.Execute(context.Background(), tree, executionWithQuality(0.5), nil)
	require.NoError(t, err)
	assert.Equal(t, "done", res.OutcomeID)
	assert.Equal(t, "checkpoint", notified)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, workflow.TreeActionSendNotification, res.Actions[0].Type)
}

func TestExecuteInvalidTree(t *testing.T) {
	e := NewEngine(nil)
	exec := executionWithQuality(0.5)

	missingChild := &workflow.DecisionTree{
		ID:       "bad-child",
		RootNode: "root",
		Nodes: []workflow.DecisionNode{
			{ID: "root", Type: workflow.NodeCondition, Condition: "quality >= 0", TrueNode: "nowhere", FalseNode: "nowhere"},
		},
	}
	_, err := e.Execute(context.Background(), missingChild, exec, nil)
	require.Error(t, err)
	assert.Equal(t, workflow.CodeInvalidTree, workflow.AsError(err).Code)

	orphanLeaf := &workflow.DecisionTree{
		ID:       "bad-leaf",
		RootNode: "leaf",
		Nodes:    []workflow.DecisionNode{{ID: "leaf", Type: workflow.NodeLeaf}},
	}
	_, err = e.Execute(context.Background(), orphanLeaf, exec, nil)
	require.Error(t, err)
	assert.Equal(t, workflow.CodeInvalidTree, workflow.AsError(err).Code)

	_, err = e.Execute(context.Background(), &workflow.DecisionTree{ID: "no-root"}, exec, nil)
	require.Error(t, err)
	assert.Equal(t, workflow.CodeInvalidTree, workflow.AsError(err).Code)
}

func TestUnsafeConditionEvaluatesFalse(t *testing.T) {
	tree := qualityTree()
	tree.Nodes[0].Condition = "quality >= 0.8; sideEffect()"

	e := NewEngine(nil)
	res, err := e.Execute(context.Background(), tree, executionWithQuality(0.9), nil)
	require.NoError(t, err)
	assert.Equal(t, "escalate", res.OutcomeID, "rejected condition takes the false path")
}

func TestSandboxedCustomExpression(t *testing.T) {
	// Arithmetic is outside the restricted grammar but the sandbox accepts
	// it after translation.
	tree := qualityTree()
	tree.Nodes[0].Condition = "quality * 1 >= 0.8"

	e := NewEngine(nil)
	// Not opted in: condition is false.
	res, err := e.Execute(context.Background(), tree, executionWithQuality(0.9), nil)
	require.NoError(t, err)
	assert.Equal(t, "escalate", res.OutcomeID)

	// Opted in: the sandbox evaluates the arithmetic comparison.
	res, err = e.Execute(context.Background(), tree, executionWithQuality(0.9),
		map[string]any{"allowCustomExpressions": true})
	require.NoError(t, err)
	assert.Equal(t, "approve", res.OutcomeID)
}

func TestHistoryBounded(t *testing.T) {
	e := NewEngine(nil)
	tree := qualityTree()
	exec := executionWithQuality(0.9)

	for i := 0; i < maxHistory+5; i++ {
		_, err := e.Execute(context.Background(), tree, exec, nil)
		require.NoError(t, err)
	}
	assert.Len(t, e.History("exec-1"), maxHistory)

	e.Forget("exec-1")
	assert.Empty(t, e.History("exec-1"))
}

func TestAnalyzePatterns(t *testing.T) {
	e := NewEngine(nil)
	tree := qualityTree()
	for i := 0; i < 6; i++ {
		_, err := e.Execute(context.Background(), tree, executionWithQuality(0.9), nil)
		require.NoError(t, err)
	}

	analysis := e.AnalyzePatterns("exec-1")
	assert.Equal(t, 6, analysis.Decisions)
	assert.InDelta(t, 1.0, analysis.AverageConfidence, 1e-9)
	assert.Equal(t, 6, analysis.CommonOutcomes["approve"])
	assert.InDelta(t, 1.0, analysis.Effectiveness, 1e-9)
	assert.NotEmpty(t, analysis.Suggestions, "dominant outcome is flagged")
}

func TestVariableResolution(t *testing.T) {
	q := 0.6
	now := time.Now()
	end := now.Add(time.Second)
	exec := &workflow.Execution{
		ID:           "exec-2",
		Status:       workflow.ExecutionRunning,
		StartTime:    now.Add(-time.Minute),
		TotalCost:    1.5,
		Inputs:       map[string]any{"topic": "billing"},
		QualityScore: &q,
		Steps: []*workflow.StepExecution{
			{StepID: "s1", Status: workflow.StepCompleted, EndTime: &end,
				Outputs: map[string]any{"summary": map[string]any{"tone": "neutral"}}},
			{StepID: "s2", Status: workflow.StepFailed},
		},
		Agents: map[string]*workflow.AgentExecution{
			"a1": {AgentID: "a1", TotalCost: 0.4, AverageQualityScore: 0.7, CompletedSteps: []string{"s1"}},
		},
	}

	dctx := BuildContext(exec, map[string]any{"region": "eu"})
	vars := dctx.ResolveVariables([]workflow.TreeVariable{
		{Name: "cost", Source: "execution.totalCost"},
		{Name: "topic", Source: "execution.inputs.topic"},
		{Name: "tone", Source: "execution.steps.s1.summary.tone"},
		{Name: "agentQuality", Source: "agent.a1.qualityScore"},
		{Name: "region", Source: "environment.region"},
		{Name: "completion", Source: "calculated.completionRate"},
		{Name: "fallback", Source: "agents.a1.cost"},
		{Name: "absent", Source: "execution.inputs.nope", Default: "default-value"},
	})

	assert.Equal(t, 1.5, vars["cost"])
	assert.Equal(t, "billing", vars["topic"])
	assert.Equal(t, "neutral", vars["tone"])
	assert.Equal(t, 0.7, vars["agentQuality"])
	assert.Equal(t, "eu", vars["region"])
	assert.InDelta(t, 0.5, vars["completion"].(float64), 1e-9)
	assert.Equal(t, 0.4, vars["fallback"])
	assert.Equal(t, "default-value", vars["absent"])
}

func TestSandboxEvalDirect(t *testing.T) {
	s := NewSandbox(nil)

	got, err := s.Eval(context.Background(), "score >= 0.8 and status == 'ok'", map[string]any{
		"score": 0.9, "status": "ok",
	})
	require.NoError(t, err)
	assert.True(t, got)

	got, err = s.Eval(context.Background(), "score >= 0.8 or status == 'ok'", map[string]any{
		"score": 0.1, "status": "ok",
	})
	require.NoError(t, err)
	assert.True(t, got)

	got, err = s.Eval(context.Background(), "not score >= 0.8", map[string]any{"score": 0.9})
	require.NoError(t, err)
	assert.False(t, got)
}
