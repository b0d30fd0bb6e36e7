// Package decision implements the decision-tree evaluator: variable
// resolution from execution context, safe condition evaluation, traversal,
// and per-execution audit.
package decision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/orchestrator/internal/metrics"
	"github.com/agentmesh/orchestrator/internal/workflow"
)

// maxHistory bounds the per-execution decision audit.
const maxHistory = 50

// maxDepth bounds traversal so malformed trees cannot loop forever.
const maxDepth = 100

// Result is the outcome of one tree traversal.
type Result struct {
	TreeID     string                `json:"treeId"`
	OutcomeID  string                `json:"outcomeId"`
	Outcome    *workflow.Outcome     `json:"outcome,omitempty"`
	Actions    []workflow.TreeAction `json:"actions,omitempty"`
	Confidence float64               `json:"confidence"`
	Reasoning  []string              `json:"reasoning,omitempty"`
	Variables  map[string]any        `json:"variables,omitempty"`
	Timestamp  time.Time             `json:"timestamp"`
}

// ActionExecutor applies one tree action against the live execution.
type ActionExecutor func(ctx context.Context, action workflow.TreeAction, exec *workflow.Execution, vars map[string]any) error

// Notifier posts a notification produced by a send_notification action.
type Notifier func(message string, params map[string]any)

// Engine traverses decision trees against execution snapshots.
type Engine struct {
	logger  *zap.Logger
	sandbox *Sandbox

	mu        sync.Mutex
	indexes   map[*workflow.DecisionTree]map[string]*workflow.DecisionNode
	history   map[string][]*Result
	executors map[workflow.TreeActionType]ActionExecutor
	notifier  Notifier
}

// NewEngine constructs an engine with the built-in action executors.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		logger:  logger,
		sandbox: NewSandbox(logger),
		indexes: make(map[*workflow.DecisionTree]map[string]*workflow.DecisionNode),
		history: make(map[string][]*Result),
	}
	e.executors = map[workflow.TreeActionType]ActionExecutor{
		workflow.TreeActionEscalate:         e.executeEscalate,
		workflow.TreeActionTerminate:        e.executeTerminate,
		workflow.TreeActionAssignAgent:      e.executeAssignAgent,
		workflow.TreeActionModifyWorkflow:   e.executeModifyWorkflow,
		workflow.TreeActionSendNotification: e.executeSendNotification,
	}
	return e
}

// RegisterExecutor replaces the executor for an action type.
func (e *Engine) RegisterExecutor(t workflow.TreeActionType, executor ActionExecutor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executors[t] = executor
}

// SetNotifier wires the send_notification action to the communication bus.
func (e *Engine) SetNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifier = n
}

func invalidTree(treeID, msg, ref string) *workflow.Error {
	return &workflow.Error{
		Code:    workflow.CodeInvalidTree,
		Type:    workflow.TypeValidationError,
		Message: fmt.Sprintf("tree %s: %s", treeID, msg),
		Ref:     ref,
	}
}

// Execute traverses the tree against the execution and records the result in
// the execution's bounded decision history.
func (e *Engine) Execute(ctx context.Context, tree *workflow.DecisionTree, exec *workflow.Execution, extra map[string]any) (*Result, error) {
	if tree == nil || tree.RootNode == "" {
		return nil, invalidTree("", "missing root node", "")
	}
	start := time.Now()

	index := e.index(tree)
	dctx := BuildContext(exec, extra)
	vars := dctx.ResolveVariables(tree.Variables)
	allowCustom, _ := dctx.Environment["allowCustomExpressions"].(bool)

	result := &Result{
		TreeID:    tree.ID,
		Variables: vars,
		Timestamp: start.UTC(),
	}

	nodeID := tree.RootNode
	for depth := 0; ; depth++ {
		if depth >= maxDepth {
			return nil, invalidTree(tree.ID, "traversal depth limit exceeded", nodeID)
		}
		node, ok := index[nodeID]
		if !ok {
			return nil, invalidTree(tree.ID, "unknown node", nodeID)
		}

		switch node.Type {
		case workflow.NodeCondition:
			value := e.evalCondition(ctx, node.Condition, vars, allowCustom)
			result.Reasoning = append(result.Reasoning,
				fmt.Sprintf("condition %q at node %s evaluated %t", node.Condition, node.ID, value))
			if value {
				nodeID = node.TrueNode
			} else {
				nodeID = node.FalseNode
			}
			if nodeID == "" {
				return nil, invalidTree(tree.ID, "condition node missing child", node.ID)
			}

		case workflow.NodeAction:
			if node.Action != nil {
				if err := e.runAction(ctx, *node.Action, exec, vars); err != nil {
					return nil, err
				}
				result.Actions = append(result.Actions, *node.Action)
				result.Reasoning = append(result.Reasoning,
					fmt.Sprintf("executed action %s at node %s", node.Action.Type, node.ID))
			}
			if node.TrueNode != "" {
				nodeID = node.TrueNode
				continue
			}
			outcome := tree.OutcomeByID(tree.DefaultOutcome)
			if outcome == nil {
				return nil, invalidTree(tree.ID, "action node has no continuation and no default outcome", node.ID)
			}
			return e.finish(ctx, tree, exec, result, outcome, start)

		case workflow.NodeLeaf:
			outcome := tree.OutcomeByID(node.ID)
			if outcome == nil {
				return nil, invalidTree(tree.ID, "leaf has no matching outcome", node.ID)
			}
			return e.finish(ctx, tree, exec, result, outcome, start)

		default:
			return nil, invalidTree(tree.ID, "unknown node type", string(node.Type))
		}
	}
}

func (e *Engine) finish(ctx context.Context, tree *workflow.DecisionTree, exec *workflow.Execution, result *Result, outcome *workflow.Outcome, start time.Time) (*Result, error) {
	for _, action := range outcome.Actions {
		if err := e.runAction(ctx, action, exec, result.Variables); err != nil {
			return nil, err
		}
	}
	result.OutcomeID = outcome.ID
	result.Outcome = outcome
	result.Actions = append(result.Actions, outcome.Actions...)
	result.Confidence = confidence(outcome, result.Variables)
	result.Reasoning = append(result.Reasoning,
		fmt.Sprintf("reached outcome %s with confidence %.2f", outcome.ID, result.Confidence))

	e.record(exec.ID, result)
	metrics.DecisionsEvaluated.WithLabelValues(tree.ID, outcome.ID).Inc()
	metrics.DecisionLatency.Observe(time.Since(start).Seconds())
	return result, nil
}

// evalCondition tries the restricted grammar first; on syntax outside it,
// custom expressions go to the sandbox when the workflow opted in, otherwise
// the condition is false and logged.
func (e *Engine) evalCondition(ctx context.Context, expr string, vars map[string]any, allowCustom bool) bool {
	value, err := EvalCondition(expr, vars)
	if err == nil {
		return value
	}
	if allowCustom {
		value, serr := e.sandbox.Eval(ctx, expr, vars)
		if serr == nil {
			return value
		}
		err = serr
	}
	metrics.UnsafeConditions.Inc()
	e.logger.Warn("Condition rejected, evaluating false",
		zap.String("condition", expr),
		zap.Bool("allow_custom", allowCustom),
		zap.Error(err),
	)
	return false
}

// EvalCustom evaluates a standalone condition expression with the same
// safety ladder steps use: restricted grammar, then the sandbox when custom
// expressions are allowed, false otherwise.
func (e *Engine) EvalCustom(ctx context.Context, expr string, vars map[string]any, allowCustom bool) bool {
	return e.evalCondition(ctx, expr, vars, allowCustom)
}

func (e *Engine) runAction(ctx context.Context, action workflow.TreeAction, exec *workflow.Execution, vars map[string]any) error {
	e.mu.Lock()
	executor := e.executors[action.Type]
	e.mu.Unlock()
	if executor == nil {
		return invalidTree("", "no executor for action type", string(action.Type))
	}
	return executor(ctx, action, exec, vars)
}

// index builds (once per tree instance) an id -> node map for O(1) hops.
// Keyed by pointer so a reloaded template gets a fresh index.
func (e *Engine) index(tree *workflow.DecisionTree) map[string]*workflow.DecisionNode {
	e.mu.Lock()
	defer e.mu.Unlock()
	if idx, ok := e.indexes[tree]; ok {
		return idx
	}
	idx := make(map[string]*workflow.DecisionNode, len(tree.Nodes))
	for i := range tree.Nodes {
		idx[tree.Nodes[i].ID] = &tree.Nodes[i]
	}
	e.indexes[tree] = idx
	return idx
}

func (e *Engine) record(executionID string, result *Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	history := append(e.history[executionID], result)
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	e.history[executionID] = history
}

// History returns a copy of the bounded decision audit for an execution.
func (e *Engine) History(executionID string) []*Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Result, len(e.history[executionID]))
	copy(out, e.history[executionID])
	return out
}

// Forget drops audit history for a finished execution.
func (e *Engine) Forget(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.history, executionID)
}

// confidence blends the outcome's declared probability (0.7 when unset) with
// evidence from resolved variables: 0.1 per defined number or boolean, 0.05
// per non-empty string, normalized by variable count.
func confidence(outcome *workflow.Outcome, vars map[string]any) float64 {
	base := outcome.Probability
	if base == 0 {
		base = 0.7
	}
	if len(vars) > 0 {
		evidence := 0.0
		for _, v := range vars {
			switch t := v.(type) {
			case nil:
			case bool:
				evidence += 0.1
			case string:
				if t != "" {
					evidence += 0.05
				}
			default:
				if _, ok := toNumber(v); ok {
					evidence += 0.1
				}
			}
		}
		base += evidence / float64(len(vars))
	}
	if base < 0 {
		return 0
	}
	if base > 1 {
		return 1
	}
	return base
}

// PatternAnalysis summarizes an execution's decision history.
type PatternAnalysis struct {
	Decisions         int            `json:"decisions"`
	AverageConfidence float64        `json:"averageConfidence"`
	CommonOutcomes    map[string]int `json:"commonOutcomes,omitempty"`
	Effectiveness     float64        `json:"effectiveness"`
	Suggestions       []string       `json:"suggestions,omitempty"`
}

// AnalyzePatterns computes aggregate statistics over the audit history.
func (e *Engine) AnalyzePatterns(executionID string) PatternAnalysis {
	history := e.History(executionID)
	analysis := PatternAnalysis{
		Decisions:      len(history),
		CommonOutcomes: make(map[string]int),
	}
	if len(history) == 0 {
		return analysis
	}

	confident := 0
	for _, r := range history {
		analysis.AverageConfidence += r.Confidence
		analysis.CommonOutcomes[r.OutcomeID]++
		if r.Confidence >= 0.7 {
			confident++
		}
	}
	analysis.AverageConfidence /= float64(len(history))
	analysis.Effectiveness = float64(confident) / float64(len(history))

	if analysis.AverageConfidence < 0.5 {
		analysis.Suggestions = append(analysis.Suggestions,
			"low average confidence; declare more variables or set outcome probabilities")
	}
	for outcomeID, count := range analysis.CommonOutcomes {
		if float64(count) > 0.8*float64(len(history)) && len(history) >= 5 {
			analysis.Suggestions = append(analysis.Suggestions,
				fmt.Sprintf("outcome %s dominates traversals; conditions may be degenerate", outcomeID))
		}
	}
	return analysis
}

func (e *Engine) executeEscalate(_ context.Context, action workflow.TreeAction, exec *workflow.Execution, _ map[string]any) error {
	if exec.Metadata == nil {
		exec.Metadata = make(map[string]any)
	}
	exec.Metadata["humanReviewRequired"] = true
	if reason, ok := action.Params["reason"]; ok {
		exec.Metadata["escalationReason"] = reason
	}
	return nil
}

func (e *Engine) executeTerminate(_ context.Context, action workflow.TreeAction, exec *workflow.Execution, _ map[string]any) error {
	if exec.Metadata == nil {
		exec.Metadata = make(map[string]any)
	}
	exec.Metadata["terminateRequested"] = true
	if reason, ok := action.Params["reason"]; ok {
		exec.Metadata["terminateReason"] = reason
	}
	return nil
}

func (e *Engine) executeAssignAgent(_ context.Context, action workflow.TreeAction, exec *workflow.Execution, _ map[string]any) error {
	stepID, _ := action.Params["stepId"].(string)
	agentID, _ := action.Params["agentId"].(string)
	if stepID == "" || agentID == "" {
		return invalidTree("", "assign_agent requires stepId and agentId params", "")
	}
	if exec.Metadata == nil {
		exec.Metadata = make(map[string]any)
	}
	assignments, _ := exec.Metadata["agentAssignments"].(map[string]string)
	if assignments == nil {
		assignments = make(map[string]string)
	}
	assignments[stepID] = agentID
	exec.Metadata["agentAssignments"] = assignments
	return nil
}

func (e *Engine) executeModifyWorkflow(_ context.Context, action workflow.TreeAction, exec *workflow.Execution, _ map[string]any) error {
	e.logger.Info("Workflow modification requested by decision tree",
		zap.String("execution_id", exec.ID),
		zap.Any("params", action.Params),
	)
	return nil
}

func (e *Engine) executeSendNotification(_ context.Context, action workflow.TreeAction, exec *workflow.Execution, _ map[string]any) error {
	message, _ := action.Params["message"].(string)
	e.mu.Lock()
	notifier := e.notifier
	e.mu.Unlock()
	if notifier != nil {
		notifier(message, action.Params)
	}
	return nil
}
