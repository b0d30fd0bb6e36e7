package workflow

// DecisionNodeType enumerates the node kinds in a decision tree.
type DecisionNodeType string

const (
	NodeCondition DecisionNodeType = "condition"
	NodeAction    DecisionNodeType = "action"
	NodeLeaf      DecisionNodeType = "leaf"
)

// TreeActionType enumerates actions a decision tree can trigger.
type TreeActionType string

const (
	TreeActionAssignAgent      TreeActionType = "assign_agent"
	TreeActionModifyWorkflow   TreeActionType = "modify_workflow"
	TreeActionEscalate         TreeActionType = "escalate"
	TreeActionTerminate        TreeActionType = "terminate"
	TreeActionSendNotification TreeActionType = "send_notification"
)

// TreeAction is an executable side effect attached to an action node or an
// outcome.
type TreeAction struct {
	Type   TreeActionType `yaml:"type" json:"type"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// DecisionNode is one node in a decision tree. Condition nodes carry a
// restricted boolean expression and two child ids; action nodes carry an
// action and an optional continuation in TrueNode; leaves resolve to the
// outcome whose id equals the node id.
type DecisionNode struct {
	ID        string           `yaml:"id" json:"id"`
	Type      DecisionNodeType `yaml:"type" json:"type"`
	Condition string           `yaml:"condition,omitempty" json:"condition,omitempty"`
	TrueNode  string           `yaml:"true_node,omitempty" json:"trueNode,omitempty"`
	FalseNode string           `yaml:"false_node,omitempty" json:"falseNode,omitempty"`
	Action    *TreeAction      `yaml:"action,omitempty" json:"action,omitempty"`
}

// TreeVariable binds a name used in conditions to a value in the decision
// context. Source uses prefixed dot paths ("execution.totalCost",
// "agent.a1.qualityScore", "environment.executionDuration",
// "calculated.completionRate").
type TreeVariable struct {
	Name    string `yaml:"name" json:"name"`
	Source  string `yaml:"source" json:"source"`
	Default any    `yaml:"default,omitempty" json:"default,omitempty"`
}

// Outcome is a named terminal result of a tree traversal.
type Outcome struct {
	ID          string       `yaml:"id" json:"id"`
	Name        string       `yaml:"name,omitempty" json:"name,omitempty"`
	Probability float64      `yaml:"probability,omitempty" json:"probability,omitempty"`
	Actions     []TreeAction `yaml:"actions,omitempty" json:"actions,omitempty"`
}

// DecisionTree is a restricted decision-tree program evaluated against an
// execution snapshot.
type DecisionTree struct {
	ID             string         `yaml:"id" json:"id"`
	Name           string         `yaml:"name,omitempty" json:"name,omitempty"`
	RootNode       string         `yaml:"root_node" json:"rootNode"`
	Nodes          []DecisionNode `yaml:"nodes" json:"nodes"`
	Variables      []TreeVariable `yaml:"variables,omitempty" json:"variables,omitempty"`
	Outcomes       []Outcome      `yaml:"outcomes,omitempty" json:"outcomes,omitempty"`
	DefaultOutcome string         `yaml:"default_outcome,omitempty" json:"defaultOutcome,omitempty"`
}

// OutcomeByID returns the outcome with the given id, if present.
func (t *DecisionTree) OutcomeByID(id string) *Outcome {
	for i := range t.Outcomes {
		if t.Outcomes[i].ID == id {
			return &t.Outcomes[i]
		}
	}
	return nil
}
