// Package workflow defines the shared data model for multi-agent workflow
// definitions and their executions: steps, agents, retry policies, decision
// trees, and the mutable execution records the orchestrator maintains.
package workflow

import (
	"time"
)

// StepType enumerates the kinds of work a step can represent.
type StepType string

const (
	StepAnalysis       StepType = "analysis"
	StepGeneration     StepType = "generation"
	StepValidation     StepType = "validation"
	StepTransformation StepType = "transformation"
	StepDecision       StepType = "decision"
	StepAggregation    StepType = "aggregation"
	StepNotification   StepType = "notification"
	StepHumanReview    StepType = "human_review"
)

// AgentType enumerates the kinds of agents the manager can host.
type AgentType string

const (
	AgentAnalysis       AgentType = "analysis"
	AgentContent        AgentType = "content"
	AgentRecommendation AgentType = "recommendation"
	AgentValidation     AgentType = "validation"
	AgentCoordination   AgentType = "coordination"
	AgentSpecialist     AgentType = "specialist"
)

// CapabilityType enumerates declared agent capabilities.
type CapabilityType string

const (
	CapTextAnalysis      CapabilityType = "text_analysis"
	CapContentGeneration CapabilityType = "content_generation"
	CapDataExtraction    CapabilityType = "data_extraction"
	CapQualityAssessment CapabilityType = "quality_assessment"
	CapDecisionMaking    CapabilityType = "decision_making"
	CapCoordination      CapabilityType = "coordination"
	CapValidation        CapabilityType = "validation"
)

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionTimeout   ExecutionStatus = "timeout"
)

// Terminal reports whether the status is a sink state.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimeout:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a step execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepTimedOut  StepStatus = "timeout"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step status is final for one attempt chain.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepTimedOut, StepSkipped:
		return true
	}
	return false
}

// BackoffStrategy selects the delay curve between retry attempts.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// SourceType identifies where a step input value comes from, or where a step
// output value is delivered.
type SourceType string

const (
	SourceWorkflowInput SourceType = "workflow_input"
	SourceStepOutput    SourceType = "step_output"
	SourceAgentMemory   SourceType = "agent_memory"
	SourceConstant      SourceType = "constant"
	DestWorkflowOutput  SourceType = "workflow_output"
)

// ValueRef points at a value in the execution context. Reference is the name
// of the workflow input, the id of the producing step, or the memory key,
// depending on Type. Path optionally dot-descends into nested values.
type ValueRef struct {
	Type      SourceType `yaml:"type" json:"type"`
	Reference string     `yaml:"reference" json:"reference"`
	Path      string     `yaml:"path,omitempty" json:"path,omitempty"`
	AgentID   string     `yaml:"agent_id,omitempty" json:"agentId,omitempty"`
	Value     any        `yaml:"value,omitempty" json:"value,omitempty"`
}

// Transformation is applied to a resolved input value, in declaration order.
type Transformation struct {
	Type   string         `yaml:"type" json:"type"` // map, filter, format
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	Format string         `yaml:"format,omitempty" json:"format,omitempty"`
}

// IOBinding declares one named input or output of a step.
type IOBinding struct {
	Name            string           `yaml:"name" json:"name"`
	Source          ValueRef         `yaml:"source,omitempty" json:"source,omitempty"`
	Destination     ValueRef         `yaml:"destination,omitempty" json:"destination,omitempty"`
	Required        bool             `yaml:"required,omitempty" json:"required,omitempty"`
	Transformations []Transformation `yaml:"transformations,omitempty" json:"transformations,omitempty"`
}

// ConditionType selects when a step condition fires.
type ConditionType string

const (
	ConditionSuccess ConditionType = "success"
	ConditionFailure ConditionType = "failure"
	ConditionTimeout ConditionType = "timeout"
	ConditionCustom  ConditionType = "custom"
)

// ConditionAction is what a fired condition does.
type ConditionAction string

const (
	ActionContinue ConditionAction = "continue"
	ActionSkip     ConditionAction = "skip"
	ActionFail     ConditionAction = "fail"
	ActionBranch   ConditionAction = "branch"
	ActionNotify   ConditionAction = "notify"
)

// Condition attaches post-execution control flow to a step. Target names the
// step to skip, the decision tree to branch to, or the notification text,
// depending on Action. Expression is only consulted for custom conditions.
type Condition struct {
	Type       ConditionType   `yaml:"type" json:"type"`
	Expression string          `yaml:"expression,omitempty" json:"expression,omitempty"`
	Action     ConditionAction `yaml:"action" json:"action"`
	Target     string          `yaml:"target,omitempty" json:"target,omitempty"`
}

// RetryPolicy bounds and shapes step retries. Delays are milliseconds.
type RetryPolicy struct {
	MaxAttempts     int             `yaml:"max_attempts" json:"maxAttempts"`
	BackoffStrategy BackoffStrategy `yaml:"backoff_strategy" json:"backoffStrategy"`
	BaseDelayMs     int             `yaml:"base_delay_ms" json:"baseDelayMs"`
	MaxDelayMs      int             `yaml:"max_delay_ms" json:"maxDelayMs"`
	RetryableErrors []string        `yaml:"retryable_errors" json:"retryableErrors"`
	TimeoutMs       int             `yaml:"timeout_ms,omitempty" json:"timeoutMs,omitempty"`
}

// Delay returns the backoff before the next attempt, given the number of
// attempts already made (>= 1).
func (p *RetryPolicy) Delay(attempts int) time.Duration {
	if p == nil || p.BaseDelayMs <= 0 {
		return 0
	}
	base := time.Duration(p.BaseDelayMs) * time.Millisecond
	switch p.BackoffStrategy {
	case BackoffLinear:
		return base * time.Duration(attempts)
	case BackoffExponential:
		d := base << uint(attempts-1)
		if p.MaxDelayMs > 0 {
			if max := time.Duration(p.MaxDelayMs) * time.Millisecond; d > max {
				return max
			}
		}
		return d
	default: // fixed
		return base
	}
}

// Step is a unit of work assigned to exactly one agent.
type Step struct {
	ID              string       `yaml:"id" json:"id"`
	Name            string       `yaml:"name,omitempty" json:"name,omitempty"`
	Type            StepType     `yaml:"type" json:"type"`
	AgentID         string       `yaml:"agent_id" json:"agentId"`
	Inputs          []IOBinding  `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs         []IOBinding  `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Conditions      []Condition  `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	TimeoutSeconds  int          `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	RetryPolicy     *RetryPolicy `yaml:"retry_policy,omitempty" json:"retryPolicy,omitempty"`
	Dependencies    []string     `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	MinQualityScore *float64     `yaml:"min_quality_score,omitempty" json:"minQualityScore,omitempty"`
}

// Deadline returns the per-step deadline, falling back to the retry policy's
// timeout. Zero means no deadline.
func (s *Step) Deadline() time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	if s.RetryPolicy != nil && s.RetryPolicy.TimeoutMs > 0 {
		return time.Duration(s.RetryPolicy.TimeoutMs) * time.Millisecond
	}
	return 0
}

// Capability declares one thing an agent can do, with its cost profile.
type Capability struct {
	Name             string         `yaml:"name" json:"name"`
	Type             CapabilityType `yaml:"type" json:"type"`
	InputTypes       []string       `yaml:"input_types,omitempty" json:"inputTypes,omitempty"`
	OutputTypes      []string       `yaml:"output_types,omitempty" json:"outputTypes,omitempty"`
	ProcessingTimeMs int            `yaml:"processing_time_ms,omitempty" json:"processingTimeMs,omitempty"`
	Accuracy         float64        `yaml:"accuracy,omitempty" json:"accuracy,omitempty"`
	CostPerOperation float64        `yaml:"cost_per_operation,omitempty" json:"costPerOperation,omitempty"`
}

// Specialization narrows an agent to a domain.
type Specialization struct {
	Domain           string   `yaml:"domain,omitempty" json:"domain,omitempty"`
	Expertise        []string `yaml:"expertise,omitempty" json:"expertise,omitempty"`
	QualityThreshold float64  `yaml:"quality_threshold,omitempty" json:"qualityThreshold,omitempty"`
	Languages        []string `yaml:"languages,omitempty" json:"languages,omitempty"`
	Formats          []string `yaml:"formats,omitempty" json:"formats,omitempty"`
}

// AgentConfiguration carries model parameters for the injected executor.
type AgentConfiguration struct {
	Model          string         `yaml:"model,omitempty" json:"model,omitempty"`
	Temperature    float64        `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens      int            `yaml:"max_tokens,omitempty" json:"maxTokens,omitempty"`
	SystemPrompt   string         `yaml:"system_prompt,omitempty" json:"systemPrompt,omitempty"`
	SafetySettings map[string]any `yaml:"safety_settings,omitempty" json:"safetySettings,omitempty"`
}

// MemoryConfig governs agent memory retention. Retention applies to shared
// cross-execution memory only; per-execution partitions are always discarded
// on release.
type MemoryConfig struct {
	RetentionPeriodS int    `yaml:"retention_period_s,omitempty" json:"retentionPeriodS,omitempty"`
	SharingPolicy    string `yaml:"sharing_policy,omitempty" json:"sharingPolicy,omitempty"`
}

// AgentDefinition declares an agent that steps can be assigned to.
type AgentDefinition struct {
	ID                     string             `yaml:"id" json:"id"`
	Name                   string             `yaml:"name,omitempty" json:"name,omitempty"`
	Type                   AgentType          `yaml:"type" json:"type"`
	Specialization         Specialization     `yaml:"specialization,omitempty" json:"specialization,omitempty"`
	Capabilities           []Capability       `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Configuration          AgentConfiguration `yaml:"configuration,omitempty" json:"configuration,omitempty"`
	MemoryConfig           MemoryConfig       `yaml:"memory_config,omitempty" json:"memoryConfig,omitempty"`
	CommunicationProtocols []string           `yaml:"communication_protocols,omitempty" json:"communicationProtocols,omitempty"`
}

// DefinitionMetadata carries workflow-level knobs.
type DefinitionMetadata struct {
	EstimatedDurationMin   int      `yaml:"estimated_duration_min,omitempty" json:"estimatedDurationMin,omitempty"`
	MaxConcurrentSteps     int      `yaml:"max_concurrent_steps,omitempty" json:"maxConcurrentSteps,omitempty"`
	AllowCustomExpressions bool     `yaml:"allow_custom_expressions,omitempty" json:"allowCustomExpressions,omitempty"`
	Tags                   []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// Definition is an immutable workflow definition. Validate must pass before
// the orchestrator admits it.
type Definition struct {
	ID            string             `yaml:"id" json:"id"`
	Name          string             `yaml:"name,omitempty" json:"name,omitempty"`
	Version       string             `yaml:"version,omitempty" json:"version,omitempty"`
	Description   string             `yaml:"description,omitempty" json:"description,omitempty"`
	Steps         []Step             `yaml:"steps" json:"steps"`
	Agents        []AgentDefinition  `yaml:"agents" json:"agents"`
	DecisionTrees []DecisionTree     `yaml:"decision_trees,omitempty" json:"decisionTrees,omitempty"`
	Metadata      DefinitionMetadata `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// StepByID returns the step with the given id, if present.
func (d *Definition) StepByID(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// AgentByID returns the agent declaration with the given id, if present.
func (d *Definition) AgentByID(id string) *AgentDefinition {
	for i := range d.Agents {
		if d.Agents[i].ID == id {
			return &d.Agents[i]
		}
	}
	return nil
}

// TreeByID returns the decision tree with the given id, if present.
func (d *Definition) TreeByID(id string) *DecisionTree {
	for i := range d.DecisionTrees {
		if d.DecisionTrees[i].ID == id {
			return &d.DecisionTrees[i]
		}
	}
	return nil
}

// MaxConcurrency returns the scheduling cap, coercing non-positive values to 1.
func (d *Definition) MaxConcurrency() int {
	if d.Metadata.MaxConcurrentSteps > 0 {
		return d.Metadata.MaxConcurrentSteps
	}
	return 1
}

// WorkflowDeadline returns the workflow-level cap, defaulting to 5 minutes.
func (d *Definition) WorkflowDeadline() time.Duration {
	if d.Metadata.EstimatedDurationMin > 0 {
		return time.Duration(d.Metadata.EstimatedDurationMin) * time.Minute
	}
	return 5 * time.Minute
}
