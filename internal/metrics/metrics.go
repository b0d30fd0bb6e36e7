package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Execution metrics
	ExecutionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_executions_started_total",
			Help: "Total number of workflow executions started",
		},
		[]string{"workflow_id"},
	)

	ExecutionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_executions_completed_total",
			Help: "Total number of workflow executions reaching a terminal state",
		},
		[]string{"workflow_id", "status"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentmesh_execution_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow_id"},
	)

	ExecutionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentmesh_executions_active",
			Help: "Number of in-flight workflow executions",
		},
	)

	ExecutionCostUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentmesh_execution_cost_usd",
			Help:    "Cost in USD per workflow execution",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10},
		},
	)

	// Step metrics
	StepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_steps_executed_total",
			Help: "Total number of step attempts",
		},
		[]string{"step_type", "status"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentmesh_step_duration_ms",
			Help:    "Step execution duration in milliseconds",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
		},
		[]string{"step_type"},
	)

	StepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_step_retries_total",
			Help: "Total number of step retries",
		},
		[]string{"step_type", "error_type"},
	)

	// Agent metrics
	AgentExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_agent_executions_total",
			Help: "Total number of step executions per agent",
		},
		[]string{"agent_id", "agent_type"},
	)

	AgentExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentmesh_agent_execution_duration_ms",
			Help:    "Agent step handling duration in milliseconds",
			Buckets: []float64{1, 10, 100, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"agent_id"},
	)

	AgentQualityScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentmesh_agent_quality_score",
			Help: "EMA quality score per agent",
		},
		[]string{"agent_id"},
	)

	AgentErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_agent_errors_total",
			Help: "Total number of agent step failures",
		},
		[]string{"agent_id", "error_type"},
	)

	// Decision engine metrics
	DecisionsEvaluated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_decisions_evaluated_total",
			Help: "Total number of decision tree traversals",
		},
		[]string{"tree_id", "outcome"},
	)

	DecisionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentmesh_decision_latency_seconds",
			Help:    "Decision tree traversal latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	UnsafeConditions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmesh_unsafe_conditions_total",
			Help: "Conditions rejected by the restricted expression grammar",
		},
	)

	// Communication bus metrics
	MessagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_bus_messages_enqueued_total",
			Help: "Total number of messages enqueued on the bus",
		},
		[]string{"message_type", "priority"},
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_bus_messages_dropped_total",
			Help: "Total number of messages dropped (filtered or overflow)",
		},
		[]string{"reason"},
	)

	MessagesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmesh_bus_messages_delivered_total",
			Help: "Total number of messages delivered to recipients",
		},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentmesh_bus_queue_depth",
			Help: "Current per-agent queue depth",
		},
		[]string{"agent_id"},
	)

	// Handoff metrics
	HandoffsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_handoffs_emitted_total",
			Help: "Total number of handoff tickets emitted",
		},
		[]string{"reason"},
	)

	// Template metrics
	TemplatesLoaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_templates_loaded_total",
			Help: "Total number of workflow templates loaded",
		},
		[]string{"workflow_id"},
	)

	TemplateValidationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_template_validation_errors_total",
			Help: "Total number of template load/validation failures",
		},
		[]string{"code"},
	)
)

// RecordExecution records metrics for a terminal workflow execution.
func RecordExecution(workflowID, status string, durationSeconds, costUSD float64) {
	ExecutionsCompleted.WithLabelValues(workflowID, status).Inc()
	ExecutionDuration.WithLabelValues(workflowID).Observe(durationSeconds)
	if costUSD > 0 {
		ExecutionCostUSD.Observe(costUSD)
	}
}

// RecordStep records metrics for one step attempt.
func RecordStep(stepType, status string, durationMs float64) {
	StepsExecuted.WithLabelValues(stepType, status).Inc()
	StepDuration.WithLabelValues(stepType).Observe(durationMs)
}

// RecordAgentStep records metrics for an agent handling a step.
func RecordAgentStep(agentID, agentType string, durationMs, quality float64) {
	AgentExecutions.WithLabelValues(agentID, agentType).Inc()
	AgentExecutionDuration.WithLabelValues(agentID).Observe(durationMs)
	AgentQualityScore.WithLabelValues(agentID).Set(quality)
}
