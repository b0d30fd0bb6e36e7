package agents

import "github.com/agentmesh/orchestrator/internal/workflow"

// capabilityStepTypes maps a declared capability to the step types it serves.
var capabilityStepTypes = map[workflow.CapabilityType][]workflow.StepType{
	workflow.CapTextAnalysis:      {workflow.StepAnalysis, workflow.StepValidation},
	workflow.CapContentGeneration: {workflow.StepGeneration},
	workflow.CapDataExtraction:    {workflow.StepAnalysis, workflow.StepTransformation},
	workflow.CapQualityAssessment: {workflow.StepValidation},
	workflow.CapDecisionMaking:    {workflow.StepDecision},
	workflow.CapCoordination:      {workflow.StepAggregation, workflow.StepNotification},
	workflow.CapValidation:        {workflow.StepValidation},
}

// typeFallback is consulted when no declared capability serves the step.
var typeFallback = map[workflow.AgentType][]workflow.StepType{
	workflow.AgentAnalysis:       {workflow.StepAnalysis, workflow.StepValidation},
	workflow.AgentContent:        {workflow.StepGeneration},
	workflow.AgentRecommendation: {workflow.StepDecision},
	workflow.AgentValidation:     {workflow.StepValidation},
	workflow.AgentCoordination:   {workflow.StepAggregation, workflow.StepNotification, workflow.StepHumanReview},
	workflow.AgentSpecialist:     {workflow.StepTransformation, workflow.StepAnalysis},
}

// concurrencyCaps fixes per-type execution slots.
var concurrencyCaps = map[workflow.AgentType]int{
	workflow.AgentAnalysis:       3,
	workflow.AgentContent:        2,
	workflow.AgentRecommendation: 4,
	workflow.AgentValidation:     5,
	workflow.AgentCoordination:   1,
	workflow.AgentSpecialist:     2,
}

// MaxConcurrentExecutions returns the slot cap for an agent type.
func MaxConcurrentExecutions(t workflow.AgentType) int {
	if cap, ok := concurrencyCaps[t]; ok {
		return cap
	}
	return 1
}

// CanHandle reports whether an agent serves a step type, first by declared
// capability, then by agent type.
func CanHandle(def *workflow.AgentDefinition, stepType workflow.StepType) bool {
	for _, capability := range def.Capabilities {
		for _, served := range capabilityStepTypes[capability.Type] {
			if served == stepType {
				return true
			}
		}
	}
	for _, served := range typeFallback[def.Type] {
		if served == stepType {
			return true
		}
	}
	return false
}
