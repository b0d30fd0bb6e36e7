package agents

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/agentmesh/orchestrator/internal/workflow"
)

// StepHandler turns a step and its resolved inputs into outputs and a quality
// score in [0, 1]. The real AI invocation is injected through this seam;
// the built-in handlers below are deterministic stand-ins.
type StepHandler func(ctx context.Context, inst *Instance, step *workflow.Step, inputs map[string]any) (map[string]any, float64, error)

// minWorkTime keeps timing measurements observable.
const minWorkTime = time.Millisecond

func defaultHandlers() map[workflow.AgentType]StepHandler {
	return map[workflow.AgentType]StepHandler{
		workflow.AgentAnalysis:       handleAnalysis,
		workflow.AgentContent:        handleContent,
		workflow.AgentRecommendation: handleRecommendation,
		workflow.AgentValidation:     handleValidation,
		workflow.AgentCoordination:   handleCoordination,
		workflow.AgentSpecialist:     handleSpecialist,
	}
}

func pause(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// baseOutputs seeds one entry per declared output binding so downstream
// bindings always find a matching field.
func baseOutputs(step *workflow.Step, value any) map[string]any {
	outputs := make(map[string]any)
	for _, out := range step.Outputs {
		if out.Name != "" {
			outputs[out.Name] = value
		}
	}
	return outputs
}

func inputKeys(inputs map[string]any) []string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func handleAnalysis(ctx context.Context, _ *Instance, step *workflow.Step, inputs map[string]any) (map[string]any, float64, error) {
	if err := pause(ctx, minWorkTime); err != nil {
		return nil, 0, err
	}
	outputs := baseOutputs(step, "analyzed")
	outputs["analysis"] = fmt.Sprintf("analyzed %d input(s) for step %s", len(inputs), step.ID)
	outputs["analyzedKeys"] = inputKeys(inputs)
	return outputs, 0.85, nil
}

func handleContent(ctx context.Context, _ *Instance, step *workflow.Step, inputs map[string]any) (map[string]any, float64, error) {
	if err := pause(ctx, minWorkTime); err != nil {
		return nil, 0, err
	}
	outputs := baseOutputs(step, "generated")
	outputs["content"] = fmt.Sprintf("generated content for step %s from %d input(s)", step.ID, len(inputs))
	return outputs, 0.8, nil
}

func handleRecommendation(ctx context.Context, _ *Instance, step *workflow.Step, inputs map[string]any) (map[string]any, float64, error) {
	if err := pause(ctx, minWorkTime); err != nil {
		return nil, 0, err
	}
	outputs := baseOutputs(step, "recommended")
	outputs["recommendations"] = inputKeys(inputs)
	return outputs, 0.82, nil
}

func handleValidation(ctx context.Context, _ *Instance, step *workflow.Step, inputs map[string]any) (map[string]any, float64, error) {
	if err := pause(ctx, minWorkTime); err != nil {
		return nil, 0, err
	}
	outputs := baseOutputs(step, true)
	outputs["valid"] = true
	outputs["checkedKeys"] = inputKeys(inputs)
	return outputs, 0.9, nil
}

func handleCoordination(ctx context.Context, _ *Instance, step *workflow.Step, inputs map[string]any) (map[string]any, float64, error) {
	if err := pause(ctx, minWorkTime); err != nil {
		return nil, 0, err
	}
	outputs := baseOutputs(step, "coordinated")
	outputs["coordinated"] = true
	outputs["participants"] = len(inputs)
	return outputs, 0.75, nil
}

func handleSpecialist(ctx context.Context, _ *Instance, step *workflow.Step, inputs map[string]any) (map[string]any, float64, error) {
	if err := pause(ctx, minWorkTime); err != nil {
		return nil, 0, err
	}
	outputs := baseOutputs(step, "processed")
	outputs["result"] = fmt.Sprintf("specialist result for step %s", step.ID)
	return outputs, 0.85, nil
}
