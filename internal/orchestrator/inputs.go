package orchestrator

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/agentmesh/orchestrator/internal/agents"
	"github.com/agentmesh/orchestrator/internal/workflow"
)

// resolveInputs materializes a step's input bindings from the execution
// context. A required binding that resolves to nothing fails the step with a
// validation error, which the retry policy never retries.
func (e *Engine) resolveInputs(st *execState, step *workflow.Step) (map[string]any, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	inputs := make(map[string]any, len(step.Inputs))
	for _, binding := range step.Inputs {
		value, found := e.resolveRef(st, step, binding)
		if found {
			var err error
			value, err = applyTransformations(value, binding.Transformations)
			if err != nil {
				return nil, workflow.NewValidationError(
					fmt.Sprintf("input %q: %v", binding.Name, err), step.ID)
			}
		}
		if !found || value == nil {
			if binding.Required {
				return nil, workflow.NewValidationError(
					fmt.Sprintf("required input %q could not be resolved", binding.Name), step.ID)
			}
			continue
		}
		inputs[binding.Name] = value
	}
	return inputs, nil
}

// resolveRef follows one value reference. Caller holds st.mu.
func (e *Engine) resolveRef(st *execState, step *workflow.Step, binding workflow.IOBinding) (any, bool) {
	src := binding.Source
	switch src.Type {
	case workflow.SourceWorkflowInput:
		value, ok := st.exec.Inputs[src.Reference]
		if !ok {
			return nil, false
		}
		return agents.DotPath(value, src.Path)

	case workflow.SourceStepOutput:
		se := st.exec.StepExecutionFor(src.Reference)
		if se == nil || se.Outputs == nil {
			return nil, false
		}
		if src.Path != "" {
			return agents.DotPath(se.Outputs, src.Path)
		}
		value, ok := se.Outputs[binding.Name]
		return value, ok

	case workflow.SourceAgentMemory:
		agentID := src.AgentID
		if agentID == "" {
			agentID = step.AgentID
		}
		return e.agents.GetMemoryValue(agentID, src.Reference, src.Path, st.exec.ID)

	case workflow.SourceConstant:
		if src.Value != nil {
			return src.Value, true
		}
		if src.Reference != "" {
			return src.Reference, true
		}
		return nil, false

	default:
		return nil, false
	}
}

// routeOutputs delivers a completed step's outputs per its output bindings.
// A binding without an explicit destination publishes to the workflow
// outputs under its own name. Caller holds st.mu.
func (e *Engine) routeOutputs(st *execState, step *workflow.Step, outputs map[string]any, ae *workflow.AgentExecution) {
	for _, binding := range step.Outputs {
		value, ok := outputs[binding.Name]
		if !ok {
			continue
		}
		dst := binding.Destination
		switch dst.Type {
		case workflow.SourceAgentMemory:
			agentID := dst.AgentID
			if agentID == "" {
				agentID = step.AgentID
			}
			key := dst.Reference
			if key == "" {
				key = binding.Name
			}
			if err := e.agents.UpdateMemory(agentID, key, value, st.exec.ID); err != nil {
				continue
			}
			if ae.MemoryUpdates == nil {
				ae.MemoryUpdates = make(map[string]any)
			}
			ae.MemoryUpdates[key] = value

		case workflow.DestWorkflowOutput, "":
			name := dst.Reference
			if name == "" {
				name = binding.Name
			}
			st.exec.Outputs[name] = value
		}
	}
}

// applyTransformations runs the declared transformations in order.
func applyTransformations(value any, transformations []workflow.Transformation) (any, error) {
	var err error
	for _, t := range transformations {
		switch t.Type {
		case "map":
			value = applyMapping(value, t.Params)
		case "filter":
			value = applyFilter(value, t.Params)
		case "format":
			value, err = applyFormat(value, t)
			if err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown transformation %q", t.Type)
		}
	}
	return value, nil
}

// applyMapping substitutes values through params["mapping"]; elements of a
// slice are mapped individually. Values without a mapping pass through.
func applyMapping(value any, params map[string]any) any {
	mapping, _ := params["mapping"].(map[string]any)
	if len(mapping) == 0 {
		return value
	}
	mapOne := func(v any) any {
		if mapped, ok := mapping[fmt.Sprint(v)]; ok {
			return mapped
		}
		return v
	}
	if items, ok := asSlice(value); ok {
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = mapOne(item)
		}
		return out
	}
	return mapOne(value)
}

// applyFilter keeps slice elements matching params: "equals" keeps matching
// elements, "not_equals" drops them. Non-slice values pass through.
func applyFilter(value any, params map[string]any) any {
	items, ok := asSlice(value)
	if !ok {
		return value
	}
	keep, hasKeep := params["equals"]
	drop, hasDrop := params["not_equals"]

	out := make([]any, 0, len(items))
	for _, item := range items {
		if hasKeep && !reflect.DeepEqual(item, keep) {
			continue
		}
		if hasDrop && reflect.DeepEqual(item, drop) {
			continue
		}
		out = append(out, item)
	}
	return out
}

// applyFormat renders the value as a string: uppercase, lowercase, or json.
func applyFormat(value any, t workflow.Transformation) (any, error) {
	format := t.Format
	if format == "" {
		format, _ = t.Params["format"].(string)
	}
	switch format {
	case "uppercase":
		return strings.ToUpper(fmt.Sprint(value)), nil
	case "lowercase":
		return strings.ToLower(fmt.Sprint(value)), nil
	case "json":
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("format json: %w", err)
		}
		return string(raw), nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

func asSlice(value any) ([]any, bool) {
	items, ok := value.([]any)
	return items, ok
}
