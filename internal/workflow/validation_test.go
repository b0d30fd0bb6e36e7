package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefinition() *Definition {
	return &Definition{
		ID: "triage",
		Steps: []Step{
			{ID: "classify", Type: StepAnalysis, AgentID: "classifier"},
			{ID: "draft", Type: StepGeneration, AgentID: "responder", Dependencies: []string{"classify"}},
		},
		Agents: []AgentDefinition{
			{ID: "classifier", Type: AgentAnalysis},
			{ID: "responder", Type: AgentContent},
		},
	}
}

func TestValidateAcceptsWellFormedDefinition(t *testing.T) {
	require.NoError(t, Validate(validDefinition()))
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(def *Definition)
		ref    string
	}{
		{
			name:   "no steps",
			mutate: func(def *Definition) { def.Steps = nil },
		},
		{
			name:   "no agents",
			mutate: func(def *Definition) { def.Agents = nil },
		},
		{
			name:   "empty step id",
			mutate: func(def *Definition) { def.Steps[0].ID = "" },
		},
		{
			name:   "duplicate step id",
			mutate: func(def *Definition) { def.Steps[1].ID = "classify" },
		},
		{
			name:   "unknown agent",
			mutate: func(def *Definition) { def.Steps[0].AgentID = "ghost" },
		},
		{
			name:   "unknown dependency",
			mutate: func(def *Definition) { def.Steps[1].Dependencies = []string{"missing"} },
		},
		{
			name:   "self dependency",
			mutate: func(def *Definition) { def.Steps[0].Dependencies = []string{"classify"} },
			ref:    "classify",
		},
		{
			name: "two step cycle",
			mutate: func(def *Definition) {
				def.Steps[0].Dependencies = []string{"draft"}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(def)
			err := Validate(def)
			require.Error(t, err)
			we := AsError(err)
			assert.Equal(t, CodeValidationError, we.Code)
			if tt.ref != "" {
				assert.Equal(t, tt.ref, we.Ref)
			}
		})
	}
}

func TestValidateNilDefinition(t *testing.T) {
	err := Validate(nil)
	require.Error(t, err)
	assert.Equal(t, CodeValidationError, AsError(err).Code)
}

func TestDetectCyclesTopologicalOrder(t *testing.T) {
	steps := []Step{
		{ID: "seed"},
		{ID: "left", Dependencies: []string{"seed"}},
		{ID: "right", Dependencies: []string{"seed"}},
		{ID: "merge", Dependencies: []string{"left", "right"}},
	}

	check := DetectCycles(steps)
	assert.False(t, check.HasCycle)
	require.Len(t, check.SortedOrder, 4)
	assert.Equal(t, "seed", check.SortedOrder[0])
	assert.Equal(t, "merge", check.SortedOrder[3])
}

func TestDetectCyclesReportsPath(t *testing.T) {
	steps := []Step{
		{ID: "a", Dependencies: []string{"c"}},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"b"}},
		{ID: "free"},
	}

	check := DetectCycles(steps)
	require.True(t, check.HasCycle)
	assert.GreaterOrEqual(t, len(check.CyclePath), 3)
	assert.NotContains(t, check.CyclePath, "free")
}

func TestDetectCyclesEmpty(t *testing.T) {
	check := DetectCycles(nil)
	assert.False(t, check.HasCycle)
	assert.Empty(t, check.SortedOrder)
}
