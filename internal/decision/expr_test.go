package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalConditionComparisons(t *testing.T) {
	vars := map[string]any{
		"qualityScore": 0.85,
		"attempts":     3,
		"status":       "completed",
		"flag":         true,
	}

	cases := []struct {
		expr string
		want bool
	}{
		{"qualityScore >= 0.8", true},
		{"qualityScore > 0.9", false},
		{"qualityScore != 0.85", false},
		{"attempts <= 3", true},
		{"attempts < 3", false},
		{"status == 'completed'", true},
		{"status != \"failed\"", true},
		{"flag == true", true},
		{"flag != false", true},
		{"missing == 1", false},
	}
	for _, tc := range cases {
		got, err := EvalCondition(tc.expr, vars)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestEvalConditionBooleanOperators(t *testing.T) {
	vars := map[string]any{"a": 1.0, "b": 0.0, "s": "x"}

	cases := []struct {
		expr string
		want bool
	}{
		{"a == 1 and b == 0", true},
		{"a == 1 and b == 1", false},
		{"a == 2 or b == 0", true},
		{"not a == 2", true},
		{"not (a == 1 and b == 0)", false},
		{"(a == 2 or b == 0) and s == 'x'", true},
		// and binds tighter than or
		{"a == 2 or a == 1 and b == 0", true},
	}
	for _, tc := range cases {
		got, err := EvalCondition(tc.expr, vars)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestEvalConditionRejectsForeignSyntax(t *testing.T) {
	vars := map[string]any{"x": 1.0}

	for _, expr := range []string{
		"x >= 1; doEvil()",
		"x + 1 > 0",
		"x == 1 &&",
		"__import__('os')",
		"x = 1",
		"'unterminated",
	} {
		_, err := EvalCondition(expr, vars)
		assert.Error(t, err, expr)
	}
}

func TestEvalConditionTruthiness(t *testing.T) {
	got, err := EvalCondition("flag", map[string]any{"flag": true})
	require.NoError(t, err)
	assert.True(t, got)

	got, err = EvalCondition("name", map[string]any{"name": ""})
	require.NoError(t, err)
	assert.False(t, got)

	got, err = EvalCondition("count", map[string]any{"count": 0})
	require.NoError(t, err)
	assert.False(t, got)
}

func TestTranslateToRego(t *testing.T) {
	module, err := translateToRego("qualityScore >= 0.8 and status == 'ok' or not retry == true")
	require.NoError(t, err)
	assert.Contains(t, module, "package sandbox")
	assert.Contains(t, module, "default result := false")
	assert.Contains(t, module, "input.qualityScore >= 0.8")
	assert.Contains(t, module, "input.status == \"ok\"")
	assert.Contains(t, module, "not input.retry == true")

	_, err = translateToRego("(a or b) and c")
	assert.Error(t, err, "parenthesized boolean groups are rejected")
}
