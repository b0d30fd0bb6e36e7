package decision

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// Sandbox evaluates opt-in custom expressions through the OPA rego runtime.
// Expressions are translated into a rego module whose only document is the
// resolved variables map bound as input, so a condition can never reach
// engine or host state.
//
// The sandboxed grammar is comparisons over variables joined by and/or, with
// an optional leading not per comparison. Parenthesized boolean groups are
// rejected.
type Sandbox struct {
	logger *zap.Logger
}

// NewSandbox constructs the evaluator.
func NewSandbox(logger *zap.Logger) *Sandbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sandbox{logger: logger}
}

// Eval compiles and runs the expression against the variables map.
func (s *Sandbox) Eval(ctx context.Context, expr string, vars map[string]any) (bool, error) {
	module, err := translateToRego(expr)
	if err != nil {
		return false, err
	}
	if vars == nil {
		vars = map[string]any{}
	}

	r := rego.New(
		rego.Query("data.sandbox.result"),
		rego.Module("sandbox.rego", module),
		rego.Input(vars),
	)
	rs, err := r.Eval(ctx)
	if err != nil {
		return false, fmt.Errorf("sandbox eval: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	result, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("sandbox returned non-boolean %T", rs[0].Expressions[0].Value)
	}
	return result, nil
}

// translateToRego rewrites the expression into a rego module: each top-level
// or-branch becomes a rule body, each and-conjunct a line, identifiers are
// rebound under input.
func translateToRego(expr string) (string, error) {
	tokens, err := lex(expr)
	if err != nil {
		return "", err
	}
	tokens = tokens[:len(tokens)-1] // drop EOF
	if len(tokens) == 0 {
		return "", fmt.Errorf("empty expression")
	}

	var branches [][]token
	current := []token{}
	for _, t := range tokens {
		switch t.kind {
		case tokenLParen, tokenRParen:
			return "", fmt.Errorf("parenthesized groups are not supported in sandboxed expressions")
		case tokenOr:
			if len(current) == 0 {
				return "", fmt.Errorf("dangling or")
			}
			branches = append(branches, current)
			current = []token{}
		default:
			current = append(current, t)
		}
	}
	if len(current) == 0 {
		return "", fmt.Errorf("dangling or")
	}
	branches = append(branches, current)

	var b strings.Builder
	b.WriteString("package sandbox\n\nimport rego.v1\n\ndefault result := false\n")
	for _, branch := range branches {
		body, err := renderBranch(branch)
		if err != nil {
			return "", err
		}
		b.WriteString("\nresult if {\n")
		b.WriteString(body)
		b.WriteString("}\n")
	}
	return b.String(), nil
}

func renderBranch(tokens []token) (string, error) {
	var b strings.Builder
	conjunct := []token{}
	flush := func() error {
		if len(conjunct) == 0 {
			return fmt.Errorf("dangling and")
		}
		line, err := renderConjunct(conjunct)
		if err != nil {
			return err
		}
		b.WriteString("\t" + line + "\n")
		conjunct = conjunct[:0]
		return nil
	}
	for _, t := range tokens {
		if t.kind == tokenAnd {
			if err := flush(); err != nil {
				return "", err
			}
			continue
		}
		conjunct = append(conjunct, t)
	}
	if err := flush(); err != nil {
		return "", err
	}
	return b.String(), nil
}

func renderConjunct(tokens []token) (string, error) {
	var parts []string
	for i, t := range tokens {
		switch t.kind {
		case tokenNot:
			if i != 0 {
				return "", fmt.Errorf("not is only allowed at the start of a comparison")
			}
			parts = append(parts, "not")
		case tokenIdent:
			name := t.text
			if !strings.HasPrefix(name, "input.") {
				name = "input." + name
			}
			parts = append(parts, name)
		case tokenNumber, tokenBool, tokenArith:
			parts = append(parts, t.text)
		case tokenString:
			parts = append(parts, strconv.Quote(t.text))
		case tokenOp:
			parts = append(parts, t.text)
		default:
			return "", fmt.Errorf("unexpected token %q", t.text)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("empty comparison")
	}
	return strings.Join(parts, " "), nil
}
