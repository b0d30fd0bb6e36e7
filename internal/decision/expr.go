package decision

import (
	"fmt"
	"strconv"
	"strings"
)

// The condition language is a restricted boolean grammar over resolved
// variable names:
//
//	expr    := or
//	or      := and ( "or" and )*
//	and     := not ( "and" not )*
//	not     := "not" not | cmp
//	cmp     := primary ( ("==" | "!=" | "<" | "<=" | ">" | ">=") primary )?
//	primary := "(" expr ")" | number | string | "true" | "false" | ident
//
// Arithmetic operators lex but the restricted parser rejects them; they are
// only meaningful to the opt-in sandbox. No host-language expressions are
// ever constructed from condition text.

type tokenKind int

const (
	tokenIdent tokenKind = iota
	tokenNumber
	tokenString
	tokenBool
	tokenOp
	tokenLParen
	tokenRParen
	tokenAnd
	tokenOr
	tokenNot
	tokenArith
	tokenEOF
)

type token struct {
	kind tokenKind
	text string
}

func lex(input string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			tokens = append(tokens, token{tokenLParen, "("})
			i++
		case c == ')':
			tokens = append(tokens, token{tokenRParen, ")"})
			i++
		case c == '=' || c == '!' || c == '<' || c == '>':
			op := string(c)
			if i+1 < len(input) && input[i+1] == '=' {
				op += "="
				i++
			}
			i++
			if op == "=" || op == "!" {
				return nil, fmt.Errorf("unexpected operator %q", op)
			}
			tokens = append(tokens, token{tokenOp, op})
		case c == '+' || c == '*' || c == '/' || c == '%':
			tokens = append(tokens, token{tokenArith, string(c)})
			i++
		case c == '-' && !(i+1 < len(input) && input[i+1] >= '0' && input[i+1] <= '9'):
			tokens = append(tokens, token{tokenArith, "-"})
			i++
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(input) && input[j] != quote {
				j++
			}
			if j >= len(input) {
				return nil, fmt.Errorf("unterminated string literal")
			}
			tokens = append(tokens, token{tokenString, input[i+1 : j]})
			i = j + 1
		case c >= '0' && c <= '9' || c == '-' && i+1 < len(input) && input[i+1] >= '0' && input[i+1] <= '9':
			j := i + 1
			for j < len(input) && (input[j] >= '0' && input[j] <= '9' || input[j] == '.') {
				j++
			}
			tokens = append(tokens, token{tokenNumber, input[i:j]})
			i = j
		case isIdentStart(c):
			j := i + 1
			for j < len(input) && isIdentPart(input[j]) {
				j++
			}
			word := input[i:j]
			i = j
			switch strings.ToLower(word) {
			case "and":
				tokens = append(tokens, token{tokenAnd, word})
			case "or":
				tokens = append(tokens, token{tokenOr, word})
			case "not":
				tokens = append(tokens, token{tokenNot, word})
			case "true", "false":
				tokens = append(tokens, token{tokenBool, strings.ToLower(word)})
			default:
				tokens = append(tokens, token{tokenIdent, word})
			}
		default:
			return nil, fmt.Errorf("illegal character %q in condition", string(c))
		}
	}
	tokens = append(tokens, token{kind: tokenEOF})
	return tokens, nil
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9' || c == '.'
}

type parser struct {
	tokens []token
	pos    int
	vars   map[string]any
}

// EvalCondition evaluates a restricted boolean expression against resolved
// variables. Any syntax outside the grammar returns an error; the caller
// treats that as false.
func EvalCondition(expr string, vars map[string]any) (bool, error) {
	tokens, err := lex(expr)
	if err != nil {
		return false, err
	}
	p := &parser{tokens: tokens, vars: vars}
	value, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.peek().kind != tokenEOF {
		return false, fmt.Errorf("unexpected token %q", p.peek().text)
	}
	return truthy(value), nil
}

func (p *parser) peek() token { return p.tokens[p.pos] }
func (p *parser) next() token { t := p.tokens[p.pos]; p.pos++; return t }

func (p *parser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *parser) parseAnd() (any, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenAnd {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *parser) parseNot() (any, error) {
	if p.peek().kind == tokenNot {
		p.next()
		value, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return !truthy(value), nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (any, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokenOp {
		return left, nil
	}
	op := p.next().text
	right, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	return compare(left, op, right)
}

func (p *parser) parsePrimary() (any, error) {
	t := p.next()
	switch t.kind {
	case tokenLParen:
		value, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokenRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return value, nil
	case tokenNumber:
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.text)
		}
		return n, nil
	case tokenString:
		return t.text, nil
	case tokenBool:
		return t.text == "true", nil
	case tokenIdent:
		return p.vars[t.text], nil
	default:
		return nil, fmt.Errorf("unexpected token %q", t.text)
	}
}

func compare(left any, op string, right any) (any, error) {
	ln, lIsNum := toNumber(left)
	rn, rIsNum := toNumber(right)
	if lIsNum && rIsNum {
		switch op {
		case "==":
			return ln == rn, nil
		case "!=":
			return ln != rn, nil
		case "<":
			return ln < rn, nil
		case "<=":
			return ln <= rn, nil
		case ">":
			return ln > rn, nil
		case ">=":
			return ln >= rn, nil
		}
	}
	ls, lIsStr := left.(string)
	rs, rIsStr := right.(string)
	if lIsStr && rIsStr {
		switch op {
		case "==":
			return ls == rs, nil
		case "!=":
			return ls != rs, nil
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}
	switch op {
	case "==":
		return left == right, nil
	case "!=":
		return left != right, nil
	}
	return nil, fmt.Errorf("cannot apply %q to %T and %T", op, left, right)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	default:
		if n, ok := toNumber(v); ok {
			return n != 0
		}
		return true
	}
}
