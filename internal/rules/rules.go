// Package rules implements the expression language of attribute validation
// rules. An expression is evaluated against the current attribute value and
// the attributes of its context model:
//
//	value == 'draft' && !empty(context.title)
//	length(value) > 40 || matches(value, '^[a-z]+$')
//	in(context.type, 'case', 'task')
package rules

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyExpression is returned by Compile for blank expressions.
var ErrEmptyExpression = errors.New("empty rule expression")

// Scope exposes the context model of an evaluation.
type Scope interface {
	// ContextID returns the id of the context model.
	ContextID() string
	// ContextValue returns the scalar value of the named attribute.
	ContextValue(attributeID string) (any, bool)
}

// Env is the evaluation environment of a rule.
type Env struct {
	Value   any
	Context Scope
}

// Program is a compiled rule expression. A Program is immutable and may be
// shared between sessions.
type Program struct {
	source string
	expr   *expression
}

// Compile parses src and checks function names and arities.
func Compile(src string) (*Program, error) {
	if strings.TrimSpace(src) == "" {
		return nil, ErrEmptyExpression
	}
	expr, err := ruleParser.ParseString("", src)
	if err != nil {
		return nil, fmt.Errorf("parse rule %q: %w", src, err)
	}
	if err := checkExpression(expr); err != nil {
		return nil, fmt.Errorf("rule %q: %w", src, err)
	}
	return &Program{source: src, expr: expr}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(src string) *Program {
	p, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the source of the program.
func (p *Program) String() string {
	return p.source
}

// Match evaluates the program and reports whether the result is truthy.
func (p *Program) Match(env Env) (bool, error) {
	v, err := evalExpression(p.expr, env)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func checkExpression(e *expression) error {
	for _, a := range e.Or {
		for _, u := range a.And {
			if err := checkUnary(u); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkUnary(u *unary) error {
	if u.Not != nil {
		return checkUnary(u.Not)
	}
	if err := checkOperand(u.Compare.Left); err != nil {
		return err
	}
	if u.Compare.Right != nil {
		return checkOperand(u.Compare.Right)
	}
	return nil
}

func checkOperand(o *operand) error {
	switch {
	case o.Call != nil:
		fn, ok := functions[o.Call.Name]
		if !ok {
			return fmt.Errorf("unknown function %q", o.Call.Name)
		}
		n := len(o.Call.Args)
		if n < fn.minArgs || (fn.maxArgs >= 0 && n > fn.maxArgs) {
			return fmt.Errorf("function %q called with %d arguments", o.Call.Name, n)
		}
		for _, a := range o.Call.Args {
			if err := checkExpression(a); err != nil {
				return err
			}
		}
	case o.Path != nil:
		switch o.Path.Head {
		case "value":
			if len(o.Path.Tail) > 0 {
				return fmt.Errorf("value has no members")
			}
		case "context":
			if len(o.Path.Tail) != 1 {
				return fmt.Errorf("context reference must name one attribute")
			}
		default:
			return fmt.Errorf("unknown reference %q", o.Path.Head)
		}
	case o.Group != nil:
		return checkExpression(o.Group)
	}
	return nil
}
