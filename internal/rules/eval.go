package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"
)

type function struct {
	minArgs int
	maxArgs int // -1 for variadic
	fn      func(args []any) (any, error)
}

var functions = map[string]function{
	"empty":    {1, 1, func(args []any) (any, error) { return isEmpty(args[0]), nil }},
	"length":   {1, 1, fnLength},
	"matches":  {2, 2, fnMatches},
	"contains": {2, 2, fnContains},
	"in":       {2, -1, fnIn},
}

func evalExpression(e *expression, env Env) (any, error) {
	if len(e.Or) == 1 {
		return evalAnd(e.Or[0], env)
	}
	for _, a := range e.Or {
		v, err := evalAnd(a, env)
		if err != nil {
			return nil, err
		}
		if truthy(v) {
			return true, nil
		}
	}
	return false, nil
}

func evalAnd(a *andExpr, env Env) (any, error) {
	if len(a.And) == 1 {
		return evalUnary(a.And[0], env)
	}
	for _, u := range a.And {
		v, err := evalUnary(u, env)
		if err != nil {
			return nil, err
		}
		if !truthy(v) {
			return false, nil
		}
	}
	return true, nil
}

func evalUnary(u *unary, env Env) (any, error) {
	if u.Not != nil {
		v, err := evalUnary(u.Not, env)
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	return evalComparison(u.Compare, env)
}

func evalComparison(c *comparison, env Env) (any, error) {
	left, err := evalOperand(c.Left, env)
	if err != nil {
		return nil, err
	}
	if c.Right == nil {
		return left, nil
	}
	right, err := evalOperand(c.Right, env)
	if err != nil {
		return nil, err
	}
	switch c.Op {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	}
	cmp, err := compare(left, right)
	if err != nil {
		return nil, err
	}
	switch c.Op {
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	}
	return nil, fmt.Errorf("unknown operator %q", c.Op)
}

func evalOperand(o *operand, env Env) (any, error) {
	switch {
	case o.Literal != nil:
		return o.Literal.value(), nil
	case o.Call != nil:
		fn := functions[o.Call.Name]
		args := make([]any, 0, len(o.Call.Args))
		for _, a := range o.Call.Args {
			v, err := evalExpression(a, env)
			if err != nil {
				return nil, err
			}
			args = append(args, v)
		}
		return fn.fn(args)
	case o.Path != nil:
		return resolvePath(o.Path, env)
	case o.Group != nil:
		return evalExpression(o.Group, env)
	}
	return nil, fmt.Errorf("empty operand")
}

func (l *literal) value() any {
	switch {
	case l.String != nil:
		return *l.String
	case l.Number != nil:
		return *l.Number
	case l.True:
		return true
	case l.False:
		return false
	}
	return nil
}

func resolvePath(p *path, env Env) (any, error) {
	switch p.Head {
	case "value":
		return normalize(env.Value), nil
	case "context":
		if env.Context == nil {
			return nil, nil
		}
		name := p.Tail[0]
		if v, ok := env.Context.ContextValue(name); ok {
			return normalize(v), nil
		}
		if name == "id" {
			return env.Context.ContextID(), nil
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unknown reference %q", p.Head)
}

// normalize folds Go numeric types into float64.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	}
	return v
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func equal(a, b any) bool {
	a, b = normalize(a), normalize(b)
	if af, ok := a.(float64); ok {
		if bs, ok := b.(string); ok {
			f, err := strconv.ParseFloat(bs, 64)
			return err == nil && f == af
		}
	}
	if as, ok := a.(string); ok {
		if bf, ok := b.(float64); ok {
			f, err := strconv.ParseFloat(as, 64)
			return err == nil && f == bf
		}
	}
	return a == b
}

func compare(a, b any) (int, error) {
	a, b = normalize(a), normalize(b)
	af, aNum := toNumber(a)
	bf, bNum := toNumber(b)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		}
		return 0, nil
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return strings.Compare(as, bs), nil
	}
	return 0, fmt.Errorf("cannot order %T and %T", a, b)
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func fnLength(args []any) (any, error) {
	switch t := args[0].(type) {
	case nil:
		return float64(0), nil
	case []any:
		return float64(len(t)), nil
	case map[string]any:
		return float64(len(t)), nil
	}
	return float64(utf8.RuneCountInString(toString(args[0]))), nil
}

var patterns sync.Map

func fnMatches(args []any) (any, error) {
	src := toString(args[1])
	re, ok := patterns.Load(src)
	if !ok {
		compiled, err := regexp.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("matches: %w", err)
		}
		re, _ = patterns.LoadOrStore(src, compiled)
	}
	return re.(*regexp.Regexp).MatchString(toString(args[0])), nil
}

func fnContains(args []any) (any, error) {
	return strings.Contains(toString(args[0]), toString(args[1])), nil
}

func fnIn(args []any) (any, error) {
	for _, candidate := range args[1:] {
		if equal(args[0], candidate) {
			return true, nil
		}
	}
	return false, nil
}
