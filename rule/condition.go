package rule

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dop251/goja"
	"github.com/mohitkumar/approvy/model"
	"github.com/oliveagle/jsonpath"
)

type compiledCondition struct {
	model.Condition
	path    *jsonpath.Compiled
	pattern *regexp.Regexp
	program *goja.Program
	list    []any
	lo, hi  float64
	num     float64
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if strings.HasPrefix(p, "$") {
		return p
	}
	return "$." + p
}

func compileCondition(c model.Condition, inputs map[string]*jsonpath.Compiled) (*compiledCondition, error) {
	cc := &compiledCondition{Condition: c}
	if c.Input != "" {
		path, ok := inputs[c.Input]
		if !ok {
			return nil, fmt.Errorf("condition references undeclared input %q", c.Input)
		}
		cc.path = path
	} else if c.Operator != model.OP_EXPR {
		return nil, fmt.Errorf("operator %s needs an input", c.Operator)
	}

	switch c.Operator {
	case model.OP_EQ, model.OP_NEQ:
		if c.Value == nil {
			return nil, fmt.Errorf("operator %s on %q needs a value", c.Operator, c.Input)
		}
	case model.OP_GT, model.OP_GTE, model.OP_LT, model.OP_LTE:
		n, ok := toFloat(c.Value)
		if !ok {
			return nil, fmt.Errorf("threshold %v of %q is not numeric", c.Value, c.Input)
		}
		cc.num = n
	case model.OP_IN, model.OP_NOT_IN:
		l, ok := toList(c.Value)
		if !ok {
			return nil, fmt.Errorf("operator %s on %q needs a list value", c.Operator, c.Input)
		}
		cc.list = l
	case model.OP_BETWEEN:
		l, ok := toList(c.Value)
		if !ok || len(l) != 2 {
			return nil, fmt.Errorf("BETWEEN on %q needs [low, high]", c.Input)
		}
		lo, okLo := toFloat(l[0])
		hi, okHi := toFloat(l[1])
		if !okLo || !okHi || lo > hi {
			return nil, fmt.Errorf("BETWEEN bounds %v of %q are invalid", c.Value, c.Input)
		}
		cc.lo, cc.hi = lo, hi
	case model.OP_EXISTS:
		if c.Value != nil {
			if _, ok := c.Value.(bool); !ok {
				return nil, fmt.Errorf("EXISTS on %q takes a boolean value", c.Input)
			}
		}
	case model.OP_MATCHES:
		s, ok := c.Value.(string)
		if !ok {
			return nil, fmt.Errorf("MATCHES on %q needs a pattern", c.Input)
		}
		re, err := regexp.Compile(s)
		if err != nil {
			return nil, fmt.Errorf("bad pattern for %q: %w", c.Input, err)
		}
		cc.pattern = re
	case model.OP_EXPR:
		s, ok := c.Value.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("EXPR needs a script")
		}
		prog, err := goja.Compile("condition", "("+s+")", true)
		if err != nil {
			return nil, fmt.Errorf("unparseable expression %q: %w", s, err)
		}
		cc.program = prog
	default:
		return nil, fmt.Errorf("unknown operator %q", c.Operator)
	}
	return cc, nil
}

// lookup reports the value at the condition's path and whether it is present.
func (cc *compiledCondition) lookup(metadata map[string]any) (any, bool) {
	if cc.path == nil {
		return nil, false
	}
	v, err := cc.path.Lookup(metadata)
	if err != nil || v == nil {
		return nil, false
	}
	return v, true
}

// match evaluates the condition. errMissing is returned for a required
// input that is absent.
func (cc *compiledCondition) match(metadata map[string]any) (bool, error) {
	value, present := cc.lookup(metadata)
	if cc.Operator == model.OP_EXISTS {
		want := true
		if b, ok := cc.Value.(bool); ok {
			want = b
		}
		return present == want, nil
	}
	if cc.Operator == model.OP_EXPR {
		if cc.Input != "" && !present {
			return cc.missing()
		}
		return cc.runScript(value, metadata)
	}
	if !present {
		return cc.missing()
	}

	switch cc.Operator {
	case model.OP_EQ:
		return equal(value, cc.Value), nil
	case model.OP_NEQ:
		return !equal(value, cc.Value), nil
	case model.OP_GT, model.OP_GTE, model.OP_LT, model.OP_LTE:
		n, ok := toFloat(value)
		if !ok {
			return false, nil
		}
		switch cc.Operator {
		case model.OP_GT:
			return n > cc.num, nil
		case model.OP_GTE:
			return n >= cc.num, nil
		case model.OP_LT:
			return n < cc.num, nil
		default:
			return n <= cc.num, nil
		}
	case model.OP_IN, model.OP_NOT_IN:
		found := false
		for _, item := range cc.list {
			if equal(value, item) {
				found = true
				break
			}
		}
		return found == (cc.Operator == model.OP_IN), nil
	case model.OP_BETWEEN:
		n, ok := toFloat(value)
		if !ok {
			return false, nil
		}
		return n >= cc.lo && n <= cc.hi, nil
	case model.OP_MATCHES:
		return cc.pattern.MatchString(fmt.Sprint(value)), nil
	}
	return false, nil
}

func (cc *compiledCondition) missing() (bool, error) {
	if cc.Required {
		return false, fmt.Errorf("required metadata %q is missing", cc.Input)
	}
	return false, nil
}

func (cc *compiledCondition) runScript(value any, metadata map[string]any) (bool, error) {
	vm := goja.New()
	if err := vm.Set("value", plain(value)); err != nil {
		return false, err
	}
	if err := vm.Set("$", plain(metadata)); err != nil {
		return false, err
	}
	res, err := vm.RunProgram(cc.program)
	if err != nil {
		return false, fmt.Errorf("error executing expression %w", err)
	}
	return res.ToBoolean(), nil
}
