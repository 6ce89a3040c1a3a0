package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Static problem codes shared by the linter and the rule engine.
const (
	ProblemInvalidOperator = "invalid_operator"
	ProblemInvalidField    = "invalid_field"
	ProblemInvalidValue    = "invalid_value"
	ProblemUnknownAction   = "unknown_action"
)

// ConditionProblem describes why a predicate cannot be evaluated.
type ConditionProblem struct {
	Code    string
	Index   int
	Message string
}

func (p ConditionProblem) Error() string {
	return fmt.Sprintf("%s: predicate %d: %s", p.Code, p.Index, p.Message)
}

// CheckPredicate validates the static shape of p: operator, field and operand types.
func CheckPredicate(index int, p Predicate) *ConditionProblem {
	if !p.Op.Valid() {
		return &ConditionProblem{Code: ProblemInvalidOperator, Index: index, Message: fmt.Sprintf("unsupported operator %q", string(p.Op))}
	}
	if p.Field != FieldScore {
		if _, ok := p.SignalName(); !ok {
			return &ConditionProblem{Code: ProblemInvalidField, Index: index, Message: fmt.Sprintf("field %q must be %q or %q<name>", p.Field, FieldScore, SignalFieldPrefix)}
		}
	}
	switch p.Op {
	case OpGTE, OpLTE:
		if _, ok := ToFloat(p.Value); !ok {
			return &ConditionProblem{Code: ProblemInvalidValue, Index: index, Message: fmt.Sprintf("%s requires a numeric operand", p.Op)}
		}
	case OpEquals, OpNotEquals:
		if !isScalar(p.Value) {
			return &ConditionProblem{Code: ProblemInvalidValue, Index: index, Message: fmt.Sprintf("%s requires a scalar operand", p.Op)}
		}
		if p.Field == FieldScore {
			if _, ok := ToFloat(p.Value); !ok {
				return &ConditionProblem{Code: ProblemInvalidValue, Index: index, Message: "score compares against numbers only"}
			}
		}
	case OpIn:
		if len(p.Values) == 0 {
			return &ConditionProblem{Code: ProblemInvalidValue, Index: index, Message: "in requires a non-empty values list"}
		}
		for _, v := range p.Values {
			if !isScalar(v) {
				return &ConditionProblem{Code: ProblemInvalidValue, Index: index, Message: "in values must be scalars"}
			}
		}
	case OpExists:
		if p.Field == FieldScore {
			return &ConditionProblem{Code: ProblemInvalidField, Index: index, Message: "exists applies to signals only"}
		}
		if p.Value != nil {
			if _, ok := p.Value.(bool); !ok {
				return &ConditionProblem{Code: ProblemInvalidValue, Index: index, Message: "exists takes an optional boolean"}
			}
		}
	}
	return nil
}

// CheckCondition returns the first problem in c, if any.
func CheckCondition(c Condition) *ConditionProblem {
	for i, p := range c.All {
		if prob := CheckPredicate(i, p); prob != nil {
			return prob
		}
	}
	return nil
}

// CanonicalCondition renders c as a stable string: predicates sorted, set
// operands sorted. Two conditions with equal canonical forms match the same subjects.
func CanonicalCondition(c Condition) string {
	parts := make([]string, 0, len(c.All))
	for _, p := range c.All {
		parts = append(parts, CanonicalPredicate(p))
	}
	sort.Strings(parts)
	return strings.Join(parts, " && ")
}

func CanonicalPredicate(p Predicate) string {
	switch p.Op {
	case OpIn:
		vals := make([]string, 0, len(p.Values))
		for _, v := range p.Values {
			vals = append(vals, scalarKey(v))
		}
		sort.Strings(vals)
		return fmt.Sprintf("%s in [%s]", p.Field, strings.Join(vals, ","))
	case OpExists:
		if b, ok := p.Value.(bool); ok && !b {
			return fmt.Sprintf("%s exists false", p.Field)
		}
		return fmt.Sprintf("%s exists", p.Field)
	default:
		return fmt.Sprintf("%s %s %s", p.Field, p.Op, scalarKey(p.Value))
	}
}

// ToFloat converts the numeric types produced by JSON and YAML decoders.
func ToFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func isScalar(v any) bool {
	switch v.(type) {
	case bool, string:
		return true
	default:
		_, ok := ToFloat(v)
		return ok
	}
}

func scalarKey(v any) string {
	if f, ok := ToFloat(v); ok {
		return fmt.Sprintf("n:%g", f)
	}
	switch t := v.(type) {
	case bool:
		return fmt.Sprintf("b:%t", t)
	case string:
		return fmt.Sprintf("s:%q", t)
	default:
		return fmt.Sprintf("?:%v", t)
	}
}
