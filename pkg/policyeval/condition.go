package policyeval

import (
	"fmt"

	"applylens/pkg/models"
)

// matchCondition evaluates the conjunction in order and stops at the first
// false predicate. A diagnostic is returned only for predicates it reached.
func matchCondition(c models.Condition, score models.RiskScore, signals models.SignalSet) (bool, *Diagnostic) {
	if prob := models.CheckCondition(c); prob != nil {
		return false, &Diagnostic{Code: prob.Code, Message: prob.Error()}
	}
	for i, p := range c.All {
		ok, diag := matchPredicate(i, p, score, signals)
		if diag != nil {
			return false, diag
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// matchPredicate compares one field. Predicates over absent signals are false,
// except exists with an explicit false operand.
func matchPredicate(index int, p models.Predicate, score models.RiskScore, signals models.SignalSet) (bool, *Diagnostic) {
	if prob := models.CheckPredicate(index, p); prob != nil {
		return false, &Diagnostic{Code: prob.Code, Message: prob.Error()}
	}
	var (
		value   models.SignalValue
		present bool
	)
	if p.Field == models.FieldScore {
		value, present = models.Number(float64(score.Value)), true
	} else {
		name, _ := p.SignalName()
		value, present = signals.Get(name)
	}

	if p.Op == models.OpExists {
		want := true
		if b, ok := p.Value.(bool); ok {
			want = b
		}
		return present == want, nil
	}
	if !present {
		return false, nil
	}

	switch p.Op {
	case models.OpGTE, models.OpLTE:
		if value.Kind != models.KindNumber {
			return false, mismatch(index, p, value)
		}
		operand, _ := models.ToFloat(p.Value)
		if p.Op == models.OpGTE {
			return value.Number >= operand, nil
		}
		return value.Number <= operand, nil
	case models.OpEquals, models.OpNotEquals:
		eq, ok := scalarEqual(value, p.Value)
		if !ok {
			return false, mismatch(index, p, value)
		}
		if p.Op == models.OpEquals {
			return eq, nil
		}
		return !eq, nil
	case models.OpIn:
		typed := false
		for _, candidate := range p.Values {
			eq, ok := scalarEqual(value, candidate)
			if !ok {
				continue
			}
			typed = true
			if eq {
				return true, nil
			}
		}
		if !typed {
			return false, mismatch(index, p, value)
		}
		return false, nil
	}
	return false, &Diagnostic{Code: models.ProblemInvalidOperator, Message: fmt.Sprintf("predicate %d: unsupported operator %q", index, string(p.Op))}
}

// scalarEqual compares a signal value with a rule operand; ok is false when
// the kinds differ.
func scalarEqual(v models.SignalValue, operand any) (eq bool, ok bool) {
	switch v.Kind {
	case models.KindNumber:
		f, isNum := models.ToFloat(operand)
		return isNum && f == v.Number, isNum
	case models.KindBool:
		b, isBool := operand.(bool)
		return isBool && b == v.Bool, isBool
	case models.KindString:
		s, isStr := operand.(string)
		return isStr && s == v.Str, isStr
	}
	return false, false
}

func mismatch(index int, p models.Predicate, v models.SignalValue) *Diagnostic {
	return &Diagnostic{
		Code:    DiagTypeMismatch,
		Message: fmt.Sprintf("predicate %d: %s %s cannot compare a %s value", index, p.Field, p.Op, v.Kind),
	}
}
