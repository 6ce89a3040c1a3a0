package lint

import "applylens/pkg/models"

// implies reports whether every subject matching narrow also matches broad.
// It is conservative: false means "not proven", never "disjoint".
func implies(narrow, broad models.Condition) bool {
	for _, need := range broad.All {
		proven := false
		for _, have := range narrow.All {
			if predicateImplies(have, need) {
				proven = true
				break
			}
		}
		if !proven {
			return false
		}
	}
	return true
}

func predicateImplies(have, need models.Predicate) bool {
	if have.Field != need.Field {
		return false
	}
	if models.CanonicalPredicate(have) == models.CanonicalPredicate(need) {
		return true
	}
	// Any comparison on a present signal implies the signal exists.
	if need.Op == models.OpExists && need.Field != models.FieldScore {
		if b, ok := need.Value.(bool); ok && !b {
			return false
		}
		switch have.Op {
		case models.OpEquals, models.OpGTE, models.OpLTE, models.OpIn:
			return true
		}
		return false
	}
	switch need.Op {
	case models.OpGTE:
		h, ok1 := models.ToFloat(have.Value)
		n, ok2 := models.ToFloat(need.Value)
		if !ok1 || !ok2 {
			return false
		}
		return (have.Op == models.OpGTE || have.Op == models.OpEquals) && h >= n
	case models.OpLTE:
		h, ok1 := models.ToFloat(have.Value)
		n, ok2 := models.ToFloat(need.Value)
		if !ok1 || !ok2 {
			return false
		}
		return (have.Op == models.OpLTE || have.Op == models.OpEquals) && h <= n
	case models.OpIn:
		switch have.Op {
		case models.OpEquals:
			return containsScalar(need.Values, have.Value)
		case models.OpIn:
			for _, v := range have.Values {
				if !containsScalar(need.Values, v) {
					return false
				}
			}
			return len(have.Values) > 0
		}
	}
	return false
}

func containsScalar(set []any, v any) bool {
	key := models.CanonicalPredicate(models.Predicate{Op: models.OpEquals, Value: v})
	for _, s := range set {
		if models.CanonicalPredicate(models.Predicate{Op: models.OpEquals, Value: s}) == key {
			return true
		}
	}
	return false
}
