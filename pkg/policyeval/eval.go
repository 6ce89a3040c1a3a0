// Package policyeval evaluates a policy bundle against a risk score and a
// signal set and returns the actions the matching rules propose.
package policyeval

import (
	"fmt"
	"math"
	"sort"

	"applylens/pkg/models"
)

// Diagnostic codes emitted in addition to the static problem codes in models.
const (
	DiagTypeMismatch = "type_mismatch"

	// ConfidenceSignal is the numeric signal carrying the extractor's confidence.
	ConfidenceSignal = "confidence"
)

// Diagnostic reports a rule that was skipped because it could not be evaluated.
type Diagnostic struct {
	RuleID  string `json:"rule_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Result struct {
	Actions     []models.ProposedAction `json:"actions"`
	Diagnostics []Diagnostic            `json:"diagnostics"`
	// Evaluated lists rule IDs in evaluation order; Skipped lists those cut off by a stop rule.
	Evaluated []string `json:"evaluated"`
	Skipped   []string `json:"skipped"`
}

// Evaluate runs every enabled rule of bundle, highest priority first, ties
// broken by ascending rule ID. All matching rules fire unless a matching stop
// rule cuts off the rules of strictly lower priority.
func Evaluate(bundle models.Bundle, score models.RiskScore, signals models.SignalSet) Result {
	res := Result{
		Actions:     []models.ProposedAction{},
		Diagnostics: []Diagnostic{},
		Evaluated:   []string{},
		Skipped:     []string{},
	}
	confidence := ContextConfidence(signals)
	stopAt, stopped := 0, false

	for _, rule := range Ordered(bundle.Rules) {
		if stopped && rule.Priority < stopAt {
			res.Skipped = append(res.Skipped, rule.ID)
			continue
		}
		res.Evaluated = append(res.Evaluated, rule.ID)
		if !rule.Action.Valid() {
			res.Diagnostics = append(res.Diagnostics, Diagnostic{
				RuleID:  rule.ID,
				Code:    models.ProblemUnknownAction,
				Message: fmt.Sprintf("unknown action %q", string(rule.Action)),
			})
			continue
		}
		matched, diag := matchCondition(rule.Condition, score, signals)
		if diag != nil {
			diag.RuleID = rule.ID
			res.Diagnostics = append(res.Diagnostics, *diag)
			continue
		}
		if !matched || confidence < rule.MinConfidence {
			continue
		}
		res.Actions = append(res.Actions, proposal(bundle, rule, signals, confidence))
		if rule.Stop && !stopped {
			stopAt, stopped = rule.Priority, true
		}
	}
	return res
}

// Ordered returns the enabled rules sorted by priority descending, then ID ascending.
func Ordered(rules []models.Rule) []models.Rule {
	out := make([]models.Rule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ContextConfidence is the numeric confidence signal clamped to [0,1], or 1 when absent.
func ContextConfidence(signals models.SignalSet) float64 {
	v, ok := signals.Get(ConfidenceSignal)
	if !ok || v.Kind != models.KindNumber || math.IsNaN(v.Number) {
		return 1
	}
	return math.Max(0, math.Min(1, v.Number))
}

func proposal(bundle models.Bundle, rule models.Rule, signals models.SignalSet, confidence float64) models.ProposedAction {
	params := make(map[string]any, len(rule.Params))
	for k, v := range rule.Params {
		params[k] = v
	}
	return models.ProposedAction{
		SubjectID:        signals.SubjectID,
		UserID:           signals.UserID,
		Kind:             rule.Action,
		RuleID:           rule.ID,
		BundleVersion:    bundle.Version,
		Canary:           bundle.State == models.BundleCanary,
		Confidence:       confidence,
		Rationale:        rule.Rationale,
		Params:           params,
		Status:           models.StatusProposed,
		RequiresApproval: rule.Budget != 0 || rule.RequiresApproval,
		Budget:           rule.Budget,
	}
}

// PredicateTrace is the outcome of one predicate for TraceRule.
type PredicateTrace struct {
	Predicate models.Predicate `json:"predicate"`
	Matched   bool             `json:"matched"`
	Error     string           `json:"error,omitempty"`
}

// RuleTrace explains why a single rule did or did not fire.
type RuleTrace struct {
	RuleID     string           `json:"rule_id"`
	Fired      bool             `json:"fired"`
	Confidence float64          `json:"confidence"`
	Predicates []PredicateTrace `json:"predicates"`
}

// TraceRule evaluates every predicate of rule without short-circuiting.
func TraceRule(rule models.Rule, score models.RiskScore, signals models.SignalSet) RuleTrace {
	out := RuleTrace{
		RuleID:     rule.ID,
		Confidence: ContextConfidence(signals),
		Predicates: make([]PredicateTrace, 0, len(rule.Condition.All)),
	}
	all := rule.Enabled && rule.Action.Valid()
	for i, p := range rule.Condition.All {
		ok, diag := matchPredicate(i, p, score, signals)
		pt := PredicateTrace{Predicate: p, Matched: ok}
		if diag != nil {
			pt.Error = diag.Code + ": " + diag.Message
			ok = false
		}
		all = all && ok
		out.Predicates = append(out.Predicates, pt)
	}
	out.Fired = all && out.Confidence >= rule.MinConfidence
	return out
}
