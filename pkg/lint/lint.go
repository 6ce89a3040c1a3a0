// Package lint statically checks a rule set before it may leave draft.
package lint

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"applylens/pkg/models"
)

const (
	CodeDuplicateID           = "duplicate_id"
	CodeConflictingRules      = "conflicting_rules"
	CodeInsufficientRationale = "insufficient_rationale"
	CodeUnreachableRule       = "unreachable_rule"
	CodeBudgetMissing         = "budget_missing"
	CodeBudgetNegative        = "budget_negative"
	CodeDisabledRule          = "disabled_rule"

	DefaultMinRationale = 20
)

type Options struct {
	// MinRationale is the minimum rationale length in characters. Zero means DefaultMinRationale.
	MinRationale int
}

// Lint runs every check with default options.
func Lint(rules []models.Rule) models.LintResult {
	return LintWithOptions(rules, Options{})
}

// LintWithOptions runs every check against the full set; one check never
// suppresses another. Passed is true iff no error-severity annotation exists.
func LintWithOptions(rules []models.Rule, opts Options) models.LintResult {
	if opts.MinRationale <= 0 {
		opts.MinRationale = DefaultMinRationale
	}
	var out []models.LintAnnotation
	out = append(out, duplicateIDs(rules)...)
	out = append(out, conflicts(rules)...)
	out = append(out, unreachable(rules)...)
	for _, r := range rules {
		out = append(out, perRule(r, opts)...)
	}
	return summarize(out)
}

func perRule(r models.Rule, opts Options) []models.LintAnnotation {
	var out []models.LintAnnotation
	for i, p := range r.Condition.All {
		if prob := models.CheckPredicate(i, p); prob != nil {
			out = append(out, annotate(models.SeverityError, prob.Code, prob.Error(), r.ID))
		}
	}
	if !r.Action.Valid() {
		out = append(out, annotate(models.SeverityError, models.ProblemUnknownAction,
			fmt.Sprintf("action %q is not a supported action kind", string(r.Action)), r.ID))
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(r.Rationale)); n < opts.MinRationale {
		out = append(out, annotate(models.SeverityWarning, CodeInsufficientRationale,
			fmt.Sprintf("rationale has %d characters, minimum is %d", n, opts.MinRationale), r.ID))
	}
	switch {
	case r.Budget < 0:
		out = append(out, annotate(models.SeverityError, CodeBudgetNegative,
			fmt.Sprintf("budget %v is negative", r.Budget), r.ID))
	case r.RequiresApproval && r.Budget == 0:
		out = append(out, annotate(models.SeverityError, CodeBudgetMissing,
			"approval-gated rule must declare a positive budget", r.ID))
	}
	if !r.Enabled {
		out = append(out, annotate(models.SeverityInfo, CodeDisabledRule, "rule is disabled", r.ID))
	}
	return out
}

func duplicateIDs(rules []models.Rule) []models.LintAnnotation {
	counts := map[string]int{}
	for _, r := range rules {
		counts[r.ID]++
	}
	var out []models.LintAnnotation
	for _, id := range models.SortedKeys(counts) {
		if counts[id] > 1 {
			out = append(out, annotate(models.SeverityError, CodeDuplicateID,
				fmt.Sprintf("rule id %q appears %d times", id, counts[id]), id))
		}
	}
	return out
}

// conflicts flags enabled rule pairs with the same condition whose actions
// pull in opposite directions.
func conflicts(rules []models.Rule) []models.LintAnnotation {
	var out []models.LintAnnotation
	for i := 0; i < len(rules); i++ {
		a := rules[i]
		if !a.Enabled {
			continue
		}
		for j := i + 1; j < len(rules); j++ {
			b := rules[j]
			if !b.Enabled || !opposite(a.Action.Class(), b.Action.Class()) {
				continue
			}
			if models.CanonicalCondition(a.Condition) != models.CanonicalCondition(b.Condition) {
				continue
			}
			out = append(out, annotate(models.SeverityError, CodeConflictingRules,
				fmt.Sprintf("identical condition proposes %s and %s", a.Action, b.Action), a.ID, b.ID))
		}
	}
	return out
}

func opposite(a, b models.ActionClass) bool {
	return (a == models.ClassAllow && b == models.ClassDeny) || (a == models.ClassDeny && b == models.ClassAllow)
}

// unreachable flags an enabled rule that can only match when a strictly
// higher-priority enabled stop rule also matches and fires.
func unreachable(rules []models.Rule) []models.LintAnnotation {
	var out []models.LintAnnotation
	for _, b := range rules {
		if !b.Enabled {
			continue
		}
		for _, a := range rules {
			if !a.Enabled || !a.Stop || a.Priority <= b.Priority || !a.Action.Valid() {
				continue
			}
			if models.CheckCondition(a.Condition) != nil || a.MinConfidence > b.MinConfidence {
				continue
			}
			if implies(b.Condition, a.Condition) {
				out = append(out, annotate(models.SeverityWarning, CodeUnreachableRule,
					fmt.Sprintf("shadowed by stop rule %q at priority %d", a.ID, a.Priority), b.ID, a.ID))
				break
			}
		}
	}
	return out
}

func summarize(all []models.LintAnnotation) models.LintResult {
	sort.SliceStable(all, func(i, j int) bool {
		x, y := all[i], all[j]
		if x.Code != y.Code {
			return x.Code < y.Code
		}
		xs, ys := strings.Join(x.RuleIDs, ","), strings.Join(y.RuleIDs, ",")
		if xs != ys {
			return xs < ys
		}
		return x.Message < y.Message
	})
	res := models.LintResult{
		Errors:   []models.LintAnnotation{},
		Warnings: []models.LintAnnotation{},
		Info:     []models.LintAnnotation{},
	}
	for _, a := range all {
		switch a.Severity {
		case models.SeverityError:
			res.Errors = append(res.Errors, a)
		case models.SeverityWarning:
			res.Warnings = append(res.Warnings, a)
		default:
			res.Info = append(res.Info, a)
		}
	}
	res.Summary = models.LintSummary{
		Total:    len(all),
		Errors:   len(res.Errors),
		Warnings: len(res.Warnings),
		Info:     len(res.Info),
	}
	res.Passed = res.Summary.Errors == 0
	return res
}

func annotate(sev models.Severity, code, msg string, ruleIDs ...string) models.LintAnnotation {
	return models.LintAnnotation{Severity: sev, Code: code, RuleIDs: ruleIDs, Message: msg}
}
