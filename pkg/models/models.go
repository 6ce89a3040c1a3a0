package models

import (
	"sort"
	"strings"
	"time"
)

// RiskScore is the bounded output of the scorer. Value is always in [0,100];
// Flags lists the signals that moved the score, sorted.
type RiskScore struct {
	Value           int      `json:"value"`
	BaseScore       int      `json:"base_score"`
	SecondaryMargin int      `json:"secondary_margin"`
	OverrideApplied bool     `json:"override_applied"`
	Flags           []string `json:"flags"`
}

// Operator is the closed set of comparison operators a rule condition may use.
type Operator string

const (
	OpEquals    Operator = "eq"
	OpNotEquals Operator = "neq"
	OpGTE       Operator = "gte"
	OpLTE       Operator = "lte"
	OpIn        Operator = "in"
	OpExists    Operator = "exists"
)

// Valid reports whether op is one of the supported operators.
// Unknown operators are carried verbatim so they can be diagnosed, never silently ignored.
func (op Operator) Valid() bool {
	switch op {
	case OpEquals, OpNotEquals, OpGTE, OpLTE, OpIn, OpExists:
		return true
	default:
		return false
	}
}

// ActionKind is the closed set of remediation actions a rule may propose.
type ActionKind string

const (
	ActionLabel                ActionKind = "label"
	ActionArchive              ActionKind = "archive"
	ActionMove                 ActionKind = "move"
	ActionUnsubscribe          ActionKind = "unsubscribe"
	ActionCreateCalendarEvent  ActionKind = "create_calendar_event"
	ActionCreateTask           ActionKind = "create_task"
	ActionBlockSender          ActionKind = "block_sender"
	ActionQuarantineAttachment ActionKind = "quarantine_attachment"
)

// ActionClass groups action kinds by their effect on the subject.
type ActionClass string

const (
	ClassAllow   ActionClass = "allow"
	ClassDeny    ActionClass = "deny"
	ClassNeutral ActionClass = "neutral"
	ClassUnknown ActionClass = "unknown"
)

func (k ActionKind) Valid() bool {
	return k.Class() != ClassUnknown
}

func (k ActionKind) Class() ActionClass {
	switch k {
	case ActionCreateCalendarEvent, ActionCreateTask:
		return ClassAllow
	case ActionArchive, ActionUnsubscribe, ActionBlockSender, ActionQuarantineAttachment:
		return ClassDeny
	case ActionLabel, ActionMove:
		return ClassNeutral
	default:
		return ClassUnknown
	}
}

// FieldScore addresses the risk score in a predicate; signals use SignalFieldPrefix+name.
const (
	FieldScore        = "score"
	SignalFieldPrefix = "signal."
)

// Predicate is one comparison inside a rule condition.
type Predicate struct {
	Field  string   `json:"field" yaml:"field"`
	Op     Operator `json:"op" yaml:"op"`
	Value  any      `json:"value,omitempty" yaml:"value,omitempty"`
	Values []any    `json:"values,omitempty" yaml:"values,omitempty"`
}

// SignalName returns the signal referenced by the predicate, if any.
func (p Predicate) SignalName() (string, bool) {
	if !strings.HasPrefix(p.Field, SignalFieldPrefix) {
		return "", false
	}
	name := strings.TrimPrefix(p.Field, SignalFieldPrefix)
	return name, name != ""
}

// Condition is a conjunction of predicates. An empty condition always matches.
type Condition struct {
	All []Predicate `json:"all" yaml:"all"`
}

// Rule is one entry of a policy bundle.
type Rule struct {
	ID               string         `json:"id" yaml:"id"`
	Priority         int            `json:"priority" yaml:"priority"`
	Condition        Condition      `json:"condition" yaml:"condition"`
	Action           ActionKind     `json:"action" yaml:"action"`
	Params           map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	MinConfidence    float64        `json:"min_confidence" yaml:"min_confidence"`
	Budget           float64        `json:"budget" yaml:"budget"`
	RequiresApproval bool           `json:"requires_approval" yaml:"requires_approval"`
	Stop             bool           `json:"stop" yaml:"stop"`
	Enabled          bool           `json:"enabled" yaml:"enabled"`
	Rationale        string         `json:"rationale" yaml:"rationale"`
}

// BundleState is the lifecycle state of a policy bundle.
type BundleState string

const (
	BundleDraft   BundleState = "draft"
	BundleCanary  BundleState = "canary"
	BundleActive  BundleState = "active"
	BundleRetired BundleState = "retired"
)

// Bundle is an immutable, versioned rule set with lifecycle metadata.
// Revision increments on every transition and backs optimistic concurrency.
type Bundle struct {
	Version        int64       `json:"version"`
	State          BundleState `json:"state"`
	Rules          []Rule      `json:"rules"`
	Digest         string      `json:"digest"`
	CanaryPercent  int         `json:"canary_percent"`
	CreatedBy      string      `json:"created_by"`
	CreatedAt      time.Time   `json:"created_at"`
	ActivatedAt    *time.Time  `json:"activated_at,omitempty"`
	RetiredAt      *time.Time  `json:"retired_at,omitempty"`
	RetiredBy      string      `json:"retired_by,omitempty"`
	ApprovalRef    string      `json:"approval_ref,omitempty"`
	PreviousActive int64       `json:"previous_active,omitempty"`
	Revision       int64       `json:"revision"`
}

// Clone returns a deep copy so callers never share the manager's rule slice.
func (b Bundle) Clone() Bundle {
	out := b
	out.Rules = CloneRules(b.Rules)
	if b.ActivatedAt != nil {
		t := *b.ActivatedAt
		out.ActivatedAt = &t
	}
	if b.RetiredAt != nil {
		t := *b.RetiredAt
		out.RetiredAt = &t
	}
	return out
}

func CloneRules(in []Rule) []Rule {
	if in == nil {
		return nil
	}
	out := make([]Rule, len(in))
	for i, r := range in {
		out[i] = r
		out[i].Params = cloneParams(r.Params)
		if r.Condition.All != nil {
			out[i].Condition.All = append([]Predicate(nil), r.Condition.All...)
		}
	}
	return out
}

// BundleApproval authorizes a canary bundle to become active.
type BundleApproval struct {
	ID            string    `json:"id"`
	BundleVersion int64     `json:"bundle_version"`
	Approver      string    `json:"approver"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
}

// ActionStatus is the disposition of a proposed action.
type ActionStatus string

const (
	StatusProposed ActionStatus = "proposed"
	StatusApproved ActionStatus = "approved"
	StatusRejected ActionStatus = "rejected"
	StatusExecuted ActionStatus = "executed"
	StatusFailed   ActionStatus = "failed"
)

// ProposedAction is an engine recommendation. It is append-only: dispositions
// mutate status fields but records are never removed.
type ProposedAction struct {
	ID               string         `json:"id"`
	SubjectID        string         `json:"subject_id"`
	UserID           string         `json:"user_id"`
	Kind             ActionKind     `json:"kind"`
	RuleID           string         `json:"rule_id"`
	BundleVersion    int64          `json:"bundle_version"`
	Canary           bool           `json:"canary"`
	Confidence       float64        `json:"confidence"`
	Rationale        string         `json:"rationale"`
	Params           map[string]any `json:"params,omitempty"`
	Status           ActionStatus   `json:"status"`
	RequiresApproval bool           `json:"requires_approval"`
	Budget           float64        `json:"budget,omitempty"`
	Deferred         bool           `json:"deferred"`
	DecidedBy        string         `json:"decided_by,omitempty"`
	DecisionReason   string         `json:"decision_reason,omitempty"`
	FailureReason    string         `json:"failure_reason,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func (a ProposedAction) Clone() ProposedAction {
	out := a
	out.Params = cloneParams(a.Params)
	return out
}

// PolicyStats aggregates dispositions for one (rule, user) pair.
type PolicyStats struct {
	RuleID    string    `json:"rule_id"`
	UserID    string    `json:"user_id"`
	Fired     int64     `json:"fired"`
	Approved  int64     `json:"approved"`
	Rejected  int64     `json:"rejected"`
	Missed    int64     `json:"missed"`
	Precision float64   `json:"precision"`
	Recall    float64   `json:"recall"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RuntimeSettings is the process-wide control record.
type RuntimeSettings struct {
	KillSwitch    bool            `json:"kill_switch"`
	CanaryPercent int             `json:"canary_percent"`
	Flags         map[string]bool `json:"flags"`
	Revision      int64           `json:"revision"`
	UpdatedBy     string          `json:"updated_by,omitempty"`
	UpdatedReason string          `json:"updated_reason,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (s RuntimeSettings) Clone() RuntimeSettings {
	out := s
	out.Flags = make(map[string]bool, len(s.Flags))
	for k, v := range s.Flags {
		out.Flags[k] = v
	}
	return out
}

// SettingsChange is the audit entry written for every runtime settings update.
type SettingsChange struct {
	Revision int64           `json:"revision"`
	Actor    string          `json:"actor"`
	Reason   string          `json:"reason"`
	Before   RuntimeSettings `json:"before"`
	After    RuntimeSettings `json:"after"`
	At       time.Time       `json:"at"`
}

// Severity of a lint annotation.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// LintAnnotation is produced transiently by the linter and never persisted.
type LintAnnotation struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	RuleIDs  []string `json:"rule_ids"`
	Message  string   `json:"message"`
}

type LintSummary struct {
	Total    int `json:"total"`
	Errors   int `json:"errors"`
	Warnings int `json:"warnings"`
	Info     int `json:"info"`
}

type LintResult struct {
	Passed   bool             `json:"passed"`
	Errors   []LintAnnotation `json:"errors"`
	Warnings []LintAnnotation `json:"warnings"`
	Info     []LintAnnotation `json:"info"`
	Summary  LintSummary      `json:"summary"`
}

// Has reports whether the result contains an annotation with code.
func (r LintResult) Has(code string) bool {
	for _, group := range [][]LintAnnotation{r.Errors, r.Warnings, r.Info} {
		for _, a := range group {
			if a.Code == code {
				return true
			}
		}
	}
	return false
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneParams(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
