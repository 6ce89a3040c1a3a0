// Package approval owns ProposedAction dispositions and the per (rule, user)
// PolicyStats derived from them.
package approval

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"applylens/pkg/escrowfsm"
	"applylens/pkg/models"
	"applylens/pkg/runtimectl"
)

// ActorPolicy is recorded as the decider for automatic dispositions.
const ActorPolicy = "policy"

// Runtime is the subset of runtime control the workflow consults.
type Runtime interface {
	KillSwitchEngaged() bool
	Flag(name string) bool
}

// Executor performs an approved action against the mailbox.
type Executor interface {
	Execute(ctx context.Context, action models.ProposedAction) error
}

type ExecutorFunc func(ctx context.Context, action models.ProposedAction) error

func (f ExecutorFunc) Execute(ctx context.Context, action models.ProposedAction) error {
	return f(ctx, action)
}

// Observer receives committed changes. Errors are logged and never undo the decision.
type Observer interface {
	ActionChanged(ctx context.Context, action models.ProposedAction) error
	StatsChanged(ctx context.Context, stats models.PolicyStats) error
}

type Options struct {
	Runtime   Runtime
	Executor  Executor
	Observers []Observer
	Now       func() time.Time
	NewID     func() string
	Logf      func(format string, args ...any)
}

type Workflow struct {
	runtime   Runtime
	executor  Executor
	observers []Observer
	now       func() time.Time
	newID     func() string
	logf      func(format string, args ...any)

	mu      sync.RWMutex
	actions map[string]*entry
	order   []string
	stats   *statsTable
}

type entry struct {
	mu     sync.Mutex
	action models.ProposedAction

	// executing is set while the executor call for this action is in flight.
	executing bool
}

func New(opts Options) *Workflow {
	w := &Workflow{
		runtime:   opts.Runtime,
		executor:  opts.Executor,
		observers: opts.Observers,
		now:       opts.Now,
		newID:     opts.NewID,
		logf:      opts.Logf,
		actions:   map[string]*entry{},
		stats:     newStatsTable(),
	}
	if w.executor == nil {
		w.executor = ExecutorFunc(func(context.Context, models.ProposedAction) error { return nil })
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.newID == nil {
		w.newID = func() string { return uuid.NewString() }
	}
	if w.logf == nil {
		w.logf = log.Printf
	}
	return w
}

func (w *Workflow) killSwitch() bool {
	return w.runtime != nil && w.runtime.KillSwitchEngaged()
}

func (w *Workflow) flag(name string) bool {
	return w.runtime != nil && w.runtime.Flag(name)
}

// Propose records actions produced by the rule engine. The whole batch is
// validated before anything is recorded; a cancelled context records nothing.
func (w *Workflow) Propose(ctx context.Context, actions []models.ProposedAction) ([]models.ProposedAction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i, a := range actions {
		if strings.TrimSpace(a.SubjectID) == "" || strings.TrimSpace(a.RuleID) == "" {
			return nil, models.Errorf(models.ErrInvalidInput, "action %d: subject_id and rule_id are required", i)
		}
		if !a.Kind.Valid() {
			return nil, models.Errorf(models.ErrInvalidInput, "action %d: unknown kind %q", i, string(a.Kind))
		}
	}
	autoApprove := w.flag(runtimectl.FlagAutoApprove)
	now := w.now().UTC()
	out := make([]models.ProposedAction, 0, len(actions))

	w.mu.Lock()
	for _, a := range actions {
		a = a.Clone()
		a.ID = w.newID()
		a.Status = models.StatusProposed
		a.Deferred = false
		a.CreatedAt = now
		a.UpdatedAt = now
		w.stats.fired(a.RuleID, a.UserID)
		if autoApprove && !a.RequiresApproval {
			a.Status = models.StatusApproved
			a.DecidedBy = ActorPolicy
			a.DecisionReason = "auto-approved by policy"
			w.stats.approved(a.RuleID, a.UserID)
		}
		w.actions[a.ID] = &entry{action: a}
		w.order = append(w.order, a.ID)
		out = append(out, a.Clone())
	}
	w.mu.Unlock()

	for _, a := range out {
		w.notifyAction(ctx, a)
		w.notifyStats(ctx, a.RuleID, a.UserID)
	}
	return out, nil
}

func (w *Workflow) Approve(ctx context.Context, id, actor, reason string) (models.ProposedAction, error) {
	return w.decide(ctx, id, escrowfsm.EventApprove, actor, reason)
}

func (w *Workflow) Reject(ctx context.Context, id, actor, reason string) (models.ProposedAction, error) {
	return w.decide(ctx, id, escrowfsm.EventReject, actor, reason)
}

func (w *Workflow) decide(ctx context.Context, id string, event escrowfsm.Event, actor, reason string) (models.ProposedAction, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return models.ProposedAction{}, models.Errorf(models.ErrInvalidInput, "actor is required")
	}
	e, err := w.entry(id)
	if err != nil {
		return models.ProposedAction{}, err
	}
	e.mu.Lock()
	next, err := escrowfsm.Next(e.action.Status, event)
	if err != nil {
		e.mu.Unlock()
		return models.ProposedAction{}, err
	}
	e.action.Status = next
	e.action.DecidedBy = actor
	e.action.DecisionReason = strings.TrimSpace(reason)
	e.action.UpdatedAt = w.now().UTC()
	if next == models.StatusApproved {
		w.stats.approved(e.action.RuleID, e.action.UserID)
	} else {
		w.stats.rejected(e.action.RuleID, e.action.UserID)
	}
	out := e.action.Clone()
	e.mu.Unlock()

	w.notifyAction(ctx, out)
	w.notifyStats(ctx, out.RuleID, out.UserID)
	return out, nil
}

// Execute runs an approved action. While the kill switch is engaged the
// action stays approved, is marked deferred and ErrExecutionDeferred is
// returned. Executor failures move the action to failed; the returned error
// is nil in that case and FailureReason carries the cause. The executor runs
// without the action lock held; a second Execute while one is in flight gets
// a retryable ErrStaleState.
func (w *Workflow) Execute(ctx context.Context, id string) (models.ProposedAction, error) {
	e, err := w.entry(id)
	if err != nil {
		return models.ProposedAction{}, err
	}
	e.mu.Lock()
	if _, err := escrowfsm.Next(e.action.Status, escrowfsm.EventExecute); err != nil {
		e.mu.Unlock()
		return models.ProposedAction{}, err
	}
	if e.executing {
		e.mu.Unlock()
		return models.ProposedAction{}, models.Errorf(models.ErrStaleState, "action %s is already executing", id)
	}
	if w.killSwitch() {
		changed := !e.action.Deferred
		e.action.Deferred = true
		if changed {
			e.action.UpdatedAt = w.now().UTC()
		}
		out := e.action.Clone()
		e.mu.Unlock()
		if changed {
			w.notifyAction(ctx, out)
		}
		return out, models.ErrExecutionDeferred
	}
	if err := ctx.Err(); err != nil {
		e.mu.Unlock()
		return models.ProposedAction{}, err
	}
	e.executing = true
	claimed := e.action.Clone()
	e.mu.Unlock()

	runErr := w.executor.Execute(ctx, claimed)

	e.mu.Lock()
	e.executing = false
	if runErr != nil {
		e.action.Status = models.StatusFailed
		e.action.FailureReason = runErr.Error()
	} else {
		e.action.Status = models.StatusExecuted
	}
	e.action.Deferred = false
	e.action.UpdatedAt = w.now().UTC()
	out := e.action.Clone()
	e.mu.Unlock()

	if runErr != nil {
		w.logf("approval: execute %s (%s) failed: %v", out.ID, out.Kind, runErr)
	}
	w.notifyAction(ctx, out)
	return out, nil
}

// PendingReport summarizes an ExecutePending pass.
type PendingReport struct {
	Executed int `json:"executed"`
	Failed   int `json:"failed"`
	Deferred int `json:"deferred"`
}

// ExecutePending executes every approved action, oldest first. With the kill
// switch engaged nothing runs and the approved actions are counted as deferred.
func (w *Workflow) ExecutePending(ctx context.Context) (PendingReport, error) {
	var rep PendingReport
	for _, a := range w.List(Filter{Status: models.StatusApproved}) {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		out, err := w.Execute(ctx, a.ID)
		switch {
		case models.CodeOf(err) == models.CodeExecutionDeferred:
			rep.Deferred++
		case err != nil:
			// Raced with another executor; the action already left approved.
			continue
		case out.Status == models.StatusExecuted:
			rep.Executed++
		default:
			rep.Failed++
		}
	}
	if rep.Deferred > 0 {
		return rep, models.ErrExecutionDeferred
	}
	return rep, nil
}

func (w *Workflow) Get(id string) (models.ProposedAction, error) {
	e, err := w.entry(id)
	if err != nil {
		return models.ProposedAction{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.action.Clone(), nil
}

// Filter narrows List; zero fields match everything.
type Filter struct {
	Status    models.ActionStatus
	SubjectID string
	UserID    string
	RuleID    string
	Limit     int
}

func (f Filter) match(a models.ProposedAction) bool {
	return (f.Status == "" || a.Status == f.Status) &&
		(f.SubjectID == "" || a.SubjectID == f.SubjectID) &&
		(f.UserID == "" || a.UserID == f.UserID) &&
		(f.RuleID == "" || a.RuleID == f.RuleID)
}

// List returns matching actions in creation order.
func (w *Workflow) List(f Filter) []models.ProposedAction {
	w.mu.RLock()
	entries := make([]*entry, 0, len(w.order))
	for _, id := range w.order {
		entries = append(entries, w.actions[id])
	}
	w.mu.RUnlock()

	out := []models.ProposedAction{}
	for _, e := range entries {
		e.mu.Lock()
		a := e.action.Clone()
		e.mu.Unlock()
		if !f.match(a) {
			continue
		}
		out = append(out, a)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Load hydrates actions and stats from storage. Existing state is replaced.
func (w *Workflow) Load(actions []models.ProposedAction, stats []models.PolicyStats) {
	sorted := make([]models.ProposedAction, len(actions))
	copy(sorted, actions)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	w.mu.Lock()
	defer w.mu.Unlock()
	w.actions = make(map[string]*entry, len(sorted))
	w.order = w.order[:0]
	for _, a := range sorted {
		if _, dup := w.actions[a.ID]; dup {
			continue
		}
		w.actions[a.ID] = &entry{action: a.Clone()}
		w.order = append(w.order, a.ID)
	}
	w.stats.reset()
	for _, s := range stats {
		w.stats.load(s)
	}
}

func (w *Workflow) entry(id string) (*entry, error) {
	w.mu.RLock()
	e, ok := w.actions[id]
	w.mu.RUnlock()
	if !ok {
		return nil, models.Errorf(models.ErrNotFound, "action %s not found", id)
	}
	return e, nil
}

func (w *Workflow) notifyAction(ctx context.Context, a models.ProposedAction) {
	for _, o := range w.observers {
		if err := o.ActionChanged(ctx, a); err != nil {
			w.logf("approval: observer action %s: %v", a.ID, err)
		}
	}
}

func (w *Workflow) notifyStats(ctx context.Context, ruleID, userID string) {
	if len(w.observers) == 0 {
		return
	}
	s := w.stats.snapshot(ruleID, userID, w.now().UTC())
	for _, o := range w.observers {
		if err := o.StatsChanged(ctx, s); err != nil {
			w.logf("approval: observer stats %s/%s: %v", ruleID, userID, err)
		}
	}
}
