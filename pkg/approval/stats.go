package approval

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"applylens/pkg/models"
)

type statKey struct {
	rule string
	user string
}

type counters struct {
	fired    atomic.Int64
	approved atomic.Int64
	rejected atomic.Int64
	missed   atomic.Int64
}

// statsTable keeps lock-free counters per (rule, user). The map itself is
// guarded by mu; increments never take it exclusively once a key exists.
type statsTable struct {
	mu   sync.RWMutex
	rows map[statKey]*counters
	// derived holds the last recomputed snapshot per key.
	derived map[statKey]models.PolicyStats
}

func newStatsTable() *statsTable {
	return &statsTable{rows: map[statKey]*counters{}, derived: map[statKey]models.PolicyStats{}}
}

func (t *statsTable) row(rule, user string) *counters {
	k := statKey{rule: rule, user: user}
	t.mu.RLock()
	c, ok := t.rows[k]
	t.mu.RUnlock()
	if ok {
		return c
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok = t.rows[k]; !ok {
		c = &counters{}
		t.rows[k] = c
	}
	return c
}

func (t *statsTable) fired(rule, user string) { t.row(rule, user).fired.Add(1) }
func (t *statsTable) approved(rule, user string) { t.row(rule, user).approved.Add(1) }
func (t *statsTable) rejected(rule, user string) { t.row(rule, user).rejected.Add(1) }
func (t *statsTable) missed(rule, user string) { t.row(rule, user).missed.Add(1) }

func (t *statsTable) reset() {
	t.mu.Lock()
	t.rows = map[statKey]*counters{}
	t.derived = map[statKey]models.PolicyStats{}
	t.mu.Unlock()
}

func (t *statsTable) load(s models.PolicyStats) {
	c := t.row(s.RuleID, s.UserID)
	c.fired.Store(s.Fired)
	c.approved.Store(s.Approved)
	c.rejected.Store(s.Rejected)
	c.missed.Store(s.Missed)
	t.mu.Lock()
	t.derived[statKey{rule: s.RuleID, user: s.UserID}] = s
	t.mu.Unlock()
}

func (t *statsTable) snapshot(rule, user string, at time.Time) models.PolicyStats {
	return derive(rule, user, t.row(rule, user), at)
}

func derive(rule, user string, c *counters, at time.Time) models.PolicyStats {
	s := models.PolicyStats{
		RuleID:    rule,
		UserID:    user,
		Fired:     c.fired.Load(),
		Approved:  c.approved.Load(),
		Rejected:  c.rejected.Load(),
		Missed:    c.missed.Load(),
		UpdatedAt: at,
	}
	s.Precision = Precision(s.Approved, s.Fired)
	s.Recall = Recall(s.Approved, s.Missed)
	return s
}

// Precision is approved / max(1, fired).
func Precision(approved, fired int64) float64 {
	return float64(approved) / float64(max(1, fired))
}

// Recall is approved / max(1, approved+missed).
func Recall(approved, missed int64) float64 {
	return float64(approved) / float64(max(1, approved+missed))
}

// RecordMiss counts a subject the rule should have caught but did not.
func (w *Workflow) RecordMiss(ctx context.Context, ruleID, userID string) (models.PolicyStats, error) {
	if strings.TrimSpace(ruleID) == "" {
		return models.PolicyStats{}, models.Errorf(models.ErrInvalidInput, "rule_id is required")
	}
	w.stats.missed(ruleID, userID)
	s := w.stats.snapshot(ruleID, userID, w.now().UTC())
	w.notifyStats(ctx, ruleID, userID)
	return s, nil
}

// StatsFilter narrows Stats; empty fields match everything.
type StatsFilter struct {
	RuleID string
	UserID string
}

// Stats returns live counters with freshly derived ratios, sorted by rule then user.
func (w *Workflow) Stats(f StatsFilter) []models.PolicyStats {
	now := w.now().UTC()
	t := w.stats
	t.mu.RLock()
	out := make([]models.PolicyStats, 0, len(t.rows))
	for k, c := range t.rows {
		if (f.RuleID != "" && k.rule != f.RuleID) || (f.UserID != "" && k.user != f.UserID) {
			continue
		}
		out = append(out, derive(k.rule, k.user, c, now))
	}
	t.mu.RUnlock()
	sortStats(out)
	return out
}

// Recompute refreshes the derived snapshot of every key and publishes those
// whose counters moved since the last pass.
func (w *Workflow) Recompute(ctx context.Context) []models.PolicyStats {
	now := w.now().UTC()
	t := w.stats
	var changed []models.PolicyStats
	t.mu.Lock()
	for k, c := range t.rows {
		s := derive(k.rule, k.user, c, now)
		prev, ok := t.derived[k]
		if ok && prev.Fired == s.Fired && prev.Approved == s.Approved && prev.Rejected == s.Rejected && prev.Missed == s.Missed {
			continue
		}
		t.derived[k] = s
		changed = append(changed, s)
	}
	t.mu.Unlock()
	sortStats(changed)

	for _, s := range changed {
		for _, o := range w.observers {
			if err := o.StatsChanged(ctx, s); err != nil {
				w.logf("approval: recompute stats %s/%s: %v", s.RuleID, s.UserID, err)
			}
		}
	}
	return changed
}

// RunRecompute calls Recompute every interval until ctx is done.
func (w *Workflow) RunRecompute(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Recompute(ctx)
		}
	}
}

func sortStats(list []models.PolicyStats) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].RuleID != list[j].RuleID {
			return list[i].RuleID < list[j].RuleID
		}
		return list[i].UserID < list[j].UserID
	})
}
