package bundle

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"strconv"

	"applylens/pkg/models"
)

// Selection is the bundle an evaluation should run against.
type Selection struct {
	Bundle models.Bundle
	Canary bool
}

// Bucket maps a subject into [0,100) for a given canary version. The version
// salts the hash so each rollout draws a fresh, stable sample.
func Bucket(canaryVersion int64, subjectID string) int {
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(canaryVersion, 10)))
	h.Write([]byte{':'})
	h.Write([]byte(subjectID))
	sum := h.Sum(nil)
	return int(binary.BigEndian.Uint64(sum[:8]) % 100)
}

// EffectiveCanaryPercent is the share actually routed to the canary: the
// bundle's percent capped by the global runtime percent, zero while the kill
// switch is engaged.
func (m *Manager) EffectiveCanaryPercent(canary models.Bundle) int {
	p := canary.CanaryPercent
	if m.runtime == nil {
		return p
	}
	if m.runtime.KillSwitchEngaged() {
		return 0
	}
	if g := m.runtime.CanaryPercent(); g < p {
		p = g
	}
	if p < 0 {
		return 0
	}
	return p
}

// Select routes subjectID to the canary bundle when its bucket falls under the
// effective canary percent, otherwise to the active bundle.
func (m *Manager) Select(subjectID string) (Selection, error) {
	s := m.state.Load()
	if canary, ok := s.bundles[s.canary]; ok && s.canary != 0 {
		if Bucket(canary.Version, subjectID) < m.EffectiveCanaryPercent(canary) {
			return Selection{Bundle: canary.Clone(), Canary: true}, nil
		}
	}
	active, ok := s.bundles[s.active]
	if !ok || s.active == 0 {
		return Selection{}, models.ErrNoActiveBundle
	}
	return Selection{Bundle: active.Clone()}, nil
}

// Load replaces all state with bundles and approvals hydrated from storage.
func (m *Manager) Load(bundles []models.Bundle, approvals []models.BundleApproval) error {
	next := &snapshot{
		bundles:     make(map[int64]models.Bundle, len(bundles)),
		approvals:   map[int64][]models.BundleApproval{},
		approvalIDs: make(map[string]models.BundleApproval, len(approvals)),
		nextVersion: 1,
	}
	for _, b := range bundles {
		if b.Version <= 0 {
			return models.Errorf(models.ErrInvalidInput, "bundle version must be positive, got %d", b.Version)
		}
		if _, dup := next.bundles[b.Version]; dup {
			return models.Errorf(models.ErrInvalidInput, "bundle %d loaded twice", b.Version)
		}
		switch b.State {
		case models.BundleActive:
			if next.active != 0 {
				return models.Errorf(models.ErrInvalidInput, "bundles %d and %d are both active", next.active, b.Version)
			}
			next.active = b.Version
		case models.BundleCanary:
			if next.canary != 0 {
				return models.Errorf(models.ErrInvalidInput, "bundles %d and %d are both canary", next.canary, b.Version)
			}
			next.canary = b.Version
		case models.BundleDraft, models.BundleRetired:
		default:
			return models.Errorf(models.ErrInvalidInput, "bundle %d has unknown state %q", b.Version, b.State)
		}
		if b.Digest == "" {
			d, err := models.RulesDigest(b.Rules)
			if err != nil {
				return models.Errorf(models.ErrInvalidInput, "bundle %d: %v", b.Version, err)
			}
			b.Digest = d
		}
		next.bundles[b.Version] = b.Clone()
		if b.Version >= next.nextVersion {
			next.nextVersion = b.Version + 1
		}
	}
	sorted := append([]models.BundleApproval(nil), approvals...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })
	for _, a := range sorted {
		if _, ok := next.bundles[a.BundleVersion]; !ok {
			return models.Errorf(models.ErrInvalidInput, "approval %s references unknown bundle %d", a.ID, a.BundleVersion)
		}
		next.approvals[a.BundleVersion] = append(next.approvals[a.BundleVersion], a)
		next.approvalIDs[a.ID] = a
	}

	m.mu.Lock()
	m.state.Store(next)
	m.mu.Unlock()
	return nil
}

// Diff lists rule IDs added, removed and changed from one version to another.
type Diff struct {
	From    int64    `json:"from"`
	To      int64    `json:"to"`
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

func (m *Manager) Diff(from, to int64) (Diff, error) {
	a, err := m.Get(from)
	if err != nil {
		return Diff{}, err
	}
	b, err := m.Get(to)
	if err != nil {
		return Diff{}, err
	}
	return DiffRules(from, to, a.Rules, b.Rules)
}

// DiffRules compares two rule sets by ID and content digest.
func DiffRules(from, to int64, before, after []models.Rule) (Diff, error) {
	old, err := digestsByID(before)
	if err != nil {
		return Diff{}, err
	}
	cur, err := digestsByID(after)
	if err != nil {
		return Diff{}, err
	}
	d := Diff{From: from, To: to, Added: []string{}, Removed: []string{}, Changed: []string{}}
	for _, id := range models.SortedKeys(cur) {
		prev, ok := old[id]
		switch {
		case !ok:
			d.Added = append(d.Added, id)
		case prev != cur[id]:
			d.Changed = append(d.Changed, id)
		}
	}
	for _, id := range models.SortedKeys(old) {
		if _, ok := cur[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	return d, nil
}

func digestsByID(rules []models.Rule) (map[string]string, error) {
	out := make(map[string]string, len(rules))
	for _, r := range rules {
		if _, seen := out[r.ID]; seen {
			continue
		}
		d, err := models.RuleDigest(r)
		if err != nil {
			return nil, err
		}
		out[r.ID] = d
	}
	return out, nil
}
