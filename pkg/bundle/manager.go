// Package bundle manages the lifecycle of versioned policy bundles:
// draft -> canary -> active -> retired, plus explicit rollback.
//
// Writers serialize on a single mutex and publish an immutable snapshot;
// readers load the snapshot without locking, so a canary -> active swap is
// never observed half-applied.
package bundle

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"applylens/pkg/escrowfsm"
	"applylens/pkg/lint"
	"applylens/pkg/models"
)

// Runtime is the subset of runtime control the manager consults.
type Runtime interface {
	KillSwitchEngaged() bool
	CanaryPercent() int
}

type Options struct {
	Runtime Runtime
	// Lint gates draft -> canary. Defaults to lint.Lint.
	Lint  func([]models.Rule) models.LintResult
	Now   func() time.Time
	NewID func() string
}

type Manager struct {
	mu      sync.Mutex
	state   atomic.Pointer[snapshot]
	runtime Runtime
	lint    func([]models.Rule) models.LintResult
	now     func() time.Time
	newID   func() string
}

// snapshot is never mutated after it is published.
type snapshot struct {
	bundles     map[int64]models.Bundle
	approvals   map[int64][]models.BundleApproval
	approvalIDs map[string]models.BundleApproval
	active      int64
	canary      int64
	nextVersion int64
}

func (s *snapshot) clone() *snapshot {
	out := &snapshot{
		bundles:     make(map[int64]models.Bundle, len(s.bundles)+1),
		approvals:   make(map[int64][]models.BundleApproval, len(s.approvals)),
		approvalIDs: make(map[string]models.BundleApproval, len(s.approvalIDs)),
		active:      s.active,
		canary:      s.canary,
		nextVersion: s.nextVersion,
	}
	for k, v := range s.bundles {
		out.bundles[k] = v
	}
	for k, v := range s.approvals {
		out.approvals[k] = v
	}
	for k, v := range s.approvalIDs {
		out.approvalIDs[k] = v
	}
	return out
}

func New(opts Options) *Manager {
	m := &Manager{
		runtime: opts.Runtime,
		lint:    opts.Lint,
		now:     opts.Now,
		newID:   opts.NewID,
	}
	if m.lint == nil {
		m.lint = lint.Lint
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = func() string { return uuid.NewString() }
	}
	m.state.Store(&snapshot{
		bundles:     map[int64]models.Bundle{},
		approvals:   map[int64][]models.BundleApproval{},
		approvalIDs: map[string]models.BundleApproval{},
		nextVersion: 1,
	})
	return m
}

// write runs fn against a private copy of the current snapshot and publishes
// it only when fn succeeds.
func (m *Manager) write(fn func(s *snapshot, now time.Time) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.state.Load().clone()
	if err := fn(next, m.now().UTC()); err != nil {
		return err
	}
	m.state.Store(next)
	return nil
}

func (m *Manager) killSwitch() bool {
	return m.runtime != nil && m.runtime.KillSwitchEngaged()
}

// CreateDraft stores rules as a new draft with the next version number.
func (m *Manager) CreateDraft(rules []models.Rule, createdBy string) (models.Bundle, error) {
	createdBy = strings.TrimSpace(createdBy)
	if createdBy == "" {
		return models.Bundle{}, models.Errorf(models.ErrInvalidInput, "created_by is required")
	}
	if len(rules) == 0 {
		return models.Bundle{}, models.Errorf(models.ErrInvalidInput, "a bundle needs at least one rule")
	}
	digest, err := models.RulesDigest(rules)
	if err != nil {
		return models.Bundle{}, models.Errorf(models.ErrInvalidInput, "rules are not serializable: %v", err)
	}
	var out models.Bundle
	err = m.write(func(s *snapshot, now time.Time) error {
		out = models.Bundle{
			Version:   s.nextVersion,
			State:     models.BundleDraft,
			Rules:     models.CloneRules(rules),
			Digest:    digest,
			CreatedBy: createdBy,
			CreatedAt: now,
			Revision:  1,
		}
		s.nextVersion++
		s.bundles[out.Version] = out
		return nil
	})
	return out.Clone(), err
}

// PromoteCanary moves a draft to canary when the linter reports no errors.
// The lint result is returned on both success and lint failure.
func (m *Manager) PromoteCanary(version int64, percent int, expectedRevision int64) (models.Bundle, models.LintResult, error) {
	if err := validPercent(percent); err != nil {
		return models.Bundle{}, models.LintResult{}, err
	}
	var (
		out    models.Bundle
		result models.LintResult
	)
	err := m.write(func(s *snapshot, now time.Time) error {
		b, err := lookup(s, version, expectedRevision)
		if err != nil {
			return err
		}
		if b.State != models.BundleDraft {
			return models.Errorf(models.ErrInvalidTransition, "bundle %d is %s, only drafts enter canary", version, b.State)
		}
		if m.killSwitch() {
			return models.Errorf(models.ErrKillSwitch, "promotion of bundle %d blocked", version)
		}
		if s.canary != 0 {
			return models.Errorf(models.ErrInvalidTransition, "bundle %d is already in canary", s.canary)
		}
		result = m.lint(b.Rules)
		if !result.Passed {
			return models.Errorf(models.ErrLintFailed, "bundle %d has %d lint errors", version, result.Summary.Errors)
		}
		b.State = models.BundleCanary
		b.CanaryPercent = percent
		b.Revision++
		s.bundles[version] = b
		s.canary = version
		out = b
		return nil
	})
	return out.Clone(), result, err
}

// SetCanaryPercent adjusts the routing share of the canary bundle.
func (m *Manager) SetCanaryPercent(version int64, percent int, expectedRevision int64) (models.Bundle, error) {
	if err := validPercent(percent); err != nil {
		return models.Bundle{}, err
	}
	var out models.Bundle
	err := m.write(func(s *snapshot, now time.Time) error {
		b, err := lookup(s, version, expectedRevision)
		if err != nil {
			return err
		}
		if b.State != models.BundleCanary {
			return models.Errorf(models.ErrInvalidTransition, "bundle %d is %s, not canary", version, b.State)
		}
		b.CanaryPercent = percent
		b.Revision++
		s.bundles[version] = b
		out = b
		return nil
	})
	return out.Clone(), err
}

// Approve records an approval authorizing a canary bundle to become active.
// The approver must differ from the bundle's creator.
func (m *Manager) Approve(version int64, approver, reason string) (models.BundleApproval, error) {
	if strings.TrimSpace(reason) == "" {
		return models.BundleApproval{}, models.Errorf(models.ErrInvalidInput, "reason is required")
	}
	var out models.BundleApproval
	err := m.write(func(s *snapshot, now time.Time) error {
		b, err := lookup(s, version, 0)
		if err != nil {
			return err
		}
		if b.State != models.BundleCanary {
			return models.Errorf(models.ErrInvalidTransition, "bundle %d is %s, approvals apply to canaries", version, b.State)
		}
		if err := escrowfsm.ApproverAllowed(approver, b.CreatedBy); err != nil {
			return err
		}
		out = models.BundleApproval{
			ID:            m.newID(),
			BundleVersion: version,
			Approver:      strings.TrimSpace(approver),
			Reason:        strings.TrimSpace(reason),
			CreatedAt:     now,
		}
		s.approvals[version] = append(append([]models.BundleApproval(nil), s.approvals[version]...), out)
		s.approvalIDs[out.ID] = out
		return nil
	})
	return out, err
}

// Activate promotes a canary to active and retires the prior active bundle in
// the same step. The returned slice holds the activated bundle first, then the
// retired one if any.
func (m *Manager) Activate(version int64, approvalRef string, expectedRevision int64) ([]models.Bundle, error) {
	var out []models.Bundle
	err := m.write(func(s *snapshot, now time.Time) error {
		b, err := lookup(s, version, expectedRevision)
		if err != nil {
			return err
		}
		if b.State != models.BundleCanary {
			return models.Errorf(models.ErrInvalidTransition, "bundle %d is %s, only canaries activate", version, b.State)
		}
		if m.killSwitch() {
			return models.Errorf(models.ErrKillSwitch, "activation of bundle %d blocked", version)
		}
		ref := strings.TrimSpace(approvalRef)
		if ref == "" {
			return models.Errorf(models.ErrApprovalRequired, "bundle %d needs an approval reference", version)
		}
		approval, ok := s.approvalIDs[ref]
		if !ok {
			return models.Errorf(models.ErrApprovalRequired, "approval %q not found", ref)
		}
		if approval.BundleVersion != version {
			return models.Errorf(models.ErrApprovalMismatch, "approval %q is for bundle %d", ref, approval.BundleVersion)
		}

		activated := now
		b.State = models.BundleActive
		b.ActivatedAt = &activated
		b.ApprovalRef = ref
		b.PreviousActive = s.active
		b.Revision++
		s.bundles[version] = b
		s.canary = 0
		out = []models.Bundle{b}

		if prev, ok := s.bundles[s.active]; ok && s.active != version {
			retired := now
			prev.State = models.BundleRetired
			prev.RetiredAt = &retired
			prev.RetiredBy = approval.Approver
			prev.Revision++
			s.bundles[prev.Version] = prev
			out = append(out, prev)
		}
		s.active = version
		return nil
	})
	return cloneAll(out), err
}

// Rollback retires a canary or active bundle. Rolling back the active bundle
// reinstates the bundle it superseded. The rolled-back bundle comes first in
// the result, followed by the reinstated one if any.
func (m *Manager) Rollback(version int64, actor string, expectedRevision int64) ([]models.Bundle, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, models.Errorf(models.ErrInvalidInput, "actor is required")
	}
	var out []models.Bundle
	err := m.write(func(s *snapshot, now time.Time) error {
		b, err := lookup(s, version, expectedRevision)
		if err != nil {
			return err
		}
		if b.State != models.BundleCanary && b.State != models.BundleActive {
			return models.Errorf(models.ErrInvalidTransition, "bundle %d is %s, only canary or active bundles roll back", version, b.State)
		}
		wasActive := b.State == models.BundleActive
		retired := now
		b.State = models.BundleRetired
		b.RetiredAt = &retired
		b.RetiredBy = actor
		b.Revision++
		s.bundles[version] = b
		out = []models.Bundle{b}

		if !wasActive {
			s.canary = 0
			return nil
		}
		s.active = 0
		if prev, ok := s.bundles[b.PreviousActive]; ok && prev.State == models.BundleRetired {
			reinstated := now
			prev.State = models.BundleActive
			prev.ActivatedAt = &reinstated
			prev.RetiredAt = nil
			prev.RetiredBy = ""
			prev.Revision++
			s.bundles[prev.Version] = prev
			s.active = prev.Version
			out = append(out, prev)
		}
		return nil
	})
	return cloneAll(out), err
}

func (m *Manager) Get(version int64) (models.Bundle, error) {
	b, ok := m.state.Load().bundles[version]
	if !ok {
		return models.Bundle{}, models.Errorf(models.ErrNotFound, "bundle %d not found", version)
	}
	return b.Clone(), nil
}

// List returns every bundle in ascending version order.
func (m *Manager) List() []models.Bundle {
	s := m.state.Load()
	out := make([]models.Bundle, 0, len(s.bundles))
	for v := int64(1); v < s.nextVersion; v++ {
		if b, ok := s.bundles[v]; ok {
			out = append(out, b.Clone())
		}
	}
	return out
}

// Active returns the active bundle, if any.
func (m *Manager) Active() (models.Bundle, bool) {
	s := m.state.Load()
	b, ok := s.bundles[s.active]
	if !ok || s.active == 0 {
		return models.Bundle{}, false
	}
	return b.Clone(), true
}

func (m *Manager) Approvals(version int64) []models.BundleApproval {
	list := m.state.Load().approvals[version]
	return append([]models.BundleApproval{}, list...)
}

func lookup(s *snapshot, version, expectedRevision int64) (models.Bundle, error) {
	b, ok := s.bundles[version]
	if !ok {
		return models.Bundle{}, models.Errorf(models.ErrNotFound, "bundle %d not found", version)
	}
	if expectedRevision != 0 && expectedRevision != b.Revision {
		return models.Bundle{}, models.Errorf(models.ErrStaleState, "bundle %d is at revision %d, expected %d", version, b.Revision, expectedRevision)
	}
	return b, nil
}

func validPercent(p int) error {
	if p < 0 || p > 100 {
		return models.Errorf(models.ErrInvalidInput, "canary percent must be within [0,100], got %d", p)
	}
	return nil
}

func cloneAll(in []models.Bundle) []models.Bundle {
	out := make([]models.Bundle, 0, len(in))
	for _, b := range in {
		out = append(out, b.Clone())
	}
	return out
}
