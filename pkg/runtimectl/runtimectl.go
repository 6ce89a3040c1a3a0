// Package runtimectl owns the process-wide RuntimeSettings record. Every
// mutation goes through Update, which requires an actor and a reason and
// appends to the audit history.
package runtimectl

import (
	"strings"
	"sync"
	"time"

	"applylens/pkg/models"
)

// Well-known feature flags.
const (
	FlagAutoApprove = "auto_approve"
)

// SettingsUpdate is a partial update; nil fields are left unchanged.
type SettingsUpdate struct {
	KillSwitch    *bool           `json:"kill_switch,omitempty"`
	CanaryPercent *int            `json:"canary_percent,omitempty"`
	Flags         map[string]bool `json:"flags,omitempty"`
	Actor         string          `json:"actor"`
	Reason        string          `json:"reason"`
	// ExpectedRevision, when non-zero, must equal the current revision.
	ExpectedRevision int64 `json:"expected_revision,omitempty"`
}

type Controller struct {
	mu        sync.RWMutex
	settings  models.RuntimeSettings
	history   []models.SettingsChange
	observers []func(models.SettingsChange)
	now       func() time.Time
}

// Defaults is the settings record of a fresh deployment: switch off, global
// canary cap fully open.
func Defaults() models.RuntimeSettings {
	return models.RuntimeSettings{CanaryPercent: 100, Flags: map[string]bool{}}
}

func New(initial models.RuntimeSettings) *Controller {
	if initial.Flags == nil {
		initial.Flags = map[string]bool{}
	}
	return &Controller{settings: initial.Clone(), now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// OnChange registers fn to run after each committed update, outside the lock.
func (c *Controller) OnChange(fn func(models.SettingsChange)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

func (c *Controller) Snapshot() models.RuntimeSettings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.Clone()
}

func (c *Controller) KillSwitchEngaged() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.KillSwitch
}

func (c *Controller) CanaryPercent() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.CanaryPercent
}

func (c *Controller) Flag(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.Flags[name]
}

// Update applies u atomically and returns the audit entry it recorded.
func (c *Controller) Update(u SettingsUpdate) (models.SettingsChange, error) {
	actor, reason := strings.TrimSpace(u.Actor), strings.TrimSpace(u.Reason)
	if actor == "" || reason == "" {
		return models.SettingsChange{}, models.Errorf(models.ErrInvalidInput, "actor and reason are required")
	}
	if u.CanaryPercent != nil && (*u.CanaryPercent < 0 || *u.CanaryPercent > 100) {
		return models.SettingsChange{}, models.Errorf(models.ErrInvalidInput, "canary_percent must be within [0,100], got %d", *u.CanaryPercent)
	}
	if u.KillSwitch == nil && u.CanaryPercent == nil && len(u.Flags) == 0 {
		return models.SettingsChange{}, models.Errorf(models.ErrInvalidInput, "update changes nothing")
	}

	c.mu.Lock()
	if u.ExpectedRevision != 0 && u.ExpectedRevision != c.settings.Revision {
		current := c.settings.Revision
		c.mu.Unlock()
		return models.SettingsChange{}, models.Errorf(models.ErrStaleState, "expected settings revision %d, current is %d", u.ExpectedRevision, current)
	}
	before := c.settings.Clone()
	after := c.settings.Clone()
	if u.KillSwitch != nil {
		after.KillSwitch = *u.KillSwitch
	}
	if u.CanaryPercent != nil {
		after.CanaryPercent = *u.CanaryPercent
	}
	for name, on := range u.Flags {
		after.Flags[name] = on
	}
	at := c.now().UTC()
	after.Revision = before.Revision + 1
	after.UpdatedBy = actor
	after.UpdatedReason = reason
	after.UpdatedAt = at

	change := models.SettingsChange{
		Revision: after.Revision,
		Actor:    actor,
		Reason:   reason,
		Before:   before,
		After:    after.Clone(),
		At:       at,
	}
	c.settings = after
	c.history = append(c.history, change)
	observers := append([]func(models.SettingsChange){}, c.observers...)
	c.mu.Unlock()

	for _, fn := range observers {
		fn(change)
	}
	return change, nil
}

// History returns the audit trail, oldest first.
func (c *Controller) History() []models.SettingsChange {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.SettingsChange, len(c.history))
	copy(out, c.history)
	return out
}

// Load replaces state with a record hydrated from storage.
func (c *Controller) Load(settings models.RuntimeSettings, history []models.SettingsChange) {
	if settings.Flags == nil {
		settings.Flags = map[string]bool{}
	}
	c.mu.Lock()
	c.settings = settings.Clone()
	c.history = append([]models.SettingsChange(nil), history...)
	c.mu.Unlock()
}
