package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"applylens/pkg/models"
)

// DB is the slice of pgxpool.Pool the repository needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repo persists decision state to Postgres. The in-memory components own the
// truth while running; Repo is written after each committed change and read
// once at startup.
type Repo struct {
	DB DB
}

func NewRepo(db DB) *Repo {
	return &Repo{DB: db}
}

const bundleColumns = `version, state, rules, digest, canary_percent, created_by, created_at,
	activated_at, retired_at, retired_by, approval_ref, previous_active, revision`

func (r *Repo) SaveBundle(ctx context.Context, b models.Bundle) error {
	rules, err := json.Marshal(b.Rules)
	if err != nil {
		return fmt.Errorf("encode bundle %d rules: %w", b.Version, err)
	}
	_, err = r.DB.Exec(ctx, `
		INSERT INTO bundles (`+bundleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (version) DO UPDATE SET
			state=EXCLUDED.state,
			canary_percent=EXCLUDED.canary_percent,
			activated_at=EXCLUDED.activated_at,
			retired_at=EXCLUDED.retired_at,
			retired_by=EXCLUDED.retired_by,
			approval_ref=EXCLUDED.approval_ref,
			previous_active=EXCLUDED.previous_active,
			revision=EXCLUDED.revision
		WHERE bundles.revision < EXCLUDED.revision
	`, b.Version, string(b.State), rules, b.Digest, b.CanaryPercent, b.CreatedBy, b.CreatedAt,
		b.ActivatedAt, b.RetiredAt, b.RetiredBy, b.ApprovalRef, b.PreviousActive, b.Revision)
	if err != nil {
		return fmt.Errorf("save bundle %d: %w", b.Version, err)
	}
	return nil
}

// SaveBundles writes a multi-bundle transition. Rows leaving active or canary
// are written before rows entering them so the single-active index holds.
func (r *Repo) SaveBundles(ctx context.Context, bundles []models.Bundle) error {
	ordered := append([]models.Bundle(nil), bundles...)
	sort.SliceStable(ordered, func(i, j int) bool { return stateRank(ordered[i].State) < stateRank(ordered[j].State) })
	for _, b := range ordered {
		if err := r.SaveBundle(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

func stateRank(s models.BundleState) int {
	switch s {
	case models.BundleActive:
		return 2
	case models.BundleCanary:
		return 1
	default:
		return 0
	}
}

func (r *Repo) LoadBundles(ctx context.Context) ([]models.Bundle, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+bundleColumns+` FROM bundles ORDER BY version ASC`)
	if err != nil {
		return nil, fmt.Errorf("query bundles: %w", err)
	}
	defer rows.Close()
	out := []models.Bundle{}
	for rows.Next() {
		var (
			b     models.Bundle
			state string
			rules []byte
		)
		if err := rows.Scan(&b.Version, &state, &rules, &b.Digest, &b.CanaryPercent, &b.CreatedBy, &b.CreatedAt,
			&b.ActivatedAt, &b.RetiredAt, &b.RetiredBy, &b.ApprovalRef, &b.PreviousActive, &b.Revision); err != nil {
			return nil, fmt.Errorf("scan bundle: %w", err)
		}
		b.State = models.BundleState(state)
		if err := json.Unmarshal(rules, &b.Rules); err != nil {
			return nil, fmt.Errorf("decode bundle %d rules: %w", b.Version, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *Repo) SaveApproval(ctx context.Context, a models.BundleApproval) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO bundle_approvals (id, bundle_version, approver, reason, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO NOTHING
	`, a.ID, a.BundleVersion, a.Approver, a.Reason, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("save approval %s: %w", a.ID, err)
	}
	return nil
}

func (r *Repo) LoadApprovals(ctx context.Context) ([]models.BundleApproval, error) {
	rows, err := r.DB.Query(ctx, `SELECT id, bundle_version, approver, reason, created_at FROM bundle_approvals ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()
	out := []models.BundleApproval{}
	for rows.Next() {
		var a models.BundleApproval
		if err := rows.Scan(&a.ID, &a.BundleVersion, &a.Approver, &a.Reason, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const actionColumns = `id, subject_id, user_id, kind, rule_id, bundle_version, canary, confidence, rationale,
	params, status, requires_approval, budget, deferred, decided_by, decision_reason, failure_reason,
	created_at, updated_at`

func (r *Repo) SaveAction(ctx context.Context, a models.ProposedAction) error {
	var params []byte
	if a.Params != nil {
		var err error
		if params, err = json.Marshal(a.Params); err != nil {
			return fmt.Errorf("encode action %s params: %w", a.ID, err)
		}
	}
	_, err := r.DB.Exec(ctx, `
		INSERT INTO proposed_actions (`+actionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status,
			deferred=EXCLUDED.deferred,
			decided_by=EXCLUDED.decided_by,
			decision_reason=EXCLUDED.decision_reason,
			failure_reason=EXCLUDED.failure_reason,
			updated_at=EXCLUDED.updated_at
		WHERE proposed_actions.updated_at <= EXCLUDED.updated_at
	`, a.ID, a.SubjectID, a.UserID, string(a.Kind), a.RuleID, a.BundleVersion, a.Canary, a.Confidence, a.Rationale,
		params, string(a.Status), a.RequiresApproval, a.Budget, a.Deferred, a.DecidedBy, a.DecisionReason, a.FailureReason,
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save action %s: %w", a.ID, err)
	}
	return nil
}

func (r *Repo) LoadActions(ctx context.Context) ([]models.ProposedAction, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+actionColumns+` FROM proposed_actions ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()
	out := []models.ProposedAction{}
	for rows.Next() {
		var (
			a            models.ProposedAction
			kind, status string
			params       []byte
		)
		if err := rows.Scan(&a.ID, &a.SubjectID, &a.UserID, &kind, &a.RuleID, &a.BundleVersion, &a.Canary, &a.Confidence, &a.Rationale,
			&params, &status, &a.RequiresApproval, &a.Budget, &a.Deferred, &a.DecidedBy, &a.DecisionReason, &a.FailureReason,
			&a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a.Kind = models.ActionKind(kind)
		a.Status = models.ActionStatus(status)
		if len(params) > 0 {
			if err := json.Unmarshal(params, &a.Params); err != nil {
				return nil, fmt.Errorf("decode action %s params: %w", a.ID, err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveStats upserts a counter snapshot. Counters only grow, so a snapshot
// with a smaller total than the stored row is older and is ignored.
func (r *Repo) SaveStats(ctx context.Context, s models.PolicyStats) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO policy_stats (rule_id, user_id, fired, approved, rejected, missed, precision, recall, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (rule_id, user_id) DO UPDATE SET
			fired=EXCLUDED.fired,
			approved=EXCLUDED.approved,
			rejected=EXCLUDED.rejected,
			missed=EXCLUDED.missed,
			precision=EXCLUDED.precision,
			recall=EXCLUDED.recall,
			updated_at=EXCLUDED.updated_at
		WHERE policy_stats.fired + policy_stats.approved + policy_stats.rejected + policy_stats.missed
			<= EXCLUDED.fired + EXCLUDED.approved + EXCLUDED.rejected + EXCLUDED.missed
	`, s.RuleID, s.UserID, s.Fired, s.Approved, s.Rejected, s.Missed, s.Precision, s.Recall, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save stats %s/%s: %w", s.RuleID, s.UserID, err)
	}
	return nil
}

func (r *Repo) LoadStats(ctx context.Context) ([]models.PolicyStats, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT rule_id, user_id, fired, approved, rejected, missed, precision, recall, updated_at
		FROM policy_stats ORDER BY rule_id, user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()
	out := []models.PolicyStats{}
	for rows.Next() {
		var s models.PolicyStats
		if err := rows.Scan(&s.RuleID, &s.UserID, &s.Fired, &s.Approved, &s.Rejected, &s.Missed, &s.Precision, &s.Recall, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SaveSettingsChange upserts the current settings row and appends the change
// to the history table.
func (r *Repo) SaveSettingsChange(ctx context.Context, c models.SettingsChange) error {
	after := c.After
	flags, err := json.Marshal(after.Flags)
	if err != nil {
		return fmt.Errorf("encode flags: %w", err)
	}
	if _, err := r.DB.Exec(ctx, `
		INSERT INTO runtime_settings (id, kill_switch, canary_percent, flags, revision, updated_by, updated_reason, updated_at)
		VALUES (1,$1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			kill_switch=EXCLUDED.kill_switch,
			canary_percent=EXCLUDED.canary_percent,
			flags=EXCLUDED.flags,
			revision=EXCLUDED.revision,
			updated_by=EXCLUDED.updated_by,
			updated_reason=EXCLUDED.updated_reason,
			updated_at=EXCLUDED.updated_at
		WHERE runtime_settings.revision < EXCLUDED.revision
	`, after.KillSwitch, after.CanaryPercent, flags, after.Revision, after.UpdatedBy, after.UpdatedReason, after.UpdatedAt); err != nil {
		return fmt.Errorf("save runtime settings: %w", err)
	}
	before, err := json.Marshal(c.Before)
	if err != nil {
		return fmt.Errorf("encode settings before: %w", err)
	}
	afterRaw, err := json.Marshal(c.After)
	if err != nil {
		return fmt.Errorf("encode settings after: %w", err)
	}
	if _, err := r.DB.Exec(ctx, `
		INSERT INTO runtime_settings_history (revision, actor, reason, before, after, at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (revision) DO NOTHING
	`, c.Revision, c.Actor, c.Reason, before, afterRaw, c.At); err != nil {
		return fmt.Errorf("save settings history %d: %w", c.Revision, err)
	}
	return nil
}

// LoadSettings returns the persisted settings and history. found is false
// when no settings row exists yet.
func (r *Repo) LoadSettings(ctx context.Context) (settings models.RuntimeSettings, history []models.SettingsChange, found bool, err error) {
	var flags []byte
	row := r.DB.QueryRow(ctx, `
		SELECT kill_switch, canary_percent, flags, revision, updated_by, updated_reason, updated_at
		FROM runtime_settings WHERE id=1
	`)
	if err := row.Scan(&settings.KillSwitch, &settings.CanaryPercent, &flags, &settings.Revision,
		&settings.UpdatedBy, &settings.UpdatedReason, &settings.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.RuntimeSettings{}, nil, false, nil
		}
		return models.RuntimeSettings{}, nil, false, fmt.Errorf("load runtime settings: %w", err)
	}
	if len(flags) > 0 {
		if err := json.Unmarshal(flags, &settings.Flags); err != nil {
			return models.RuntimeSettings{}, nil, false, fmt.Errorf("decode flags: %w", err)
		}
	}
	if settings.Flags == nil {
		settings.Flags = map[string]bool{}
	}
	rows, err := r.DB.Query(ctx, `SELECT revision, actor, reason, before, after, at FROM runtime_settings_history ORDER BY revision ASC`)
	if err != nil {
		return models.RuntimeSettings{}, nil, false, fmt.Errorf("query settings history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			c             models.SettingsChange
			before, after []byte
		)
		if err := rows.Scan(&c.Revision, &c.Actor, &c.Reason, &before, &after, &c.At); err != nil {
			return models.RuntimeSettings{}, nil, false, fmt.Errorf("scan settings history: %w", err)
		}
		if err := json.Unmarshal(before, &c.Before); err != nil {
			return models.RuntimeSettings{}, nil, false, fmt.Errorf("decode history %d: %w", c.Revision, err)
		}
		if err := json.Unmarshal(after, &c.After); err != nil {
			return models.RuntimeSettings{}, nil, false, fmt.Errorf("decode history %d: %w", c.Revision, err)
		}
		history = append(history, c)
	}
	return settings, history, true, rows.Err()
}

// ActionChanged and StatsChanged let Repo observe the approval workflow.
func (r *Repo) ActionChanged(ctx context.Context, a models.ProposedAction) error {
	return r.SaveAction(ctx, a)
}

func (r *Repo) StatsChanged(ctx context.Context, s models.PolicyStats) error {
	return r.SaveStats(ctx, s)
}
