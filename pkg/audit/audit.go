// Package audit records operator-visible changes: runtime settings updates,
// bundle transitions and action dispositions.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"applylens/pkg/models"
)

const (
	KindRuntimeSettings = "runtime_settings"
	KindBundle          = "bundle_transition"
	KindBundleApproval  = "bundle_approval"
	KindAction          = "action_disposition"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer appends audit events. With Redact set, actor names and subject
// identifiers are replaced by salted hashes before they reach storage.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
	Now      func() time.Time
	Logf     func(format string, args ...any)
}

type Record struct {
	ID        int64           `json:"id"`
	Kind      string          `json:"kind"`
	Ref       string          `json:"ref"`
	Actor     string          `json:"actor,omitempty"`
	ActorHash string          `json:"actor_hash,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func (w *Writer) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = w.now()
	}
	if w.Redact && rec.Actor != "" {
		rec.ActorHash = hashString(rec.Actor, w.HashSalt)
		rec.Actor = ""
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_events (kind, ref, actor, actor_hash, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, rec.Kind, rec.Ref, rec.Actor, rec.ActorHash, []byte(rec.Payload), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("append %s audit event: %w", rec.Kind, err)
	}
	return nil
}

// List returns events of kind, optionally narrowed to one ref, newest first.
func (w *Writer) List(ctx context.Context, kind, ref string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var (
		rows pgx.Rows
		err  error
	)
	if ref == "" {
		rows, err = w.DB.Query(ctx, `
			SELECT id, kind, ref, actor, actor_hash, payload, created_at
			FROM audit_events WHERE kind=$1 ORDER BY created_at DESC, id DESC LIMIT $2
		`, kind, limit)
	} else {
		rows, err = w.DB.Query(ctx, `
			SELECT id, kind, ref, actor, actor_hash, payload, created_at
			FROM audit_events WHERE kind=$1 AND ref=$2 ORDER BY created_at DESC, id DESC LIMIT $3
		`, kind, ref, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		var (
			rec     Record
			payload []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Ref, &rec.Actor, &rec.ActorHash, &payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		rec.Payload = payload
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SettingsChanged records a runtime settings update with its before/after.
func (w *Writer) SettingsChanged(ctx context.Context, c models.SettingsChange) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return w.Append(ctx, Record{
		Kind:      KindRuntimeSettings,
		Ref:       strconv.FormatInt(c.Revision, 10),
		Actor:     c.Actor,
		Payload:   payload,
		CreatedAt: c.At,
	})
}

// BundlesChanged records each bundle touched by one lifecycle operation.
func (w *Writer) BundlesChanged(ctx context.Context, op, actor string, bundles []models.Bundle) error {
	for _, b := range bundles {
		payload, err := json.Marshal(map[string]any{
			"op":              op,
			"state":           b.State,
			"revision":        b.Revision,
			"digest":          b.Digest,
			"canary_percent":  b.CanaryPercent,
			"approval_ref":    b.ApprovalRef,
			"previous_active": b.PreviousActive,
		})
		if err != nil {
			return err
		}
		if err := w.Append(ctx, Record{Kind: KindBundle, Ref: strconv.FormatInt(b.Version, 10), Actor: actor, Payload: payload}); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) ApprovalRecorded(ctx context.Context, a models.BundleApproval) error {
	payload, err := json.Marshal(map[string]any{"approval_id": a.ID, "reason": a.Reason})
	if err != nil {
		return err
	}
	return w.Append(ctx, Record{
		Kind:      KindBundleApproval,
		Ref:       strconv.FormatInt(a.BundleVersion, 10),
		Actor:     a.Approver,
		Payload:   payload,
		CreatedAt: a.CreatedAt,
	})
}

// ActionChanged records dispositions. Fresh proposals are not audited; the
// action record itself is their history.
func (w *Writer) ActionChanged(ctx context.Context, a models.ProposedAction) error {
	if a.Status == models.StatusProposed {
		return nil
	}
	payload, err := json.Marshal(actionPayload(a, w.Redact, w.HashSalt))
	if err != nil {
		return err
	}
	return w.Append(ctx, Record{
		Kind:      KindAction,
		Ref:       a.ID,
		Actor:     a.DecidedBy,
		Payload:   payload,
		CreatedAt: a.UpdatedAt,
	})
}

func (w *Writer) StatsChanged(context.Context, models.PolicyStats) error {
	return nil
}

// Forward adapts SettingsChanged to runtimectl.Controller.OnChange, which
// has no context or error return.
func (w *Writer) Forward(ctx context.Context) func(models.SettingsChange) {
	logf := w.Logf
	if logf == nil {
		logf = log.Printf
	}
	return func(c models.SettingsChange) {
		if err := w.SettingsChanged(ctx, c); err != nil {
			logf("audit: runtime settings revision %d: %v", c.Revision, err)
		}
	}
}
