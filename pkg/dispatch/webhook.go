// Package dispatch carries approved actions to the mailbox provider adapter.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"applylens/pkg/config"
	"applylens/pkg/httpx"
	"applylens/pkg/models"
	"applylens/pkg/telemetry"
)

// Request is the body posted to the adapter. The action ID doubles as the
// adapter-side idempotency key, so retried deliveries apply once.
type Request struct {
	ActionID  string         `json:"action_id"`
	SubjectID string         `json:"subject_id"`
	UserID    string         `json:"user_id"`
	Kind      string         `json:"kind"`
	Params    map[string]any `json:"params,omitempty"`
	RuleID    string         `json:"rule_id"`
	Bundle    int64          `json:"bundle_version"`
}

type Webhook struct {
	url    string
	token  string
	client *httpx.Client
}

func NewWebhook(cfg config.Executor) (*Webhook, error) {
	u := strings.TrimSpace(cfg.URL)
	if u == "" {
		return nil, fmt.Errorf("executor url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:   u,
		token: cfg.Token,
		client: &httpx.Client{
			HTTP:       telemetry.InstrumentClient(&http.Client{Timeout: timeout}),
			Retries:    cfg.Retries,
			RetryDelay: cfg.RetryDelay,
		},
	}, nil
}

func (w *Webhook) Execute(ctx context.Context, a models.ProposedAction) error {
	ctx, span := telemetry.StartSpan(ctx, "dispatch.execute",
		attribute.String("action.id", a.ID),
		attribute.String("action.kind", string(a.Kind)),
	)
	defer span.End()

	headers := map[string]string{"Idempotency-Key": a.ID}
	if w.token != "" {
		headers["Authorization"] = "Bearer " + w.token
	}
	status, body, err := w.client.PostJSON(ctx, w.url, Request{
		ActionID:  a.ID,
		SubjectID: a.SubjectID,
		UserID:    a.UserID,
		Kind:      string(a.Kind),
		Params:    a.Params,
		RuleID:    a.RuleID,
		Bundle:    a.BundleVersion,
	}, headers)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("dispatch %s: %w", a.ID, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	if status < 200 || status > 299 {
		return fmt.Errorf("dispatch %s: adapter returned %d: %s", a.ID, status, truncate(string(body), 200))
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// LogOnly marks actions executed without side effects, for deployments
// where the adapter pulls approved actions from the event stream instead.
type LogOnly struct {
	Logf func(format string, args ...any)
}

func (l LogOnly) Execute(_ context.Context, a models.ProposedAction) error {
	logf := l.Logf
	if logf == nil {
		logf = log.Printf
	}
	logf("dispatch: %s %s on %s (rule %s)", a.ID, a.Kind, a.SubjectID, a.RuleID)
	return nil
}
