package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"

	"applylens/pkg/approval"
	"applylens/pkg/bundle"
	"applylens/pkg/config"
	"applylens/pkg/httpx"
	"applylens/pkg/lint"
	"applylens/pkg/metrics"
	"applylens/pkg/models"
	"applylens/pkg/policyeval"
	"applylens/pkg/ratelimit"
	"applylens/pkg/risk"
	"applylens/pkg/rulefile"
	"applylens/pkg/runtimectl"
	"applylens/pkg/store"
	"applylens/pkg/stream"
	"applylens/pkg/telemetry"
)

const idempotencyHeader = "Idempotency-Key"

type Server struct {
	Weights     risk.WeightTable
	Bundles     *bundle.Manager
	Workflow    *approval.Workflow
	Runtime     *runtimectl.Controller
	LintOptions lint.Options
	// Idempotency is nil when evaluate replays are disabled.
	Idempotency *store.Idempotency
	Repo        repository
	Audit       auditor
	Limiter     ratelimit.Limiter
	Hub         *stream.Hub
	Metrics     *metrics.Registry

	OperatorTokenHeader string
	OperatorToken       string
	WSAllowedOrigins    []string
}

func (s *Server) routes(cfg config.Config) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(cfg.CORSAllowedOrigins, s.OperatorTokenHeader))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware(cfg.Service))
	r.Use(s.metricsMiddleware)
	r.Use(httpx.LimitBody(cfg.MaxRequestBodyBytes))
	r.Use(ratelimit.Middleware(s.Limiter, cfg.RateLimitPerMinute, nil))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": cfg.Service})
	})
	r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())

	r.Post("/v1/evaluate", s.evaluate)
	r.Post("/v1/lint", s.lintRules)

	r.Get("/v1/bundles", s.listBundles)
	r.Get("/v1/bundles:diff", s.diffBundles)
	r.Get("/v1/bundles/{version}", s.getBundle)
	r.Get("/v1/bundles/{version}/approvals", s.listBundleApprovals)

	r.Get("/v1/actions", s.listActions)
	r.Get("/v1/actions/{id}", s.getAction)
	r.Get("/v1/stats", s.listStats)
	r.Get("/v1/runtime", s.getRuntime)
	r.Get("/v1/runtime/history", s.runtimeHistory)
	r.Get("/v1/stream", s.streamEvents)

	r.Group(func(op chi.Router) {
		op.Use(s.operatorOnly)
		op.Post("/v1/bundles", s.createBundle)
		op.Post("/v1/bundles/{version}/canary", s.canaryBundle)
		op.Post("/v1/bundles/{version}/approvals", s.approveBundle)
		op.Post("/v1/bundles/{version}/activate", s.activateBundle)
		op.Post("/v1/bundles/{version}/rollback", s.rollbackBundle)

		op.Post("/v1/actions/{id}/approve", s.decideAction(s.Workflow.Approve))
		op.Post("/v1/actions/{id}/reject", s.decideAction(s.Workflow.Reject))
		op.Post("/v1/actions/{id}/execute", s.executeAction)
		op.Post("/v1/actions:execute-pending", s.executePending)
		op.Post("/v1/stats/miss", s.recordMiss)

		op.Patch("/v1/runtime", s.patchRuntime)
		op.Get("/v1/audit", s.listAudit)
	})
	return r
}

type evaluateRequest struct {
	SubjectID      string                     `json:"subject_id"`
	UserID         string                     `json:"user_id"`
	Signals        map[string]json.RawMessage `json:"signals"`
	IdempotencyKey string                     `json:"idempotency_key,omitempty"`
}

type evaluateResponse struct {
	RiskScore     models.RiskScore        `json:"risk_score"`
	BundleVersion int64                   `json:"bundle_version"`
	Canary        bool                    `json:"canary"`
	Actions       []models.ProposedAction `json:"actions"`
	Diagnostics   []policyeval.Diagnostic `json:"diagnostics"`
	SignalErrors  []models.SignalError    `json:"signal_errors"`
	Evaluated     []string                `json:"evaluated"`
	Skipped       []string                `json:"skipped"`
}

func (s *Server) evaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err, nil)
		return
	}
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	if req.SubjectID == "" {
		httpx.WriteError(w, models.Errorf(models.ErrInvalidInput, "subject_id is required"), nil)
		return
	}
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		key = strings.TrimSpace(req.IdempotencyKey)
	}
	if key != "" && s.Idempotency != nil {
		stored, err := s.Idempotency.Begin(r.Context(), "evaluate", key)
		switch {
		case errors.Is(err, store.ErrInFlight):
			httpx.WriteJSON(w, http.StatusConflict, httpx.ErrorBody{Error: "in_flight", Message: err.Error(), Retryable: true})
			return
		case err != nil:
			internalServerError(w, "evaluate idempotency", err)
			return
		case stored != nil:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(stored)
			return
		}
	}

	resp, err := s.runEvaluation(r.Context(), req)
	if err != nil {
		if key != "" && s.Idempotency != nil {
			if aerr := s.Idempotency.Abort(r.Context(), "evaluate", key); aerr != nil {
				log.Printf("policyd evaluate release key: %v", aerr)
			}
		}
		s.writeError(w, "evaluate", err, nil)
		return
	}
	body, err := json.Marshal(resp)
	if err != nil {
		internalServerError(w, "evaluate encode", err)
		return
	}
	if key != "" && s.Idempotency != nil {
		if err := s.Idempotency.Complete(r.Context(), "evaluate", key, body); err != nil {
			log.Printf("policyd evaluate store response: %v", err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// runEvaluation scores the signals, routes the subject to a bundle, runs
// its rules and records every resulting action as proposed.
func (s *Server) runEvaluation(ctx context.Context, req evaluateRequest) (evaluateResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "policy.evaluate", attribute.String("subject.id", req.SubjectID))
	defer span.End()

	signals, signalErrs := models.ParseSignals(req.SubjectID, req.UserID, req.Signals)
	sel, err := s.Bundles.Select(req.SubjectID)
	if err != nil {
		return evaluateResponse{}, err
	}
	score := risk.Score(signals, s.Weights)
	res := policyeval.Evaluate(sel.Bundle, score, signals)
	actions, err := s.Workflow.Propose(ctx, res.Actions)
	if err != nil {
		return evaluateResponse{}, err
	}
	s.Metrics.ObserveEvaluation(float64(score.Value), sel.Canary)
	span.SetAttributes(
		attribute.Int64("bundle.version", sel.Bundle.Version),
		attribute.Bool("bundle.canary", sel.Canary),
		attribute.Int("risk.score", score.Value),
		attribute.Int("actions", len(actions)),
	)
	return evaluateResponse{
		RiskScore:     score,
		BundleVersion: sel.Bundle.Version,
		Canary:        sel.Canary,
		Actions:       nonNil(actions),
		Diagnostics:   nonNil(res.Diagnostics),
		SignalErrors:  nonNil(signalErrs),
		Evaluated:     nonNil(res.Evaluated),
		Skipped:       nonNil(res.Skipped),
	}, nil
}

// rulesRequest carries rules either as a JSON list or as a YAML bundle
// document. Both go through rulefile, so an omitted enabled means true.
type rulesRequest struct {
	Rules     json.RawMessage `json:"rules,omitempty"`
	Document  string          `json:"document,omitempty"`
	CreatedBy string          `json:"created_by,omitempty"`
}

func (req rulesRequest) parse() ([]models.Rule, error) {
	raw := []byte(req.Document)
	switch hasRules := len(bytes.TrimSpace(req.Rules)) > 0; {
	case hasRules && strings.TrimSpace(req.Document) != "":
		return nil, models.Errorf(models.ErrInvalidInput, "send rules or document, not both")
	case hasRules:
		raw = req.Rules
	}
	rules, err := rulefile.ParseRules(raw)
	if err != nil {
		return nil, models.Errorf(models.ErrInvalidInput, "%v", err)
	}
	return rules, nil
}

func (s *Server) lintRules(w http.ResponseWriter, r *http.Request) {
	var req rulesRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err, nil)
		return
	}
	rules, err := req.parse()
	if err != nil {
		httpx.WriteError(w, err, nil)
		return
	}
	res := lint.LintWithOptions(rules, s.LintOptions)
	s.Metrics.ObserveLint(res)
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) createBundle(w http.ResponseWriter, r *http.Request) {
	var req rulesRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err, nil)
		return
	}
	rules, err := req.parse()
	if err != nil {
		httpx.WriteError(w, err, nil)
		return
	}
	b, err := s.Bundles.CreateDraft(rules, req.CreatedBy)
	s.Metrics.ObserveBundleOp("create", err)
	if err != nil {
		s.writeError(w, "create bundle", err, nil)
		return
	}
	s.bundlesChanged(r.Context(), "create", req.CreatedBy, b)
	httpx.WriteJSON(w, http.StatusCreated, b)
}

func (s *Server) listBundles(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"bundles": s.Bundles.List()})
}

type bundleView struct {
	models.Bundle
	Approvals []models.BundleApproval `json:"approvals"`
	// EffectiveCanaryPercent is set for canary bundles only.
	EffectiveCanaryPercent *int `json:"effective_canary_percent,omitempty"`
}

func (s *Server) getBundle(w http.ResponseWriter, r *http.Request) {
	version, err := pathVersion(r)
	if err != nil {
		httpx.WriteError(w, err, nil)
		return
	}
	b, err := s.Bundles.Get(version)
	if err != nil {
		s.writeError(w, "get bundle", err, nil)
		return
	}
	view := bundleView{Bundle: b, Approvals: nonNil(s.Bundles.Approvals(version))}
	if b.State == models.BundleCanary {
		p := s.Bundles.EffectiveCanaryPercent(b)
		view.EffectiveCanaryPercent = &p
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}

func (s *Server) diffBundles(w http.ResponseWriter, r *http.Request) {
	from, err := httpx.QueryInt(r, "from", 0)
	if err != nil {
		httpx.WriteError(w, err, nil)
		return
	}
	to, err := httpx.QueryInt(r, "to", 0)
	if err != nil {
		httpx.WriteError(w, err, nil)
		return
	}
	if from <= 0 || to <= 0 {
		httpx.WriteError(w, models.Errorf(models.ErrInvalidInput, "from and to versions are required"), nil)
		return
	}
	d, err := s.Bundles.Diff(from, to)
	if err != nil {
		s.writeError(w, "diff bundles", err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, d)
}

type transitionRequest struct {
	Percent          int    `json:"percent"`
	ApprovalRef      string `json:"approval_ref"`
	Actor            string `json:"actor"`
	ExpectedRevision int64  `json:"expected_revision"`
}

// canaryBundle promotes a draft to canary, or re-weights a running canary.
func (s *Server) canaryBundle(w http.ResponseWriter, r *http.Request) {
	version, req, ok := s.transition(w, r)
	if !ok {
		return
	}
	current, err := s.Bundles.Get(version)
	if err != nil {
		s.writeError(w, "canary bundle", err, nil)
		return
	}
	if current.State == models.BundleCanary {
		b, err := s.Bundles.SetCanaryPercent(version, req.Percent, req.ExpectedRevision)
		s.Metrics.ObserveBundleOp("canary_percent", err)
		if err != nil {
			s.writeError(w, "canary percent", err, nil)
			return
		}
		s.bundlesChanged(r.Context(), "canary_percent", req.Actor, b)
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"bundle": b})
		return
	}
	b, res, err := s.Bundles.PromoteCanary(version, req.Percent, req.ExpectedRevision)
	s.Metrics.ObserveBundleOp("promote", err)
	s.Metrics.ObserveLint(res)
	if err != nil {
		s.writeError(w, "promote bundle", err, res)
		return
	}
	s.bundlesChanged(r.Context(), "promote", req.Actor, b)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"bundle": b, "lint": res})
}

func (s *Server) approveBundle(w http.ResponseWriter, r *http.Request) {
	version, err := pathVersion(r)
	if err != nil {
		httpx.WriteError(w, err, nil)
		return
	}
	var req struct {
		Approver string `json:"approver"`
		Reason   string `json:"reason"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err, nil)
		return
	}
	a, err := s.Bundles.Approve(version, req.Approver, req.Reason)
	s.Metrics.ObserveBundleOp("approve", err)
	if err != nil {
		s.writeError(w, "approve bundle", err, nil)
		return
	}
	if s.Repo != nil {
		if err := s.Repo.SaveApproval(r.Context(), a); err != nil {
			log.Printf("policyd save approval %s: %v", a.ID, err)
		}
	}
	if s.Audit != nil {
		if err := s.Audit.ApprovalRecorded(r.Context(), a); err != nil {
			log.Printf("policyd audit approval %s: %v", a.ID, err)
		}
	}
	httpx.WriteJSON(w, http.StatusCreated, a)
}

func (s *Server) listBundleApprovals(w http.ResponseWriter, r *http.Request) {
	version, err := pathVersion(r)
	if err != nil {
		httpx.WriteError(w, err, nil)
		return
	}
	if _, err := s.Bundles.Get(version); err != nil {
		s.writeError(w, "list approvals", err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"approvals": nonNil(s.Bundles.Approvals(version))})
}

func (s *Server) activateBundle(w http.ResponseWriter, r *http.Request) {
	version, req, ok := s.transition(w, r)
	if !ok {
		return
	}
	changed, err := s.Bundles.Activate(version, req.ApprovalRef, req.ExpectedRevision)
	s.Metrics.ObserveBundleOp("activate", err)
	if err != nil {
		s.writeError(w, "activate bundle", err, nil)
		return
	}
	s.bundlesChanged(r.Context(), "activate", req.Actor, changed...)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"bundles": changed})
}

func (s *Server) rollbackBundle(w http.ResponseWriter, r *http.Request) {
	version, req, ok := s.transition(w, r)
	if !ok {
		return
	}
	changed, err := s.Bundles.Rollback(version, req.Actor, req.ExpectedRevision)
	s.Metrics.ObserveBundleOp("rollback", err)
	if err != nil {
		s.writeError(w, "rollback bundle", err, nil)
		return
	}
	s.bundlesChanged(r.Context(), "rollback", req.Actor, changed...)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"bundles": changed})
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request) (int64, transitionRequest, bool) {
	var req transitionRequest
	version, err := pathVersion(r)
	if err == nil {
		err = httpx.DecodeJSON(r, &req)
	}
	if err != nil {
		httpx.WriteError(w, err, nil)
		return 0, req, false
	}
	return version, req, true
}

// bundlesChanged fans a committed lifecycle change out to storage, the audit
// log and live subscribers. The in-memory transition stands when a sink fails.
func (s *Server) bundlesChanged(ctx context.Context, op, actor string, changed ...models.Bundle) {
	if s.Repo != nil {
		if err := s.Repo.SaveBundles(ctx, changed); err != nil {
			log.Printf("policyd save bundles after %s: %v", op, err)
		}
	}
	if s.Audit != nil {
		if err := s.Audit.BundlesChanged(ctx, op, actor, changed); err != nil {
			log.Printf("policyd audit %s: %v", op, err)
		}
	}
	for _, b := range changed {
		s.Hub.BundleChanged(b)
	}
	if active, ok := s.Bundles.Active(); ok {
		s.Metrics.SetActiveBundle(active.Version)
	} else {
		s.Metrics.SetActiveBundle(0)
	}
}

// seedBundle creates a draft from path when storage holds no bundles yet.
func (s *Server) seedBundle(ctx context.Context, path string) error {
	if path == "" || len(s.Bundles.List()) > 0 {
		return nil
	}
	rules, err := rulefile.LoadRules(path)
	if err != nil {
		return err
	}
	b, err := s.Bundles.CreateDraft(rules, "bootstrap")
	if err != nil {
		return err
	}
	s.bundlesChanged(ctx, "create", "bootstrap", b)
	log.Printf("policyd seeded draft bundle %d from %s (%d rules)", b.Version, path, len(rules))
	return nil
}

func (s *Server) listActions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := httpx.QueryInt(r, "limit", 0)
	if err != nil {
		httpx.WriteError(w, err, nil)
		return
	}
	status := models.ActionStatus(strings.TrimSpace(q.Get("status")))
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"actions": s.Workflow.List(approval.Filter{
		Status:    status,
		SubjectID: q.Get("subject_id"),
		UserID:    q.Get("user_id"),
		RuleID:    q.Get("rule_id"),
		Limit:     int(limit),
	})})
}

func (s *Server) getAction(w http.ResponseWriter, r *http.Request) {
	a, err := s.Workflow.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, "get action", err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, a)
}

func (s *Server) decideAction(decide func(ctx context.Context, id, actor, reason string) (models.ProposedAction, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Actor  string `json:"actor"`
			Reason string `json:"reason"`
		}
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, err, nil)
			return
		}
		a, err := decide(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Reason)
		if err != nil {
			s.writeError(w, "decide action", err, nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, a)
	}
}

func (s *Server) executeAction(w http.ResponseWriter, r *http.Request) {
	a, err := s.Workflow.Execute(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, models.ErrExecutionDeferred) {
		httpx.WriteError(w, err, a)
		return
	}
	if err != nil {
		s.writeError(w, "execute action", err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, a)
}

func (s *Server) executePending(w http.ResponseWriter, r *http.Request) {
	report, err := s.Workflow.ExecutePending(r.Context())
	if errors.Is(err, models.ErrExecutionDeferred) {
		httpx.WriteError(w, err, report)
		return
	}
	if err != nil {
		s.writeError(w, "execute pending", err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, report)
}

func (s *Server) listStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"stats": s.Workflow.Stats(approval.StatsFilter{RuleID: q.Get("rule_id"), UserID: q.Get("user_id")}),
	})
}

func (s *Server) recordMiss(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RuleID string `json:"rule_id"`
		UserID string `json:"user_id"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err, nil)
		return
	}
	st, err := s.Workflow.RecordMiss(r.Context(), req.RuleID, req.UserID)
	if err != nil {
		s.writeError(w, "record miss", err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) getRuntime(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.Runtime.Snapshot())
}

func (s *Server) patchRuntime(w http.ResponseWriter, r *http.Request) {
	var u runtimectl.SettingsUpdate
	if err := httpx.DecodeJSON(r, &u); err != nil {
		httpx.WriteError(w, err, nil)
		return
	}
	change, err := s.Runtime.Update(u)
	if err != nil {
		s.writeError(w, "update runtime", err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, change)
}

func (s *Server) runtimeHistory(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"history": nonNil(s.Runtime.History())})
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.Error(w, http.StatusNotImplemented, "audit log requires postgres storage")
		return
	}
	limit, err := httpx.QueryInt(r, "limit", 100)
	if err != nil {
		httpx.WriteError(w, err, nil)
		return
	}
	q := r.URL.Query()
	kind := strings.TrimSpace(q.Get("kind"))
	if kind == "" {
		httpx.WriteError(w, models.Errorf(models.ErrInvalidInput, "kind is required"), nil)
		return
	}
	recs, err := s.Audit.List(r.Context(), kind, strings.TrimSpace(q.Get("ref")), int(limit))
	if err != nil {
		internalServerError(w, "list audit", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"records": nonNil(recs)})
}

func (s *Server) operatorOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(s.OperatorTokenHeader) == "" || strings.TrimSpace(s.OperatorToken) == "" {
			httpx.Error(w, http.StatusServiceUnavailable, "operator auth not configured")
			return
		}
		got := r.Header.Get(s.OperatorTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.OperatorToken)) != 1 {
			httpx.Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := ""
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		s.Metrics.Observe(route, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack lets the websocket upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// writeError renders typed errors with their mapped status and logs the rest.
func (s *Server) writeError(w http.ResponseWriter, op string, err error, detail any) {
	if httpx.StatusOf(err) == http.StatusInternalServerError {
		internalServerError(w, op, err)
		return
	}
	httpx.WriteError(w, err, detail)
}

func internalServerError(w http.ResponseWriter, op string, err error) {
	if err != nil {
		log.Printf("policyd %s: %v", op, err)
	}
	httpx.Error(w, http.StatusInternalServerError, "internal error")
}

func pathVersion(r *http.Request) (int64, error) {
	v, err := strconv.ParseInt(chi.URLParam(r, "version"), 10, 64)
	if err != nil || v <= 0 {
		return 0, models.Errorf(models.ErrInvalidInput, "version must be a positive integer")
	}
	return v, nil
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
