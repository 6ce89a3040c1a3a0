package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"applylens/pkg/models"
)

func TestObserveRequests(t *testing.T) {
	r := NewRegistry()
	r.Observe("/v1/evaluate", 200, 15*time.Millisecond)
	r.Observe("/v1/evaluate", 200, 35*time.Millisecond)
	r.Observe("", 404, time.Millisecond)

	if got := testutil.ToFloat64(r.requests.WithLabelValues("/v1/evaluate", "200")); got != 2 {
		t.Fatalf("expected 2 evaluate requests, got %v", got)
	}
	if got := testutil.ToFloat64(r.requests.WithLabelValues("unmatched", "404")); got != 1 {
		t.Fatalf("expected unmatched route label, got %v", got)
	}
	if n := testutil.CollectAndCount(r.latency); n != 2 {
		t.Fatalf("expected 2 latency series, got %d", n)
	}
}

func TestDomainCounters(t *testing.T) {
	r := NewRegistry()
	r.ObserveEvaluation(72, true)
	r.ObserveEvaluation(10, false)
	r.ObserveEvaluation(15, false)
	if got := testutil.ToFloat64(r.evaluations.WithLabelValues("active")); got != 2 {
		t.Fatalf("expected 2 active evaluations, got %v", got)
	}

	_ = r.ActionChanged(context.Background(), models.ProposedAction{Kind: models.ActionArchive, Status: models.StatusApproved})
	if got := testutil.ToFloat64(r.actions.WithLabelValues("archive", "approved")); got != 1 {
		t.Fatalf("expected 1 approved archive, got %v", got)
	}

	r.ObserveLint(models.LintResult{
		Errors:   []models.LintAnnotation{{Severity: models.SeverityError, Code: "conflict"}},
		Warnings: []models.LintAnnotation{{Severity: models.SeverityWarning, Code: "shadowed"}, {Severity: models.SeverityWarning, Code: "shadowed"}},
	})
	if got := testutil.ToFloat64(r.lintFindings.WithLabelValues("warning", "shadowed")); got != 2 {
		t.Fatalf("expected 2 shadowed warnings, got %v", got)
	}

	r.ObserveBundleOp("activate", nil)
	r.ObserveBundleOp("activate", models.Errorf(models.ErrApprovalRequired, "v%d", 3))
	if got := testutil.ToFloat64(r.bundleOps.WithLabelValues("activate", "approval_required")); got != 1 {
		t.Fatalf("expected coded failure outcome, got %v", got)
	}

	r.SettingsChanged(models.SettingsChange{After: models.RuntimeSettings{KillSwitch: true, CanaryPercent: 25}})
	if testutil.ToFloat64(r.killSwitch) != 1 || testutil.ToFloat64(r.canaryPercent) != 25 {
		t.Fatal("expected runtime gauges to follow settings")
	}
	r.SetRuntime(models.RuntimeSettings{CanaryPercent: 100})
	if testutil.ToFloat64(r.killSwitch) != 0 {
		t.Fatal("expected kill switch gauge cleared")
	}
}

func TestHandlerExposesText(t *testing.T) {
	r := NewRegistry()
	r.SetActiveBundle(4)
	r.SetSubscribers(2)
	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{"applylens_bundle_active_version 4", "applylens_stream_subscribers 2", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in exposition", want)
		}
	}
}
