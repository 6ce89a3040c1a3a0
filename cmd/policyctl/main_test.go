package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"applylens/pkg/statebus"
)

const promotionsBundle = `
rules:
  - id: label-promotions
    priority: 10
    when:
      - {field: signal.category, op: eq, value: promotions}
    action: label
    params:
      label: Later
    rationale: promotional mail is labelled for later reading
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), args, &out)
	return out.String(), err
}

func TestRunCommandRouting(t *testing.T) {
	t.Parallel()

	out, err := runCmd(t)
	if err == nil {
		t.Fatal("expected error when command is missing")
	}
	if !strings.Contains(out, "policyctl commands") {
		t.Fatalf("expected usage output, got %q", out)
	}

	out, err = runCmd(t, "unknown")
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
	if !strings.Contains(out, "policyctl commands") {
		t.Fatalf("expected usage output for unknown command, got %q", out)
	}
}

func TestRequiredFlags(t *testing.T) {
	t.Parallel()

	cases := [][]string{
		{"lint"},
		{"score"},
		{"evaluate", "--rules", "x.yaml"},
		{"diff", "--from", "a.yaml"},
		{"lint", "--bogus"},
	}
	for _, args := range cases {
		if _, err := runCmd(t, args...); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}

func TestLintCommand(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "bundle.yaml", promotionsBundle)
	out, err := runCmd(t, "lint", "--rules", path)
	if err != nil {
		t.Fatalf("lint: %v", err)
	}
	var res struct {
		Passed bool `json:"passed"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil || !res.Passed {
		t.Fatalf("expected passing lint output, got %q (%v)", out, err)
	}

	bad := writeFile(t, "bad.yaml", `
rules:
  - id: explode
    priority: 1
    action: detonate
    rationale: this action kind does not exist anywhere
`)
	out, err = runCmd(t, "lint", "--rules", bad)
	if !errors.Is(err, errLintFailed) {
		t.Fatalf("expected errLintFailed, got %v", err)
	}
	if !strings.Contains(out, "unknown_action") {
		t.Fatalf("expected the failing annotations to be printed, got %q", out)
	}

	if _, err := runCmd(t, "lint", "--rules", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected missing file error")
	}
}

func TestScoreCommand(t *testing.T) {
	t.Parallel()

	signals := writeFile(t, "signals.json", `{"subject_id":"m-1","user_id":"u-1","signals":{"category":"promotions","odd":[1,2]}}`)
	out, err := runCmd(t, "score", "--signals", signals)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	var res struct {
		RiskScore struct {
			Value int `json:"value"`
		} `json:"risk_score"`
		SignalErrors []struct {
			Signal string `json:"signal"`
		} `json:"signal_errors"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.RiskScore.Value < 0 || res.RiskScore.Value > 100 {
		t.Fatalf("expected score in [0,100], got %d", res.RiskScore.Value)
	}
	if len(res.SignalErrors) != 1 || res.SignalErrors[0].Signal != "odd" {
		t.Fatalf("expected one signal error for odd, got %+v", res.SignalErrors)
	}

	if _, err := runCmd(t, "score", "--signals", writeFile(t, "broken.json", "{")); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := runCmd(t, "score", "--signals", signals, "--weights", filepath.Join(t.TempDir(), "w.yaml")); err == nil {
		t.Fatal("expected missing weights error")
	}
}

func TestEvaluateCommand(t *testing.T) {
	t.Parallel()

	rules := writeFile(t, "bundle.yaml", promotionsBundle)
	signals := writeFile(t, "signals.json", `{"subject_id":"m-1","user_id":"u-1","signals":{"category":"promotions"}}`)
	out, err := runCmd(t, "evaluate", "--rules", rules, "--signals", signals)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	var res struct {
		Actions []struct {
			RuleID string `json:"rule_id"`
			Kind   string `json:"kind"`
		} `json:"actions"`
		Evaluated []string `json:"evaluated"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Actions) != 1 || res.Actions[0].RuleID != "label-promotions" || res.Actions[0].Kind != "label" {
		t.Fatalf("expected one label action, got %+v", res.Actions)
	}
	if len(res.Evaluated) != 1 {
		t.Fatalf("expected one evaluated rule, got %v", res.Evaluated)
	}

	out, err = runCmd(t, "evaluate", "--rules", rules, "--signals", signals, "--trace", "label-promotions")
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	var trace struct {
		Fired      bool `json:"fired"`
		Predicates []struct {
			Matched bool `json:"matched"`
		} `json:"predicates"`
	}
	if err := json.Unmarshal([]byte(out), &trace); err != nil {
		t.Fatalf("decode trace: %v", err)
	}
	if !trace.Fired || len(trace.Predicates) != 1 || !trace.Predicates[0].Matched {
		t.Fatalf("expected fired trace, got %+v", trace)
	}

	if _, err := runCmd(t, "evaluate", "--rules", rules, "--signals", signals, "--trace", "nope"); err == nil {
		t.Fatal("expected unknown trace rule error")
	}
}

func TestDiffCommand(t *testing.T) {
	t.Parallel()

	before := writeFile(t, "old.yaml", promotionsBundle)
	out, err := runCmd(t, "diff", "--from", before, "--to", before)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if strings.TrimSpace(out) != "no changes" {
		t.Fatalf("expected no changes, got %q", out)
	}

	after := writeFile(t, "new.yaml", `
rules:
  - id: label-promotions
    priority: 20
    when:
      - {field: signal.category, op: eq, value: promotions}
    action: label
    params:
      label: Later
    rationale: promotional mail is labelled for later reading
  - id: archive-newsletters
    priority: 5
    when:
      - {field: signal.category, op: eq, value: newsletter}
    action: archive
    rationale: newsletters are archived once they have been read
`)
	out, err = runCmd(t, "diff", "--from", before, "--to", after)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if !strings.Contains(out, "+ archive-newsletters") || !strings.Contains(out, "~ label-promotions") {
		t.Fatalf("unexpected diff output %q", out)
	}
}

type fakeConsumer struct {
	msgs   []statebus.Message
	err    error
	closed bool
}

func (f *fakeConsumer) ReadMessage(ctx context.Context) (statebus.Message, error) {
	if len(f.msgs) == 0 {
		if f.err != nil {
			return statebus.Message{}, f.err
		}
		<-ctx.Done()
		return statebus.Message{}, ctx.Err()
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeConsumer) Close() error {
	f.closed = true
	return nil
}

func TestTailCommand(t *testing.T) {
	orig := newConsumer
	defer func() { newConsumer = orig }()

	fake := &fakeConsumer{msgs: []statebus.Message{
		{Value: []byte(`{"type":"stats","key":"r1/u1","data":{}}`)},
		{Value: []byte(`not json`)},
		{Value: []byte(`{"type":"action","key":"a-1","data":{"id":"a-1"}}`)},
		{Value: []byte(`{"type":"action","key":"a-2","data":{"id":"a-2"}}`)},
	}}
	var gotCfg statebus.KafkaConfig
	newConsumer = func(cfg statebus.KafkaConfig) (statebus.Consumer, error) {
		gotCfg = cfg
		return fake, nil
	}

	out, err := runCmd(t, "tail", "--brokers", "k1:9092,k2:9092", "--topic", "events", "--types", "action", "--limit", "2")
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(gotCfg.Brokers) != 2 || gotCfg.Topic != "events" || gotCfg.GroupID != "policyctl" {
		t.Fatalf("unexpected consumer config %+v", gotCfg)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], `"a-1"`) || !strings.Contains(lines[1], `"a-2"`) {
		t.Fatalf("expected two action envelopes, got %q", out)
	}
	if !fake.closed {
		t.Fatal("expected consumer to be closed")
	}

	newConsumer = func(statebus.KafkaConfig) (statebus.Consumer, error) {
		return &fakeConsumer{err: errors.New("broker gone")}, nil
	}
	if _, err := runCmd(t, "tail", "--brokers", "k1:9092"); err == nil || !strings.Contains(err.Error(), "broker gone") {
		t.Fatalf("expected read error, got %v", err)
	}

	newConsumer = func(statebus.KafkaConfig) (statebus.Consumer, error) { return &fakeConsumer{}, nil }
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := run(ctx, []string{"tail", "--brokers", "k1:9092"}, &bytes.Buffer{}); err != nil {
		t.Fatalf("expected cancellation to end tail cleanly, got %v", err)
	}

	newConsumer = orig
	if _, err := runCmd(t, "tail", "--brokers", " ", "--topic", "events"); err == nil {
		t.Fatal("expected missing brokers error from the kafka consumer")
	}
}

func TestMainExit(t *testing.T) {
	origExit := osExit
	origArgs := os.Args
	defer func() {
		osExit = origExit
		os.Args = origArgs
	}()

	code := -1
	osExit = func(c int) { code = c }
	os.Args = []string{"policyctl"}
	main()
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}
