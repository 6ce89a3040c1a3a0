package models

import (
	"encoding/json"
	"testing"
)

func TestCanonicalizeJSONSortsKeys(t *testing.T) {
	raw := json.RawMessage(`{"z":1.5,"a":[2.25,{"k":3.75,"b":true}],"m":null}`)
	canon, err := CanonicalizeJSON(raw)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(canon) != `{"a":[2.25,{"b":true,"k":3.75}],"m":null,"z":1.5}` {
		t.Fatalf("unexpected canonical output: %s", string(canon))
	}
	if _, err := CanonicalizeJSON(json.RawMessage(`{"x":bad}`)); err == nil {
		t.Fatal("expected parse error for invalid json")
	}
}

func TestRulesDigestDeterminism(t *testing.T) {
	rules := []Rule{
		{ID: "a", Priority: 10, Action: ActionLabel, Enabled: true, Params: map[string]any{"label": "jobs", "color": "blue"}},
		{ID: "b", Priority: 5, Action: ActionArchive, Enabled: true},
	}
	d1, err := RulesDigest(rules)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	d2, err := RulesDigest(CloneRules(rules))
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("expected identical digests, got %s and %s", d1, d2)
	}
	swapped := []Rule{rules[1], rules[0]}
	d3, err := RulesDigest(swapped)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if d3 == d1 {
		t.Fatal("expected rule order to change digest")
	}
}

func TestRuleDigestChangesWithContent(t *testing.T) {
	r := Rule{ID: "a", Action: ActionLabel, Rationale: "label job application replies"}
	before, _ := RuleDigest(r)
	r.Rationale = "label recruiter replies"
	after, _ := RuleDigest(r)
	if before == after {
		t.Fatal("expected digest to change when rationale changes")
	}
}
