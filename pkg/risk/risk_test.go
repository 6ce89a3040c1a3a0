package risk

import (
	"math/rand"
	"reflect"
	"testing"

	"applylens/pkg/models"
)

// baseTable yields a base weighted sum equal to the "base" number signal.
func baseTable() WeightTable {
	t := DefaultWeights()
	t.Weights = map[string]Weight{
		"base": {Points: 100, Scale: 100, Cap: 100},
	}
	return t
}

func signals(values map[string]models.SignalValue) models.SignalSet {
	return models.NewSignalSet("msg-1", "user-1", values)
}

func TestOverrideFloorApplied(t *testing.T) {
	got := Score(signals(map[string]models.SignalValue{
		"spoof": models.Bool(true),
		"base":  models.Number(10),
	}), baseTable())
	if got.BaseScore != 10 {
		t.Fatalf("expected base 10, got %d", got.BaseScore)
	}
	if got.Value != 80 {
		t.Fatalf("expected floor 80, got %d", got.Value)
	}
	if !got.OverrideApplied {
		t.Fatal("expected override to be recorded")
	}
}

func TestOverrideNeverLowersHigherScore(t *testing.T) {
	got := Score(signals(map[string]models.SignalValue{
		"phishing": models.Bool(true),
		"base":     models.Number(93),
	}), baseTable())
	if got.Value != 93 {
		t.Fatalf("expected 93, got %d", got.Value)
	}
}

func TestSecondaryFlagAddsBoundedMargin(t *testing.T) {
	got := Score(signals(map[string]models.SignalValue{
		"suspicious_ip": models.Bool(true),
		"base":          models.Number(50),
	}), baseTable())
	if got.Value < 55 || got.Value > 70 {
		t.Fatalf("expected score in [55,70], got %d", got.Value)
	}
	if got.OverrideApplied {
		t.Fatal("secondary flag must not trigger the floor")
	}

	both := Score(signals(map[string]models.SignalValue{
		"suspicious_ip": models.Bool(true),
		"tor_exit_node": models.Bool(true),
		"base":          models.Number(10),
	}), baseTable())
	if both.SecondaryMargin != DefaultSecondaryCap {
		t.Fatalf("expected margin capped at %d, got %d", DefaultSecondaryCap, both.SecondaryMargin)
	}
	if both.Value != 30 {
		t.Fatalf("expected 30, got %d", both.Value)
	}
}

func TestFalseOverrideFlagIgnored(t *testing.T) {
	got := Score(signals(map[string]models.SignalValue{
		"malware": models.Bool(false),
		"base":    models.Number(12),
	}), baseTable())
	if got.Value != 12 || got.OverrideApplied {
		t.Fatalf("expected plain base score 12, got %#v", got)
	}
}

func TestUnknownSignalsIgnored(t *testing.T) {
	got := Score(signals(map[string]models.SignalValue{
		"not_a_signal": models.Number(1e9),
		"also_unknown": models.String("bad"),
	}), DefaultWeights())
	if got.Value != 0 {
		t.Fatalf("expected 0, got %d", got.Value)
	}
	if len(got.Flags) != 0 {
		t.Fatalf("expected no flags, got %v", got.Flags)
	}
}

func TestPerSignalClampAndCategories(t *testing.T) {
	table := DefaultWeights()
	got := Score(signals(map[string]models.SignalValue{
		"link_count":        models.Number(500),
		"sender_reputation": models.String("poor"),
		"attachment_type":   models.String("unlisted"),
	}), table)
	// link_count saturates at 15 points, poor reputation is 0.7*30.
	if got.Value != 36 {
		t.Fatalf("expected 36, got %d", got.Value)
	}
	want := []string{"link_count", "sender_reputation"}
	if !reflect.DeepEqual(got.Flags, want) {
		t.Fatalf("expected flags %v, got %v", want, got.Flags)
	}
}

func TestNegativeWeightsClampAtZero(t *testing.T) {
	got := Score(signals(map[string]models.SignalValue{
		"known_contact": models.Bool(true),
	}), DefaultWeights())
	if got.Value != 0 {
		t.Fatalf("expected 0, got %d", got.Value)
	}
}

func TestScoreBoundsAndDeterminism(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	table := DefaultWeights()
	table.PerSignalCap = 1000
	table.Weights["huge"] = Weight{Points: 900, Cap: 900}
	table.Weights["negative"] = Weight{Points: -900, Cap: 900}
	names := []string{"huge", "negative", "spoof", "suspicious_ip", "tor_exit_node", "link_count", "sender_reputation", "payment_request"}
	for i := 0; i < 500; i++ {
		values := map[string]models.SignalValue{}
		for _, n := range names {
			switch rng.Intn(4) {
			case 0:
				values[n] = models.Bool(rng.Intn(2) == 0)
			case 1:
				values[n] = models.Number(rng.NormFloat64() * 1000)
			case 2:
				values[n] = models.String([]string{"bad", "poor", "x"}[rng.Intn(3)])
			}
		}
		s := signals(values)
		a := Score(s, table)
		b := Score(s, table)
		if a.Value < MinScore || a.Value > MaxScore {
			t.Fatalf("score out of bounds: %d for %#v", a.Value, values)
		}
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("expected deterministic score, got %#v and %#v", a, b)
		}
		if s.Flag("spoof") && a.Value < DefaultFloor {
			t.Fatalf("expected floor with spoof set, got %d", a.Value)
		}
	}
}

func TestZeroValueTableUsesDefaults(t *testing.T) {
	got := Score(signals(map[string]models.SignalValue{"spoof": models.Bool(true)}), WeightTable{Overrides: []string{"spoof"}})
	if got.Value != DefaultFloor {
		t.Fatalf("expected default floor, got %d", got.Value)
	}
}
