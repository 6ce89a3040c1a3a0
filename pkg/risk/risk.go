// Package risk turns a signal set into a bounded, explainable risk score.
//
// The score is a weighted sum over present signals, then override flags force
// a floor and secondary flags add a bounded margin. Score never fails and has
// no hidden state: identical inputs always produce identical output.
package risk

import (
	"math"
	"sort"

	"applylens/pkg/models"
)

const (
	MinScore = 0
	MaxScore = 100

	DefaultFloor              = 80
	DefaultSecondaryIncrement = 10
	DefaultSecondaryCap       = 20
	DefaultPerSignalCap       = 50
)

// Weight describes how one signal contributes to the base score.
// Points is the contribution at full strength. Numbers are normalized by
// dividing by Scale; strings are looked up in Categories. Cap, when set,
// replaces the table-wide per-signal clamp.
type Weight struct {
	Points     float64            `json:"points" yaml:"points"`
	Scale      float64            `json:"scale,omitempty" yaml:"scale,omitempty"`
	Categories map[string]float64 `json:"categories,omitempty" yaml:"categories,omitempty"`
	Cap        float64            `json:"cap,omitempty" yaml:"cap,omitempty"`
}

// WeightTable is the fixed configuration the scorer runs against.
type WeightTable struct {
	Weights            map[string]Weight `json:"weights" yaml:"weights"`
	Overrides          []string          `json:"overrides" yaml:"overrides"`
	Secondary          []string          `json:"secondary" yaml:"secondary"`
	Floor              int               `json:"floor" yaml:"floor"`
	SecondaryIncrement int               `json:"secondary_increment" yaml:"secondary_increment"`
	SecondaryCap       int               `json:"secondary_cap" yaml:"secondary_cap"`
	PerSignalCap       float64           `json:"per_signal_cap" yaml:"per_signal_cap"`
}

// DefaultWeights is the table shipped for inbound mail.
func DefaultWeights() WeightTable {
	return WeightTable{
		Weights: map[string]Weight{
			"link_count":            {Points: 15, Scale: 20},
			"shortened_links":       {Points: 10, Scale: 3},
			"domain_age_days":       {Points: -10, Scale: 365},
			"new_domain":            {Points: 20},
			"display_name_mismatch": {Points: 25},
			"urgent_language":       {Points: 10},
			"payment_request":       {Points: 20},
			"external_forwarding":   {Points: 10},
			"sender_reputation": {Points: 30, Categories: map[string]float64{
				"unknown": 0.3,
				"poor":    0.7,
				"bad":     1.0,
			}},
			"attachment_type": {Points: 20, Categories: map[string]float64{
				"archive":    0.5,
				"executable": 1.0,
				"macro":      0.9,
			}},
			"known_contact": {Points: -25},
		},
		Overrides:          []string{"spoof", "phishing", "malware"},
		Secondary:          []string{"suspicious_ip", "tor_exit_node"},
		Floor:              DefaultFloor,
		SecondaryIncrement: DefaultSecondaryIncrement,
		SecondaryCap:       DefaultSecondaryCap,
		PerSignalCap:       DefaultPerSignalCap,
	}
}

// Score computes the risk score for signals under weights.
func Score(signals models.SignalSet, weights WeightTable) models.RiskScore {
	weights = withDefaults(weights)
	flags := map[string]struct{}{}

	sum := 0.0
	for _, name := range models.SortedKeys(weights.Weights) {
		v, ok := signals.Values[name]
		if !ok {
			continue
		}
		w := weights.Weights[name]
		contribution := clamp(w.Points*normalize(v, w), perSignalCap(w, weights))
		if contribution != 0 {
			flags[name] = struct{}{}
		}
		sum += contribution
	}
	base := clampScore(int(math.Round(sum)))

	final := base
	overridden := false
	for _, name := range weights.Overrides {
		if signals.Flag(name) {
			flags[name] = struct{}{}
			overridden = true
		}
	}

	margin := 0
	for _, name := range weights.Secondary {
		if signals.Flag(name) {
			flags[name] = struct{}{}
			margin += weights.SecondaryIncrement
		}
	}
	if margin > weights.SecondaryCap {
		margin = weights.SecondaryCap
	}
	final += margin

	if overridden && final < weights.Floor {
		final = weights.Floor
	}
	final = clampScore(final)

	out := models.RiskScore{
		Value:           final,
		BaseScore:       base,
		SecondaryMargin: margin,
		OverrideApplied: overridden,
		Flags:           make([]string, 0, len(flags)),
	}
	for name := range flags {
		out.Flags = append(out.Flags, name)
	}
	sort.Strings(out.Flags)
	return out
}

func withDefaults(w WeightTable) WeightTable {
	if w.Floor <= 0 {
		w.Floor = DefaultFloor
	}
	if w.Floor > MaxScore {
		w.Floor = MaxScore
	}
	if w.SecondaryIncrement < 0 {
		w.SecondaryIncrement = 0
	}
	if w.SecondaryCap < 0 {
		w.SecondaryCap = 0
	}
	if w.PerSignalCap <= 0 {
		w.PerSignalCap = DefaultPerSignalCap
	}
	return w
}

// normalize maps a signal value to [0,1]. Values of the wrong kind for the
// weight normalize to zero rather than failing.
func normalize(v models.SignalValue, w Weight) float64 {
	switch v.Kind {
	case models.KindBool:
		if v.Bool {
			return 1
		}
		return 0
	case models.KindNumber:
		scale := w.Scale
		if scale <= 0 {
			scale = 1
		}
		return unit(v.Number / scale)
	case models.KindString:
		if w.Categories == nil {
			return 0
		}
		return unit(w.Categories[v.Str])
	default:
		return 0
	}
}

func perSignalCap(w Weight, table WeightTable) float64 {
	if w.Cap > 0 {
		return w.Cap
	}
	return table.PerSignalCap
}

func unit(f float64) float64 {
	if math.IsNaN(f) || f <= 0 {
		return 0
	}
	if f >= 1 {
		return 1
	}
	return f
}

func clamp(f, limit float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	if f > limit {
		return limit
	}
	if f < -limit {
		return -limit
	}
	return f
}

func clampScore(v int) int {
	if v < MinScore {
		return MinScore
	}
	if v > MaxScore {
		return MaxScore
	}
	return v
}
