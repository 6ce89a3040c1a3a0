// Package rulefile reads and writes rule bundles and risk weight tables as
// YAML. JSON documents are accepted too since they are valid YAML.
package rulefile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"applylens/pkg/models"
	"applylens/pkg/risk"
)

// fileRule mirrors models.Rule with enabled defaulting to true when omitted.
type fileRule struct {
	ID               string             `yaml:"id"`
	Priority         int                `yaml:"priority"`
	Condition        models.Condition   `yaml:"condition"`
	When             []models.Predicate `yaml:"when"`
	Action           models.ActionKind  `yaml:"action"`
	Params           map[string]any     `yaml:"params"`
	MinConfidence    float64            `yaml:"min_confidence"`
	Budget           float64            `yaml:"budget"`
	RequiresApproval bool               `yaml:"requires_approval"`
	Stop             bool               `yaml:"stop"`
	Enabled          *bool              `yaml:"enabled"`
	Rationale        string             `yaml:"rationale"`
}

type bundleDoc struct {
	Rules []fileRule `yaml:"rules"`
}

// ParseRules decodes either a top-level list of rules or a document with a
// rules key. Unknown fields are rejected so typos do not silently disable checks.
func ParseRules(data []byte) ([]models.Rule, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("rulefile: empty document")
	}
	var raw []fileRule
	if trimmed[0] == '[' || bytes.HasPrefix(trimmed, []byte("- ")) || bytes.HasPrefix(trimmed, []byte("-\n")) {
		if err := decodeStrict(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("rulefile: decode rules: %w", err)
		}
	} else {
		var doc bundleDoc
		if err := decodeStrict(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("rulefile: decode bundle: %w", err)
		}
		raw = doc.Rules
	}
	out := make([]models.Rule, 0, len(raw))
	for i, fr := range raw {
		if len(fr.When) > 0 && len(fr.Condition.All) > 0 {
			return nil, fmt.Errorf("rulefile: rule %d (%s): use either when or condition, not both", i, fr.ID)
		}
		r := models.Rule{
			ID:               fr.ID,
			Priority:         fr.Priority,
			Condition:        fr.Condition,
			Action:           fr.Action,
			Params:           fr.Params,
			MinConfidence:    fr.MinConfidence,
			Budget:           fr.Budget,
			RequiresApproval: fr.RequiresApproval,
			Stop:             fr.Stop,
			Enabled:          fr.Enabled == nil || *fr.Enabled,
			Rationale:        fr.Rationale,
		}
		if len(fr.When) > 0 {
			r.Condition = models.Condition{All: fr.When}
		}
		out = append(out, r)
	}
	return out, nil
}

func LoadRules(path string) ([]models.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rulefile: read %s: %w", path, err)
	}
	return ParseRules(data)
}

// EncodeRules writes rules in the document form accepted by ParseRules.
func EncodeRules(w io.Writer, rules []models.Rule) error {
	doc := struct {
		Rules []models.Rule `yaml:"rules"`
	}{Rules: rules}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("rulefile: encode: %w", err)
	}
	return enc.Close()
}

// ParseWeights decodes a weight table. Fields left out keep the values of
// risk.DefaultWeights, except weights which replace the default map when present.
func ParseWeights(data []byte) (risk.WeightTable, error) {
	table := risk.DefaultWeights()
	if len(bytes.TrimSpace(data)) == 0 {
		return table, nil
	}
	var doc risk.WeightTable
	if err := decodeStrict(data, &doc); err != nil {
		return risk.WeightTable{}, fmt.Errorf("rulefile: decode weights: %w", err)
	}
	if doc.Weights != nil {
		table.Weights = doc.Weights
	}
	if doc.Overrides != nil {
		table.Overrides = doc.Overrides
	}
	if doc.Secondary != nil {
		table.Secondary = doc.Secondary
	}
	if doc.Floor != 0 {
		table.Floor = doc.Floor
	}
	if doc.SecondaryIncrement != 0 {
		table.SecondaryIncrement = doc.SecondaryIncrement
	}
	if doc.SecondaryCap != 0 {
		table.SecondaryCap = doc.SecondaryCap
	}
	if doc.PerSignalCap != 0 {
		table.PerSignalCap = doc.PerSignalCap
	}
	return table, nil
}

// LoadWeights reads a weight table from path, or returns the defaults when path is empty.
func LoadWeights(path string) (risk.WeightTable, error) {
	if path == "" {
		return risk.DefaultWeights(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return risk.WeightTable{}, fmt.Errorf("rulefile: read %s: %w", path, err)
	}
	return ParseWeights(data)
}

func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
