package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// SignalKind tags the type carried by a SignalValue.
type SignalKind string

const (
	KindBool   SignalKind = "bool"
	KindNumber SignalKind = "number"
	KindString SignalKind = "string"
)

// SignalValue is a typed observation: exactly one of Bool, Number, Str is meaningful per Kind.
type SignalValue struct {
	Kind   SignalKind
	Bool   bool
	Number float64
	Str    string
}

func Bool(v bool) SignalValue { return SignalValue{Kind: KindBool, Bool: v} }

func Number(v float64) SignalValue { return SignalValue{Kind: KindNumber, Number: v} }

func String(v string) SignalValue { return SignalValue{Kind: KindString, Str: v} }

func (v SignalValue) IsTrue() bool { return v.Kind == KindBool && v.Bool }

func (v SignalValue) Native() any { return v.native() }

func (v SignalValue) String() string { return fmt.Sprint(v.native()) }

func (v SignalValue) native() any {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindNumber:
		return v.Number
	case KindString:
		return v.Str
	default:
		return nil
	}
}

func (v SignalValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.native())
}

func (v *SignalValue) UnmarshalJSON(raw []byte) error {
	parsed, err := parseSignalValue(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// SignalSet is the set of observations computed for one subject. Treat it as
// immutable once built: the engine and scorer only read it.
type SignalSet struct {
	SubjectID string                 `json:"subject_id"`
	UserID    string                 `json:"user_id"`
	Values    map[string]SignalValue `json:"values"`
}

func NewSignalSet(subjectID, userID string, values map[string]SignalValue) SignalSet {
	copied := make(map[string]SignalValue, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return SignalSet{SubjectID: subjectID, UserID: userID, Values: copied}
}

func (s SignalSet) Get(name string) (SignalValue, bool) {
	v, ok := s.Values[name]
	return v, ok
}

// Flag reports whether name is present as a true boolean.
func (s SignalSet) Flag(name string) bool {
	v, ok := s.Values[name]
	return ok && v.IsTrue()
}

// SignalError reports one malformed signal; the signal is dropped from the set.
type SignalError struct {
	Signal  string `json:"signal"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParseSignals builds a SignalSet from raw JSON values. Values that are not a
// bool, finite number or string are reported per item and skipped.
func ParseSignals(subjectID, userID string, raw map[string]json.RawMessage) (SignalSet, []SignalError) {
	values := make(map[string]SignalValue, len(raw))
	var errs []SignalError
	for _, name := range SortedKeys(raw) {
		if name == "" {
			errs = append(errs, SignalError{Signal: name, Code: "malformed_signal", Message: "signal name is empty"})
			continue
		}
		v, err := parseSignalValue(raw[name])
		if err != nil {
			errs = append(errs, SignalError{Signal: name, Code: "malformed_signal", Message: err.Error()})
			continue
		}
		values[name] = v
	}
	return SignalSet{SubjectID: subjectID, UserID: userID, Values: values}, errs
}

func parseSignalValue(raw []byte) (SignalValue, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return SignalValue{}, fmt.Errorf("empty value")
	}
	switch trimmed[0] {
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return SignalValue{}, fmt.Errorf("invalid boolean: %w", err)
		}
		return Bool(b), nil
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return SignalValue{}, fmt.Errorf("invalid string: %w", err)
		}
		return String(s), nil
	case 'n':
		return SignalValue{}, fmt.Errorf("null is not a signal value")
	case '{', '[':
		return SignalValue{}, fmt.Errorf("structured values are not supported")
	default:
		f, err := strconv.ParseFloat(string(trimmed), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return SignalValue{}, fmt.Errorf("invalid number %q", string(trimmed))
		}
		return Number(f), nil
	}
}
