package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/leozw/compliance-guardian/internal/db"
)

// ValidationError reports malformed input caught at a boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type Operator string

const (
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpEqual        Operator = "=="
)

func (op Operator) valid() bool {
	switch op {
	case OpLess, OpLessEqual, OpGreater, OpGreaterEqual, OpEqual:
		return true
	}
	return false
}

// Compare reports whether value op threshold holds.
func (op Operator) Compare(value, threshold float64) bool {
	switch op {
	case OpLess:
		return value < threshold
	case OpLessEqual:
		return value <= threshold
	case OpGreater:
		return value > threshold
	case OpGreaterEqual:
		return value >= threshold
	case OpEqual:
		return value == threshold
	}
	return false
}

// Spec is the decoded, validated specification of a rule. It is either a
// StaticSpec or a QuerySpec.
type Spec interface {
	Kind() db.RuleKind
}

// StaticSpec compares a literal observed metric against a threshold.
type StaticSpec struct {
	Metric    string   `json:"metric"`
	Value     *float64 `json:"value"`
	Op        Operator `json:"op"`
	Threshold *float64 `json:"threshold"`
}

func (StaticSpec) Kind() db.RuleKind { return db.RuleKindStatic }

// QuerySpec requires at least MinCount records in Collection for the rule's
// tenant and control.
type QuerySpec struct {
	Collection string `json:"collection"`
	MinCount   int    `json:"min_count"`
}

func (QuerySpec) Kind() db.RuleKind { return db.RuleKindQuery }

// ParseSpec decodes raw according to kind and validates it.
func ParseSpec(kind db.RuleKind, raw []byte) (Spec, error) {
	switch kind {
	case db.RuleKindStatic:
		var s StaticSpec
		if err := decodeStrict(raw, &s); err != nil {
			return nil, err
		}
		if strings.TrimSpace(s.Metric) == "" {
			return nil, &ValidationError{Field: "specification.metric", Reason: "required"}
		}
		if s.Value == nil {
			return nil, &ValidationError{Field: "specification.value", Reason: "required"}
		}
		if s.Threshold == nil {
			return nil, &ValidationError{Field: "specification.threshold", Reason: "required"}
		}
		if !s.Op.valid() {
			return nil, &ValidationError{Field: "specification.op", Reason: fmt.Sprintf("unsupported operator %q", s.Op)}
		}
		return s, nil

	case db.RuleKindQuery:
		var s QuerySpec
		if err := decodeStrict(raw, &s); err != nil {
			return nil, err
		}
		if strings.TrimSpace(s.Collection) == "" {
			return nil, &ValidationError{Field: "specification.collection", Reason: "required"}
		}
		if s.MinCount < 0 {
			return nil, &ValidationError{Field: "specification.min_count", Reason: "must not be negative"}
		}
		return s, nil

	default:
		return nil, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unsupported rule kind %q", kind)}
	}
}

func decodeStrict(raw []byte, dst interface{}) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return &ValidationError{Field: "specification", Reason: "empty"}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &ValidationError{Field: "specification", Reason: err.Error()}
	}
	return nil
}
