package policy

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Fields carries the operation-specific values of a request. Values arrive
// JSON-decoded, so numbers are typically float64.
type Fields map[string]any

// Has reports whether the field is present with a non-empty value.
func (f Fields) Has(name string) bool {
	v, ok := f[name]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) != ""
	}
	return true
}

// String returns the trimmed string value of a field, or "" when absent or
// not a string.
func (f Fields) String(name string) string {
	s, _ := f[name].(string)
	return strings.TrimSpace(s)
}

// Conditional is a predicate-gated requirement evaluated in declaration
// order. When the predicate holds, every field in Require must be present;
// the first violation is reported against FailPath.
type Conditional struct {
	When     func(Fields) bool
	Require  []string
	FailPath string
	Message  string
}

// FieldCheck validates the value of a single field when present.
type FieldCheck struct {
	Field   string
	Check   func(any) error
	Message string
}

// Rule is the full requirement set for one operation kind.
type Rule struct {
	Kind          Kind
	Required      []string
	Checks        []FieldCheck
	Conditionals  []Conditional
	TokenRequired func(Fields) bool
}

// Registry is the immutable kind → rule mapping. Content is fixed at
// construction so every instance of the service reaches identical
// authorization decisions.
type Registry struct {
	rules map[Kind]Rule
}

func always(Fields) bool { return true }
func never(Fields) bool  { return false }

// NewRegistry builds the registry with the governing policy's rule table.
func NewRegistry() *Registry {
	rules := []Rule{
		{
			Kind:          KindStatusChange,
			Required:      []string{"newStatus"},
			TokenRequired: always,
		},
		{
			Kind:          KindAssetAssignment,
			Required:      []string{"assetId"},
			TokenRequired: always,
		},
		{
			Kind:          KindLeaveApproval,
			Required:      []string{"leaveRequestId"},
			TokenRequired: always,
		},
		{
			Kind:          KindStockIn,
			Required:      []string{"quantity"},
			Checks:        []FieldCheck{quantityCheck()},
			TokenRequired: never,
		},
		{
			Kind:          KindStockOut,
			Required:      []string{"quantity"},
			Checks:        []FieldCheck{quantityCheck()},
			TokenRequired: always,
		},
		{
			Kind:     KindStockTransfer,
			Required: []string{"quantity"},
			Checks:   []FieldCheck{quantityCheck()},
			Conditionals: []Conditional{
				{
					When:     always,
					Require:  []string{"source", "destination"},
					FailPath: "source",
					Message:  "transfer requires both source and destination",
				},
			},
			TokenRequired: never,
		},
	}

	m := make(map[Kind]Rule, len(rules))
	for _, r := range rules {
		m[r.Kind] = r
	}
	return &Registry{rules: m}
}

// RulesFor returns the rule set governing the kind.
func (r *Registry) RulesFor(kind Kind) (Rule, error) {
	rule, ok := r.rules[kind]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return rule, nil
}

// Known reports whether the kind belongs to the closed enumeration.
func (r *Registry) Known(kind Kind) bool {
	_, ok := r.rules[kind]
	return ok
}

// Kinds lists all governed kinds in stable order.
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.rules))
	for k := range r.rules {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func quantityCheck() FieldCheck {
	return FieldCheck{
		Field:   "quantity",
		Check:   positiveInteger,
		Message: "quantity must be a positive integer",
	}
}

func positiveInteger(v any) error {
	switch n := v.(type) {
	case int:
		if n > 0 {
			return nil
		}
	case int64:
		if n > 0 {
			return nil
		}
	case float64:
		if n > 0 && n == math.Trunc(n) {
			return nil
		}
	}
	return fmt.Errorf("expected positive integer, got %v", v)
}
