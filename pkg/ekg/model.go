package ekg

import (
	"strings"

	"github.com/logflow/ekg/pkg/graph"

	ekgerrors "github.com/logflow/ekg/pkg/errors"
)

// Condition operators.
const (
	OpEq        = "eq"
	OpNe        = "ne"
	OpIn        = "in"
	OpExists    = "exists"
	OpNotExists = "not_exists"
)

// Condition tests one event property. List-valued properties match eq and
// in when any element does.
type Condition struct {
	Property string `yaml:"property" json:"property"`
	Op       string `yaml:"op" json:"op"`
	Value    any    `yaml:"value,omitempty" json:"value,omitempty"`
	Values   []any  `yaml:"values,omitempty" json:"values,omitempty"`
}

// Match reports whether the node satisfies the condition.
func (c Condition) Match(n graph.Node) bool {
	raw, present := n.Props[c.Property]
	vals := graph.Values(raw)
	switch c.Op {
	case OpExists:
		return present && len(vals) > 0
	case OpNotExists:
		return !present || len(vals) == 0
	case OpEq:
		return containsAny(vals, c.Value)
	case OpNe:
		return !containsAny(vals, c.Value)
	case OpIn:
		return containsAny(vals, c.Values...)
	}
	return false
}

func containsAny(vals []any, want ...any) bool {
	for _, w := range want {
		ws := graph.Stringify(w)
		for _, v := range vals {
			if graph.Stringify(v) == ws {
				return true
			}
		}
	}
	return false
}

// EntitySpec declares one inferred entity type: every distinct value of
// Attribute on a matching event becomes an Entity of Type.
type EntitySpec struct {
	Type      string      `yaml:"type" json:"type"`
	Attribute string      `yaml:"attribute" json:"attribute"`
	Where     []Condition `yaml:"where,omitempty" json:"where,omitempty"`

	// Predicate is an additional programmatic filter.
	Predicate func(graph.Node) bool `yaml:"-" json:"-"`
}

// Match reports whether an event belongs to the spec. Conditions are ANDed
// and an empty filter matches every event.
func (s EntitySpec) Match(n graph.Node) bool {
	for _, c := range s.Where {
		if !c.Match(n) {
			return false
		}
	}
	return s.Predicate == nil || s.Predicate(n)
}

// UIDSeparator joins the entity type and the stringified value in uID.
// Entity types may not contain it, so distinct (type, value) pairs never
// share a uID.
const UIDSeparator = ":"

// UID returns the unique key of the entity of entityType with value v.
func UID(entityType string, v any) string {
	return entityType + UIDSeparator + graph.Stringify(v)
}

func (s EntitySpec) uid(v any) string { return UID(s.Type, v) }

// Model is the declarative graph model: the entities to infer and how
// directly-follows relations are scoped.
type Model struct {
	Entities []EntitySpec `yaml:"entities" json:"entities"`
	DF       Scope        `yaml:"df" json:"df"`
}

// Validate checks the model.
func (m Model) Validate() error {
	if err := ValidateSpecs(m.Entities); err != nil {
		return err
	}
	return m.DF.Validate()
}

// ValidateSpecs rejects empty names, duplicate types and unknown
// operators. All problems are reported together.
func ValidateSpecs(specs []EntitySpec) error {
	var errs ekgerrors.MultiError
	seen := make(map[string]bool, len(specs))
	for i, s := range specs {
		if s.Type == "" || s.Attribute == "" {
			errs.Add(ekgerrors.New(ekgerrors.CodeInvalidEntitySpec, "entity spec needs a type and an attribute").
				WithContext("index", i))
			continue
		}
		if strings.Contains(s.Type, UIDSeparator) {
			errs.Add(ekgerrors.New(ekgerrors.CodeInvalidEntitySpec, "entity type contains the uID separator").
				WithContext("type", s.Type).
				WithContext("separator", UIDSeparator))
		}
		if seen[s.Type] {
			errs.Add(ekgerrors.New(ekgerrors.CodeInvalidEntitySpec, "duplicate entity type").
				WithContext("type", s.Type))
		}
		seen[s.Type] = true
		for _, c := range s.Where {
			if c.Property == "" {
				errs.Add(ekgerrors.New(ekgerrors.CodeInvalidEntitySpec, "condition needs a property").
					WithContext("type", s.Type))
			}
			switch c.Op {
			case OpEq, OpNe, OpIn, OpExists, OpNotExists:
			default:
				errs.Add(ekgerrors.New(ekgerrors.CodeInvalidEntitySpec, "unknown condition operator").
					WithContext("type", s.Type).
					WithContext("op", c.Op))
			}
		}
	}
	return errs.Combined()
}
