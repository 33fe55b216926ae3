// Package condition implements the typed predicate trees used by workflow
// template matching and auto-approval rules. The variant set is closed
// (range, equality, set membership, and/or composition) so evaluation is
// exhaustive and a malformed tree is rejected up front rather than surfacing
// as a surprise at resolution time.
package condition

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind discriminates the condition variants.
type Kind string

const (
	KindRange  Kind = "range"  // numeric field within [min, max]
	KindEquals Kind = "equals" // field equals a string value
	KindIn     Kind = "in"     // field is one of a set of string values
	KindAll    Kind = "all"    // boolean AND of children
	KindAny    Kind = "any"    // boolean OR of children
)

// Well-known attribute fields. Any other field name is looked up in the
// request's context payload.
const (
	FieldAmount   = "amount"
	FieldCurrency = "currency"
	FieldType     = "type"
	FieldCategory = "category"
)

// Condition is one node of a predicate tree.
type Condition struct {
	Kind     Kind        `json:"kind"`
	Field    string      `json:"field,omitempty"`
	Min      *float64    `json:"min,omitempty"`
	Max      *float64    `json:"max,omitempty"`
	Value    string      `json:"value,omitempty"`
	Values   []string    `json:"values,omitempty"`
	Children []Condition `json:"children,omitempty"`
}

// Attributes are the request-side inputs a condition is evaluated against.
type Attributes struct {
	RequestType string
	Category    string
	Amount      *float64
	Currency    string
	Payload     map[string]interface{}
}

// Validate checks structural soundness of the tree. It is called at template
// creation so configuration errors surface to the operator, not to the
// resolver.
func (c *Condition) Validate() error {
	switch c.Kind {
	case KindRange:
		if c.Field == "" {
			return fmt.Errorf("range condition requires a field")
		}
		if c.Min == nil && c.Max == nil {
			return fmt.Errorf("range condition on %q requires min and/or max", c.Field)
		}
		if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
			return fmt.Errorf("range condition on %q has min > max", c.Field)
		}
	case KindEquals:
		if c.Field == "" {
			return fmt.Errorf("equals condition requires a field")
		}
	case KindIn:
		if c.Field == "" {
			return fmt.Errorf("in condition requires a field")
		}
		if len(c.Values) == 0 {
			return fmt.Errorf("in condition on %q requires values", c.Field)
		}
	case KindAll, KindAny:
		if len(c.Children) == 0 {
			return fmt.Errorf("%s condition requires children", c.Kind)
		}
		for i := range c.Children {
			if err := c.Children[i].Validate(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown condition kind %q", c.Kind)
	}
	return nil
}

// Evaluate reports whether the attributes satisfy the condition tree.
// A missing or non-comparable attribute makes the leaf false, never an error;
// errors are reserved for trees that Validate would have rejected.
func (c *Condition) Evaluate(attrs Attributes) (bool, error) {
	switch c.Kind {
	case KindRange:
		n, ok := attrs.numeric(c.Field)
		if !ok {
			return false, nil
		}
		if c.Min != nil && n < *c.Min {
			return false, nil
		}
		if c.Max != nil && n > *c.Max {
			return false, nil
		}
		return true, nil
	case KindEquals:
		s, ok := attrs.text(c.Field)
		if !ok {
			return false, nil
		}
		return strings.EqualFold(s, c.Value), nil
	case KindIn:
		s, ok := attrs.text(c.Field)
		if !ok {
			return false, nil
		}
		for _, v := range c.Values {
			if strings.EqualFold(s, v) {
				return true, nil
			}
		}
		return false, nil
	case KindAll:
		for i := range c.Children {
			ok, err := c.Children[i].Evaluate(attrs)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case KindAny:
		for i := range c.Children {
			ok, err := c.Children[i].Evaluate(attrs)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown condition kind %q", c.Kind)
	}
}

// numeric resolves a field to a float64 when possible.
func (a Attributes) numeric(field string) (float64, bool) {
	switch field {
	case FieldAmount:
		if a.Amount == nil {
			return 0, false
		}
		return *a.Amount, true
	}
	v, ok := a.Payload[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// text resolves a field to a string when possible.
func (a Attributes) text(field string) (string, bool) {
	switch field {
	case FieldType:
		return a.RequestType, a.RequestType != ""
	case FieldCategory:
		return a.Category, a.Category != ""
	case FieldCurrency:
		return a.Currency, a.Currency != ""
	}
	v, ok := a.Payload[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
