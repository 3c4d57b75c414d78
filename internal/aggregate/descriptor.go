package aggregate

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"

	"github.com/fleetlens/fleetlens/internal/schema"
)

// Filter operators.
const (
	OpEq  = "eq"
	OpNe  = "ne"
	OpLt  = "lt"
	OpLte = "lte"
	OpGt  = "gt"
	OpGte = "gte"
)

// Metric functions.
const (
	FnCount = "count"
	FnSum   = "sum"
	FnAvg   = "avg"
	FnMin   = "min"
	FnMax   = "max"
)

// InvalidQueryError is returned for descriptors that do not fit the
// dataset schema. Query errors are always about the descriptor, never
// about data content.
type InvalidQueryError struct {
	Reason string
}

func (e *InvalidQueryError) Error() string {
	return "invalid query: " + e.Reason
}

func invalidf(format string, args ...any) *InvalidQueryError {
	return &InvalidQueryError{Reason: fmt.Sprintf(format, args...)}
}

// Filter is one predicate; all filters of a descriptor are ANDed.
type Filter struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// Grouping is one bucket dimension. Resolution > 0 bins numeric fields
// by floor division; 0 groups by identity.
type Grouping struct {
	Field      string  `json:"field"`
	Resolution float64 `json:"resolution,omitempty"`
}

// Metric is the aggregate to compute per bucket. Field is unused for
// count.
type Metric struct {
	Fn    string `json:"fn"`
	Field string `json:"field,omitempty"`
}

// Descriptor is an immutable query description. Two descriptors are
// equal iff all fields are equal; Key() is the canonical form used as
// the cache key.
type Descriptor struct {
	Dataset string     `json:"dataset"`
	Filters []Filter   `json:"filters,omitempty"`
	GroupBy []Grouping `json:"group_by,omitempty"`
	Metric  Metric     `json:"metric"`
}

// Validate checks the descriptor against a dataset schema. It rejects
// unknown fields, bad operators, type-incompatible filter values, bad
// metric functions and misuse of resolutions, so that aggregation can
// assume a well-formed descriptor.
func (d *Descriptor) Validate(sch *schema.Schema) error {
	for _, f := range d.Filters {
		kind, ok := sch.FieldKind(f.Field)
		if !ok {
			return invalidf("unknown filter field %q", f.Field)
		}
		switch f.Op {
		case OpEq, OpNe:
		case OpLt, OpLte, OpGt, OpGte:
			if kind != schema.Float && kind != schema.Int {
				return invalidf("operator %q requires a numeric field, %q is %s", f.Op, f.Field, kind)
			}
		default:
			return invalidf("unknown operator %q", f.Op)
		}
		if err := checkFilterValue(kind, f); err != nil {
			return err
		}
	}

	for _, g := range d.GroupBy {
		kind, ok := sch.FieldKind(g.Field)
		if !ok {
			return invalidf("unknown grouping field %q", g.Field)
		}
		if g.Resolution < 0 {
			return invalidf("grouping %q: resolution must not be negative", g.Field)
		}
		if g.Resolution > 0 && kind != schema.Float && kind != schema.Int {
			return invalidf("grouping %q: resolution applies to numeric fields only", g.Field)
		}
	}

	switch d.Metric.Fn {
	case FnCount:
		// count needs no field
	case FnSum, FnAvg, FnMin, FnMax:
		if d.Metric.Field == "" {
			return invalidf("metric %q requires a field", d.Metric.Fn)
		}
		if !sch.Numeric(d.Metric.Field) {
			if _, ok := sch.FieldKind(d.Metric.Field); !ok {
				return invalidf("unknown metric field %q", d.Metric.Field)
			}
			return invalidf("metric %q requires a numeric field, %q is not", d.Metric.Fn, d.Metric.Field)
		}
	default:
		return invalidf("unknown metric function %q", d.Metric.Fn)
	}

	return nil
}

func checkFilterValue(kind schema.Kind, f Filter) error {
	switch kind {
	case schema.Float, schema.Int:
		if _, ok := toFloat(f.Value); !ok {
			return invalidf("filter %q: value %v is not numeric", f.Field, f.Value)
		}
	case schema.Bool:
		if _, ok := f.Value.(bool); !ok {
			return invalidf("filter %q: value %v is not a boolean", f.Field, f.Value)
		}
	case schema.String:
		if _, ok := f.Value.(string); !ok {
			return invalidf("filter %q: value %v is not a string", f.Field, f.Value)
		}
	}
	return nil
}

// Key returns the canonical cache key of the descriptor: a SHA-256 over
// a normalized serialization, so equal descriptors share cache entries.
func (d *Descriptor) Key() string {
	var b strings.Builder
	b.WriteString(d.Dataset)
	b.WriteByte('\n')
	for _, f := range d.Filters {
		b.WriteString(f.Field)
		b.WriteByte('|')
		b.WriteString(f.Op)
		b.WriteByte('|')
		b.WriteString(formatValue(f.Value))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	for _, g := range d.GroupBy {
		b.WriteString(g.Field)
		b.WriteByte('|')
		b.WriteString(strconv.FormatFloat(g.Resolution, 'g', -1, 64))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.WriteString(d.Metric.Fn)
	b.WriteByte('|')
	b.WriteString(d.Metric.Field)

	return fmt.Sprintf("%x", sha256.Sum256([]byte(b.String())))
}

// formatValue produces a canonical textual form for filter values, so
// JSON 1 and 1.0 hash identically.
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "<nil>"
	case string:
		return "s:" + x
	case bool:
		return "b:" + strconv.FormatBool(x)
	default:
		if f, ok := toFloat(v); ok {
			return "n:" + strconv.FormatFloat(f, 'g', -1, 64)
		}
		return fmt.Sprintf("?:%v", v)
	}
}

// toFloat widens any numeric value to float64.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	default:
		return 0, false
	}
}
