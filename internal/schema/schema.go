package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/fleetlens/fleetlens/pkg/models"
)

// Kind is the type of a schema column.
type Kind int

const (
	String Kind = iota
	Float
	Int
	Bool
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Float:
		return "float"
	case Int:
		return "int"
	case Bool:
		return "bool"
	default:
		return "unknown"
	}
}

// DuckDBType returns the DuckDB column type for the kind.
func (k Kind) DuckDBType() string {
	switch k {
	case Float:
		return "DOUBLE"
	case Int:
		return "BIGINT"
	case Bool:
		return "BOOLEAN"
	default:
		return "VARCHAR"
	}
}

// Column is a typed source column. Aliases list alternative CSV header
// spellings that map onto this column (source files are not always
// consistent about casing or suffixes).
type Column struct {
	Name    string
	Kind    Kind
	Aliases []string
}

// DeriveFunc computes a derived field from an already-coerced record.
type DeriveFunc func(models.Record) any

// Derived is a column computed by the loader after coercion, not read
// from the source file.
type Derived struct {
	Name string
	Kind Kind
	Fn   DeriveFunc
}

// Schema describes the fixed, typed shape of a dataset: the columns
// expected in the CSV source plus derived columns computed at load time.
type Schema struct {
	Name    string
	Columns []Column
	Derived []Derived
}

// Fields returns all field names, source columns first, then derived.
func (s *Schema) Fields() []string {
	out := make([]string, 0, len(s.Columns)+len(s.Derived))
	for _, c := range s.Columns {
		out = append(out, c.Name)
	}
	for _, d := range s.Derived {
		out = append(out, d.Name)
	}
	return out
}

// FieldKind returns the kind of a field (source or derived) by name.
func (s *Schema) FieldKind(name string) (Kind, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c.Kind, true
		}
	}
	for _, d := range s.Derived {
		if d.Name == name {
			return d.Kind, true
		}
	}
	return String, false
}

// Numeric reports whether the named field holds numeric values.
func (s *Schema) Numeric(name string) bool {
	k, ok := s.FieldKind(name)
	return ok && (k == Float || k == Int)
}

// MatchHeader maps a CSV header onto schema columns. The returned slice
// has one entry per header cell (nil for none). Header matching is
// case-insensitive and alias-aware; order does not matter. Missing and
// unexpected column names are returned for error reporting.
func (s *Schema) MatchHeader(header []string) (cols []*Column, missing, unexpected []string) {
	cols = make([]*Column, len(header))
	seen := make(map[string]bool, len(s.Columns))

	for i, cell := range header {
		name := strings.TrimSpace(cell)
		col := s.columnFor(name)
		if col == nil {
			unexpected = append(unexpected, name)
			continue
		}
		cols[i] = col
		seen[col.Name] = true
	}

	for _, c := range s.Columns {
		if !seen[c.Name] {
			missing = append(missing, c.Name)
		}
	}
	return cols, missing, unexpected
}

// columnFor resolves a header cell against column names and aliases.
func (s *Schema) columnFor(name string) *Column {
	for i := range s.Columns {
		c := &s.Columns[i]
		if strings.EqualFold(c.Name, name) {
			return c
		}
		for _, a := range c.Aliases {
			if strings.EqualFold(a, name) {
				return c
			}
		}
	}
	return nil
}

// Coerce parses a raw CSV cell into the column's canonical Go type.
func Coerce(col *Column, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("column %q: empty value", col.Name)
	}

	switch col.Kind {
	case String:
		return raw, nil
	case Float:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("column %q: %q is not a number", col.Name, raw)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("column %q: %q is not a finite number", col.Name, raw)
		}
		return v, nil
	case Int:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			// Some exports write integer columns as "12.0".
			f, ferr := strconv.ParseFloat(raw, 64)
			if ferr != nil || f != math.Trunc(f) || math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, fmt.Errorf("column %q: %q is not an integer", col.Name, raw)
			}
			return int64(f), nil
		}
		return v, nil
	case Bool:
		switch strings.ToLower(raw) {
		case "true", "t", "yes", "1":
			return true, nil
		case "false", "f", "no", "0":
			return false, nil
		}
		return nil, fmt.Errorf("column %q: %q is not a boolean", col.Name, raw)
	default:
		return nil, fmt.Errorf("column %q: unsupported kind", col.Name)
	}
}

// ApplyDerived computes all derived fields in place.
func (s *Schema) ApplyDerived(rec models.Record) {
	for _, d := range s.Derived {
		rec[d.Name] = d.Fn(rec)
	}
}
