package models

// Record is a single validated row keyed by field name. Values are
// normalized to the canonical Go type of the column kind: string,
// float64, int64 or bool. Records are never mutated after the loader
// commits them to a dataset version.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
