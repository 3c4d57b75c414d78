// Package aggregate computes bucketed aggregates over dataset
// snapshots in a single streaming pass. Accumulation is associative and
// commutative, so results are independent of record iteration order.
package aggregate

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/fleetlens/fleetlens/internal/schema"
	"github.com/fleetlens/fleetlens/pkg/models"
)

// DefaultMaxBuckets caps result cardinality so that over-fine binning
// (e.g. grouping by a raw float) cannot produce an unbounded response.
const DefaultMaxBuckets = 10000

// keySep joins bucket key parts for map lookup; 0x1f never appears in
// field values that survive CSV parsing.
const keySep = "\x1f"

// Source is a pinned, restartable stream of records for one dataset
// version. *store.Snapshot implements it.
type Source interface {
	Schema() *schema.Schema
	Version() int64
	Scan(ctx context.Context, batchSize int, fn func(batch []models.Record) error) error
}

// Options bounds an aggregation run.
type Options struct {
	MaxBuckets int // bucket cap; DefaultMaxBuckets when <= 0
	BatchSize  int // scan batch size; store default when <= 0
}

// Bucket is one group of the result: the grouping-dimension values and
// the computed metric.
type Bucket struct {
	Key   []string `json:"key"`
	Value float64  `json:"value"`
}

// Result is a computed aggregate plus the metadata needed to interpret
// and cache it. Buckets are ordered by descending value, then ascending
// lexical key.
type Result struct {
	Dataset     string   `json:"dataset"`
	Version     int64    `json:"version"`
	Metric      Metric   `json:"metric"`
	Buckets     []Bucket `json:"buckets"`
	RowsScanned int64    `json:"rows_scanned"`
	RowsMatched int64    `json:"rows_matched"`
	Truncated   bool     `json:"truncated"`
}

// accumulator holds the running state for one bucket. All operations
// are order-independent: sum and count trivially, min/max by running
// comparison, avg as sum+count divided at the end.
type accumulator struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (a *accumulator) add(v float64) {
	if a.count == 0 || v < a.min {
		a.min = v
	}
	if a.count == 0 || v > a.max {
		a.max = v
	}
	a.count++
	a.sum += v
}

func (a *accumulator) final(fn string) float64 {
	switch fn {
	case FnCount:
		return float64(a.count)
	case FnSum:
		return a.sum
	case FnAvg:
		if a.count == 0 {
			return 0
		}
		return a.sum / float64(a.count)
	case FnMin:
		return a.min
	default: // FnMax
		return a.max
	}
}

type bucketState struct {
	key []string
	acc accumulator
}

// Aggregate runs the descriptor against a source. The descriptor must
// have been validated against the source schema. An empty filtered set
// yields an empty bucket list, never an error.
func Aggregate(ctx context.Context, src Source, desc *Descriptor, opts Options) (*Result, error) {
	sch := src.Schema()
	if err := desc.Validate(sch); err != nil {
		return nil, err
	}

	maxBuckets := opts.MaxBuckets
	if maxBuckets <= 0 {
		maxBuckets = DefaultMaxBuckets
	}

	preds := compileFilters(desc.Filters)
	buckets := make(map[string]*bucketState)

	var scanned, matched int64
	err := src.Scan(ctx, opts.BatchSize, func(batch []models.Record) error {
		scanned += int64(len(batch))
		for _, rec := range batch {
			keep := true
			for _, p := range preds {
				if !p(rec) {
					keep = false
					break
				}
			}
			if !keep {
				continue
			}
			matched++

			key, joined := bucketKey(rec, desc.GroupBy)
			bs, ok := buckets[joined]
			if !ok {
				bs = &bucketState{key: key}
				buckets[joined] = bs
			}
			if desc.Metric.Fn == FnCount {
				bs.acc.count++
				continue
			}
			if v, ok := toFloat(rec[desc.Metric.Field]); ok {
				bs.acc.add(v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		Dataset:     desc.Dataset,
		Version:     src.Version(),
		Metric:      desc.Metric,
		Buckets:     make([]Bucket, 0, len(buckets)),
		RowsScanned: scanned,
		RowsMatched: matched,
	}

	for _, bs := range buckets {
		res.Buckets = append(res.Buckets, Bucket{Key: bs.key, Value: bs.acc.final(desc.Metric.Fn)})
	}

	// Fixed ordering: descending metric value, ties broken by ascending
	// lexical key. This is also the truncation order, so the cap always
	// keeps the highest-weight buckets.
	sort.Slice(res.Buckets, func(i, j int) bool {
		if res.Buckets[i].Value != res.Buckets[j].Value {
			return res.Buckets[i].Value > res.Buckets[j].Value
		}
		return strings.Join(res.Buckets[i].Key, keySep) < strings.Join(res.Buckets[j].Key, keySep)
	})

	if len(res.Buckets) > maxBuckets {
		res.Buckets = res.Buckets[:maxBuckets]
		res.Truncated = true
	}

	return res, nil
}

// bucketKey computes the grouping key for one record: floor-division
// binning for numeric fields with a resolution, identity otherwise. An
// empty GroupBy produces the single global bucket.
func bucketKey(rec models.Record, groups []Grouping) ([]string, string) {
	if len(groups) == 0 {
		return []string{}, ""
	}
	parts := make([]string, len(groups))
	for i, g := range groups {
		v := rec[g.Field]
		if g.Resolution > 0 {
			f, _ := toFloat(v)
			bin := math.Floor(f/g.Resolution) * g.Resolution
			parts[i] = strconv.FormatFloat(bin, 'g', -1, 64)
			continue
		}
		parts[i] = formatPart(v)
	}
	return parts, strings.Join(parts, keySep)
}

func formatPart(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return ""
	}
}

type predicate func(models.Record) bool

// compileFilters turns validated filters into predicate closures.
func compileFilters(filters []Filter) []predicate {
	preds := make([]predicate, 0, len(filters))
	for _, f := range filters {
		f := f
		switch f.Op {
		case OpEq:
			preds = append(preds, func(rec models.Record) bool { return equal(rec[f.Field], f.Value) })
		case OpNe:
			preds = append(preds, func(rec models.Record) bool { return !equal(rec[f.Field], f.Value) })
		default:
			want, _ := toFloat(f.Value)
			op := f.Op
			preds = append(preds, func(rec models.Record) bool {
				got, ok := toFloat(rec[f.Field])
				if !ok {
					return false
				}
				switch op {
				case OpLt:
					return got < want
				case OpLte:
					return got <= want
				case OpGt:
					return got > want
				default: // OpGte
					return got >= want
				}
			})
		}
	}
	return preds
}

// equal compares a record value with a filter value, widening numerics
// so that an int64 column matches a JSON number.
func equal(got, want any) bool {
	if gf, ok := toFloat(got); ok {
		wf, ok := toFloat(want)
		return ok && gf == wf
	}
	return got == want
}
