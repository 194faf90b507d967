package storage

import (
	"fmt"
	"regexp"
	"sort"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdent reports whether s is safe to splice into a backend query as a
// collection, field or relation name.
func ValidIdent(s string) bool {
	return identPattern.MatchString(s)
}

// ValidateQuery checks collection and field identifiers and operator values.
func ValidateQuery(q Query) error {
	if !ValidIdent(q.Collection) {
		return fmt.Errorf("invalid collection %q", q.Collection)
	}
	if q.OrderBy != "" && !ValidIdent(q.OrderBy) {
		return fmt.Errorf("invalid order field %q", q.OrderBy)
	}
	for _, f := range q.Filters {
		if !ValidIdent(f.Field) {
			return fmt.Errorf("invalid filter field %q", f.Field)
		}
		switch f.Op {
		case OpEq, OpNe, OpContains, OpExists, OpMissing:
		case OpGte, OpLte:
			if _, ok := Float(f.Value); !ok {
				return fmt.Errorf("filter %s %s needs a number, got %T", f.Field, f.Op, f.Value)
			}
		case OpIn:
			if _, ok := f.Value.([]string); !ok {
				return fmt.Errorf("filter %s in needs []string, got %T", f.Field, f.Value)
			}
		default:
			return fmt.Errorf("unknown filter op %q", f.Op)
		}
	}
	return nil
}

// Float converts any numeric field value to float64.
func Float(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Strings converts a list field value to []string. Backends that decode
// JSON hand back []any, which is accepted too.
func Strings(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

// Matches evaluates filters against rec in process. Backends without
// native predicates use it after a scan.
func Matches(rec *Record, filters []Filter) bool {
	for _, f := range filters {
		if !matchOne(rec.Fields[f.Field], rec.Fields != nil && hasKey(rec.Fields, f.Field), f) {
			return false
		}
	}
	return true
}

func hasKey(m map[string]any, k string) bool {
	_, ok := m[k]
	return ok
}

func matchOne(v any, present bool, f Filter) bool {
	switch f.Op {
	case OpExists:
		return present
	case OpMissing:
		return !present
	case OpEq:
		return present && equal(v, f.Value)
	case OpNe:
		return !present || !equal(v, f.Value)
	case OpGte, OpLte:
		a, ok1 := Float(v)
		b, ok2 := Float(f.Value)
		if !ok1 || !ok2 {
			return false
		}
		if f.Op == OpGte {
			return a >= b
		}
		return a <= b
	case OpIn:
		s, ok := v.(string)
		if !ok {
			return false
		}
		for _, want := range Strings(f.Value) {
			if s == want {
				return true
			}
		}
		return false
	case OpContains:
		want, ok := f.Value.(string)
		if !ok {
			return false
		}
		for _, s := range Strings(v) {
			if s == want {
				return true
			}
		}
		return false
	}
	return false
}

func equal(a, b any) bool {
	if fa, ok := Float(a); ok {
		fb, ok := Float(b)
		return ok && fa == fb
	}
	return a == b
}

// SortRecords orders recs by a numeric or string field. Records without
// the field sort last. An empty field orders by Score, highest first.
func SortRecords(recs []*Record, field string, desc bool) {
	if field == "" {
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].Score > recs[j].Score })
		return
	}
	sort.SliceStable(recs, func(i, j int) bool {
		vi, oki := recs[i].Fields[field]
		vj, okj := recs[j].Fields[field]
		if oki != okj {
			return oki
		}
		if fi, ok := Float(vi); ok {
			fj, _ := Float(vj)
			if desc {
				return fi > fj
			}
			return fi < fj
		}
		si := fmt.Sprint(vi)
		sj := fmt.Sprint(vj)
		if desc {
			return si > sj
		}
		return si < sj
	})
}

// Limit truncates recs to n when n > 0.
func Limit(recs []*Record, n int) []*Record {
	if n > 0 && len(recs) > n {
		return recs[:n]
	}
	return recs
}
