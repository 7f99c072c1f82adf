package store

import (
	"fmt"
	"sort"
	"strings"
)

// Selector operators
const (
	opIn       = "$in"
	opNotIn    = "$nin"
	opContains = "$contains"
	opGT       = "$gt"
	opGE       = "$ge"
	opLT       = "$lt"
	opLE       = "$le"
	opNE       = "$ne"
	opExists   = "$exists"
)

// Match reports whether doc satisfies every clause of the selector.
func Match(doc Document, sel Selector) bool {
	for key, cond := range sel {
		if !matchClause(doc, key, cond) {
			return false
		}
	}
	return true
}

func matchClause(doc Document, key string, cond interface{}) bool {
	vals := valuesAtKey(doc, key)

	if ops, ok := cond.(map[string]interface{}); ok && isOperatorObject(ops) {
		for op, arg := range ops {
			if !matchOperator(vals, op, arg) {
				return false
			}
		}
		return true
	}

	// Scalar condition: equality against any value at the key, flattening
	// through a list value (element-of).
	for _, v := range vals {
		if valueEqual(v, cond) {
			return true
		}
		if list, ok := v.([]interface{}); ok {
			for _, elem := range list {
				if valueEqual(elem, cond) {
					return true
				}
			}
		}
	}
	return false
}

func isOperatorObject(m map[string]interface{}) bool {
	for k := range m {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

func matchOperator(vals []interface{}, op string, arg interface{}) bool {
	switch op {
	case opExists:
		if truthy(arg) {
			return len(vals) > 0
		}
		return len(vals) == 0

	case opIn:
		list, ok := arg.([]interface{})
		if !ok {
			return false
		}
		for _, v := range vals {
			for _, want := range list {
				if valueEqual(v, want) {
					return true
				}
			}
		}
		return false

	case opNotIn:
		list, ok := arg.([]interface{})
		if !ok {
			return false
		}
		for _, v := range vals {
			for _, want := range list {
				if valueEqual(v, want) {
					return false
				}
			}
		}
		return true

	case opContains:
		for _, v := range vals {
			switch t := v.(type) {
			case string:
				if s, ok := arg.(string); ok && strings.Contains(t, s) {
					return true
				}
			case []interface{}:
				for _, elem := range t {
					if valueEqual(elem, arg) {
						return true
					}
				}
			}
		}
		return false

	case opNE:
		for _, v := range vals {
			if valueEqual(v, arg) {
				return false
			}
		}
		return true

	case opGT, opGE, opLT, opLE:
		for _, v := range vals {
			c, ok := compareValues(v, arg)
			if !ok {
				continue
			}
			switch op {
			case opGT:
				if c > 0 {
					return true
				}
			case opGE:
				if c >= 0 {
					return true
				}
			case opLT:
				if c < 0 {
					return true
				}
			case opLE:
				if c <= 0 {
					return true
				}
			}
		}
		return false
	}
	return false
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	case string:
		return t != ""
	default:
		if f, ok := toFloat(v); ok {
			return f != 0
		}
		return true
	}
}

// valueEqual compares two scalar values, treating all numeric types as
// equivalent (JSON decoding yields float64, Go callers pass ints).
func valueEqual(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return a == b
}

// compareValues orders two values of compatible types.
// Returns ok=false when the values are not comparable.
func compareValues(a, b interface{}) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint16:
		return float64(t), true
	default:
		return 0, false
	}
}

// sortDocuments orders docs on a dotted key. Documents missing the key sort
// last ascending; descending order is the exact reverse.
func sortDocuments(docs []Document, key string, dir SortDirection) {
	less := func(i, j int) bool {
		vi, oki := firstValueAtKey(docs[i], key)
		vj, okj := firstValueAtKey(docs[j], key)
		if !oki && !okj {
			return false
		}
		if !oki {
			return false // missing sorts last
		}
		if !okj {
			return true
		}
		c, ok := compareValues(vi, vj)
		if !ok {
			// Incomparable types: order by type name for determinism
			return fmt.Sprintf("%T", vi) < fmt.Sprintf("%T", vj)
		}
		return c < 0
	}
	if dir == SortDesc {
		orig := less
		less = func(i, j int) bool { return orig(j, i) }
	}
	sort.SliceStable(docs, less)
}

// applyFindOptions applies sort, skip, limit and projection in that order.
func applyFindOptions(docs []Document, opts *FindOptions) []Document {
	if opts == nil {
		return docs
	}
	if opts.SortKey != "" {
		dir := opts.SortDir
		if dir == 0 {
			dir = SortAsc
		}
		sortDocuments(docs, opts.SortKey, dir)
	}
	if opts.Skip > 0 {
		if opts.Skip >= len(docs) {
			docs = nil
		} else {
			docs = docs[opts.Skip:]
		}
	}
	if opts.Limit > 0 && opts.Limit < len(docs) {
		docs = docs[:opts.Limit]
	}
	if len(opts.Fields) > 0 {
		projected := make([]Document, len(docs))
		for i, d := range docs {
			projected[i] = project(d, opts.Fields)
		}
		docs = projected
	}
	return docs
}
