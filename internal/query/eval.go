package query

import (
	"encoding/json"
	"strings"
)

// Match evaluates pred against a document body (opaque JSON text). A nil
// predicate matches everything. Malformed JSON never matches a non-nil
// predicate.
func Match(pred Predicate, body []byte) bool {
	if pred == nil {
		return true
	}
	var decoded map[string]any
	if len(body) == 0 {
		return false
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return false
	}
	return eval(pred, decoded)
}

func eval(pred Predicate, doc map[string]any) bool {
	switch p := pred.(type) {
	case *EqPredicate:
		v, ok := lookup(doc, p.Path)
		return ok && looseEqual(v, p.Value)
	case *LtPredicate:
		v, ok := lookup(doc, p.Path)
		return ok && compareNumeric(v, p.Value) < 0
	case *GtPredicate:
		v, ok := lookup(doc, p.Path)
		return ok && compareNumeric(v, p.Value) > 0
	case *And:
		for _, c := range p.Children {
			if !eval(c, doc) {
				return false
			}
		}
		return true
	case *Or:
		for _, c := range p.Children {
			if eval(c, doc) {
				return true
			}
		}
		return len(p.Children) == 0
	case *Not:
		return !eval(p.Child, doc)
	default:
		return false
	}
}

func lookup(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func looseEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func compareNumeric(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return 0
	}
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
