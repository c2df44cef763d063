package resolver

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gossipdb/gossipdb/internal/hlc"
)

// FieldMerge resolves conflicting writes by merging individual JSON object
// fields rather than picking one body wholesale (spec.md §4.3). Both
// bodies must be JSON objects; any other shape (including malformed JSON)
// is reported as an error so the caller can fall back to LWW.
type FieldMerge struct{}

func (FieldMerge) Resolve(localBody, remoteBody []byte, localHlc, remoteHlc hlc.Timestamp) ([]byte, hlc.Timestamp, error) {
	var local, remote map[string]any
	if len(localBody) > 0 {
		if err := json.Unmarshal(localBody, &local); err != nil {
			return nil, hlc.Timestamp{}, fmt.Errorf("field-merge: decode local body: %w", err)
		}
	}
	if len(remoteBody) > 0 {
		if err := json.Unmarshal(remoteBody, &remote); err != nil {
			return nil, hlc.Timestamp{}, fmt.Errorf("field-merge: decode remote body: %w", err)
		}
	}

	merged := mergeObjects(local, remote, localHlc, remoteHlc)

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, hlc.Timestamp{}, fmt.Errorf("field-merge: encode result: %w", err)
	}
	return out, hlc.Max(localHlc, remoteHlc), nil
}

// mergeObjects merges two JSON objects field by field. For each key, if
// both sides present a scalar (or differ in shape), the side with the
// higher HLC wins. Arrays of id-bearing objects merge by identity; other
// arrays are concatenated and de-duplicated. Nested objects recurse.
func mergeObjects(local, remote map[string]any, localHlc, remoteHlc hlc.Timestamp) map[string]any {
	remoteWins := remoteHlc.After(localHlc)

	result := make(map[string]any, len(local)+len(remote))
	keys := make(map[string]struct{}, len(local)+len(remote))
	for k := range local {
		keys[k] = struct{}{}
	}
	for k := range remote {
		keys[k] = struct{}{}
	}

	for k := range keys {
		lv, lok := local[k]
		rv, rok := remote[k]

		switch {
		case lok && !rok:
			result[k] = lv
		case !lok && rok:
			result[k] = rv
		default:
			result[k] = mergeValue(lv, rv, localHlc, remoteHlc, remoteWins)
		}
	}
	return result
}

func mergeValue(lv, rv any, localHlc, remoteHlc hlc.Timestamp, remoteWins bool) any {
	lo, lIsObj := lv.(map[string]any)
	ro, rIsObj := rv.(map[string]any)
	if lIsObj && rIsObj {
		return mergeObjects(lo, ro, localHlc, remoteHlc)
	}

	la, lIsArr := lv.([]any)
	ra, rIsArr := rv.([]any)
	if lIsArr && rIsArr {
		return mergeArrays(la, ra, localHlc, remoteHlc)
	}

	// scalar, or differing shapes: higher HLC wins
	if remoteWins {
		return rv
	}
	return lv
}

// mergeArrays merges two arrays. When every element on both sides is an
// object carrying a stable "id" or "_id" field, elements merge by
// identity (later-HLC side wins per colliding element; elements present
// on only one side are kept). Otherwise the arrays are concatenated and
// de-duplicated.
func mergeArrays(local, remote []any, localHlc, remoteHlc hlc.Timestamp) []any {
	localByID, localOK := indexByID(local)
	remoteByID, remoteOK := indexByID(remote)

	if localOK && remoteOK {
		remoteWins := remoteHlc.After(localHlc)
		merged := make(map[string]any, len(localByID)+len(remoteByID))
		for id, v := range localByID {
			merged[id] = v
		}
		for id, v := range remoteByID {
			if existing, ok := merged[id]; ok {
				if remoteWins {
					merged[id] = v
				} else {
					merged[id] = existing
				}
				continue
			}
			merged[id] = v
		}

		ids := make([]string, 0, len(merged))
		for id := range merged {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		out := make([]any, 0, len(ids))
		for _, id := range ids {
			out = append(out, merged[id])
		}
		return out
	}

	return concatDedup(local, remote)
}

// indexByID returns a map of id -> element if every element is an object
// carrying an "id" or "_id" field, otherwise ok == false.
func indexByID(items []any) (map[string]any, bool) {
	out := make(map[string]any, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		id, ok := objectID(obj)
		if !ok {
			return nil, false
		}
		out[id] = item
	}
	return out, true
}

func objectID(obj map[string]any) (string, bool) {
	if v, ok := obj["id"]; ok {
		return fmt.Sprintf("%v", v), true
	}
	if v, ok := obj["_id"]; ok {
		return fmt.Sprintf("%v", v), true
	}
	return "", false
}

func concatDedup(local, remote []any) []any {
	seen := make(map[string]struct{}, len(local)+len(remote))
	out := make([]any, 0, len(local)+len(remote))

	add := func(v any) {
		key, err := json.Marshal(v)
		if err != nil {
			return
		}
		if _, ok := seen[string(key)]; ok {
			return
		}
		seen[string(key)] = struct{}{}
		out = append(out, v)
	}

	for _, v := range local {
		add(v)
	}
	for _, v := range remote {
		add(v)
	}
	return out
}

var _ Resolver = FieldMerge{}
