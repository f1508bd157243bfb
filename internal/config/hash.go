package config

import (
	"encoding/json"
	"hash/fnv"
	"sort"
)

// hashBytes returns an FNV-1a hash of b, or 0 for empty input so callers can
// treat 0 as "nothing to compare".
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// canonicalHashJSON hashes a JSON document independent of key order: the
// document is decoded, re-encoded with sorted keys and hashed. Input that is
// not valid JSON is hashed as raw bytes.
func canonicalHashJSON(raw []byte) uint64 {
	if len(raw) == 0 {
		return 0
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return hashBytes(raw)
	}
	canon, err := json.Marshal(canonicalize(v))
	if err != nil {
		return hashBytes(raw)
	}
	return hashBytes(canon)
}

// canonicalize sorts map keys recursively. encoding/json already emits map
// keys sorted, so converting nested maps in place is enough; slices keep their
// order (it is semantically meaningful).
func canonicalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := make(map[string]any, len(x))
		for _, k := range keys {
			m[k] = canonicalize(x[k])
		}
		return m
	case []any:
		for i := range x {
			x[i] = canonicalize(x[i])
		}
		return x
	default:
		return v
	}
}
