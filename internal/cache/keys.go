package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Key derives the canonical subscription key for an item name and its
// parameter tuple. The registry, the cache adapter, and the server all
// key by this one scheme, so equal parameter tuples collapse to a single
// subscription regardless of JSON field order.
func Key(itemName string, params json.RawMessage) string {
	if len(params) == 0 || string(params) == "null" || string(params) == "[]" {
		return itemName + ":"
	}
	hash := sha256.Sum256(normalizeParams(params))
	return itemName + ":" + hex.EncodeToString(hash[:8])
}

// normalizeParams normalizes JSON params for consistent hashing
func normalizeParams(params json.RawMessage) []byte {
	var data interface{}
	if err := json.Unmarshal(params, &data); err != nil {
		return params
	}

	result, err := json.Marshal(normalizeValue(data))
	if err != nil {
		return params
	}
	return result
}

// normalizeValue recursively normalizes a JSON value
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return normalizeMap(val)
	case []interface{}:
		return normalizeArray(val)
	default:
		return val
	}
}

// normalizeMap normalizes a map by sorting keys
func normalizeMap(m map[string]interface{}) map[string]interface{} {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make(map[string]interface{})
	for _, k := range keys {
		result[k] = normalizeValue(m[k])
	}
	return result
}

// normalizeArray normalizes an array
func normalizeArray(arr []interface{}) []interface{} {
	result := make([]interface{}, len(arr))
	for i, v := range arr {
		result[i] = normalizeValue(v)
	}
	return result
}
