// Package extract pulls typed values out of loosely shaped platform payloads
// through ordered fallback chains.
package extract

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Extractor attempts to read a value from payload.
type Extractor[T any] func(payload any) (T, bool)

// Chain tries each extractor in order.
type Chain[T any] []Extractor[T]

// Extract returns the first successful result, or def when every extractor
// fails.
func (c Chain[T]) Extract(payload any, def T) T {
	for _, fn := range c {
		if v, ok := fn(payload); ok {
			return v
		}
	}
	return def
}

// Lookup walks nested objects by key. JSON strings met along the way are
// decoded so that stringified sub-documents can be traversed.
func Lookup(payload any, keys ...string) (any, bool) {
	cur := payload
	for _, k := range keys {
		if s, ok := cur.(string); ok {
			decoded, ok := DecodeJSONString(s)
			if !ok {
				return nil, false
			}
			cur = decoded
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[k]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// DecodeJSONString decodes s when it holds a JSON object or array.
func DecodeJSONString(s string) (any, bool) {
	s = strings.TrimSpace(s)
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return v, true
}

// String converts v to a non-empty string. Numbers are formatted without
// trailing zeros.
func String(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		t = strings.TrimSpace(t)
		return t, t != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}

// Number converts v to a float64. Numeric strings are parsed.
func Number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// List converts v to a non-empty slice. A JSON string holding an array is
// decoded.
func List(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, len(t) > 0
	case string:
		decoded, ok := DecodeJSONString(t)
		if !ok {
			return nil, false
		}
		return List(decoded)
	default:
		return nil, false
	}
}

// StringAt extracts a non-empty string at the given path.
func StringAt(keys ...string) Extractor[string] {
	return func(payload any) (string, bool) {
		v, ok := Lookup(payload, keys...)
		if !ok {
			return "", false
		}
		return String(v)
	}
}

// NumberAt extracts a number at the given path.
func NumberAt(keys ...string) Extractor[float64] {
	return func(payload any) (float64, bool) {
		v, ok := Lookup(payload, keys...)
		if !ok {
			return 0, false
		}
		return Number(v)
	}
}

// ListAt extracts a non-empty list at the given path.
func ListAt(keys ...string) Extractor[[]any] {
	return func(payload any) ([]any, bool) {
		v, ok := Lookup(payload, keys...)
		if !ok {
			return nil, false
		}
		return List(v)
	}
}
