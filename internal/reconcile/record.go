package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// record is a decoded server payload looked up through field fallback
// chains. The first key present with a usable value wins.
type record map[string]any

func decodeRecord(raw []byte) (record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var r map[string]any
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("record is not an object")
	}
	return record(r), nil
}

func (r record) value(keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := r[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func (r record) str(keys ...string) string {
	for _, k := range keys {
		switch v := r[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

// boolean reports the value and whether any key was present. Strings such
// as "true" and numbers 0/1 are accepted.
func (r record) boolean(keys ...string) (bool, bool) {
	for _, k := range keys {
		switch v := r[k].(type) {
		case bool:
			return v, true
		case json.Number:
			n, err := v.Int64()
			if err == nil {
				return n != 0, true
			}
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				return b, true
			}
		}
	}
	return false, false
}

func (r record) int64(keys ...string) (int64, bool) {
	for _, k := range keys {
		switch v := r[k].(type) {
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return n, true
			}
			if f, err := v.Float64(); err == nil {
				return int64(f), true
			}
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func (r record) strings(keys ...string) ([]string, bool) {
	for _, k := range keys {
		switch v := r[k].(type) {
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok && s != "" {
					out = append(out, s)
				}
			}
			return out, true
		case string:
			if v == "" {
				return nil, true
			}
			parts := strings.Split(v, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			return out, true
		}
	}
	return nil, false
}

func (r record) object(keys ...string) (record, bool) {
	for _, k := range keys {
		if m, ok := r[k].(map[string]any); ok {
			return record(m), true
		}
	}
	return nil, false
}
