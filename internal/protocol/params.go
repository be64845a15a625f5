package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Params is the decoded command.data payload.
type Params map[string]any

func (p Params) Has(key string) bool {
	if p == nil {
		return false
	}
	_, ok := p[key]
	return ok
}

// IsNull reports whether key is present with a json null value.
func (p Params) IsNull(key string) bool {
	v, ok := p[key]
	return ok && v == nil
}

func (p Params) String(key string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", fmt.Errorf("missing %s", key)
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	default:
		return "", fmt.Errorf("%s: expected string, got %T", key, v)
	}
}

// OptString returns the string value for key or "" when it is absent or null.
func (p Params) OptString(key string) string {
	s, err := p.String(key)
	if err != nil {
		return ""
	}
	return s
}

func (p Params) Int64(key string) (int64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("missing %s", key)
	}
	n, ok := toInt64(v)
	if !ok {
		return 0, fmt.Errorf("%s: expected integer, got %v", key, v)
	}
	return n, nil
}

// OptInt64 returns (0, false, nil) when key is absent or null.
func (p Params) OptInt64(key string) (int64, bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	n, ok := toInt64(v)
	if !ok {
		return 0, false, fmt.Errorf("%s: expected integer, got %v", key, v)
	}
	return n, true, nil
}

// Int64s accepts either a list of integers or a single integer.
func (p Params) Int64s(key string) ([]int64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, fmt.Errorf("missing %s", key)
	}
	list, isList := v.([]any)
	if !isList {
		n, ok := toInt64(v)
		if !ok {
			return nil, fmt.Errorf("%s: expected list of integers", key)
		}
		return []int64{n}, nil
	}
	out := make([]int64, 0, len(list))
	for i, item := range list {
		n, ok := toInt64(item)
		if !ok {
			return nil, fmt.Errorf("%s[%d]: expected integer, got %v", key, i, item)
		}
		out = append(out, n)
	}
	return out, nil
}

func (p Params) Map(key string) map[string]any {
	v, _ := p[key].(map[string]any)
	return v
}

// UserID reads user.entity.id.
func (p Params) UserID() (int64, bool) {
	user := p.Map("user")
	if user == nil {
		return 0, false
	}
	entity, _ := user["entity"].(map[string]any)
	if entity == nil {
		return 0, false
	}
	return toInt64(entity["id"])
}

// floatToInt64 accepts integral values inside the int64 range. The upper bound
// is exclusive because 2^63 itself does not fit.
func floatToInt64(f float64) (int64, bool) {
	if f != math.Trunc(f) || f < -(1<<63) || f >= 1<<63 {
		return 0, false
	}
	return int64(f), true
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt64(f)
	case float64:
		return floatToInt64(t)
	case int:
		return int64(t), true
	case int64:
		return t, true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
