package model

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/ohler55/ojg/oj"
	"github.com/samber/lo"
)

// the feed values are loosely typed: numbers sometimes arrive as strings,
// booleans as "true"/"false" and lists as objects keyed by index.
// The helpers below convert the generic values in a tolerant way.

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return nil
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int64:
		return int(t), true
	case int:
		return t, true
	case float64:
		return int(t), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(t)
		return err == nil && b
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return false
	}
}

// values returns the elements of a list value. Objects keyed by index are
// returned ordered by their numeric key, other objects by their key.
func values(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case map[string]any:
		keys := lo.Keys(t)
		slices.SortFunc(keys, func(a, b string) int {
			ai, aErr := strconv.Atoi(a)
			bi, bErr := strconv.Atoi(b)
			if aErr == nil && bErr == nil {
				return cmp.Compare(ai, bi)
			}
			return strings.Compare(a, b)
		})
		return lo.Map(keys, func(k string, _ int) any { return t[k] })
	default:
		return nil
	}
}

// decode converts a generic value into the target struct
func decode(v, target any) error {
	return oj.Unmarshal([]byte(oj.JSON(v)), target)
}
