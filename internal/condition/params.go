package condition

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Params arrive from JSON (float64), YAML (int) or Postgres JSONB, so
// numeric lookups accept every numeric representation.

func paramFloat(params map[string]any, key string, def float64) (float64, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("param %s: %w", key, err)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("param %s: not a number: %q", key, n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("param %s: unsupported type %T", key, v)
}

func paramInt(params map[string]any, key string, def int) (int, error) {
	f, err := paramFloat(params, key, float64(def))
	if err != nil {
		return 0, err
	}
	if f < 1 || f != float64(int(f)) {
		return 0, fmt.Errorf("param %s: must be a positive integer, got %v", key, f)
	}
	return int(f), nil
}

func paramString(params map[string]any, key, def string) string {
	v, ok := params[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	return strings.ToLower(strings.TrimSpace(v))
}

func paramBool(params map[string]any, key string, def bool) bool {
	switch v := params[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

// Directions accepted by trend_break and change_percent.
const (
	directionUp     = "up"
	directionDown   = "down"
	directionEither = "either"
)

func checkDirection(d string) error {
	switch d {
	case directionUp, directionDown, directionEither:
		return nil
	}
	return fmt.Errorf("param direction: must be up, down or either, got %q", d)
}
