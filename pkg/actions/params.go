package actions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/errors"
)

// Parameters arrive either as Go values or, when a definition was authored by
// hand, as strings ("true", JSON objects and lists).

// FlagParam reads a boolean parameter, def when it is absent or unreadable.
func FlagParam(node definition.ActionNode, key string, def bool) bool {
	v, ok := node.Params[key]
	if !ok || v == nil {
		return def
	}
	switch x := v.(type) {
	case bool:
		return x
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "yes", "1":
			return true
		case "false", "no", "0":
			return false
		}
	}
	return def
}

func mapParam(node definition.ActionNode, key string) (map[string]any, error) {
	v, ok := node.Params[key]
	if !ok || v == nil {
		return map[string]any{}, nil
	}
	switch x := v.(type) {
	case map[string]any:
		return x, nil
	case string:
		if strings.TrimSpace(x) == "" {
			return map[string]any{}, nil
		}
		out := map[string]any{}
		if err := json.Unmarshal([]byte(x), &out); err != nil {
			return nil, errors.Newf(errors.KindValidationFailure, "parameter %q is not a JSON object: %w", key, err)
		}
		return out, nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, errors.Newf(errors.KindValidationFailure, "parameter %q is not an object: %w", key, err)
		}
		out := map[string]any{}
		if err := json.Unmarshal(b, &out); err != nil {
			return nil, errors.Newf(errors.KindValidationFailure, "parameter %q is not an object: %w", key, err)
		}
		return out, nil
	}
}

func listParam(node definition.ActionNode, key string) []string {
	v, ok := node.Params[key]
	if !ok || v == nil {
		return nil
	}
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil
		}
		if strings.HasPrefix(s, "[") {
			var out []string
			if err := json.Unmarshal([]byte(s), &out); err == nil {
				return out
			}
		}
		return []string{s}
	default:
		return []string{fmt.Sprint(x)}
	}
}

// anyParam returns a parameter decoded from JSON when it is a JSON string.
func anyParam(node definition.ActionNode, key string) any {
	v, ok := node.Params[key]
	if !ok {
		return nil
	}
	s, isString := v.(string)
	if !isString {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var out any
		if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
			return out
		}
	}
	return v
}
