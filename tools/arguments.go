package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeArguments normalizes a tool argument payload into a map. It is the
// single place where raw payloads are interpreted:
//
//	nil                          -> {}
//	string, []byte, RawMessage   -> parsed JSON object, {} if it is not one
//	map[string]any               -> passed through
//	anything else                -> JSON round trip, {} on failure
func DecodeArguments(raw any) map[string]any {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		if v == nil {
			return map[string]any{}
		}
		return v
	case json.RawMessage:
		return parseObject(v)
	case []byte:
		return parseObject(v)
	case string:
		return parseObject([]byte(v))
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return map[string]any{}
		}
		return parseObject(data)
	}
}

func parseObject(data []byte) map[string]any {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func stringArg(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func numberArg(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// FormatData renders a tool payload as text for prompts and previews.
func FormatData(data any) string {
	switch v := data.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(out)
}
