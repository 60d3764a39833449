package logparse

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// NormalizeBool converts the FCW/LDW/isDetectLine encodings seen across
// firmware versions to a bool: native booleans, the strings "true"/"false",
// and numbers (zero is false). Anything else is an error.
func NormalizeBool(raw json.RawMessage) (bool, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, err
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case float64:
		return b != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "1":
			return true, nil
		case "false", "0":
			return false, nil
		}
		return false, fmt.Errorf("unsupported bool string %q", b)
	default:
		return false, fmt.Errorf("unsupported bool type %T", v)
	}
}

type fields map[string]json.RawMessage

func (f fields) num(key string) (float64, bool) {
	raw, ok := f[key]
	if !ok {
		return 0, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	n, err := toFloat(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (f fields) integer(key string) (int, bool) {
	n, ok := f.num(key)
	if !ok {
		return 0, false
	}
	return int(n), true
}

func (f fields) text(key string) (string, bool) {
	raw, ok := f[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func (f fields) flag(key string) (bool, bool) {
	raw, ok := f[key]
	if !ok {
		return false, false
	}
	b, err := NormalizeBool(raw)
	if err != nil {
		return false, false
	}
	return b, true
}

func (f fields) point(prefix string) (x, y float64, ok bool) {
	x, okX := f.num(prefix + ".x")
	y, okY := f.num(prefix + ".y")
	return x, y, okX && okY
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("unsupported float type %T", v)
	}
}

// firstEntry decodes the first element of a JSON list into fields.
func firstEntry(raw json.RawMessage) (fields, bool) {
	list, ok := entries(raw)
	if !ok || len(list) == 0 {
		return nil, false
	}
	return list[0], true
}

func entries(raw json.RawMessage) ([]fields, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var list []fields
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, false
	}
	return list, true
}
