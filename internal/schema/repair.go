package schema

import (
	"math"
	"strconv"
	"strings"
)

// Coerce attempts a mechanical conversion of v to type t.
//
//   - list: scalars and dicts are wrapped in a one-element list
//   - string: bools and numbers are formatted
//   - int: numeric strings holding an integral value are parsed
//   - float: numeric strings are parsed
//   - bool: true/false, 1/0, yes/no, on/off (case-insensitive)
//
// Dicts are never coerced.
func Coerce(v any, t Type) (any, bool) {
	if Matches(v, t) {
		return v, true
	}
	switch t {
	case TypeList:
		if v == nil {
			return nil, false
		}
		return []any{v}, true
	case TypeString:
		switch p := v.(type) {
		case bool:
			return strconv.FormatBool(p), true
		}
		if f, ok := number(v); ok {
			return strconv.FormatFloat(f, 'f', -1, 64), true
		}
	case TypeInt:
		if s, ok := v.(string); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err == nil && f == math.Trunc(f) && !math.IsInf(f, 0) {
				return f, true
			}
		}
	case TypeFloat:
		if s, ok := v.(string); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
				return f, true
			}
		}
	case TypeBool:
		if s, ok := v.(string); ok {
			switch strings.ToLower(strings.TrimSpace(s)) {
			case "true", "1", "yes", "on":
				return true, true
			case "false", "0", "no", "off":
				return false, true
			}
		}
	}
	return nil, false
}
