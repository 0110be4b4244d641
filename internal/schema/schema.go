// Package schema validates and repairs the semi-structured trees returned by LLM steps.
package schema

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// MetaPrefix marks metadata keys that are never merged into the context.
const MetaPrefix = "__"

// Type is a type validator name.
type Type string

// Supported type validators.
const (
	TypeString Type = "string"
	TypeInt    Type = "int"
	TypeFloat  Type = "float"
	TypeBool   Type = "bool"
	TypeList   Type = "list"
	TypeDict   Type = "dict"
)

// Known reports whether t names a supported type. The empty type means "any".
func (t Type) Known() bool {
	switch t {
	case "", TypeString, TypeInt, TypeFloat, TypeBool, TypeList, TypeDict:
		return true
	}
	return false
}

// Rule checks one field path. A "*" segment iterates a list.
type Rule struct {
	Path        string
	Required    bool
	Type        Type
	Validator   string
	Description string
}

// Repair records one automatic type fix.
type Repair struct {
	Path     string
	Expected Type
	From     string
}

// Result is the outcome of Validate.
type Result struct {
	IsValid     bool
	Errors      []string
	CleanedData map[string]any
	Repairs     []Repair
}

// Options tunes Validate.
type Options struct {
	// NoRepair reports type mismatches without fixing them.
	NoRepair bool
}

// Validate strips metadata, cleans semantic nulls, repairs mechanical type
// mismatches and reports the remaining errors.
func Validate(data map[string]any, rules []Rule) Result {
	return ValidateWith(data, rules, Options{})
}

// ValidateWith is Validate with explicit options.
func ValidateWith(data map[string]any, rules []Rule, opts Options) Result {
	cleaned, _ := CleanNulls(StripMetadata(data)).(map[string]any)
	if cleaned == nil {
		cleaned = map[string]any{}
	}

	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return depth(ordered[i].Path) < depth(ordered[j].Path)
	})

	res := Result{CleanedData: cleaned}
	for _, rule := range ordered {
		for _, pv := range ExpandWildcardPaths(res.CleanedData, rule.Path) {
			if !pv.Found {
				if rule.Required {
					res.Errors = append(res.Errors, fmt.Sprintf("%s: missing required field", pv.Path))
				}
				continue
			}
			value := pv.Value
			if rule.Type != "" && !Matches(value, rule.Type) {
				repaired, ok := Coerce(value, rule.Type)
				if !ok || opts.NoRepair {
					res.Errors = append(res.Errors, fmt.Sprintf("%s: expected %s, got %s", pv.Path, rule.Type, kindOf(value)))
					continue
				}
				if err := SetPath(res.CleanedData, pv.Path, repaired); err != nil {
					res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", pv.Path, err))
					continue
				}
				res.Repairs = append(res.Repairs, Repair{Path: pv.Path, Expected: rule.Type, From: kindOf(value)})
				log.Debug().Str("path", pv.Path).Str("expected", string(rule.Type)).Str("from", kindOf(value)).Msg("schema: repaired field")
				value = repaired
			}
			if rule.Validator != "" {
				pred, known := predicates[rule.Validator]
				if !known {
					res.Errors = append(res.Errors, fmt.Sprintf("%s: unknown validator %q", pv.Path, rule.Validator))
					continue
				}
				if !pred(value) {
					res.Errors = append(res.Errors, fmt.Sprintf("%s: failed validator %s", pv.Path, rule.Validator))
				}
			}
		}
	}
	res.IsValid = len(res.Errors) == 0
	return res
}

// Matches reports whether v satisfies type t.
func Matches(v any, t Type) bool {
	switch t {
	case "":
		return true
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeInt:
		f, ok := number(v)
		return ok && f == math.Trunc(f)
	case TypeFloat:
		_, ok := number(v)
		return ok
	case TypeBool:
		_, ok := v.(bool)
		return ok
	case TypeList:
		return isList(v)
	case TypeDict:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}

// Predicate is a named value check referenced by Rule.Validator.
type Predicate func(v any) bool

var predicates = map[string]Predicate{
	"non_empty": Effective,
	"probability": func(v any) bool {
		f, ok := number(v)
		return ok && f >= 0 && f <= 1
	},
	"non_negative": func(v any) bool {
		f, ok := number(v)
		return ok && f >= 0
	},
	"percentage": func(v any) bool {
		f, ok := number(v)
		return ok && f >= 0 && f <= 100
	},
}

// KnownValidator reports whether name is a registered predicate.
func KnownValidator(name string) bool {
	_, ok := predicates[name]
	return ok
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

func isList(v any) bool {
	if v == nil {
		return false
	}
	if _, ok := v.([]any); ok {
		return true
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

func kindOf(v any) string {
	switch {
	case v == nil:
		return "null"
	case Matches(v, TypeString):
		return "string"
	case Matches(v, TypeBool):
		return "bool"
	case Matches(v, TypeFloat):
		return "number"
	case Matches(v, TypeList):
		return "list"
	case Matches(v, TypeDict):
		return "dict"
	}
	return fmt.Sprintf("%T", v)
}

func depth(path string) int {
	return strings.Count(path, ".")
}
