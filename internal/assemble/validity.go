package assemble

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/metalagman/percept/internal/pipeline"
)

// Validity levels, lowest first.
const (
	LevelInvalid = "invalid"
	LevelL0      = "L0_raw"
	LevelL1      = "L1_structured"
	LevelL2      = "L2_actionable"
)

// MinContentRunes is the shortest source.content accepted by L0.
const MinContentRunes = 10

var l0Keys = []string{"id", "type", "timestamp", "source", "meta"}

// Validity is the outcome of the three-tier check.
type Validity struct {
	Success       bool                `json:"success"`
	Level         string              `json:"validity_level"`
	ErrorsByLevel map[string][]string `json:"errors_by_level"`
}

// Errors flattens the per-level reasons as "level: reason".
func (v Validity) Errors() []string {
	var out []string
	for _, level := range []string{LevelL0, LevelL1, LevelL2} {
		for _, e := range v.ErrorsByLevel[level] {
			out = append(out, level+": "+e)
		}
	}
	return out
}

// Classify checks L0, L1 and L2 in order and stops at the first failing tier.
// Success means L1 or L2.
func Classify(record map[string]any, lv pipeline.Levels) Validity {
	v := Validity{Level: LevelInvalid, ErrorsByLevel: map[string][]string{}}

	if errs := checkL0(record); len(errs) > 0 {
		v.ErrorsByLevel[LevelL0] = errs
		return v
	}
	v.Level = LevelL0

	if errs := checkL1(record, lv); len(errs) > 0 {
		v.ErrorsByLevel[LevelL1] = errs
		return v
	}
	v.Level = LevelL1
	v.Success = true

	if errs := checkL2(record, lv); len(errs) > 0 {
		v.ErrorsByLevel[LevelL2] = errs
		return v
	}
	v.Level = LevelL2
	return v
}

func checkL0(record map[string]any) []string {
	var errs []string
	for _, k := range l0Keys {
		if _, ok := record[k]; !ok {
			errs = append(errs, fmt.Sprintf("missing %s", k))
		}
	}
	source, _ := record["source"].(map[string]any)
	content, ok := source["content"].(string)
	switch {
	case !ok:
		errs = append(errs, "source.content is not a string")
	case strings.TrimSpace(content) == "":
		errs = append(errs, "source.content is blank")
	case utf8.RuneCountInString(content) < MinContentRunes:
		errs = append(errs, fmt.Sprintf("source.content shorter than %d characters", MinContentRunes))
	}
	return errs
}

func checkL1(record map[string]any, lv pipeline.Levels) []string {
	if len(lv.Perceptual) == 0 {
		return []string{"no perceptual modules configured"}
	}
	var reasons []string
	for _, m := range lv.Perceptual {
		reason := moduleReason(record, m, true)
		if reason == "" {
			return nil
		}
		reasons = append(reasons, reason)
	}
	return append([]string{"no perceptual module with summary, evidence and a supported event"}, reasons...)
}

func checkL2(record map[string]any, lv pipeline.Levels) []string {
	var errs []string
	for _, m := range []string{lv.Inference, lv.Motivation} {
		if m == "" {
			continue
		}
		if reason := moduleReason(record, m, true); reason != "" {
			errs = append(errs, reason)
		}
	}
	if lv.Advice != "" {
		if reason := moduleReason(record, lv.Advice, false); reason != "" {
			errs = append(errs, reason)
		} else if !hasSubstance(record[lv.Advice].(map[string]any), lv.AdviceSubstantive) {
			errs = append(errs, fmt.Sprintf("%s: no substantive content", lv.Advice))
		}
	}
	return errs
}

// moduleReason returns why a module block fails its top-level (and, when
// withEvents is set, event) condition, or "" when it passes.
func moduleReason(record map[string]any, module string, withEvents bool) string {
	block, ok := record[module].(map[string]any)
	if !ok {
		return fmt.Sprintf("%s: missing", module)
	}
	if s, _ := block["summary"].(string); strings.TrimSpace(s) == "" {
		return fmt.Sprintf("%s: empty summary", module)
	}
	if !nonEmptyList(block["evidence"]) {
		return fmt.Sprintf("%s: empty evidence", module)
	}
	if !withEvents {
		return ""
	}
	events, _ := block["events"].([]any)
	for _, item := range events {
		ev, ok := item.(map[string]any)
		if !ok {
			continue
		}
		notation, _ := ev["semantic_notation"].(string)
		if strings.TrimSpace(notation) != "" && nonEmptyList(ev["evidence"]) {
			return ""
		}
	}
	return fmt.Sprintf("%s: no event with semantic_notation and evidence", module)
}

func hasSubstance(block map[string]any, fields []string) bool {
	for _, f := range fields {
		switch v := block[f].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return true
			}
		case []any:
			if nonEmptyList(v) {
				return true
			}
		case map[string]any:
			if len(v) > 0 {
				return true
			}
		}
	}
	return false
}

func nonEmptyList(v any) bool {
	items, ok := v.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if s, isStr := item.(string); isStr {
			if strings.TrimSpace(s) != "" {
				return true
			}
			continue
		}
		if item != nil {
			return true
		}
	}
	return false
}
