// Package assemble merges step outputs into the final record and classifies
// its validity.
package assemble

import (
	"crypto/rand"
	"encoding/hex"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/metalagman/percept/internal/pipeline"
	"github.com/metalagman/percept/internal/schema"
)

// Record type and schema version stamped into basic_data.
const (
	RecordType    = "perception_record"
	SchemaVersion = "1.0"
)

// Context keys seeded by the orchestrator and step gates that never reach the record.
const (
	KeyUserInput    = "user_input"
	KeyLLMModel     = "llm_model"
	KeyPreScreening = "pre_screening"
	KeyEligibility  = "eligibility"
	KeyParticipants = "participants"
	KeyAnalysis     = "analysis"
)

var excludedKeys = map[string]struct{}{
	KeyUserInput:    {},
	KeyLLMModel:     {},
	KeyPreScreening: {},
	KeyEligibility:  {},
}

// Source describes the input of a run.
type Source struct {
	Content string
	Title   string
	Vars    map[string]any
}

// Meta is the run metadata stamped into basic_data.
type Meta struct {
	Template       string
	Model          string
	SuggestionType string
}

// BasicData builds the record skeleton.
func BasicData(src Source, meta Meta, now time.Time) map[string]any {
	source := map[string]any{
		"content": src.Content,
		"title":   src.Title,
	}
	for k, v := range src.Vars {
		if _, taken := source[k]; !taken {
			source[k] = schema.Clone(v)
		}
	}
	return map[string]any{
		"id":             uuid.NewString(),
		"type":           RecordType,
		"schema_version": SchemaVersion,
		"timestamp":      now.UTC().Format(time.RFC3339),
		"source":         source,
		"meta": map[string]any{
			"template":        meta.Template,
			"model":           meta.Model,
			"suggestion_type": meta.SuggestionType,
			"privacy_scope":   map[string]any{"privacy_level": 0.0},
		},
	}
}

// Merge deep-copies basic and overlays every context key that is neither
// metadata nor an orchestrator/gate key.
func Merge(basic, ctx map[string]any) map[string]any {
	record := schema.CloneMap(basic)
	for k, v := range ctx {
		if strings.HasPrefix(k, schema.MetaPrefix) {
			continue
		}
		if _, skip := excludedKeys[k]; skip {
			continue
		}
		record[k] = schema.Clone(v)
	}
	return record
}

// AssignEntityIDs attaches entity_id = entity + "_" + 8 hex chars to every
// participant carrying a string entity.
func AssignEntityIDs(record map[string]any) error {
	items, ok := record[KeyParticipants].([]any)
	if !ok {
		return nil
	}
	for _, item := range items {
		p, ok := item.(map[string]any)
		if !ok {
			continue
		}
		entity, ok := p["entity"].(string)
		if !ok {
			continue
		}
		suffix, err := RandomHex(4)
		if err != nil {
			return err
		}
		p["entity_id"] = entity + "_" + suffix
	}
	return nil
}

// RandomHex returns 2*n random hex characters.
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// PrivacyScore adds 0.05 per effective perceptual module, 0.05 each for
// inference and motivation, and 0.1 for advice, clamped to [0, 1] and
// rounded to two decimals.
func PrivacyScore(record map[string]any, lv pipeline.Levels) float64 {
	score := 0.0
	for _, m := range lv.Perceptual {
		if schema.Effective(record[m]) {
			score += 0.05
		}
	}
	if lv.Inference != "" && schema.Effective(record[lv.Inference]) {
		score += 0.05
	}
	if lv.Motivation != "" && schema.Effective(record[lv.Motivation]) {
		score += 0.05
	}
	if lv.Advice != "" && schema.Effective(record[lv.Advice]) {
		score += 0.1
	}
	score = math.Max(0, math.Min(1, score))
	return math.Round(score*100) / 100
}

// SetPrivacy writes the privacy score into meta.privacy_scope.privacy_level.
func SetPrivacy(record map[string]any, score float64) {
	meta, ok := record["meta"].(map[string]any)
	if !ok {
		meta = map[string]any{}
		record["meta"] = meta
	}
	scope, ok := meta["privacy_scope"].(map[string]any)
	if !ok {
		scope = map[string]any{}
		meta["privacy_scope"] = scope
	}
	scope["privacy_level"] = score
}

// SetMeta writes one meta field.
func SetMeta(record map[string]any, key string, value any) {
	meta, ok := record["meta"].(map[string]any)
	if !ok {
		meta = map[string]any{}
		record["meta"] = meta
	}
	meta[key] = value
}

// Prune removes every top-level key whose value is not effective.
func Prune(record map[string]any) {
	for k, v := range record {
		if !schema.Effective(v) {
			delete(record, k)
		}
	}
}

// Assemble runs merge, entity ids, privacy score and prune in order.
func Assemble(basic, ctx map[string]any, lv pipeline.Levels) (map[string]any, error) {
	record := Merge(basic, ctx)
	if err := AssignEntityIDs(record); err != nil {
		return nil, err
	}
	SetPrivacy(record, PrivacyScore(record, lv))
	Prune(record)
	return record, nil
}
