// Package participant enforces that perception events only name legitimate
// participants extracted during preprocessing.
package participant

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/percept/internal/llm"
	"github.com/metalagman/percept/internal/metrics"
	"github.com/metalagman/percept/internal/pipeline"
)

// Filter actions, also used as metric labels.
const (
	ActionKept      = "kept"
	ActionRewritten = "rewritten"
	ActionResolved  = "resolved"
	ActionDropped   = "dropped"
)

var uncertaintySuffixes = []string{"(?)", "（?）", "（？）", "（疑似）", "(疑似)", "（推测）", "(推测)", "？", "?"}

var excludedWords = toSet(
	"别人", "某人", "有人", "大家", "人们", "他们", "她们", "路人", "陌生人", "众人", "其他人", "旁人",
	"someone", "others", "everyone", "people",
)

var pronouns = toSet(
	"我", "你", "他", "她", "它", "ta", "他/她", "自己", "本人", "主人公",
	"he", "she", "him", "her", "i", "me",
)

func toSet(words ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}

// Set is the legitimate participant vocabulary.
type Set map[string]struct{}

// LegitimateSet collects the trimmed, non-empty entity strings of a
// participants array. Anything that is not a list of objects yields an empty set.
func LegitimateSet(participants any) Set {
	set := Set{}
	items, ok := participants.([]any)
	if !ok {
		return set
	}
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		entity, ok := m["entity"].(string)
		if !ok {
			continue
		}
		if entity = strings.TrimSpace(entity); entity != "" {
			set[entity] = struct{}{}
		}
	}
	return set
}

func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Sorted returns the entities in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for name := range s {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Sole returns the only participant when the set has exactly one.
func (s Set) Sole() (string, bool) {
	if len(s) != 1 {
		return "", false
	}
	for name := range s {
		return name, true
	}
	return "", false
}

// StripUncertainty removes trailing uncertainty markers such as "（疑似）" or "?".
func StripUncertainty(name string) string {
	name = strings.TrimSpace(name)
	for {
		trimmed := name
		for _, suffix := range uncertaintySuffixes {
			trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, suffix))
		}
		if trimmed == name {
			return name
		}
		name = trimmed
	}
}

// IsExcluded reports whether name is a generic reference that never names a participant.
func IsExcluded(name string) bool {
	_, ok := excludedWords[strings.ToLower(name)]
	return ok
}

// IsPronoun reports whether name is a personal pronoun.
func IsPronoun(name string) bool {
	_, ok := pronouns[strings.ToLower(name)]
	return ok
}

// Resolver maps event indices to participant names in one batched call.
type Resolver interface {
	ResolvePronouns(ctx context.Context, prompt, step string) (map[int]string, llm.StepResult)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, prompt, step string) (map[int]string, llm.StepResult)

func (f ResolverFunc) ResolvePronouns(ctx context.Context, prompt, step string) (map[int]string, llm.StepResult) {
	return f(ctx, prompt, step)
}

// Report summarizes the decisions taken for one module.
type Report struct {
	Module    string
	Kept      int
	Rewritten int
	Resolved  int
	Dropped   int
	// Coreference is set when the batched resolution call was made.
	Coreference *llm.StepResult
}

// Filter rewrites or drops perception events whose experiencer is not legitimate.
type Filter struct {
	Legit    Set
	Resolver Resolver
}

// CoreferenceStep names the resolution call made for a module.
func CoreferenceStep(module string) string {
	return module + "_" + pipeline.PromptTypeCoreference
}

// Apply filters data[module].events in place.
func (f Filter) Apply(ctx context.Context, module string, data map[string]any, userText string) Report {
	rep := Report{Module: module}
	block, ok := data[module].(map[string]any)
	if !ok {
		return rep
	}
	events, ok := block["events"].([]any)
	if !ok || len(events) == 0 {
		return rep
	}

	keep := make([]bool, len(events))
	pending := map[int]string{}
	for i, item := range events {
		ev, ok := item.(map[string]any)
		if !ok {
			continue
		}
		original, _ := ev["experiencer"].(string)
		original = strings.TrimSpace(original)
		if original == "" {
			continue
		}
		if f.Legit.Has(original) {
			ev["experiencer"] = original
			keep[i] = true
			rep.Kept++
			continue
		}
		stripped := StripUncertainty(original)
		if f.Legit.Has(stripped) {
			ev["experiencer"] = stripped
			keep[i] = true
			rep.Rewritten++
			continue
		}
		if IsExcluded(stripped) {
			log.Debug().Str("step", module).Str("experiencer", original).Msg("participant: dropped generic reference")
			continue
		}
		if sole, ok := f.Legit.Sole(); ok && IsPronoun(stripped) {
			ev["experiencer"] = sole
			keep[i] = true
			rep.Rewritten++
			continue
		}
		pending[i] = original
	}

	if len(pending) > 0 && len(f.Legit) > 0 && f.Resolver != nil {
		prompt := pipeline.CoreferencePrompt(userText, f.Legit.Sorted(), pending)
		resolved, res := f.Resolver.ResolvePronouns(ctx, prompt, CoreferenceStep(module))
		rep.Coreference = &res
		for idx, name := range resolved {
			name = strings.TrimSpace(name)
			if _, asked := pending[idx]; !asked || !f.Legit.Has(name) {
				continue
			}
			events[idx].(map[string]any)["experiencer"] = name
			keep[idx] = true
			rep.Resolved++
		}
	}

	kept := make([]any, 0, len(events))
	for i, ev := range events {
		if keep[i] {
			kept = append(kept, ev)
		} else {
			rep.Dropped++
		}
	}
	block["events"] = kept
	if len(kept) == 0 {
		block["summary"] = ""
		block["evidence"] = []any{}
	}

	metrics.ParticipantEvents.WithLabelValues(ActionKept).Add(float64(rep.Kept))
	metrics.ParticipantEvents.WithLabelValues(ActionRewritten).Add(float64(rep.Rewritten))
	metrics.ParticipantEvents.WithLabelValues(ActionResolved).Add(float64(rep.Resolved))
	metrics.ParticipantEvents.WithLabelValues(ActionDropped).Add(float64(rep.Dropped))
	log.Debug().
		Str("step", module).
		Int("kept", rep.Kept).
		Int("rewritten", rep.Rewritten).
		Int("resolved", rep.Resolved).
		Int("dropped", rep.Dropped).
		Msg("participant: filtered events")
	return rep
}
