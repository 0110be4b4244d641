package schema

import (
	"sync"
)

// Validator validates a step response for a (template, step) pair.
type Validator interface {
	Validate(template, step string, data map[string]any) Result
}

// Registry maps (template, step) to rule lists.
type Registry struct {
	mu    sync.RWMutex
	rules map[string][]Rule
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{rules: map[string][]Rule{}}
}

func registryKey(template, step string) string {
	return template + "/" + step
}

// Register replaces the rules for a step.
func (r *Registry) Register(template, step string, rules []Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[registryKey(template, step)] = append([]Rule(nil), rules...)
}

// Rules returns the rules for a step.
func (r *Registry) Rules(template, step string) ([]Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rules, ok := r.rules[registryKey(template, step)]
	return rules, ok
}

// Validate applies the step's rules. Unknown steps are only cleaned.
func (r *Registry) Validate(template, step string, data map[string]any) Result {
	rules, _ := r.Rules(template, step)
	return Validate(data, rules)
}
