package config

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema.json
var schemaJSON string

var settingsSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
})

// ValidateSettings checks raw settings, as read from the config file, against
// the embedded schema. Violations are reported as "field: reason", sorted.
func ValidateSettings(settings map[string]any) error {
	s, err := settingsSchema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	result, err := s.Validate(gojsonschema.NewGoLoader(settings))
	if err != nil {
		return fmt.Errorf("validate config schema: %w", err)
	}
	if result.Valid() {
		return nil
	}

	violations := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		violations = append(violations, e.Field()+": "+e.Description())
	}
	sort.Strings(violations)
	return fmt.Errorf("config schema validation failed: %s", strings.Join(violations, "; "))
}
