package pipeline

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed definitions/*.yaml
var definitionsFS embed.FS

//go:embed definition.schema.json
var definitionSchema string

// ParseDefinition validates a YAML document against the definition schema and decodes it.
func ParseDefinition(data []byte) (Definition, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Definition{}, fmt.Errorf("parse definition yaml: %w", err)
	}
	if err := validateDocument(doc); err != nil {
		return Definition{}, err
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("decode definition: %w", err)
	}
	return def, nil
}

func validateDocument(doc any) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(definitionSchema),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("validate definition schema: %w", err)
	}
	if result.Valid() {
		return nil
	}
	errs := make([]string, 0, len(result.Errors()))
	for _, schemaErr := range result.Errors() {
		errs = append(errs, schemaErr.String())
	}
	sort.Strings(errs)
	return fmt.Errorf("definition schema validation failed: %s", strings.Join(errs, "; "))
}

// LoadFS reads every *.yaml definition in the root of fsys.
func LoadFS(fsys fs.FS) ([]Definition, error) {
	entries, err := fs.Glob(fsys, "*.yaml")
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	sort.Strings(entries)
	defs := make([]Definition, 0, len(entries))
	for _, name := range entries {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read definition %s: %w", name, err)
		}
		def, err := ParseDefinition(data)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
		if def.Template == "" {
			def.Template = strings.TrimSuffix(path.Base(name), ".yaml")
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Catalog holds the compiled plans keyed by template name.
type Catalog struct {
	plans map[string]*Plan
}

// NewCatalog compiles the given definitions. Later definitions replace earlier ones with the same template.
func NewCatalog(defs ...Definition) (*Catalog, error) {
	c := &Catalog{plans: map[string]*Plan{}}
	for _, def := range defs {
		plan, err := Compile(def)
		if err != nil {
			return nil, err
		}
		c.plans[plan.Template] = plan
	}
	return c, nil
}

// LoadCatalog compiles the embedded definitions and, when dir is set, overlays
// the definitions found there.
func LoadCatalog(dir string) (*Catalog, error) {
	sub, err := fs.Sub(definitionsFS, "definitions")
	if err != nil {
		return nil, fmt.Errorf("open embedded definitions: %w", err)
	}
	defs, err := LoadFS(sub)
	if err != nil {
		return nil, err
	}
	if dir != "" {
		extra, err := LoadFS(os.DirFS(dir))
		if err != nil {
			return nil, err
		}
		log.Debug().Str("dir", dir).Int("definitions", len(extra)).Msg("pipeline: loaded definition overrides")
		defs = append(defs, extra...)
	}
	return NewCatalog(defs...)
}

// Plan returns the plan for a template.
func (c *Catalog) Plan(template string) (*Plan, error) {
	plan, ok := c.plans[template]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownTemplate, template)
	}
	return plan, nil
}

// Templates lists template names in lexical order.
func (c *Catalog) Templates() []string {
	names := make([]string, 0, len(c.plans))
	for name := range c.plans {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
