package pipeline

import (
	"github.com/metalagman/percept/internal/schema"
)

// SchemaRules flattens the step's field tree into validator rules.
// List items that are dicts are addressed with a "*" segment.
func (d Descriptor) SchemaRules() []schema.Rule {
	var rules []schema.Rule
	for _, f := range d.Fields {
		rules = appendFieldRules(rules, "", f)
	}
	return rules
}

func appendFieldRules(rules []schema.Rule, prefix string, f Field) []schema.Rule {
	path := joinPath(prefix, f.Name)
	rules = append(rules, schema.Rule{
		Path:        path,
		Required:    f.Required,
		Type:        f.Type,
		Validator:   f.Validator,
		Description: f.Description,
	})
	for _, child := range f.Fields {
		rules = appendFieldRules(rules, path, child)
	}
	if f.Items == nil {
		return rules
	}
	itemPath := path + "." + schema.Wildcard
	if len(f.Items.Fields) == 0 {
		if f.Items.Type != "" || f.Items.Validator != "" {
			rules = append(rules, schema.Rule{
				Path:        itemPath,
				Type:        f.Items.Type,
				Validator:   f.Items.Validator,
				Description: f.Items.Description,
			})
		}
		return rules
	}
	for _, child := range f.Items.Fields {
		rules = appendFieldRules(rules, itemPath, child)
	}
	return rules
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// RegisterRules registers every step of the plan with a schema registry.
func RegisterRules(reg *schema.Registry, plan *Plan) {
	for _, d := range plan.Steps() {
		reg.Register(plan.Template, d.ID, d.SchemaRules())
	}
}
