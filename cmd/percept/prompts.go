package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/metalagman/percept/internal/pipeline"
)

func promptsCmd() *cobra.Command {
	var (
		template string
		step     string
	)
	cmd := &cobra.Command{
		Use:          "prompts",
		Short:        "Print the rendered step prompts of a template",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog, err := loadCatalog()
			if err != nil {
				return err
			}
			plan, err := catalog.Plan(template)
			if err != nil {
				return err
			}
			var b pipeline.Builder
			prompts := b.Build(plan).All()
			if step != "" {
				d, ok := plan.Step(step)
				if !ok {
					return fmt.Errorf("template %q has no step %q", template, step)
				}
				prompts = []pipeline.Prompt{b.Render(d)}
			}
			out := cmd.OutOrStdout()
			for i, p := range prompts {
				if i > 0 {
					fmt.Fprintln(out)
				}
				fmt.Fprintf(out, "=== %s (%s, %s)\n", p.StepID, p.Category, p.PromptType)
				if len(p.Sees) > 0 {
					fmt.Fprintf(out, "sees: %s\n", strings.Join(p.Sees, ", "))
				}
				fmt.Fprintln(out, p.Text)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&template, "template", "t", "raw", "pipeline template")
	cmd.Flags().StringVar(&step, "step", "", "render only this step")
	return cmd
}
