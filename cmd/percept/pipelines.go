package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/metalagman/percept/internal/pipeline"
)

func pipelinesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pipelines",
		Short: "List pipeline templates and their stage sizes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog, err := loadCatalog()
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(catalog.Templates()))
			for _, name := range catalog.Templates() {
				plan, err := catalog.Plan(name)
				if err != nil {
					return err
				}
				rows = append(rows, []string{
					name,
					strconv.Itoa(len(plan.Preprocessing)),
					strconv.Itoa(len(plan.Parallel)),
					strconv.Itoa(len(plan.Serial)),
					strconv.Itoa(len(plan.Suggestion)),
					plan.Description,
				})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"template", "pre", "parallel", "serial", "suggestion", "description"}, rows))
			return nil
		},
	}
}

func loadCatalog() (*pipeline.Catalog, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return pipeline.LoadCatalog(cfg.Pipelines.Dir)
}
