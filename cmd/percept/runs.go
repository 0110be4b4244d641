package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/metalagman/percept/internal/app"
	"github.com/metalagman/percept/internal/db"
	"github.com/metalagman/percept/internal/reconcile"
)

func runsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			storeDB, closeFn, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			if res, err := reconcile.Run(cmd.Context(), storeDB, app.StaleRunAfter); err != nil {
				log.Warn().Err(err).Msg("ledger reconcile failed")
			} else if res.Interrupted > 0 || res.Detached > 0 {
				log.Info().Msgf("reconciled ledger (interrupted %d, detached %d)", res.Interrupted, res.Detached)
			}

			runs, err := db.NewStore(storeDB).ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				rows = append(rows, []string{
					shortID(r.RunID),
					r.CreatedAt.Local().Format(time.DateTime),
					r.Template,
					r.Status,
					orDash(r.ValidityLevel),
					orDash(r.ReportURL),
				})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"run", "created", "template", "status", "validity", "report"}, rows))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show (0 for all)")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
