// Package reconcile repairs the run ledger after crashes and manual cleanup.
package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/percept/internal/db"
)

// Result counts the rows touched by Run.
type Result struct {
	Interrupted int
	Detached    int
}

// Run marks runs still "running" after staleAfter as interrupted and clears
// raw and diagnostics paths whose files no longer exist. It is idempotent.
func Run(ctx context.Context, database *sql.DB, staleAfter time.Duration) (Result, error) {
	store := db.NewStore(database)
	runs, err := store.ListRuns(ctx, 0)
	if err != nil {
		return Result{}, err
	}
	cutoff := time.Now().UTC().Add(-staleAfter)

	var res Result
	for _, run := range runs {
		if run.Status == db.StatusRunning {
			if run.CreatedAt.IsZero() || run.CreatedAt.After(cutoff) {
				continue
			}
			if _, err := database.ExecContext(ctx, `UPDATE runs SET status=? WHERE run_id=? AND status=?`,
				db.StatusInterrupted, run.RunID, db.StatusRunning); err != nil {
				return res, fmt.Errorf("mark run %s interrupted: %w", run.RunID, err)
			}
			log.Debug().Str("run_id", run.RunID).Msg("reconcile: marked stale run interrupted")
			res.Interrupted++
			continue
		}
		for column, path := range map[string]string{"raw_path": run.RawPath, "diagnostics_path": run.DiagnosticsPath} {
			if path == "" || exists(path) {
				continue
			}
			if _, err := database.ExecContext(ctx, `UPDATE runs SET `+column+`=NULL WHERE run_id=?`, run.RunID); err != nil {
				return res, fmt.Errorf("detach %s of run %s: %w", column, run.RunID, err)
			}
			res.Detached++
		}
	}
	return res, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
