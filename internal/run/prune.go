package run

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/percept/internal/artifact"
	"github.com/metalagman/percept/internal/config"
	"github.com/metalagman/percept/internal/db"
)

// RetentionPolicy controls run cleanup.
type RetentionPolicy struct {
	KeepLast int
	KeepDays int
}

// PruneResult summarizes a prune operation.
type PruneResult struct {
	Considered int
	Kept       int
	Deleted    int
	Skipped    int
}

// Prune deletes ledger runs outside the retention policy together with their
// raw, diagnostics and report files.
func Prune(ctx context.Context, store *db.Store, outputRoot string, policy RetentionPolicy, dryRun bool) (PruneResult, error) {
	if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
		return PruneResult{}, nil
	}
	cutoff := time.Time{}
	if policy.KeepDays > 0 {
		cutoff = time.Now().UTC().Add(-time.Duration(policy.KeepDays) * 24 * time.Hour)
	}
	runs, err := store.ListRuns(ctx, 0)
	if err != nil {
		return PruneResult{}, err
	}

	res := PruneResult{Considered: len(runs)}
	for idx, run := range runs {
		keep := run.Status == db.StatusRunning
		if !keep && policy.KeepLast > 0 && idx < policy.KeepLast {
			keep = true
		}
		if !keep && policy.KeepDays > 0 {
			// unparsable timestamps come back as the zero time
			keep = run.CreatedAt.IsZero() || run.CreatedAt.After(cutoff)
		}
		if keep {
			res.Kept++
			continue
		}
		if dryRun {
			res.Deleted++
			continue
		}
		if err := removeArtifacts(outputRoot, run); err != nil {
			log.Warn().Err(err).Str("run_id", run.RunID).Msg("prune: keeping run with undeletable artifacts")
			res.Skipped++
			continue
		}
		if err := store.DeleteRun(ctx, run.RunID); err != nil {
			return res, err
		}
		res.Deleted++
	}
	return res, nil
}

// Purge removes every ledger run and the whole artifact tree.
func Purge(ctx context.Context, store *db.Store, outputRoot string) error {
	for _, kind := range []string{config.DirRaw, config.DirDyeVat, config.DirReports} {
		dir := filepath.Join(outputRoot, kind)
		if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s dir: %w", kind, err)
		}
	}
	if _, err := store.DB().ExecContext(ctx, "DELETE FROM steps"); err != nil {
		return fmt.Errorf("clear steps table: %w", err)
	}
	if _, err := store.DB().ExecContext(ctx, "DELETE FROM runs"); err != nil {
		return fmt.Errorf("clear runs table: %w", err)
	}
	return nil
}

func removeArtifacts(outputRoot string, run db.Run) error {
	paths := []string{run.RawPath, run.DiagnosticsPath}
	if file := strings.TrimPrefix(run.ReportURL, artifact.ReportURLPrefix); file != "" && file != run.ReportURL {
		paths = append(paths, filepath.Join(outputRoot, config.DirReports, filepath.Base(file)))
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}
