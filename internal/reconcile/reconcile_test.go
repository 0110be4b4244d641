package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbpkg "github.com/metalagman/percept/internal/db"
)

func TestRunMarksStaleRunsInterrupted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, err := dbpkg.Open(filepath.Join(t.TempDir(), "percept.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := dbpkg.NewStore(db)

	require.NoError(t, store.CreateRun(ctx, "stale", "k", "raw"))

	res, err := Run(ctx, db, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, res.Interrupted, "fresh running runs are left alone")

	res, err = Run(ctx, db, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Interrupted)

	run, err := store.GetRun(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, dbpkg.StatusInterrupted, run.Status)

	// Re-running reconciliation should be idempotent.
	res, err = Run(ctx, db, 0)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestRunDetachesMissingArtifacts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	db, err := dbpkg.Open(filepath.Join(dir, "percept.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := dbpkg.NewStore(db)

	kept := filepath.Join(dir, "dye_vat", "raw_a.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(kept), 0o755))
	require.NoError(t, os.WriteFile(kept, []byte("{}"), 0o644))

	require.NoError(t, store.CreateRun(ctx, "a", "k", "raw"))
	require.NoError(t, store.FinishRun(ctx, "a", dbpkg.Finish{
		Status:          dbpkg.StatusSucceeded,
		RawPath:         filepath.Join(dir, "raw", "gone.json"),
		DiagnosticsPath: kept,
	}))

	res, err := Run(ctx, db, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Detached)

	run, err := store.GetRun(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, run.RawPath)
	assert.Equal(t, kept, run.DiagnosticsPath)
}
