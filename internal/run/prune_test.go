package run

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/percept/internal/config"
	"github.com/metalagman/percept/internal/db"
)

func seedRun(t *testing.T, store *db.Store, root, id, status string) (string, string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, id, "key-"+id, "raw"))

	rawPath := filepath.Join(root, config.DirRaw, id+".json")
	report := id + ".html"
	for _, p := range []string{rawPath, filepath.Join(root, config.DirReports, report)} {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("{}"), 0o644))
	}
	if status != db.StatusRunning {
		require.NoError(t, store.FinishRun(ctx, id, db.Finish{Status: status, RawPath: rawPath, ReportURL: "/reports/" + report}))
	}
	return rawPath, filepath.Join(root, config.DirReports, report)
}

func openLedger(t *testing.T) *db.Store {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "percept.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return db.NewStore(database)
}

func TestPrune_KeepLastRemovesOlderArtifacts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()
	store := openLedger(t)

	oldRaw, oldReport := seedRun(t, store, root, "old", db.StatusSucceeded)
	seedRun(t, store, root, "stuck", db.StatusRunning)
	newRaw, _ := seedRun(t, store, root, "new", db.StatusSucceeded)

	res, err := Prune(ctx, store, root, RetentionPolicy{KeepLast: 1}, false)
	require.NoError(t, err)
	assert.Equal(t, PruneResult{Considered: 3, Kept: 2, Deleted: 1}, res)

	assert.NoFileExists(t, oldRaw)
	assert.NoFileExists(t, oldReport)
	assert.FileExists(t, newRaw)

	_, err = store.GetRun(ctx, "old")
	require.ErrorIs(t, err, db.ErrRunNotFound)
	_, err = store.GetRun(ctx, "stuck")
	require.NoError(t, err, "running runs are never pruned")
}

func TestPrune_DryRunDeletesNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()
	store := openLedger(t)
	rawPath, _ := seedRun(t, store, root, "a", db.StatusFailed)
	seedRun(t, store, root, "b", db.StatusFailed)

	res, err := Prune(ctx, store, root, RetentionPolicy{KeepLast: 1}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.FileExists(t, rawPath)

	runs, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestPrune_NoPolicyIsNoop(t *testing.T) {
	t.Parallel()

	store := openLedger(t)
	res, err := Prune(context.Background(), store, t.TempDir(), RetentionPolicy{}, false)
	require.NoError(t, err)
	assert.Equal(t, PruneResult{}, res)
}

func TestPurge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()
	store := openLedger(t)
	seedRun(t, store, root, "a", db.StatusSucceeded)

	require.NoError(t, Purge(ctx, store, root))
	assert.NoDirExists(t, filepath.Join(root, config.DirRaw))
	runs, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
