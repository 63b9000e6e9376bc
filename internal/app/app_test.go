package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/stretchr/testify/require"

	"dupfind/internal/config"
	"dupfind/internal/errs"
	"dupfind/internal/storage"
	"dupfind/internal/storage/sqlite"
)

type env struct {
	root string
	cfg  config.Config
}

func newEnv(t *testing.T) *env {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "tree")
	require.NoError(t, os.MkdirAll(root, 0o755))

	cfg := config.Default()
	cfg.DatabasePath = filepath.Join(base, "db", "dupfind.db")
	cfg.ScanPaths = []string{root}
	return &env{root: root, cfg: cfg}
}

func (e *env) write(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(e.root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func (e *env) open(t *testing.T) *App {
	t.Helper()
	a, err := New(e.cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestRunNormalPersistsAcrossProcesses(t *testing.T) {
	e := newEnv(t)
	a := e.write(t, "a", bytes.Repeat([]byte("A"), 100))
	b := e.write(t, "sub/b", bytes.Repeat([]byte("A"), 100))
	e.write(t, "c", bytes.Repeat([]byte("B"), 100))
	e.write(t, "d", bytes.Repeat([]byte("D"), 50))

	first := e.open(t)
	summary, err := first.Run(context.Background(), config.ModeNormal)
	require.NoError(t, err)
	require.NotEmpty(t, summary.RunID)
	require.Equal(t, 4, summary.Files)
	require.Equal(t, 3, summary.Hash.Hashed)
	require.Len(t, summary.Groups, 1)
	require.Equal(t, []string{a, b}, summary.Groups[0].Paths)
	require.NoError(t, first.Close())

	second := e.open(t)
	require.Equal(t, 4, second.Catalog().Len())
	again, err := second.Run(context.Background(), config.ModeNormal)
	require.NoError(t, err)
	require.Zero(t, again.Hash.Hashed)
	require.Equal(t, 3, again.Hash.Cached)
	require.Equal(t, summary.Groups, again.Groups)
}

func TestEndModeReportsWithoutScanning(t *testing.T) {
	e := newEnv(t)
	e.write(t, "a", []byte("dup"))
	e.write(t, "b", []byte("dup"))

	first := e.open(t)
	_, err := first.Run(context.Background(), config.ModeNormal)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// a file added after the last scan is invisible to end and hash modes
	e.write(t, "c", []byte("dup"))

	second := e.open(t)
	summary, err := second.Run(context.Background(), config.ModeEnd)
	require.NoError(t, err)
	require.Zero(t, summary.Files)
	require.Len(t, summary.Groups, 1)
	require.Len(t, summary.Groups[0].Paths, 2)

	summary, err = second.Run(context.Background(), config.ModeHash)
	require.NoError(t, err)
	require.Zero(t, summary.Hash.Hashed)
	require.Len(t, summary.Groups[0].Paths, 2)
}

func TestHashModeHashesStoredRecords(t *testing.T) {
	e := newEnv(t)
	e.write(t, "a", []byte("dup"))
	e.write(t, "b", []byte("dup"))

	a := e.open(t)
	_, _, err := a.ScanAndUpsert(context.Background(), e.root)
	require.NoError(t, err)
	require.NoError(t, a.Flush(context.Background()))
	require.NoError(t, a.Close())

	b := e.open(t)
	summary, err := b.Run(context.Background(), config.ModeHash)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Hash.Hashed)
	require.Len(t, summary.Groups, 1)
}

func TestCancelledRunDoesNotFlush(t *testing.T) {
	e := newEnv(t)
	e.write(t, "a", []byte("dup"))
	e.write(t, "b", []byte("dup"))

	a := e.open(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := a.Run(ctx, config.ModeNormal)
	require.ErrorIs(t, err, context.Canceled)
	require.NotEmpty(t, summary.Error)
	require.NoError(t, a.Close())

	store, err := sqlite.Open(e.cfg.DatabasePath)
	require.NoError(t, err)
	defer store.Close()
	records, err := store.LoadAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, records)
}

type failingSaveBackend struct {
	*sqlite.Store
	failures int
}

func (b *failingSaveBackend) SaveAll(ctx context.Context, records []storage.Record) error {
	if b.failures > 0 {
		b.failures--
		return errors.New("disk full")
	}
	return b.Store.SaveAll(ctx, records)
}

func TestFailedRunScanStateNotWrittenLater(t *testing.T) {
	e := newEnv(t)
	e.write(t, "a", []byte("x"))

	store, err := sqlite.Open(e.cfg.DatabasePath)
	require.NoError(t, err)
	backend := &failingSaveBackend{Store: store, failures: 1}
	app, err := NewWithBackend(context.Background(), e.cfg, backend, osfs.New("/"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })

	failed, err := app.Run(context.Background(), config.ModeNormal)
	require.Error(t, err)
	require.Equal(t, errs.KindStorage, errs.KindOf(err))

	state, err := store.ScanState(context.Background(), e.root)
	require.NoError(t, err)
	require.Empty(t, state.RunID)

	_, err = app.Run(context.Background(), config.ModeEnd)
	require.NoError(t, err)

	state, err = store.ScanState(context.Background(), e.root)
	require.NoError(t, err)
	require.NotEqual(t, failed.RunID, state.RunID)
	require.Empty(t, state.RunID)

	// the failed run's record updates stay in memory and reach the database
	records, err := store.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestChangedFileLeavesGroup(t *testing.T) {
	e := newEnv(t)
	e.write(t, "a", bytes.Repeat([]byte("A"), 100))
	b := e.write(t, "b", bytes.Repeat([]byte("A"), 100))

	app := e.open(t)
	summary, err := app.Run(context.Background(), config.ModeNormal)
	require.NoError(t, err)
	require.Len(t, summary.Groups, 1)

	e.write(t, "b", bytes.Repeat([]byte("A"), 101))
	summary, err = app.Run(context.Background(), config.ModeNormal)
	require.NoError(t, err)
	require.Empty(t, summary.Groups)

	record, ok := app.Catalog().Lookup(b)
	require.True(t, ok)
	require.Empty(t, record.Hash)
	require.Equal(t, int64(101), record.Size)
}

func TestPruneRemovesVanishedFiles(t *testing.T) {
	e := newEnv(t)
	e.cfg.Prune = true
	e.write(t, "a", []byte("dup"))
	gone := e.write(t, "b", []byte("dup"))

	app := e.open(t)
	_, err := app.Run(context.Background(), config.ModeNormal)
	require.NoError(t, err)
	require.Equal(t, 2, app.Catalog().Len())

	require.NoError(t, os.Remove(gone))
	summary, err := app.Run(context.Background(), config.ModeNormal)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Pruned)
	require.Equal(t, 1, app.Catalog().Len())
	require.Empty(t, summary.Groups)
}

func TestWithoutPruneRecordsStay(t *testing.T) {
	e := newEnv(t)
	e.write(t, "a", []byte("dup"))
	gone := e.write(t, "b", []byte("dup"))

	app := e.open(t)
	_, err := app.Run(context.Background(), config.ModeNormal)
	require.NoError(t, err)

	require.NoError(t, os.Remove(gone))
	summary, err := app.Run(context.Background(), config.ModeNormal)
	require.NoError(t, err)
	require.Zero(t, summary.Pruned)
	require.Equal(t, 2, app.Catalog().Len())
}

func TestScanStateRecorded(t *testing.T) {
	e := newEnv(t)
	e.write(t, "a", []byte("x"))

	app := e.open(t)
	summary, err := app.Run(context.Background(), config.ModeNormal)
	require.NoError(t, err)
	require.NoError(t, app.Close())

	store, err := sqlite.Open(e.cfg.DatabasePath)
	require.NoError(t, err)
	defer store.Close()
	state, err := store.ScanState(context.Background(), e.root)
	require.NoError(t, err)
	require.Equal(t, summary.RunID, state.RunID)
	require.WithinDuration(t, time.Now(), state.LastScan, time.Minute)
}

func TestRunRejectsUnknownMode(t *testing.T) {
	e := newEnv(t)
	app := e.open(t)
	_, err := app.Run(context.Background(), "fast")
	require.Error(t, err)
}

func TestIsSubPath(t *testing.T) {
	require.True(t, isSubPath("/data", "/data/a/b"))
	require.False(t, isSubPath("/data", "/data2/a"))
	require.False(t, isSubPath("/data", "/other"))
	require.True(t, isSubPath("/data", "/data/..hidden"))
}
