package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/google/uuid"

	"dupfind/internal/catalog"
	"dupfind/internal/config"
	"dupfind/internal/errs"
	"dupfind/internal/grouping"
	"dupfind/internal/hasher"
	"dupfind/internal/scanner"
	"dupfind/internal/storage"
	"dupfind/internal/storage/sqlite"
)

// ErrRunInProgress is returned when a run is requested while another is active.
var ErrRunInProgress = errors.New("run already in progress")

// Backend is the persistence the app loads from at start and flushes to at the
// end of a successful run.
type Backend interface {
	catalog.Backend
	UpdateScanState(ctx context.Context, state storage.ScanState) error
	Close() error
}

// Summary describes one run.
type Summary struct {
	RunID      string                   `json:"runId"`
	Mode       string                   `json:"mode"`
	StartedAt  time.Time                `json:"startedAt"`
	FinishedAt time.Time                `json:"finishedAt"`
	Files      int                      `json:"files"`
	Pruned     int                      `json:"pruned"`
	Skipped    []string                 `json:"skipped,omitempty"`
	Hash       grouping.HashStats       `json:"hash"`
	HashFailed []string                 `json:"hashFailed,omitempty"`
	Groups     []catalog.DuplicateGroup `json:"groups"`
	Error      string                   `json:"error,omitempty"`
}

// App ties together configuration, the record catalog, the scanner and the
// grouping engine.
type App struct {
	cfg     config.Config
	backend Backend
	catalog *catalog.Catalog
	fs      billy.Filesystem
	scanner *scanner.Scanner
	engine  *grouping.Engine
	logger  *slog.Logger

	statusMu sync.RWMutex
	running  bool
	last     *Summary
}

// New opens the SQLite database named in cfg and loads every stored record.
func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	store, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return nil, errs.Storage("open database", err)
	}
	a, err := NewWithBackend(context.Background(), cfg, store, osfs.New("/"), logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

// NewWithBackend builds an App over an already opened backend and filesystem.
func NewWithBackend(ctx context.Context, cfg config.Config, backend Backend, fsys billy.Filesystem, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h, err := hasher.New(fsys, cfg.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("create hasher: %w", err)
	}

	cat := catalog.New()
	n, err := cat.Load(ctx, backend)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded records", "count", n, "database", cfg.DatabasePath)

	return &App{
		cfg:     cfg,
		backend: backend,
		catalog: cat,
		fs:      fsys,
		scanner: scanner.New(fsys, cat, scanner.Options{
			FollowSymlinks: cfg.FollowSymlinks,
			MaxDepth:       cfg.MaxDepth,
		}, logger.With("component", "scanner")),
		engine: grouping.New(cat, h, cfg.Workers, logger.With("component", "grouping")),
		logger: logger,
	}, nil
}

// Close releases the backend without flushing.
func (a *App) Close() error {
	return a.backend.Close()
}

// Catalog exposes the working copy.
func (a *App) Catalog() *catalog.Catalog {
	return a.catalog
}

// ScanAndUpsert walks root and records every file found. With pruning enabled,
// records under root whose files no longer exist are dropped.
func (a *App) ScanAndUpsert(ctx context.Context, root string) (*scanner.Result, int, error) {
	result, err := a.scanner.Scan(ctx, root)
	if err != nil {
		return result, 0, fmt.Errorf("scan %s: %w", root, err)
	}
	a.logger.Info("scanned root",
		"root", root,
		"files", result.Files,
		"bytes", humanize.IBytes(uint64(result.Bytes)),
		"invalidated", result.Invalidated,
		"skipped", len(result.Skipped))

	pruned := 0
	if a.cfg.Prune {
		pruned = a.removeMissing(root, result.Seen)
	}
	return result, pruned, nil
}

// HashPending runs phase one of the grouping engine.
func (a *App) HashPending(ctx context.Context) (grouping.HashStats, error) {
	stats, err := a.engine.HashPending(ctx)
	if err != nil {
		return stats, fmt.Errorf("hash pending: %w", err)
	}
	a.logger.Info("hashed candidates",
		"candidates", stats.Candidates,
		"hashed", stats.Hashed,
		"cached", stats.Cached,
		"failed", len(stats.Failed))
	return stats, nil
}

// ReportDuplicates runs phase two of the grouping engine.
func (a *App) ReportDuplicates() []catalog.DuplicateGroup {
	return a.engine.Report()
}

// Run executes the phases selected by mode and flushes the working copy when
// every phase succeeded. A failed or cancelled run flushes nothing, so the
// database keeps its state from before the run. Its scan states are dropped,
// but record updates it already made stay in the working copy and are written
// by the next successful run of the same App.
func (a *App) Run(ctx context.Context, mode string) (*Summary, error) {
	mode, err := config.ParseMode(mode)
	if err != nil {
		return nil, err
	}

	a.statusMu.Lock()
	if a.running {
		a.statusMu.Unlock()
		return nil, ErrRunInProgress
	}
	a.running = true
	a.statusMu.Unlock()

	summary := &Summary{RunID: uuid.NewString(), Mode: mode, StartedAt: time.Now()}
	runErr := a.run(ctx, summary)
	summary.FinishedAt = time.Now()
	if runErr != nil {
		summary.Error = runErr.Error()
	}

	a.statusMu.Lock()
	a.running = false
	a.last = summary
	a.statusMu.Unlock()

	return summary, runErr
}

func (a *App) run(ctx context.Context, summary *Summary) error {
	log := a.logger.With("run", summary.RunID, "mode", summary.Mode)
	log.Info("run started")

	var states []storage.ScanState
	if summary.Mode == config.ModeNormal {
		for _, root := range a.cfg.ScanPaths {
			result, pruned, err := a.ScanAndUpsert(ctx, root)
			if err != nil {
				return err
			}
			summary.Files += result.Files
			summary.Pruned += pruned
			for _, skipped := range result.Skipped {
				summary.Skipped = append(summary.Skipped, skipped.Error())
			}
			states = append(states, storage.ScanState{
				RootPath: root,
				LastScan: time.Now(),
				RunID:    summary.RunID,
			})
		}
	}

	if summary.Mode == config.ModeNormal || summary.Mode == config.ModeHash {
		stats, err := a.HashPending(ctx)
		summary.Hash = stats
		for _, failed := range stats.Failed {
			summary.HashFailed = append(summary.HashFailed, failed.Error())
		}
		if err != nil {
			return err
		}
	}

	summary.Groups = a.ReportDuplicates()

	if err := a.Flush(ctx, states...); err != nil {
		return err
	}
	log.Info("run finished",
		"groups", len(summary.Groups),
		"skipped", len(summary.Skipped),
		"hashFailed", len(summary.HashFailed))
	return nil
}

// Flush writes the working copy and the given scan bookkeeping to the backend.
func (a *App) Flush(ctx context.Context, states ...storage.ScanState) error {
	if err := a.catalog.Flush(ctx, a.backend); err != nil {
		return err
	}
	for _, state := range states {
		if err := a.backend.UpdateScanState(ctx, state); err != nil {
			return errs.Storage("update scan state", err)
		}
	}
	return nil
}

// Status returns the last run summary, if any, and the number of records.
func (a *App) Status() (*Summary, bool, int) {
	a.statusMu.RLock()
	defer a.statusMu.RUnlock()
	return a.last, a.running, a.catalog.Len()
}

func (a *App) removeMissing(root string, seen map[string]struct{}) int {
	removed := 0
	for _, record := range a.catalog.Records() {
		if !isSubPath(root, record.Path) {
			continue
		}
		if _, ok := seen[record.Path]; ok {
			continue
		}
		if _, err := a.fs.Lstat(record.Path); err == nil || !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if a.catalog.Delete(record.Path) {
			removed++
			a.logger.Debug("pruned missing file", "path", record.Path)
		}
	}
	return removed
}

func isSubPath(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
