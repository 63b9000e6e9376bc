// Package grouping drives the two-phase duplicate search. Phase one hashes only
// the files that share a size with another file and have no cached hash; phase
// two groups records by size and hash.
//
// Equal size and hash are taken as proof of duplication; file contents are not
// compared byte by byte afterwards.
package grouping

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"dupfind/internal/catalog"
	"dupfind/internal/errs"
)

// Store is the subset of the catalog the engine needs.
type Store interface {
	GroupsBySize() []catalog.SizeGroup
	GroupsBySizeAndHash() []catalog.DuplicateGroup
	SetHash(path, digest string) error
}

// FileHasher computes a content digest.
type FileHasher interface {
	HashFile(ctx context.Context, path string) (string, error)
}

// HashStats summarizes a phase-one pass.
type HashStats struct {
	Candidates int     `json:"candidates"`
	Hashed     int     `json:"hashed"`
	Cached     int     `json:"cached"`
	Failed     []error `json:"-"`
}

// Engine runs both phases against a store.
type Engine struct {
	store   Store
	hasher  FileHasher
	workers int
	logger  *slog.Logger
}

// New creates an Engine. Workers below one are treated as one.
func New(store Store, hasher FileHasher, workers int, logger *slog.Logger) *Engine {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{store: store, hasher: hasher, workers: workers, logger: logger}
}

// HashPending hashes every member of a size group whose hash is empty and
// stores the digest. Members with a hash are left alone. A file that cannot be
// read is logged and stays unhashed; the pass continues. Only context
// cancellation or a store failure stops it early.
func (e *Engine) HashPending(ctx context.Context) (HashStats, error) {
	var stats HashStats
	var pending []string
	for _, group := range e.store.GroupsBySize() {
		for _, member := range group.Members {
			stats.Candidates++
			if member.Hash != "" {
				stats.Cached++
				continue
			}
			pending = append(pending, member.Path)
		}
	}

	if len(pending) == 0 {
		return stats, nil
	}
	e.logger.Debug("hashing candidates", "pending", len(pending), "cached", stats.Cached, "workers", e.workers)

	if e.workers == 1 {
		for _, path := range pending {
			if err := e.hashOne(ctx, path, &stats, nil); err != nil {
				return stats, err
			}
		}
		return stats, nil
	}
	return stats, e.hashParallel(ctx, pending, &stats)
}

func (e *Engine) hashParallel(ctx context.Context, pending []string, stats *HashStats) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan string)
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)

	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				if err := e.hashOne(ctx, path, stats, &mu); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					cancel()
				}
			}
		}()
	}

feed:
	for _, path := range pending {
		select {
		case jobs <- path:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// hashOne hashes path and commits the digest. Hash failures are recorded in
// stats and swallowed; anything else is returned.
func (e *Engine) hashOne(ctx context.Context, path string, stats *HashStats, mu *sync.Mutex) error {
	lock := func() {
		if mu != nil {
			mu.Lock()
		}
	}
	unlock := func() {
		if mu != nil {
			mu.Unlock()
		}
	}

	digest, err := e.hasher.HashFile(ctx, path)
	if err != nil {
		if errs.Is(err, errs.KindHash) {
			e.logger.Warn("cannot hash file", "path", path, "error", err)
			lock()
			stats.Failed = append(stats.Failed, err)
			unlock()
			return nil
		}
		return err
	}

	if err := e.store.SetHash(path, digest); err != nil {
		return err
	}
	lock()
	stats.Hashed++
	unlock()
	return nil
}

// Report returns the confirmed duplicate groups, ordered by size then hash.
func (e *Engine) Report() []catalog.DuplicateGroup {
	return e.store.GroupsBySizeAndHash()
}
