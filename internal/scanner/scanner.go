// Package scanner walks a directory tree depth-first and reports every regular
// file it finds. Entries are visited in lexicographic order so that discovery
// order is reproducible on an unchanged tree.
package scanner

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/go-git/go-billy/v5"

	"dupfind/internal/errs"
)

// Sink receives the metadata of every regular file found.
type Sink interface {
	Upsert(path string, size int64, modTime time.Time) bool
}

// Options tune a walk.
type Options struct {
	// FollowSymlinks descends into symlinked directories and reports symlinked
	// files under the link path. Directory cycles are detected and skipped.
	FollowSymlinks bool

	// MaxDepth limits how many directory levels below the root are entered.
	// Zero means unlimited.
	MaxDepth int
}

// Result summarizes a walk.
type Result struct {
	Root        string
	Files       int
	Dirs        int
	Bytes       int64
	Invalidated int
	Skipped     []error
	Seen        map[string]struct{}
}

// Scanner reports files found on a filesystem to a sink.
type Scanner struct {
	fs     billy.Filesystem
	sink   Sink
	opts   Options
	logger *slog.Logger
}

// New creates a Scanner. A nil logger discards output.
func New(fs billy.Filesystem, sink Sink, opts Options, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scanner{fs: fs, sink: sink, opts: opts, logger: logger}
}

type walk struct {
	*Scanner
	result  *Result
	visited map[dirID]struct{}
}

// Scan walks root. A root that is not a directory yields an empty result.
// Unreadable entries are logged, recorded in Result.Skipped and passed over;
// only context cancellation aborts the walk.
func (s *Scanner) Scan(ctx context.Context, root string) (*Result, error) {
	result := &Result{Root: root, Seen: make(map[string]struct{})}

	info, err := s.fs.Stat(root)
	if err != nil {
		s.skip(result, errs.Traversal("stat", root, err))
		return result, nil
	}
	if !info.IsDir() {
		s.logger.Debug("scan root is not a directory", "path", root)
		return result, nil
	}

	w := &walk{Scanner: s, result: result, visited: make(map[dirID]struct{})}
	if err := w.dir(ctx, root, info, 0); err != nil {
		return result, err
	}
	return result, nil
}

func (w *walk) dir(ctx context.Context, path string, info os.FileInfo, depth int) error {
	if w.opts.FollowSymlinks {
		id := identify(path, info)
		if _, ok := w.visited[id]; ok {
			w.logger.Warn("skipping already visited directory", "path", path)
			return nil
		}
		w.visited[id] = struct{}{}
	}
	w.result.Dirs++

	entries, err := w.fs.ReadDir(path)
	if err != nil {
		w.skip(w.result, errs.Traversal("readdir", path, err))
		return nil
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		child := w.fs.Join(path, entry.Name())
		childInfo := entry
		if entry.Mode()&os.ModeSymlink != 0 {
			if !w.opts.FollowSymlinks {
				w.logger.Debug("skipping symlink", "path", child)
				continue
			}
			target, statErr := w.fs.Stat(child)
			if statErr != nil {
				w.skip(w.result, errs.Traversal("stat", child, statErr))
				continue
			}
			childInfo = target
		}

		switch {
		case childInfo.IsDir():
			if w.opts.MaxDepth > 0 && depth+1 > w.opts.MaxDepth {
				w.logger.Debug("max depth reached", "path", child, "depth", depth+1)
				continue
			}
			if err := w.dir(ctx, child, childInfo, depth+1); err != nil {
				return err
			}
		case childInfo.Mode().IsRegular():
			w.file(child, childInfo)
		default:
			w.logger.Debug("skipping non-regular file", "path", child, "mode", childInfo.Mode().String())
		}
	}
	return nil
}

func (w *walk) file(path string, info os.FileInfo) {
	w.result.Files++
	w.result.Bytes += info.Size()
	w.result.Seen[path] = struct{}{}
	if w.sink.Upsert(path, info.Size(), info.ModTime()) {
		w.result.Invalidated++
		w.logger.Debug("hash invalidated", "path", path, "size", info.Size())
	}
}

func (s *Scanner) skip(result *Result, err error) {
	s.logger.Warn("skipping entry", "error", err)
	result.Skipped = append(result.Skipped, err)
}
