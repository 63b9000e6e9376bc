package scanner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/stretchr/testify/require"

	"dupfind/internal/catalog"
	"dupfind/internal/errs"
)

type recordingSink struct {
	paths []string
	sizes map[string]int64
}

func (r *recordingSink) Upsert(path string, size int64, _ time.Time) bool {
	if r.sizes == nil {
		r.sizes = make(map[string]int64)
	}
	r.paths = append(r.paths, path)
	r.sizes[path] = size
	return false
}

func mustWrite(t *testing.T, path string, data string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func TestScanSortedDepthFirst(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "b.txt"), "bb")
	mustWrite(t, filepath.Join(root, "a", "z.txt"), "z")
	mustWrite(t, filepath.Join(root, "a", "m", "deep.txt"), "deep")
	mustWrite(t, filepath.Join(root, "c.txt"), "")

	sink := &recordingSink{}
	result, err := New(osfs.New("/"), sink, Options{}, nil).Scan(context.Background(), root)
	require.NoError(t, err)

	require.Equal(t, []string{
		filepath.Join(root, "a", "m", "deep.txt"),
		filepath.Join(root, "a", "z.txt"),
		filepath.Join(root, "b.txt"),
		filepath.Join(root, "c.txt"),
	}, sink.paths)
	require.Equal(t, 4, result.Files)
	require.Equal(t, 3, result.Dirs)
	require.Equal(t, int64(7), result.Bytes)
	require.Equal(t, int64(0), sink.sizes[filepath.Join(root, "c.txt")])
	require.Len(t, result.Seen, 4)
	require.Empty(t, result.Skipped)
}

func TestScanRootIsFile(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "single")
	mustWrite(t, file, "x")

	sink := &recordingSink{}
	result, err := New(osfs.New("/"), sink, Options{}, nil).Scan(context.Background(), file)
	require.NoError(t, err)
	require.Empty(t, sink.paths)
	require.Equal(t, 0, result.Files)
}

func TestScanMissingRootIsTraversalError(t *testing.T) {
	sink := &recordingSink{}
	result, err := New(osfs.New("/"), sink, Options{}, nil).Scan(context.Background(), filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	require.Len(t, result.Skipped, 1)
	require.True(t, errs.Is(result.Skipped[0], errs.KindTraversal))
}

// brokenDirFS fails ReadDir for a single directory.
type brokenDirFS struct {
	billy.Filesystem
	broken string
}

func (f *brokenDirFS) ReadDir(path string) ([]os.FileInfo, error) {
	if path == f.broken {
		return nil, &os.PathError{Op: "readdir", Path: path, Err: errors.New("input/output error")}
	}
	return f.Filesystem.ReadDir(path)
}

func TestScanUnreadableDirectoryIsSkipped(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "a.txt"), "a")
	mustWrite(t, filepath.Join(root, "bad", "hidden.txt"), "h")
	mustWrite(t, filepath.Join(root, "good", "c.txt"), "c")

	fsys := &brokenDirFS{Filesystem: osfs.New("/"), broken: filepath.Join(root, "bad")}
	sink := &recordingSink{}
	result, err := New(fsys, sink, Options{}, nil).Scan(context.Background(), root)
	require.NoError(t, err)

	require.Equal(t, []string{
		filepath.Join(root, "a.txt"),
		filepath.Join(root, "good", "c.txt"),
	}, sink.paths)
	require.Len(t, result.Skipped, 1)
	require.True(t, errs.Is(result.Skipped[0], errs.KindTraversal))
	require.Contains(t, result.Skipped[0].Error(), filepath.Join(root, "bad"))
}

func TestScanDanglingSymlinkIsSkipped(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "a.txt"), "a")
	mustWrite(t, filepath.Join(root, "z.txt"), "z")
	require.NoError(t, os.Symlink(filepath.Join(root, "missing"), filepath.Join(root, "m-link")))

	sink := &recordingSink{}
	result, err := New(osfs.New("/"), sink, Options{FollowSymlinks: true}, nil).Scan(context.Background(), root)
	require.NoError(t, err)

	require.Equal(t, []string{
		filepath.Join(root, "a.txt"),
		filepath.Join(root, "z.txt"),
	}, sink.paths)
	require.Len(t, result.Skipped, 1)
	require.True(t, errs.Is(result.Skipped[0], errs.KindTraversal))
}

func TestScanSkipsSymlinksByDefault(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "dir", "f"), "data")
	require.NoError(t, os.Symlink(filepath.Join(root, "dir", "f"), filepath.Join(root, "link-file")))
	require.NoError(t, os.Symlink(root, filepath.Join(root, "dir", "loop")))

	sink := &recordingSink{}
	_, err := New(osfs.New("/"), sink, Options{}, nil).Scan(context.Background(), root)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(root, "dir", "f")}, sink.paths)
}

func TestScanFollowSymlinksStopsAtCycle(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "dir", "f"), "data")
	require.NoError(t, os.Symlink(root, filepath.Join(root, "dir", "loop")))

	sink := &recordingSink{}
	result, err := New(osfs.New("/"), sink, Options{FollowSymlinks: true}, nil).Scan(context.Background(), root)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(root, "dir", "f")}, sink.paths)
	require.Equal(t, 2, result.Dirs)
}

func TestScanMaxDepth(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "top"), "1")
	mustWrite(t, filepath.Join(root, "one", "mid"), "2")
	mustWrite(t, filepath.Join(root, "one", "two", "low"), "3")

	sink := &recordingSink{}
	_, err := New(osfs.New("/"), sink, Options{MaxDepth: 1}, nil).Scan(context.Background(), root)
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(root, "one", "mid"),
		filepath.Join(root, "top"),
	}, sink.paths)
}

func TestScanCancelled(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "a"), "1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(osfs.New("/"), &recordingSink{}, Options{}, nil).Scan(ctx, root)
	require.ErrorIs(t, err, context.Canceled)
}

func TestScanCountsInvalidations(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a")
	mustWrite(t, path, "one")

	cat := catalog.New()
	s := New(osfs.New("/"), cat, Options{}, nil)
	_, err := s.Scan(context.Background(), root)
	require.NoError(t, err)
	require.NoError(t, cat.SetHash(path, "h"))

	mustWrite(t, path, "changed")
	result, err := s.Scan(context.Background(), root)
	require.NoError(t, err)
	require.Equal(t, 1, result.Invalidated)

	record, ok := cat.Lookup(path)
	require.True(t, ok)
	require.Empty(t, record.Hash)
	require.Equal(t, int64(7), record.Size)
}
