// Package catalog keeps the working copy of per-file metadata and enforces the
// hash invalidation rule: a hash is only kept while the size and modification
// time it was computed against are still the stored values.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"dupfind/internal/errs"
	"dupfind/internal/storage"
)

// ErrUnknownPath is returned when an operation targets a path with no record.
var ErrUnknownPath = errors.New("no record for path")

// FileRecord describes metadata captured for a file on disk.
type FileRecord struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modified"`
	Hash    string    `json:"hash,omitempty"`
	Mime    string    `json:"mime,omitempty"`
	Seq     int64     `json:"-"`
}

// Member is one entry of a size group.
type Member struct {
	Path string
	Hash string
}

// SizeGroup lists the records sharing a size.
type SizeGroup struct {
	Size    int64
	Members []Member
}

// DuplicateGroup lists the paths sharing both size and a non-empty hash.
type DuplicateGroup struct {
	Size  int64    `json:"size" yaml:"size"`
	Hash  string   `json:"hash" yaml:"hash"`
	Paths []string `json:"paths" yaml:"paths"`
}

// Backend is the persistence collaborator the catalog loads from and flushes to.
type Backend interface {
	LoadAll(ctx context.Context) ([]storage.Record, error)
	SaveAll(ctx context.Context, records []storage.Record) error
}

// Catalog is the authoritative table of file records. It is safe for
// concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	files   map[string]*FileRecord
	nextSeq int64
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{files: make(map[string]*FileRecord)}
}

// Load replaces the working copy with every record held by the backend.
func (c *Catalog) Load(ctx context.Context, backend Backend) (int, error) {
	records, err := backend.LoadAll(ctx)
	if err != nil {
		return 0, errs.Storage("load records", err)
	}

	files := make(map[string]*FileRecord, len(records))
	var maxSeq int64
	for _, record := range records {
		files[record.Path] = &FileRecord{
			Path:    record.Path,
			Size:    record.Size,
			ModTime: record.ModTime,
			Hash:    record.Hash,
			Mime:    record.Mime,
			Seq:     record.Seq,
		}
		if record.Seq > maxSeq {
			maxSeq = record.Seq
		}
	}

	c.mu.Lock()
	c.files = files
	c.nextSeq = maxSeq
	c.mu.Unlock()

	return len(records), nil
}

// Flush writes the whole working copy to the backend in one call.
func (c *Catalog) Flush(ctx context.Context, backend Backend) error {
	snapshot := c.Records()
	records := make([]storage.Record, 0, len(snapshot))
	for _, file := range snapshot {
		records = append(records, storage.Record{
			Path:    file.Path,
			Size:    file.Size,
			ModTime: file.ModTime,
			Hash:    file.Hash,
			Mime:    file.Mime,
			Seq:     file.Seq,
		})
	}
	if err := backend.SaveAll(ctx, records); err != nil {
		return errs.Storage("save records", err)
	}
	return nil
}

// Upsert records an observation of path. A new path gets a record with an
// empty hash. For a known path the stored size and modification time are
// compared with the observed ones first; if either differs the hash is cleared,
// and only then are the new values written. It reports whether a hash was
// discarded.
func (c *Catalog) Upsert(path string, size int64, modTime time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.files[path]
	if !ok {
		c.nextSeq++
		c.files[path] = &FileRecord{Path: path, Size: size, ModTime: modTime, Seq: c.nextSeq}
		return false
	}

	invalidated := false
	if existing.Size != size || !existing.ModTime.Equal(modTime) {
		invalidated = existing.Hash != ""
		existing.Hash = ""
	}
	existing.Size = size
	existing.ModTime = modTime
	return invalidated
}

// SetHash stores digest as the hash of path. It never creates a record.
func (c *Catalog) SetHash(path, digest string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.files[path]
	if !ok {
		return fmt.Errorf("set hash %s: %w", path, ErrUnknownPath)
	}
	existing.Hash = digest
	return nil
}

// Delete removes the record for path.
func (c *Catalog) Delete(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.files[path]; !ok {
		return false
	}
	delete(c.files, path)
	return true
}

// Lookup returns a copy of the record for path.
func (c *Catalog) Lookup(path string) (FileRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	record, ok := c.files[path]
	if !ok {
		return FileRecord{}, false
	}
	return *record, true
}

// Len returns the number of records.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.files)
}

// Records returns copies of every record in discovery order.
func (c *Catalog) Records() []FileRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedLocked()
}

// GroupsBySize returns every size shared by at least two records, in ascending
// size order, with members in discovery order.
func (c *Catalog) GroupsBySize() []SizeGroup {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bySize := make(map[int64][]Member)
	for _, record := range c.sortedLocked() {
		bySize[record.Size] = append(bySize[record.Size], Member{Path: record.Path, Hash: record.Hash})
	}

	groups := make([]SizeGroup, 0)
	for size, members := range bySize {
		if len(members) < 2 {
			continue
		}
		groups = append(groups, SizeGroup{Size: size, Members: members})
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Size < groups[j].Size
	})
	return groups
}

type sizeHash struct {
	size int64
	hash string
}

// GroupsBySizeAndHash returns every (size, hash) pair with a non-empty hash
// shared by at least two records, ordered by size then hash.
func (c *Catalog) GroupsBySizeAndHash() []DuplicateGroup {
	c.mu.RLock()
	defer c.mu.RUnlock()

	byKey := make(map[sizeHash][]string)
	for _, record := range c.sortedLocked() {
		if record.Hash == "" {
			continue
		}
		key := sizeHash{size: record.Size, hash: record.Hash}
		byKey[key] = append(byKey[key], record.Path)
	}

	groups := make([]DuplicateGroup, 0)
	for key, paths := range byKey {
		if len(paths) < 2 {
			continue
		}
		groups = append(groups, DuplicateGroup{Size: key.size, Hash: key.hash, Paths: paths})
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Size != groups[j].Size {
			return groups[i].Size < groups[j].Size
		}
		return groups[i].Hash < groups[j].Hash
	})
	return groups
}

func (c *Catalog) sortedLocked() []FileRecord {
	records := make([]FileRecord, 0, len(c.files))
	for _, record := range c.files {
		records = append(records, *record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Seq != records[j].Seq {
			return records[i].Seq < records[j].Seq
		}
		return records[i].Path < records[j].Path
	})
	return records
}
