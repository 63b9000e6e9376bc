package storage

import "time"

// Record represents a persisted file entry.
type Record struct {
	Path    string
	Size    int64
	ModTime time.Time
	Hash    string
	Mime    string
	Seq     int64
}

// ScanState captures bookkeeping for the last scan of a root path.
type ScanState struct {
	RootPath string
	LastScan time.Time
	RunID    string
}
