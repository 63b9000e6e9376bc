package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dupfind/internal/storage"

	_ "modernc.org/sqlite"
)

// Store persists file metadata inside a SQLite database.
type Store struct {
	db *sql.DB
}

// Open initializes (or reuses) a SQLite database at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path cannot be empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Close releases the underlying database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS file_records (
        path TEXT PRIMARY KEY,
        size INTEGER NOT NULL,
        mod_sec INTEGER NOT NULL,
        mod_nsec INTEGER NOT NULL DEFAULT 0,
        hash TEXT NOT NULL DEFAULT '',
        mime TEXT NOT NULL DEFAULT '',
        seq INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS scan_state (
        root_path TEXT PRIMARY KEY,
        last_scan INTEGER NOT NULL DEFAULT 0,
        run_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_file_records_size ON file_records(size);
`

	// The old single mod_time column overflowed outside 1678..2262; its
	// records are dropped and rebuilt by the next scan.
	var legacy int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('file_records') WHERE name = 'mod_time'`).Scan(&legacy); err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	if legacy > 0 {
		if _, err := s.db.Exec(`DROP TABLE file_records`); err != nil {
			return fmt.Errorf("drop legacy records: %w", err)
		}
	}

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	return nil
}

// LoadAll retrieves every persisted record in discovery order.
func (s *Store) LoadAll(ctx context.Context) ([]storage.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, size, mod_sec, mod_nsec, hash, mime, seq FROM file_records ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []storage.Record
	for rows.Next() {
		var (
			record  storage.Record
			modSec  int64
			modNsec int64
		)
		if scanErr := rows.Scan(&record.Path, &record.Size, &modSec, &modNsec, &record.Hash, &record.Mime, &record.Seq); scanErr != nil {
			return nil, fmt.Errorf("scan record: %w", scanErr)
		}
		record.ModTime = time.Unix(modSec, modNsec)
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	return records, nil
}

// SaveAll replaces the persisted records with the given set in a single
// transaction. Either every record is written or the previous state is kept.
func (s *Store) SaveAll(ctx context.Context, records []storage.Record) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM file_records`); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO file_records(path, size, mod_sec, mod_nsec, hash, mime, seq)
VALUES(?, ?, ?, ?, ?, ?, ?)
`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		if _, err = stmt.ExecContext(ctx, record.Path, record.Size, record.ModTime.Unix(), record.ModTime.Nanosecond(), record.Hash, record.Mime, record.Seq); err != nil {
			return fmt.Errorf("insert record %s: %w", record.Path, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

// ScanState retrieves the last known scan state for a root path.
func (s *Store) ScanState(ctx context.Context, root string) (storage.ScanState, error) {
	var (
		lastScan int64
		runID    string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT last_scan, run_id FROM scan_state WHERE root_path = ?
`, root).Scan(&lastScan, &runID)

	if errors.Is(err, sql.ErrNoRows) {
		return storage.ScanState{RootPath: root}, nil
	}
	if err != nil {
		return storage.ScanState{}, fmt.Errorf("query scan state: %w", err)
	}

	return storage.ScanState{
		RootPath: root,
		LastScan: time.Unix(0, lastScan),
		RunID:    runID,
	}, nil
}

// UpdateScanState writes the scan bookkeeping for a root path.
func (s *Store) UpdateScanState(ctx context.Context, state storage.ScanState) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO scan_state(root_path, last_scan, run_id)
VALUES(?, ?, ?)
ON CONFLICT(root_path) DO UPDATE SET
        last_scan=excluded.last_scan,
        run_id=excluded.run_id
`, state.RootPath, state.LastScan.UnixNano(), state.RunID)
	if err != nil {
		return fmt.Errorf("update scan state %s: %w", state.RootPath, err)
	}
	return nil
}
