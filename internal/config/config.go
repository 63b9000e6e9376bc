package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-ini/ini"

	"dupfind/internal/hasher"
)

// Run modes.
const (
	ModeNormal = "normal"
	ModeHash   = "hash"
	ModeEnd    = "end"
)

// Config captures runtime configuration for the dupfind application.
type Config struct {
	// DatabasePath is the SQLite file holding records between runs.
	DatabasePath string

	// ScanPaths are the root directories scanned in normal mode.
	ScanPaths []string

	// Mode selects which phases run: normal, hash or end.
	Mode string

	// Algorithm is the digest used for content hashes.
	Algorithm string

	// Workers is the number of files hashed at once.
	Workers int

	FollowSymlinks bool
	MaxDepth       int

	// Prune drops records of files that vanished from a scanned root.
	Prune bool

	// Format is the report encoding: human, json, yaml or fdupes.
	Format string

	// Verbose is the log verbosity, 0 (warnings) to 3 (trace).
	Verbose int

	// ListenAddr is the address the report server binds to.
	ListenAddr string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DatabasePath: defaultDatabasePath(),
		Mode:         ModeNormal,
		Algorithm:    hasher.DefaultAlgorithm,
		Workers:      1,
		Format:       "human",
		ListenAddr:   ":8080",
	}
}

func defaultDatabasePath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "dupfind", "dupfind.db")
	}
	return "dupfind.db"
}

// LoadFile overlays the values found in an INI file onto cfg. A missing file
// leaves cfg untouched and returns an error wrapping os.ErrNotExist.
func LoadFile(cfg *Config, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("stat config %s: %w", path, err)
	}

	file, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("load config file: %w", err)
	}

	if section := file.Section("database"); section.HasKey("path") {
		cfg.DatabasePath = section.Key("path").String()
	}

	scan := file.Section("scan")
	if scan.HasKey("paths") {
		cfg.ScanPaths = scan.Key("paths").Strings(",")
	}
	if scan.HasKey("mode") {
		cfg.Mode = scan.Key("mode").String()
	}
	if scan.HasKey("follow_symlinks") {
		if v, err := scan.Key("follow_symlinks").Bool(); err == nil {
			cfg.FollowSymlinks = v
		} else {
			return fmt.Errorf("scan.follow_symlinks: %w", err)
		}
	}
	if scan.HasKey("max_depth") {
		if v, err := scan.Key("max_depth").Int(); err == nil {
			cfg.MaxDepth = v
		} else {
			return fmt.Errorf("scan.max_depth: %w", err)
		}
	}
	if scan.HasKey("prune") {
		if v, err := scan.Key("prune").Bool(); err == nil {
			cfg.Prune = v
		} else {
			return fmt.Errorf("scan.prune: %w", err)
		}
	}

	hash := file.Section("hash")
	if hash.HasKey("algorithm") {
		cfg.Algorithm = hash.Key("algorithm").String()
	}
	if hash.HasKey("workers") {
		if v, err := hash.Key("workers").Int(); err == nil {
			cfg.Workers = v
		} else {
			return fmt.Errorf("hash.workers: %w", err)
		}
	}

	if section := file.Section("output"); section.HasKey("format") {
		cfg.Format = section.Key("format").String()
	}
	if section := file.Section("verbose"); section.HasKey("level") {
		if v, err := section.Key("level").Int(); err == nil {
			cfg.Verbose = v
		} else {
			return fmt.Errorf("verbose.level: %w", err)
		}
	}
	if section := file.Section("server"); section.HasKey("listen") {
		cfg.ListenAddr = section.Key("listen").String()
	}

	return nil
}

// Save writes cfg to path in the format LoadFile reads.
func Save(cfg Config, path string) error {
	file := ini.Empty()
	file.Section("database").Key("path").SetValue(cfg.DatabasePath)

	scan := file.Section("scan")
	scan.Key("paths").SetValue(strings.Join(cfg.ScanPaths, ","))
	scan.Key("mode").SetValue(cfg.Mode)
	scan.Key("follow_symlinks").SetValue(fmt.Sprintf("%t", cfg.FollowSymlinks))
	scan.Key("max_depth").SetValue(fmt.Sprintf("%d", cfg.MaxDepth))
	scan.Key("prune").SetValue(fmt.Sprintf("%t", cfg.Prune))

	hash := file.Section("hash")
	hash.Key("algorithm").SetValue(cfg.Algorithm)
	hash.Key("workers").SetValue(fmt.Sprintf("%d", cfg.Workers))

	file.Section("output").Key("format").SetValue(cfg.Format)
	file.Section("verbose").Key("level").SetValue(fmt.Sprintf("%d", cfg.Verbose))
	file.Section("server").Key("listen").SetValue(cfg.ListenAddr)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return file.SaveTo(path)
}

// Validate checks that every field holds a supported value.
func (c Config) Validate() error {
	var problems []error
	if strings.TrimSpace(c.DatabasePath) == "" {
		problems = append(problems, errors.New("database path cannot be empty"))
	}
	if _, err := ParseMode(c.Mode); err != nil {
		problems = append(problems, err)
	}
	if _, err := hasher.LookupAlgorithm(c.Algorithm); err != nil {
		problems = append(problems, err)
	}
	if c.Workers < 1 || c.Workers > 64 {
		problems = append(problems, fmt.Errorf("hash workers must be between 1 and 64, got: %d", c.Workers))
	}
	if c.MaxDepth < 0 {
		problems = append(problems, fmt.Errorf("max depth cannot be negative, got: %d", c.MaxDepth))
	}
	if err := ValidateFormat(c.Format); err != nil {
		problems = append(problems, err)
	}
	if c.Verbose < 0 || c.Verbose > 3 {
		problems = append(problems, fmt.Errorf("invalid verbose level: %d (supported: 0-3)", c.Verbose))
	}
	return errors.Join(problems...)
}

// ParseMode validates a run mode and falls back to normal when empty.
func ParseMode(mode string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeNormal:
		return ModeNormal, nil
	case ModeHash:
		return ModeHash, nil
	case ModeEnd:
		return ModeEnd, nil
	default:
		return "", fmt.Errorf("unknown mode %q (supported: normal, hash, end)", mode)
	}
}

// ValidateFormat checks that a report format is supported.
func ValidateFormat(format string) error {
	switch strings.ToLower(format) {
	case "human", "json", "yaml", "fdupes":
		return nil
	default:
		return fmt.Errorf("unsupported output format: %s (supported: human, json, yaml, fdupes)", format)
	}
}

// NormalizeScanPaths resolves every scan path to a clean absolute path,
// dropping blanks. Normal mode with no path scans the working directory.
func (c *Config) NormalizeScanPaths() error {
	mode, _ := ParseMode(c.Mode)
	paths, err := normalizeScanPaths(c.ScanPaths, mode == ModeNormal)
	if err != nil {
		return err
	}
	c.ScanPaths = paths
	return nil
}

func normalizeScanPaths(raw []string, defaultToCwd bool) ([]string, error) {
	normalized := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, part := range raw {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		abs, err := filepath.Abs(trimmed)
		if err != nil {
			return nil, fmt.Errorf("resolve scan path %q: %w", trimmed, err)
		}
		clean := filepath.Clean(abs)
		if _, dup := seen[clean]; dup {
			continue
		}
		seen[clean] = struct{}{}
		normalized = append(normalized, clean)
	}

	if len(normalized) == 0 && defaultToCwd {
		abs, err := filepath.Abs(".")
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		normalized = append(normalized, filepath.Clean(abs))
	}

	return normalized, nil
}
