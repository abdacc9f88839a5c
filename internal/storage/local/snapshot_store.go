// Package local implements a local filesystem snapshot store.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

// DefaultFileName is used when Config.FileName is empty.
const DefaultFileName = "latest.json"

// Config captures the parameters for the local filesystem snapshot store.
type Config struct {
	// BaseDir is the directory holding the snapshot file.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	// FileName is the snapshot file name inside BaseDir.
	FileName string `mapstructure:"file_name" yaml:"file_name"`
}

// SnapshotStore writes the latest result to a JSON file.
type SnapshotStore struct {
	baseDir string
	path    string
}

// New creates a new local filesystem-backed snapshot store.
func New(cfg Config) (*SnapshotStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	name := cfg.FileName
	if name == "" {
		name = DefaultFileName
	}
	if strings.ContainsRune(name, filepath.Separator) || name == "." || name == ".." {
		return nil, fmt.Errorf("file name must not contain a path: %q", name)
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	// Check for write permissions.
	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &SnapshotStore{
		baseDir: cfg.BaseDir,
		path:    filepath.Join(cfg.BaseDir, name),
	}, nil
}

// Path returns the snapshot file location.
func (s *SnapshotStore) Path() string {
	return s.path
}

// Save writes the result to a temp file and renames it over the snapshot, so
// readers never see a partial file.
func (s *SnapshotStore) Save(_ context.Context, result scrape.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(s.baseDir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot file. A missing file yields scrape.ErrNotFound.
func (s *SnapshotStore) Load(_ context.Context) (scrape.Result, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return scrape.Result{}, scrape.ErrNotFound
		}
		return scrape.Result{}, fmt.Errorf("read snapshot: %w", err)
	}
	var result scrape.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return scrape.Result{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return result, nil
}

// Close is a no-op.
func (s *SnapshotStore) Close() error {
	return nil
}
