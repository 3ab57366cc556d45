// Package local implements a local filesystem blob store.
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

	"github.com/JakeFAU/retail-price-crawler/internal/crawler"
)

// metaSuffix names the sidecar file holding an object's metadata.
const metaSuffix = ".meta.json"

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where blobs will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes artifacts to the local filesystem.
type BlobStore struct {
	baseDir string
}

// New creates a new local filesystem-backed blob store, creating BaseDir
// when it does not exist.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
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

	store := &BlobStore{baseDir: cfg.BaseDir}
	if err := store.Check(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}

// Check verifies the base directory is writable.
func (s *BlobStore) Check(_ context.Context) error {
	testFile := filepath.Join(s.baseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return classify(fmt.Errorf("base directory is not writable: %w", err))
	}
	if err := os.Remove(testFile); err != nil {
		return fmt.Errorf("failed to clean up test file: %w", err)
	}
	return nil
}

// Put writes data under the base directory and returns a file:// URI.
// Metadata is stored next to the object as JSON.
func (s *BlobStore) Put(_ context.Context, path string, data []byte, _ string, metadata map[string]string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", crawler.Permanent(errors.New("path is required"))
	}

	fullPath := filepath.Join(s.baseDir, path)
	cleanBaseDir := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(fullPath), cleanBaseDir+string(filepath.Separator)) {
		return "", crawler.Permanent(errors.New("path traversal detected"))
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", classify(fmt.Errorf("failed to create parent directories: %w", err))
	}
	if err := os.WriteFile(fullPath, data, 0o600); err != nil {
		return "", classify(fmt.Errorf("failed to write file: %w", err))
	}
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return "", fmt.Errorf("encode metadata: %w", err)
		}
		if err := os.WriteFile(fullPath+metaSuffix, raw, 0o600); err != nil {
			return "", classify(fmt.Errorf("failed to write metadata: %w", err))
		}
	}
	return fmt.Sprintf("file://%s", fullPath), nil
}

func classify(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return crawler.Permanent(err)
	}
	return err
}
