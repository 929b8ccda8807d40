// Package local reads pricing records from a directory on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

// Config captures the parameters for the local filesystem fetcher.
type Config struct {
	// BaseDir is the root directory resource ids are resolved against.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Fetcher reads resources as files below a base directory.
type Fetcher struct {
	baseDir string
}

// New creates a filesystem-backed fetcher. The base directory must exist.
func New(cfg Config) (*Fetcher, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("stat base directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}
	return &Fetcher{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// Fetch returns the contents of the file named by resourceID.
func (f *Fetcher) Fetch(ctx context.Context, resourceID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", resourceID, err)
	}
	if strings.TrimSpace(resourceID) == "" {
		return nil, fmt.Errorf("resource id is required")
	}

	fullPath := filepath.Clean(filepath.Join(f.baseDir, resourceID))
	// Resource ids must stay inside baseDir.
	if !strings.HasPrefix(fullPath, f.baseDir+string(filepath.Separator)) {
		return nil, fmt.Errorf("fetch %s: path traversal detected: %w", resourceID, webhook.ErrResourceNotFound)
	}

	// #nosec G304 -- path is confined to baseDir above.
	data, err := os.ReadFile(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("fetch %s: %w", resourceID, webhook.ErrResourceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", resourceID, err)
	}
	return data, nil
}
