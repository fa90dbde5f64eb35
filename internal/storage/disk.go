package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DiskUploader writes attachments under a local directory, served by the
// API under /media. Intended for development.
type DiskUploader struct {
	dir     string
	baseURL string
}

// DiskOpts holds parameters for creating a DiskUploader.
type DiskOpts struct {
	Dir           string
	PublicBaseURL string
}

// NewDiskUploader creates the directory if needed.
func NewDiskUploader(opts DiskOpts) (*DiskUploader, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("storage: disk: dir is required")
	}
	if opts.PublicBaseURL == "" {
		return nil, fmt.Errorf("storage: disk: public base url is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: disk: create %s: %w", opts.Dir, err)
	}
	return &DiskUploader{dir: opts.Dir, baseURL: opts.PublicBaseURL}, nil
}

// Dir returns the root directory.
func (u *DiskUploader) Dir() string { return u.dir }

// Upload writes data to a new file and returns its URL.
func (u *DiskUploader) Upload(ctx context.Context, data []byte, _ string, folder, filename string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key, err := objectKey(folder, filename)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(u.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("storage: disk: mkdir: %w", err)
	}
	tmp := dst + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("storage: disk: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("storage: disk: finalize %s: %w", key, err)
	}
	return joinURL(u.baseURL, key), nil
}
