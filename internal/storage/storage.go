// Package storage uploads message attachments to disk or S3 and returns
// the URL clients fetch them from.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/rj8b0000/gsb-admin-backend/internal/config"
)

// Uploader stores bytes under a folder and returns their public URL.
type Uploader interface {
	Upload(ctx context.Context, data []byte, mimeType, folder, filename string) (string, error)
}

// New builds the uploader selected by cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig) (Uploader, error) {
	switch cfg.Backend {
	case "disk":
		return NewDiskUploader(DiskOpts{Dir: cfg.Dir, PublicBaseURL: cfg.PublicBaseURL})
	case "s3":
		return NewS3Uploader(ctx, S3Opts{
			Bucket:        cfg.Bucket,
			Region:        cfg.Region,
			Endpoint:      cfg.Endpoint,
			PublicBaseURL: cfg.PublicBaseURL,
		})
	default:
		return nil, fmt.Errorf("storage: unsupported backend %q", cfg.Backend)
	}
}

// objectKey builds a collision-free key under folder. Folder segments are
// cleaned so a key can never climb out of the storage root.
func objectKey(folder, filename string) (string, error) {
	var segs []string
	for _, seg := range strings.Split(folder, "/") {
		seg = strings.TrimSpace(seg)
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("storage: folder %q escapes the storage root", folder)
		}
		segs = append(segs, seg)
	}
	name := path.Base(strings.TrimSpace(filename))
	if name == "" || name == "." || name == "/" || name == ".." {
		name = "upload"
	}
	segs = append(segs, strings.ToLower(ulid.Make().String())+"-"+name)
	return strings.Join(segs, "/"), nil
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}
