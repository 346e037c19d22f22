// Package storage reads pre-uploaded attachment blobs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gojolo/inbox/internal/config"
)

// ErrNotFound is returned when a blob does not exist.
var ErrNotFound = errors.New("attachment not found")

// BlobStore fetches attachment content by its storage path.
type BlobStore interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// New builds the store selected by the attachment configuration.
func New(cfg config.AttachmentConfig) (BlobStore, error) {
	switch cfg.Store {
	case "s3":
		return NewS3Store(S3Options{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
	case "local", "":
		return NewLocalStore(cfg.LocalDir), nil
	default:
		return nil, fmt.Errorf("unknown attachment store %q", cfg.Store)
	}
}

// ContentType returns given when set, else a type guessed from the file
// extension, else application/octet-stream.
func ContentType(fileName, given string) string {
	if strings.TrimSpace(given) != "" {
		return given
	}
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(fileName))); t != "" {
		return t
	}
	return "application/octet-stream"
}
