// Package storage persists evidence images
package storage

import (
	"context"
	"fmt"

	"sentinel/internal/config"
)

// ImageStore saves an object and returns a reference to it (URL or path)
type ImageStore interface {
	SaveSnapshot(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// New builds the configured store. The "none" backend returns nil.
func New(cfg config.StorageConfig) (ImageStore, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "disk":
		s, err := NewDiskStore(cfg.Directory)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "minio":
		s, err := NewMinioStore(cfg.Minio)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
