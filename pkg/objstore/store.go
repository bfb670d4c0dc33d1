// Package objstore stores named blobs in a local directory, an S3 bucket or a
// GCS bucket. Keys are slash separated.
package objstore

import (
	"context"

	"github.com/flare-foundation/light-sync/pkg/config"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("object not found")

type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	// Get returns ErrNotFound when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// New creates the store selected by cfg.Type.
func New(ctx context.Context, cfg *config.Storage) (Store, error) {
	switch cfg.Type {
	case config.StorageTypeFS:
		return NewFS(cfg.LocalPath)
	case config.StorageTypeS3:
		return NewS3(ctx, cfg)
	case config.StorageTypeGCS:
		return NewGCS(ctx, cfg.Bucket)
	default:
		return nil, errors.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
