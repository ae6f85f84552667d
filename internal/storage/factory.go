package storage

import (
	"context"
	"fmt"

	"github.com/kareteruhito/imgview/internal/config"
	"github.com/kareteruhito/imgview/internal/storage/local"
	s3backend "github.com/kareteruhito/imgview/internal/storage/s3"
)

// NewBackend creates the persisted cache Backend selected by cfg.DiskCacheBackend.
func NewBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.DiskCacheBackend {
	case "local", "":
		return local.New(local.Config{
			RootPath:   cfg.DiskCacheDir,
			CreateDirs: true,
		})
	case "s3":
		return s3backend.NewBackend(ctx, s3backend.BackendConfig{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			Prefix:    cfg.S3Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.DiskCacheBackend)
	}
}
