package artifacts

import (
	"context"
	"fmt"
)

// StoreType selects the archive backend.
type StoreType string

const (
	StoreTypeNone   StoreType = ""
	StoreTypeFS     StoreType = "fs"
	StoreTypeMemory StoreType = "memory"
	StoreTypeS3     StoreType = "s3"
	StoreTypeGCS    StoreType = "gcs"
)

// Config describes where audit bundles are archived.
type Config struct {
	Type     StoreType `koanf:"type" yaml:"type"`
	Dir      string    `koanf:"dir" yaml:"dir"`
	Bucket   string    `koanf:"bucket" yaml:"bucket"`
	Region   string    `koanf:"region" yaml:"region"`
	Endpoint string    `koanf:"endpoint" yaml:"endpoint"`
	Prefix   string    `koanf:"prefix" yaml:"prefix"`
}

// New builds the Store named by cfg. It returns nil, nil when archival is
// disabled.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case StoreTypeNone:
		return nil, nil
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypeFS:
		dir := cfg.Dir
		if dir == "" {
			dir = "data/bundles"
		}
		return NewFileStore(dir)
	case StoreTypeS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive.bucket is required for s3 storage")
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.Bucket,
			Region:   region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case StoreTypeGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive.bucket is required for gcs storage")
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive storage type: %s", cfg.Type)
	}
}
