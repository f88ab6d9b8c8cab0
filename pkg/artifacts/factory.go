package artifacts

import (
	"context"
	"fmt"
)

// Backend selects a Store implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// Config selects and configures the evidence-pack backend.
type Config struct {
	Backend  Backend
	Dir      string // fs
	Bucket   string // s3, gcs
	Region   string // s3
	Endpoint string // s3
	Prefix   string // s3, gcs
}

// NewStore builds the Store named by cfg.Backend. An empty backend means fs.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendFS:
		dir := cfg.Dir
		if dir == "" {
			dir = "data/evidence"
		}
		return NewFileStore(dir)
	case BackendS3:
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case BackendGCS:
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("artifacts: unsupported backend %q", cfg.Backend)
	}
}
