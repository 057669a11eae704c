package archive

import (
	"context"
	"fmt"
)

// Kind selects an archive backend.
type Kind string

const (
	KindFS  Kind = "fs"
	KindS3  Kind = "s3"
	KindGCS Kind = "gcs"
)

// Config selects and configures a backend. Dir is used by fs; the remaining
// fields by the object stores.
type Config struct {
	Type     Kind
	Dir      string
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// NewStore builds the backend named by cfg.Type (fs when empty).
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", KindFS:
		dir := cfg.Dir
		if dir == "" {
			dir = "data/reports"
		}
		return NewFileStore(dir)
	case KindS3:
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
	case KindGCS:
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive type: %s", cfg.Type)
	}
}
