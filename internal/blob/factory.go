package blob

import (
	"context"
	"fmt"
)

// Config holds the configuration used by New to construct a Store.
type Config struct {
	Name           string
	Type           string // "s3", "azure", "gcs", "memory"
	Bucket         string
	Region         string
	Prefix         string
	StorageAccount string
	ContainerName  string
	KMSKeyID       string
	KMSKeyName     string
	MaxRetries     int
	RetryBackoff   string // "exponential" | "constant"
}

// New creates a Store for cfg.Type and wraps it in a RetryStore when
// MaxRetries > 0. Memory stores are shared by name and never retried.
func New(ctx context.Context, cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)

	switch cfg.Type {
	case "s3":
		s, err = newS3StoreFromConfig(ctx, cfg)
	case "azure":
		s, err = newAzureStore(cfg)
	case "gcs":
		s, err = newGCSStore(ctx, cfg)
	case "memory":
		return SharedMemoryStore(cfg.Name), nil
	default:
		return nil, fmt.Errorf("unsupported store type: %q (must be s3, azure, gcs, or memory)", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s store %q: %w", cfg.Type, cfg.Name, err)
	}

	if cfg.MaxRetries > 0 {
		s = NewRetryStore(s, cfg.MaxRetries, cfg.RetryBackoff)
	}
	return s, nil
}
