package file

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"
)

// Storage keeps opaque blobs under slash-separated keys.
type Storage interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Config selects and configures a storage driver.
type Config struct {
	Driver         string        `env:"STORAGE_DRIVER" envDefault:"local"` // local or s3
	LocalDir       string        `env:"STORAGE_LOCAL_DIR" envDefault:"./data/archive"`
	Bucket         string        `env:"STORAGE_S3_BUCKET"`
	Region         string        `env:"STORAGE_S3_REGION" envDefault:"us-east-1"`
	AccessKeyID    string        `env:"STORAGE_S3_ACCESS_KEY_ID"`
	SecretKey      string        `env:"STORAGE_S3_SECRET_KEY"`
	Endpoint       string        `env:"STORAGE_S3_ENDPOINT"`
	ForcePathStyle bool          `env:"STORAGE_S3_FORCE_PATH_STYLE" envDefault:"false"`
	UploadTimeout  time.Duration `env:"STORAGE_UPLOAD_TIMEOUT" envDefault:"10s"`
}

// NewFromConfig builds the storage selected by cfg.Driver.
func NewFromConfig(ctx context.Context, cfg Config) (Storage, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "local":
		return NewLocalStorage(cfg.LocalDir)
	case "s3":
		return NewS3Storage(ctx, S3Config{
			Bucket:         cfg.Bucket,
			Region:         cfg.Region,
			AccessKeyID:    cfg.AccessKeyID,
			SecretKey:      cfg.SecretKey,
			Endpoint:       cfg.Endpoint,
			ForcePathStyle: cfg.ForcePathStyle,
		}, WithS3UploadTimeout(cfg.UploadTimeout))
	}
	return nil, fmt.Errorf("%w: unknown driver %q", ErrInvalidConfig, cfg.Driver)
}

// CleanKey normalizes a key and rejects keys that are empty, absolute or
// reach outside the storage root.
func CleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	cleaned := path.Clean(key)
	if cleaned == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}
