package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// BlobStorage defines the interface for the keyed report storage.
//
// Keys are slash-separated relative paths such as "tests/m~t.json".
type BlobStorage interface {
	// Upload replaces the data at the specified path. Readers observe either the previous
	// content or the complete new content, never a partial write.
	Upload(ctx context.Context, path string, reader io.Reader) error

	// Append adds data to the end of the specified path in a single write, creating it if
	// needed. Concurrent appends never interleave.
	Append(ctx context.Context, path string, data []byte) error

	// Download retrieves data from the specified path.
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes the data at the specified path.
	Delete(ctx context.Context, path string) error

	// Exists checks if data exists at the specified path.
	Exists(ctx context.Context, path string) (bool, error)

	// List returns the keys directly under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// GetURL returns a location for the data at the specified path.
	// For local storage, this returns the file path.
	GetURL(ctx context.Context, path string) (string, error)
}

// NewBlobStorage creates a BlobStorage implementation based on configuration.
func NewBlobStorage(storageType string, config map[string]interface{}) (BlobStorage, error) {
	switch strings.ToLower(storageType) {
	case "local", "":
		baseDir, ok := config["base_dir"].(string)
		if !ok || baseDir == "" {
			return nil, fmt.Errorf("base_dir is required for local storage")
		}
		return NewLocalStorage(baseDir)

	case "s3":
		bucket, ok := config["bucket"].(string)
		if !ok || bucket == "" {
			return nil, fmt.Errorf("bucket is required for S3 storage")
		}
		region, ok := config["region"].(string)
		if !ok || region == "" {
			return nil, fmt.Errorf("region is required for S3 storage")
		}

		s3Storage, err := NewS3Storage(bucket, region)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 storage: %w", err)
		}

		if prefix, ok := config["prefix"].(string); ok {
			s3Storage.prefix = strings.Trim(prefix, "/")
		}
		if expiry, ok := config["presign_expiry"].(time.Duration); ok {
			s3Storage.presignExpiration = expiry
		}

		return s3Storage, nil

	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}

// ReadAll downloads path fully. Missing paths return ErrFileNotFound.
func ReadAll(ctx context.Context, s BlobStorage, path string) ([]byte, error) {
	rc, err := s.Download(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
