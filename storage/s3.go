package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// s3API is the subset of the S3 client used by S3Storage.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Storage keeps report artifacts in an S3 bucket, optionally under a key prefix.
//
// PutObject replaces objects atomically, so Upload keeps the swap guarantee. S3 has no
// append primitive; Append is a read-modify-write serialised within this process only.
type S3Storage struct {
	client            s3API
	presignClient     *s3.PresignClient
	bucket            string
	prefix            string
	presignExpiration time.Duration

	appendMu sync.Mutex
}

// NewS3Storage creates a new S3 storage client.
// It uses AWS SDK v2's default credential chain.
func NewS3Storage(bucket, region string) (*S3Storage, error) {
	if bucket == "" {
		return nil, fmt.Errorf("S3 bucket name cannot be empty")
	}
	if region == "" {
		return nil, fmt.Errorf("S3 region cannot be empty")
	}

	cfg, err := config.LoadDefaultConfig(context.TODO(), config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	return &S3Storage{
		client:            client,
		presignClient:     s3.NewPresignClient(client),
		bucket:            bucket,
		presignExpiration: 15 * time.Minute,
	}, nil
}

// Upload replaces the object at path with the reader's content.
func (s *S3Storage) Upload(ctx context.Context, path string, reader io.Reader) error {
	key, err := s.objectKey(path)
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        reader,
		ContentType: aws.String(contentType(key)),
	})
	return s.wrap("upload", key, err)
}

// Append downloads the current object, appends data and uploads the result.
func (s *S3Storage) Append(ctx context.Context, path string, data []byte) error {
	if _, err := s.objectKey(path); err != nil {
		return err
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	existing, err := ReadAll(ctx, s, path)
	if err != nil && !errors.Is(err, ErrFileNotFound) {
		return err
	}
	return s.Upload(ctx, path, bytes.NewReader(append(existing, data...)))
}

// Download opens the object at path. Missing objects return ErrFileNotFound.
func (s *S3Storage) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	key, err := s.objectKey(path)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s.wrap("download", key, err)
	}
	return out.Body, nil
}

// Delete removes the object at path.
func (s *S3Storage) Delete(ctx context.Context, path string) error {
	key, err := s.objectKey(path)
	if err != nil {
		return err
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return s.wrap("delete", key, err)
}

// Exists reports whether an object exists at path.
func (s *S3Storage) Exists(ctx context.Context, path string) (bool, error) {
	key, err := s.objectKey(path)
	if err != nil {
		return false, err
	}

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	switch err = s.wrap("stat", key, err); {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrFileNotFound):
		return false, nil
	default:
		return false, err
	}
}

// List returns the objects directly under prefix, sorted, relative to the storage prefix.
func (s *S3Storage) List(ctx context.Context, prefix string) ([]string, error) {
	listPrefix := s.prefix
	if prefix != "" {
		key, err := s.objectKey(prefix)
		if err != nil {
			return nil, err
		}
		listPrefix = key
	}
	if listPrefix != "" {
		listPrefix += "/"
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(listPrefix),
		Delimiter: aws.String("/"),
	})

	keys := []string{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, s.wrap("list", listPrefix, err)
		}
		for _, obj := range page.Contents {
			if name := strings.TrimPrefix(aws.ToString(obj.Key), listPrefix); name != "" {
				keys = append(keys, joinKey(prefix, name))
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// GetURL returns a presigned GET URL for the object at path.
func (s *S3Storage) GetURL(ctx context.Context, path string) (string, error) {
	key, err := s.objectKey(path)
	if err != nil {
		return "", err
	}

	exists, err := s.Exists(ctx, path)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", ErrFileNotFound
	}

	req, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.presignExpiration))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return req.URL, nil
}

// wrap maps S3 not-found responses to ErrFileNotFound and annotates other failures.
func (s *S3Storage) wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if isS3NotFoundError(err) {
		return ErrFileNotFound
	}
	return fmt.Errorf("failed to %s s3://%s/%s: %w", op, s.bucket, key, err)
}

// objectKey validates path and prepends the configured prefix.
func (s *S3Storage) objectKey(p string) (string, error) {
	if err := validatePath(p); err != nil {
		return "", err
	}
	key := filepath.ToSlash(filepath.Clean(p))
	if s.prefix != "" {
		key = path.Join(s.prefix, key)
	}
	return key, nil
}

// validatePath applies the same traversal rules as LocalStorage to object keys.
func validatePath(p string) error {
	if p == "" {
		return fmt.Errorf("%w: path cannot be empty", ErrInvalidPath)
	}
	clean := filepath.Clean(p)
	if strings.HasPrefix(clean, ".") {
		return fmt.Errorf("%w: path traversal detected", ErrInvalidPath)
	}
	if filepath.IsAbs(clean) {
		return fmt.Errorf("%w: absolute paths not allowed", ErrInvalidPath)
	}
	return nil
}

func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".jsonl"):
		return "application/x-ndjson"
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	default:
		return "text/plain"
	}
}

func isS3NotFoundError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}
