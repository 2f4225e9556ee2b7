// Package s3 implements the vault's object store client (SPEC_FULL.md §4.B) against
// an S3-compatible bucket.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	vaulterrors "github.com/datashield/vault/pkg/errors"
)

// Stat describes an object's size, etag and modification time.
type Stat struct {
	Size    int64
	ETag    string
	ModTime time.Time
}

// Store is the opaque, bucket-scoped object store handle.
type Store struct {
	bucket string
	pool   *ConnectionPool
	config *Config
	logger *slog.Logger
}

// New creates a Store bound to bucket, constructing an AWS SDK v2 client pool.
func New(ctx context.Context, bucket string, cfg *Config, logger *slog.Logger) (*Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(cfg.MaxRetries),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	optFn := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	}

	pool, err := NewConnectionPool(cfg.PoolSize, func() (*s3.Client, error) {
		return s3.NewFromConfig(awsCfg, optFn), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &Store{
		bucket: bucket,
		pool:   pool,
		config: cfg,
		logger: logger.With("component", "object-store", "bucket", bucket),
	}, nil
}

// EnsureBucket creates the bucket if it is absent. Idempotent.
func (s *Store) EnsureBucket(ctx context.Context) error {
	client := s.pool.Get()
	defer s.pool.Put(client)

	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}

	_, createErr := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if createErr != nil && !isErrorType[*s3types.BucketAlreadyOwnedByYou](createErr) && !isErrorType[*s3types.BucketAlreadyExists](createErr) {
		return vaulterrors.StoreFailure("ensure_bucket", s.bucket, createErr)
	}
	return nil
}

// Put streams size bytes from r into key. Mutating call, protected by the caller's circuit breaker.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	client := s.pool.Get()
	defer s.pool.Put(client)

	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return vaulterrors.StoreFailure("put", key, err)
	}
	return nil
}

// Delete removes key. Returns false (not an error) when the key was already absent.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	client := s.pool.Get()
	defer s.pool.Put(client)

	if _, err := client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)}); err != nil {
		if isNotFound(err) {
			return false, nil
		}
	}

	_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, vaulterrors.StoreFailure("delete", key, err)
	}
	return true, nil
}

// Exists reports whether key is present in the bucket.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	client := s.pool.Get()
	defer s.pool.Put(client)

	_, err := client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, vaulterrors.StoreFailure("exists", key, err)
	}
	return true, nil
}

// Open returns a readable stream over key's bytes. Caller must Close it.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	client := s.pool.Get()
	defer s.pool.Put(client)

	result, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		if isNotFound(err) {
			return nil, vaulterrors.NotFound("object", key)
		}
		return nil, vaulterrors.StoreFailure("open", key, err)
	}
	return result.Body, nil
}

// StatResult reports size/etag/mtime for key, or ok=false when the key is absent.
func (s *Store) StatResult(ctx context.Context, key string) (stat Stat, ok bool, err error) {
	client := s.pool.Get()
	defer s.pool.Put(client)

	result, herr := client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if herr != nil {
		if isNotFound(herr) {
			return Stat{}, false, nil
		}
		return Stat{}, false, vaulterrors.StoreFailure("stat", key, herr)
	}
	return Stat{
		Size:    aws.ToInt64(result.ContentLength),
		ETag:    aws.ToString(result.ETag),
		ModTime: aws.ToTime(result.LastModified),
	}, true, nil
}

// BucketExists is the health-probe form of EnsureBucket's check (§4.K).
func (s *Store) BucketExists(ctx context.Context) error {
	client := s.pool.Get()
	defer s.pool.Put(client)

	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return vaulterrors.StoreFailure("bucket_exists", s.bucket, err)
	}
	return nil
}

// Pool exposes the connection pool for admin statistics/reset (§10.3).
func (s *Store) Pool() *ConnectionPool {
	return s.pool
}

// Close releases pooled connections.
func (s *Store) Close() error {
	return s.pool.Close()
}

func isNotFound(err error) bool {
	return isErrorType[*s3types.NoSuchKey](err) || isErrorType[*s3types.NotFound](err) || isErrorType[*s3types.NoSuchBucket](err)
}

func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
