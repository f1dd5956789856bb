// Package s3 implements the bundler object store on Amazon S3 or any
// S3-compatible service.
//
// Key design notes:
//   - PutObject returns only after S3 has durably persisted the object,
//     which is what the write-before-receipt guarantee leans on.
//   - Move is CopyObject then DeleteObject; the copy lands before the
//     source is removed, so a crash between the two leaves a duplicate
//     rather than a hole.
//   - Range reads use the HTTP Range header.
//   - Transient errors retry with exponential backoff before surfacing.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/vilenarios/ar-io-bundler/internal/logger"
	"github.com/vilenarios/ar-io-bundler/pkg/store/object"
)

// Config contains S3 object store configuration.
type Config struct {
	Bucket string `mapstructure:"bucket" validate:"required"`
	Region string `mapstructure:"region"`

	// Endpoint overrides the AWS endpoint for S3-compatible stores
	// (MinIO, localstack). UsePathStyle is usually required with it.
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`

	// Static credentials. When empty the default AWS credential chain is
	// used.
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// KeyPrefix is prepended to every object key.
	KeyPrefix string `mapstructure:"key_prefix"`

	// Retry tuning for transient errors.
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// ApplyDefaults sets default values for unspecified fields.
func (c *Config) ApplyDefaults() {
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 2 * time.Second
	}
}

// Store implements object.Store on S3.
type Store struct {
	client    *awss3.Client
	bucket    string
	keyPrefix string

	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// New builds an S3 object store from configuration.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.ApplyDefaults()

	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an already-configured S3 client. Useful for tests.
func NewWithClient(client *awss3.Client, cfg Config) *Store {
	cfg.ApplyDefaults()
	return &Store{
		client:         client,
		bucket:         cfg.Bucket,
		keyPrefix:      cfg.KeyPrefix,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
	}
}

func (s *Store) objectKey(key string) string {
	return s.keyPrefix + key
}

// Put streams an object to S3. S3 acks only after the object is durable.
func (s *Store) Put(ctx context.Context, key string, contentLength int64, contentType string, body io.Reader) error {
	input := &awss3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          body,
		ContentLength: aws.Int64(contentLength),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	_, err := s.client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

// Get opens an object, optionally a byte range of it.
func (s *Store) Get(ctx context.Context, key string, rng *object.ByteRange) (io.ReadCloser, error) {
	input := &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	}
	if rng != nil {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", rng.Start, rng.Start+rng.Length-1))
	}

	out, err := s.getWithRetry(ctx, input)
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("%s: %w", key, object.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return out.Body, nil
}

func (s *Store) getWithRetry(ctx context.Context, input *awss3.GetObjectInput) (*awss3.GetObjectOutput, error) {
	var lastErr error
	backoff := s.initialBackoff
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		out, err := s.client.GetObject(ctx, input)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if isNotFoundError(err) || ctx.Err() != nil {
			break
		}
		logger.Warn("S3 get failed, retrying",
			"key", aws.ToString(input.Key), "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
	return nil, lastErr
}

// Head returns object metadata, or object.ErrNotFound.
func (s *Store) Head(ctx context.Context, key string) (object.ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFoundError(err) {
			return object.ObjectInfo{}, fmt.Errorf("%s: %w", key, object.ErrNotFound)
		}
		return object.ObjectInfo{}, fmt.Errorf("failed to head %s: %w", key, err)
	}
	return object.ObjectInfo{
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// List returns every key under a prefix, paginating through the bucket.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := awss3.NewListObjectsV2Paginator(s.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.objectKey(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), s.keyPrefix))
		}
	}
	return keys, nil
}

// Move copies src to dst, then deletes src.
func (s *Store) Move(ctx context.Context, src, dst string) error {
	_, err := s.client.CopyObject(ctx, &awss3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(s.objectKey(dst)),
		CopySource: aws.String(s.bucket + "/" + s.objectKey(src)),
	})
	if err != nil {
		if isNotFoundError(err) {
			return fmt.Errorf("%s: %w", src, object.ErrNotFound)
		}
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return s.Delete(ctx, src)
}

// Delete removes an object. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isNotFoundError(err) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// CreateMultipart initiates a multipart upload session.
func (s *Store) CreateMultipart(ctx context.Context, key string) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &awss3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create multipart upload for %s: %w", key, err)
	}
	return aws.ToString(out.UploadId), nil
}

// UploadPart uploads one part. Part numbers are 1-based and must be unique.
func (s *Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) (string, error) {
	out, err := s.client.UploadPart(ctx, &awss3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload part %d of %s: %w", partNumber, key, err)
	}
	return aws.ToString(out.ETag), nil
}

// CompleteMultipart finishes a multipart upload. etags are in part order.
func (s *Store) CompleteMultipart(ctx context.Context, key, uploadID string, etags []string) error {
	parts := make([]types.CompletedPart, len(etags))
	for i, etag := range etags {
		parts[i] = types.CompletedPart{
			ETag:       aws.String(etag),
			PartNumber: aws.Int32(int32(i + 1)),
		}
	}
	_, err := s.client.CompleteMultipartUpload(ctx, &awss3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(s.objectKey(key)),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return fmt.Errorf("failed to complete multipart upload for %s: %w", key, err)
	}
	return nil
}

// AbortMultipart abandons a multipart upload and frees its parts.
func (s *Store) AbortMultipart(ctx context.Context, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &awss3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(s.objectKey(key)),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		var noSuchUpload *types.NoSuchUpload
		if errors.As(err, &noSuchUpload) {
			return nil
		}
		return fmt.Errorf("failed to abort multipart upload for %s: %w", key, err)
	}
	return nil
}

// Healthy probes the bucket with a HeadBucket call.
func (s *Store) Healthy(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &awss3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("bucket %s unavailable: %w", s.bucket, err)
	}
	return nil
}

// isNotFoundError returns true for S3 not-found shapes (NoSuchKey, NotFound,
// 404 from HeadObject).
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound" || code == "404"
	}
	return strings.Contains(err.Error(), "NoSuchKey")
}
