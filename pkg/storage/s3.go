package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/platinummonkey/gymdesk/pkg/storage")

// S3API is the subset of the S3 client used by S3ArchiveStore
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3ArchiveStore stores export archives in an S3 compatible bucket with
// server-side encryption
type S3ArchiveStore struct {
	client S3API
	bucket string
	prefix string
}

// NewS3ArchiveStore creates an S3 archive store from configuration
func NewS3ArchiveStore(ctx context.Context, cfg Config) (*S3ArchiveStore, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required for s3 archive store")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.S3Region)}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		// Static credentials (MinIO or explicit keys)
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	})

	return NewS3ArchiveStoreWithClient(client, cfg.S3Bucket, cfg.S3Prefix), nil
}

// NewS3ArchiveStoreWithClient wraps an existing client
func NewS3ArchiveStoreWithClient(client S3API, bucket, prefix string) *S3ArchiveStore {
	return &S3ArchiveStore{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3ArchiveStore) objectKey(key string) string {
	return s.prefix + strings.TrimPrefix(key, "/")
}

// Put uploads the archive with a sha256 checksum in the object metadata
func (s *S3ArchiveStore) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	objectKey := s.objectKey(key)
	ctx, span := tracer.Start(ctx, "S3.PutObject",
		trace.WithAttributes(
			attribute.String("s3.bucket", s.bucket),
			attribute.String("s3.key", objectKey),
			attribute.Int("content.size", len(data)),
		),
	)
	defer span.End()

	hash := sha256.Sum256(data)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(objectKey),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String(contentType),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
		Metadata: map[string]string{
			"checksum-sha256": hex.EncodeToString(hash[:]),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload archive")
		return "", fmt.Errorf("failed to upload archive to s3: %w", err)
	}

	span.SetStatus(codes.Ok, "archive uploaded")
	return fmt.Sprintf("s3://%s/%s", s.bucket, objectKey), nil
}

// Get downloads an archive
func (s *S3ArchiveStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	objectKey := s.objectKey(key)
	ctx, span := tracer.Start(ctx, "S3.GetObject",
		trace.WithAttributes(
			attribute.String("s3.bucket", s.bucket),
			attribute.String("s3.key", objectKey),
		),
	)
	defer span.End()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrArchiveNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to download archive")
		return nil, fmt.Errorf("failed to download archive from s3: %w", err)
	}
	return out.Body, nil
}
