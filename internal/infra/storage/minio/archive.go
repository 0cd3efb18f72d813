// Package minio stores archived sessions in an S3-compatible bucket.
package minio

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	infrastorage "github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/storage"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/common/logger"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/storage"
)

var _ storage.ArchiveSink = (*ArchiveSink)(nil)

// Config addresses the bucket.
type Config struct {
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	UseSSL    bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
}

const defaultBucket = "adder-archive"

// ArchiveSink uploads archived objects with minio-go.
type ArchiveSink struct {
	client *minio.Client
	bucket string
	logger *logger.Logger
	tracer trace.Tracer
}

// NewArchiveSink builds a client for cfg. No request is made until
// EnsureBucket or Store.
func NewArchiveSink(cfg Config, log *logger.Logger, tracer trace.Tracer) (*ArchiveSink, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio access_key and secret_key are required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = defaultBucket
	}
	return &ArchiveSink{client: client, bucket: bucket, logger: log, tracer: tracer}, nil
}

// Bucket reports the target bucket name.
func (a *ArchiveSink) Bucket() string { return a.bucket }

// EnsureBucket creates the bucket when it does not exist yet.
func (a *ArchiveSink) EnsureBucket(ctx context.Context) error {
	attrs := []attribute.KeyValue{attribute.String("bucket", a.bucket)}
	return infrastorage.ExecuteAndTrace(ctx, a.tracer, "minio.ensure_bucket", attrs, func(ctx context.Context) error {
		exists, err := a.client.BucketExists(ctx, a.bucket)
		if err != nil {
			return fmt.Errorf("failed to check bucket %s: %w", a.bucket, err)
		}
		if exists {
			return nil
		}
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", a.bucket, err)
		}
		a.logger.Info(ctx, "Created archive bucket", "bucket", a.bucket)
		return nil
	})
}

func (a *ArchiveSink) Store(ctx context.Context, name string, data []byte, contentType string) error {
	if name == "" {
		return fmt.Errorf("%w: empty archive name", storage.ErrInvalidKey)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	attrs := []attribute.KeyValue{
		attribute.String("bucket", a.bucket),
		attribute.String("object", name),
		attribute.Int("data_size", len(data)),
	}
	return infrastorage.ExecuteAndTrace(ctx, a.tracer, "minio.store_archive", attrs, func(ctx context.Context) error {
		_, err := a.client.PutObject(ctx, a.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: contentType,
		})
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", name, err)
		}
		return nil
	})
}
