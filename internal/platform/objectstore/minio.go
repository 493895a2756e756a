// Package objectstore wraps the MinIO S3 client used for raw genotype
// uploads and finished IBD reports.
package objectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kaburi0214/amIBD/internal/platform/env"
)

type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool

	GenotypesBucket string
	ReportsBucket   string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("AMIBD_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Endpoint:        env.String("AMIBD_MINIO_ENDPOINT", "localhost:9000"),
		AccessKeyID:     env.String("AMIBD_MINIO_ACCESS_KEY", "minioadmin"),
		SecretAccessKey: env.String("AMIBD_MINIO_SECRET_KEY", "minioadmin"),
		UseSSL:          useSSL,
		GenotypesBucket: env.String("AMIBD_MINIO_GENOTYPES_BUCKET", "amibd-genotypes"),
		ReportsBucket:   env.String("AMIBD_MINIO_REPORTS_BUCKET", "amibd-reports"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("AMIBD_MINIO_ENDPOINT is required")
	}
	if c.AccessKeyID == "" {
		return errors.New("AMIBD_MINIO_ACCESS_KEY is required")
	}
	if c.SecretAccessKey == "" {
		return errors.New("AMIBD_MINIO_SECRET_KEY is required")
	}
	if c.GenotypesBucket == "" {
		return errors.New("AMIBD_MINIO_GENOTYPES_BUCKET is required")
	}
	if c.ReportsBucket == "" {
		return errors.New("AMIBD_MINIO_REPORTS_BUCKET is required")
	}
	return nil
}

func (c Config) Buckets() []string {
	return []string{c.GenotypesBucket, c.ReportsBucket}
}

func NewClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("new minio client: %w", err)
	}
	return client, nil
}

// EnsureBuckets creates any missing buckets. Safe to call on every start.
func EnsureBuckets(ctx context.Context, client *minio.Client, cfg Config) error {
	if client == nil {
		return errors.New("nil minio client")
	}
	for _, bucket := range cfg.Buckets() {
		exists, err := client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %q: %w", bucket, err)
		}
		if exists {
			continue
		}
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("make bucket %q: %w", bucket, err)
		}
	}
	return nil
}

// CheckBuckets reports an error when any required bucket is missing.
// Used by the readiness probe.
func CheckBuckets(ctx context.Context, client *minio.Client, cfg Config) error {
	if client == nil {
		return errors.New("nil minio client")
	}
	for _, bucket := range cfg.Buckets() {
		exists, err := client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %q: %w", bucket, err)
		}
		if !exists {
			return fmt.Errorf("bucket %q does not exist", bucket)
		}
	}
	return nil
}
