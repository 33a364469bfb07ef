// Package remote uploads finished backup artifacts to S3-compatible object
// storage. Uploads are best-effort: callers log failures and carry on.
package remote

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultS3Endpoint = "s3.amazonaws.com"

// Uploader stores a local file remotely and returns the object location.
type Uploader interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// S3Config configures the S3 uploader.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Prefix    string
}

// putFunc is the subset of the minio client used for uploads.
type putFunc func(ctx context.Context, bucket, object, filePath string) error

// S3Uploader uploads files to a bucket through a circuit breaker.
type S3Uploader struct {
	bucket  string
	prefix  string
	put     putFunc
	breaker *CircuitBreaker
}

var _ Uploader = (*S3Uploader)(nil)

// NewS3Uploader builds a minio client. Without static credentials the
// client falls back to IAM instance credentials.
func NewS3Uploader(cfg S3Config, breaker *CircuitBreaker) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("remote: bucket is required")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultS3Endpoint
	}
	var creds *credentials.Credentials
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		creds = credentials.NewIAM("")
	} else {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:        creds,
		Secure:       cfg.UseSSL,
		Region:       cfg.Region,
		BucketLookup: bucketLookupType(endpoint),
	})
	if err != nil {
		return nil, fmt.Errorf("remote: failed to create S3 client: %w", err)
	}

	put := func(ctx context.Context, bucket, object, filePath string) error {
		exists, err := client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("can't access bucket: %w", err)
		}
		if !exists {
			return fmt.Errorf("bucket %s doesn't exist", bucket)
		}
		_, err = client.FPutObject(ctx, bucket, object, filePath, minio.PutObjectOptions{
			ContentType: contentType(filePath),
		})
		return err
	}
	return newS3Uploader(cfg, put, breaker), nil
}

func newS3Uploader(cfg S3Config, put putFunc, breaker *CircuitBreaker) *S3Uploader {
	if breaker == nil {
		breaker = NewCircuitBreaker(BreakerConfig{})
	}
	return &S3Uploader{
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		put:     put,
		breaker: breaker,
	}
}

// Upload puts localPath under <prefix><file name> and returns s3://bucket/key.
func (u *S3Uploader) Upload(ctx context.Context, localPath string) (string, error) {
	if _, err := os.Stat(localPath); err != nil {
		return "", fmt.Errorf("remote: %w", err)
	}
	key := ObjectKey(u.prefix, localPath)
	err := u.breaker.Execute(ctx, func(ctx context.Context) error {
		return u.put(ctx, u.bucket, key, localPath)
	})
	if err != nil {
		return "", fmt.Errorf("remote: upload %s: %w", filepath.Base(localPath), err)
	}
	return fmt.Sprintf("s3://%s/%s", u.bucket, key), nil
}

// Breaker exposes the breaker for status reporting.
func (u *S3Uploader) Breaker() *CircuitBreaker { return u.breaker }

// ObjectKey joins prefix and the base name of localPath with forward slashes.
func ObjectKey(prefix, localPath string) string {
	prefix = strings.Trim(prefix, "/")
	name := filepath.Base(localPath)
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

func bucketLookupType(endpoint string) minio.BucketLookupType {
	if strings.Contains(endpoint, "aliyun") {
		return minio.BucketLookupDNS
	}
	return minio.BucketLookupAuto
}

func contentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".tar.gz"):
		return "application/gzip"
	default:
		return "application/octet-stream"
	}
}
