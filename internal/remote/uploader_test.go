package remote

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArtifact(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte("archive"), 0o600))
	return p
}

func TestS3Uploader_Upload(t *testing.T) {
	var gotBucket, gotKey, gotPath string
	put := func(_ context.Context, bucket, object, filePath string) error {
		gotBucket, gotKey, gotPath = bucket, object, filePath
		return nil
	}
	u := newS3Uploader(S3Config{Bucket: "tutor-backups", Prefix: "/nightly/"}, put, nil)

	artifact := writeArtifact(t, "full_20261018_020000_ab12cd34.tar.gz.enc")
	loc, err := u.Upload(context.Background(), artifact)
	require.NoError(t, err)

	assert.Equal(t, "tutor-backups", gotBucket)
	assert.Equal(t, "nightly/full_20261018_020000_ab12cd34.tar.gz.enc", gotKey)
	assert.Equal(t, artifact, gotPath)
	assert.Equal(t, "s3://tutor-backups/nightly/full_20261018_020000_ab12cd34.tar.gz.enc", loc)
}

func TestS3Uploader_MissingFile(t *testing.T) {
	called := false
	put := func(context.Context, string, string, string) error {
		called = true
		return nil
	}
	u := newS3Uploader(S3Config{Bucket: "b"}, put, nil)

	_, err := u.Upload(context.Background(), filepath.Join(t.TempDir(), "nope.tar.gz"))
	require.Error(t, err)
	assert.False(t, called)
}

func TestS3Uploader_BreakerOpensAfterFailures(t *testing.T) {
	calls := 0
	put := func(context.Context, string, string, string) error {
		calls++
		return errors.New("connection reset")
	}
	breaker := NewCircuitBreaker(BreakerConfig{MaxFailures: 2, Timeout: time.Hour})
	u := newS3Uploader(S3Config{Bucket: "b"}, put, breaker)
	artifact := writeArtifact(t, "inc.tar.gz")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := u.Upload(ctx, artifact)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection reset")
	}
	assert.Equal(t, "open", breaker.State())

	_, err := u.Upload(ctx, artifact)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, 2, calls, "open circuit must not reach the remote store")

	m := breaker.Metrics()
	assert.Equal(t, uint64(3), m.TotalRequests)
	assert.Equal(t, uint64(3), m.TotalFailures)
}

func TestNewS3Uploader_RequiresBucket(t *testing.T) {
	_, err := NewS3Uploader(S3Config{}, nil)
	require.Error(t, err)
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "a.tar.gz", ObjectKey("", "/x/a.tar.gz"))
	assert.Equal(t, "backups/a.tar.gz", ObjectKey("backups/", "/x/a.tar.gz"))
	assert.Equal(t, "s/t/a.tar.gz", ObjectKey("/s/t", "a.tar.gz"))
}
