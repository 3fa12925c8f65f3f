package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"github.com/vigilhq/vigil-backend/internal/config"
)

// Bucket names. Keys are content- or time-scoped; overwrites of the same key
// are accepted as last-write-wins.
const (
	BucketProfilePhotos      = "profile-photos"
	BucketViolationSnapshots = "violation-snapshots"
	BucketAudioClips         = "audio-clips"
)

// ObjectStore wraps the MinIO client. Failures surface as-is; retry policy
// belongs to the caller.
type ObjectStore struct {
	client *minio.Client
	log    zerolog.Logger
}

// NewObjectStore connects to the object storage endpoint.
func NewObjectStore(cfg *config.Config, log zerolog.Logger) (*ObjectStore, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &ObjectStore{
		client: client,
		log:    log.With().Str("component", "object_store").Logger(),
	}, nil
}

// EnsureBuckets creates the platform buckets if absent. Idempotent; called
// once at startup.
func (s *ObjectStore) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{BucketProfilePhotos, BucketViolationSnapshots, BucketAudioClips} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if exists {
			continue
		}
		if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("make bucket %s: %w", bucket, err)
		}
		s.log.Info().Str("bucket", bucket).Msg("Bucket created")
	}
	return nil
}

// Upload writes an object.
func (s *ObjectStore) Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("upload %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Delete removes an object.
func (s *ObjectStore) Delete(ctx context.Context, bucket, key string) error {
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

// PresignRead returns a time-limited read URL for an object.
func (s *ObjectStore) PresignRead(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, bucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", bucket, key, err)
	}
	return u.String(), nil
}

// ListOlderThan walks a bucket and returns the keys of objects last modified
// before the cutoff. Used by the retention sweep.
func (s *ObjectStore) ListOlderThan(ctx context.Context, bucket string, cutoff time.Time) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", bucket, obj.Err)
		}
		if obj.LastModified.Before(cutoff) {
			keys = append(keys, obj.Key)
		}
	}
	return keys, nil
}
