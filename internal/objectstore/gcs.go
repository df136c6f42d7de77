package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
)

// GCSStore implements Store against a Google Cloud Storage bucket.
// Authentication is handled via Application Default Credentials; V4
// URL signing additionally needs a service account with signing rights.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore initializes a GCS client and verifies bucket access, so
// a misconfigured deployment fails at startup instead of per request.
func NewGCSStore(ctx context.Context, bucket string) (*GCSStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("get bucket %q attributes: %w", bucket, err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

// Exists checks object attributes, treating ErrObjectNotExist as absence.
func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("get object %s attributes: %w", key, err)
	}
	return true, nil
}

// PresignPut issues a V4 signed PUT URL for the key.
func (s *GCSStore) PresignPut(_ context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.Bucket(s.bucket).SignedURL(key, &storage.SignedURLOptions{
		Method:  http.MethodPut,
		Expires: time.Now().Add(expiry),
		Scheme:  storage.SigningSchemeV4,
	})
	if err != nil {
		return "", fmt.Errorf("sign put url for %s: %w", key, err)
	}
	return u, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}
