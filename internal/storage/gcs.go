package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSStore uploads to a Google Cloud Storage bucket. Credentials come from
// Application Default Credentials unless an emulator endpoint is set.
type GCSStore struct {
	client *gcs.Client
	bucket string
}

// NewGCSStore creates a client once; it is reused for every request.
func NewGCSStore(ctx context.Context, cfg Config) (*GCSStore, error) {
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *GCSStore) PutFile(ctx context.Context, key, localPath string, opts PutOptions) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	// Cancelling the writer's context is the only way to abort an upload.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = opts.ContentType
	w.Metadata = opts.Metadata

	if _, err := io.Copy(w, f); err != nil {
		cancel()
		_ = w.Close()
		return fmt.Errorf("gcs put %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs put %s: %w", key, err)
	}
	return nil
}

func (s *GCSStore) Ping(ctx context.Context) error {
	_, err := s.client.Bucket(s.bucket).Attrs(ctx)
	if errors.Is(err, gcs.ErrBucketNotExist) {
		return ErrBucketNotFound
	}
	return err
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) Bucket() string  { return s.bucket }
func (s *GCSStore) Backend() string { return BackendGCS }
