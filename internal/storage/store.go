// Package storage wraps the object store SDKs behind one small interface so
// the relay can upload staged files without caring which cloud is behind it.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// PutOptions carries per-object metadata.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// ObjectStore uploads local files into one bucket.
type ObjectStore interface {
	// PutFile uploads the file at localPath to key.
	PutFile(ctx context.Context, key, localPath string, opts PutOptions) error
	// Ping checks that the bucket is reachable.
	Ping(ctx context.Context) error
	// Bucket returns the target bucket name.
	Bucket() string
	// Backend names the implementation, e.g. "minio".
	Backend() string
}

const (
	BackendMinio = "minio"
	BackendGCS   = "gcs"
	BackendS3    = "s3"
)

// Backends lists the supported backend names.
var Backends = []string{BackendMinio, BackendGCS, BackendS3}

// ErrBucketNotFound is returned by Open when the configured bucket is missing.
var ErrBucketNotFound = errors.New("bucket does not exist")

// Config selects and configures a backend.
type Config struct {
	Backend   string
	Bucket    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
}

// Open constructs the configured backend and checks the bucket exists.
func Open(ctx context.Context, cfg Config) (ObjectStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket name is empty")
	}

	var (
		store ObjectStore
		err   error
	)
	switch cfg.Backend {
	case BackendMinio, "":
		store, err = NewMinioStore(cfg)
	case BackendGCS:
		store, err = NewGCSStore(ctx, cfg)
	case BackendS3:
		store, err = NewS3Store(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%s bucket %s: %w", store.Backend(), cfg.Bucket, err)
	}
	return store, nil
}
