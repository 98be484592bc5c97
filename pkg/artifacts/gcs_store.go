//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore archives bundles in a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a client using application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(raw string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + raw + objectExt)
}

// Put implements Store.
func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	ref := Digest(data)
	raw, _ := parseRef(ref)
	obj := s.object(raw)

	if _, err := obj.Attrs(ctx); err == nil {
		return ref, nil
	}

	// DoesNotExist guards against a concurrent writer of the same bundle.
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = objectMIME
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close failed: %w", err)
	}
	return ref, nil
}

// Get implements Store.
func (s *GCSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	raw, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	r, err := s.object(raw).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, notFound(ref)
	}
	if err != nil {
		return nil, fmt.Errorf("gcs get failed for %s: %w", ref, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// Exists implements Store.
func (s *GCSStore) Exists(ctx context.Context, ref string) (bool, error) {
	raw, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	_, err = s.object(raw).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gcs attrs error: %w", err)
	}
	return true, nil
}

// Delete implements Store.
func (s *GCSStore) Delete(ctx context.Context, ref string) error {
	raw, err := parseRef(ref)
	if err != nil {
		return err
	}
	err = s.object(raw).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete failed for %s: %w", ref, err)
	}
	return nil
}

// Close releases the client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
