package blob

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"cloud.google.com/go/storage"
)

type gcsStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
}

// NewGCSStore opens a Google Cloud Storage backed Store for the given bucket.
func NewGCSStore(bucketName string) (Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	return &gcsStore{
		client: client,
		bucket: client.Bucket(bucketName),
		name:   bucketName,
	}, nil
}

func (s *gcsStore) Upload(ctx context.Context, path string, content io.Reader) (string, error) {
	start := time.Now()

	w := s.bucket.Object(path).NewWriter(ctx)
	if _, err := io.Copy(w, content); err != nil {
		w.Close()
		return "", fmt.Errorf("failed to stream %s to bucket %s: %w", path, s.name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize upload of %s: %w", path, err)
	}

	location := fmt.Sprintf("gs://%s/%s", s.name, path)
	log.Printf("uploaded %s in %v", location, time.Since(start))
	return location, nil
}

func (s *gcsStore) Close() error {
	return s.client.Close()
}
