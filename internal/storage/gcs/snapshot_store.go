// Package gcs provides a SnapshotStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Object string
}

// SnapshotStore keeps the latest result as one JSON object in a bucket.
type SnapshotStore struct {
	client    *storage.Client
	bucket    string
	object    string
	ownClient bool
}

// New creates a GCS-backed snapshot store on an existing client. The caller
// keeps ownership of the client.
func New(client *storage.Client, cfg Config) (*SnapshotStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	object := strings.TrimPrefix(cfg.Object, "/")
	if object == "" {
		object = "snapshots/latest.json"
	}
	return &SnapshotStore{
		client: client,
		bucket: cfg.Bucket,
		object: object,
	}, nil
}

// Open creates a client with default credentials and a store on it. Close
// releases the client.
func Open(ctx context.Context, cfg Config) (*SnapshotStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	store, err := New(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	store.ownClient = true
	return store, nil
}

// URI returns the gs:// location of the snapshot.
func (s *SnapshotStore) URI() string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.object)
}

// Save uploads the result, replacing the previous snapshot.
func (s *SnapshotStore) Save(ctx context.Context, result scrape.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	writer := s.client.Bucket(s.bucket).Object(s.object).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Load downloads the snapshot. A missing object yields scrape.ErrNotFound.
func (s *SnapshotStore) Load(ctx context.Context) (scrape.Result, error) {
	reader, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
	if err != nil {
		return scrape.Result{}, translateError(err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return scrape.Result{}, fmt.Errorf("read object: %w", err)
	}
	var result scrape.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return scrape.Result{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return result, nil
}

// Close releases the client when the store created it.
func (s *SnapshotStore) Close() error {
	if !s.ownClient {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close storage client: %w", err)
	}
	return nil
}

func translateError(err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return scrape.ErrNotFound
	}
	return fmt.Errorf("open object: %w", err)
}
