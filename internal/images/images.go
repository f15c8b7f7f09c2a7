// Package images persists uploaded image blobs in an S3-compatible
// object store. The core only needs save and fetch; objects are never
// deleted by the bot.
package images

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// ObjectStore is the blob port used by the LLM orchestrator and the
// dispatcher. Paths are opaque keys.
type ObjectStore interface {
	Save(ctx context.Context, data []byte, userID string) (string, error)
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// MinioStore implements ObjectStore on a MinIO (or any S3-compatible) bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// MinioConfig carries the connection settings for NewMinioStore.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewMinioStore connects to the object store and creates the bucket if
// it does not exist.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio connect: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("minio bucket check: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("minio make bucket: %w", err)
		}
		log.Info().Str("bucket", cfg.Bucket).Msg("object store bucket created")
	}

	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

// Save stores the image under a fresh key derived from the user id.
func (s *MinioStore) Save(ctx context.Context, data []byte, userID string) (string, error) {
	name := fmt.Sprintf("%s_%s.jpg", userID, uuid.NewString()[:8])

	_, err := s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "image/jpeg"})
	if err != nil {
		return "", fmt.Errorf("minio put %s: %w", name, err)
	}
	return name, nil
}

// Fetch reads an image back by its key.
func (s *MinioStore) Fetch(ctx context.Context, path string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("minio get %s: %w", path, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("minio read %s: %w", path, err)
	}
	return data, nil
}

// MemoryObjectStore is an in-memory ObjectStore for tests and local runs
// without a MinIO instance.
type MemoryObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemoryObjectStore creates an empty in-memory object store.
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string][]byte)}
}

func (s *MemoryObjectStore) Save(_ context.Context, data []byte, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := fmt.Sprintf("%s_%s.jpg", userID, uuid.NewString()[:8])
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[name] = cp
	return name, nil
}

func (s *MemoryObjectStore) Fetch(_ context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[path]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", path)
	}
	return data, nil
}
