package adapter

import (
	"context"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
)

// Storage is the interface for reading seed files from object storage
type Storage interface {
	// Get opens the object for reading
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// storageClient implements Storage interface using Cloud Storage
type storageClient struct {
	client *storage.Client
}

// NewStorage creates a new Cloud Storage client
func NewStorage(ctx context.Context) (Storage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client")
	}

	return &storageClient{
		client: client,
	}, nil
}

func (s *storageClient) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	reader, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read from storage",
			goerr.V("bucket", bucket),
			goerr.V("key", key))
	}

	return reader, nil
}

// ParseGCSURL splits "gs://bucket/path/to/object" into bucket and object key.
// ok is false when the URL is not a gs:// URL.
func ParseGCSURL(url string) (bucket, key string, ok bool, err error) {
	rest, found := strings.CutPrefix(url, "gs://")
	if !found {
		return "", "", false, nil
	}

	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", true, goerr.New("invalid gs:// URL", goerr.V("url", url))
	}
	return bucket, key, true, nil
}
