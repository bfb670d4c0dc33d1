package objstore

import (
	"context"
	"io"
	"sort"

	"cloud.google.com/go/storage"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
)

type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS uses the application default credentials.
func NewGCS(ctx context.Context, bucketName string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GCS client")
	}

	if _, err := client.Bucket(bucketName).Attrs(ctx); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "failed to access bucket %s", bucketName)
	}

	logger.Infof("gcs object store for bucket %s", bucketName)

	return &GCS{client: client, bucket: bucketName}, nil
}

func (c *GCS) Put(ctx context.Context, key string, data []byte) error {
	w := c.client.Bucket(c.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"

	if _, err := w.Write(data); err != nil {
		w.Close()
		return errors.Wrapf(err, "failed to write to GCS object %s", key)
	}

	return errors.Wrapf(w.Close(), "failed to close GCS writer for %s", key)
}

func (c *GCS) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := c.client.Bucket(c.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, errors.Wrap(ErrNotFound, key)
	}

	if err != nil {
		return nil, errors.Wrapf(err, "failed to open GCS object %s", key)
	}
	defer r.Close()

	data, err := io.ReadAll(r)

	return data, errors.Wrapf(err, "reading GCS object %s", key)
}

func (c *GCS) List(ctx context.Context, prefix string) ([]string, error) {
	it := c.client.Bucket(c.bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}

		if err != nil {
			return nil, errors.Wrapf(err, "listing GCS %s", prefix)
		}

		keys = append(keys, attrs.Name)
	}

	sort.Strings(keys)

	return keys, nil
}

func (c *GCS) Close() error {
	return c.client.Close()
}
