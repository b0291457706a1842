package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	gcs "cloud.google.com/go/storage"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/gcp"
)

// GCSBackend stores zones in Cloud Storage buckets.
type GCSBackend struct {
	client *gcs.Client
}

func NewGCSBackend(client *gcs.Client) *GCSBackend {
	return &GCSBackend{client: client}
}

func (b *GCSBackend) Scheme() string { return "gs" }

func (b *GCSBackend) Put(ctx context.Context, bucket, object string, data []byte, attrs ObjectAttrs) error {
	return gcp.SaveToGCS(ctx, b.client.Bucket(bucket), object, data, attrs.ContentType, attrs.Metadata)
}

func (b *GCSBackend) PutIfAbsent(ctx context.Context, bucket, object string, data []byte, attrs ObjectAttrs) (bool, error) {
	return gcp.SaveToGCSAtomically(ctx, b.client.Bucket(bucket), object, data, attrs.ContentType, attrs.Metadata)
}

func (b *GCSBackend) Get(ctx context.Context, bucket, object string) ([]byte, ObjectAttrs, error) {
	obj := b.client.Bucket(bucket).Object(object)
	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, ObjectAttrs{}, fmt.Errorf("%w: gs://%s/%s", ErrNotFound, bucket, object)
		}
		return nil, ObjectAttrs{}, fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", bucket, object, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, ObjectAttrs{}, fmt.Errorf("read gs://%s/%s: %w", bucket, object, err)
	}
	a, err := obj.Attrs(ctx)
	if err != nil {
		return nil, ObjectAttrs{}, fmt.Errorf("attrs gs://%s/%s: %w", bucket, object, err)
	}
	return data, ObjectAttrs{
		ContentType: a.ContentType,
		Metadata:    a.Metadata,
		Size:        a.Size,
		Hash:        base64.StdEncoding.EncodeToString(a.MD5),
		Created:     a.Created,
	}, nil
}

// SignedPutURL issues a single-use upload URL for one object.
func (b *GCSBackend) SignedPutURL(bucket, object, contentType, serviceAccount string, expires time.Time) (string, error) {
	return gcp.SignedPutURL(b.client.Bucket(bucket), object, contentType, serviceAccount, expires)
}
