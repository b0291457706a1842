package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ObjectAttrs describes a stored object.
type ObjectAttrs struct {
	ContentType string
	Metadata    map[string]string
	Size        int64
	Hash        string
	Created     time.Time
}

// Backend is a bucket/object store. Implementations must make PutIfAbsent
// atomic: when two writers race on one object exactly one reports created.
type Backend interface {
	Put(ctx context.Context, bucket, object string, data []byte, attrs ObjectAttrs) error
	PutIfAbsent(ctx context.Context, bucket, object string, data []byte, attrs ObjectAttrs) (created bool, err error)
	Get(ctx context.Context, bucket, object string) ([]byte, ObjectAttrs, error)
	Scheme() string
}

// FormatRef renders an opaque reference such as gs://bucket/object.
func FormatRef(scheme, bucket, object string) string {
	return scheme + "://" + bucket + "/" + object
}

// ParseRef splits a reference produced by FormatRef.
func ParseRef(ref string) (scheme, bucket, object string, err error) {
	scheme, rest, ok := strings.Cut(ref, "://")
	if !ok || scheme == "" {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return scheme, bucket, object, nil
}
