package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// IsPreconditionFailed reports whether err is a GCS 412, which is what a
// DoesNotExist or generation-match condition returns when the object exists.
func IsPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// SaveToGCSAtomically writes content to a GCS object only if it doesn't already exist.
// It returns false without error when the object was already there.
func SaveToGCSAtomically(ctx context.Context, bucket *storage.BucketHandle, objectName string, content []byte, contentType string, metadata map[string]string) (bool, error) {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType
	writer.Metadata = metadata

	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		if IsPreconditionFailed(err) {
			slog.Info("SKIPPING: Object already exists.", "gcsObject", objectName)
			return false, nil
		}
		return false, fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if IsPreconditionFailed(err) {
			slog.Info("SKIPPING: Object already exists.", "gcsObject", objectName)
			return false, nil
		}
		return false, fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return true, nil
}

// SaveToGCS overwrites objectName with content.
func SaveToGCS(ctx context.Context, bucket *storage.BucketHandle, objectName string, content []byte, contentType string, metadata map[string]string) error {
	writer := bucket.Object(objectName).NewWriter(ctx)
	writer.ContentType = contentType
	writer.Metadata = metadata
	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

// SignedPutURL returns a V4 signed URL that allows exactly one PUT of object.
// The x-goog-if-generation-match:0 header makes GCS refuse the upload once the
// object exists, so a grant cannot be replayed to overwrite a document.
func SignedPutURL(bucket *storage.BucketHandle, object, contentType, serviceAccount string, expires time.Time) (string, error) {
	opts := &storage.SignedURLOptions{
		Scheme:         storage.SigningSchemeV4,
		Method:         http.MethodPut,
		Expires:        expires,
		ContentType:    contentType,
		GoogleAccessID: serviceAccount,
		Headers:        []string{"x-goog-if-generation-match:0"},
	}
	u, err := bucket.SignedURL(object, opts)
	if err != nil {
		return "", fmt.Errorf("sign PUT url for %s: %w", object, err)
	}
	return u, nil
}
