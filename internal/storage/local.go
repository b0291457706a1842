package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const (
	stagingDir = ".staging"
	metaDir    = ".meta"
	// claimTTL is how long a sidecar without data blocks other writers.
	claimTTL   = time.Minute
)

// LocalBackend stores each bucket as a directory under root. Objects appear
// atomically: data is staged and then renamed or hard-linked into place, so a
// watcher never observes a partial file.
type LocalBackend struct {
	root string
}

func NewLocalBackend(root string) (*LocalBackend, error) {
	for _, dir := range []string{root, filepath.Join(root, stagingDir), filepath.Join(root, metaDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &LocalBackend{root: root}, nil
}

func (l *LocalBackend) Scheme() string { return "local" }

// Root returns the directory holding the buckets.
func (l *LocalBackend) Root() string { return l.root }

// BucketDir returns the directory that holds bucket.
func (l *LocalBackend) BucketDir(bucket string) string {
	return filepath.Join(l.root, bucket)
}

type localMeta struct {
	ContentType string            `json:"contentType,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Hash        string            `json:"hash"`
	Created     time.Time         `json:"created"`
}

func (l *LocalBackend) Put(_ context.Context, bucket, object string, data []byte, attrs ObjectAttrs) error {
	target, err := l.path(bucket, object)
	if err != nil {
		return err
	}
	metaPath := l.metaPath(bucket, object)
	staged, stagedMeta, err := l.stage(target, metaPath, data, attrs)
	if err != nil {
		return err
	}
	defer os.Remove(staged)
	defer os.Remove(stagedMeta)
	if err := os.Rename(stagedMeta, metaPath); err != nil {
		return fmt.Errorf("write metadata for %s: %w", target, err)
	}
	if err := os.Rename(staged, target); err != nil {
		return fmt.Errorf("publish %s: %w", target, err)
	}
	return nil
}

// PutIfAbsent claims the object by linking its metadata sidecar first. Only
// the writer holding the claim links the data, so the sidecar always
// describes the data that won.
func (l *LocalBackend) PutIfAbsent(_ context.Context, bucket, object string, data []byte, attrs ObjectAttrs) (bool, error) {
	target, err := l.path(bucket, object)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(target); err == nil {
		return false, nil
	}
	metaPath := l.metaPath(bucket, object)
	staged, stagedMeta, err := l.stage(target, metaPath, data, attrs)
	if err != nil {
		return false, err
	}
	defer os.Remove(staged)
	defer os.Remove(stagedMeta)

	if err := os.Link(stagedMeta, metaPath); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return false, fmt.Errorf("claim %s: %w", target, err)
		}
		if !staleClaim(target, metaPath) {
			return false, nil
		}
		if err := os.Rename(stagedMeta, metaPath); err != nil {
			return false, fmt.Errorf("reclaim %s: %w", target, err)
		}
	}
	if err := os.Link(staged, target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			// Data placed without a claim, e.g. copied in by hand.
			_ = os.Remove(metaPath)
			return false, nil
		}
		return false, fmt.Errorf("publish %s: %w", target, err)
	}
	return true, nil
}

// staleClaim reports whether a sidecar without data was left behind by a
// writer that stopped between claiming and publishing.
func staleClaim(target, metaPath string) bool {
	if _, err := os.Stat(target); err == nil {
		return false
	}
	info, err := os.Stat(metaPath)
	return err == nil && time.Since(info.ModTime()) > claimTTL
}

func (l *LocalBackend) Get(_ context.Context, bucket, object string) ([]byte, ObjectAttrs, error) {
	target, err := l.path(bucket, object)
	if err != nil {
		return nil, ObjectAttrs{}, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ObjectAttrs{}, fmt.Errorf("%w: local://%s/%s", ErrNotFound, bucket, object)
		}
		return nil, ObjectAttrs{}, fmt.Errorf("read %s: %w", target, err)
	}
	attrs, err := l.Attrs(bucket, object)
	if err != nil {
		return nil, ObjectAttrs{}, err
	}
	return data, attrs, nil
}

// Attrs reads the sidecar metadata of an object.
func (l *LocalBackend) Attrs(bucket, object string) (ObjectAttrs, error) {
	target, err := l.path(bucket, object)
	if err != nil {
		return ObjectAttrs{}, err
	}
	info, err := os.Stat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ObjectAttrs{}, fmt.Errorf("%w: local://%s/%s", ErrNotFound, bucket, object)
		}
		return ObjectAttrs{}, err
	}
	attrs := ObjectAttrs{Size: info.Size(), Created: info.ModTime().UTC()}
	raw, err := os.ReadFile(l.metaPath(bucket, object))
	if errors.Is(err, fs.ErrNotExist) {
		data, rerr := os.ReadFile(target)
		if rerr != nil {
			return ObjectAttrs{}, rerr
		}
		attrs.Hash = ContentMD5(data)
		return attrs, nil
	}
	if err != nil {
		return ObjectAttrs{}, fmt.Errorf("read metadata for %s: %w", target, err)
	}
	var meta localMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return ObjectAttrs{}, fmt.Errorf("decode metadata for %s: %w", target, err)
	}
	attrs.ContentType = meta.ContentType
	attrs.Metadata = meta.Metadata
	attrs.Hash = meta.Hash
	attrs.Created = meta.Created
	return attrs, nil
}

// stage writes data and its metadata sidecar into the staging directory and
// creates the parent directories both are published into.
func (l *LocalBackend) stage(target, metaPath string, data []byte, attrs ObjectAttrs) (staged, stagedMeta string, err error) {
	for _, path := range []string{target, metaPath} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", "", fmt.Errorf("create parent of %s: %w", path, err)
		}
	}

	meta, err := json.Marshal(localMeta{
		ContentType: attrs.ContentType,
		Metadata:    attrs.Metadata,
		Hash:        ContentMD5(data),
		Created:     time.Now().UTC(),
	})
	if err != nil {
		return "", "", err
	}
	if stagedMeta, err = l.writeStaged("meta-*", meta); err != nil {
		return "", "", fmt.Errorf("stage metadata for %s: %w", target, err)
	}
	if staged, err = l.writeStaged("obj-*", data); err != nil {
		os.Remove(stagedMeta)
		return "", "", fmt.Errorf("stage %s: %w", target, err)
	}
	return staged, stagedMeta, nil
}

func (l *LocalBackend) writeStaged(pattern string, data []byte) (string, error) {
	f, err := os.CreateTemp(filepath.Join(l.root, stagingDir), pattern)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (l *LocalBackend) path(bucket, object string) (string, error) {
	if !filepath.IsLocal(bucket) || !filepath.IsLocal(object) || bucket == stagingDir || bucket == metaDir {
		return "", fmt.Errorf("%w: %s/%s", ErrInvalidKey, bucket, object)
	}
	return filepath.Join(l.root, bucket, filepath.FromSlash(object)), nil
}

func (l *LocalBackend) metaPath(bucket, object string) string {
	return filepath.Join(l.root, metaDir, bucket, filepath.FromSlash(object)+".json")
}

// ObjectName converts a path under the bucket directory back to an object name.
func (l *LocalBackend) ObjectName(bucket, path string) (string, bool) {
	rel, err := filepath.Rel(l.BucketDir(bucket), path)
	if err != nil || !filepath.IsLocal(rel) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
