package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
)

// Watcher raises change notifications for a LocalBackend. fsnotify does not
// recurse, so every directory created under a bucket is added as it appears.
type Watcher struct {
	backend  *LocalBackend
	topology Topology
	notify   NotifyFunc
	logger   *slog.Logger
	ready    chan struct{}
}

func NewWatcher(backend *LocalBackend, topology Topology, notify NotifyFunc, logger *slog.Logger) *Watcher {
	return &Watcher{backend: backend, topology: topology, notify: notify, logger: logger, ready: make(chan struct{})}
}

// Ready is closed once every bucket directory is being watched.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// Run watches every zone bucket until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	buckets := map[string]string{}
	for _, z := range w.topology.Zones() {
		dir := w.backend.BucketDir(z.Bucket)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create bucket dir %s: %w", dir, err)
		}
		buckets[dir] = z.Bucket
	}
	for dir := range buckets {
		if err := w.addTree(fw, dir); err != nil {
			return err
		}
	}
	w.logger.Info("Watching local zones.", "root", w.backend.Root(), "buckets", len(buckets))
	close(w.ready)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "error", err)
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, fw, buckets, ev)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, fw *fsnotify.Watcher, buckets map[string]string, ev fsnotify.Event) {
	bucket, object, ok := w.locate(buckets, ev.Name)
	if !ok {
		return
	}
	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if err := w.addTree(fw, ev.Name); err != nil {
				w.logger.Warn("Failed to watch new directory.", "path", ev.Name, "error", err)
			}
			w.emitTree(ctx, bucket, ev.Name)
			return
		}
		w.emit(ctx, models.EventObjectCreated, bucket, object)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.notify(ctx, w.topology.Notification(models.EventObjectDeleted, bucket, object, ObjectAttrs{}))
	case ev.Has(fsnotify.Chmod):
		w.emit(ctx, models.EventObjectMetadata, bucket, object)
	}
}

func (w *Watcher) emit(ctx context.Context, event models.EventType, bucket, object string) {
	attrs, err := w.backend.Attrs(bucket, object)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			w.logger.Warn("Failed to stat new object.", "bucket", bucket, "object", object, "error", err)
		}
		return
	}
	w.notify(ctx, w.topology.Notification(event, bucket, object, attrs))
}

// emitTree reports files that landed in a directory before its watch was added.
func (w *Watcher) emitTree(ctx context.Context, bucket, dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if object, ok := w.backend.ObjectName(bucket, path); ok {
			w.emit(ctx, models.EventObjectCreated, bucket, object)
		}
		return nil
	})
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := fw.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
		}
		return nil
	})
}

func (w *Watcher) locate(buckets map[string]string, path string) (bucket, object string, ok bool) {
	for dir, b := range buckets {
		if path == dir || !strings.HasPrefix(path, dir+string(filepath.Separator)) {
			continue
		}
		object, ok = w.backend.ObjectName(b, path)
		return b, object, ok
	}
	return "", "", false
}
