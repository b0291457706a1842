package storage

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// WriteHook observes successful writes. The memory backend uses it in place
// of a storage notification channel.
type WriteHook func(ctx context.Context, bucket, object string, attrs ObjectAttrs)

type memObject struct {
	data  []byte
	attrs ObjectAttrs
}

// MemoryBackend keeps objects in process. It backs tests and single-process runs.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string]memObject
	hooks   []WriteHook
	now     func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{objects: map[string]memObject{}, now: time.Now}
}

// OnWrite registers h to run after every successful write.
func (m *MemoryBackend) OnWrite(h WriteHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

func (m *MemoryBackend) Scheme() string { return "mem" }

func (m *MemoryBackend) Put(ctx context.Context, bucket, object string, data []byte, attrs ObjectAttrs) error {
	m.mu.Lock()
	stored := m.store(bucket, object, data, attrs)
	hooks := m.hooks
	m.mu.Unlock()
	m.fire(ctx, hooks, bucket, object, stored)
	return nil
}

func (m *MemoryBackend) PutIfAbsent(ctx context.Context, bucket, object string, data []byte, attrs ObjectAttrs) (bool, error) {
	m.mu.Lock()
	if _, exists := m.objects[bucket+"/"+object]; exists {
		m.mu.Unlock()
		return false, nil
	}
	stored := m.store(bucket, object, data, attrs)
	hooks := m.hooks
	m.mu.Unlock()
	m.fire(ctx, hooks, bucket, object, stored)
	return true, nil
}

func (m *MemoryBackend) Get(_ context.Context, bucket, object string) ([]byte, ObjectAttrs, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.objects[bucket+"/"+object]
	if !ok {
		return nil, ObjectAttrs{}, fmt.Errorf("%w: mem://%s/%s", ErrNotFound, bucket, object)
	}
	attrs := o.attrs
	attrs.Metadata = maps.Clone(o.attrs.Metadata)
	return append([]byte(nil), o.data...), attrs, nil
}

// Objects lists the object names stored in bucket.
func (m *MemoryBackend) Objects(bucket string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k := range m.objects {
		if name, ok := strings.CutPrefix(k, bucket+"/"); ok {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

func (m *MemoryBackend) store(bucket, object string, data []byte, attrs ObjectAttrs) ObjectAttrs {
	attrs.Size = int64(len(data))
	attrs.Hash = ContentMD5(data)
	attrs.Created = m.now().UTC()
	attrs.Metadata = maps.Clone(attrs.Metadata)
	m.objects[bucket+"/"+object] = memObject{data: append([]byte(nil), data...), attrs: attrs}
	return attrs
}

func (m *MemoryBackend) fire(ctx context.Context, hooks []WriteHook, bucket, object string, attrs ObjectAttrs) {
	for _, h := range hooks {
		h(ctx, bucket, object, attrs)
	}
}

// ContentMD5 matches the base64 md5Hash GCS reports for an object.
func ContentMD5(data []byte) string {
	sum := md5.Sum(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}
