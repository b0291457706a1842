package storage

import (
	"context"
	"fmt"
)

// Substrate reads and writes documents by zone-qualified key.
type Substrate struct {
	topology Topology
	backend  Backend
}

func NewSubstrate(topology Topology, backend Backend) *Substrate {
	return &Substrate{topology: topology, backend: backend}
}

func (s *Substrate) Topology() Topology { return s.topology }

func (s *Substrate) Backend() Backend { return s.backend }

// Ref returns the backend reference for key without touching storage.
func (s *Substrate) Ref(key string) (string, error) {
	_, bucket, object, err := s.topology.Locate(key)
	if err != nil {
		return "", err
	}
	return FormatRef(s.backend.Scheme(), bucket, object), nil
}

// Write stores data under key, replacing any previous object.
func (s *Substrate) Write(ctx context.Context, key string, data []byte, attrs ObjectAttrs) (string, error) {
	_, bucket, object, err := s.topology.Locate(key)
	if err != nil {
		return "", err
	}
	if err := s.backend.Put(ctx, bucket, object, data, attrs); err != nil {
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	return FormatRef(s.backend.Scheme(), bucket, object), nil
}

// WriteOnce stores data under key unless an object already exists there.
// created is false when the key was already taken.
func (s *Substrate) WriteOnce(ctx context.Context, key string, data []byte, attrs ObjectAttrs) (ref string, created bool, err error) {
	_, bucket, object, err := s.topology.Locate(key)
	if err != nil {
		return "", false, err
	}
	created, err = s.backend.PutIfAbsent(ctx, bucket, object, data, attrs)
	if err != nil {
		return "", false, fmt.Errorf("write %s: %w", key, err)
	}
	return FormatRef(s.backend.Scheme(), bucket, object), created, nil
}

// Read fetches the object a reference points at.
func (s *Substrate) Read(ctx context.Context, ref string) ([]byte, ObjectAttrs, error) {
	scheme, bucket, object, err := ParseRef(ref)
	if err != nil {
		return nil, ObjectAttrs{}, err
	}
	if scheme != s.backend.Scheme() {
		return nil, ObjectAttrs{}, fmt.Errorf("%w: %q is not a %s reference", ErrInvalidRef, ref, s.backend.Scheme())
	}
	return s.backend.Get(ctx, bucket, object)
}

// ReadKey fetches the object stored under key.
func (s *Substrate) ReadKey(ctx context.Context, key string) ([]byte, ObjectAttrs, error) {
	_, bucket, object, err := s.topology.Locate(key)
	if err != nil {
		return nil, ObjectAttrs{}, err
	}
	return s.backend.Get(ctx, bucket, object)
}

// KeyOf maps a reference back to its zone-qualified key.
func (s *Substrate) KeyOf(ref string) (string, error) {
	_, bucket, object, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	_, key, ok := s.topology.Resolve(bucket, object)
	if !ok {
		return "", fmt.Errorf("%w: %q is outside every zone", ErrUnknownZone, ref)
	}
	return key, nil
}
