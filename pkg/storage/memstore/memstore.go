// Package memstore provides in-memory fakes of pkg/storage.ObjectStore
// and pkg/storage.MetadataStore, used in tests in place of the S3/DynamoDB
// backends.
package memstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/rlm-rs/orchestrator/pkg/storage"
)

// ObjectStore is an in-memory storage.ObjectStore.
type ObjectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string
}

func NewObjectStore() *ObjectStore {
	return &ObjectStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (s *ObjectStore) Put(_ context.Context, key string, body io.Reader, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	s.types[key] = contentType
	return nil
}

func (s *ObjectStore) Get(_ context.Context, key string, r *storage.ByteRange) (io.ReadCloser, storage.ObjectMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, storage.ObjectMeta{}, &notFoundError{key: key}
	}
	out := data
	if r != nil {
		start := r.Start
		end := r.End
		if end < 0 || end >= int64(len(data)) {
			end = int64(len(data)) - 1
		}
		if start > end || start >= int64(len(data)) {
			out = nil
		} else {
			out = data[start : end+1]
		}
	}
	meta := storage.ObjectMeta{Key: key, Size: int64(len(data)), ContentType: s.types[key]}
	return io.NopCloser(bytes.NewReader(out)), meta, nil
}

func (s *ObjectStore) List(_ context.Context, prefix, _ string) ([]string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, "", nil
}

func (s *ObjectStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	delete(s.types, key)
	return nil
}

type notFoundError struct{ key string }

func (e *notFoundError) Error() string { return "memstore: object not found: " + e.key }

// MetadataStore is an in-memory storage.MetadataStore.
type MetadataStore struct {
	mu    sync.Mutex
	items map[string]storage.Item
}

func NewMetadataStore() *MetadataStore {
	return &MetadataStore{items: map[string]storage.Item{}}
}

func compositeKey(pk, sk string) string { return pk + "\x00" + sk }

func (s *MetadataStore) PutItem(_ context.Context, item storage.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[compositeKey(item.PK, item.SK)] = item
	return nil
}

func (s *MetadataStore) GetItem(_ context.Context, pk, sk string) (storage.Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[compositeKey(pk, sk)]
	return item, ok, nil
}

func (s *MetadataStore) UpdateIf(_ context.Context, pk, sk string, expectedVersion int64, next map[string]any) (storage.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := compositeKey(pk, sk)
	existing, ok := s.items[key]
	actual := int64(0)
	if ok {
		actual = existing.Version
	}
	if actual != expectedVersion {
		return storage.Item{}, &storage.ErrConditionFailed{PK: pk, SK: sk, ExpectedVersion: expectedVersion, ActualVersion: actual}
	}
	item := storage.Item{PK: pk, SK: sk, Version: expectedVersion + 1, Data: next}
	s.items[key] = item
	return item, nil
}

func (s *MetadataStore) Query(_ context.Context, pk, skPrefix string) ([]storage.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Item
	for _, item := range s.items {
		if item.PK == pk && strings.HasPrefix(item.SK, skPrefix) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SK < out[j].SK })
	return out, nil
}

func (s *MetadataStore) DeleteItem(_ context.Context, pk, sk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, compositeKey(pk, sk))
	return nil
}
