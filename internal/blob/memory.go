package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

type memoryObject struct {
	data         []byte
	contentType  string
	cacheControl string
	metadata     map[string]string
	generation   int64
	etag         string
}

// MemoryStore is an in-memory Store for tests and local dry runs. It
// honours every WriteCondition field.
type MemoryStore struct {
	name       string
	mu         sync.RWMutex
	objects    map[string]*memoryObject
	genCounter atomic.Int64
}

// NewMemoryStore creates an empty in-memory Store.
func NewMemoryStore(name string) *MemoryStore {
	return &MemoryStore{
		name:    name,
		objects: make(map[string]*memoryObject),
	}
}

func (m *MemoryStore) Name() string {
	return m.name
}

func (m *MemoryStore) Put(_ context.Context, key string, body io.Reader, opts PutOptions) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(key, data, opts)
	return nil
}

// store writes the object. Callers hold m.mu.
func (m *MemoryStore) store(key string, data []byte, opts PutOptions) {
	gen := m.genCounter.Add(1)
	meta := make(map[string]string, len(opts.Metadata))
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	m.objects[key] = &memoryObject{
		data:         data,
		contentType:  opts.ContentType,
		cacheControl: opts.CacheControl,
		metadata:     meta,
		generation:   gen,
		etag:         fmt.Sprintf(`"%d"`, gen),
	}
}

func (o *memoryObject) meta() ObjectMeta {
	md := make(map[string]string, len(o.metadata))
	for k, v := range o.metadata {
		md[k] = v
	}
	return ObjectMeta{
		ETag:       o.etag,
		Generation: o.generation,
		Size:       int64(len(o.data)),
		Metadata:   md,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, ObjectMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, ObjectMeta{}, ErrNotFound
	}
	buf := bytes.Clone(obj.data)
	return io.NopCloser(bytes.NewReader(buf)), obj.meta(), nil
}

func (m *MemoryStore) Head(_ context.Context, key string) (ObjectMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return ObjectMeta{}, ErrNotFound
	}
	return obj.meta(), nil
}

// ContentType returns the content type an object was stored with.
func (m *MemoryStore) ContentType(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return "", false
	}
	return obj.contentType, true
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []ObjectInfo
	for k, obj := range m.objects {
		if strings.HasPrefix(k, prefix) {
			results = append(results, ObjectInfo{
				Key:  k,
				Size: int64(len(obj.data)),
				ETag: obj.etag,
			})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Key < results[j].Key
	})
	return results, nil
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func (m *MemoryStore) ConditionalPut(_ context.Context, key string, body io.Reader, cond WriteCondition, opts PutOptions) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(key, cond); err != nil {
		return err
	}
	m.store(key, data, opts)
	return nil
}

func (m *MemoryStore) ConditionalDelete(_ context.Context, key string, cond WriteCondition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[key]; !ok {
		return ErrNotFound
	}
	if err := m.check(key, cond); err != nil {
		return err
	}
	delete(m.objects, key)
	return nil
}

// check evaluates cond against the current object. Callers hold m.mu.
func (m *MemoryStore) check(key string, cond WriteCondition) error {
	existing, exists := m.objects[key]
	if cond.MustNotExist {
		if exists {
			return ErrPreconditionFailed
		}
		return nil
	}
	if cond.IfMatch == "" && cond.Generation == 0 {
		return nil
	}
	if !exists {
		return ErrPreconditionFailed
	}
	if cond.IfMatch != "" && existing.etag != cond.IfMatch {
		return ErrPreconditionFailed
	}
	if cond.Generation != 0 && existing.generation != cond.Generation {
		return ErrPreconditionFailed
	}
	return nil
}
