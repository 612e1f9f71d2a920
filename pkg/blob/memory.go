package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type memObject struct {
	data        []byte
	contentType string
	modifiedAt  time.Time
}

// MemoryStore is an in-process Store used by tests and single-node setups.
// It honors the same conditional-create semantics as the real backends.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memObject),
		now:     time.Now,
	}
}

func key(container, path string) string {
	return container + "/" + path
}

func (s *MemoryStore) put(container, path string, data []byte, contentType string, ifNoneMatch bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(container, path)
	if ifNoneMatch {
		if _, exists := s.objects[k]; exists {
			return fmt.Errorf("create %s: %w", k, ErrConflict)
		}
	}
	s.objects[k] = memObject{
		data:        append([]byte(nil), data...),
		contentType: contentType,
		modifiedAt:  s.now().UTC(),
	}
	return nil
}

// UploadJSON implements Store.
func (s *MemoryStore) UploadJSON(_ context.Context, container, path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s/%s: %w", container, path, err)
	}
	return s.put(container, path, data, "application/json", false)
}

// CreateJSON implements Store.
func (s *MemoryStore) CreateJSON(_ context.Context, container, path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s/%s: %w", container, path, err)
	}
	return s.put(container, path, data, "application/json", true)
}

// UploadText implements Store.
func (s *MemoryStore) UploadText(_ context.Context, container, path, text, contentType string) error {
	return s.put(container, path, []byte(text), contentType, false)
}

// UploadBinary implements Store.
func (s *MemoryStore) UploadBinary(_ context.Context, container, path string, data []byte, contentType string) error {
	return s.put(container, path, data, contentType, false)
}

func (s *MemoryStore) get(container, path string) (memObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key(container, path)]
	if !ok {
		return memObject{}, fmt.Errorf("download %s/%s: %w", container, path, ErrNotFound)
	}
	return obj, nil
}

// DownloadJSON implements Store.
func (s *MemoryStore) DownloadJSON(_ context.Context, container, path string, v any) error {
	obj, err := s.get(container, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(obj.data, v); err != nil {
		return fmt.Errorf("decoding %s/%s: %w", container, path, err)
	}
	return nil
}

// DownloadText implements Store.
func (s *MemoryStore) DownloadText(_ context.Context, container, path string) (string, error) {
	obj, err := s.get(container, path)
	if err != nil {
		return "", err
	}
	return string(obj.data), nil
}

// DownloadBinary implements Store.
func (s *MemoryStore) DownloadBinary(_ context.Context, container, path string) ([]byte, string, error) {
	obj, err := s.get(container, path)
	if err != nil {
		return nil, "", err
	}
	return append([]byte(nil), obj.data...), obj.contentType, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, container, prefix string, modifiedSince time.Time) ([]ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	containerPrefix := container + "/"
	var infos []ObjectInfo
	for k, obj := range s.objects {
		if !strings.HasPrefix(k, containerPrefix) {
			continue
		}
		path := strings.TrimPrefix(k, containerPrefix)
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		if !modifiedSince.IsZero() && obj.modifiedAt.Before(modifiedSince) {
			continue
		}
		infos = append(infos, ObjectInfo{
			Path:        path,
			Size:        int64(len(obj.data)),
			ContentType: obj.contentType,
			ModifiedAt:  obj.modifiedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

// Delete implements Store. Absent objects are ignored.
func (s *MemoryStore) Delete(_ context.Context, container, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key(container, path))
	return nil
}

// Copy implements Store.
func (s *MemoryStore) Copy(_ context.Context, srcContainer, srcPath, dstContainer, dstPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key(srcContainer, srcPath)]
	if !ok {
		return fmt.Errorf("copy %s/%s: %w", srcContainer, srcPath, ErrNotFound)
	}
	obj.modifiedAt = s.now().UTC()
	s.objects[key(dstContainer, dstPath)] = obj
	return nil
}

// SetClock overrides the store's clock. Tests use it to age objects past
// retention windows.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
