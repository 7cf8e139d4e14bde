package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory BlobStore used in tests and single-node
// development setups without an object store.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (m *MemoryStore) PutObject(_ context.Context, key string, data []byte, contentType string) error {
	copied := make([]byte, len(data))
	copy(copied, data)
	m.mu.Lock()
	m.objects[key] = memoryObject{data: copied, contentType: contentType, modified: time.Now().UTC()}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) UploadFile(ctx context.Context, key, localPath, contentType string) (ObjectInfo, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return ObjectInfo{}, err
	}
	if err := m.PutObject(ctx, key, data, contentType); err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{Key: key, Size: int64(len(data)), LastModified: time.Now().UTC()}, nil
}

func (m *MemoryStore) GetObject(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	copied := make([]byte, len(obj.data))
	copy(copied, obj.data)
	return copied, nil
}

func (m *MemoryStore) DownloadPrefix(ctx context.Context, prefix, destRoot string) (int, error) {
	infos, err := m.ListPrefix(ctx, prefix)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, info := range infos {
		rel := strings.TrimPrefix(info.Key, prefix)
		dest := filepath.Join(destRoot, filepath.FromSlash(rel))
		if !strings.HasPrefix(dest, filepath.Clean(destRoot)+string(os.PathSeparator)) {
			continue
		}
		data, err := m.GetObject(ctx, info.Key)
		if err != nil {
			return count, err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return count, err
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (m *MemoryStore) ListPrefix(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var infos []ObjectInfo
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, ObjectInfo{Key: key, Size: int64(len(obj.data)), LastModified: obj.modified})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (m *MemoryStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			delete(m.objects, key)
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) PresignGet(_ context.Context, key, filename, _ string) (string, error) {
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("object %s not found", key)
	}
	return "memory://" + key + "?filename=" + filename, nil
}
