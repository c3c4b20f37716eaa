package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

const markerFile = ".clouddav"

// retryOperation 重试文件操作（Windows 上文件锁经常导致 "Access is denied"）
func retryOperation(op func() error) error {
	var err error
	for i := 0; i < 20; i++ {
		err = op()
		if err == nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return err
}

// FileStore 每个后端一个 JSON 文件（<id>.json）
type FileStore struct {
	mu      sync.Mutex
	baseDir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore 创建（必要时初始化）存储目录
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	// 标记文件，确认这是一个 clouddav 配置目录
	marker := filepath.Join(baseDir, markerFile)
	if _, err := os.Stat(marker); os.IsNotExist(err) {
		_ = os.WriteFile(marker, []byte("clouddav backend store"), 0o644)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(id int) string {
	return filepath.Join(s.baseDir, strconv.Itoa(id)+".json")
}

func (s *FileStore) read(id int) (*Backend, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound(id)
		}
		return nil, err
	}
	var b Backend
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("store: backend %d: %w", id, err)
	}
	b.ID = id
	normalize(&b)
	return &b, nil
}

// write 先写临时文件再重命名，读者不会看到写了一半的记录
func (s *FileStore) write(b *Backend) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.baseDir, ".backend-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return retryOperation(func() error {
		return os.Rename(tmp.Name(), s.path(b.ID))
	})
}

func (s *FileStore) GetBackend(_ context.Context, id int) (*Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

func (s *FileStore) ListBackends(_ context.Context) ([]Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, err
	}
	var ids []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil || id <= 0 {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]Backend, 0, len(ids))
	for _, id := range ids {
		b, err := s.read(id)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, nil
}

func (s *FileStore) UpdateBackend(_ context.Context, id int, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.read(id)
	if err != nil {
		return err
	}
	if patch.Config != nil {
		b.Config = patch.Config.Clone()
	}
	if patch.Saving != nil {
		b.Saving = patch.Saving.Clone()
	}
	return s.write(b)
}

func (s *FileStore) PutBackend(_ context.Context, b Backend) error {
	if b.ID <= 0 {
		return fmt.Errorf("store: invalid backend id %d", b.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	normalize(&b)
	return s.write(&b)
}

func (s *FileStore) Close() error {
	return nil
}
