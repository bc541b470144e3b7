package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNoHistory is returned when no history exists for an instance.
var ErrNoHistory = errors.New("no history found")

// HistoryStore persists instance histories.
type HistoryStore interface {
	// Load reads the history for an instance.
	Load(ctx context.Context, instanceID string) (*History, error)

	// Save persists the history.
	Save(ctx context.Context, h *History) error

	// Delete removes the history.
	Delete(ctx context.Context, instanceID string) error

	// ListRunning returns the instance IDs with Running status, used to
	// resume orchestrations after a process restart.
	ListRunning(ctx context.Context) ([]string, error)

	// ListChildren returns the instance IDs whose parent is parentID, used
	// to cascade terminate and purge.
	ListChildren(ctx context.Context, parentID string) ([]string, error)
}

// FileStore persists histories as one JSON file per instance.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed history store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create history directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// historyPath returns the file path for an instance. Instance IDs may contain
// characters that are unsafe in file names; they are escaped conservatively.
func (s *FileStore) historyPath(instanceID string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, instanceID)
	return filepath.Join(s.dir, "history_"+safe+".json")
}

// Load reads the history from file.
func (s *FileStore) Load(ctx context.Context, instanceID string) (*History, error) {
	data, err := os.ReadFile(s.historyPath(instanceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoHistory
		}
		return nil, fmt.Errorf("read history file: %w", err)
	}

	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parse history file: %w", err)
	}
	return &h, nil
}

// Save persists the history atomically.
func (s *FileStore) Save(ctx context.Context, h *History) error {
	path := s.historyPath(h.InstanceID)

	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write history temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename history file: %w", err)
	}

	return nil
}

// Delete removes the history file.
func (s *FileStore) Delete(ctx context.Context, instanceID string) error {
	err := os.Remove(s.historyPath(instanceID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete history file: %w", err)
	}
	return nil
}

// ListRunning scans the directory for running instances.
func (s *FileStore) ListRunning(ctx context.Context) ([]string, error) {
	return s.scan(func(h *History) bool { return h.Runtime == StatusRunning })
}

// ListChildren scans the directory for instances parented by parentID.
func (s *FileStore) ListChildren(ctx context.Context, parentID string) ([]string, error) {
	return s.scan(func(h *History) bool { return h.ParentID == parentID })
}

func (s *FileStore) scan(match func(*History) bool) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "history_") || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var h History
		if err := json.Unmarshal(data, &h); err != nil {
			continue
		}
		if match(&h) {
			ids = append(ids, h.InstanceID)
		}
	}

	return ids, nil
}

// MemoryStore is an in-memory history store for tests.
type MemoryStore struct {
	mu        sync.RWMutex
	histories map[string]*History
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{histories: make(map[string]*History)}
}

func (s *MemoryStore) Load(ctx context.Context, instanceID string) (*History, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.histories[instanceID]
	if !ok {
		return nil, ErrNoHistory
	}
	copied := *h
	copied.Events = append([]Event(nil), h.Events...)
	copied.Buffered = append([]BufferedEvent(nil), h.Buffered...)
	return &copied, nil
}

func (s *MemoryStore) Save(ctx context.Context, h *History) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *h
	copied.Events = append([]Event(nil), h.Events...)
	copied.Buffered = append([]BufferedEvent(nil), h.Buffered...)
	s.histories[h.InstanceID] = &copied
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.histories, instanceID)
	return nil
}

func (s *MemoryStore) ListRunning(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var running []string
	for id, h := range s.histories {
		if h.Runtime == StatusRunning {
			running = append(running, id)
		}
	}
	return running, nil
}

func (s *MemoryStore) ListChildren(ctx context.Context, parentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, h := range s.histories {
		if h.ParentID == parentID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Verify both stores implement HistoryStore.
var (
	_ HistoryStore = (*FileStore)(nil)
	_ HistoryStore = (*MemoryStore)(nil)
)
