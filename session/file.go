package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/armatrix/subctl"
)

// FileStore persists each store path as a single JSON object mapping
// session keys to entries. Writes go to a temp file that is renamed into
// place, so readers never see a partial store.
type FileStore struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ subctl.SessionStore = (*FileStore)(nil)

// NewFileStore creates a FileStore. Store paths are absolute or relative
// file paths chosen by the caller's StorePathFunc.
func NewFileStore() *FileStore {
	return &FileStore{locks: make(map[string]*sync.Mutex)}
}

// Load reads the store at storePath. A missing file is an empty store.
func (f *FileStore) Load(_ context.Context, storePath string) (map[string]subctl.SessionEntry, error) {
	return readStore(storePath)
}

// Update reads, mutates and atomically rewrites the store at storePath.
// Concurrent updates of the same path are serialized.
func (f *FileStore) Update(_ context.Context, storePath string, fn func(map[string]*subctl.SessionEntry) error) error {
	lock := f.lock(storePath)
	lock.Lock()
	defer lock.Unlock()

	current, err := readStore(storePath)
	if err != nil {
		return err
	}
	work := make(map[string]*subctl.SessionEntry, len(current))
	for k, e := range current {
		e := e
		work[k] = &e
	}
	if err := fn(work); err != nil {
		return err
	}

	next := make(map[string]subctl.SessionEntry, len(work))
	for k, e := range work {
		if e != nil {
			next[k] = *e
		}
	}
	b, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session store: %w", err)
	}
	return writeAtomic(storePath, b)
}

func (f *FileStore) lock(path string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[path]
	if !ok {
		l = &sync.Mutex{}
		f.locks[path] = l
	}
	return l
}

func readStore(path string) (map[string]subctl.SessionEntry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]subctl.SessionEntry{}, nil
		}
		return nil, fmt.Errorf("read session store: %w", err)
	}
	out := map[string]subctl.SessionEntry{}
	if len(b) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("unmarshal session store %s: %w", path, err)
	}
	return out, nil
}

func writeAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session store dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write session store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close session store: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("replace session store: %w", err)
	}
	return nil
}
