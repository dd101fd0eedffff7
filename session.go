package subctl

import (
	"context"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// SessionEntry is the persisted metadata of one session key. The controller
// only ever writes AbortedLastRun and UpdatedAt.
type SessionEntry struct {
	SessionID      string `json:"sessionId,omitempty"`
	SessionFile    string `json:"sessionFile,omitempty"`
	Model          string `json:"model,omitempty"`
	InputTokens    int64  `json:"inputTokens,omitempty"`
	OutputTokens   int64  `json:"outputTokens,omitempty"`
	TotalTokens    int64  `json:"totalTokens,omitempty"`
	AbortedLastRun bool   `json:"abortedLastRun,omitempty"`
	UpdatedAt      int64  `json:"updatedAt,omitempty"`
}

// Tokens returns TotalTokens, or the sum of input and output when the
// store did not record a total.
func (e SessionEntry) Tokens() int64 {
	if e.TotalTokens > 0 {
		return e.TotalTokens
	}
	return e.InputTokens + e.OutputTokens
}

// SessionStore defines the interface for session metadata persistence.
// A store path addresses one mapping of session key to entry.
type SessionStore interface {
	Load(ctx context.Context, storePath string) (map[string]SessionEntry, error)

	// Update runs fn over the mapping at storePath as one read-modify-write.
	// Entries added or changed by fn are persisted; an error from fn aborts
	// the write.
	Update(ctx context.Context, storePath string, fn func(entries map[string]*SessionEntry) error) error
}

// StorePathFunc maps a session key to the store path holding its entry.
type StorePathFunc func(sessionKey string) string

// StorePathInDir returns a StorePathFunc laying stores out as
// <dir>/<agentId>/sessions.json.
func StorePathInDir(dir string) StorePathFunc {
	return func(sessionKey string) string {
		return filepath.Join(dir, AgentIDFromSessionKey(sessionKey), "sessions.json")
	}
}

// storeCache memoizes store loads for a single command invocation so a
// listing of N runs sharing a store path reads it once.
type storeCache struct {
	store  SessionStore
	pathOf StorePathFunc
	logger *zap.Logger

	group  singleflight.Group
	mu     sync.Mutex
	loaded map[string]map[string]SessionEntry
}

func newStoreCache(store SessionStore, pathOf StorePathFunc, logger *zap.Logger) *storeCache {
	return &storeCache{
		store:  store,
		pathOf: pathOf,
		logger: logger,
		loaded: make(map[string]map[string]SessionEntry),
	}
}

// load returns the mapping at path, reading the store at most once per
// path. Failed loads are not memoized.
func (c *storeCache) load(ctx context.Context, path string) (map[string]SessionEntry, error) {
	c.mu.Lock()
	if m, ok := c.loaded[path]; ok {
		c.mu.Unlock()
		return m, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(path, func() (any, error) {
		m, err := c.store.Load(ctx, path)
		if err != nil {
			return nil, err
		}
		if m == nil {
			m = map[string]SessionEntry{}
		}
		c.mu.Lock()
		c.loaded[path] = m
		c.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]SessionEntry), nil
}

// entry looks up the session entry for key. A failed store read is logged
// and treated as a missing entry.
func (c *storeCache) entry(ctx context.Context, key string) (SessionEntry, bool) {
	if c == nil || c.store == nil || key == "" {
		return SessionEntry{}, false
	}
	path := c.pathOf(key)
	m, err := c.load(ctx, path)
	if err != nil {
		c.logger.Warn("session store load failed",
			zap.String("store_path", path), zap.Error(err))
		return SessionEntry{}, false
	}
	e, ok := m[key]
	return e, ok
}
