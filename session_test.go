package subctl

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingStore struct {
	loads   atomic.Int32
	err     error
	entries map[string]map[string]SessionEntry
}

func (s *countingStore) Load(_ context.Context, path string) (map[string]SessionEntry, error) {
	s.loads.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.entries[path], nil
}

func (s *countingStore) Update(context.Context, string, func(map[string]*SessionEntry) error) error {
	return nil
}

func TestStorePathInDir(t *testing.T) {
	fn := StorePathInDir("/data")
	assert.Equal(t, "/data/ops/sessions.json", fn("agent:Ops:subagent:x"))
	assert.Equal(t, "/data/main/sessions.json", fn("legacy-key"))
}

func TestStoreCache_LoadsEachPathOnce(t *testing.T) {
	store := &countingStore{entries: map[string]map[string]SessionEntry{
		"/s/main/sessions.json": {
			"agent:main:subagent:a": {SessionID: "sess-a"},
			"agent:main:subagent:b": {SessionID: "sess-b"},
		},
	}}
	cache := newStoreCache(store, StorePathInDir("/s"), zaptest.NewLogger(t))
	ctx := context.Background()

	a, ok := cache.entry(ctx, "agent:main:subagent:a")
	require.True(t, ok)
	assert.Equal(t, "sess-a", a.SessionID)
	b, ok := cache.entry(ctx, "agent:main:subagent:b")
	require.True(t, ok)
	assert.Equal(t, "sess-b", b.SessionID)
	_, ok = cache.entry(ctx, "agent:main:subagent:missing")
	assert.False(t, ok)

	assert.Equal(t, int32(1), store.loads.Load())

	_, _ = cache.entry(ctx, "agent:ops:subagent:c")
	assert.Equal(t, int32(2), store.loads.Load())
}

func TestStoreCache_ConcurrentLoadsCollapse(t *testing.T) {
	store := &countingStore{entries: map[string]map[string]SessionEntry{}}
	cache := newStoreCache(store, StorePathInDir("/s"), zaptest.NewLogger(t))

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cache.entry(context.Background(), "agent:main:subagent:a")
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, store.loads.Load(), int32(16))
	_, _ = cache.entry(context.Background(), "agent:main:subagent:a")
	loads := store.loads.Load()
	_, _ = cache.entry(context.Background(), "agent:main:subagent:b")
	assert.Equal(t, loads, store.loads.Load())
}

func TestStoreCache_FailedLoadIsNotCached(t *testing.T) {
	store := &countingStore{err: errors.New("disk on fire")}
	cache := newStoreCache(store, StorePathInDir("/s"), zaptest.NewLogger(t))
	ctx := context.Background()

	_, ok := cache.entry(ctx, "agent:main:subagent:a")
	assert.False(t, ok)
	_, ok = cache.entry(ctx, "agent:main:subagent:a")
	assert.False(t, ok)
	assert.Equal(t, int32(2), store.loads.Load())
}

func TestStoreCache_NilStore(t *testing.T) {
	cache := newStoreCache(nil, StorePathInDir("/s"), zaptest.NewLogger(t))
	_, ok := cache.entry(context.Background(), "agent:main:subagent:a")
	assert.False(t, ok)
}

func TestSessionEntry_Tokens(t *testing.T) {
	assert.Equal(t, int64(30), SessionEntry{InputTokens: 10, OutputTokens: 20}.Tokens())
	assert.Equal(t, int64(99), SessionEntry{InputTokens: 10, OutputTokens: 20, TotalTokens: 99}.Tokens())
}
