package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-msgsync/config"
	"github.com/dep2p/go-msgsync/internal/core/storage"
	"github.com/dep2p/go-msgsync/pkg/types"
)

// flakyStorage 可注入写入失败的内存 Storage
type flakyStorage struct {
	mu   sync.Mutex
	data map[string][]byte
	fail bool
}

func newFlakyStorage() *flakyStorage {
	return &flakyStorage{data: make(map[string][]byte)}
}

func (s *flakyStorage) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *flakyStorage) Get(key string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.data[key]
	if !ok {
		return types.NewError(types.KindNotFound, key, nil)
	}
	return json.Unmarshal(data, v)
}

func (s *flakyStorage) Set(key string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return types.NewError(types.KindStorage, "disk full", nil)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.data[key] = data
	return nil
}

func (s *flakyStorage) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	delete(s.data, key)
	return nil
}

func (s *flakyStorage) ListKeys(prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *flakyStorage) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok
}

func TestQueue_PersistRoundTrip(t *testing.T) {
	st, eng, err := storage.NewMemory()
	require.NoError(t, err)
	defer eng.Close()

	q, clk := newTestQueue(t, nil, WithStorage(st))
	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(msg(id))
		require.NoError(t, err)
		clk.Add(time.Second)
	}
	require.NoError(t, q.MarkSent("a"))
	_, err = q.MarkFailed("b", errors.New("io"))
	require.NoError(t, err)
	require.NoError(t, q.MarkSent("c"))
	require.NoError(t, q.MarkDelivered("c"))

	restored, _ := newTestQueue(t, nil, WithStorage(st))
	n, err := restored.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	a, ok := restored.Get("a")
	require.True(t, ok)
	// 在途消息恢复为立即就绪的 pending
	assert.Equal(t, types.StatusPending, a.Status)
	assert.Equal(t, 1, a.Attempts)

	b, ok := restored.Get("b")
	require.True(t, ok)
	assert.Equal(t, 1, b.RetryCount)
	assert.Equal(t, "io", b.LastError)

	_, ok = restored.Get("c")
	assert.False(t, ok)

	// 恢复后的入队序号继续递增
	out, err := restored.Enqueue(msg("d"))
	require.NoError(t, err)
	assert.Greater(t, out.Seq, b.Seq)
}

func TestQueue_PersistEmptySessionRemovesKey(t *testing.T) {
	st := newFlakyStorage()
	q, _ := newTestQueue(t, nil, WithStorage(st))

	_, err := q.Enqueue(msg("only"))
	require.NoError(t, err)
	assert.True(t, st.has(SessionKey(session)))

	require.NoError(t, q.MarkDelivered("only"))
	assert.False(t, st.has(SessionKey(session)))
}

func TestQueue_PersistFailureIsNonFatal(t *testing.T) {
	st := newFlakyStorage()
	st.setFail(true)
	q, _ := newTestQueue(t, nil, WithStorage(st))

	out, err := q.Enqueue(msg("m1"))
	require.NoError(t, err, "storage failure must not fail enqueue")
	assert.Equal(t, types.StatusQueued, out.Status)
	assert.Equal(t, []string{session}, q.Dirty())
	assert.False(t, st.has(SessionKey(session)))

	st.setFail(false)
	q.Resync()
	assert.Empty(t, q.Dirty())
	assert.True(t, st.has(SessionKey(session)))

	var snap sessionSnapshot
	require.NoError(t, st.Get(SessionKey(session), &snap))
	assert.Equal(t, 1, snap.Version)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, "m1", snap.Entries[0].ID)
}

func TestQueue_LoadSkipsBadSnapshots(t *testing.T) {
	st := newFlakyStorage()
	require.NoError(t, st.Set(SessionKey("dm:x:y"), sessionSnapshot{Version: 99}))
	st.mu.Lock()
	st.data[SessionKey("dm:broken:z")] = []byte("{not json")
	st.mu.Unlock()
	require.NoError(t, st.Set(SessionKey(session), sessionSnapshot{
		Version: 1,
		Entries: []*QueuedMessage{{ID: "ok", SessionID: session, RecipientID: "bob", Seq: 7}},
	}))

	q, _ := newTestQueue(t, nil, WithStorage(st))
	n, err := q.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := q.Get("ok")
	assert.True(t, ok)
}

// seedSession 写入含 n 条排队消息（m0..m{n-1}，序号递增）的会话快照
func seedSession(t *testing.T, st *flakyStorage, n int) {
	t.Helper()
	entries := make([]*QueuedMessage, 0, n)
	for i := 0; i < n; i++ {
		m := msg(fmt.Sprintf("m%d", i))
		m.Seq = uint64(i + 1)
		m.Status = types.StatusQueued
		entries = append(entries, m)
	}
	require.NoError(t, st.Set(SessionKey(session), sessionSnapshot{Version: 1, Entries: entries}))
}

func TestQueue_LoadEnforcesSessionCap(t *testing.T) {
	st := newFlakyStorage()
	seedSession(t, st, 5)

	q, _ := newTestQueue(t, func(c *Config) {
		c.MaxPerSession = 3
		c.OverflowPolicy = config.OverflowEvictOldest
	}, WithStorage(st))

	var evicted []string
	q.OnStatusChange(func(c StatusChange) {
		if errors.Is(c.Err, ErrEvicted) {
			evicted = append(evicted, c.Message.ID)
		}
	})

	n, err := q.Load()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, q.SessionLen(session))
	assert.Equal(t, []string{"m0", "m1"}, evicted)
	assert.EqualValues(t, 2, q.Stats().Evicted)

	// 裁剪后的快照已重写
	var snap sessionSnapshot
	require.NoError(t, st.Get(SessionKey(session), &snap))
	assert.Equal(t, []string{"m2", "m3", "m4"}, ids(snap.Entries))
}

func TestQueue_LoadRejectPolicyKeepsEarliest(t *testing.T) {
	st := newFlakyStorage()
	seedSession(t, st, 5)

	q, _ := newTestQueue(t, func(c *Config) {
		c.MaxPerSession = 3
		c.OverflowPolicy = config.OverflowReject
	}, WithStorage(st))

	n, err := q.Load()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for _, id := range []string{"m0", "m1", "m2"} {
		_, ok := q.Get(id)
		assert.True(t, ok, id)
	}
	_, ok := q.Get("m4")
	assert.False(t, ok)
	assert.Zero(t, q.Stats().Evicted)
}

func TestQueue_ResyncTask(t *testing.T) {
	st := newFlakyStorage()
	st.setFail(true)
	q, clk := newTestQueue(t, func(c *Config) { c.ResyncInterval = 30 * time.Second }, WithStorage(st))

	_, err := q.Enqueue(msg("m1"))
	require.NoError(t, err)
	st.setFail(false)

	q.Start(t.Context())
	defer q.Stop()

	assert.Eventually(t, func() bool {
		clk.Add(30 * time.Second)
		return st.has(SessionKey(session))
	}, time.Second, 10*time.Millisecond)
}
