// Package sequencetest 序号存储实现的公共测试集
package sequencetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-msgsync/internal/core/sequence"
	"github.com/dep2p/go-msgsync/pkg/types"
)

// StateStore 设备同步状态存储（两个后端都实现）
type StateStore interface {
	LoadState(ctx context.Context, conversationID, deviceID string) (types.DeviceSyncState, bool, error)
	SaveState(ctx context.Context, st types.DeviceSyncState) error
	Devices(ctx context.Context, conversationID string) ([]string, error)
}

// Backend 被测后端
type Backend interface {
	sequence.Store
	StateStore
}

// Message 构造测试消息
func Message(conv, id string) *types.StoredMessage {
	return &types.StoredMessage{
		ConversationID: conv,
		MessageID:      id,
		SenderID:       "alice",
		SenderDevice:   "phone",
		RecipientID:    "bob",
		Payload:        []byte("payload-" + id),
		SentAt:         time.UnixMilli(1_700_000_000_000),
		InsertedAt:     time.UnixMilli(1_700_000_000_500),
	}
}

// Run 对后端执行全部用例，newBackend 每次返回一个空存储
func Run(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("InsertAssignsContiguous", func(t *testing.T) { testInsertContiguous(t, newBackend(t)) })
	t.Run("InsertIsIdempotent", func(t *testing.T) { testInsertIdempotent(t, newBackend(t)) })
	t.Run("ConversationsIndependent", func(t *testing.T) { testIndependent(t, newBackend(t)) })
	t.Run("MessagesAfter", func(t *testing.T) { testMessagesAfter(t, newBackend(t)) })
	t.Run("SyncState", func(t *testing.T) { testSyncState(t, newBackend(t)) })
	t.Run("ConcurrentAllocation", func(t *testing.T) { testConcurrent(t, newBackend(t)) })
}

func testInsertContiguous(t *testing.T, s Backend) {
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		seq, inserted, err := s.Insert(ctx, Message("dm:alice:bob", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.Equal(t, uint64(i), seq)
	}

	max, err := s.MaxSequence(ctx, "dm:alice:bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), max)

	max, err = s.MaxSequence(ctx, "dm:nobody:else")
	require.NoError(t, err)
	assert.Zero(t, max)
}

func testInsertIdempotent(t *testing.T, s Backend) {
	ctx := context.Background()
	seq, inserted, err := s.Insert(ctx, Message("dm:alice:bob", "m1"))
	require.NoError(t, err)
	require.True(t, inserted)

	again, inserted, err := s.Insert(ctx, Message("dm:alice:bob", "m1"))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, seq, again)

	got, ok, err := s.Lookup(ctx, "dm:alice:bob", "m1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, seq, got)

	_, ok, err = s.Lookup(ctx, "dm:alice:bob", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	max, err := s.MaxSequence(ctx, "dm:alice:bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), max)
}

func testIndependent(t *testing.T, s Backend) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _, err := s.Insert(ctx, Message("dm:alice:bob", fmt.Sprintf("a%d", i)))
		require.NoError(t, err)
	}
	seq, _, err := s.Insert(ctx, Message("dm:alice:bob:team", "b0"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	// 同一消息 ID 在不同会话中互不影响
	seq, inserted, err := s.Insert(ctx, Message("dm:alice:carol", "a0"))
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, uint64(1), seq)
}

func testMessagesAfter(t *testing.T, s Backend) {
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		_, _, err := s.Insert(ctx, Message("dm:alice:bob", fmt.Sprintf("m%02d", i)))
		require.NoError(t, err)
	}

	all, err := s.MessagesAfter(ctx, "dm:alice:bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 10)
	for i, m := range all {
		assert.Equal(t, uint64(i+1), m.Sequence)
		assert.Equal(t, fmt.Sprintf("m%02d", i+1), m.MessageID)
		assert.Equal(t, []byte("payload-"+m.MessageID), m.Payload)
		assert.Equal(t, "phone", m.SenderDevice)
		assert.Equal(t, int64(1_700_000_000_000), m.SentAt.UnixMilli())
	}

	page, err := s.MessagesAfter(ctx, "dm:alice:bob", 4, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, uint64(5), page[0].Sequence)
	assert.Equal(t, uint64(7), page[2].Sequence)

	none, err := s.MessagesAfter(ctx, "dm:alice:bob", 10, 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testSyncState(t *testing.T, s Backend) {
	ctx := context.Background()

	st, ok, err := s.LoadState(ctx, "dm:alice:bob", "laptop")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "laptop", st.DeviceID)

	want := types.DeviceSyncState{
		ConversationID: "dm:alice:bob",
		DeviceID:       "laptop",
		LastSynced:     3,
		LastKnown:      5,
		Pending:        []types.PendingRef{{MessageID: "m4", Sequence: 4}, {MessageID: "m5", Sequence: 5}},
		UpdatedAt:      time.UnixMilli(1_700_000_001_000),
	}
	require.NoError(t, s.SaveState(ctx, want))
	require.NoError(t, s.SaveState(ctx, types.DeviceSyncState{
		ConversationID: "dm:alice:bob", DeviceID: "phone", UpdatedAt: time.UnixMilli(1),
	}))

	got, ok, err := s.LoadState(ctx, "dm:alice:bob", "laptop")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.LastSynced, got.LastSynced)
	assert.Equal(t, want.LastKnown, got.LastKnown)
	assert.Equal(t, want.Pending, got.Pending)
	assert.Equal(t, want.UpdatedAt.UnixMilli(), got.UpdatedAt.UnixMilli())

	devices, err := s.Devices(ctx, "dm:alice:bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"laptop", "phone"}, devices)

	devices, err = s.Devices(ctx, "dm:alice:carol")
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func testConcurrent(t *testing.T, s Backend) {
	const workers, perWorker = 4, 50
	alloc := sequence.NewAllocator(s, sequence.WithMaxAttempts(1000))
	ctx := context.Background()

	var mu sync.Mutex
	var seqs []uint64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				seq, err := alloc.Assign(ctx, Message("dm:alice:bob", fmt.Sprintf("w%d-%d", w, i)))
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seqs = append(seqs, seq)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, seqs, workers*perWorker)
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, seq := range seqs {
		require.Equal(t, uint64(i+1), seq, "序号必须无间隙无重复")
	}

	stored, err := s.MessagesAfter(ctx, "dm:alice:bob", 0, 0)
	require.NoError(t, err)
	assert.Len(t, stored, workers*perWorker)
}
