package sequence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-msgsync/pkg/types"
)

// conflictStore 前 conflicts 次插入返回冲突，其后按计数器分配
type conflictStore struct {
	mu        sync.Mutex
	conflicts int
	calls     int
	next      uint64
	ids       map[string]uint64
}

func newConflictStore(conflicts int) *conflictStore {
	return &conflictStore{conflicts: conflicts, ids: make(map[string]uint64)}
}

func (s *conflictStore) Insert(_ context.Context, msg *types.StoredMessage) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.conflicts {
		return 0, false, types.NewError(types.KindSequenceConflict, "forced", nil)
	}
	if seq, ok := s.ids[msg.MessageID]; ok {
		return seq, false, nil
	}
	s.next++
	s.ids[msg.MessageID] = s.next
	return s.next, true, nil
}

func (s *conflictStore) Lookup(_ context.Context, _, id string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.ids[id]
	return seq, ok, nil
}

func (s *conflictStore) MessagesAfter(context.Context, string, uint64, int) ([]types.StoredMessage, error) {
	return nil, nil
}

func (s *conflictStore) MaxSequence(context.Context, string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next, nil
}

func (s *conflictStore) Close() error { return nil }

func msg(id string) *types.StoredMessage {
	return &types.StoredMessage{ConversationID: "dm:alice:bob", MessageID: id, SenderID: "alice", RecipientID: "bob"}
}

func TestAssign_RetriesOnConflict(t *testing.T) {
	store := newConflictStore(3)
	a := NewAllocator(store)

	m := msg("m1")
	seq, err := a.Assign(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, uint64(1), m.Sequence)
	assert.Equal(t, 4, store.calls)
	assert.False(t, m.InsertedAt.IsZero())
}

func TestAssign_AttemptsExhausted(t *testing.T) {
	store := newConflictStore(100)
	a := NewAllocator(store, WithMaxAttempts(3))

	_, err := a.Assign(context.Background(), msg("m1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrSequenceConflict)
	assert.Equal(t, 3, store.calls)
}

func TestAssign_DuplicateReturnsExisting(t *testing.T) {
	store := newConflictStore(0)
	a := NewAllocator(store)
	ctx := context.Background()

	first, err := a.Assign(ctx, msg("m1"))
	require.NoError(t, err)
	_, err = a.Assign(ctx, msg("m2"))
	require.NoError(t, err)

	again, err := a.Assign(ctx, msg("m1"))
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestAssign_Validation(t *testing.T) {
	a := NewAllocator(newConflictStore(0))
	ctx := context.Background()

	_, err := a.Assign(ctx, nil)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = a.Assign(ctx, &types.StoredMessage{ConversationID: "bad conv", MessageID: "m1"})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = a.Assign(ctx, &types.StoredMessage{ConversationID: "dm:alice:bob"})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestAssign_ContextCancelledDuringBackoff(t *testing.T) {
	a := NewAllocator(newConflictStore(1000))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Assign(ctx, msg("m1"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAssign_InsertedAtFromClock(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	a := NewAllocator(newConflictStore(0), WithNow(func() time.Time { return at }))

	m := msg("m1")
	_, err := a.Assign(context.Background(), m)
	require.NoError(t, err)
	assert.True(t, at.Equal(m.InsertedAt))
}
