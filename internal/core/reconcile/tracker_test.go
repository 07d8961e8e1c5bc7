package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-msgsync/internal/core/sequence"
	"github.com/dep2p/go-msgsync/internal/core/sequence/kvseq"
	"github.com/dep2p/go-msgsync/internal/core/sequence/sqlstore"
	"github.com/dep2p/go-msgsync/internal/core/storage/engine"
	"github.com/dep2p/go-msgsync/internal/core/storage/engine/badger"
	"github.com/dep2p/go-msgsync/pkg/types"
)

const conv = "dm:alice:bob"

type backend interface {
	sequence.Store
	StateStore
}

type server struct {
	store   backend
	alloc   *sequence.Allocator
	tracker *Tracker
	clk     *clock.Mock
}

func newServer(t *testing.T, cfg Config) *server {
	t.Helper()
	eng, err := badger.New(engine.MemoryConfig())
	require.NoError(t, err)
	store := kvseq.NewOwned(eng)
	t.Cleanup(func() { _ = store.Close() })
	return newServerOn(store, cfg)
}

func newServerOn(store backend, cfg Config) *server {
	clk := clock.NewMock()
	clk.Set(time.UnixMilli(1_700_000_000_000))
	return &server{
		store:   store,
		alloc:   sequence.NewAllocator(store, sequence.WithNow(clk.Now)),
		tracker: NewTracker(cfg, store, store, WithClock(clk)),
		clk:     clk,
	}
}

// insert 模拟中继收到设备消息：分配序号后更新进度
func (s *server) insert(t *testing.T, device, id string) uint64 {
	t.Helper()
	ctx := context.Background()
	msg := &types.StoredMessage{
		ConversationID: conv,
		MessageID:      id,
		SenderID:       "alice",
		SenderDevice:   device,
		RecipientID:    "bob",
		Payload:        []byte(id),
		SentAt:         s.clk.Now(),
	}
	seq, err := s.alloc.Assign(ctx, msg)
	require.NoError(t, err)
	require.NoError(t, s.tracker.OnInserted(ctx, conv, device, seq, id))
	return seq
}

func (s *server) state(t *testing.T, device string) types.DeviceSyncState {
	t.Helper()
	st, err := s.tracker.State(context.Background(), conv, device)
	require.NoError(t, err)
	return st
}

func TestTracker_RegisterIsIdempotent(t *testing.T) {
	s := newServer(t, DefaultConfig())
	ctx := context.Background()

	s.insert(t, "d1", "m1")
	s.insert(t, "d1", "m2")

	st, err := s.tracker.Register(ctx, conv, "d2")
	require.NoError(t, err)
	assert.Zero(t, st.LastSynced)
	assert.Equal(t, uint64(2), st.LastKnown)

	_, err = s.tracker.Advance(ctx, conv, "d2", 1)
	require.NoError(t, err)

	st, err = s.tracker.Register(ctx, conv, "d2")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.LastSynced)

	devices, err := s.tracker.Devices(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2"}, devices)
}

func TestTracker_OnInsertedAdvancesPointers(t *testing.T) {
	s := newServer(t, DefaultConfig())
	ctx := context.Background()

	for _, d := range []string{"d1", "d2", "d3"} {
		_, err := s.tracker.Register(ctx, conv, d)
		require.NoError(t, err)
	}

	seq := s.insert(t, "d1", "m1")
	assert.Equal(t, uint64(1), seq)

	d1 := s.state(t, "d1")
	assert.Equal(t, uint64(1), d1.LastSynced)
	assert.Equal(t, uint64(1), d1.LastKnown)
	assert.Empty(t, d1.Pending)

	for _, d := range []string{"d2", "d3"} {
		st := s.state(t, d)
		assert.Zero(t, st.LastSynced, d)
		assert.Equal(t, uint64(1), st.LastKnown, d)
		assert.Equal(t, []types.PendingRef{{MessageID: "m1", Sequence: 1}}, st.Pending, d)
	}

	// d2 发送：自身推进，d1 只推进已知
	s.insert(t, "d2", "m2")
	d1 = s.state(t, "d1")
	assert.Equal(t, uint64(1), d1.LastSynced)
	assert.Equal(t, uint64(2), d1.LastKnown)
	d2 := s.state(t, "d2")
	assert.Equal(t, uint64(2), d2.LastSynced)
	assert.Empty(t, d2.Pending)
}

func TestTracker_UnknownSenderDeviceRegistered(t *testing.T) {
	s := newServer(t, DefaultConfig())

	s.insert(t, "fresh", "m1")
	st := s.state(t, "fresh")
	assert.Equal(t, uint64(1), st.LastSynced)
	assert.Equal(t, uint64(1), st.LastKnown)
}

func TestTracker_ContiguousSenderAdvance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ContiguousSenderAdvance = true
	s := newServer(t, cfg)
	ctx := context.Background()

	_, err := s.tracker.Register(ctx, conv, "d2")
	require.NoError(t, err)
	s.insert(t, "d1", "m1")

	// d2 尚未同步 m1，发送 m2 后只推进已知
	s.insert(t, "d2", "m2")
	st := s.state(t, "d2")
	assert.Zero(t, st.LastSynced)
	assert.Equal(t, uint64(2), st.LastKnown)

	_, err = s.tracker.Advance(ctx, conv, "d2", 2)
	require.NoError(t, err)
	s.insert(t, "d2", "m3")
	st = s.state(t, "d2")
	assert.Equal(t, uint64(3), st.LastSynced)
}

func TestTracker_PendingBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPendingRefs = 3
	s := newServer(t, cfg)

	_, err := s.tracker.Register(context.Background(), conv, "d2")
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		s.insert(t, "d1", fmt.Sprintf("m%d", i))
	}

	st := s.state(t, "d2")
	assert.Equal(t, uint64(5), st.LastKnown)
	require.Len(t, st.Pending, 3)
	assert.Equal(t, uint64(3), st.Pending[0].Sequence)
	assert.Equal(t, uint64(5), st.Pending[2].Sequence)
}

func TestTracker_PullAndAdvance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PullLimit = 2
	s := newServer(t, cfg)
	ctx := context.Background()

	_, err := s.tracker.Register(ctx, conv, "d2")
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		s.insert(t, "d1", fmt.Sprintf("m%d", i))
	}

	batch, err := s.tracker.Pull(ctx, conv, "d2", 10)
	require.NoError(t, err)
	require.Len(t, batch.Messages, 2)
	assert.True(t, batch.HasMore)
	assert.Equal(t, uint64(1), batch.Messages[0].Sequence)
	assert.Equal(t, uint64(5), batch.LastKnown)

	st, err := s.tracker.Advance(ctx, conv, "d2", 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.LastSynced)
	assert.Len(t, st.Pending, 3)

	// 不回退
	st, err = s.tracker.Advance(ctx, conv, "d2", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.LastSynced)

	// 超过已知
	_, err = s.tracker.Advance(ctx, conv, "d2", 6)
	assert.ErrorIs(t, err, ErrAdvanceBeyondKnown)

	batch, err = s.tracker.Pull(ctx, conv, "d2", 0)
	require.NoError(t, err)
	require.Len(t, batch.Messages, 2)
	assert.Equal(t, uint64(3), batch.Messages[0].Sequence)

	_, err = s.tracker.Advance(ctx, conv, "d2", 5)
	require.NoError(t, err)
	batch, err = s.tracker.Pull(ctx, conv, "d2", 0)
	require.NoError(t, err)
	assert.Empty(t, batch.Messages)
	assert.False(t, batch.HasMore)
	assert.Empty(t, s.state(t, "d2").Pending)
}

func TestTracker_PullCapsAtKnown(t *testing.T) {
	s := newServer(t, DefaultConfig())
	ctx := context.Background()

	_, err := s.tracker.Register(ctx, conv, "d2")
	require.NoError(t, err)
	s.insert(t, "d1", "m1")

	// 已分配但进度尚未更新
	_, err = s.alloc.Assign(ctx, &types.StoredMessage{ConversationID: conv, MessageID: "m2", SenderID: "alice", RecipientID: "bob"})
	require.NoError(t, err)

	batch, err := s.tracker.Pull(ctx, conv, "d2", 0)
	require.NoError(t, err)
	require.Len(t, batch.Messages, 1)
	assert.Equal(t, uint64(1), batch.LastKnown)
}

func TestTracker_Errors(t *testing.T) {
	s := newServer(t, DefaultConfig())
	ctx := context.Background()

	_, err := s.tracker.Pull(ctx, conv, "ghost", 0)
	assert.ErrorIs(t, err, ErrDeviceNotRegistered)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = s.tracker.Advance(ctx, conv, "ghost", 1)
	assert.ErrorIs(t, err, ErrDeviceNotRegistered)

	_, err = s.tracker.Register(ctx, "bad conv", "d1")
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = s.tracker.Register(ctx, conv, "")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestTracker_InvariantHolds(t *testing.T) {
	ctx := context.Background()
	store, err := sqlstore.OpenMemory(ctx)
	require.NoError(t, err)
	defer store.Close()
	s := newServerOn(store, DefaultConfig())

	devices := []string{"d1", "d2", "d3"}
	for _, d := range devices {
		_, err := s.tracker.Register(ctx, conv, d)
		require.NoError(t, err)
	}
	for i := 0; i < 30; i++ {
		s.insert(t, devices[i%3], fmt.Sprintf("m%d", i))
		if i%7 == 0 {
			st := s.state(t, "d3")
			_, err := s.tracker.Advance(ctx, conv, "d3", st.LastKnown)
			require.NoError(t, err)
		}
	}

	max, err := store.MaxSequence(ctx, conv)
	require.NoError(t, err)
	for _, d := range devices {
		st := s.state(t, d)
		assert.LessOrEqual(t, st.LastSynced, st.LastKnown, d)
		assert.LessOrEqual(t, st.LastKnown, max, d)
	}
}
