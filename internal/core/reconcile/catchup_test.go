package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-msgsync/internal/core/storage"
	"github.com/dep2p/go-msgsync/pkg/interfaces"
	"github.com/dep2p/go-msgsync/pkg/types"
)

func newLocalStorage(t *testing.T) interfaces.Storage {
	t.Helper()
	st, eng, err := storage.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return st
}

// recorder 记录应用顺序
type recorder struct {
	seqs   []uint64
	failAt uint64
}

func (r *recorder) apply(_ context.Context, m types.StoredMessage) error {
	if r.failAt != 0 && m.Sequence == r.failAt {
		return errors.New("apply failed")
	}
	r.seqs = append(r.seqs, m.Sequence)
	return nil
}

func TestCatchUp_ResumesFromLastSynced(t *testing.T) {
	s := newServer(t, DefaultConfig())
	ctx := context.Background()

	_, err := s.tracker.Register(ctx, conv, "d2")
	require.NoError(t, err)
	for i := 1; i <= 4; i++ {
		s.insert(t, "d1", fmt.Sprintf("m%d", i))
	}

	d2 := NewCatchUp(s.tracker, newLocalStorage(t), "d2")
	rec := &recorder{}
	res, err := d2.Run(ctx, conv, rec.apply)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), res.LastSynced)
	assert.Equal(t, []uint64{1, 2, 3, 4}, rec.seqs)

	// D1 插入 5，D2 停在 4
	seq := s.insert(t, "d1", "m5")
	require.Equal(t, uint64(5), seq)

	st := s.state(t, "d2")
	assert.Equal(t, uint64(4), st.LastSynced)
	assert.Equal(t, uint64(5), st.LastKnown, "插入时已推进 D2 的已知序号")

	res, err = d2.Run(ctx, conv, rec.apply)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, uint64(5), res.LastSynced)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, rec.seqs)

	st = s.state(t, "d2")
	assert.Equal(t, uint64(5), st.LastSynced)
	assert.Empty(t, st.Pending)

	p, err := d2.Pointer(conv)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), p.LastSynced)
}

func TestCatchUp_MultipleBatches(t *testing.T) {
	s := newServer(t, DefaultConfig())
	ctx := context.Background()
	for i := 1; i <= 7; i++ {
		s.insert(t, "d1", fmt.Sprintf("m%d", i))
	}

	rec := &recorder{}
	res, err := NewCatchUp(s.tracker, newLocalStorage(t), "d2", WithPullLimit(3)).Run(ctx, conv, rec.apply)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Applied)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7}, rec.seqs)
}

func TestCatchUp_ApplierErrorAdvancesToLastApplied(t *testing.T) {
	s := newServer(t, DefaultConfig())
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		s.insert(t, "d1", fmt.Sprintf("m%d", i))
	}

	rec := &recorder{failAt: 3}
	d2 := NewCatchUp(s.tracker, newLocalStorage(t), "d2")
	res, err := d2.Run(ctx, conv, rec.apply)
	require.Error(t, err)
	assert.Equal(t, uint64(2), res.LastSynced)
	assert.Equal(t, uint64(2), s.state(t, "d2").LastSynced)

	rec.failAt = 0
	res, err = d2.Run(ctx, conv, rec.apply)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), res.LastSynced)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, rec.seqs)
}

// gapSource 返回带空洞的批次
type gapSource struct {
	state    types.DeviceSyncState
	messages []types.StoredMessage
	advances []uint64
}

func (g *gapSource) Register(context.Context, string, string) (types.DeviceSyncState, error) {
	return g.state, nil
}

func (g *gapSource) Pull(context.Context, string, string, int) (types.SyncBatch, error) {
	var out []types.StoredMessage
	for _, m := range g.messages {
		if m.Sequence > g.state.LastSynced {
			out = append(out, m)
		}
	}
	return types.SyncBatch{Messages: out, LastKnown: g.state.LastKnown}, nil
}

func (g *gapSource) Advance(_ context.Context, _, _ string, upTo uint64) (types.DeviceSyncState, error) {
	g.advances = append(g.advances, upTo)
	if upTo > g.state.LastSynced {
		g.state.LastSynced = upTo
	}
	return g.state, nil
}

func TestCatchUp_GapStopsBatch(t *testing.T) {
	src := &gapSource{
		state: types.DeviceSyncState{ConversationID: conv, DeviceID: "d2", LastKnown: 5},
		messages: []types.StoredMessage{
			{ConversationID: conv, Sequence: 1, MessageID: "m1"},
			{ConversationID: conv, Sequence: 2, MessageID: "m2"},
			{ConversationID: conv, Sequence: 4, MessageID: "m4"},
			{ConversationID: conv, Sequence: 5, MessageID: "m5"},
		},
	}

	rec := &recorder{}
	res, err := NewCatchUp(src, newLocalStorage(t), "d2").Run(context.Background(), conv, rec.apply)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSequenceGap)
	assert.ErrorIs(t, err, types.ErrSequenceGap)
	assert.Equal(t, []uint64{1, 2}, rec.seqs)
	assert.Equal(t, uint64(2), res.LastSynced)
	assert.Equal(t, []uint64{2}, src.advances)
}

func TestCatchUp_ResumesRemoteAdvance(t *testing.T) {
	src := &gapSource{
		state: types.DeviceSyncState{ConversationID: conv, DeviceID: "d2", LastSynced: 1, LastKnown: 3},
		messages: []types.StoredMessage{
			{ConversationID: conv, Sequence: 2, MessageID: "m2"},
			{ConversationID: conv, Sequence: 3, MessageID: "m3"},
		},
	}
	local := newLocalStorage(t)
	require.NoError(t, local.Set(PointerKey(conv), Pointer{LastSynced: 2, LastKnown: 3}))

	rec := &recorder{}
	res, err := NewCatchUp(src, local, "d2").Run(context.Background(), conv, rec.apply)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, rec.seqs, "本地已应用的消息不重复应用")
	assert.Equal(t, uint64(3), res.LastSynced)
	assert.Equal(t, []uint64{2, 3}, src.advances)
}

func TestCatchUp_NilApplier(t *testing.T) {
	_, err := NewCatchUp(&gapSource{}, nil, "d2").Run(context.Background(), conv, nil)
	assert.ErrorIs(t, err, ErrNilApplier)
}
