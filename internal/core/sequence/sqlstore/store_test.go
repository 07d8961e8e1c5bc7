package sqlstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-msgsync/internal/core/sequence/sequencetest"
	"github.com/dep2p/go-msgsync/pkg/types"
)

func TestStoreSuite(t *testing.T) {
	sequencetest.Run(t, func(t *testing.T) sequencetest.Backend {
		s, err := Open(context.Background(), t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestReopenKeepsCounter(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, dir)
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		_, _, err := s.Insert(ctx, sequencetest.Message("dm:alice:bob", id))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s, err = Open(ctx, dir)
	require.NoError(t, err)
	defer s.Close()

	seq, inserted, err := s.Insert(ctx, sequencetest.Message("dm:alice:bob", "d"))
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, uint64(4), seq)

	var version int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version))
	assert.Equal(t, len(migrations), version)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s, err := OpenMemory(ctx)
	require.NoError(t, err)
	defer s.Close()

	seq, _, err := s.Insert(ctx, sequencetest.Message("dm:alice:bob", "m1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestDuplicateSequenceIsConflict(t *testing.T) {
	ctx := context.Background()
	s, err := OpenMemory(ctx)
	require.NoError(t, err)
	defer s.Close()

	_, _, err = s.Insert(ctx, sequencetest.Message("dm:alice:bob", "m1"))
	require.NoError(t, err)

	_, err = s.DB().ExecContext(ctx, `INSERT INTO messages
		(conversation_id, sequence, message_id, sender_id, recipient_id, sent_at, inserted_at)
		VALUES ('dm:alice:bob', 1, 'other', 'alice', 'bob', 0, 0)`)
	require.Error(t, err)
	assert.ErrorIs(t, insertErr(err), types.ErrSequenceConflict)
}
