// Package sqlstore 基于 SQLite 的序号与同步状态存储
//
// 使用纯 Go 的 modernc.org/sqlite 驱动。SQLite 只支持单写者，
// 连接池固定为一个连接，写事务天然串行；(conversation_id, sequence)
// 主键仍然是唯一性的最终保证。
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/dep2p/go-msgsync/internal/core/sequence"
	"github.com/dep2p/go-msgsync/pkg/lib/log"
	"github.com/dep2p/go-msgsync/pkg/types"
)

var logger = log.Logger("core/sequence/sqlstore")

// FileName 数据库文件名
const FileName = "sequence.db"

// Store SQLite 存储
type Store struct {
	db *sql.DB
}

var _ sequence.Store = (*Store)(nil)

// Open 打开 dataDir 下的数据库并执行迁移
func Open(ctx context.Context, dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return open(ctx, filepath.Join(dataDir, FileName), true)
}

// OpenMemory 打开内存数据库
func OpenMemory(ctx context.Context) (*Store, error) {
	return open(ctx, ":memory:", false)
}

func open(ctx context.Context, dsn string, wal bool) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if wal {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("序号数据库已打开", "dsn", dsn)
	return &Store{db: db}, nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}

// DB 底层连接
func (s *Store) DB() *sql.DB {
	return s.db
}

// ============================================================================
//                              消息
// ============================================================================

// Insert 实现 sequence.Store
func (s *Store) Insert(ctx context.Context, msg *types.StoredMessage) (uint64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, storageErr("begin", err)
	}
	defer tx.Rollback()

	var existing uint64
	err = tx.QueryRowContext(ctx,
		`SELECT sequence FROM messages WHERE conversation_id = ? AND message_id = ?`,
		msg.ConversationID, msg.MessageID).Scan(&existing)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, false, storageErr("lookup", err)
	}

	var next uint64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(
			COALESCE((SELECT last_sequence FROM conversation_counters WHERE conversation_id = ?), 0),
			COALESCE((SELECT MAX(sequence) FROM messages WHERE conversation_id = ?), 0)
		) + 1`, msg.ConversationID, msg.ConversationID).Scan(&next); err != nil {
		return 0, false, storageErr("next sequence", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO messages
		(conversation_id, sequence, message_id, sender_id, sender_device, recipient_id, payload, signature, sent_at, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, next, msg.MessageID, msg.SenderID, msg.SenderDevice, msg.RecipientID,
		msg.Payload, msg.Signature, msg.SentAt.UnixMilli(), msg.InsertedAt.UnixMilli()); err != nil {
		return 0, false, insertErr(err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO conversation_counters (conversation_id, last_sequence)
		VALUES (?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET last_sequence = excluded.last_sequence`,
		msg.ConversationID, next); err != nil {
		return 0, false, insertErr(err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, insertErr(err)
	}
	return next, true, nil
}

// Lookup 实现 sequence.Store
func (s *Store) Lookup(ctx context.Context, conversationID, messageID string) (uint64, bool, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT sequence FROM messages WHERE conversation_id = ? AND message_id = ?`,
		conversationID, messageID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storageErr("lookup", err)
	}
	return seq, true, nil
}

// MessagesAfter 实现 sequence.Store
func (s *Store) MessagesAfter(ctx context.Context, conversationID string, after uint64, limit int) ([]types.StoredMessage, error) {
	query := `SELECT conversation_id, sequence, message_id, sender_id, sender_device, recipient_id,
			payload, signature, sent_at, inserted_at
		FROM messages WHERE conversation_id = ? AND sequence > ? ORDER BY sequence ASC`
	args := []any{conversationID, after}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query messages", err)
	}
	defer rows.Close()

	var out []types.StoredMessage
	for rows.Next() {
		var m types.StoredMessage
		var sentAt, insertedAt int64
		if err := rows.Scan(&m.ConversationID, &m.Sequence, &m.MessageID, &m.SenderID, &m.SenderDevice,
			&m.RecipientID, &m.Payload, &m.Signature, &sentAt, &insertedAt); err != nil {
			return nil, storageErr("scan message", err)
		}
		m.SentAt = time.UnixMilli(sentAt)
		m.InsertedAt = time.UnixMilli(insertedAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate messages", err)
	}
	return out, nil
}

// MaxSequence 实现 sequence.Store
func (s *Store) MaxSequence(ctx context.Context, conversationID string) (uint64, error) {
	var seq uint64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM messages WHERE conversation_id = ?`,
		conversationID).Scan(&seq); err != nil {
		return 0, storageErr("max sequence", err)
	}
	return seq, nil
}

// ============================================================================
//                              设备同步状态
// ============================================================================

// LoadState 读取设备同步状态
func (s *Store) LoadState(ctx context.Context, conversationID, deviceID string) (types.DeviceSyncState, bool, error) {
	st := types.DeviceSyncState{ConversationID: conversationID, DeviceID: deviceID}
	var pending string
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `SELECT last_synced, last_known, pending, updated_at
		FROM sync_state WHERE conversation_id = ? AND device_id = ?`,
		conversationID, deviceID).Scan(&st.LastSynced, &st.LastKnown, &pending, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return st, false, nil
	}
	if err != nil {
		return st, false, storageErr("load sync state", err)
	}
	if err := json.Unmarshal([]byte(pending), &st.Pending); err != nil {
		return st, false, types.NewError(types.KindStorage, "decode pending refs", err)
	}
	st.UpdatedAt = time.UnixMilli(updatedAt)
	return st, true, nil
}

// SaveState 写入设备同步状态
func (s *Store) SaveState(ctx context.Context, st types.DeviceSyncState) error {
	pending := st.Pending
	if pending == nil {
		pending = []types.PendingRef{}
	}
	data, err := json.Marshal(pending)
	if err != nil {
		return types.NewError(types.KindStorage, "encode pending refs", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO sync_state
		(conversation_id, device_id, last_synced, last_known, pending, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, device_id) DO UPDATE SET
			last_synced = excluded.last_synced,
			last_known  = excluded.last_known,
			pending     = excluded.pending,
			updated_at  = excluded.updated_at`,
		st.ConversationID, st.DeviceID, st.LastSynced, st.LastKnown, string(data), st.UpdatedAt.UnixMilli()); err != nil {
		return storageErr("save sync state", err)
	}
	return nil
}

// Devices 会话中登记的设备
func (s *Store) Devices(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id FROM sync_state WHERE conversation_id = ? ORDER BY device_id`, conversationID)
	if err != nil {
		return nil, storageErr("list devices", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, storageErr("scan device", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ============================================================================
//                              错误映射
// ============================================================================

func storageErr(op string, err error) error {
	return types.NewError(types.KindStorage, op, err)
}

// insertErr 唯一约束冲突和忙等待映射为序号冲突
func insertErr(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		switch {
		case code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY,
			code == sqlite3.SQLITE_CONSTRAINT_UNIQUE,
			code == sqlite3.SQLITE_CONSTRAINT,
			code&0xff == sqlite3.SQLITE_BUSY:
			return types.NewError(types.KindSequenceConflict, "insert", err)
		}
	}
	return storageErr("insert", err)
}
