// Package kvseq 基于 badger KV 引擎的序号与同步状态存储
//
// 键布局（位于 q/ 前缀下）：
//
//	m/<会话>/<序号 大端8字节>  消息
//	i/<会话>/<消息ID>         消息 ID -> 序号
//	c/<会话>                  会话计数器
//	d/<会话>/<设备>           设备同步状态
//
// 分配在一个读写事务内完成：读计数器与 ID 索引，写消息、索引和计数器。
// 并发分配同一会话时 badger 的乐观并发检测使后提交者失败，
// 失败映射为序号冲突，由分配器重试。
package kvseq

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/dep2p/go-msgsync/internal/core/sequence"
	"github.com/dep2p/go-msgsync/internal/core/storage/engine"
	"github.com/dep2p/go-msgsync/internal/core/storage/kv"
	"github.com/dep2p/go-msgsync/pkg/types"
)

// Prefix 服务端序号数据的键前缀
var Prefix = []byte("q/")

var (
	msgPrefix     = []byte("m/")
	indexPrefix   = []byte("i/")
	counterPrefix = []byte("c/")
	devicePrefix  = []byte("d/")
)

// Store KV 序号存储
type Store struct {
	kv    *kv.Store
	owned engine.Engine
}

var _ sequence.Store = (*Store)(nil)

// New 在引擎上创建存储，引擎由调用方管理
func New(eng engine.Engine) *Store {
	return &Store{kv: kv.New(eng, Prefix)}
}

// NewOwned 创建存储并在 Close 时关闭引擎
func NewOwned(eng engine.Engine) *Store {
	s := New(eng)
	s.owned = eng
	return s
}

// Close 实现 sequence.Store
func (s *Store) Close() error {
	if s.owned != nil {
		return s.owned.Close()
	}
	return nil
}

func convKey(prefix []byte, conv string) []byte {
	k := make([]byte, 0, len(prefix)+len(conv)+1)
	k = append(k, prefix...)
	k = append(k, conv...)
	return append(k, '/')
}

func messageKey(conv string, seq uint64) []byte {
	return append(convKey(msgPrefix, conv), kv.EncodeUint64(seq)...)
}

func indexKey(conv, messageID string) []byte {
	return append(convKey(indexPrefix, conv), messageID...)
}

func counterKey(conv string) []byte {
	return append(append([]byte(nil), counterPrefix...), conv...)
}

func deviceKey(conv, device string) []byte {
	return append(convKey(devicePrefix, conv), device...)
}

// ============================================================================
//                              消息
// ============================================================================

// Insert 实现 sequence.Store
func (s *Store) Insert(ctx context.Context, msg *types.StoredMessage) (uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	txn := s.kv.NewTransaction(true)
	defer txn.Discard()

	existing, err := txn.GetUint64(indexKey(msg.ConversationID, msg.MessageID))
	switch {
	case err == nil:
		return existing, false, nil
	case !engine.IsNotFound(err):
		return 0, false, storageErr("lookup", err)
	}

	last, err := txn.GetUint64(counterKey(msg.ConversationID))
	if err != nil && !engine.IsNotFound(err) {
		return 0, false, storageErr("read counter", err)
	}
	next := last + 1

	if _, err := txn.Get(messageKey(msg.ConversationID, next)); err == nil {
		// 计数器落后于已有消息，视为冲突让调用方重读
		return 0, false, types.NewError(types.KindSequenceConflict, "slot taken", nil)
	} else if !engine.IsNotFound(err) {
		return 0, false, storageErr("probe slot", err)
	}

	stored := *msg
	stored.Sequence = next
	if err := txn.SetJSON(messageKey(msg.ConversationID, next), &stored); err != nil {
		return 0, false, storageErr("write message", err)
	}
	if err := txn.SetUint64(indexKey(msg.ConversationID, msg.MessageID), next); err != nil {
		return 0, false, storageErr("write index", err)
	}
	if err := txn.SetUint64(counterKey(msg.ConversationID), next); err != nil {
		return 0, false, storageErr("write counter", err)
	}

	if err := txn.Commit(); err != nil {
		if engine.IsConflict(err) {
			return 0, false, types.NewError(types.KindSequenceConflict, "commit", err)
		}
		return 0, false, storageErr("commit", err)
	}
	return next, true, nil
}

// Lookup 实现 sequence.Store
func (s *Store) Lookup(_ context.Context, conversationID, messageID string) (uint64, bool, error) {
	seq, err := s.kv.GetUint64(indexKey(conversationID, messageID))
	if engine.IsNotFound(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storageErr("lookup", err)
	}
	return seq, true, nil
}

// MessagesAfter 实现 sequence.Store
func (s *Store) MessagesAfter(ctx context.Context, conversationID string, after uint64, limit int) ([]types.StoredMessage, error) {
	prefix := convKey(msgPrefix, conversationID)
	start := messageKey(conversationID, after+1)
	end := append(append([]byte(nil), prefix...), bytes.Repeat([]byte{0xff}, 9)...)

	var out []types.StoredMessage
	var decodeErr error
	err := s.kv.RangeScan(start, end, func(_, value []byte) bool {
		if ctx.Err() != nil {
			decodeErr = ctx.Err()
			return false
		}
		var m types.StoredMessage
		if err := json.Unmarshal(value, &m); err != nil {
			decodeErr = storageErr("decode message", err)
			return false
		}
		out = append(out, m)
		return limit <= 0 || len(out) < limit
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	if err != nil {
		return nil, storageErr("scan messages", err)
	}
	return out, nil
}

// MaxSequence 实现 sequence.Store
func (s *Store) MaxSequence(_ context.Context, conversationID string) (uint64, error) {
	seq, err := s.kv.GetUint64(counterKey(conversationID))
	if engine.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, storageErr("read counter", err)
	}
	return seq, nil
}

// ============================================================================
//                              设备同步状态
// ============================================================================

// LoadState 读取设备同步状态
func (s *Store) LoadState(_ context.Context, conversationID, deviceID string) (types.DeviceSyncState, bool, error) {
	var st types.DeviceSyncState
	err := s.kv.GetJSON(deviceKey(conversationID, deviceID), &st)
	if engine.IsNotFound(err) {
		return types.DeviceSyncState{ConversationID: conversationID, DeviceID: deviceID}, false, nil
	}
	if err != nil {
		return types.DeviceSyncState{ConversationID: conversationID, DeviceID: deviceID}, false, storageErr("load sync state", err)
	}
	return st, true, nil
}

// SaveState 写入设备同步状态
func (s *Store) SaveState(_ context.Context, st types.DeviceSyncState) error {
	if err := s.kv.PutJSON(deviceKey(st.ConversationID, st.DeviceID), &st); err != nil {
		return storageErr("save sync state", err)
	}
	return nil
}

// Devices 会话中登记的设备
func (s *Store) Devices(_ context.Context, conversationID string) ([]string, error) {
	prefix := convKey(devicePrefix, conversationID)
	var out []string
	err := s.kv.PrefixScan(prefix, func(key, _ []byte) bool {
		out = append(out, string(key[len(prefix):]))
		return true
	})
	if err != nil {
		return nil, storageErr("list devices", err)
	}
	return out, nil
}

func storageErr(op string, err error) error {
	return types.NewError(types.KindStorage, op, err)
}
