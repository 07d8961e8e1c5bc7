// Package kv 提供带前缀隔离的 KV 存储抽象层
//
// Store 在存储引擎之上提供命名空间隔离，每个组件使用自己的前缀。
//
// # 键空间设计
//
// msgsync 使用以下前缀约定：
//   - s/   - 客户端 Storage 能力（队列快照 queue/<会话>、同步指针 sync/<会话>）
//   - q/m/ - 服务端消息（q/m/<会话>/<序号>）
//   - q/i/ - 服务端消息 ID 索引（q/i/<会话>/<消息ID>）
//   - q/c/ - 服务端会话计数器
//   - q/d/ - 服务端设备同步状态
//
// # 使用示例
//
//	eng, _ := badger.New(engine.MemoryConfig())
//	client := kv.New(eng, []byte("s/"))
//	client.PutJSON([]byte("queue/dm:a:b"), snapshot)  // 实际键: s/queue/dm:a:b
package kv

import (
	"encoding/binary"
	"encoding/json"

	"github.com/dep2p/go-msgsync/internal/core/storage/engine"
)

// Store 带前缀隔离的 KV 存储
type Store struct {
	engine engine.Engine
	prefix []byte
}

// New 创建新的 KVStore
func New(eng engine.Engine, prefix []byte) *Store {
	return &Store{
		engine: eng,
		prefix: prefix,
	}
}

// prefixKey 为键添加前缀
func (s *Store) prefixKey(key []byte) []byte {
	if len(s.prefix) == 0 {
		return key
	}
	prefixed := make([]byte, len(s.prefix)+len(key))
	copy(prefixed, s.prefix)
	copy(prefixed[len(s.prefix):], key)
	return prefixed
}

// stripPrefix 从键中移除前缀
func (s *Store) stripPrefix(key []byte) []byte {
	if len(s.prefix) == 0 || len(key) < len(s.prefix) {
		return key
	}
	return key[len(s.prefix):]
}

// ============= 基础操作 =============

// Get 获取指定键的值
func (s *Store) Get(key []byte) ([]byte, error) {
	return s.engine.Get(s.prefixKey(key))
}

// Put 设置键值对
func (s *Store) Put(key, value []byte) error {
	return s.engine.Put(s.prefixKey(key), value)
}

// Delete 删除指定键
func (s *Store) Delete(key []byte) error {
	return s.engine.Delete(s.prefixKey(key))
}

// Has 检查键是否存在
func (s *Store) Has(key []byte) (bool, error) {
	return s.engine.Has(s.prefixKey(key))
}

// ============= 便捷方法 =============

// GetJSON 获取并反序列化 JSON 值
func (s *Store) GetJSON(key []byte, v interface{}) error {
	data, err := s.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// PutJSON 序列化并存储 JSON 值
func (s *Store) PutJSON(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Put(key, data)
}

// GetUint64 获取 uint64 值
func (s *Store) GetUint64(key []byte) (uint64, error) {
	data, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	return DecodeUint64(data)
}

// PutUint64 存储 uint64 值
func (s *Store) PutUint64(key []byte, value uint64) error {
	return s.Put(key, EncodeUint64(value))
}

// EncodeUint64 大端编码，字典序与数值序一致
func EncodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// DecodeUint64 解码 EncodeUint64 的结果
func DecodeUint64(data []byte) (uint64, error) {
	if len(data) < 8 {
		return 0, engine.ErrCorrupted
	}
	return binary.BigEndian.Uint64(data), nil
}

// ============= 前缀迭代 =============

// PrefixScan 扫描指定前缀的所有键值对
//
// 回调函数返回 false 时停止扫描。
// 返回的 key 已去除 Store 的前缀，但保留 subPrefix。
func (s *Store) PrefixScan(subPrefix []byte, fn func(key, value []byte) bool) error {
	iter := s.engine.NewPrefixIterator(s.prefixKey(subPrefix))
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if !fn(s.stripPrefix(iter.Key()), iter.Value()) {
			break
		}
	}
	return iter.Error()
}

// RangeScan 扫描 [startKey, endKey) 范围的键值对，endKey 为 nil 时扫描到 Store 前缀末尾
func (s *Store) RangeScan(startKey, endKey []byte, fn func(key, value []byte) bool) error {
	opts := &engine.IteratorOptions{
		Prefix:         s.prefix,
		StartKey:       s.prefixKey(startKey),
		PrefetchValues: true,
	}
	if endKey != nil {
		opts.EndKey = s.prefixKey(endKey)
	}

	iter := s.engine.NewIterator(opts)
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if !fn(s.stripPrefix(iter.Key()), iter.Value()) {
			break
		}
	}
	return iter.Error()
}

// Keys 返回指定前缀的所有键
func (s *Store) Keys(subPrefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := s.PrefixScan(subPrefix, func(key, _ []byte) bool {
		keys = append(keys, append([]byte(nil), key...))
		return true
	})
	return keys, err
}

// ============= 事务操作 =============

// Transaction 带前缀的事务
type Transaction struct {
	store *Store
	txn   engine.Transaction
}

// NewTransaction 创建新的事务
func (s *Store) NewTransaction(writable bool) *Transaction {
	return &Transaction{
		store: s,
		txn:   s.engine.NewTransaction(writable),
	}
}

// Get 在事务中获取值
func (t *Transaction) Get(key []byte) ([]byte, error) {
	return t.txn.Get(t.store.prefixKey(key))
}

// Set 在事务中设置值
func (t *Transaction) Set(key, value []byte) error {
	return t.txn.Set(t.store.prefixKey(key), value)
}

// Delete 在事务中删除键
func (t *Transaction) Delete(key []byte) error {
	return t.txn.Delete(t.store.prefixKey(key))
}

// GetUint64 在事务中读取 uint64
func (t *Transaction) GetUint64(key []byte) (uint64, error) {
	data, err := t.Get(key)
	if err != nil {
		return 0, err
	}
	return DecodeUint64(data)
}

// SetUint64 在事务中写入 uint64
func (t *Transaction) SetUint64(key []byte, value uint64) error {
	return t.Set(key, EncodeUint64(value))
}

// GetJSON 在事务中获取并反序列化 JSON
func (t *Transaction) GetJSON(key []byte, v interface{}) error {
	data, err := t.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// SetJSON 在事务中序列化并存储 JSON
func (t *Transaction) SetJSON(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.Set(key, data)
}

// PrefixScan 在事务快照上扫描前缀
func (t *Transaction) PrefixScan(subPrefix []byte, fn func(key, value []byte) bool) error {
	iter := t.txn.NewIterator(&engine.IteratorOptions{
		Prefix:         t.store.prefixKey(subPrefix),
		PrefetchValues: true,
	})
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if !fn(t.store.stripPrefix(iter.Key()), iter.Value()) {
			break
		}
	}
	return iter.Error()
}

// Commit 提交事务
func (t *Transaction) Commit() error {
	return t.txn.Commit()
}

// Discard 丢弃事务
func (t *Transaction) Discard() {
	t.txn.Discard()
}
