// Package kvstore 在 kv.Store 之上实现 interfaces.Storage 能力
//
// 值以 JSON 保存并包裹格式版本号：
//
//	{"v":1,"data":{...}}
//
// 版本号不匹配的记录按损坏处理，调用方可以选择丢弃。
package kvstore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dep2p/go-msgsync/internal/core/storage/engine"
	"github.com/dep2p/go-msgsync/internal/core/storage/kv"
	"github.com/dep2p/go-msgsync/pkg/interfaces"
	"github.com/dep2p/go-msgsync/pkg/types"
)

// FormatVersion 当前持久化格式版本
const FormatVersion = 1

// ErrFormatVersion 记录的格式版本不受支持
var ErrFormatVersion = types.NewError(types.KindStorage, "unsupported format version", nil)

type record struct {
	V    int             `json:"v"`
	Data json.RawMessage `json:"data"`
}

// Store interfaces.Storage 的 KV 实现
type Store struct {
	kv *kv.Store
}

// New 创建 Storage
func New(store *kv.Store) *Store {
	return &Store{kv: store}
}

// Get 读取并反序列化 key 对应的值
func (s *Store) Get(key string, v any) error {
	data, err := s.kv.Get([]byte(key))
	if err != nil {
		return wrap("get", key, err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return types.NewError(types.KindStorage, "decode "+key, err)
	}
	if rec.V != FormatVersion {
		return fmt.Errorf("%s: v=%d: %w", key, rec.V, ErrFormatVersion)
	}
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return types.NewError(types.KindStorage, "decode "+key, err)
	}
	return nil
}

// Set 序列化并写入
func (s *Store) Set(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return types.NewError(types.KindStorage, "encode "+key, err)
	}
	raw, err := json.Marshal(record{V: FormatVersion, Data: data})
	if err != nil {
		return types.NewError(types.KindStorage, "encode "+key, err)
	}
	return wrap("set", key, s.kv.Put([]byte(key), raw))
}

// Remove 删除 key，不存在不报错
func (s *Store) Remove(key string) error {
	return wrap("remove", key, s.kv.Delete([]byte(key)))
}

// ListKeys 列出前缀下的所有键（字典序）
func (s *Store) ListKeys(prefix string) ([]string, error) {
	raw, err := s.kv.Keys([]byte(prefix))
	if err != nil {
		return nil, wrap("list", prefix, err)
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, string(k))
	}
	return keys, nil
}

// wrap 将引擎错误映射到类别错误
func wrap(op, key string, err error) error {
	switch {
	case err == nil:
		return nil
	case engine.IsNotFound(err):
		return types.NewError(types.KindNotFound, key, err)
	case engine.IsClosed(err):
		return types.NewError(types.KindClosed, strings.Join([]string{op, key}, " "), err)
	default:
		return types.NewError(types.KindStorage, strings.Join([]string{op, key}, " "), err)
	}
}

var _ interfaces.Storage = (*Store)(nil)
