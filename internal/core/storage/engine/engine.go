// Package engine 定义存储引擎接口
//
// 上层（kv、kvstore、序号存储）只依赖这里的接口，具体引擎
// 在构造时一次性选定（badger 磁盘模式或内存模式）。
//
// 所有实现必须保证线程安全。事务在提交前互相独立。
package engine

// Engine 存储引擎
type Engine interface {
	// Get 获取值，键不存在返回 ErrNotFound
	Get(key []byte) ([]byte, error)

	// Put 设置键值对
	Put(key, value []byte) error

	// Delete 删除键，键不存在不报错
	Delete(key []byte) error

	// Has 检查键是否存在
	Has(key []byte) (bool, error)

	// NewIterator 创建迭代器，调用者负责 Close
	NewIterator(opts *IteratorOptions) Iterator

	// NewPrefixIterator 创建前缀迭代器
	NewPrefixIterator(prefix []byte) Iterator

	// NewTransaction 创建事务
	//
	// 读写事务在 Commit 时检测读写冲突，冲突返回 ErrTransactionConflict。
	NewTransaction(writable bool) Transaction

	// Start 启动后台任务（GC 等）
	Start() error

	// Sync 同步到磁盘
	Sync() error

	// Stats 统计快照
	Stats() Stats

	// Close 关闭引擎
	Close() error
}

// Iterator 迭代器
//
//	iter := eng.NewPrefixIterator(prefix)
//	defer iter.Close()
//	for iter.First(); iter.Valid(); iter.Next() {
//	    key, value := iter.Key(), iter.Value()
//	}
//	return iter.Error()
type Iterator interface {
	First() bool
	Next() bool
	Valid() bool

	// Key 返回当前键的副本
	Key() []byte

	// Value 返回当前值的副本
	Value() []byte

	Close()
	Error() error
}

// IteratorOptions 迭代器选项
type IteratorOptions struct {
	// Prefix 仅迭代具有此前缀的键
	Prefix []byte

	// Reverse 是否反向迭代
	Reverse bool

	// StartKey 起始键（包含）
	StartKey []byte

	// EndKey 结束键（不包含）
	EndKey []byte

	// PrefetchValues 是否预取值
	PrefetchValues bool
}

// DefaultIteratorOptions 默认迭代器选项
func DefaultIteratorOptions() *IteratorOptions {
	return &IteratorOptions{PrefetchValues: true}
}

// Transaction 事务
//
//	txn := eng.NewTransaction(true)
//	defer txn.Discard()
//	if err := txn.Set(key, value); err != nil {
//	    return err
//	}
//	return txn.Commit()
type Transaction interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error

	// NewIterator 在事务快照上迭代
	NewIterator(opts *IteratorOptions) Iterator

	// Commit 提交，发生写冲突返回 ErrTransactionConflict
	Commit() error

	// Discard 丢弃，可重复调用
	Discard()
}

// Stats 引擎统计
type Stats struct {
	LSMSize    int64 `json:"lsm_size"`
	VlogSize   int64 `json:"vlog_size"`
	NumReads   int64 `json:"num_reads"`
	NumWrites  int64 `json:"num_writes"`
	NumDeletes int64 `json:"num_deletes"`
	InMemory   bool  `json:"in_memory"`
}
