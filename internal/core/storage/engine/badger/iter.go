package badger

import (
	"bytes"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/dep2p/go-msgsync/internal/core/storage/engine"
)

// Iterator BadgerDB 迭代器
type Iterator struct {
	txn      *badger.Txn
	iter     *badger.Iterator
	ownsTxn  bool
	reverse  bool
	prefix   []byte
	startKey []byte
	endKey   []byte
	started  bool
	closed   atomic.Bool
	err      error
}

func newIterator(txn *badger.Txn, opts *engine.IteratorOptions, ownsTxn bool) *Iterator {
	if opts == nil {
		opts = engine.DefaultIteratorOptions()
	}
	bopts := badger.DefaultIteratorOptions
	bopts.Reverse = opts.Reverse
	bopts.PrefetchValues = opts.PrefetchValues
	if len(opts.Prefix) > 0 {
		bopts.Prefix = opts.Prefix
	}
	return &Iterator{
		txn:      txn,
		iter:     txn.NewIterator(bopts),
		ownsTxn:  ownsTxn,
		reverse:  opts.Reverse,
		prefix:   opts.Prefix,
		startKey: opts.StartKey,
		endKey:   opts.EndKey,
	}
}

// First 移动到第一个键值对
func (it *Iterator) First() bool {
	if it.closed.Load() {
		return false
	}
	it.started = true
	switch {
	case len(it.startKey) > 0:
		it.iter.Seek(it.startKey)
	case len(it.prefix) > 0 && it.reverse:
		// 反向迭代从前缀范围的末尾开始
		it.iter.Seek(append(append([]byte{}, it.prefix...), 0xFF))
	case len(it.prefix) > 0:
		it.iter.Seek(it.prefix)
	default:
		it.iter.Rewind()
	}
	return it.checkValid()
}

// Next 移动到下一个键值对
func (it *Iterator) Next() bool {
	if it.closed.Load() {
		return false
	}
	if !it.started {
		return it.First()
	}
	it.iter.Next()
	return it.checkValid()
}

func (it *Iterator) checkValid() bool {
	if !it.iter.Valid() {
		return false
	}
	key := it.iter.Item().Key()
	if len(it.prefix) > 0 && !bytes.HasPrefix(key, it.prefix) {
		return false
	}
	if len(it.endKey) > 0 && bytes.Compare(key, it.endKey) >= 0 {
		return false
	}
	return true
}

// Valid 当前位置是否有效
func (it *Iterator) Valid() bool {
	return !it.closed.Load() && it.checkValid()
}

// Key 返回当前键的副本
func (it *Iterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.iter.Item().KeyCopy(nil)
}

// Value 返回当前值的副本
func (it *Iterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	value, err := it.iter.Item().ValueCopy(nil)
	if err != nil {
		it.err = err
		return nil
	}
	return value
}

// Close 关闭迭代器
func (it *Iterator) Close() {
	if it.closed.Swap(true) {
		return
	}
	it.iter.Close()
	if it.ownsTxn {
		it.txn.Discard()
	}
}

// Error 迭代过程中的错误
func (it *Iterator) Error() error {
	return it.err
}

var _ engine.Iterator = (*Iterator)(nil)
