package queue

import "github.com/dep2p/go-msgsync/pkg/types"

var (
	// ErrQueueFull 会话队列已满且策略拒绝入队
	ErrQueueFull = types.NewError(types.KindCapacity, "queue full", nil)

	// ErrEvicted 消息因容量上限被驱逐
	ErrEvicted = types.NewError(types.KindCapacity, "evicted", nil)

	// ErrNotQueued 消息不在活跃队列中
	ErrNotQueued = types.NewError(types.KindNotFound, "message not queued", nil)

	// ErrInvalidMessage 消息字段不合法
	ErrInvalidMessage = types.NewError(types.KindValidation, "invalid message", nil)
)
