package sequence

import (
	"context"

	"github.com/dep2p/go-msgsync/pkg/types"
)

// Store 序号化消息存储
type Store interface {
	// Insert 在一个事务内分配序号并写入消息
	//
	// 消息 ID 已存在于会话中时返回原序号且 inserted 为 false。
	// 并发写入者违反 (会话, 序号) 唯一性时返回 ErrSequenceConflict 类别错误。
	Insert(ctx context.Context, msg *types.StoredMessage) (seq uint64, inserted bool, err error)

	// Lookup 按消息 ID 查询序号
	Lookup(ctx context.Context, conversationID, messageID string) (uint64, bool, error)

	// MessagesAfter 返回序号大于 after 的消息（升序），limit <= 0 表示不限
	MessagesAfter(ctx context.Context, conversationID string, after uint64, limit int) ([]types.StoredMessage, error)

	// MaxSequence 会话当前最大序号，空会话为 0
	MaxSequence(ctx context.Context, conversationID string) (uint64, error)

	// Close 关闭存储
	Close() error
}
