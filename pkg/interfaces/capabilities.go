package interfaces

import (
	"context"

	"github.com/dep2p/go-msgsync/pkg/types"
)

// ============================================================================
//                              Crypto
// ============================================================================

// Crypto 加解密能力
type Crypto interface {
	// Encrypt 加密明文
	Encrypt(plaintext, key []byte) ([]byte, error)

	// Decrypt 解密密文
	Decrypt(ciphertext, key []byte) ([]byte, error)
}

// KeyResolver 按会话返回密钥
type KeyResolver interface {
	KeyFor(conversationID string) ([]byte, error)
}

// KeyResolverFunc 函数适配器
type KeyResolverFunc func(conversationID string) ([]byte, error)

// KeyFor 实现 KeyResolver
func (f KeyResolverFunc) KeyFor(conversationID string) ([]byte, error) {
	return f(conversationID)
}

// ============================================================================
//                              Transport
// ============================================================================

// Transport 传输/中继能力
//
// Send 返回 nil 仅表示字节已交给传输层，不代表对端已收到。
// 传输层自身的故障切换逻辑可以随时调用 Reconnect。
type Transport interface {
	// Send 发送一帧数据
	Send(ctx context.Context, data []byte) error

	// OnMessage 注册接收回调，重复调用覆盖之前的回调
	OnMessage(handler func(data []byte))

	// Connected 当前是否已连接
	Connected() bool

	// Reconnect 触发重连
	Reconnect(ctx context.Context) error

	// OnStateChange 注册连接状态变更回调
	OnStateChange(handler func(connected bool))

	// Close 关闭传输
	Close() error
}

// ============================================================================
//                              Storage
// ============================================================================

// Storage 持久化能力
//
// 字符串键，值为可 JSON 序列化对象。实现负责在持久化负载中
// 嵌入格式版本号；Get 在键不存在时返回 types.ErrNotFound 类别的错误。
type Storage interface {
	Get(key string, v any) error
	Set(key string, v any) error
	Remove(key string) error
	ListKeys(prefix string) ([]string, error)
}

// ============================================================================
//                              SyncSource
// ============================================================================

// SyncSource 设备追赶数据来源
type SyncSource interface {
	// Register 在会话中登记设备，返回当前同步状态
	Register(ctx context.Context, conversationID, deviceID string) (types.DeviceSyncState, error)

	// Pull 拉取序号大于设备 LastSynced 的消息（升序）
	Pull(ctx context.Context, conversationID, deviceID string, limit int) (types.SyncBatch, error)

	// Advance 将设备 LastSynced 推进到 upTo（不回退）
	Advance(ctx context.Context, conversationID, deviceID string, upTo uint64) (types.DeviceSyncState, error)
}
