package msgsync

import (
	"github.com/dep2p/go-msgsync/internal/core/reconcile"
	"github.com/dep2p/go-msgsync/internal/protocol/delivery"
	"github.com/dep2p/go-msgsync/internal/protocol/queue"
	"github.com/dep2p/go-msgsync/pkg/types"
)

// 公共错误定义
var (
	// ────────────────────────────────────────────────────────────────────────
	// 客户端生命周期错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrNotStarted 客户端未启动
	ErrNotStarted = types.NewError(types.KindClosed, "client not started", nil)

	// ErrAlreadyStarted 客户端已启动
	ErrAlreadyStarted = types.NewError(types.KindValidation, "client already started", nil)

	// ErrClientClosed 客户端已关闭
	ErrClientClosed = types.NewError(types.KindClosed, "client closed", nil)

	// ErrNoTransport 既没有中继地址也没有注入传输
	ErrNoTransport = types.NewError(types.KindValidation, "no relay url or transport configured", nil)

	// ErrNoSyncSource 没有可用的追赶数据来源
	ErrNoSyncSource = types.NewError(types.KindValidation, "no sync source configured", nil)

	// ────────────────────────────────────────────────────────────────────────
	// 组件错误（再导出）
	// ────────────────────────────────────────────────────────────────────────

	// ErrQueueFull 会话队列已满（reject 策略）
	ErrQueueFull = queue.ErrQueueFull

	// ErrEvicted 消息因队列溢出被驱逐
	ErrEvicted = queue.ErrEvicted

	// ErrNoHandler 会话没有注册处理器
	ErrNoHandler = delivery.ErrNoHandler

	// ErrSequenceGap 追赶时序号不连续
	ErrSequenceGap = reconcile.ErrSequenceGap

	// ────────────────────────────────────────────────────────────────────────
	// 错误类别
	// ────────────────────────────────────────────────────────────────────────

	ErrValidation       = types.ErrValidation
	ErrTransport        = types.ErrTransport
	ErrStorage          = types.ErrStorage
	ErrExhaustedRetries = types.ErrExhaustedRetries
	ErrCapacity         = types.ErrCapacity
	ErrCrypto           = types.ErrCrypto
)
