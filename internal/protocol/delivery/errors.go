package delivery

import "github.com/dep2p/go-msgsync/pkg/types"

var (
	// ErrNilTransport 未提供传输
	ErrNilTransport = types.NewError(types.KindValidation, "delivery: transport is nil", nil)

	// ErrNilQueue 未提供队列
	ErrNilQueue = types.NewError(types.KindValidation, "delivery: queue is nil", nil)

	// ErrNoHandler 会话没有处理器且未设置默认处理器
	ErrNoHandler = types.NewError(types.KindNotFound, "no handler", nil)

	// ErrAckTimeout ACK 窗口到期
	ErrAckTimeout = types.NewError(types.KindTransport, "ack timeout", nil)
)
