package delivery

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-msgsync/config"
	"github.com/dep2p/go-msgsync/internal/core/metrics"
	"github.com/dep2p/go-msgsync/internal/core/netmon"
	"github.com/dep2p/go-msgsync/pkg/interfaces"
	"github.com/dep2p/go-msgsync/pkg/types"
)

// Config 投递协议配置
type Config struct {
	// MessageTimeout 首次发送的 ACK 窗口
	MessageTimeout time.Duration

	// MaxAckWindow ACK 窗口上限
	MaxAckWindow time.Duration

	// TimeoutScanInterval ACK 超时扫描间隔
	TimeoutScanInterval time.Duration

	// FlushInterval 队列周期刷新间隔
	FlushInterval time.Duration

	// AutoAck 处理器成功后自动回复 delivered
	AutoAck bool

	// MaxClockSkew 入站消息允许的未来时间偏差，0 表示不检查
	MaxClockSkew time.Duration

	// DedupCacheSize 已投递 ID 去重缓存容量
	DedupCacheSize int
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return ConfigFromUnified(nil)
}

// ConfigFromUnified 从统一配置创建投递配置
func ConfigFromUnified(cfg *config.Config) Config {
	dc := config.DefaultDeliveryConfig()
	qc := config.DefaultQueueConfig()
	if cfg != nil {
		dc = cfg.Delivery
		qc = cfg.Queue
	}
	return Config{
		MessageTimeout:      dc.MessageTimeout.Std(),
		MaxAckWindow:        dc.MaxAckWindow.Std(),
		TimeoutScanInterval: dc.TimeoutScanInterval.Std(),
		FlushInterval:       qc.FlushInterval.Std(),
		AutoAck:             dc.AutoAck,
		MaxClockSkew:        dc.MaxClockSkew.Std(),
		DedupCacheSize:      dc.DedupCacheSize,
	}
}

// Option 协议选项
type Option func(*Protocol)

// WithClock 注入时钟
func WithClock(clk clock.Clock) Option {
	return func(p *Protocol) {
		if clk != nil {
			p.clk = clk
		}
	}
}

// WithLocalID 本地用户 ID，作为出站消息的 senderId
func WithLocalID(id string) Option {
	return func(p *Protocol) {
		p.localID = id
	}
}

// WithMonitor 使用外部的在线状态监控器
func WithMonitor(m *netmon.Monitor) Option {
	return func(p *Protocol) {
		p.monitor = m
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Protocol) {
		p.metrics = m
	}
}

// WithCrypto 设置加解密能力
//
// 设置后 Send 的 Payload 视为明文并按会话密钥加密，
// 入站消息在交给处理器前解密。
func WithCrypto(c interfaces.Crypto, keys interfaces.KeyResolver) Option {
	return func(p *Protocol) {
		p.crypto = c
		p.keys = keys
	}
}

// ============================================================================
//                              发送选项
// ============================================================================

// Completion 最终回执回调
type Completion func(types.DeliveryReceipt)

type sendOptions struct {
	completion Completion
}

// SendOption 单次发送选项
type SendOption func(*sendOptions)

// WithCompletion 注册完成回调，消息进入终态时恰好调用一次
func WithCompletion(fn Completion) SendOption {
	return func(o *sendOptions) {
		o.completion = fn
	}
}
