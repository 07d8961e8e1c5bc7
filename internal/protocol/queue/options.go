package queue

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-msgsync/config"
	"github.com/dep2p/go-msgsync/internal/core/metrics"
	"github.com/dep2p/go-msgsync/pkg/interfaces"
)

// 优先级常量
const (
	// PriorityNormal 基础优先级
	PriorityNormal = 0
)

// Config 队列配置
type Config struct {
	// MaxPerSession 每个会话最多活跃消息数
	MaxPerSession int

	// MaxRetries RetryCount 达到此值时消息永久失败
	MaxRetries int

	// Backoff 发送失败后的重试退避
	Backoff Backoff

	// LargePayloadThreshold 大负载阈值（字节）
	LargePayloadThreshold int

	// HighBoost / LargeBoost 优先级加成
	HighBoost  int
	LargeBoost int

	// DecayInterval 加成衰减间隔，0 表示不衰减
	DecayInterval time.Duration

	// OverflowPolicy 溢出策略
	OverflowPolicy string

	// ResyncInterval 全量持久化同步间隔
	ResyncInterval time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return ConfigFromUnified(nil)
}

// ConfigFromUnified 从统一配置创建队列配置
func ConfigFromUnified(cfg *config.Config) Config {
	qc := config.DefaultQueueConfig()
	if cfg != nil {
		qc = cfg.Queue
	}
	return Config{
		MaxPerSession:         qc.MaxPerSession,
		MaxRetries:            qc.MaxRetries,
		Backoff:               Backoff{Base: qc.BackoffBase.Std(), Max: qc.BackoffMax.Std()},
		LargePayloadThreshold: qc.LargePayloadThreshold,
		HighBoost:             qc.HighPriorityBoost,
		LargeBoost:            qc.LargePayloadBoost,
		DecayInterval:         qc.PriorityDecayInterval.Std(),
		OverflowPolicy:        qc.OverflowPolicy,
		ResyncInterval:        qc.ResyncInterval.Std(),
	}
}

// Option 队列选项
type Option func(*MessageQueue)

// WithClock 注入时钟
func WithClock(clk clock.Clock) Option {
	return func(q *MessageQueue) {
		if clk != nil {
			q.clk = clk
		}
	}
}

// WithStorage 设置持久化能力，未设置时队列只在内存中
func WithStorage(s interfaces.Storage) Option {
	return func(q *MessageQueue) {
		q.storage = s
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *MessageQueue) {
		q.metrics = m
	}
}
