package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/dep2p/go-msgsync/config"
	"github.com/dep2p/go-msgsync/internal/core/metrics"
	"github.com/dep2p/go-msgsync/internal/core/netmon"
	"github.com/dep2p/go-msgsync/internal/util/ticktask"
	"github.com/dep2p/go-msgsync/pkg/lib/log"
	"github.com/dep2p/go-msgsync/pkg/protocol"
	"github.com/dep2p/go-msgsync/pkg/types"
)

var logger = log.Logger("protocol/heartbeat")

// Sender 发送信封的能力，通常由投递协议提供
type Sender func(ctx context.Context, env *protocol.Envelope) error

// TierListener 质量等级变更回调
type TierListener func(prev, next types.QualityTier)

// Config 心跳配置
type Config struct {
	Interval       time.Duration
	Timeout        time.Duration
	FailThreshold  int
	AverageWindow  int
	SampleCapacity int
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return ConfigFromUnified(nil)
}

// ConfigFromUnified 从统一配置创建心跳配置
func ConfigFromUnified(cfg *config.Config) Config {
	hc := config.DefaultHeartbeatConfig()
	if cfg != nil {
		hc = cfg.Heartbeat
	}
	return Config{
		Interval:       hc.Interval.Std(),
		Timeout:        hc.Timeout.Std(),
		FailThreshold:  hc.FailThreshold,
		AverageWindow:  hc.AverageWindow,
		SampleCapacity: hc.SampleCapacity,
	}
}

// Option 心跳选项
type Option func(*Heartbeat)

// WithClock 注入时钟
func WithClock(clk clock.Clock) Option {
	return func(h *Heartbeat) {
		if clk != nil {
			h.clk = clk
		}
	}
}

// WithMonitor 关联在线状态监控器
func WithMonitor(m *netmon.Monitor) Option {
	return func(h *Heartbeat) {
		h.monitor = m
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Heartbeat) {
		h.metrics = m
	}
}

// ============================================================================
//                              Heartbeat
// ============================================================================

// Heartbeat 周期 Ping 并估计连接质量
type Heartbeat struct {
	cfg     Config
	clk     clock.Clock
	send    Sender
	monitor *netmon.Monitor
	metrics *metrics.Metrics

	mu           sync.Mutex
	ring         *sampleRing
	outstanding  map[string]time.Time
	tier         types.QualityTier
	failCount    int
	totalPings   int
	successCount int
	lastRTT      time.Duration
	minRTT       time.Duration
	maxRTT       time.Duration
	lastSeen     time.Time

	listenersMu sync.RWMutex
	listeners   []TierListener

	task *ticktask.Task
}

// New 创建心跳
func New(cfg Config, send Sender, opts ...Option) *Heartbeat {
	h := &Heartbeat{
		cfg:         cfg,
		clk:         clock.New(),
		send:        send,
		outstanding: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.cfg.FailThreshold <= 0 {
		h.cfg.FailThreshold = 3
	}
	if h.cfg.AverageWindow <= 0 {
		h.cfg.AverageWindow = 10
	}
	if h.cfg.SampleCapacity < h.cfg.AverageWindow {
		h.cfg.SampleCapacity = 100
	}
	h.ring = newSampleRing(h.cfg.SampleCapacity)
	h.task = ticktask.New("heartbeat", h.cfg.Interval, h.clk, h.tick)
	return h
}

// OnTierChange 注册质量等级变更回调
func (h *Heartbeat) OnTierChange(fn TierListener) {
	if fn == nil {
		return
	}
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Start 启动周期心跳
func (h *Heartbeat) Start(ctx context.Context) {
	h.task.Start(ctx)
}

// Stop 停止周期心跳
func (h *Heartbeat) Stop() {
	h.task.Stop()
}

// tick 先结算超时再发出新的 Ping
func (h *Heartbeat) tick(ctx context.Context) {
	h.CheckTimeouts(h.clk.Now())
	if _, err := h.Ping(ctx); err != nil {
		logger.Debug("发送心跳失败", "error", err)
	}
}

// Ping 发送一次心跳，返回 Ping ID
func (h *Heartbeat) Ping(ctx context.Context) (string, error) {
	if h.send == nil {
		return "", types.NewError(types.KindTransport, "no sender", nil)
	}

	id := uuid.New().String()
	now := h.clk.Now()

	h.mu.Lock()
	h.outstanding[id] = now
	h.totalPings++
	h.mu.Unlock()

	if err := h.send(ctx, protocol.New(now, &protocol.Ping{ID: id})); err != nil {
		h.mu.Lock()
		delete(h.outstanding, id)
		h.mu.Unlock()
		h.recordFailure("send")
		return "", err
	}
	return id, nil
}

// HandlePong 关联 Pong 并记录 RTT
//
// 未知或已超时的 Pong 返回 false。
func (h *Heartbeat) HandlePong(pong *protocol.Pong, now time.Time) (time.Duration, bool) {
	if pong == nil {
		return 0, false
	}
	h.mu.Lock()
	sentAt, ok := h.outstanding[pong.ID]
	if ok {
		delete(h.outstanding, pong.ID)
	}
	h.mu.Unlock()
	if !ok {
		logger.Debug("忽略未知 Pong", "id", log.TruncateID(pong.ID, 8))
		return 0, false
	}

	rtt := now.Sub(sentAt)
	if rtt < 0 {
		rtt = 0
	}
	h.Record(rtt, now)
	return rtt, true
}

// Record 记录一个 RTT 样本并重新计算质量等级
func (h *Heartbeat) Record(rtt time.Duration, at time.Time) {
	h.mu.Lock()
	h.ring.push(Sample{RTT: rtt, At: at})
	h.successCount++
	h.failCount = 0
	h.lastRTT = rtt
	h.lastSeen = at
	if h.minRTT == 0 || rtt < h.minRTT {
		h.minRTT = rtt
	}
	if rtt > h.maxRTT {
		h.maxRTT = rtt
	}
	prev := h.tier
	next := types.ClassifyRTT(h.ring.average(h.cfg.AverageWindow))
	h.tier = next
	h.mu.Unlock()

	h.metrics.ObserveRTT(rtt)
	h.metrics.QualityTier(next)
	if h.monitor != nil {
		h.monitor.ReportSuccess(netmon.ReasonHeartbeat)
	}
	if prev != next {
		logger.Debug("连接质量变化", "from", prev, "to", next)
		h.emit(prev, next)
	}
}

// CheckTimeouts 结算超过 Timeout 未收到 Pong 的 Ping，返回超时数量
func (h *Heartbeat) CheckTimeouts(now time.Time) int {
	h.mu.Lock()
	expired := 0
	for id, sentAt := range h.outstanding {
		if now.Sub(sentAt) >= h.cfg.Timeout {
			delete(h.outstanding, id)
			expired++
		}
	}
	h.mu.Unlock()

	for i := 0; i < expired; i++ {
		h.recordFailure("timeout")
	}
	return expired
}

// recordFailure 记录一次失败，连续失败交给 netmon 判定离线
func (h *Heartbeat) recordFailure(reason string) {
	h.mu.Lock()
	h.failCount++
	failCount := h.failCount
	h.mu.Unlock()

	if failCount >= h.cfg.FailThreshold {
		logger.Warn("心跳连续失败", "reason", reason, "consecutive", failCount)
	}
	if h.monitor != nil {
		h.monitor.ReportFailure(netmon.ReasonHeartbeat)
	}
}

func (h *Heartbeat) emit(prev, next types.QualityTier) {
	h.listenersMu.RLock()
	listeners := h.listeners
	h.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(prev, next)
	}
}

// Tier 当前质量等级
func (h *Heartbeat) Tier() types.QualityTier {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tier
}

// Outstanding 等待 Pong 的 Ping 数
func (h *Heartbeat) Outstanding() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.outstanding)
}

// Samples 返回最近 n 个样本（从旧到新）
func (h *Heartbeat) Samples(n int) []Sample {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ring.last(n)
}

// Quality 返回连接质量快照
func (h *Heartbeat) Quality() Quality {
	h.mu.Lock()
	defer h.mu.Unlock()

	q := Quality{
		Tier:         h.tier,
		Average:      h.ring.average(h.cfg.AverageWindow),
		LastRTT:      h.lastRTT,
		MinRTT:       h.minRTT,
		MaxRTT:       h.maxRTT,
		Samples:      h.ring.len(),
		FailCount:    h.failCount,
		TotalPings:   h.totalPings,
		SuccessCount: h.successCount,
		LastSeen:     h.lastSeen,
	}
	if h.totalPings > 0 {
		q.SuccessRate = float64(h.successCount) / float64(h.totalPings)
		if q.SuccessRate > 1 {
			q.SuccessRate = 1
		}
	}
	return q
}
