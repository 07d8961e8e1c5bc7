// Package netmon 提供在线/离线状态机
//
// 状态来源：传输层连接回调、心跳连续失败、调用方显式设置。
// 任何来源把状态从离线切到在线时，注册的回调都会收到通知，
// 投递协议据此立即刷新离线队列，不等待周期刷新。
package netmon

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-msgsync/pkg/lib/log"
)

var logger = log.Logger("core/netmon")

// ============================================================================
//                              状态变更事件
// ============================================================================

// Change 在线状态变更
type Change struct {
	// Online 新状态
	Online bool

	// Reason 触发来源（transport / heartbeat / manual）
	Reason string

	// At 变更时间
	At time.Time
}

// 状态来源
const (
	ReasonTransport = "transport"
	ReasonHeartbeat = "heartbeat"
	ReasonManual    = "manual"
)

// ============================================================================
//                              Monitor
// ============================================================================

// Monitor 在线状态监控器
type Monitor struct {
	clk clock.Clock

	mu         sync.RWMutex
	online     bool
	lastChange time.Time
	failures   int
	threshold  int

	callbacksMu sync.RWMutex
	callbacks   []func(Change)
	closed      bool
}

// Option 监控器选项
type Option func(*Monitor)

// WithClock 注入时钟
func WithClock(clk clock.Clock) Option {
	return func(m *Monitor) {
		m.clk = clk
	}
}

// WithFailThreshold 连续失败多少次判定离线，默认 3
func WithFailThreshold(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.threshold = n
		}
	}
}

// WithInitialOnline 初始状态，默认离线
func WithInitialOnline(online bool) Option {
	return func(m *Monitor) {
		m.online = online
	}
}

// NewMonitor 创建监控器
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		clk:       clock.New(),
		threshold: 3,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.lastChange = m.clk.Now()
	return m
}

// Online 当前是否在线
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// LastChange 最后一次状态变更时间
func (m *Monitor) LastChange() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastChange
}

// SetOnline 设置在线状态，状态未变化时不通知
func (m *Monitor) SetOnline(online bool, reason string) {
	m.mu.Lock()
	if m.online == online {
		if online {
			m.failures = 0
		}
		m.mu.Unlock()
		return
	}
	m.online = online
	m.failures = 0
	m.lastChange = m.clk.Now()
	change := Change{Online: online, Reason: reason, At: m.lastChange}
	m.mu.Unlock()

	if online {
		logger.Info("网络恢复在线", "reason", reason)
	} else {
		logger.Warn("网络进入离线", "reason", reason)
	}
	m.notify(change)
}

// ReportFailure 记录一次探测失败，连续失败达到阈值时切到离线
//
// 返回是否因本次失败触发了离线。
func (m *Monitor) ReportFailure(reason string) bool {
	m.mu.Lock()
	m.failures++
	reached := m.online && m.failures >= m.threshold
	failures := m.failures
	m.mu.Unlock()

	logger.Debug("探测失败", "reason", reason, "consecutive", failures)
	if reached {
		m.SetOnline(false, reason)
	}
	return reached
}

// ReportSuccess 记录一次探测成功，清零失败计数并切到在线
func (m *Monitor) ReportSuccess(reason string) {
	m.SetOnline(true, reason)
}

// Failures 当前连续失败次数
func (m *Monitor) Failures() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failures
}

// ============================================================================
//                              回调
// ============================================================================

// OnChange 注册同步回调，在 SetOnline 的调用方 goroutine 中执行
//
// Close 之后注册的回调被忽略。
func (m *Monitor) OnChange(fn func(Change)) {
	if fn == nil {
		return
	}
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	if m.closed {
		return
	}
	m.callbacks = append(m.callbacks, fn)
}

// notify 依次调用所有回调
func (m *Monitor) notify(change Change) {
	m.callbacksMu.RLock()
	callbacks := m.callbacks
	m.callbacksMu.RUnlock()

	for _, fn := range callbacks {
		fn(change)
	}
}

// Close 注销所有回调，之后的状态变更只更新状态不再通知
func (m *Monitor) Close() {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.closed = true
	m.callbacks = nil
}
