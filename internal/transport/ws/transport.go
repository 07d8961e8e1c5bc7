// Package ws 基于 gorilla/websocket 的中继传输
//
// 客户端连接 <URL>?user=<用户>&device=<设备>，每个 WebSocket 文本帧承载
// 一个 JSON 信封。连接断开后后台按指数退避重连，状态变化通过
// OnStateChange 回调通知（投递协议据此切换在线状态并刷新队列）。
package ws

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/dep2p/go-msgsync/config"
	"github.com/dep2p/go-msgsync/internal/core/metrics"
	"github.com/dep2p/go-msgsync/internal/protocol/queue"
	"github.com/dep2p/go-msgsync/pkg/interfaces"
	"github.com/dep2p/go-msgsync/pkg/lib/log"
	"github.com/dep2p/go-msgsync/pkg/protocol"
	"github.com/dep2p/go-msgsync/pkg/types"
)

var logger = log.Logger("transport/ws")

var (
	// ErrNotConnected 当前没有可用连接
	ErrNotConnected = types.NewError(types.KindTransport, "not connected", nil)

	// ErrClosed 传输已关闭
	ErrClosed = types.NewError(types.KindClosed, "transport closed", nil)
)

// Config WebSocket 传输配置
type Config struct {
	// URL 中继地址，例如 ws://127.0.0.1:7300/v1/ws
	URL      string
	UserID   string
	DeviceID string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PingInterval WebSocket 层保活间隔，读超时为其两倍
	PingInterval time.Duration

	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     25 * time.Second,
		ReconnectBase:    500 * time.Millisecond,
		ReconnectMax:     30 * time.Second,
	}
}

// ConfigFromUnified 从统一配置创建
func ConfigFromUnified(cfg *config.Config) Config {
	c := DefaultConfig()
	if cfg == nil {
		return c
	}
	c.URL = cfg.Relay.URL
	c.UserID = cfg.Identity.UserID
	c.DeviceID = cfg.Identity.DeviceID
	if d := cfg.Relay.ReconnectBackoffMax.Std(); d > 0 {
		c.ReconnectMax = d
	}
	return c
}

// Endpoint 拼接带身份参数的连接地址
func (c Config) Endpoint() (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("relay url scheme %q: want ws or wss", u.Scheme)
	}
	q := u.Query()
	q.Set("user", c.UserID)
	q.Set("device", c.DeviceID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Transport WebSocket 客户端传输
type Transport struct {
	cfg      Config
	endpoint string
	dialer   *websocket.Dialer
	backoff  queue.Backoff
	clk      clock.Clock
	reporter metrics.Reporter

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	onMsg   func([]byte)
	onState []func(bool)

	writeMu sync.Mutex

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ interfaces.Transport = (*Transport)(nil)

// Option 传输选项
type Option func(*Transport)

// WithClock 设置重连退避使用的时钟
func WithClock(clk clock.Clock) Option {
	return func(t *Transport) {
		if clk != nil {
			t.clk = clk
		}
	}
}

// WithReporter 记录收发字节
func WithReporter(r metrics.Reporter) Option {
	return func(t *Transport) {
		t.reporter = r
	}
}

// WithDialer 自定义拨号器（TLS、代理）
func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) {
		if d != nil {
			t.dialer = d
		}
	}
}

// New 创建传输，调用 Start 后开始连接
func New(cfg Config, opts ...Option) (*Transport, error) {
	if err := types.ValidateIdentifier("userId", cfg.UserID); err != nil {
		return nil, err
	}
	if err := types.ValidateIdentifier("deviceId", cfg.DeviceID); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = def.ReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = def.ReconnectMax
	}
	endpoint, err := cfg.Endpoint()
	if err != nil {
		return nil, types.NewError(types.KindValidation, "relay url", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:      cfg,
		endpoint: endpoint,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		backoff:  queue.Backoff{Base: cfg.ReconnectBase, Max: cfg.ReconnectMax},
		clk:      clock.New(),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Start 启动后台连接维护
func (t *Transport) Start() {
	t.wg.Add(1)
	go t.maintain()
}

// maintain 连接、读取、断开后退避重连，直到关闭
func (t *Transport) maintain() {
	defer t.wg.Done()

	attempt := 0
	for t.ctx.Err() == nil {
		conn, err := t.dial()
		if err != nil {
			attempt++
			delay := t.backoff.Delay(attempt)
			logger.Debug("连接中继失败，等待重连", "attempt", attempt, "delay", delay, "error", err)
			if !t.sleep(delay) {
				return
			}
			continue
		}
		attempt = 0
		t.setConn(conn)
		logger.Info("已连接中继", "endpoint", t.cfg.URL, "device", t.cfg.DeviceID)

		t.serve(conn)

		t.clearConn(conn)
		logger.Info("中继连接断开", "device", t.cfg.DeviceID)
	}
}

func (t *Transport) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.HandshakeTimeout)
	defer cancel()
	conn, _, err := t.dialer.DialContext(ctx, t.endpoint, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(protocol.MaxPayloadSize * 2)
	return conn, nil
}

// sleep 等待重连延迟，Reconnect 可提前唤醒，关闭时返回 false
func (t *Transport) sleep(d time.Duration) bool {
	timer := t.clk.Timer(d)
	defer timer.Stop()
	select {
	case <-t.ctx.Done():
		return false
	case <-t.wake:
		return true
	case <-timer.C:
		return true
	}
}

// serve 读循环与保活，连接出错时返回
func (t *Transport) serve(conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)

	if t.cfg.PingInterval > 0 {
		readTimeout := 2 * t.cfg.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
		go t.keepalive(conn, done)
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && t.ctx.Err() == nil {
				logger.Debug("读取失败", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if t.reporter != nil {
			t.reporter.LogRecvMessage(int64(len(data)))
		}
		t.mu.Lock()
		h := t.onMsg
		t.mu.Unlock()
		if h != nil {
			h(data)
		}
	}
}

func (t *Transport) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (t *Transport) setConn(conn *websocket.Conn) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.conn = conn
	t.mu.Unlock()
	t.notify(true)
}

func (t *Transport) clearConn(conn *websocket.Conn) {
	t.mu.Lock()
	wasCurrent := t.conn == conn
	if wasCurrent {
		t.conn = nil
	}
	t.mu.Unlock()
	_ = conn.Close()
	if wasCurrent {
		t.notify(false)
	}
}

func (t *Transport) notify(connected bool) {
	t.mu.Lock()
	handlers := append([]func(bool)(nil), t.onState...)
	t.mu.Unlock()
	for _, h := range handlers {
		h(connected)
	}
}

// Send 实现 interfaces.Transport
func (t *Transport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	_ = conn.SetWriteDeadline(deadline)
	err := conn.WriteMessage(websocket.TextMessage, data)
	t.writeMu.Unlock()
	if err != nil {
		// 关闭连接让读循环退出并触发重连
		_ = conn.Close()
		return types.NewError(types.KindTransport, "write", err)
	}
	if t.reporter != nil {
		t.reporter.LogSentMessage(int64(len(data)))
	}
	return nil
}

// OnMessage 实现 interfaces.Transport
func (t *Transport) OnMessage(handler func(data []byte)) {
	t.mu.Lock()
	t.onMsg = handler
	t.mu.Unlock()
}

// Connected 实现 interfaces.Transport
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Reconnect 实现 interfaces.Transport
//
// 已连接时断开当前连接重新拨号；未连接时跳过剩余的退避等待。
func (t *Transport) Reconnect(_ context.Context) error {
	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn != nil {
		return conn.Close()
	}
	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

// OnStateChange 实现 interfaces.Transport
func (t *Transport) OnStateChange(handler func(connected bool)) {
	t.mu.Lock()
	t.onState = append(t.onState, handler)
	t.mu.Unlock()
}

// Close 实现 interfaces.Transport
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	t.cancel()
	if conn != nil {
		t.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		_ = conn.Close()
	}
	t.wg.Wait()
	return nil
}
