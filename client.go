package msgsync

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/multierr"

	"github.com/dep2p/go-msgsync/config"
	"github.com/dep2p/go-msgsync/internal/core/netmon"
	"github.com/dep2p/go-msgsync/internal/core/reconcile"
	"github.com/dep2p/go-msgsync/internal/protocol/delivery"
	"github.com/dep2p/go-msgsync/internal/protocol/heartbeat"
	"github.com/dep2p/go-msgsync/internal/protocol/queue"
	"github.com/dep2p/go-msgsync/pkg/interfaces"
	"github.com/dep2p/go-msgsync/pkg/lib/log"
	"github.com/dep2p/go-msgsync/pkg/protocol"
	"github.com/dep2p/go-msgsync/pkg/types"
)

var logger = log.Logger("msgsync")

// stopTimeout Close 等待各组件停止的上限
const stopTimeout = 15 * time.Second

// ════════════════════════════════════════════════════════════════════════════
//                              类型别名
// ════════════════════════════════════════════════════════════════════════════

type (
	// OutboundMessage 待发送消息
	OutboundMessage = delivery.OutboundMessage

	// Message 交给处理器的入站消息
	Message = delivery.Message

	// Handler 入站消息处理器
	Handler = delivery.Handler

	// SendOption 单次发送选项
	SendOption = delivery.SendOption

	// Receipt 投递回执
	Receipt = types.DeliveryReceipt

	// StoredMessage 中继持久化的会话消息
	StoredMessage = types.StoredMessage

	// Applier 追赶时按序应用一条消息
	Applier = reconcile.Applier

	// CatchUpResult 一次追赶的结果
	CatchUpResult = reconcile.Result

	// Quality 连接质量快照
	Quality = heartbeat.Quality

	// QualityTier 连接质量等级
	QualityTier = types.QualityTier

	// QueueStats 队列统计
	QueueStats = queue.Stats
)

// WithCompletion 消息进入终态时恰好调用一次
func WithCompletion(fn func(Receipt)) SendOption {
	return delivery.WithCompletion(fn)
}

// ════════════════════════════════════════════════════════════════════════════
//                              Client
// ════════════════════════════════════════════════════════════════════════════

// Client 消息同步客户端
type Client struct {
	cfg  *config.Config
	app  *fx.App
	rt   *runtime
	comp components

	crypto interfaces.Crypto
	keys   interfaces.KeyResolver

	mu      sync.Mutex
	started bool
	closed  bool
}

// New 创建客户端（未启动）
//
// 必须通过 WithIdentity 或配置提供用户与设备 ID。
func New(opts ...Option) (*Client, error) {
	o := newOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	cfg := o.toConfig()
	if err := types.ValidateIdentifier("userId", cfg.Identity.UserID); err != nil {
		return nil, err
	}
	if err := types.ValidateIdentifier("deviceId", cfg.Identity.DeviceID); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	c := &Client{cfg: cfg, rt: newRuntime(), crypto: o.crypto, keys: o.keys}
	app, err := buildFxApp(o, cfg, c)
	if err != nil {
		c.rt.cancel()
		return nil, fmt.Errorf("build fx app: %w", err)
	}
	c.app = app
	return c, nil
}

// Start 快捷启动函数，等价于 New() + Start()
func Start(ctx context.Context, opts ...Option) (*Client, error) {
	c, err := New(opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("start client: %w", err)
	}
	return c, nil
}

// Start 启动存储、队列、传输、投递与心跳
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}
	if err := c.app.Start(ctx); err != nil {
		return err
	}
	c.started = true
	logger.Info("客户端已启动",
		"user", c.cfg.Identity.UserID,
		"device", log.TruncateID(c.cfg.Identity.DeviceID, 8),
		"relay", c.cfg.Relay.URL)
	return nil
}

// Close 停止所有周期任务并关闭组件
//
// 在途消息保留在持久化队列中，下次启动后继续投递。
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	c.mu.Unlock()

	var err error
	if started {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		err = multierr.Append(err, c.app.Stop(ctx))
		cancel()
	}
	c.rt.cancel()
	logger.Info("客户端已关闭", "user", c.cfg.Identity.UserID)
	return err
}

func (c *Client) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return ErrClientClosed
	case !c.started:
		return ErrNotStarted
	}
	return nil
}

// ════════════════════════════════════════════════════════════════════════════
//                              基本信息
// ════════════════════════════════════════════════════════════════════════════

// UserID 本地用户 ID
func (c *Client) UserID() string {
	return c.cfg.Identity.UserID
}

// DeviceID 本地设备 ID
func (c *Client) DeviceID() string {
	return c.cfg.Identity.DeviceID
}

// Config 生效的配置（只读）
func (c *Client) Config() *config.Config {
	return c.cfg
}

// ════════════════════════════════════════════════════════════════════════════
//                              发送与接收
// ════════════════════════════════════════════════════════════════════════════

// Send 入队消息并在在线时立即发送，返回消息 ID
//
// 离线时消息留在队列中，恢复在线后自动发送。配置了加解密能力时
// Payload 为明文，按会话密钥加密后入队。
func (c *Client) Send(ctx context.Context, out OutboundMessage, opts ...SendOption) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	return c.comp.Delivery.Send(ctx, out, opts...)
}

// SendAndWait 发送并等待最终回执
//
// ctx 结束时返回 ctx 的错误，消息仍留在队列中继续投递。
func (c *Client) SendAndWait(ctx context.Context, out OutboundMessage) (Receipt, error) {
	done := make(chan Receipt, 1)
	if _, err := c.Send(ctx, out, WithCompletion(func(r Receipt) {
		done <- r
	})); err != nil {
		return Receipt{}, err
	}
	select {
	case r := <-done:
		return r, nil
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	}
}

// Handle 注册会话处理器
func (c *Client) Handle(conversationID string, h Handler) {
	c.comp.Delivery.Registry().Handle(conversationID, h)
}

// HandleDirect 注册与 peer 的一对一会话处理器
func (c *Client) HandleDirect(peerID string, h Handler) {
	c.Handle(protocol.DirectConversation(c.UserID(), peerID), h)
}

// HandleDefault 注册兜底处理器，处理没有专属处理器的会话
func (c *Client) HandleDefault(h Handler) {
	c.comp.Delivery.Registry().SetDefault(h)
}

// Ack 手动确认入站消息（AutoAck 关闭时使用）
func (c *Client) Ack(ctx context.Context, messageID string, status types.ReceiptStatus, detail string) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.comp.Delivery.Ack(ctx, messageID, status, detail)
}

// OnReceipt 注册全局回执回调
func (c *Client) OnReceipt(fn func(Receipt)) {
	c.comp.Delivery.OnReceipt(fn)
}

// Flush 立即发送队列中就绪的消息，返回交给传输的数量
func (c *Client) Flush(ctx context.Context) int {
	if c.ready() != nil {
		return 0
	}
	return c.comp.Delivery.Flush(ctx)
}

// ════════════════════════════════════════════════════════════════════════════
//                              在线状态与连接质量
// ════════════════════════════════════════════════════════════════════════════

// SetOnline 显式设置在线状态，切到在线时立即刷新离线队列
func (c *Client) SetOnline(online bool) {
	c.comp.Monitor.SetOnline(online, netmon.ReasonManual)
}

// Online 当前是否在线
func (c *Client) Online() bool {
	return c.comp.Monitor.Online()
}

// Connected 传输是否已连接
func (c *Client) Connected() bool {
	return c.comp.Transport.Connected()
}

// Reconnect 触发传输重连
func (c *Client) Reconnect(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.comp.Transport.Reconnect(ctx)
}

// Quality 连接质量快照
func (c *Client) Quality() Quality {
	return c.comp.Heartbeat.Quality()
}

// OnQualityChange 注册质量等级变更回调
func (c *Client) OnQualityChange(fn func(prev, next QualityTier)) {
	c.comp.Heartbeat.OnTierChange(fn)
}

// ════════════════════════════════════════════════════════════════════════════
//                              多设备追赶
// ════════════════════════════════════════════════════════════════════════════

// CatchUp 从本地同步指针开始按序追赶一个会话
func (c *Client) CatchUp(ctx context.Context, conversationID string, apply Applier) (CatchUpResult, error) {
	if err := c.ready(); err != nil {
		return CatchUpResult{}, err
	}
	if c.comp.CatchUp == nil {
		return CatchUpResult{}, ErrNoSyncSource
	}
	return c.comp.CatchUp.Run(ctx, conversationID, apply)
}

// Decrypt 解密追赶得到的消息负载，未配置加解密能力时原样返回
func (c *Client) Decrypt(conversationID string, ciphertext []byte) ([]byte, error) {
	if c.crypto == nil {
		return ciphertext, nil
	}
	key, err := c.keys.KeyFor(conversationID)
	if err != nil {
		return nil, types.NewError(types.KindCrypto, "resolve key", err)
	}
	return c.crypto.Decrypt(ciphertext, key)
}

// SyncPointer 会话的本地同步指针
func (c *Client) SyncPointer(conversationID string) (reconcile.Pointer, error) {
	if c.comp.CatchUp == nil {
		return reconcile.Pointer{}, ErrNoSyncSource
	}
	return c.comp.CatchUp.Pointer(conversationID)
}

// ════════════════════════════════════════════════════════════════════════════
//                              观测
// ════════════════════════════════════════════════════════════════════════════

// QueueStats 离线队列统计
func (c *Client) QueueStats() QueueStats {
	return c.comp.Queue.Stats()
}

// Pending 等待 ACK 的消息
func (c *Client) Pending() []delivery.PendingInfo {
	return c.comp.Delivery.Pending()
}

// Registry 客户端指标注册表
func (c *Client) Registry() *prometheus.Registry {
	return c.comp.Metrics.Registry()
}

// MetricsHandler Prometheus 指标 HTTP 处理器
func (c *Client) MetricsHandler() http.Handler {
	return c.comp.Metrics.Handler()
}
