package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/dep2p/go-msgsync/internal/core/metrics"
	"github.com/dep2p/go-msgsync/internal/core/netmon"
	"github.com/dep2p/go-msgsync/internal/protocol/queue"
	"github.com/dep2p/go-msgsync/internal/util/ticktask"
	"github.com/dep2p/go-msgsync/pkg/interfaces"
	"github.com/dep2p/go-msgsync/pkg/lib/log"
	"github.com/dep2p/go-msgsync/pkg/protocol"
	"github.com/dep2p/go-msgsync/pkg/types"
)

var logger = log.Logger("protocol/delivery")

// OutboundMessage 待发送消息
type OutboundMessage struct {
	// ID 可空，发送时生成
	ID string

	// ConversationID 可空，默认为与 RecipientID 的一对一会话
	ConversationID string

	RecipientID string

	// Payload 配置了加解密能力时为明文，否则按密文原样发送
	Payload []byte

	Signature []byte

	// TTL 0 表示不过期
	TTL time.Duration

	// High 显式高优先级
	High bool
}

// PongHandler 心跳响应处理
type PongHandler func(pong *protocol.Pong, now time.Time)

// ============================================================================
//                              Protocol
// ============================================================================

// Protocol 投递协议
type Protocol struct {
	cfg        Config
	clk        clock.Clock
	localID    string
	transport  interfaces.Transport
	queue      *queue.MessageQueue
	monitor    *netmon.Monitor
	metrics    *metrics.Metrics
	crypto     interfaces.Crypto
	keys       interfaces.KeyResolver
	registry   *Registry
	dedup      *lru.Cache[string, struct{}]
	ackBackoff queue.Backoff

	mu          sync.Mutex
	pending     map[string]*pendingAck
	completions map[string]Completion
	onPong      PongHandler

	receiptMu sync.RWMutex
	receipts  []Completion

	ctxMu  sync.RWMutex
	runCtx context.Context

	// flushReqs 刷新请求计数；flushDone 已被某轮刷新覆盖的最大请求号
	flights   singleflight.Group
	flushReqs atomic.Uint64
	flushDone atomic.Uint64

	tasks ticktask.Group
}

// New 创建投递协议
//
// 构造时向 transport 注册接收与连接状态回调，向队列注册状态回调。
func New(cfg Config, tr interfaces.Transport, q *queue.MessageQueue, opts ...Option) (*Protocol, error) {
	if tr == nil {
		return nil, ErrNilTransport
	}
	if q == nil {
		return nil, ErrNilQueue
	}

	p := &Protocol{
		cfg:         cfg,
		clk:         clock.New(),
		transport:   tr,
		queue:       q,
		registry:    NewRegistry(),
		pending:     make(map[string]*pendingAck),
		completions: make(map[string]Completion),
		runCtx:      context.Background(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.localID != "" {
		if err := types.ValidateIdentifier("localId", p.localID); err != nil {
			return nil, err
		}
	}
	if p.cfg.MessageTimeout <= 0 {
		p.cfg.MessageTimeout = 10 * time.Second
	}
	if p.cfg.MaxAckWindow < p.cfg.MessageTimeout {
		p.cfg.MaxAckWindow = p.cfg.MessageTimeout
	}
	if p.cfg.DedupCacheSize <= 0 {
		p.cfg.DedupCacheSize = 4096
	}
	p.ackBackoff = queue.Backoff{Base: p.cfg.MessageTimeout, Max: p.cfg.MaxAckWindow}

	dedup, err := lru.New[string, struct{}](p.cfg.DedupCacheSize)
	if err != nil {
		return nil, err
	}
	p.dedup = dedup

	if p.monitor == nil {
		p.monitor = netmon.NewMonitor(netmon.WithClock(p.clk), netmon.WithInitialOnline(tr.Connected()))
	}
	p.monitor.OnChange(p.onNetworkChange)
	q.OnStatusChange(p.onQueueChange)

	tr.OnMessage(func(data []byte) {
		if err := p.HandleIncoming(p.context(), data); err != nil {
			logger.Debug("入站信封处理失败", "error", err)
		}
	})
	tr.OnStateChange(func(connected bool) {
		p.monitor.SetOnline(connected, netmon.ReasonTransport)
	})

	p.tasks.Add(
		ticktask.New("delivery-flush", p.cfg.FlushInterval, p.clk, func(ctx context.Context) {
			p.Flush(ctx)
		}),
		ticktask.New("delivery-ack-timeout", p.cfg.TimeoutScanInterval, p.clk, func(ctx context.Context) {
			p.CheckTimeouts(ctx, p.clk.Now())
		}),
	)
	return p, nil
}

// Registry 处理器注册表
func (p *Protocol) Registry() *Registry {
	return p.registry
}

// Monitor 在线状态监控器
func (p *Protocol) Monitor() *netmon.Monitor {
	return p.monitor
}

// Queue 发送队列
func (p *Protocol) Queue() *queue.MessageQueue {
	return p.queue
}

// SetPongHandler 设置 Pong 处理，通常为心跳
func (p *Protocol) SetPongHandler(h PongHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onPong = h
}

// OnReceipt 注册全局回执回调，每条消息进入终态时调用一次
func (p *Protocol) OnReceipt(fn Completion) {
	if fn == nil {
		return
	}
	p.receiptMu.Lock()
	defer p.receiptMu.Unlock()
	p.receipts = append(p.receipts, fn)
}

// Start 启动周期刷新与 ACK 超时扫描
func (p *Protocol) Start(ctx context.Context) {
	p.ctxMu.Lock()
	p.runCtx = ctx
	p.ctxMu.Unlock()

	p.tasks.Start(ctx)
	if p.monitor.Online() {
		p.Flush(ctx)
	}
}

// Stop 停止周期任务，在途消息保留在队列中
func (p *Protocol) Stop() {
	p.tasks.Stop()
}

func (p *Protocol) context() context.Context {
	p.ctxMu.RLock()
	defer p.ctxMu.RUnlock()
	return p.runCtx
}

// ============================================================================
//                              发送
// ============================================================================

// Send 入队消息，在线时立即刷新
//
// 返回消息 ID。离线时消息留在队列中，恢复在线后自动发送。
func (p *Protocol) Send(ctx context.Context, out OutboundMessage, opts ...SendOption) (string, error) {
	var so sendOptions
	for _, opt := range opts {
		opt(&so)
	}

	if err := types.ValidateIdentifier("senderId", p.localID); err != nil {
		return "", err
	}
	if err := types.ValidateIdentifier("recipientId", out.RecipientID); err != nil {
		return "", err
	}
	conv := out.ConversationID
	if conv == "" {
		conv = protocol.DirectConversation(p.localID, out.RecipientID)
	}

	ciphertext := out.Payload
	if p.crypto != nil && p.keys != nil {
		key, err := p.keys.KeyFor(conv)
		if err != nil {
			return "", types.NewError(types.KindCrypto, "resolve key", err)
		}
		ciphertext, err = p.crypto.Encrypt(out.Payload, key)
		if err != nil {
			return "", types.NewError(types.KindCrypto, "encrypt", err)
		}
	}

	id := out.ID
	if id == "" {
		id = types.NewMessageID()
	}

	// 同一 ID 重复发送时追加完成回调，终态时依次调用
	var prev Completion
	if so.completion != nil {
		p.mu.Lock()
		prev = p.completions[id]
		p.completions[id] = chainCompletion(prev, so.completion)
		p.mu.Unlock()
	}

	entry, err := p.queue.Enqueue(&queue.QueuedMessage{
		ID:          id,
		SessionID:   conv,
		SenderID:    p.localID,
		RecipientID: out.RecipientID,
		Ciphertext:  ciphertext,
		Signature:   out.Signature,
		TTL:         out.TTL,
		High:        out.High,
	})
	if err != nil {
		if so.completion != nil {
			p.mu.Lock()
			if prev != nil {
				p.completions[id] = prev
			} else {
				delete(p.completions, id)
			}
			p.mu.Unlock()
		}
		return "", err
	}

	if p.monitor.Online() {
		p.Flush(ctx)
	}
	return entry.ID, nil
}

// Flush 在线时按队列顺序发送所有就绪消息，返回成功交给传输的数量
//
// 并发调用合并为一次执行。刷新进行中到达的请求由执行者再跑一轮，
// 返回前保证有一轮在本次请求之后取过就绪消息。
func (p *Protocol) Flush(ctx context.Context) int {
	req := p.flushReqs.Add(1)
	total := 0
	for p.flushDone.Load() < req {
		if ctx.Err() != nil || !p.monitor.Online() {
			break
		}
		v, _, _ := p.flights.Do("flush", func() (any, error) {
			return p.flushRounds(ctx), nil
		})
		n, _ := v.(int)
		total += n
	}
	return total
}

// flushRounds 反复刷新直到期间没有新请求
func (p *Protocol) flushRounds(ctx context.Context) int {
	sent := 0
	for {
		seen := p.flushReqs.Load()
		sent += p.flushOnce(ctx)
		p.flushDone.Store(seen)
		if ctx.Err() != nil || p.flushReqs.Load() == seen {
			return sent
		}
	}
}

func (p *Protocol) flushOnce(ctx context.Context) int {
	now := p.clk.Now()
	ready := p.queue.DequeueReady(now)
	sent := 0

	for _, m := range ready {
		if ctx.Err() != nil {
			break
		}
		if m.TTL > 0 && now.After(m.CreatedAt.Add(m.TTL)) {
			p.expireLocally(m, now)
			continue
		}

		env := protocol.New(now, &protocol.Chat{
			ID:               m.ID,
			SenderID:         m.SenderID,
			RecipientID:      m.RecipientID,
			ConversationID:   m.SessionID,
			Timestamp:        m.CreatedAt,
			EncryptedPayload: m.Ciphertext,
			TTL:              m.TTL,
			Signature:        m.Signature,
		})
		if err := p.SendEnvelope(ctx, env); err != nil {
			logger.Debug("发送失败，安排重试", "msgID", log.TruncateID(m.ID, 8), "error", err)
			if _, ferr := p.queue.MarkFailed(m.ID, types.NewError(types.KindTransport, "send", err)); ferr != nil {
				logger.Debug("标记失败出错", "msgID", log.TruncateID(m.ID, 8), "error", ferr)
			}
			continue
		}

		if err := p.queue.MarkSent(m.ID); err != nil {
			// 发送期间已被 ACK 或驱逐
			continue
		}
		p.trackSent(m.ID, now, m.Attempts+1)
		sent++
	}

	if sent > 0 {
		logger.Debug("队列刷新完成", "sent", sent, "ready", len(ready))
	}
	return sent
}

func chainCompletion(prev, next Completion) Completion {
	if prev == nil {
		return next
	}
	return func(r types.DeliveryReceipt) {
		prev(r)
		next(r)
	}
}

// expireLocally 发送前已过期的消息直接以 expired 终结
func (p *Protocol) expireLocally(m *queue.QueuedMessage, now time.Time) {
	if err := p.queue.MarkRejected(m.ID, types.ReceiptExpired, "expired before send"); err != nil {
		return
	}
	p.finish(m.ID, types.DeliveryReceipt{
		MessageID: m.ID,
		Status:    types.ReceiptExpired,
		Timestamp: now,
		Detail:    "expired before send",
		Err:       protocol.ErrExpired,
	})
}

// SendEnvelope 编码并发送单个信封
func (p *Protocol) SendEnvelope(ctx context.Context, env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := p.transport.Send(ctx, data); err != nil {
		return types.NewError(types.KindTransport, "transport send", err)
	}
	return nil
}

// CheckTimeouts 处理 ACK 窗口到期的消息，返回到期数量
//
// 未耗尽重试的消息在同一周期内重发。
func (p *Protocol) CheckTimeouts(ctx context.Context, now time.Time) int {
	ids := p.expired(now)
	if len(ids) == 0 {
		return 0
	}

	retry := false
	for _, id := range ids {
		terminal, err := p.queue.MarkTimedOut(id, ErrAckTimeout)
		if err != nil {
			continue
		}
		if !terminal {
			retry = true
		}
	}
	logger.Debug("ACK 超时", "count", len(ids))

	if retry {
		p.Flush(ctx)
	}
	return len(ids)
}

// ============================================================================
//                              终结
// ============================================================================

// finish 触发完成回调（恰好一次）和全局回执回调
func (p *Protocol) finish(id string, receipt types.DeliveryReceipt) {
	p.mu.Lock()
	done, ok := p.completions[id]
	delete(p.completions, id)
	delete(p.pending, id)
	p.mu.Unlock()

	p.metrics.DeliveryOutcome(receipt.Status, receipt.Latency)
	if ok {
		done(receipt)
	}

	p.receiptMu.RLock()
	listeners := p.receipts
	p.receiptMu.RUnlock()
	for _, fn := range listeners {
		fn(receipt)
	}
}

// onQueueChange 处理队列本地终结（重试耗尽、驱逐）
func (p *Protocol) onQueueChange(ch queue.StatusChange) {
	if ch.Message.Status != types.StatusFailed {
		return
	}
	switch types.KindOf(ch.Err) {
	case types.KindExhaustedRetries, types.KindCapacity:
	default:
		// 负面回执由 ACK 路径终结
		return
	}
	p.finish(ch.Message.ID, types.DeliveryReceipt{
		MessageID: ch.Message.ID,
		Status:    types.ReceiptFailed,
		Timestamp: p.clk.Now(),
		Detail:    ch.Message.LastError,
		Err:       ch.Err,
	})
}

// onNetworkChange 恢复在线时立即刷新
func (p *Protocol) onNetworkChange(ch netmon.Change) {
	p.metrics.Online(ch.Online)
	if !ch.Online {
		return
	}
	n := p.Flush(p.context())
	logger.Info("网络恢复，刷新离线队列", "reason", ch.Reason, "sent", n)
}

// sendAck 回复 ACK，失败只记录日志
func (p *Protocol) sendAck(ctx context.Context, ref string, status types.ReceiptStatus, detail string) {
	env := protocol.New(p.clk.Now(), &protocol.Ack{
		ID:           types.NewMessageID(),
		RefMessageID: ref,
		Status:       status,
		Detail:       detail,
	})
	if err := p.SendEnvelope(ctx, env); err != nil {
		logger.Debug("发送 ACK 失败", "ref", log.TruncateID(ref, 8), "status", status, "error", err)
	}
}
