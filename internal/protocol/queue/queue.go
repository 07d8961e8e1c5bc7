package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-msgsync/config"
	"github.com/dep2p/go-msgsync/internal/core/metrics"
	"github.com/dep2p/go-msgsync/internal/util/ticktask"
	"github.com/dep2p/go-msgsync/pkg/interfaces"
	"github.com/dep2p/go-msgsync/pkg/lib/log"
	"github.com/dep2p/go-msgsync/pkg/protocol"
	"github.com/dep2p/go-msgsync/pkg/types"
)

var logger = log.Logger("protocol/queue")

// ============================================================================
//                              MessageQueue
// ============================================================================

// MessageQueue 离线发送队列
type MessageQueue struct {
	cfg     Config
	clk     clock.Clock
	storage interfaces.Storage
	metrics *metrics.Metrics

	mu       sync.RWMutex
	entries  map[string]*QueuedMessage
	sessions map[string]map[string]*QueuedMessage
	dirty    map[string]struct{}
	nextSeq  uint64

	totalEnqueued  int64
	totalDelivered int64
	totalFailed    int64
	totalEvicted   int64
	totalRetries   int64

	listenersMu sync.RWMutex
	listeners   []Listener

	// persistMu 串行化会话快照的读取与写入，保证最后写入的是最新状态
	persistMu sync.Mutex

	resync *ticktask.Task
}

// New 创建消息队列
func New(cfg Config, opts ...Option) *MessageQueue {
	q := &MessageQueue{
		cfg:      cfg,
		clk:      clock.New(),
		entries:  make(map[string]*QueuedMessage),
		sessions: make(map[string]map[string]*QueuedMessage),
		dirty:    make(map[string]struct{}),
		nextSeq:  1,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.cfg.MaxPerSession <= 0 {
		q.cfg.MaxPerSession = 500
	}
	if q.cfg.MaxRetries <= 0 {
		q.cfg.MaxRetries = 3
	}
	if q.cfg.Backoff.Base <= 0 {
		q.cfg.Backoff = DefaultBackoff()
	}
	if q.cfg.OverflowPolicy == "" {
		q.cfg.OverflowPolicy = config.OverflowEvictLowestPriority
	}
	q.resync = ticktask.New("queue-resync", q.cfg.ResyncInterval, q.clk, func(context.Context) {
		q.Resync()
	})
	return q
}

// Config 返回队列配置
func (q *MessageQueue) Config() Config {
	return q.cfg
}

// OnStatusChange 注册状态变更回调
//
// 回调在触发变更的调用方 goroutine 中、队列锁释放之后执行。
func (q *MessageQueue) OnStatusChange(l Listener) {
	if l == nil {
		return
	}
	q.listenersMu.Lock()
	defer q.listenersMu.Unlock()
	q.listeners = append(q.listeners, l)
}

// Start 启动周期全量同步
func (q *MessageQueue) Start(ctx context.Context) {
	if q.storage == nil || q.cfg.ResyncInterval <= 0 {
		return
	}
	q.resync.Start(ctx)
}

// Stop 停止周期同步并做最后一次同步
func (q *MessageQueue) Stop() {
	q.resync.Stop()
	q.Resync()
}

// ============================================================================
//                              入队
// ============================================================================

// Enqueue 入队消息
//
// 相同 ID 的消息已在队列中时返回已有条目（幂等）。
// 返回值是队列内部条目的副本。
func (q *MessageQueue) Enqueue(msg *QueuedMessage) (*QueuedMessage, error) {
	if msg == nil {
		return nil, ErrInvalidMessage
	}
	if err := validate(msg); err != nil {
		return nil, err
	}

	now := q.clk.Now()
	entry := msg.Clone()
	if entry.ID == "" {
		entry.ID = types.NewMessageID()
	}

	q.mu.Lock()
	if existing, ok := q.entries[entry.ID]; ok {
		out := existing.Clone()
		q.mu.Unlock()
		logger.Debug("重复入队，返回已有条目", "msgID", log.TruncateID(entry.ID, 8))
		return out, nil
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.QueuedAt = now
	entry.NextRetryAt = now
	entry.Status = types.StatusQueued
	entry.RetryCount = 0
	entry.Attempts = 0
	entry.LastError = ""
	entry.Priority = q.basePriority(entry)

	var events []StatusChange
	if len(q.sessions[entry.SessionID]) >= q.cfg.MaxPerSession {
		victim, err := q.pickVictimLocked(entry, now)
		if err != nil {
			q.mu.Unlock()
			logger.Warn("会话队列已满，拒绝入队",
				"session", entry.SessionID,
				"policy", q.cfg.OverflowPolicy,
				"msgID", log.TruncateID(entry.ID, 8))
			return nil, err
		}
		events = append(events, q.evictLocked(victim))
	}

	entry.Seq = q.nextSeq
	q.nextSeq++
	q.insertLocked(entry)
	q.totalEnqueued++
	out := entry.Clone()
	depth := len(q.entries)
	q.mu.Unlock()

	q.metrics.QueueEnqueued()
	q.metrics.QueueDepth(depth)
	logger.Debug("消息入队",
		"msgID", log.TruncateID(out.ID, 8),
		"session", out.SessionID,
		"priority", out.Priority)

	q.persist(out.SessionID)
	q.emit(events...)
	return out, nil
}

func validate(msg *QueuedMessage) error {
	if err := types.ValidateIdentifier("sessionId", msg.SessionID); err != nil {
		return err
	}
	if err := types.ValidateIdentifier("recipientId", msg.RecipientID); err != nil {
		return err
	}
	if msg.SenderID != "" {
		if err := types.ValidateIdentifier("senderId", msg.SenderID); err != nil {
			return err
		}
	}
	if len(msg.Ciphertext) > protocol.MaxPayloadSize {
		return fmt.Errorf("%d bytes: %w", len(msg.Ciphertext), protocol.ErrPayloadTooLarge)
	}
	if msg.TTL < 0 {
		return fmt.Errorf("negative ttl: %w", ErrInvalidMessage)
	}
	return nil
}

// basePriority 入队时的优先级
func (q *MessageQueue) basePriority(m *QueuedMessage) int {
	p := PriorityNormal
	if m.High {
		p += q.cfg.HighBoost
	}
	if q.cfg.LargePayloadThreshold > 0 && len(m.Ciphertext) > q.cfg.LargePayloadThreshold {
		p += q.cfg.LargeBoost
	}
	return p
}

// EffectivePriority 计入衰减后的优先级
//
// 加成每经过 DecayInterval 减 1，不低于 PriorityNormal。
func (q *MessageQueue) EffectivePriority(m *QueuedMessage, now time.Time) int {
	if m.Priority <= PriorityNormal || q.cfg.DecayInterval <= 0 {
		return m.Priority
	}
	decay := int(now.Sub(m.QueuedAt) / q.cfg.DecayInterval)
	if decay <= 0 {
		return m.Priority
	}
	if p := m.Priority - decay; p > PriorityNormal {
		return p
	}
	return PriorityNormal
}

// pickVictimLocked 按溢出策略选出要驱逐的条目
//
// 优先从未在途（非 sent）的条目中选择。
func (q *MessageQueue) pickVictimLocked(incoming *QueuedMessage, now time.Time) (*QueuedMessage, error) {
	if q.cfg.OverflowPolicy == config.OverflowReject {
		return nil, ErrQueueFull
	}

	session := q.sessions[incoming.SessionID]
	candidates := make([]*QueuedMessage, 0, len(session))
	for _, m := range session {
		if m.Status != types.StatusSent {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		for _, m := range session {
			candidates = append(candidates, m)
		}
	}

	var victim *QueuedMessage
	for _, m := range candidates {
		if victim == nil || q.worseLocked(m, victim, now) {
			victim = m
		}
	}

	if q.cfg.OverflowPolicy == config.OverflowEvictLowestPriority &&
		q.EffectivePriority(incoming, now) < q.EffectivePriority(victim, now) {
		// 新消息本身优先级最低
		return nil, ErrQueueFull
	}
	return victim, nil
}

// worseLocked a 是否比 b 更应该被驱逐
func (q *MessageQueue) worseLocked(a, b *QueuedMessage, now time.Time) bool {
	if q.cfg.OverflowPolicy == config.OverflowEvictLowestPriority {
		pa, pb := q.EffectivePriority(a, now), q.EffectivePriority(b, now)
		if pa != pb {
			return pa < pb
		}
	}
	return a.Seq < b.Seq
}

func (q *MessageQueue) evictLocked(victim *QueuedMessage) StatusChange {
	prev := victim.Status
	q.removeLocked(victim.ID)
	victim.Status = types.StatusFailed
	victim.LastError = ErrEvicted.Error()
	q.totalEvicted++
	q.totalFailed++

	q.metrics.QueueEvicted(q.cfg.OverflowPolicy)
	logger.Warn("会话队列已满，驱逐消息",
		"session", victim.SessionID,
		"policy", q.cfg.OverflowPolicy,
		"evicted", log.TruncateID(victim.ID, 8),
		"priority", victim.Priority)

	return StatusChange{Message: victim.Clone(), Previous: prev, Err: ErrEvicted}
}

func (q *MessageQueue) insertLocked(m *QueuedMessage) {
	q.entries[m.ID] = m
	s, ok := q.sessions[m.SessionID]
	if !ok {
		s = make(map[string]*QueuedMessage)
		q.sessions[m.SessionID] = s
	}
	s[m.ID] = m
}

func (q *MessageQueue) removeLocked(id string) *QueuedMessage {
	m, ok := q.entries[id]
	if !ok {
		return nil
	}
	delete(q.entries, id)
	if s := q.sessions[m.SessionID]; s != nil {
		delete(s, id)
		if len(s) == 0 {
			delete(q.sessions, m.SessionID)
		}
	}
	return m
}

// ============================================================================
//                              出队
// ============================================================================

// DequeueReady 返回 now 时刻可发送的条目（副本）
//
// 排序：有效优先级降序，入队时间升序，入队序号升序。
// 条目仍留在队列中，由调用方通过 MarkSent 等推进状态。
func (q *MessageQueue) DequeueReady(now time.Time) []*QueuedMessage {
	q.mu.RLock()
	ready := make([]*QueuedMessage, 0)
	for _, m := range q.entries {
		if m.Ready(now) {
			ready = append(ready, m.Clone())
		}
	}
	q.mu.RUnlock()

	q.sortByPriority(ready, now)
	return ready
}

func (q *MessageQueue) sortByPriority(list []*QueuedMessage, now time.Time) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		pa, pb := q.EffectivePriority(a, now), q.EffectivePriority(b, now)
		if pa != pb {
			return pa > pb
		}
		if !a.QueuedAt.Equal(b.QueuedAt) {
			return a.QueuedAt.Before(b.QueuedAt)
		}
		return a.Seq < b.Seq
	})
}

// ============================================================================
//                              状态推进
// ============================================================================

// MarkSent 标记已发送，等待 ACK
func (q *MessageQueue) MarkSent(id string) error {
	now := q.clk.Now()

	q.mu.Lock()
	m, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return ErrNotQueued
	}
	if m.Status == types.StatusSent {
		q.mu.Unlock()
		return nil
	}
	prev := m.Status
	m.Status = types.StatusSent
	m.Attempts++
	m.LastSentAt = now
	ev := StatusChange{Message: m.Clone(), Previous: prev}
	q.mu.Unlock()

	q.persist(ev.Message.SessionID)
	q.emit(ev)
	return nil
}

// MarkDelivered 标记已送达，条目移出队列
func (q *MessageQueue) MarkDelivered(id string) error {
	q.mu.Lock()
	m := q.removeLocked(id)
	if m == nil {
		q.mu.Unlock()
		return ErrNotQueued
	}
	prev := m.Status
	m.Status = types.StatusDelivered
	q.totalDelivered++
	ev := StatusChange{Message: m.Clone(), Previous: prev}
	depth := len(q.entries)
	q.mu.Unlock()

	q.metrics.QueueDepth(depth)
	q.persist(m.SessionID)
	q.emit(ev)
	return nil
}

// MarkFailed 记录一次发送失败
//
// RetryCount 加一并按退避计算 NextRetryAt；达到 MaxRetries 时条目
// 移出队列并以 ErrExhaustedRetries 报告。返回是否已进入终态。
func (q *MessageQueue) MarkFailed(id string, cause error) (bool, error) {
	return q.fail(id, cause, func(n int) time.Duration {
		return q.cfg.Backoff.Delay(n)
	})
}

// MarkTimedOut 记录一次 ACK 超时，重试立即就绪
//
// ACK 超时的等待已经体现在递增的 ACK 窗口中，不再叠加队列退避。
func (q *MessageQueue) MarkTimedOut(id string, cause error) (bool, error) {
	return q.fail(id, cause, func(int) time.Duration { return 0 })
}

func (q *MessageQueue) fail(id string, cause error, delay func(int) time.Duration) (bool, error) {
	now := q.clk.Now()

	q.mu.Lock()
	m, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return false, ErrNotQueued
	}

	prev := m.Status
	m.RetryCount++
	if cause != nil {
		m.LastError = cause.Error()
	}

	var ev StatusChange
	terminal := m.RetryCount >= q.cfg.MaxRetries
	if terminal {
		q.removeLocked(id)
		m.Status = types.StatusFailed
		q.totalFailed++
		ev = StatusChange{
			Message:  m.Clone(),
			Previous: prev,
			Err:      types.NewError(types.KindExhaustedRetries, m.LastError, cause),
		}
	} else {
		m.Status = types.StatusPending
		m.NextRetryAt = now.Add(delay(m.RetryCount))
		q.totalRetries++
		ev = StatusChange{Message: m.Clone(), Previous: prev, Err: cause}
	}
	depth := len(q.entries)
	q.mu.Unlock()

	if terminal {
		q.metrics.QueueDepth(depth)
		logger.Warn("消息重试耗尽，永久失败",
			"msgID", log.TruncateID(id, 8),
			"retries", ev.Message.RetryCount,
			"lastError", ev.Message.LastError)
	} else {
		q.metrics.QueueRetry()
		logger.Debug("消息安排重试",
			"msgID", log.TruncateID(id, 8),
			"retry", ev.Message.RetryCount,
			"nextRetryAt", ev.Message.NextRetryAt)
	}

	q.persist(ev.Message.SessionID)
	q.emit(ev)
	return terminal, nil
}

// MarkRejected 以负面回执关闭消息（failed / expired / rejected）
func (q *MessageQueue) MarkRejected(id string, status types.ReceiptStatus, detail string) error {
	q.mu.Lock()
	m := q.removeLocked(id)
	if m == nil {
		q.mu.Unlock()
		return ErrNotQueued
	}
	prev := m.Status
	m.Status = types.StatusFailed
	m.LastError = string(status)
	if detail != "" {
		m.LastError += ": " + detail
	}
	q.totalFailed++
	ev := StatusChange{Message: m.Clone(), Previous: prev, Err: receiptError(status, detail)}
	depth := len(q.entries)
	q.mu.Unlock()

	q.metrics.QueueDepth(depth)
	logger.Info("对端拒收消息", "msgID", log.TruncateID(id, 8), "status", status, "detail", detail)

	q.persist(m.SessionID)
	q.emit(ev)
	return nil
}

func receiptError(status types.ReceiptStatus, detail string) error {
	kind := types.KindValidation
	if status == types.ReceiptFailed {
		kind = types.KindTransport
	}
	msg := "receipt " + string(status)
	if detail != "" {
		msg += ": " + detail
	}
	return types.NewError(kind, msg, nil)
}

// ============================================================================
//                              查询
// ============================================================================

// Get 返回条目副本
func (q *MessageQueue) Get(id string) (*QueuedMessage, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	m, ok := q.entries[id]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// Len 活跃条目总数
func (q *MessageQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// SessionLen 会话内活跃条目数
func (q *MessageQueue) SessionLen(session string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.sessions[session])
}

// Snapshot 按入队序号返回全部条目副本
func (q *MessageQueue) Snapshot() []*QueuedMessage {
	q.mu.RLock()
	out := make([]*QueuedMessage, 0, len(q.entries))
	for _, m := range q.entries {
		out = append(out, m.Clone())
	}
	q.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Stats 队列统计
func (q *MessageQueue) Stats() Stats {
	now := q.clk.Now()

	q.mu.RLock()
	defer q.mu.RUnlock()

	st := Stats{
		Active:    len(q.entries),
		Sessions:  len(q.sessions),
		ByStatus:  make(map[string]int),
		Enqueued:  q.totalEnqueued,
		Delivered: q.totalDelivered,
		Failed:    q.totalFailed,
		Evicted:   q.totalEvicted,
		Retries:   q.totalRetries,
	}
	for _, m := range q.entries {
		st.ByStatus[m.Status.String()]++
		if m.Ready(now) {
			st.Ready++
		}
		if m.Status == types.StatusSent {
			st.InFlight++
		}
	}
	return st
}

// emit 通知状态变更
func (q *MessageQueue) emit(events ...StatusChange) {
	if len(events) == 0 {
		return
	}
	q.listenersMu.RLock()
	listeners := q.listeners
	q.listenersMu.RUnlock()

	for _, ev := range events {
		for _, l := range listeners {
			l(ev)
		}
	}
}
