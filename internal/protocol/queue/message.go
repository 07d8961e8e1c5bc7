package queue

import (
	"time"

	"github.com/dep2p/go-msgsync/pkg/types"
)

// ============================================================================
//                              队列消息
// ============================================================================

// QueuedMessage 队列消息
//
// 队列只保存密文。调用方填写 ID（可空，入队时生成）、SessionID、
// SenderID、RecipientID、Ciphertext、TTL、Signature、High；
// 其余字段由队列维护。
type QueuedMessage struct {
	// ID 消息唯一标识
	ID string `json:"id"`

	// SessionID 所属会话
	SessionID string `json:"sessionId"`

	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`

	// Ciphertext 加密负载
	Ciphertext []byte `json:"ciphertext"`
	Signature  []byte `json:"signature,omitempty"`

	// TTL 0 表示不过期
	TTL time.Duration `json:"ttl,omitempty"`

	// High 显式高优先级标记
	High bool `json:"high,omitempty"`

	Status     types.MessageStatus `json:"status"`
	Priority   int                 `json:"priority"`
	RetryCount int                 `json:"retryCount"`

	// Attempts 实际发送次数
	Attempts int `json:"attempts"`

	// CreatedAt 消息时间戳（线上 timestamp 字段，TTL 以此计算）
	CreatedAt   time.Time `json:"createdAt"`
	QueuedAt    time.Time `json:"queuedAt"`
	NextRetryAt time.Time `json:"nextRetryAt"`
	LastSentAt  time.Time `json:"lastSentAt,omitempty"`
	LastError   string    `json:"lastError,omitempty"`

	// Seq 入队序号，相同优先级和入队时间时保持 FIFO
	Seq uint64 `json:"seq"`
}

// Clone 返回副本，调用方持有的副本与队列内部状态互不影响
func (m *QueuedMessage) Clone() *QueuedMessage {
	c := *m
	c.Ciphertext = append([]byte(nil), m.Ciphertext...)
	if m.Signature != nil {
		c.Signature = append([]byte(nil), m.Signature...)
	}
	return &c
}

// Ready 在 now 时刻是否可以发送
func (m *QueuedMessage) Ready(now time.Time) bool {
	if m.Status != types.StatusQueued && m.Status != types.StatusPending {
		return false
	}
	return !m.NextRetryAt.After(now)
}

// ============================================================================
//                              状态变更
// ============================================================================

// StatusChange 状态变更事件
type StatusChange struct {
	// Message 变更后的消息快照
	Message *QueuedMessage

	// Previous 变更前的状态
	Previous types.MessageStatus

	// Err 失败原因（重试、耗尽、驱逐、负面回执）
	Err error
}

// Terminal 事件是否表示消息离开队列
func (c StatusChange) Terminal() bool {
	return c.Message.Status.Terminal()
}

// Listener 状态变更回调
type Listener func(StatusChange)

// ============================================================================
//                              统计
// ============================================================================

// Stats 队列统计
type Stats struct {
	Active    int            `json:"active"`
	Ready     int            `json:"ready"`
	InFlight  int            `json:"inFlight"`
	Sessions  int            `json:"sessions"`
	ByStatus  map[string]int `json:"byStatus"`
	Enqueued  int64          `json:"enqueued"`
	Delivered int64          `json:"delivered"`
	Failed    int64          `json:"failed"`
	Evicted   int64          `json:"evicted"`
	Retries   int64          `json:"retries"`
}
