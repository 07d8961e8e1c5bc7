package types

import "time"

// ============================================================================
//                              会话序号与设备同步
// ============================================================================

// StoredMessage 服务端持久化的会话消息
type StoredMessage struct {
	ConversationID string    `json:"conversationId"`
	Sequence       uint64    `json:"sequence"`
	MessageID      string    `json:"messageId"`
	SenderID       string    `json:"senderId"`
	SenderDevice   string    `json:"senderDevice,omitempty"`
	RecipientID    string    `json:"recipientId"`
	Payload        []byte    `json:"payload"`
	Signature      []byte    `json:"signature,omitempty"`
	SentAt         time.Time `json:"sentAt"`
	InsertedAt     time.Time `json:"insertedAt"`
}

// PendingRef 设备已知但尚未同步的消息引用
type PendingRef struct {
	MessageID string `json:"messageId"`
	Sequence  uint64 `json:"sequence"`
}

// DeviceSyncState (会话, 设备) 的同步进度
//
// 不变量: LastSynced <= LastKnown <= 会话最大序号，且都不回退。
type DeviceSyncState struct {
	ConversationID string       `json:"conversationId"`
	DeviceID       string       `json:"deviceId"`
	LastSynced     uint64       `json:"lastSyncedSequence"`
	LastKnown      uint64       `json:"lastKnownSequence"`
	Pending        []PendingRef `json:"pending,omitempty"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// SyncBatch 一次追赶拉取的结果
type SyncBatch struct {
	Messages  []StoredMessage `json:"messages"`
	HasMore   bool            `json:"hasMore"`
	LastKnown uint64          `json:"lastKnownSequence"`
}
