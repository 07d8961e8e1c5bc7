package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
//                              MessageStatus - 队列消息状态
// ============================================================================

// MessageStatus 出站消息状态
type MessageStatus int

const (
	// StatusQueued 已入队，等待首次发送
	StatusQueued MessageStatus = iota
	// StatusPending 已安排重试，等待 NextRetryAt
	StatusPending
	// StatusSent 已发送，等待 ACK
	StatusSent
	// StatusDelivered 已确认送达（终态）
	StatusDelivered
	// StatusFailed 永久失败（终态）
	StatusFailed
)

var messageStatusNames = map[MessageStatus]string{
	StatusQueued:    "queued",
	StatusPending:   "pending",
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusFailed:    "failed",
}

// String 返回状态字符串
func (s MessageStatus) String() string {
	if name, ok := messageStatusNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal 是否为终态
func (s MessageStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// MarshalJSON 以字符串形式序列化
func (s MessageStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON 从字符串反序列化
func (s *MessageStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for k, v := range messageStatusNames {
		if v == name {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown message status %q", name)
}

// ============================================================================
//                              ReceiptStatus - 回执状态
// ============================================================================

// ReceiptStatus ACK 回执状态（线上格式为字符串）
type ReceiptStatus string

const (
	// ReceiptDelivered 已送达
	ReceiptDelivered ReceiptStatus = "delivered"
	// ReceiptFailed 接收方处理失败
	ReceiptFailed ReceiptStatus = "failed"
	// ReceiptExpired 消息已过期
	ReceiptExpired ReceiptStatus = "expired"
	// ReceiptRejected 消息结构非法
	ReceiptRejected ReceiptStatus = "rejected"
)

// Valid 检查回执状态是否合法
func (r ReceiptStatus) Valid() bool {
	switch r {
	case ReceiptDelivered, ReceiptFailed, ReceiptExpired, ReceiptRejected:
		return true
	}
	return false
}

// ============================================================================
//                              QualityTier - 连接质量等级
// ============================================================================

// QualityTier 连接质量等级
type QualityTier int

const (
	// TierUnknown 尚无样本
	TierUnknown QualityTier = iota
	// TierExcellent < 50ms
	TierExcellent
	// TierGood < 100ms
	TierGood
	// TierFair < 200ms
	TierFair
	// TierPoor < 500ms
	TierPoor
	// TierUnusable >= 500ms
	TierUnusable
)

// String 返回等级字符串
func (q QualityTier) String() string {
	switch q {
	case TierExcellent:
		return "excellent"
	case TierGood:
		return "good"
	case TierFair:
		return "fair"
	case TierPoor:
		return "poor"
	case TierUnusable:
		return "unusable"
	default:
		return "unknown"
	}
}

// ClassifyRTT 将往返时延映射为质量等级
func ClassifyRTT(rtt time.Duration) QualityTier {
	switch {
	case rtt < 50*time.Millisecond:
		return TierExcellent
	case rtt < 100*time.Millisecond:
		return TierGood
	case rtt < 200*time.Millisecond:
		return TierFair
	case rtt < 500*time.Millisecond:
		return TierPoor
	default:
		return TierUnusable
	}
}
