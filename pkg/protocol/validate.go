package protocol

import (
	"fmt"
	"time"

	"github.com/dep2p/go-msgsync/pkg/types"
)

// MaxPayloadSize 加密负载上限 1 MiB
const MaxPayloadSize = 1 << 20

var (
	// ErrExpired 消息超过 TTL
	ErrExpired = &types.Error{Kind: types.KindValidation, Detail: "message expired"}

	// ErrFutureTimestamp 消息时间戳超出允许的时钟偏差
	ErrFutureTimestamp = &types.Error{Kind: types.KindValidation, Detail: "timestamp in the future"}

	// ErrPayloadTooLarge 负载超过上限
	ErrPayloadTooLarge = &types.Error{Kind: types.KindValidation, Detail: "payload too large"}

	// ErrEmptyID 消息 ID 为空
	ErrEmptyID = &types.Error{Kind: types.KindValidation, Detail: "empty message id"}
)

// ValidateChat 结构校验入站聊天消息
//
// maxSkew > 0 时拒绝时间戳晚于 now+maxSkew 的消息，避免发送方通过
// 未来时间戳绕过 TTL。过期判断为 TTL > 0 且 now > Timestamp+TTL。
func ValidateChat(c *Chat, now time.Time, maxSkew time.Duration) error {
	if c.ID == "" {
		return ErrEmptyID
	}
	if err := types.ValidateIdentifier("senderId", c.SenderID); err != nil {
		return err
	}
	if err := types.ValidateIdentifier("recipientId", c.RecipientID); err != nil {
		return err
	}
	if c.ConversationID != "" {
		if err := types.ValidateIdentifier("conversationId", c.ConversationID); err != nil {
			return err
		}
	}
	if len(c.EncryptedPayload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(c.EncryptedPayload))
	}
	if maxSkew > 0 && c.Timestamp.After(now.Add(maxSkew)) {
		return ErrFutureTimestamp
	}
	if Expired(c, now) {
		return ErrExpired
	}
	return nil
}

// Expired 是否已超过 TTL（TTL 为 0 表示永不过期）
func Expired(c *Chat, now time.Time) bool {
	if c.TTL <= 0 {
		return false
	}
	return now.After(c.Timestamp.Add(c.TTL))
}
