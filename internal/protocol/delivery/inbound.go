package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/dep2p/go-msgsync/pkg/lib/log"
	"github.com/dep2p/go-msgsync/pkg/protocol"
	"github.com/dep2p/go-msgsync/pkg/types"
)

// 入站处理结果（指标标签）
const (
	resultOK        = "ok"
	resultMalformed = "malformed"
	resultExpired   = "expired"
	resultRejected  = "rejected"
	resultDuplicate = "duplicate"
	resultFailed    = "failed"
	resultUnknown   = "unknown"
)

// HandleIncoming 处理一帧入站数据
//
// 返回的错误只用于日志：过期、非法、处理失败都已通过 ACK 告知对端。
func (p *Protocol) HandleIncoming(ctx context.Context, data []byte) error {
	env, err := protocol.Decode(data)
	if err != nil {
		p.metrics.Inbound("unknown", resultMalformed)
		return err
	}
	now := p.clk.Now()

	switch msg := env.Payload.(type) {
	case *protocol.Chat:
		return p.handleChat(ctx, msg, now)
	case *protocol.Ack:
		p.handleAck(msg, now)
		return nil
	case *protocol.Ping:
		p.metrics.Inbound(string(protocol.TypePing), resultOK)
		return p.SendEnvelope(ctx, protocol.New(now, &protocol.Pong{ID: msg.ID}))
	case *protocol.Pong:
		p.mu.Lock()
		h := p.onPong
		p.mu.Unlock()
		p.metrics.Inbound(string(protocol.TypePong), resultOK)
		if h != nil {
			h(msg, now)
		}
		return nil
	default:
		return types.NewError(types.KindValidation, "unhandled envelope payload", nil)
	}
}

func (p *Protocol) handleChat(ctx context.Context, c *protocol.Chat, now time.Time) error {
	chatType := string(protocol.TypeChat)

	if err := protocol.ValidateChat(c, now, p.cfg.MaxClockSkew); err != nil {
		if errors.Is(err, protocol.ErrExpired) {
			p.metrics.Inbound(chatType, resultExpired)
			logger.Debug("入站消息已过期", "msgID", log.TruncateID(c.ID, 8))
			p.sendAck(ctx, c.ID, types.ReceiptExpired, types.DetailOf(err))
			return err
		}
		p.metrics.Inbound(chatType, resultRejected)
		logger.Debug("入站消息非法", "msgID", log.TruncateID(c.ID, 8), "error", err)
		if c.ID != "" {
			p.sendAck(ctx, c.ID, types.ReceiptRejected, types.DetailOf(err))
		}
		return err
	}

	if p.dedup.Contains(c.ID) {
		p.metrics.Inbound(chatType, resultDuplicate)
		p.sendAck(ctx, c.ID, types.ReceiptDelivered, "")
		return nil
	}

	conv := c.Conversation()
	handler, ok := p.registry.Lookup(conv)
	if !ok {
		p.metrics.Inbound(chatType, resultFailed)
		p.sendAck(ctx, c.ID, types.ReceiptFailed, ErrNoHandler.Detail)
		return ErrNoHandler
	}

	msg := &Message{
		ID:             c.ID,
		ConversationID: conv,
		SenderID:       c.SenderID,
		RecipientID:    c.RecipientID,
		Timestamp:      c.Timestamp,
		TTL:            c.TTL,
		Ciphertext:     c.EncryptedPayload,
		Signature:      c.Signature,
		ReceivedAt:     now,
	}
	if p.crypto != nil && p.keys != nil {
		plaintext, err := p.decrypt(conv, c.EncryptedPayload)
		if err != nil {
			p.metrics.Inbound(chatType, resultFailed)
			p.sendAck(ctx, c.ID, types.ReceiptFailed, types.DetailOf(err))
			return err
		}
		msg.Plaintext = plaintext
	}

	if err := handler(ctx, msg); err != nil {
		p.metrics.Inbound(chatType, resultFailed)
		logger.Debug("处理器返回错误", "msgID", log.TruncateID(c.ID, 8), "error", err)
		p.sendAck(ctx, c.ID, types.ReceiptFailed, types.DetailOf(err))
		return err
	}

	p.dedup.Add(c.ID, struct{}{})
	p.metrics.Inbound(chatType, resultOK)
	if p.cfg.AutoAck {
		p.sendAck(ctx, c.ID, types.ReceiptDelivered, "")
	}
	return nil
}

func (p *Protocol) decrypt(conv string, ciphertext []byte) ([]byte, error) {
	key, err := p.keys.KeyFor(conv)
	if err != nil {
		return nil, types.NewError(types.KindCrypto, "resolve key", err)
	}
	plaintext, err := p.crypto.Decrypt(ciphertext, key)
	if err != nil {
		return nil, types.NewError(types.KindCrypto, "decrypt", err)
	}
	return plaintext, nil
}

// Ack 手动确认（AutoAck 关闭时由处理器调用方使用）
func (p *Protocol) Ack(ctx context.Context, messageID string, status types.ReceiptStatus, detail string) error {
	if !status.Valid() {
		return types.NewError(types.KindValidation, "invalid receipt status", nil)
	}
	if status == types.ReceiptDelivered {
		p.dedup.Add(messageID, struct{}{})
	}
	env := protocol.New(p.clk.Now(), &protocol.Ack{
		ID:           types.NewMessageID(),
		RefMessageID: messageID,
		Status:       status,
		Detail:       detail,
	})
	return p.SendEnvelope(ctx, env)
}

// handleAck 关联 ACK 与队列条目，重复或未知 ACK 不产生效果
func (p *Protocol) handleAck(a *protocol.Ack, now time.Time) {
	ackType := string(protocol.TypeAck)
	ref := a.RefMessageID

	entry, ok := p.queue.Get(ref)
	if !ok {
		p.untrack(ref)
		p.metrics.Inbound(ackType, resultUnknown)
		logger.Debug("忽略重复或未知 ACK", "ref", log.TruncateID(ref, 8))
		return
	}

	sentAt := entry.LastSentAt
	if pa, tracked := p.untrack(ref); tracked {
		sentAt = pa.sentAt
	}
	var latency time.Duration
	if !sentAt.IsZero() {
		latency = now.Sub(sentAt)
	}

	var err error
	if a.Status == types.ReceiptDelivered {
		err = p.queue.MarkDelivered(ref)
	} else {
		err = p.queue.MarkRejected(ref, a.Status, a.Detail)
	}
	if err != nil {
		// 并发的重复 ACK 已经完成了关闭
		p.metrics.Inbound(ackType, resultDuplicate)
		return
	}

	p.metrics.Inbound(ackType, resultOK)
	logger.Debug("收到 ACK", "ref", log.TruncateID(ref, 8), "status", a.Status, "latency", latency)
	p.finish(ref, types.DeliveryReceipt{
		MessageID: ref,
		Status:    a.Status,
		Timestamp: now,
		Detail:    a.Detail,
		Latency:   latency,
	})
}
