// Package protocol 定义 msgsync 线上信封格式
//
// 信封为 JSON：
//
//	{"type": "chat|ack|ping|pong", "version": 1, "timestamp": <epoch-ms>, "payload": {...}}
//
// Payload 是封闭的标签变体 {Chat, Ack, Ping, Pong}。接收方对 Decode 的结果
// 做 type switch，新增变体时所有 switch 都需要补齐分支。
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dep2p/go-msgsync/pkg/types"
)

// Version 当前信封版本
const Version = 1

// MessageType 信封类型标签
type MessageType string

const (
	TypeChat MessageType = "chat"
	TypeAck  MessageType = "ack"
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Payload 信封负载（封闭接口）
type Payload interface {
	Type() MessageType
	sealed()
}

// Envelope 信封
type Envelope struct {
	Version   int
	Timestamp time.Time
	Payload   Payload
}

// New 用当前时间构造信封
func New(now time.Time, p Payload) *Envelope {
	return &Envelope{Version: Version, Timestamp: now, Payload: p}
}

// ============================================================================
//                              负载变体
// ============================================================================

// Chat 聊天消息
type Chat struct {
	ID               string
	SenderID         string
	RecipientID      string
	ConversationID   string
	Timestamp        time.Time
	EncryptedPayload []byte
	TTL              time.Duration
	Signature        []byte
}

// Ack 回执
type Ack struct {
	ID           string
	RefMessageID string
	Status       types.ReceiptStatus
	Detail       string
}

// Ping 心跳请求
type Ping struct {
	ID string
}

// Pong 心跳响应，ID 回显 Ping.ID
type Pong struct {
	ID string
}

func (*Chat) Type() MessageType { return TypeChat }
func (*Ack) Type() MessageType  { return TypeAck }
func (*Ping) Type() MessageType { return TypePing }
func (*Pong) Type() MessageType { return TypePong }

func (*Chat) sealed() {}
func (*Ack) sealed()  {}
func (*Ping) sealed() {}
func (*Pong) sealed() {}

// Conversation 返回会话 ID；未显式指定时由收发双方推导
func (c *Chat) Conversation() string {
	if c.ConversationID != "" {
		return c.ConversationID
	}
	return DirectConversation(c.SenderID, c.RecipientID)
}

// DirectConversation 一对一会话 ID，与参数顺序无关
func DirectConversation(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

// ============================================================================
//                              线上格式
// ============================================================================

type envelopeWire struct {
	Type      MessageType     `json:"type"`
	Version   int             `json:"version"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type chatWire struct {
	ID               string `json:"id"`
	SenderID         string `json:"senderId"`
	RecipientID      string `json:"recipientId"`
	ConversationID   string `json:"conversationId,omitempty"`
	Timestamp        int64  `json:"timestamp"`
	EncryptedPayload []byte `json:"encryptedPayload"`
	TTLSeconds       int64  `json:"ttlSeconds"`
	Signature        []byte `json:"signature,omitempty"`
}

type ackWire struct {
	ID           string              `json:"id"`
	RefMessageID string              `json:"refMessageId"`
	Status       types.ReceiptStatus `json:"status"`
	Detail       string              `json:"detail,omitempty"`
}

type idWire struct {
	ID string `json:"id"`
}

// Encode 序列化信封
func Encode(env *Envelope) ([]byte, error) {
	if env == nil || env.Payload == nil {
		return nil, types.NewError(types.KindValidation, "empty envelope", nil)
	}

	var body any
	switch p := env.Payload.(type) {
	case *Chat:
		body = chatWire{
			ID:               p.ID,
			SenderID:         p.SenderID,
			RecipientID:      p.RecipientID,
			ConversationID:   p.ConversationID,
			Timestamp:        p.Timestamp.UnixMilli(),
			EncryptedPayload: p.EncryptedPayload,
			TTLSeconds:       int64(p.TTL / time.Second),
			Signature:        p.Signature,
		}
	case *Ack:
		body = ackWire{ID: p.ID, RefMessageID: p.RefMessageID, Status: p.Status, Detail: p.Detail}
	case *Ping:
		body = idWire{ID: p.ID}
	case *Pong:
		body = idWire{ID: p.ID}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	version := env.Version
	if version == 0 {
		version = Version
	}
	return json.Marshal(envelopeWire{
		Type:      env.Payload.Type(),
		Version:   version,
		Timestamp: env.Timestamp.UnixMilli(),
		Payload:   raw,
	})
}

// Decode 反序列化信封
//
// 未知类型、更高版本或格式错误均返回 validation 类别错误。
func Decode(data []byte) (*Envelope, error) {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, types.NewError(types.KindValidation, "malformed envelope", err)
	}
	if w.Version < 1 || w.Version > Version {
		return nil, types.NewError(types.KindValidation, fmt.Sprintf("unsupported envelope version %d", w.Version), nil)
	}

	env := &Envelope{Version: w.Version, Timestamp: time.UnixMilli(w.Timestamp)}
	switch w.Type {
	case TypeChat:
		var c chatWire
		if err := json.Unmarshal(w.Payload, &c); err != nil {
			return nil, types.NewError(types.KindValidation, "malformed chat payload", err)
		}
		env.Payload = &Chat{
			ID:               c.ID,
			SenderID:         c.SenderID,
			RecipientID:      c.RecipientID,
			ConversationID:   c.ConversationID,
			Timestamp:        time.UnixMilli(c.Timestamp),
			EncryptedPayload: c.EncryptedPayload,
			TTL:              time.Duration(c.TTLSeconds) * time.Second,
			Signature:        c.Signature,
		}
	case TypeAck:
		var a ackWire
		if err := json.Unmarshal(w.Payload, &a); err != nil {
			return nil, types.NewError(types.KindValidation, "malformed ack payload", err)
		}
		if !a.Status.Valid() {
			return nil, types.NewError(types.KindValidation, fmt.Sprintf("unknown ack status %q", a.Status), nil)
		}
		env.Payload = &Ack{ID: a.ID, RefMessageID: a.RefMessageID, Status: a.Status, Detail: a.Detail}
	case TypePing, TypePong:
		var p idWire
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return nil, types.NewError(types.KindValidation, "malformed heartbeat payload", err)
		}
		if w.Type == TypePing {
			env.Payload = &Ping{ID: p.ID}
		} else {
			env.Payload = &Pong{ID: p.ID}
		}
	default:
		return nil, types.NewError(types.KindValidation, fmt.Sprintf("unknown envelope type %q", w.Type), nil)
	}
	return env, nil
}
