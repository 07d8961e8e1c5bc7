package delivery

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Message 交给处理器的入站消息
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	RecipientID    string
	Timestamp      time.Time
	TTL            time.Duration

	// Ciphertext 线上收到的密文
	Ciphertext []byte

	// Plaintext 配置了加解密能力时为解密结果，否则为 nil
	Plaintext []byte

	Signature  []byte
	ReceivedAt time.Time
}

// Handler 入站消息处理器，返回错误时回复 failed ACK
type Handler func(ctx context.Context, msg *Message) error

// Registry 会话处理器注册表
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Handle 注册会话处理器，覆盖已有的
func (r *Registry) Handle(conversationID string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.handlers, conversationID)
		return
	}
	r.handlers[conversationID] = h
}

// Remove 注销会话处理器
func (r *Registry) Remove(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, conversationID)
}

// SetDefault 设置默认处理器
func (r *Registry) SetDefault(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

// Lookup 查找会话处理器，没有时返回默认处理器
func (r *Registry) Lookup(conversationID string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[conversationID]; ok {
		return h, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

// Conversations 已注册处理器的会话
func (r *Registry) Conversations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for c := range r.handlers {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
