package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dep2p/go-msgsync/pkg/lib/log"
	"github.com/dep2p/go-msgsync/pkg/protocol"
	"github.com/dep2p/go-msgsync/pkg/types"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// StoredDetail 收件人不在线时中继代为确认的详情
const StoredDetail = "stored"

// route ACK 回送目标
type route struct {
	user   string
	device string
}

// peer 一个在线设备连接
type peer struct {
	user   string
	device string
	conn   *websocket.Conn
	send   chan []byte

	once sync.Once
	done chan struct{}
}

func (p *peer) enqueue(data []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// serveWS 升级连接并登记设备
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	device := r.URL.Query().Get("device")
	if err := types.ValidateIdentifier("user", user); err != nil {
		writeError(w, err)
		return
	}
	if err := types.ValidateIdentifier("device", device); err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket 升级失败", "error", err)
		return
	}
	conn.SetReadLimit(protocol.MaxPayloadSize * 2)

	p := &peer{
		user:   user,
		device: device,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	if !s.attach(p) {
		p.close()
		return
	}
	logger.Info("设备已连接", "user", user, "device", device, "remote", conn.RemoteAddr().String())

	go s.writePump(p)
	s.readPump(r.Context(), p)
}

// attach 登记设备，同一设备的旧连接被替换
func (s *Server) attach(p *peer) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	devices := s.peers[p.user]
	if devices == nil {
		devices = make(map[string]*peer)
		s.peers[p.user] = devices
	}
	old := devices[p.device]
	devices[p.device] = p
	n := s.countLocked()
	s.mu.Unlock()

	if old != nil {
		logger.Debug("设备重复连接，关闭旧连接", "user", p.user, "device", p.device)
		old.close()
	}
	s.metrics.ConnectedDevices(n)
	return true
}

func (s *Server) detach(p *peer) {
	s.mu.Lock()
	if devices := s.peers[p.user]; devices != nil && devices[p.device] == p {
		delete(devices, p.device)
		if len(devices) == 0 {
			delete(s.peers, p.user)
		}
	}
	n := s.countLocked()
	s.mu.Unlock()
	s.metrics.ConnectedDevices(n)
}

func (s *Server) countLocked() int {
	n := 0
	for _, devices := range s.peers {
		n += len(devices)
	}
	return n
}

// devicesOf 用户当前在线的设备
func (s *Server) devicesOf(user string) []*peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*peer, 0, len(s.peers[user]))
	for _, p := range s.peers[user] {
		out = append(out, p)
	}
	return out
}

func (s *Server) lookup(user, device string) *peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[user][device]
}

// ConnectedDevices 当前在线设备数
func (s *Server) ConnectedDevices() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countLocked()
}

func (s *Server) readPump(ctx context.Context, p *peer) {
	defer func() {
		s.detach(p)
		p.close()
		logger.Info("设备已断开", "user", p.user, "device", p.device)
	}()

	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("读取失败", "device", p.device, "error", err)
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handleFrame(ctx, p, data)
	}
}

func (s *Server) writePump(p *peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.close()
	}()

	for {
		select {
		case <-p.done:
			_ = p.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = p.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("写入失败", "device", p.device, "error", err)
				return
			}
			s.metrics.LogSentMessage(int64(len(data)))
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ============================================================================
//                              帧路由
// ============================================================================

func (s *Server) handleFrame(ctx context.Context, p *peer, data []byte) {
	s.metrics.LogRecvMessage(int64(len(data)))

	env, err := protocol.Decode(data)
	if err != nil {
		s.metrics.Inbound("unknown", "malformed")
		logger.Debug("无法解码的帧", "device", p.device, "error", err)
		return
	}

	switch msg := env.Payload.(type) {
	case *protocol.Chat:
		s.handleChat(ctx, p, msg, data)
	case *protocol.Ack:
		s.handleAck(p, msg, data)
	case *protocol.Ping:
		s.metrics.Inbound(string(protocol.TypePing), "ok")
		s.reply(p, &protocol.Pong{ID: msg.ID})
	case *protocol.Pong:
		s.metrics.Inbound(string(protocol.TypePong), "ok")
	}
}

// handleChat 落库分配序号、更新设备进度并转发
func (s *Server) handleChat(ctx context.Context, p *peer, c *protocol.Chat, raw []byte) {
	chatType := string(protocol.TypeChat)
	now := s.clk.Now()

	if err := protocol.ValidateChat(c, now, s.maxSkew); err != nil {
		status := types.ReceiptRejected
		if errors.Is(err, protocol.ErrExpired) {
			status = types.ReceiptExpired
		}
		s.metrics.Inbound(chatType, string(status))
		if c.ID != "" {
			s.ack(p, c.ID, status, types.DetailOf(err))
		}
		return
	}
	if c.SenderID != p.user {
		s.metrics.Inbound(chatType, "rejected")
		s.ack(p, c.ID, types.ReceiptRejected, "sender does not match connection")
		return
	}

	conv := c.Conversation()
	targets := s.targets(p, c.RecipientID)

	// 在线目标设备先登记，插入后它们的已知序号随之推进
	for _, t := range targets {
		if _, err := s.tracker.Register(ctx, conv, t.device); err != nil {
			logger.Warn("登记设备失败", "conversation", conv, "device", t.device, "error", err)
		}
	}

	msg := &types.StoredMessage{
		ConversationID: conv,
		MessageID:      c.ID,
		SenderID:       c.SenderID,
		SenderDevice:   p.device,
		RecipientID:    c.RecipientID,
		Payload:        c.EncryptedPayload,
		Signature:      c.Signature,
		SentAt:         c.Timestamp,
	}
	seq, err := s.alloc.Assign(ctx, msg)
	if err != nil {
		s.metrics.Inbound(chatType, "failed")
		logger.Warn("序号分配失败", "conversation", conv, "msgID", log.TruncateID(c.ID, 8), "error", err)
		s.ack(p, c.ID, types.ReceiptFailed, types.DetailOf(err))
		return
	}
	if err := s.tracker.OnInserted(ctx, conv, p.device, seq, c.ID); err != nil {
		logger.Warn("更新同步进度失败", "conversation", conv, "seq", seq, "error", err)
	}
	s.metrics.Inbound(chatType, "ok")
	s.routes.Add(c.ID, route{user: p.user, device: p.device})

	recipientOnline := false
	for _, t := range targets {
		if !t.enqueue(raw) {
			logger.Debug("设备发送缓冲已满，等待其追赶", "device", t.device)
			continue
		}
		s.metrics.Forwarded(chatType)
		if t.user == c.RecipientID {
			recipientOnline = true
		}
	}

	logger.Debug("消息已落库",
		"conversation", conv,
		"seq", seq,
		"msgID", log.TruncateID(c.ID, 8),
		"targets", len(targets))

	if !recipientOnline {
		s.ack(p, c.ID, types.ReceiptDelivered, StoredDetail)
	}
}

// targets 收件人的在线设备加发件人的其他设备
func (s *Server) targets(from *peer, recipient string) []*peer {
	out := s.devicesOf(recipient)
	if recipient == from.user {
		out = out[:0]
	}
	for _, p := range s.devicesOf(from.user) {
		if p != from {
			out = append(out, p)
		}
	}
	return out
}

// handleAck 按路由表回送给原发送设备
func (s *Server) handleAck(from *peer, a *protocol.Ack, raw []byte) {
	ackType := string(protocol.TypeAck)
	r, ok := s.routes.Get(a.RefMessageID)
	if !ok {
		s.metrics.Inbound(ackType, "unknown")
		return
	}
	// 发件人自己的设备收到的是副本，其 ACK 不代表送达
	if r.user == from.user {
		s.metrics.Inbound(ackType, "self")
		return
	}
	origin := s.lookup(r.user, r.device)
	if origin == nil {
		s.metrics.Inbound(ackType, "offline")
		logger.Debug("ACK 目标设备不在线", "ref", log.TruncateID(a.RefMessageID, 8), "device", r.device)
		return
	}
	if origin.enqueue(raw) {
		s.metrics.Inbound(ackType, "ok")
		s.metrics.Forwarded(ackType)
	}
}

func (s *Server) ack(p *peer, ref string, status types.ReceiptStatus, detail string) {
	s.reply(p, &protocol.Ack{
		ID:           types.NewMessageID(),
		RefMessageID: ref,
		Status:       status,
		Detail:       detail,
	})
}

func (s *Server) reply(p *peer, payload protocol.Payload) {
	data, err := protocol.Encode(protocol.New(s.clk.Now(), payload))
	if err != nil {
		logger.Warn("编码回复失败", "error", err)
		return
	}
	if p.enqueue(data) {
		s.metrics.Forwarded(string(payload.Type()))
	}
}
