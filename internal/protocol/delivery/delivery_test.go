package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-msgsync/config"
	"github.com/dep2p/go-msgsync/internal/core/security/secretbox"
	"github.com/dep2p/go-msgsync/internal/protocol/queue"
	"github.com/dep2p/go-msgsync/pkg/protocol"
	"github.com/dep2p/go-msgsync/pkg/types"
)

// ============================================================================
//                              测试传输
// ============================================================================

type sentFrame struct {
	at  time.Time
	env *protocol.Envelope
	raw []byte
}

// fakeTransport 记录发出的帧，由测试手动注入入站数据和连接状态
type fakeTransport struct {
	clk clock.Clock

	mu        sync.Mutex
	connected bool
	sendErr   error
	frames    []sentFrame
	onMsg     func([]byte)
	onState   func(bool)

	// gate 非 nil 时下一次 Send 先通知 entered，再阻塞到 gate 关闭
	gate    chan struct{}
	entered chan struct{}
}

func newFakeTransport(clk clock.Clock, connected bool) *fakeTransport {
	return &fakeTransport{clk: clk, connected: connected}
}

func (f *fakeTransport) Send(_ context.Context, data []byte) error {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.gate, f.entered = nil, nil
	f.mu.Unlock()
	if gate != nil {
		close(entered)
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	env, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	f.frames = append(f.frames, sentFrame{at: f.clk.Now(), env: env, raw: append([]byte(nil), data...)})
	return nil
}

func (f *fakeTransport) OnMessage(h func([]byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMsg = h
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Reconnect(context.Context) error {
	f.setConnected(true)
	return nil
}

func (f *fakeTransport) OnStateChange(h func(bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = h
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) setConnected(c bool) {
	f.mu.Lock()
	f.connected = c
	h := f.onState
	f.mu.Unlock()
	if h != nil {
		h(c)
	}
}

// blockNextSend 让下一次 Send 阻塞，返回进入通知与放行通道
func (f *fakeTransport) blockNextSend() (entered <-chan struct{}, release chan<- struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	f.entered = make(chan struct{})
	return f.entered, f.gate
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeTransport) deliver(data []byte) {
	f.mu.Lock()
	h := f.onMsg
	f.mu.Unlock()
	h(data)
}

func (f *fakeTransport) chats() []sentFrame {
	return f.byType(protocol.TypeChat)
}

func (f *fakeTransport) acks() []*protocol.Ack {
	var out []*protocol.Ack
	for _, fr := range f.byType(protocol.TypeAck) {
		out = append(out, fr.env.Payload.(*protocol.Ack))
	}
	return out
}

func (f *fakeTransport) byType(t protocol.MessageType) []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentFrame
	for _, fr := range f.frames {
		if fr.env.Payload.Type() == t {
			out = append(out, fr)
		}
	}
	return out
}

// ============================================================================
//                              辅助
// ============================================================================

const conv = "dm:alice:bob"

type harness struct {
	p   *Protocol
	tr  *fakeTransport
	q   *queue.MessageQueue
	clk *clock.Mock
}

func newHarness(t *testing.T, connected bool, mutate func(*Config, *queue.Config), opts ...Option) *harness {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	cfg := DefaultConfig()
	qcfg := queue.DefaultConfig()
	if mutate != nil {
		mutate(&cfg, &qcfg)
	}

	tr := newFakeTransport(clk, connected)
	q := queue.New(qcfg, queue.WithClock(clk))
	p, err := New(cfg, tr, q, append([]Option{WithClock(clk), WithLocalID("alice")}, opts...)...)
	require.NoError(t, err)
	return &harness{p: p, tr: tr, q: q, clk: clk}
}

func encode(t *testing.T, env *protocol.Envelope) []byte {
	t.Helper()
	data, err := protocol.Encode(env)
	require.NoError(t, err)
	return data
}

func (h *harness) ack(t *testing.T, ref string, status types.ReceiptStatus) []byte {
	return encode(t, protocol.New(h.clk.Now(), &protocol.Ack{ID: types.NewMessageID(), RefMessageID: ref, Status: status}))
}

func (h *harness) chat(t *testing.T, id string, ts time.Time, ttl time.Duration) []byte {
	return encode(t, protocol.New(h.clk.Now(), &protocol.Chat{
		ID:               id,
		SenderID:         "bob",
		RecipientID:      "alice",
		Timestamp:        ts,
		EncryptedPayload: []byte("ct"),
		TTL:              ttl,
	}))
}

type receiptLog struct {
	mu   sync.Mutex
	list []types.DeliveryReceipt
}

func (r *receiptLog) add(rc types.DeliveryReceipt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, rc)
}

func (r *receiptLog) all() []types.DeliveryReceipt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.DeliveryReceipt(nil), r.list...)
}

// ============================================================================
//                              出站
// ============================================================================

func TestProtocol_RetryThenFail(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx := context.Background()
	start := h.clk.Now()

	var receipts receiptLog
	id, err := h.p.Send(ctx, OutboundMessage{ID: "m1", RecipientID: "bob", Payload: []byte("hi")},
		WithCompletion(receipts.add))
	require.NoError(t, err)
	assert.Equal(t, "m1", id)

	h.clk.Add(10 * time.Second)
	assert.Equal(t, 1, h.p.CheckTimeouts(ctx, h.clk.Now()))
	h.clk.Add(20 * time.Second)
	assert.Equal(t, 1, h.p.CheckTimeouts(ctx, h.clk.Now()))

	// 第三次发送的 ACK 窗口为 40s
	h.clk.Add(39 * time.Second)
	assert.Equal(t, 0, h.p.CheckTimeouts(ctx, h.clk.Now()))
	assert.Empty(t, receipts.all())
	h.clk.Add(time.Second)
	assert.Equal(t, 1, h.p.CheckTimeouts(ctx, h.clk.Now()))

	chats := h.tr.chats()
	require.Len(t, chats, 3)
	assert.Equal(t, time.Duration(0), chats[0].at.Sub(start))
	assert.Equal(t, 10*time.Second, chats[1].at.Sub(start))
	assert.Equal(t, 30*time.Second, chats[2].at.Sub(start))

	got := receipts.all()
	require.Len(t, got, 1)
	assert.Equal(t, types.ReceiptFailed, got[0].Status)
	assert.ErrorIs(t, got[0].Err, types.ErrExhaustedRetries)
	assert.Equal(t, 0, h.q.Len())
	assert.Empty(t, h.p.Pending())
}

func TestProtocol_SendDuringFlushGoesOutImmediately(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx := context.Background()
	entered, release := h.tr.blockNextSend()

	first := make(chan error, 1)
	go func() {
		_, err := h.p.Send(ctx, OutboundMessage{ID: "m1", RecipientID: "bob", Payload: []byte("1")})
		first <- err
	}()
	<-entered

	// m1 卡在传输里，m2 入队时刷新正在进行
	second := make(chan error, 1)
	go func() {
		_, err := h.p.Send(ctx, OutboundMessage{ID: "m2", RecipientID: "bob", Payload: []byte("2")})
		second <- err
	}()
	require.Eventually(t, func() bool {
		_, ok := h.q.Get("m2")
		return ok
	}, time.Second, time.Millisecond)

	close(release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	chats := h.tr.chats()
	require.Len(t, chats, 2)
	assert.Equal(t, "m1", chats[0].env.Payload.(*protocol.Chat).ID)
	assert.Equal(t, "m2", chats[1].env.Payload.(*protocol.Chat).ID)
	m2, ok := h.q.Get("m2")
	require.True(t, ok)
	assert.Equal(t, types.StatusSent, m2.Status)
}

func TestProtocol_AckWindow(t *testing.T) {
	h := newHarness(t, true, nil)
	assert.Equal(t, 10*time.Second, h.p.AckWindow(1))
	assert.Equal(t, 20*time.Second, h.p.AckWindow(2))
	assert.Equal(t, 40*time.Second, h.p.AckWindow(3))
	assert.Equal(t, 2*time.Minute, h.p.AckWindow(10))
}

func TestProtocol_AckCompletesOnce(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx := context.Background()

	var receipts, global receiptLog
	h.p.OnReceipt(global.add)
	_, err := h.p.Send(ctx, OutboundMessage{ID: "m1", RecipientID: "bob", Payload: []byte("hi")},
		WithCompletion(receipts.add))
	require.NoError(t, err)

	pending := h.p.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempt)

	h.clk.Add(120 * time.Millisecond)
	ack := h.ack(t, "m1", types.ReceiptDelivered)
	h.tr.deliver(ack)
	h.tr.deliver(ack)
	h.tr.deliver(h.ack(t, "m1", types.ReceiptDelivered))

	got := receipts.all()
	require.Len(t, got, 1)
	assert.True(t, got[0].Delivered())
	assert.Equal(t, 120*time.Millisecond, got[0].Latency)
	assert.Len(t, global.all(), 1)
	assert.Equal(t, 0, h.q.Len())
	assert.Empty(t, h.p.Pending())

	// ACK 之后的超时扫描不会再触发重发
	h.clk.Add(time.Minute)
	assert.Equal(t, 0, h.p.CheckTimeouts(ctx, h.clk.Now()))
	assert.Len(t, h.tr.chats(), 1)
}

func TestProtocol_DuplicateSendKeepsBothCompletions(t *testing.T) {
	h := newHarness(t, false, nil)
	ctx := context.Background()

	var first, second receiptLog
	_, err := h.p.Send(ctx, OutboundMessage{ID: "m1", RecipientID: "bob", Payload: []byte("hi")}, WithCompletion(first.add))
	require.NoError(t, err)
	id, err := h.p.Send(ctx, OutboundMessage{ID: "m1", RecipientID: "bob", Payload: []byte("hi")}, WithCompletion(second.add))
	require.NoError(t, err)
	assert.Equal(t, "m1", id)
	assert.Equal(t, 1, h.q.Len())

	h.tr.setConnected(true)
	require.Len(t, h.tr.chats(), 1)
	h.tr.deliver(h.ack(t, "m1", types.ReceiptDelivered))

	require.Len(t, first.all(), 1)
	require.Len(t, second.all(), 1)
	assert.True(t, second.all()[0].Delivered())
}

func TestProtocol_LateAckAfterTimeout(t *testing.T) {
	h := newHarness(t, false, nil)
	ctx := context.Background()

	var receipts receiptLog
	_, err := h.p.Send(ctx, OutboundMessage{ID: "m1", RecipientID: "bob"}, WithCompletion(receipts.add))
	require.NoError(t, err)
	h.tr.setConnected(true)
	require.Len(t, h.tr.chats(), 1)

	// 离线后超时，条目等待重发
	h.tr.setConnected(false)
	h.clk.Add(10 * time.Second)
	assert.Equal(t, 1, h.p.CheckTimeouts(ctx, h.clk.Now()))

	h.tr.deliver(h.ack(t, "m1", types.ReceiptDelivered))
	got := receipts.all()
	require.Len(t, got, 1)
	assert.True(t, got[0].Delivered())
	assert.Equal(t, 0, h.q.Len())
}

func TestProtocol_NegativeAck(t *testing.T) {
	h := newHarness(t, true, nil)

	var receipts receiptLog
	_, err := h.p.Send(context.Background(), OutboundMessage{ID: "m1", RecipientID: "bob"}, WithCompletion(receipts.add))
	require.NoError(t, err)

	h.tr.deliver(h.ack(t, "m1", types.ReceiptRejected))
	got := receipts.all()
	require.Len(t, got, 1)
	assert.Equal(t, types.ReceiptRejected, got[0].Status)
	assert.Equal(t, 0, h.q.Len())
}

func TestProtocol_OfflineEnqueueFlushesOnReconnect(t *testing.T) {
	h := newHarness(t, false, nil)

	for _, id := range []string{"m1", "m2"} {
		_, err := h.p.Send(context.Background(), OutboundMessage{ID: id, RecipientID: "bob"})
		require.NoError(t, err)
	}
	assert.Empty(t, h.tr.chats())
	assert.Equal(t, 2, h.q.Len())

	h.tr.setConnected(true)
	chats := h.tr.chats()
	require.Len(t, chats, 2)
	assert.Equal(t, "m1", chats[0].env.Payload.(*protocol.Chat).ID)
	assert.Equal(t, "m2", chats[1].env.Payload.(*protocol.Chat).ID)

	for _, id := range []string{"m1", "m2"} {
		h.tr.deliver(h.ack(t, id, types.ReceiptDelivered))
	}
	assert.Equal(t, 0, h.q.Len())
}

func TestProtocol_TransportErrorUsesQueueBackoff(t *testing.T) {
	h := newHarness(t, true, nil)
	h.tr.setSendErr(errors.New("broken pipe"))

	_, err := h.p.Send(context.Background(), OutboundMessage{ID: "m1", RecipientID: "bob"})
	require.NoError(t, err)

	m, ok := h.q.Get("m1")
	require.True(t, ok)
	assert.Equal(t, types.StatusPending, m.Status)
	assert.Equal(t, 1, m.RetryCount)
	assert.Equal(t, h.clk.Now().Add(time.Second), m.NextRetryAt)

	h.tr.setSendErr(nil)
	assert.Equal(t, 0, h.p.Flush(context.Background()))
	h.clk.Add(time.Second)
	assert.Equal(t, 1, h.p.Flush(context.Background()))
	assert.Len(t, h.tr.chats(), 1)
}

func TestProtocol_ExpiredBeforeSend(t *testing.T) {
	h := newHarness(t, false, nil)

	var receipts receiptLog
	_, err := h.p.Send(context.Background(), OutboundMessage{ID: "m1", RecipientID: "bob", TTL: 5 * time.Second},
		WithCompletion(receipts.add))
	require.NoError(t, err)

	h.clk.Add(6 * time.Second)
	h.tr.setConnected(true)

	assert.Empty(t, h.tr.chats())
	got := receipts.all()
	require.Len(t, got, 1)
	assert.Equal(t, types.ReceiptExpired, got[0].Status)
}

func TestProtocol_EvictionReportsCompletion(t *testing.T) {
	h := newHarness(t, false, func(_ *Config, q *queue.Config) {
		q.MaxPerSession = 1
		q.OverflowPolicy = config.OverflowEvictOldest
	})

	var receipts receiptLog
	_, err := h.p.Send(context.Background(), OutboundMessage{ID: "m1", RecipientID: "bob"}, WithCompletion(receipts.add))
	require.NoError(t, err)
	_, err = h.p.Send(context.Background(), OutboundMessage{ID: "m2", RecipientID: "bob"})
	require.NoError(t, err)

	got := receipts.all()
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].MessageID)
	assert.Equal(t, types.ReceiptFailed, got[0].Status)
	assert.ErrorIs(t, got[0].Err, queue.ErrEvicted)
}

func TestProtocol_SendValidation(t *testing.T) {
	h := newHarness(t, true, nil)
	_, err := h.p.Send(context.Background(), OutboundMessage{RecipientID: "bad id"})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = New(DefaultConfig(), nil, h.q)
	assert.ErrorIs(t, err, ErrNilTransport)
	_, err = New(DefaultConfig(), h.tr, nil)
	assert.ErrorIs(t, err, ErrNilQueue)
}

func TestProtocol_PeriodicFlush(t *testing.T) {
	h := newHarness(t, true, nil)
	h.tr.setSendErr(errors.New("broken pipe"))
	_, err := h.p.Send(context.Background(), OutboundMessage{ID: "m1", RecipientID: "bob"})
	require.NoError(t, err)
	h.tr.setSendErr(nil)

	h.p.Start(t.Context())
	defer h.p.Stop()

	assert.Eventually(t, func() bool {
		h.clk.Add(5 * time.Second)
		return len(h.tr.chats()) >= 1
	}, time.Second, 10*time.Millisecond)
}

// ============================================================================
//                              入站
// ============================================================================

func TestProtocol_InboundDeliversAndAcks(t *testing.T) {
	h := newHarness(t, true, nil)

	var got []*Message
	h.p.Registry().Handle(conv, func(_ context.Context, m *Message) error {
		got = append(got, m)
		return nil
	})

	require.NoError(t, h.p.HandleIncoming(context.Background(), h.chat(t, "c1", h.clk.Now(), 0)))
	require.Len(t, got, 1)
	assert.Equal(t, conv, got[0].ConversationID)
	assert.Equal(t, []byte("ct"), got[0].Ciphertext)
	assert.Nil(t, got[0].Plaintext)

	acks := h.tr.acks()
	require.Len(t, acks, 1)
	assert.Equal(t, "c1", acks[0].RefMessageID)
	assert.Equal(t, types.ReceiptDelivered, acks[0].Status)
}

func TestProtocol_InboundDuplicateReacked(t *testing.T) {
	h := newHarness(t, true, nil)

	calls := 0
	h.p.Registry().Handle(conv, func(context.Context, *Message) error {
		calls++
		return nil
	})

	data := h.chat(t, "c1", h.clk.Now(), 0)
	require.NoError(t, h.p.HandleIncoming(context.Background(), data))
	require.NoError(t, h.p.HandleIncoming(context.Background(), data))

	assert.Equal(t, 1, calls)
	acks := h.tr.acks()
	require.Len(t, acks, 2)
	assert.Equal(t, types.ReceiptDelivered, acks[1].Status)
}

func TestProtocol_InboundExpiredNeverReachesHandler(t *testing.T) {
	h := newHarness(t, true, nil)

	called := false
	h.p.Registry().SetDefault(func(context.Context, *Message) error {
		called = true
		return nil
	})

	data := h.chat(t, "c1", h.clk.Now().Add(-10*time.Second), 5*time.Second)
	err := h.p.HandleIncoming(context.Background(), data)
	assert.ErrorIs(t, err, protocol.ErrExpired)
	assert.False(t, called)

	acks := h.tr.acks()
	require.Len(t, acks, 1)
	assert.Equal(t, types.ReceiptExpired, acks[0].Status)
	assert.Equal(t, "c1", acks[0].RefMessageID)
}

func TestProtocol_InboundRejected(t *testing.T) {
	h := newHarness(t, true, nil)
	h.p.Registry().SetDefault(func(context.Context, *Message) error {
		t.Fatal("handler must not run")
		return nil
	})

	// 未来时间戳超出允许偏差
	err := h.p.HandleIncoming(context.Background(), h.chat(t, "c1", h.clk.Now().Add(10*time.Minute), 0))
	assert.ErrorIs(t, err, protocol.ErrFutureTimestamp)

	bad := encode(t, protocol.New(h.clk.Now(), &protocol.Chat{ID: "c2", SenderID: "b o b", RecipientID: "alice", Timestamp: h.clk.Now()}))
	assert.ErrorIs(t, h.p.HandleIncoming(context.Background(), bad), types.ErrValidation)

	acks := h.tr.acks()
	require.Len(t, acks, 2)
	assert.Equal(t, types.ReceiptRejected, acks[0].Status)
	assert.Equal(t, types.ReceiptRejected, acks[1].Status)

	assert.Error(t, h.p.HandleIncoming(context.Background(), []byte("{garbage")))
}

func TestProtocol_InboundHandlerFailure(t *testing.T) {
	h := newHarness(t, true, nil)

	err := h.p.HandleIncoming(context.Background(), h.chat(t, "c1", h.clk.Now(), 0))
	assert.ErrorIs(t, err, ErrNoHandler)

	h.p.Registry().Handle(conv, func(context.Context, *Message) error {
		return errors.New("disk full")
	})
	err = h.p.HandleIncoming(context.Background(), h.chat(t, "c2", h.clk.Now(), 0))
	assert.EqualError(t, err, "disk full")

	acks := h.tr.acks()
	require.Len(t, acks, 2)
	assert.Equal(t, types.ReceiptFailed, acks[0].Status)
	assert.Equal(t, types.ReceiptFailed, acks[1].Status)
	assert.Equal(t, "disk full", acks[1].Detail)
}

func TestProtocol_ManualAck(t *testing.T) {
	h := newHarness(t, true, func(c *Config, _ *queue.Config) { c.AutoAck = false })
	h.p.Registry().SetDefault(func(context.Context, *Message) error { return nil })

	require.NoError(t, h.p.HandleIncoming(context.Background(), h.chat(t, "c1", h.clk.Now(), 0)))
	assert.Empty(t, h.tr.acks())

	require.NoError(t, h.p.Ack(context.Background(), "c1", types.ReceiptDelivered, ""))
	require.Len(t, h.tr.acks(), 1)
	assert.ErrorIs(t, h.p.Ack(context.Background(), "c1", "bogus", ""), types.ErrValidation)
}

func TestProtocol_PingPong(t *testing.T) {
	h := newHarness(t, true, nil)

	var pongs []string
	h.p.SetPongHandler(func(p *protocol.Pong, _ time.Time) {
		pongs = append(pongs, p.ID)
	})

	h.tr.deliver(encode(t, protocol.New(h.clk.Now(), &protocol.Ping{ID: "p1"})))
	replies := h.tr.byType(protocol.TypePong)
	require.Len(t, replies, 1)
	assert.Equal(t, "p1", replies[0].env.Payload.(*protocol.Pong).ID)

	h.tr.deliver(encode(t, protocol.New(h.clk.Now(), &protocol.Pong{ID: "p9"})))
	assert.Equal(t, []string{"p9"}, pongs)
}

func TestProtocol_EncryptedRoundTrip(t *testing.T) {
	secret := []byte("shared secret for tests")
	opt := WithCrypto(secretbox.New(), secretbox.SharedSecretResolver(secret))

	alice := newHarness(t, true, nil, opt)
	bob := newHarness(t, true, nil, opt, WithLocalID("bob"))

	_, err := alice.p.Send(context.Background(), OutboundMessage{ID: "m1", RecipientID: "bob", Payload: []byte("hello")})
	require.NoError(t, err)
	chats := alice.tr.chats()
	require.Len(t, chats, 1)
	assert.NotEqual(t, []byte("hello"), chats[0].env.Payload.(*protocol.Chat).EncryptedPayload)

	var plain []byte
	bob.p.Registry().Handle(conv, func(_ context.Context, m *Message) error {
		plain = m.Plaintext
		return nil
	})
	require.NoError(t, bob.p.HandleIncoming(context.Background(), chats[0].raw))
	assert.Equal(t, []byte("hello"), plain)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup("c")
	assert.False(t, ok)

	r.Handle("b", func(context.Context, *Message) error { return nil })
	r.Handle("a", func(context.Context, *Message) error { return nil })
	assert.Equal(t, []string{"a", "b"}, r.Conversations())

	r.SetDefault(func(context.Context, *Message) error { return errors.New("default") })
	h, ok := r.Lookup("c")
	require.True(t, ok)
	assert.EqualError(t, h(context.Background(), nil), "default")

	r.Remove("a")
	assert.Equal(t, []string{"b"}, r.Conversations())
}
