package msgsync

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-msgsync/config"
	"github.com/dep2p/go-msgsync/internal/core/sequence/sqlstore"
	"github.com/dep2p/go-msgsync/internal/server"
	"github.com/dep2p/go-msgsync/internal/transport/memory"
	"github.com/dep2p/go-msgsync/pkg/protocol"
	"github.com/dep2p/go-msgsync/pkg/types"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// inbox 收集处理器收到的明文
type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (b *inbox) handler(_ context.Context, m *Message) error {
	b.mu.Lock()
	b.msgs = append(b.msgs, string(m.Plaintext))
	b.mu.Unlock()
	return nil
}

func (b *inbox) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.msgs...)
}

func startClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	base := []Option{WithPreset(PresetTest), WithSharedSecret(testSecret)}
	c, err := Start(context.Background(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitReceipt(t *testing.T, ch <-chan Receipt) Receipt {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("未收到回执")
		return Receipt{}
	}
}

// ============================================================================
//                              构造
// ============================================================================

func TestNew_RequiresIdentity(t *testing.T) {
	_, err := New(WithPreset(PresetTest), WithRelayURL("ws://127.0.0.1:1/v1/ws"))
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = New(WithIdentity("alice", "bad device"))
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestNew_RequiresTransport(t *testing.T) {
	_, err := New(WithPreset(PresetTest), WithIdentity("alice", "phone"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no relay url")
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Queue.OverflowPolicy = "drop-everything"
	a, _ := memory.Pipe()
	_, err := New(WithConfig(cfg), WithIdentity("alice", "phone"), WithTransport(a))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overflow_policy")
}

func TestSyncURLFromRelay(t *testing.T) {
	got, err := syncURLFromRelay("ws://127.0.0.1:7300/v1/ws?x=1")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:7300", got)

	got, err = syncURLFromRelay("wss://relay.example/v1/ws")
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example", got)

	_, err = syncURLFromRelay("tcp://relay.example")
	assert.Error(t, err)
}

func TestPresets(t *testing.T) {
	cfg := config.NewConfig()
	PresetByName(PresetNameMobile).Apply(cfg)
	assert.Equal(t, config.Duration(60*time.Second), cfg.Heartbeat.Interval)
	require.NoError(t, cfg.Validate())

	cfg = config.NewConfig()
	PresetByName(PresetNameTest).Apply(cfg)
	assert.Equal(t, config.StorageMemory, cfg.Storage.Backend)
	require.NoError(t, cfg.Validate())

	assert.Same(t, PresetDesktop, PresetByName("unknown"))
}

// ============================================================================
//                              生命周期
// ============================================================================

func TestClient_Lifecycle(t *testing.T) {
	a, _ := memory.Pipe()
	c, err := New(WithPreset(PresetTest), WithIdentity("alice", "phone"), WithTransport(a))
	require.NoError(t, err)

	_, err = c.Send(context.Background(), OutboundMessage{RecipientID: "bob", Payload: []byte("x")})
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
	assert.True(t, c.Online())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err = c.Send(context.Background(), OutboundMessage{RecipientID: "bob", Payload: []byte("x")})
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.ErrorIs(t, c.Start(context.Background()), ErrClientClosed)
}

func TestClient_CatchUpWithoutSource(t *testing.T) {
	a, _ := memory.Pipe()
	c := startClient(t, WithIdentity("alice", "phone"), WithTransport(a))
	_, err := c.CatchUp(context.Background(), "dm:alice:bob", func(context.Context, StoredMessage) error { return nil })
	assert.ErrorIs(t, err, ErrNoSyncSource)
}

// ============================================================================
//                              点对点（内存传输）
// ============================================================================

func TestClient_DirectRoundTrip(t *testing.T) {
	a, b := memory.Pipe()
	alice := startClient(t, WithIdentity("alice", "phone"), WithTransport(a))
	bob := startClient(t, WithIdentity("bob", "laptop"), WithTransport(b))

	got := &inbox{}
	bob.HandleDirect("alice", got.handler)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	receipt, err := alice.SendAndWait(ctx, OutboundMessage{RecipientID: "bob", Payload: []byte("hello bob")})
	require.NoError(t, err)
	assert.True(t, receipt.Delivered())
	assert.Equal(t, []string{"hello bob"}, got.snapshot())
	assert.Equal(t, 0, alice.QueueStats().Active)
}

func TestClient_OfflineQueueFlushedOnReconnect(t *testing.T) {
	a, b := memory.Pipe()
	alice := startClient(t, WithIdentity("alice", "phone"), WithTransport(a))
	bob := startClient(t, WithIdentity("bob", "laptop"), WithTransport(b))

	got := &inbox{}
	bob.HandleDirect("alice", got.handler)

	a.SetLinkUp(false)
	require.Eventually(t, func() bool { return !alice.Online() }, time.Second, 5*time.Millisecond)

	receipts := make(chan Receipt, 2)
	for _, text := range []string{"one", "two"} {
		_, err := alice.Send(context.Background(),
			OutboundMessage{RecipientID: "bob", Payload: []byte(text)},
			WithCompletion(func(r Receipt) { receipts <- r }))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, alice.QueueStats().Active)
	assert.Empty(t, got.snapshot())

	a.SetLinkUp(true)
	assert.True(t, waitReceipt(t, receipts).Delivered())
	assert.True(t, waitReceipt(t, receipts).Delivered())
	assert.Equal(t, []string{"one", "two"}, got.snapshot())
}

func TestClient_NoHandlerFails(t *testing.T) {
	a, b := memory.Pipe()
	alice := startClient(t, WithIdentity("alice", "phone"), WithTransport(a))
	startClient(t, WithIdentity("bob", "laptop"), WithTransport(b))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	receipt, err := alice.SendAndWait(ctx, OutboundMessage{RecipientID: "bob", Payload: []byte("anyone?")})
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptFailed, receipt.Status)
}

func TestClient_Metrics(t *testing.T) {
	a, b := memory.Pipe()
	alice := startClient(t, WithIdentity("alice", "phone"), WithTransport(a))
	bob := startClient(t, WithIdentity("bob", "laptop"), WithTransport(b))
	bob.HandleDefault(func(context.Context, *Message) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := alice.SendAndWait(ctx, OutboundMessage{RecipientID: "bob", Payload: []byte("m")})
	require.NoError(t, err)

	families, err := alice.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["msgsync_delivery_outcomes_total"])
	assert.True(t, names["msgsync_queue_enqueued_total"])
}

// ============================================================================
//                              经中继（WebSocket + HTTP 同步）
// ============================================================================

func startRelay(t *testing.T) (*server.Server, string) {
	t.Helper()
	ctx := context.Background()
	store, err := sqlstore.OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv, err := server.New(ctx, config.NewConfig(), server.WithBackend(store))
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Close(context.Background())
		hs.Close()
	})
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http") + "/v1/ws"
}

func TestClient_RelayStoreAndCatchUp(t *testing.T) {
	srv, relayURL := startRelay(t)
	conv := protocol.DirectConversation("alice", "bob")

	alice := startClient(t, WithIdentity("alice", "phone"), WithRelayURL(relayURL))
	bob := startClient(t, WithIdentity("bob", "laptop"), WithRelayURL(relayURL))
	require.Eventually(t, func() bool { return srv.ConnectedDevices() == 2 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return alice.Online() && bob.Online() }, 5*time.Second, 10*time.Millisecond)

	live := &inbox{}
	bob.HandleDirect("alice", live.handler)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 收件人在线：由收件设备确认
	receipt, err := alice.SendAndWait(ctx, OutboundMessage{RecipientID: "bob", Payload: []byte("live")})
	require.NoError(t, err)
	assert.True(t, receipt.Delivered())
	assert.Empty(t, receipt.Detail)
	assert.Equal(t, []string{"live"}, live.snapshot())

	// 收件人离线：中继落库后代为确认
	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool { return srv.ConnectedDevices() == 1 }, 5*time.Second, 10*time.Millisecond)
	for _, text := range []string{"offline-1", "offline-2"} {
		receipt, err := alice.SendAndWait(ctx, OutboundMessage{RecipientID: "bob", Payload: []byte(text)})
		require.NoError(t, err)
		assert.True(t, receipt.Delivered())
		assert.Equal(t, server.StoredDetail, receipt.Detail)
	}

	// 同一设备重新上线后按序追赶
	bob2 := startClient(t, WithIdentity("bob", "laptop"), WithRelayURL(relayURL))
	var texts []string
	var seqs []uint64
	res, err := bob2.CatchUp(ctx, conv, func(_ context.Context, m StoredMessage) error {
		plain, err := bob2.Decrypt(m.ConversationID, m.Payload)
		if err != nil {
			return err
		}
		texts = append(texts, string(plain))
		seqs = append(seqs, m.Sequence)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Applied)
	assert.Equal(t, uint64(3), res.LastSynced)
	assert.Equal(t, []string{"live", "offline-1", "offline-2"}, texts)
	assert.Equal(t, []uint64{1, 2, 3}, seqs)

	ptr, err := bob2.SyncPointer(conv)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ptr.LastSynced)

	// 再次追赶没有新消息
	res, err = bob2.CatchUp(ctx, conv, func(context.Context, StoredMessage) error {
		t.Fatal("不应再应用消息")
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, res.Applied)
}

func TestClient_HeartbeatMeasuresRelay(t *testing.T) {
	_, relayURL := startRelay(t)
	alice := startClient(t, WithIdentity("alice", "phone"), WithRelayURL(relayURL))

	require.Eventually(t, func() bool {
		return alice.Quality().Samples > 0
	}, 5*time.Second, 20*time.Millisecond)
	q := alice.Quality()
	assert.NotEqual(t, types.TierUnknown, q.Tier)
	assert.Positive(t, q.SuccessCount)
}
