// Package msgsync 提供端到端加密消息的可靠投递与多设备同步
//
// 客户端把密文消息放入离线队列，通过中继投递并等待 ACK，超时按指数退避
// 重试；心跳估计连接质量。中继为每个会话分配严格递增的序号，离线设备
// 重新上线后从上次同步位置按序追赶。
//
// # 快速开始
//
//	import "github.com/dep2p/go-msgsync"
//
//	client, err := msgsync.Start(ctx,
//	    msgsync.WithIdentity("alice", "alice-phone"),
//	    msgsync.WithRelayURL("ws://127.0.0.1:7300/v1/ws"),
//	    msgsync.WithSharedSecret(secret),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.HandleDirect("bob", func(ctx context.Context, m *msgsync.Message) error {
//	    fmt.Println(string(m.Plaintext))
//	    return nil
//	})
//
//	receipt, err := client.SendAndWait(ctx, msgsync.OutboundMessage{
//	    RecipientID: "bob",
//	    Payload:     []byte("hello"),
//	})
//
// # 组件
//
//	┌──────────────────────────────────────────────────────────┐
//	│  Client                                                  │
//	│  ┌────────────┐  ┌──────────┐  ┌───────────┐             │
//	│  │ Delivery   │──│  Queue   │──│  Storage  │ (badger)    │
//	│  └─────┬──────┘  └──────────┘  └───────────┘             │
//	│        │  ┌───────────┐  ┌─────────┐  ┌──────────┐       │
//	│        ├──│ Heartbeat │  │ netmon  │  │ CatchUp  │       │
//	│        │  └───────────┘  └─────────┘  └────┬─────┘       │
//	├────────┼───────────────────────────────────┼─────────────┤
//	│  Transport (WebSocket)               SyncSource (HTTP)   │
//	└────────┼───────────────────────────────────┼─────────────┘
//	         ▼                                   ▼
//	      relay: Allocator (sqlite/badger) + Tracker
//
// # 文件组织
//
//   - client.go: Client 主体与公共 API
//   - options.go: 用户选项
//   - presets.go: 场景预设
//   - fx.go: 组件装配与生命周期
//   - errors.go: 公共错误
//   - version.go: 版本信息
package msgsync
