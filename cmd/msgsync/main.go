// Package main 提供 msgsync 命令行客户端
//
// 子命令：
//
//	msgsync send     -user alice -device phone -to bob -text "hi"
//	msgsync watch    -user bob -device laptop
//	msgsync catch-up -user bob -device tablet -peer alice
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	msgsync "github.com/dep2p/go-msgsync"
	"github.com/dep2p/go-msgsync/pkg/lib/log"
	"github.com/dep2p/go-msgsync/pkg/protocol"
)

var logger = log.Logger("msgsync/cmd")

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printHelp()
		return nil
	}
	switch args[0] {
	case "send":
		return runSend(args[1:])
	case "watch":
		return runWatch(args[1:])
	case "catch-up":
		return runCatchUp(args[1:])
	case "version", "-version", "--version":
		fmt.Println(msgsync.VersionInfo())
		return nil
	case "help", "-h", "-help", "--help":
		printHelp()
		return nil
	default:
		printHelp()
		return fmt.Errorf("未知子命令 %q", args[0])
	}
}

func printHelp() {
	fmt.Println("msgsync - 可靠消息投递与多设备同步客户端")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  msgsync <send|watch|catch-up|version> [选项]")
	fmt.Println()
	fmt.Println("每个子命令使用 -h 查看选项。")
}

// ════════════════════════════════════════════════════════════════════════════
//                              公共参数
// ════════════════════════════════════════════════════════════════════════════

// commonFlags 所有子命令共享的参数
type commonFlags struct {
	configFile string
	preset     string
	relay      string
	user       string
	device     string
	secret     string
	dataDir    string
	logLevel   string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configFile, "config", "", "配置文件路径（JSON）")
	fs.StringVar(&c.preset, "preset", msgsync.PresetNameDesktop, "预设配置 (mobile/desktop/test)")
	fs.StringVar(&c.relay, "relay", envOr("MSGSYNC_RELAY_URL", "ws://127.0.0.1:7300/v1/ws"), "中继 WebSocket 地址")
	fs.StringVar(&c.user, "user", os.Getenv("MSGSYNC_USER"), "本地用户 ID")
	fs.StringVar(&c.device, "device", os.Getenv("MSGSYNC_DEVICE"), "本地设备 ID")
	fs.StringVar(&c.secret, "secret", os.Getenv("MSGSYNC_SECRET"), "端到端加密共享秘密（为空则不加密）")
	fs.StringVar(&c.dataDir, "data-dir", "", "数据目录")
	fs.StringVar(&c.logLevel, "log-level", "warn", "日志级别 (debug/info/warn/error)")
}

func (c *commonFlags) options() []msgsync.Option {
	var opts []msgsync.Option
	if c.configFile != "" {
		opts = append(opts, msgsync.WithConfigFile(c.configFile))
	}
	opts = append(opts,
		msgsync.WithPreset(msgsync.PresetByName(c.preset)),
		msgsync.WithIdentity(c.user, c.device),
		msgsync.WithRelayURL(c.relay),
	)
	if c.secret != "" {
		opts = append(opts, msgsync.WithSharedSecret([]byte(c.secret)))
	}
	if c.dataDir != "" {
		opts = append(opts, msgsync.WithDataDir(c.dataDir))
	}
	return opts
}

// start 配置日志并启动客户端
func (c *commonFlags) start(ctx context.Context) (*msgsync.Client, error) {
	if err := log.Setup(os.Stderr, c.logLevel, "text"); err != nil {
		return nil, err
	}
	client, err := msgsync.Start(ctx, c.options()...)
	if err != nil {
		return nil, err
	}
	logger.Info("客户端就绪", "user", client.UserID(), "device", client.DeviceID())
	return client, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ════════════════════════════════════════════════════════════════════════════
//                              send
// ════════════════════════════════════════════════════════════════════════════

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	to := fs.String("to", "", "收件用户 ID")
	text := fs.String("text", "", "消息内容")
	high := fs.Bool("high", false, "高优先级")
	wait := fs.Duration("wait", 30*time.Second, "等待回执的时长")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *to == "" || *text == "" {
		return errors.New("send 需要 -to 与 -text")
	}

	ctx, cancel := signalContext()
	defer cancel()
	client, err := common.start(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	waitCtx, waitCancel := context.WithTimeout(ctx, *wait)
	defer waitCancel()
	receipt, err := client.SendAndWait(waitCtx, msgsync.OutboundMessage{
		RecipientID: *to,
		Payload:     []byte(*text),
		High:        *high,
	})
	if err != nil {
		// 未确认的消息留在持久化队列，下次启动继续投递
		return fmt.Errorf("等待回执失败: %w", err)
	}

	fmt.Printf("%s  %s", receipt.MessageID, receipt.Status)
	if receipt.Detail != "" {
		fmt.Printf(" (%s)", receipt.Detail)
	}
	fmt.Printf("  %s\n", receipt.Latency.Round(time.Millisecond))
	if !receipt.Delivered() {
		return fmt.Errorf("消息未送达: %s", receipt.Status)
	}
	return nil
}

// ════════════════════════════════════════════════════════════════════════════
//                              watch
// ════════════════════════════════════════════════════════════════════════════

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	client, err := common.start(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	client.HandleDefault(func(_ context.Context, m *msgsync.Message) error {
		body := m.Plaintext
		if body == nil {
			body = m.Ciphertext
		}
		fmt.Printf("[%s] %s → %s: %s\n",
			m.Timestamp.Format(time.TimeOnly), m.SenderID, m.ConversationID, body)
		return nil
	})
	client.OnQualityChange(func(prev, next msgsync.QualityTier) {
		fmt.Printf("连接质量: %s → %s\n", prev, next)
	})

	fmt.Println("等待消息，按 Ctrl+C 退出")
	<-ctx.Done()
	return nil
}

// ════════════════════════════════════════════════════════════════════════════
//                              catch-up
// ════════════════════════════════════════════════════════════════════════════

func runCatchUp(args []string) error {
	fs := flag.NewFlagSet("catch-up", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	peer := fs.String("peer", "", "一对一会话的对端用户 ID")
	conv := fs.String("conv", "", "会话 ID（优先于 -peer）")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	client, err := common.start(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	conversationID := *conv
	if conversationID == "" {
		if *peer == "" {
			return errors.New("catch-up 需要 -peer 或 -conv")
		}
		conversationID = protocol.DirectConversation(client.UserID(), *peer)
	}

	res, err := client.CatchUp(ctx, conversationID, func(_ context.Context, m msgsync.StoredMessage) error {
		body, err := client.Decrypt(m.ConversationID, m.Payload)
		if err != nil {
			return err
		}
		fmt.Printf("#%d [%s] %s: %s\n", m.Sequence, m.SentAt.Format(time.DateTime), m.SenderID, body)
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("已应用 %d 条，同步到 %d / %d\n", res.Applied, res.LastSynced, res.LastKnown)
	return nil
}
