// Package main 提供独立的消息中继服务
//
// 中继为在线设备转发消息，为离线收件人持久化消息并分配会话序号，
// 并通过 HTTP 同步接口服务多设备追赶。
//
// 使用方法:
//
//	msgsync-relay -listen :7300 -backend sqlite -data-dir ./relay-data
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	msgsync "github.com/dep2p/go-msgsync"
	"github.com/dep2p/go-msgsync/config"
	"github.com/dep2p/go-msgsync/internal/server"
	"github.com/dep2p/go-msgsync/pkg/lib/log"
)

var logger = log.Logger("msgsync/relay")

// 环境变量前缀，例如 MSGSYNC_RELAY_LISTEN
const envPrefix = "MSGSYNC_"

var (
	configFile  = flag.String("config", "", "配置文件路径（JSON）")
	listenAddr  = flag.String("listen", "", "监听地址（默认 :7300）")
	backend     = flag.String("backend", "", "序号存储后端 (sqlite/badger)")
	dataDir     = flag.String("data-dir", "", "数据目录")
	logLevel    = flag.String("log-level", "", "日志级别 (debug/info/warn/error)")
	logFormat   = flag.String("log-format", "", "日志格式 (text/json)")
	showVersion = flag.Bool("version", false, "显示版本信息")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	if *showVersion {
		fmt.Println(msgsync.VersionInfo())
		return nil
	}

	cfg, err := buildConfig()
	if err != nil {
		return fmt.Errorf("配置错误: %w", err)
	}
	if err := log.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("启动消息中继", "version", msgsync.Version, "commit", msgsync.GitCommit)
	srv, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("创建中继失败: %w", err)
	}
	if err := srv.Start(); err != nil {
		_ = srv.Close(context.Background())
		return fmt.Errorf("启动中继失败: %w", err)
	}

	fmt.Printf("中继已启动: ws://%s/v1/ws  同步接口: http://%s/v1/sync\n", srv.Addr(), srv.Addr())
	fmt.Println("按 Ctrl+C 停止")
	<-ctx.Done()

	fmt.Println("\n正在关闭中继...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Close(shutdownCtx)
}

// buildConfig 合并配置
//
// 优先级（从高到低）：命令行参数 > 环境变量 > 配置文件 > 默认值
func buildConfig() (*config.Config, error) {
	cfg := config.NewConfig()
	if *configFile != "" {
		loaded, err := config.LoadFile(*configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	applyEnvOverrides(cfg)

	if *listenAddr != "" {
		cfg.Relay.ListenAddr = *listenAddr
	}
	if *backend != "" {
		cfg.Relay.SequenceBackend = *backend
	}
	if *dataDir != "" {
		cfg.Relay.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	if err := cfg.Relay.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Log.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides 应用环境变量覆盖
//
//   - MSGSYNC_RELAY_LISTEN: 监听地址
//   - MSGSYNC_RELAY_BACKEND: 序号存储后端
//   - MSGSYNC_RELAY_DATA_DIR: 数据目录
//   - MSGSYNC_RELAY_ALLOC_ATTEMPTS: 序号冲突重试次数
//   - MSGSYNC_LOG_LEVEL: 日志级别
func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv(envPrefix + "RELAY_LISTEN"); v != "" {
		cfg.Relay.ListenAddr = v
	}
	if v := os.Getenv(envPrefix + "RELAY_BACKEND"); v != "" {
		cfg.Relay.SequenceBackend = v
	}
	if v := os.Getenv(envPrefix + "RELAY_DATA_DIR"); v != "" {
		cfg.Relay.DataDir = v
	}
	if v := os.Getenv(envPrefix + "RELAY_ALLOC_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Relay.AllocMaxAttempts = n
		}
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
