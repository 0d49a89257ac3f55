package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nftbot/gonft/internal/dispatch"
	"github.com/nftbot/gonft/internal/engine"
	"github.com/nftbot/gonft/internal/feed"
	"github.com/nftbot/gonft/internal/marketplace"
	"github.com/nftbot/gonft/internal/purchase"
	"github.com/nftbot/gonft/internal/server"
	"github.com/nftbot/gonft/pkg/config"
	"github.com/nftbot/gonft/pkg/logger"
	"github.com/nftbot/gonft/pkg/persistence"
	"github.com/nftbot/gonft/pkg/secretstore"
	"github.com/nftbot/gonft/pkg/shutdown"
)

func main() {
	// 加载 .env（尽力而为，不存在就用真实环境变量）
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", os.Getenv("WATCHER_CONFIG"), "配置文件路径 (yaml/json)")
		webhookURL = flag.String("webhook", os.Getenv("NOTIFY_WEBHOOK_URL"), "通知 webhook 地址（可选）")
	)
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	// 状态持久化走 badger
	store, err := persistence.NewBadgerService(cfg.DataDir)
	if err != nil {
		logger.Errorf("打开持久化存储失败: %v", err)
		os.Exit(1)
	}

	// API key 优先从配置/环境变量取，没有时尝试加密凭据库
	apiKey := cfg.Marketplace.APIKey
	if apiKey == "" {
		if path := os.Getenv("SECRETSTORE_PATH"); path != "" {
			key, err := secretstore.ParseKey(os.Getenv("SECRETSTORE_KEY"))
			if err != nil {
				logger.Errorf("解析凭据库密钥失败: %v", err)
				os.Exit(1)
			}
			secrets, err := secretstore.Open(secretstore.OpenOptions{
				Path:          path,
				EncryptionKey: key,
				ReadOnly:      true,
			})
			if err != nil {
				logger.Errorf("打开凭据库失败: %v", err)
				os.Exit(1)
			}
			v, ok, err := secrets.GetString(secretstore.KeyMarketplaceAPIKey)
			_ = secrets.Close()
			if err != nil {
				logger.Errorf("读取凭据库失败: %v", err)
				os.Exit(1)
			}
			if ok {
				apiKey = v
			}
		}
	}

	client := marketplace.NewClient(marketplace.Config{
		BaseURL: cfg.Marketplace.BaseURL,
		APIKey:  apiKey,
	})

	var sink dispatch.NotificationSink = dispatch.LogSink{}
	if *webhookURL != "" {
		sink = dispatch.NewWebhookSink(*webhookURL)
	}

	buyCh := purchase.NewChannel(16)
	// 购买请求消费端：这里只留痕，真正的签名提交由钱包侧接管
	go func() {
		for req := range buyCh.Requests() {
			logger.Infof("待执行购买: id=%s token=%s price=%s gas=%d/%d",
				req.ID, req.TokenID, req.PriceWei, req.GasFee, req.GasPriority)
		}
	}()

	eng := engine.NewEngine(client, engine.Config{
		Feed: feed.Config{
			PollInterval: time.Duration(cfg.Feed.PollIntervalMs) * time.Millisecond,
			FetchLimit:   cfg.Feed.FetchLimit,
			BufferSize:   cfg.Feed.BufferSize,
			RetryBudget:  cfg.Feed.RetryBudget,
		},
		StreamURL:   cfg.Marketplace.StreamURL,
		Sink:        sink,
		Sound:       dispatch.TerminalBell{},
		Purchaser:   buyCh,
		Persistence: store,
	})

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		logger.Errorf("引擎启动失败: %v", err)
		os.Exit(1)
	}

	srv := server.New(eng)
	if err := srv.Start(cfg.Server.Listen); err != nil {
		logger.Errorf("控制面启动失败: %v", err)
		os.Exit(1)
	}

	// 注册优雅关闭
	mgr := shutdown.NewManager()
	mgr.OnShutdown(func(ctx context.Context, _ *sync.WaitGroup) {
		_ = srv.Shutdown(ctx)
	})
	mgr.OnShutdown(func(ctx context.Context, _ *sync.WaitGroup) {
		if err := eng.Close(); err != nil {
			logger.Warnf("引擎关闭出错: %v", err)
		}
		buyCh.Close()
		_ = store.Close()
	})

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	<-stopCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mgr.Shutdown(shutdownCtx)

	fmt.Println("watcher stopped")
}
