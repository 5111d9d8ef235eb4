// 通知サービスのエントリポイント。
// タスクイベントを通知として保存し、接続中のユーザーへWebSocketでプッシュする。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/taskpulse/internal/config"
	"github.com/nao1215/taskpulse/internal/notification"
	"github.com/nao1215/taskpulse/internal/presence"
	"github.com/nao1215/taskpulse/internal/realtime"
	"github.com/nao1215/taskpulse/pkg/logger"
	"github.com/nao1215/taskpulse/pkg/middleware"
)

func main() {
	cmd := &cli.Command{
		Name:  "notification",
		Usage: "タスク通知のリアルタイム配信サービス",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "設定ファイル（YAML）のパス",
				Sources: cli.EnvVars("NOTIFICATION_CONFIG"),
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return run(ctx, c.String("config"))
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "通知サービスの起動に失敗: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		ServiceName: "notification",
		Level:       cfg.LogLevel,
		Development: cfg.Development,
	})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	db, err := notification.OpenDB(cfg.DatabasePath, log)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := realtime.NewMetrics(reg)

	registry := presence.NewRegistry()
	hub := realtime.NewHub(registry, metrics, log)
	store := notification.NewSQLStore(db)

	server := notification.NewServer(notification.Options{
		Port:            cfg.Port,
		Store:           store,
		Hub:             hub,
		Dispatcher:      notification.NewDispatcher(store, hub, log),
		Gatherer:        reg,
		Metrics:         metrics,
		Auth:            middleware.JWTAuth(cfg.JWTSecret),
		AllowedOrigins:  cfg.Origins(),
		SendBuffer:      cfg.WS.SendBuffer,
		TokenVerifier:   tokenVerifier(cfg),
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	if cfg.StatsInterval > 0 {
		g.Go(func() error {
			reportPresence(gctx, registry, cfg.StatsInterval, log)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Error("通知サービスが異常終了しました", zap.Error(err))
		return err
	}
	log.Info("通知サービスを停止しました")
	return nil
}

// tokenVerifier はauthenticateフレームのトークン検証関数を返す。
// ws.require_tokenが無効ならnilを返し、名乗ったユーザーIDをそのまま信じる。
func tokenVerifier(cfg *config.Config) realtime.TokenVerifier {
	if !cfg.WS.RequireToken {
		return nil
	}
	return middleware.UserIDFromToken(cfg.JWTSecret)
}

// reportPresence はオンラインユーザー数とルーム数を定期的にログに出す。
func reportPresence(ctx context.Context, registry *presence.Registry, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Info("プレゼンス",
				zap.Int("online_users", registry.Online()),
				zap.Int("rooms", registry.RoomCount()))
		}
	}
}
