// 通知クライアントのエントリポイント。
// 通知サービスに接続し、新着通知と会話イベントを標準出力に表示する。
// sendサブコマンドでタスクイベントを送って通知を作ることもできる。
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/nao1215/taskpulse/pkg/logger"
	"github.com/nao1215/taskpulse/pkg/notifyclient"
	"github.com/nao1215/taskpulse/pkg/protocol"
)

func main() {
	cmd := &cli.Command{
		Name:  "notify-client",
		Usage: "通知サービスに接続して新着通知を表示する",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "WebSocketエンドポイントのURL",
				Value:   "ws://localhost:8085/ws",
				Sources: cli.EnvVars("NOTIFY_SERVER"),
			},
			&cli.StringFlag{
				Name:    "api",
				Usage:   "通知REST APIのベースURL",
				Value:   "http://localhost:8085",
				Sources: cli.EnvVars("NOTIFY_API"),
			},
			&cli.StringFlag{
				Name:    "user",
				Aliases: []string{"u"},
				Usage:   "ユーザーID（sendではX-User-IDとして送る）",
				Sources: cli.EnvVars("NOTIFY_USER"),
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "JWT（REST APIとauthenticateに添付する）",
				Sources: cli.EnvVars("NOTIFY_TOKEN"),
			},
			&cli.DurationFlag{
				Name:  "reconnect-delay",
				Usage: "切断から再接続までの待ち時間",
				Value: notifyclient.DefaultReconnectDelay,
			},
			&cli.StringSliceFlag{
				Name:  "conversation",
				Usage: "参加する会話ID（複数指定可）",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "ログレベル（debug, info, warn, error）",
				Value: "warn",
			},
		},
		Commands: []*cli.Command{
			sendCommand(),
		},
		Action: run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "notify-client: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *cli.Command) error {
	if c.String("user") == "" {
		return errors.New("--user の指定が必要です")
	}

	log, err := logger.New(logger.Config{
		ServiceName: "notify-client",
		Level:       c.String("log-level"),
		Development: true,
	})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	m := notifyclient.New(notifyclient.Config{
		ServerURL:      c.String("server"),
		APIBaseURL:     c.String("api"),
		UserID:         c.String("user"),
		Token:          c.String("token"),
		ReconnectDelay: c.Duration("reconnect-delay"),
	},
		notifyclient.WithLogger(log),
		notifyclient.WithAlertHandler(printAlert),
	)

	m.OnNewMessage(func(msg json.RawMessage) {
		fmt.Printf("[message] %s\n", msg)
	})
	m.OnConversationUpdated(func(conv json.RawMessage) {
		fmt.Printf("[conversation] %s\n", conv)
	})
	for _, id := range c.StringSlice("conversation") {
		if err := m.JoinConversation(id); err != nil {
			return err
		}
	}

	if err := m.Start(ctx); err != nil {
		return err
	}
	log.Info("通知サービスに接続します", zap.String("server", c.String("server")))

	<-ctx.Done()
	m.Logout()
	return nil
}

func printAlert(n protocol.Notification) {
	fmt.Printf("[%s] %s %s: %s\n", n.CreatedAt.Local().Format(time.DateTime), n.Type, n.Title, n.Message)
}
