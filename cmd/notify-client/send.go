package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/nao1215/taskpulse/pkg/event"
	"github.com/nao1215/taskpulse/pkg/httpclient"
	"github.com/nao1215/taskpulse/pkg/protocol"
)

// eventsPath はタスクイベントを受け付ける内部APIのパス。
const eventsPath = "/api/v1/internal/events"

// sendInput はsendサブコマンドの入力。
type sendInput struct {
	// Type はイベント種別。
	Type event.Type
	// TaskID は対象タスクのID。
	TaskID string
	// Recipient は通知先ユーザーのID。
	Recipient string
	// Title は通知のタイトル。
	Title string
	// Message は通知の本文。空ならイベントのデータから組み立てられる。
	Message string
	// By は操作したユーザーのID。
	By string
	// From は変更前のステータス。
	From string
	// To は変更後のステータス。
	To string
	// Result はタスクの結果。
	Result string
	// Fields は変更されたフィールド名。
	Fields []string
}

// sendCommand はタスクイベントを1件送信するサブコマンドを返す。
func sendCommand() *cli.Command {
	return &cli.Command{
		Name:  "send",
		Usage: "タスクイベントを通知サービスへ送信する",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "type",
				Usage: "イベント種別（TaskCreated, TaskUpdated, TaskStatusChanged, TaskResultUpdated, TaskAssigned）",
				Value: string(event.TypeTaskAssigned),
			},
			&cli.StringFlag{Name: "task", Usage: "タスクID", Required: true},
			&cli.StringFlag{Name: "recipient", Usage: "通知先ユーザーID", Required: true},
			&cli.StringFlag{Name: "title", Usage: "通知のタイトル", Required: true},
			&cli.StringFlag{Name: "message", Usage: "通知の本文（省略時はイベントのデータから組み立てる）"},
			&cli.StringFlag{Name: "by", Usage: "操作したユーザーID"},
			&cli.StringFlag{Name: "from", Usage: "変更前のステータス"},
			&cli.StringFlag{Name: "to", Usage: "変更後のステータス"},
			&cli.StringFlag{Name: "result", Usage: "タスクの結果"},
			&cli.StringSliceFlag{Name: "field", Usage: "変更されたフィールド名（複数指定可）"},
			&cli.DurationFlag{Name: "timeout", Usage: "リクエストのタイムアウト", Value: httpclient.DefaultTimeout},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			ev, err := buildEvent(sendInput{
				Type:      event.Type(c.String("type")),
				TaskID:    c.String("task"),
				Recipient: c.String("recipient"),
				Title:     c.String("title"),
				Message:   c.String("message"),
				By:        c.String("by"),
				From:      c.String("from"),
				To:        c.String("to"),
				Result:    c.String("result"),
				Fields:    c.StringSlice("field"),
			})
			if err != nil {
				return err
			}

			client := httpclient.New(c.String("api"),
				httpclient.WithTimeout(c.Duration("timeout")),
				httpclient.WithBearerToken(c.String("token")))
			n, err := postEvent(ctx, client, c.String("user"), ev)
			if err != nil {
				return err
			}
			fmt.Printf("通知を作成しました: id=%s recipient=%s\n", n.ID, n.UserID)
			return nil
		},
	}
}

// buildEvent は入力からイベント種別に合ったデータ付きのイベントを組み立てる。
func buildEvent(in sendInput) (*event.Event, error) {
	var data any
	switch in.Type {
	case event.TypeTaskCreated:
		data = event.TaskCreatedData{CreatedBy: in.By}
	case event.TypeTaskUpdated:
		data = event.TaskUpdatedData{UpdatedBy: in.By, Fields: in.Fields}
	case event.TypeTaskStatusChanged:
		data = event.TaskStatusChangedData{From: in.From, To: in.To}
	case event.TypeTaskResultUpdated:
		data = event.TaskResultUpdatedData{Result: in.Result}
	case event.TypeTaskAssigned:
		data = event.TaskAssignedData{AssignedBy: in.By}
	default:
		return nil, fmt.Errorf("%w: 未知のイベント種別です: %s", event.ErrInvalid, in.Type)
	}

	ev, err := event.New(in.Type, in.TaskID, in.Recipient, in.Title, in.Message, data)
	if err != nil {
		return nil, err
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// postEvent はイベントを内部APIへ送り、作成された通知を返す。
// senderが空でなければX-User-IDヘッダーに付ける。
func postEvent(ctx context.Context, client *httpclient.Client, sender string, ev *event.Event) (*protocol.Notification, error) {
	if sender != "" {
		ctx = httpclient.WithUserID(ctx, sender)
	}
	var n protocol.Notification
	if err := client.PostJSON(ctx, eventsPath, ev, &n); err != nil {
		return nil, fmt.Errorf("イベントの送信に失敗: %w", err)
	}
	return &n, nil
}
