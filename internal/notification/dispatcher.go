package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nao1215/taskpulse/internal/realtime"
	"github.com/nao1215/taskpulse/pkg/event"
	"github.com/nao1215/taskpulse/pkg/protocol"
)

// Pusher はユーザーのライブセッションへ通知をプッシュする。
// realtime.Hubが実装する。
type Pusher interface {
	PushNotification(userID string, n protocol.Notification) realtime.PushResult
}

// Dispatcher はドメインイベントを通知に変換し、永続化してからプッシュする。
// 起動時に1つ生成し、必要なコンポーネントへ注入する。
type Dispatcher struct {
	// store は通知の永続化先。
	store Store
	// pusher はライブセッションへのプッシュ先。
	pusher Pusher
	// log はロガー。
	log *zap.Logger
	// now は現在時刻を返す。テストで差し替える。
	now func() time.Time
	// newID は通知IDを生成する。テストで差し替える。
	newID func() string
}

// NewDispatcher は新しいDispatcherを生成する。
func NewDispatcher(store Store, pusher Pusher, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		pusher: pusher,
		log:    log,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// Dispatch はイベントから通知を作って保存し、宛先ユーザーがオンラインならプッシュする。
// メッセージが空のイベントはイベント固有のデータからメッセージを組み立てる。
//
// 保存に失敗した場合はエラーを返し、プッシュは行わない。
// プッシュの失敗（オフライン、送信キュー満杯、送信口の異常）はログに残すだけで、
// 戻り値には影響しない。保存済みの通知は次回のハイドレーションで届く。
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.Event) (protocol.Notification, error) {
	if err := ev.Validate(); err != nil {
		return protocol.Notification{}, fmt.Errorf("イベントが不正です: %w", err)
	}
	notificationType, _ := ev.EventType.NotificationType()
	message := ev.Message
	if message == "" {
		message = ev.DefaultMessage()
	}

	n := protocol.Notification{
		ID:        d.newID(),
		UserID:    ev.RecipientID,
		Type:      notificationType,
		Title:     ev.Title,
		Message:   message,
		TaskID:    ev.TaskID,
		Data:      ev.Data,
		Status:    protocol.StatusUnread,
		CreatedAt: d.now().UTC(),
	}

	if err := d.store.Create(ctx, n); err != nil {
		return protocol.Notification{}, fmt.Errorf("通知の永続化に失敗: %w", err)
	}

	result := d.pusher.PushNotification(n.UserID, n)
	switch {
	case !result.Online:
		d.log.Debug("宛先ユーザーがオフラインのためプッシュを省略",
			zap.String("user_id", n.UserID),
			zap.String("notification_id", n.ID))
	case result.Err() != nil:
		d.log.Warn("通知のプッシュに一部失敗",
			zap.String("user_id", n.UserID),
			zap.String("notification_id", n.ID),
			zap.String("conn_id", result.ConnID),
			zap.Bool("delivered", result.Delivered()),
			zap.Error(result.Err()))
	default:
		d.log.Debug("通知をプッシュしました",
			zap.String("user_id", n.UserID),
			zap.String("notification_id", n.ID))
	}

	return n, nil
}
