package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	notificationdb "github.com/nao1215/taskpulse/internal/notification/db"
	"github.com/nao1215/taskpulse/pkg/protocol"
)

var (
	// ErrNotFound は指定された通知が存在しないことを表す。
	ErrNotFound = errors.New("通知が見つかりません")
	// ErrForbidden は他ユーザーの通知を操作しようとしたことを表す。
	ErrForbidden = errors.New("この通知を操作する権限がありません")
)

// Store は通知の永続化層。
type Store interface {
	// Create は通知を保存する。
	Create(ctx context.Context, n protocol.Notification) error
	// ListByUser はユーザーの通知を新しい順に返す。
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]protocol.Notification, error)
	// ListUnread はユーザーの未読通知を新しい順に返す。
	ListUnread(ctx context.Context, userID string) ([]protocol.Notification, error)
	// MarkRead はユーザー自身の通知を既読にする。
	MarkRead(ctx context.Context, userID, notificationID string) error
	// MarkAllRead はユーザーの未読通知をすべて既読にし、更新件数を返す。
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	// CountUnread はユーザーの未読件数を返す。
	CountUnread(ctx context.Context, userID string) (int64, error)
}

// SQLStore はSQLiteを使ったStoreの実装。
type SQLStore struct {
	// queries はnotificationsテーブルへのクエリ。
	queries *notificationdb.Queries
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore は新しいSQLStoreを生成する。
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{queries: notificationdb.New(db)}
}

// Create は通知を保存する。
func (s *SQLStore) Create(ctx context.Context, n protocol.Notification) error {
	params := notificationdb.CreateNotificationParams{
		ID:        n.ID,
		UserID:    n.UserID,
		Type:      string(n.Type),
		Title:     n.Title,
		Message:   n.Message,
		TaskID:    sql.NullString{String: n.TaskID, Valid: n.TaskID != ""},
		Data:      sql.NullString{String: string(n.Data), Valid: len(n.Data) > 0},
		Status:    string(n.Status),
		CreatedAt: n.CreatedAt.UTC().Format(notificationdb.TimeLayout),
	}
	if err := s.queries.CreateNotification(ctx, params); err != nil {
		return fmt.Errorf("通知 %s の保存に失敗: %w", n.ID, err)
	}
	return nil
}

// ListByUser はユーザーの通知を新しい順に返す。
func (s *SQLStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]protocol.Notification, error) {
	rows, err := s.queries.ListNotificationsByUserID(ctx, notificationdb.ListNotificationsByUserIDParams{
		UserID: userID,
		Limit:  int64(limit),
		Offset: int64(offset),
	})
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	return fromRows(rows)
}

// ListUnread はユーザーの未読通知を新しい順に返す。
func (s *SQLStore) ListUnread(ctx context.Context, userID string) ([]protocol.Notification, error) {
	rows, err := s.queries.ListUnreadNotifications(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("未読通知の取得に失敗: %w", err)
	}
	return fromRows(rows)
}

// MarkRead はユーザー自身の通知を既読にする。
// 存在しない場合はErrNotFound、他ユーザーの通知の場合はErrForbiddenを返す。
func (s *SQLStore) MarkRead(ctx context.Context, userID, notificationID string) error {
	row, err := s.queries.GetNotificationByID(ctx, notificationID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("通知 %s の取得に失敗: %w", notificationID, err)
	}
	if row.UserID != userID {
		return ErrForbidden
	}

	if err := s.queries.MarkAsRead(ctx, notificationID); err != nil {
		return fmt.Errorf("通知 %s の既読化に失敗: %w", notificationID, err)
	}
	return nil
}

// MarkAllRead はユーザーの未読通知をすべて既読にする。
func (s *SQLStore) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	n, err := s.queries.MarkAllAsRead(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("全通知の既読化に失敗: %w", err)
	}
	return n, nil
}

// CountUnread はユーザーの未読件数を返す。
func (s *SQLStore) CountUnread(ctx context.Context, userID string) (int64, error) {
	n, err := s.queries.CountUnread(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("未読件数の取得に失敗: %w", err)
	}
	return n, nil
}

func fromRows(rows []notificationdb.Notification) ([]protocol.Notification, error) {
	out := make([]protocol.Notification, 0, len(rows))
	for _, row := range rows {
		n, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// fromRow はDB行をワイヤー形式の通知に変換する。
func fromRow(row notificationdb.Notification) (protocol.Notification, error) {
	createdAt, err := time.Parse(notificationdb.TimeLayout, row.CreatedAt)
	if err != nil {
		return protocol.Notification{}, fmt.Errorf("通知 %s の作成日時が不正: %w", row.ID, err)
	}

	n := protocol.Notification{
		ID:        row.ID,
		UserID:    row.UserID,
		Type:      protocol.NotificationType(row.Type),
		Title:     row.Title,
		Message:   row.Message,
		Status:    protocol.Status(row.Status),
		CreatedAt: createdAt,
	}
	if row.TaskID.Valid {
		n.TaskID = row.TaskID.String
	}
	if row.Data.Valid && row.Data.String != "" {
		n.Data = json.RawMessage(row.Data.String)
	}
	return n, nil
}
