package db

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
)

const createNotification = `
INSERT INTO notifications (id, user_id, type, title, message, task_id, data, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// CreateNotificationParams はCreateNotificationの引数。
type CreateNotificationParams struct {
	ID        string
	UserID    string
	Type      string
	Title     string
	Message   string
	TaskID    sql.NullString
	Data      sql.NullString
	Status    string
	CreatedAt string
}

// CreateNotification は通知を1件挿入する。
func (q *Queries) CreateNotification(ctx context.Context, arg CreateNotificationParams) error {
	_, err := q.db.ExecContext(ctx, createNotification,
		arg.ID,
		arg.UserID,
		arg.Type,
		arg.Title,
		arg.Message,
		arg.TaskID,
		arg.Data,
		arg.Status,
		arg.CreatedAt,
	)
	return err
}

const getNotificationByID = `
SELECT id, user_id, type, title, message, task_id, data, status, created_at
FROM notifications
WHERE id = ?`

// GetNotificationByID はIDで通知を1件取得する。存在しない場合はsql.ErrNoRowsを返す。
func (q *Queries) GetNotificationByID(ctx context.Context, id string) (Notification, error) {
	var n Notification
	err := sqlx.GetContext(ctx, q.db, &n, getNotificationByID, id)
	return n, err
}

const listNotificationsByUserID = `
SELECT id, user_id, type, title, message, task_id, data, status, created_at
FROM notifications
WHERE user_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ? OFFSET ?`

// ListNotificationsByUserIDParams はListNotificationsByUserIDの引数。
type ListNotificationsByUserIDParams struct {
	UserID string
	Limit  int64
	Offset int64
}

// ListNotificationsByUserID はユーザーの通知を新しい順に取得する。
func (q *Queries) ListNotificationsByUserID(ctx context.Context, arg ListNotificationsByUserIDParams) ([]Notification, error) {
	items := []Notification{}
	err := sqlx.SelectContext(ctx, q.db, &items, listNotificationsByUserID, arg.UserID, arg.Limit, arg.Offset)
	return items, err
}

const listUnreadNotifications = `
SELECT id, user_id, type, title, message, task_id, data, status, created_at
FROM notifications
WHERE user_id = ? AND status = 'unread'
ORDER BY created_at DESC, id DESC`

// ListUnreadNotifications はユーザーの未読通知を新しい順に取得する。
func (q *Queries) ListUnreadNotifications(ctx context.Context, userID string) ([]Notification, error) {
	items := []Notification{}
	err := sqlx.SelectContext(ctx, q.db, &items, listUnreadNotifications, userID)
	return items, err
}

const markAsRead = `
UPDATE notifications SET status = 'read'
WHERE id = ?`

// MarkAsRead は通知を既読にする。既に既読でもエラーにはならない。
func (q *Queries) MarkAsRead(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, markAsRead, id)
	return err
}

const markAllAsRead = `
UPDATE notifications SET status = 'read'
WHERE user_id = ? AND status = 'unread'`

// MarkAllAsRead はユーザーの未読通知をすべて既読にし、更新した件数を返す。
func (q *Queries) MarkAllAsRead(ctx context.Context, userID string) (int64, error) {
	result, err := q.db.ExecContext(ctx, markAllAsRead, userID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const countUnread = `
SELECT COUNT(*) FROM notifications
WHERE user_id = ? AND status = 'unread'`

// CountUnread はユーザーの未読件数を返す。
func (q *Queries) CountUnread(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := sqlx.GetContext(ctx, q.db, &n, countUnread, userID)
	return n, err
}
