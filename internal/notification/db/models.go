package db

import "database/sql"

// Notification はnotificationsテーブルの1行。
type Notification struct {
	// ID は通知の一意識別子。
	ID string `db:"id"`
	// UserID は通知先のユーザーID。
	UserID string `db:"user_id"`
	// Type は通知の種類。
	Type string `db:"type"`
	// Title は通知のタイトル。
	Title string `db:"title"`
	// Message は通知メッセージ。
	Message string `db:"message"`
	// TaskID は関連するタスクのID。
	TaskID sql.NullString `db:"task_id"`
	// Data は種類ごとの追加データ（JSON文字列）。
	Data sql.NullString `db:"data"`
	// Status は既読状態。
	Status string `db:"status"`
	// CreatedAt は作成日時（TimeLayoutで整形したUTC文字列）。
	CreatedAt string `db:"created_at"`
}
