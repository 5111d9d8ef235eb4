package protocol

import (
	"encoding/json"
	"time"
)

// NotificationType は通知の種類を表す。
type NotificationType string

const (
	// NotificationTaskCreated はタスク作成の通知。
	NotificationTaskCreated NotificationType = "task_created"
	// NotificationTaskUpdated はタスク更新の通知。
	NotificationTaskUpdated NotificationType = "task_updated"
	// NotificationTaskStatusChanged はタスクのステータス変更の通知。
	NotificationTaskStatusChanged NotificationType = "task_status_changed"
	// NotificationTaskResultUpdated はタスク結果の更新の通知。
	NotificationTaskResultUpdated NotificationType = "task_result_updated"
	// NotificationTaskAssigned はタスク割り当ての通知。
	NotificationTaskAssigned NotificationType = "task_assigned"
)

// Valid は既知の通知種別かどうかを返す。
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationTaskCreated, NotificationTaskUpdated, NotificationTaskStatusChanged,
		NotificationTaskResultUpdated, NotificationTaskAssigned:
		return true
	}
	return false
}

// Status は通知の既読状態を表す。
type Status string

const (
	// StatusUnread は未読。
	StatusUnread Status = "unread"
	// StatusRead は既読。
	StatusRead Status = "read"
)

// Notification はユーザーに届く通知。
// 永続化されたレコードが正であり、プッシュされたものはその一時的な写しに過ぎない。
type Notification struct {
	// ID は通知の一意識別子（UUID）。
	ID string `json:"id"`
	// UserID は通知先のユーザーID。
	UserID string `json:"userId"`
	// Type は通知の種類。
	Type NotificationType `json:"type"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// TaskID は関連するタスクのID。無い場合は空文字列。
	TaskID string `json:"taskId,omitempty"`
	// Data は任意の構造化データ。
	Data json.RawMessage `json:"data,omitempty"`
	// Status は既読状態。
	Status Status `json:"status"`
	// CreatedAt は通知の作成日時。表示順はこの値で決める。
	CreatedAt time.Time `json:"createdAt"`
}

// Unread は未読かどうかを返す。
func (n Notification) Unread() bool {
	return n.Status != StatusRead
}
