package event

import (
	"encoding/json"
	"time"

	"github.com/nao1215/taskpulse/pkg/protocol"
)

// Type はタスクライフサイクルのドメインイベントの種類を表す。
type Type string

const (
	// TypeTaskCreated はタスクが作成されたことを表す。
	TypeTaskCreated Type = "TaskCreated"
	// TypeTaskUpdated はタスクの内容が更新されたことを表す。
	TypeTaskUpdated Type = "TaskUpdated"
	// TypeTaskStatusChanged はタスクのステータスが変わったことを表す。
	TypeTaskStatusChanged Type = "TaskStatusChanged"
	// TypeTaskResultUpdated はタスクの結果が更新されたことを表す。
	TypeTaskResultUpdated Type = "TaskResultUpdated"
	// TypeTaskAssigned はタスクが割り当てられたことを表す。
	TypeTaskAssigned Type = "TaskAssigned"
)

// NotificationType はイベント種別に対応する通知種別を返す。
// 通知対象外のイベントの場合はfalseを返す。
func (t Type) NotificationType() (protocol.NotificationType, bool) {
	switch t {
	case TypeTaskCreated:
		return protocol.NotificationTaskCreated, true
	case TypeTaskUpdated:
		return protocol.NotificationTaskUpdated, true
	case TypeTaskStatusChanged:
		return protocol.NotificationTaskStatusChanged, true
	case TypeTaskResultUpdated:
		return protocol.NotificationTaskResultUpdated, true
	case TypeTaskAssigned:
		return protocol.NotificationTaskAssigned, true
	}
	return "", false
}

// Event は業務層で発生したドメインイベント。
// Dispatcherはこれを受け取り、通知として永続化・配信する。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// TaskID は対象タスクの識別子。
	TaskID string `json:"task_id"`
	// RecipientID は通知を受け取るユーザーのID。
	RecipientID string `json:"recipient_id"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data,omitempty"`
	// CreatedAt はイベントが発生した日時。
	CreatedAt time.Time `json:"created_at"`
}

// TaskCreatedData はTaskCreatedイベントのデータ。
type TaskCreatedData struct {
	// CreatedBy はタスクを作成したユーザーのID。
	CreatedBy string `json:"created_by"`
}

// TaskUpdatedData はTaskUpdatedイベントのデータ。
type TaskUpdatedData struct {
	// UpdatedBy は更新したユーザーのID。
	UpdatedBy string `json:"updated_by"`
	// Fields は変更されたフィールド名。
	Fields []string `json:"fields"`
}

// TaskStatusChangedData はTaskStatusChangedイベントのデータ。
type TaskStatusChangedData struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// TaskResultUpdatedData はTaskResultUpdatedイベントのデータ。
type TaskResultUpdatedData struct {
	Result string `json:"result"`
}

// TaskAssignedData はTaskAssignedイベントのデータ。
type TaskAssignedData struct {
	// AssignedBy は割り当てを行ったユーザーのID。
	AssignedBy string `json:"assigned_by"`
}
