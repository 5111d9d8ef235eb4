package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New は新しいドメインイベントを生成する。
// dataにはイベント固有のデータ構造体を渡す。nilの場合Dataは空になる。
func New(eventType Type, taskID, recipientID, title, message string, data any) (*Event, error) {
	var jsonData json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
		}
		jsonData = b
	}

	return &Event{
		ID:          uuid.New().String(),
		EventType:   eventType,
		TaskID:      taskID,
		RecipientID: recipientID,
		Title:       title,
		Message:     message,
		Data:        jsonData,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// ErrInvalid は通知に変換できないイベントを表す。
var ErrInvalid = errors.New("不正なイベント")

// Validate は通知に変換可能なイベントかどうかを検証する。
// 失敗した場合のエラーはErrInvalidをラップしている。
func (e *Event) Validate() error {
	if e.RecipientID == "" {
		return fmt.Errorf("%w: 通知先ユーザーIDが必要です", ErrInvalid)
	}
	if _, ok := e.EventType.NotificationType(); !ok {
		return fmt.Errorf("%w: 通知対象外のイベント種別です: %s", ErrInvalid, e.EventType)
	}
	if e.Title == "" {
		return fmt.Errorf("%w: タイトルが必要です", ErrInvalid)
	}
	return nil
}

// DecodeData はイベントのDataフィールドを指定された型にデシリアライズする。
func DecodeData[T any](e *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}

// DefaultMessage はイベント固有のデータから通知メッセージを組み立てる。
// Dataが無い、または種別に合わない場合は空文字列を返す。
func (e *Event) DefaultMessage() string {
	if len(e.Data) == 0 {
		return ""
	}

	switch e.EventType {
	case TypeTaskCreated:
		if d, err := DecodeData[TaskCreatedData](e); err == nil && d.CreatedBy != "" {
			return fmt.Sprintf("%s がタスクを作成しました", d.CreatedBy)
		}
	case TypeTaskUpdated:
		if d, err := DecodeData[TaskUpdatedData](e); err == nil && d.UpdatedBy != "" {
			if len(d.Fields) == 0 {
				return fmt.Sprintf("%s がタスクを更新しました", d.UpdatedBy)
			}
			return fmt.Sprintf("%s がタスクを更新しました（%s）", d.UpdatedBy, strings.Join(d.Fields, ", "))
		}
	case TypeTaskStatusChanged:
		if d, err := DecodeData[TaskStatusChangedData](e); err == nil && d.To != "" {
			if d.From == "" {
				return fmt.Sprintf("ステータスが %s になりました", d.To)
			}
			return fmt.Sprintf("ステータスが %s から %s に変わりました", d.From, d.To)
		}
	case TypeTaskResultUpdated:
		if d, err := DecodeData[TaskResultUpdatedData](e); err == nil && d.Result != "" {
			return "結果: " + d.Result
		}
	case TypeTaskAssigned:
		if d, err := DecodeData[TaskAssignedData](e); err == nil && d.AssignedBy != "" {
			return fmt.Sprintf("%s がタスクを割り当てました", d.AssignedBy)
		}
	}
	return ""
}
