package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType はトランスポートフレームの種類を表す。
// すべてのフレームはJSONオブジェクトで、"type"フィールドで判別される。
type FrameType string

const (
	// FrameAuthenticate はクライアントが自身のユーザーIDを名乗るフレーム。
	FrameAuthenticate FrameType = "authenticate"
	// FrameJoinConversation は会話ルームへの参加フレーム。
	FrameJoinConversation FrameType = "joinConversation"
	// FrameLeaveConversation は会話ルームからの退出フレーム。
	FrameLeaveConversation FrameType = "leaveConversation"
	// FrameMarkNotificationRead は通知の既読化フレーム。
	FrameMarkNotificationRead FrameType = "markNotificationRead"

	// FrameNewNotification は型付き通知イベント。
	FrameNewNotification FrameType = "newNotification"
	// FrameBroadcastNotification は汎用エンベロープ形式の通知イベント。
	// newNotificationと同じ通知を運ぶ互換用の経路。
	FrameBroadcastNotification FrameType = "broadcastNotification"
	// FrameNewMessage は会話ルームへの新着メッセージ。
	FrameNewMessage FrameType = "newMessage"
	// FrameConversationUpdated は会話ルームの更新通知。
	FrameConversationUpdated FrameType = "conversationUpdated"
	// FrameNotificationMarkedRead は既読化の確認応答。
	FrameNotificationMarkedRead FrameType = "notificationMarkedRead"
)

// ErrMalformedFrame はフレームがJSONとして解釈できない、またはtypeが無い場合のエラー。
var ErrMalformedFrame = errors.New("不正なフレーム")

// Inbound はクライアントからサーバーへ送られるフレーム。
// typeに応じて使われるフィールドが異なる。
type Inbound struct {
	// Type はフレームの種類。
	Type FrameType `json:"type"`
	// UserID はauthenticateで名乗るユーザーID。
	UserID string `json:"userId,omitempty"`
	// Token はauthenticateに添付される任意のJWT。
	Token string `json:"token,omitempty"`
	// ConversationID はjoin/leaveの対象会話ID。
	ConversationID string `json:"conversationId,omitempty"`
	// NotificationID は既読化対象の通知ID。
	NotificationID string `json:"notificationId,omitempty"`
}

// Outbound はサーバーからクライアントへ送られるフレーム。
type Outbound struct {
	// Type はフレームの種類。
	Type FrameType `json:"type"`
	// Notification は通知系フレームのペイロード。
	Notification *Notification `json:"notification,omitempty"`
	// Message はnewMessageのペイロード。構造は業務層が決める。
	Message json.RawMessage `json:"message,omitempty"`
	// Conversation はconversationUpdatedのペイロード。
	Conversation json.RawMessage `json:"conversation,omitempty"`
	// NotificationID はnotificationMarkedReadの対象通知ID。
	NotificationID string `json:"notificationId,omitempty"`
}

// DecodeInbound は受信データをInboundフレームに変換する。
func DecodeInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if in.Type == "" {
		return Inbound{}, fmt.Errorf("%w: typeがありません", ErrMalformedFrame)
	}
	return in, nil
}

// DecodeOutbound は受信データをOutboundフレームに変換する。クライアント側で使う。
func DecodeOutbound(data []byte) (Outbound, error) {
	var out Outbound
	if err := json.Unmarshal(data, &out); err != nil {
		return Outbound{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if out.Type == "" {
		return Outbound{}, fmt.Errorf("%w: typeがありません", ErrMalformedFrame)
	}
	return out, nil
}

// Authenticate はauthenticateフレームを生成する。
func Authenticate(userID, token string) Inbound {
	return Inbound{Type: FrameAuthenticate, UserID: userID, Token: token}
}

// JoinConversation はjoinConversationフレームを生成する。
func JoinConversation(conversationID string) Inbound {
	return Inbound{Type: FrameJoinConversation, ConversationID: conversationID}
}

// LeaveConversation はleaveConversationフレームを生成する。
func LeaveConversation(conversationID string) Inbound {
	return Inbound{Type: FrameLeaveConversation, ConversationID: conversationID}
}

// MarkNotificationRead はmarkNotificationReadフレームを生成する。
func MarkNotificationRead(notificationID string) Inbound {
	return Inbound{Type: FrameMarkNotificationRead, NotificationID: notificationID}
}

// NotificationMarkedRead は既読化の確認応答フレームを生成する。
func NotificationMarkedRead(notificationID string) Outbound {
	return Outbound{Type: FrameNotificationMarkedRead, NotificationID: notificationID}
}

// NewMessage はnewMessageフレームを生成する。
func NewMessage(message json.RawMessage) Outbound {
	return Outbound{Type: FrameNewMessage, Message: message}
}

// ConversationUpdated はconversationUpdatedフレームを生成する。
func ConversationUpdated(conversation json.RawMessage) Outbound {
	return Outbound{Type: FrameConversationUpdated, Conversation: conversation}
}
