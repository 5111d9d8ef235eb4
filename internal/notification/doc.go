// Package notification は通知サービスの内部実装を提供する。
//
// 業務層から受け取ったタスクのドメインイベントを通知に変換し、
// SQLiteに保存してから宛先ユーザーのライブセッションへプッシュする。
// 通知の一覧取得、未読件数、既読管理のREST APIと、
// WebSocketエンドポイント（/ws）もこのパッケージのServerが提供する。
package notification
