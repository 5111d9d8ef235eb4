// Package notifyclient は通知サービスに接続するクライアントセッションを提供する。
//
// Managerは1ユーザー分のWebSocketセッションを張り、authenticateを送ってから
// 通知一覧をREST APIで一度取得する（ハイドレーション）。切断されると固定の待ち時間で
// 再接続し、Logoutで止まる。
//
// Cacheは新しい順の通知一覧と未読件数を保持する。最初のハイドレーションで取得したIDは
// 抑制集合として凍結され、そのIDのプッシュではアラートを出さない。
package notifyclient
