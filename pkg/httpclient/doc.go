// Package httpclient は通知APIを呼び出すためのJSON HTTPクライアントを提供する。
//
// Bearerトークンの付与、タイムアウト設定、2xx以外のレスポンスのStatusErrorへの変換を行う。
// クライアントセッションのハイドレーションと既読化のREST呼び出しで使用する。
package httpclient
