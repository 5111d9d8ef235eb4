// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWT認証トークンの発行と検証、パニックリカバリ、CORS設定を含む。
// オリジン判定とトークン検証はWebSocket接続の受け付けでも共用する。
package middleware
