// Package realtime はWebSocketによるリアルタイム配信層を提供する。
//
// Connは1本の物理接続で、書き込みは専用goroutineが有界キューから行う。
// Hubは接続とプレゼンスレジストリを束ねてユーザー宛プッシュとルーム配信を行い、
// Routerは受信フレームを認証・ルーム参加・既読化のコマンドとして処理する。
// 1つの遅いクライアントが他への配信を止めないよう、送信はすべて非ブロッキングで行う。
package realtime
