// Package presence はオンライン状態と会話ルームの参加状態を管理するインメモリのレジストリを提供する。
//
// ユーザーIDごとに1つのアクティブな接続IDのみを保持し、再接続時は後勝ちで置き換える。
// プロセス再起動時には空から再構築される。
package presence
