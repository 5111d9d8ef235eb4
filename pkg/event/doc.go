// Package event はタスクライフサイクルで発生するドメインイベントを定義する。
//
// 業務層はタスクの作成・更新・割り当て等の完了後にEventを生成し、
// 通知Dispatcherへ渡す。
package event
