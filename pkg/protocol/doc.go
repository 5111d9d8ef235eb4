// Package protocol はリアルタイム通知のワイヤーフォーマットを定義する。
//
// トランスポート上のフレームはすべてJSONオブジェクトで、"type"フィールドを判別子に持つ。
// サーバーとクライアントの双方がこのパッケージを共有する。
package protocol
