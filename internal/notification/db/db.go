// Package db はnotificationsテーブルへのクエリを提供する。
package db

import (
	"github.com/jmoiron/sqlx"
)

// TimeLayout はcreated_at列の書式。
// ナノ秒まで固定幅にすることで文字列の辞書順と時刻順が一致する。
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// Queries はnotificationsテーブルへのクエリを実行する。
type Queries struct {
	db sqlx.ExtContext
}

// New は新しいQueriesを生成する。*sqlx.DBと*sqlx.Txのどちらも渡せる。
func New(db sqlx.ExtContext) *Queries {
	return &Queries{db: db}
}

// WithTx はトランザクション上でクエリを実行するQueriesを返す。
func (q *Queries) WithTx(tx *sqlx.Tx) *Queries {
	return &Queries{db: tx}
}
