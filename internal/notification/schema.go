package notification

import (
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/nao1215/taskpulse/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// OpenDB はSQLiteデータベースを開き、未適用のマイグレーションを適用する。
// pathに":memory:"を渡すとインメモリDBになる。
func OpenDB(path string, log *zap.Logger) (*sqlx.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	sqlDB, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if path == ":memory:" {
		// インメモリDBは接続ごとに別のDBになるため1本に制限する
		sqlDB.SetMaxOpenConns(1)
	}

	if err := initSchema(sqlDB, log); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return sqlDB, nil
}

// initSchema はSQLiteデータベースにマイグレーションを適用する。
func initSchema(db *sqlx.DB, log *zap.Logger) error {
	if _, err := migration.Run(db.DB, migrationsFS, "migrations", log); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
