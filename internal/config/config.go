// Package config は通知サービスの設定を読み込む。
//
// 既定値、YAMLファイル、環境変数の順に上書きされる。
// 環境変数名はキーを大文字にして "." を "_" に置き換えたもの（ws.send_buffer → WS_SEND_BUFFER）。
//
// REST APIは常にJWTで認証する。WebSocketのauthenticateフレームも既定でJWTの添付を要求し、
// トークンのユーザーIDと名乗ったユーザーIDが一致しない接続を拒否する。
// ws.require_tokenをfalseにするとauthenticateの名乗りをそのまま信じるので、
// 前段のゲートウェイが認証済みの接続だけを通す構成でのみ無効にすること。
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config は通知サービスの設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string `mapstructure:"port"`
	// DatabasePath はSQLiteファイルのパス。":memory:" でインメモリDBになる。
	DatabasePath string `mapstructure:"database_path"`
	// JWTSecret はJWTの署名鍵。
	JWTSecret string `mapstructure:"jwt_secret"`
	// FrontendURL はフロントエンドのオリジン。CORSとWebSocketのオリジン検査で許可される。
	FrontendURL string `mapstructure:"frontend_url"`
	// LogLevel はログレベル（debug, info, warn, error）。
	LogLevel string `mapstructure:"log_level"`
	// Development はtrueの場合に人間向けのコンソール形式でログを出す。
	Development bool `mapstructure:"development"`
	// ShutdownTimeout はグレースフルシャットダウンの待ち時間。
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// StatsInterval はプレゼンスの集計をログに出す間隔。0で無効。
	StatsInterval time.Duration `mapstructure:"stats_interval"`
	// WS はWebSocket接続の設定。
	WS WSConfig `mapstructure:"ws"`
}

// WSConfig はWebSocket接続の設定。
type WSConfig struct {
	// AllowedOrigins はFrontendURLに加えて接続を許可するオリジン。"*" で全許可。
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// SendBuffer はセッションごとの送信キューの長さ。
	SendBuffer int `mapstructure:"send_buffer"`
	// RequireToken はtrueの場合、authenticateフレームにJWTの添付を要求する。既定はtrue。
	RequireToken bool `mapstructure:"require_token"`
}

// Origins はCORSとWebSocketで許可するオリジンの一覧を返す。
func (c *Config) Origins() []string {
	origins := make([]string, 0, len(c.WS.AllowedOrigins)+1)
	if c.FrontendURL != "" {
		origins = append(origins, c.FrontendURL)
	}
	return append(origins, c.WS.AllowedOrigins...)
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("portが空です")
	}
	if c.DatabasePath == "" {
		return errors.New("database_pathが空です")
	}
	if c.WS.SendBuffer <= 0 {
		return fmt.Errorf("ws.send_bufferは1以上である必要があります: %d", c.WS.SendBuffer)
	}
	if c.StatsInterval < 0 {
		return fmt.Errorf("stats_intervalは0以上である必要があります: %s", c.StatsInterval)
	}
	if c.WS.RequireToken && c.JWTSecret == "" {
		return errors.New("ws.require_tokenを有効にするにはjwt_secretが必要です")
	}
	return nil
}

// setDefaults は既定値を設定する。
// 既定値の無いキーは環境変数から読まれないため、全キーに既定値を持たせる。
func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8085")
	v.SetDefault("database_path", "/data/notification.db")
	v.SetDefault("jwt_secret", "dev-secret-key")
	v.SetDefault("frontend_url", "http://localhost:3000")
	v.SetDefault("log_level", "info")
	v.SetDefault("development", false)
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("stats_interval", time.Minute)
	v.SetDefault("ws.allowed_origins", []string{})
	v.SetDefault("ws.send_buffer", 32)
	v.SetDefault("ws.require_token", true)
}

// Load は設定を読み込む。pathが空、またはファイルが存在しない場合は既定値と環境変数のみを使う。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
				return nil, fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("設定の解析に失敗: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定が不正です: %w", err)
	}
	return cfg, nil
}
