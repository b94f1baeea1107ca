// Package config は通知リレーサービスの設定を環境変数から読み込む。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// ストアドライバ名。
const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

// Config はサービス全体の設定値。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string `env:"PORT" env-default:"8086"`
	// StoreDriver は使用するストア（sqlite または mongo）。
	StoreDriver string `env:"STORE_DRIVER" env-default:"sqlite"`
	// SQLiteDSN はSQLiteデータベースのDSN。
	SQLiteDSN string `env:"SQLITE_DSN" env-default:"/data/notification.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"`
	// MongoURL はMongoDBの接続URL。StoreDriverがmongoの場合は必須。
	MongoURL string `env:"MONGO_URL"`
	// MongoDatabase はMongoDBのデータベース名。
	MongoDatabase string `env:"MONGO_DATABASE" env-default:"shopnotify"`
	// JWTSecret はJWT署名の検証に使用するシークレット。
	JWTSecret string `env:"JWT_SECRET" env-default:"dev-secret-key"`
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" env-separator:"," env-default:"http://localhost:3000"`
	// FeedPollInterval はSQLiteの変更ログをポーリングする間隔。
	FeedPollInterval time.Duration `env:"FEED_POLL_INTERVAL" env-default:"500ms"`
	// ChangeLogRetention は変更ログを保持する期間。0の場合は削除しない。
	ChangeLogRetention time.Duration `env:"CHANGE_LOG_RETENTION" env-default:"24h"`
	// FeedRetryMinDelay は変更フィード再購読の初回待機時間。
	FeedRetryMinDelay time.Duration `env:"FEED_RETRY_MIN_DELAY" env-default:"500ms"`
	// FeedRetryMaxDelay は変更フィード再購読の最大待機時間。
	FeedRetryMaxDelay time.Duration `env:"FEED_RETRY_MAX_DELAY" env-default:"30s"`
	// DrainTimeout はシャットダウン時に処理中のイベントを待つ上限。
	DrainTimeout time.Duration `env:"DRAIN_TIMEOUT" env-default:"10s"`
	// ShutdownTimeout はHTTPサーバー停止の待機上限。
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"15s"`
	// LogLevel はログレベル。
	LogLevel string `env:"LOG_LEVEL" env-default:"info"`
	// WSSendBuffer はWebSocket接続ごとの送信キュー長。
	WSSendBuffer int `env:"WS_SEND_BUFFER" env-default:"64"`
}

// Load は .env ファイル（存在する場合）と環境変数から設定を読み込む。
func Load() (*Config, error) {
	// .env は開発環境向けの任意ファイルなので、存在しなくてもエラーにしない
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	switch strings.ToLower(c.StoreDriver) {
	case DriverSQLite:
		if c.SQLiteDSN == "" {
			return fmt.Errorf("SQLITE_DSNが空です")
		}
	case DriverMongo:
		if c.MongoURL == "" {
			return fmt.Errorf("STORE_DRIVER=mongo の場合はMONGO_URLが必須です")
		}
		if c.MongoDatabase == "" {
			return fmt.Errorf("MONGO_DATABASEが空です")
		}
	default:
		return fmt.Errorf("未対応のSTORE_DRIVERです: %q", c.StoreDriver)
	}
	if c.FeedRetryMinDelay <= 0 || c.FeedRetryMaxDelay < c.FeedRetryMinDelay {
		return fmt.Errorf("フィード再購読の待機時間が不正です: min=%s, max=%s", c.FeedRetryMinDelay, c.FeedRetryMaxDelay)
	}
	if c.ChangeLogRetention < 0 {
		return fmt.Errorf("CHANGE_LOG_RETENTIONは0以上である必要があります: %s", c.ChangeLogRetention)
	}
	if c.WSSendBuffer <= 0 {
		return fmt.Errorf("WS_SEND_BUFFERは1以上である必要があります: %d", c.WSSendBuffer)
	}
	return nil
}
