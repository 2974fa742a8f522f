// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port     string // APIサーバーのポート番号
	GinMode  string // Ginの実行モード (debug, release, test)
	LogLevel string // zerologのログレベル

	// 信頼するリバースプロキシ（カンマ区切り）。空なら X-Forwarded-For を無視する
	TrustedProxies []string

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// セッション設定
	SessionSecret   string        // セッションCookie署名用の秘密鍵
	SessionRedisURL string        // セッションレジストリ用Redis接続URL
	SessionIdle     time.Duration // 無操作でセッションが失効するまでの時間
	SessionLifetime time.Duration // ログインからの最大有効期間

	// ログイン試行制限
	LoginMaxAttempts int           // ロックまでの失敗回数
	LoginWindow      time.Duration // 失敗回数を数える期間
	LoginLock        time.Duration // ロック期間

	// データベース設定
	DatabasePath string // SQLiteファイルのパス

	// 認証イベント（Asynq）設定
	EventsEnabled   bool          // 認証イベントをキューへ投入するか
	QueueRedisURL   string        // Asynq用Redis接続URL
	EventsRetention time.Duration // 認証イベントの保持期間
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		Port:     getEnv("PORT", "8080"),
		GinMode:  getEnv("GIN_MODE", "debug"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		TrustedProxies: getEnvAsList("TRUSTED_PROXIES"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:8080"),

		SessionSecret:   getEnv("SESSION_SECRET", ""),
		SessionRedisURL: getEnv("SESSION_REDIS_URL", "redis://127.0.0.1:6379/1"),
		SessionIdle:     time.Duration(getEnvAsInt("SESSION_IDLE_MINUTES", 30)) * time.Minute,
		SessionLifetime: time.Duration(getEnvAsInt("SESSION_LIFETIME_HOURS", 12)) * time.Hour,

		LoginMaxAttempts: getEnvAsInt("LOGIN_MAX_ATTEMPTS", 5),
		LoginWindow:      time.Duration(getEnvAsInt("LOGIN_WINDOW_MINUTES", 15)) * time.Minute,
		LoginLock:        time.Duration(getEnvAsInt("LOGIN_LOCK_MINUTES", 10)) * time.Minute,

		DatabasePath: getEnv("DATABASE_PATH", "./gatekeep.db"),

		EventsEnabled:   getEnvAsBool("EVENTS_ENABLED", true),
		QueueRedisURL:   getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		EventsRetention: time.Duration(getEnvAsInt("EVENTS_RETENTION_DAYS", 30)) * 24 * time.Hour,
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.SessionIdle <= 0 {
		return fmt.Errorf("SESSION_IDLE_MINUTES must be positive")
	}
	if c.SessionLifetime < c.SessionIdle {
		return fmt.Errorf("SESSION_LIFETIME_HOURS must not be shorter than the idle timeout")
	}
	if c.LoginMaxAttempts <= 0 {
		return fmt.Errorf("LOGIN_MAX_ATTEMPTS must be positive")
	}

	// ローカル開発ではシークレットは任意（起動時に使い捨ての値を生成する）
	if c.GinMode == "release" {
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if len(c.SessionSecret) < 32 {
			return fmt.Errorf("SESSION_SECRET must be at least 32 bytes in release mode")
		}
		if c.SessionRedisURL == "" {
			return fmt.Errorf("SESSION_REDIS_URL is required in release mode")
		}
		if c.EventsEnabled && c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required when EVENTS_ENABLED is set")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList はカンマ区切りの環境変数を空要素を除いた配列として取得します。
// 未設定なら nil を返します。
func getEnvAsList(key string) []string {
	var values []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
