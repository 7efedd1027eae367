package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearEnv はテスト中に設定キーを空にする。t.Setenvを使うため並列実行はできない。
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "DATABASE_DRIVER", "DATABASE_URL", "JWT_SECRET", "FRONTEND_URL",
		"REDIS_ADDR", "DEAD_LETTER_KEY", "DEAD_LETTER_REPLAY_INTERVAL", "DEAD_LETTER_MAX_ATTEMPTS",
		"NATS_URL", "NATS_SUBJECT", "HEARTBEAT_INTERVAL", "CHANNEL_BUFFER",
		"STORE_RETRIES", "STORE_RETRY_BACKOFF", "LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(key, "")
	}
}

func missingEnvFile(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "missing.env")
}

// TestLoad はLoad関数を検証する。
func TestLoad(t *testing.T) {
	t.Run("未設定のキーはデフォルト値になること", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("JWT_SECRET", "secret")

		cfg, err := Load(missingEnvFile(t))
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}

		if cfg.Port != "8086" {
			t.Errorf("Port = %q, want 8086", cfg.Port)
		}
		if cfg.DatabaseDriver != "sqlite" {
			t.Errorf("DatabaseDriver = %q, want sqlite", cfg.DatabaseDriver)
		}
		if cfg.HeartbeatInterval != 30*time.Second {
			t.Errorf("HeartbeatInterval = %v, want 30s", cfg.HeartbeatInterval)
		}
		if cfg.ChannelBuffer != 16 {
			t.Errorf("ChannelBuffer = %d, want 16", cfg.ChannelBuffer)
		}
		if cfg.StoreRetries != 3 {
			t.Errorf("StoreRetries = %d, want 3", cfg.StoreRetries)
		}
		if cfg.DeadLetterMaxAttempts != 10 {
			t.Errorf("DeadLetterMaxAttempts = %d, want 10", cfg.DeadLetterMaxAttempts)
		}
		if cfg.StoreRetryBackoff != 200*time.Millisecond {
			t.Errorf("StoreRetryBackoff = %v, want 200ms", cfg.StoreRetryBackoff)
		}
		if cfg.NATSSubject != "marketplace.events.>" {
			t.Errorf("NATSSubject = %q", cfg.NATSSubject)
		}
		if cfg.RedisAddr != "" || cfg.NATSURL != "" {
			t.Error("RedisとNATSはデフォルトで無効であるべき")
		}
	})

	t.Run("環境変数の値が反映されること", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("JWT_SECRET", "secret")
		t.Setenv("PORT", "9000")
		t.Setenv("DATABASE_DRIVER", "pgx")
		t.Setenv("DATABASE_URL", "postgres://localhost/notifications")
		t.Setenv("HEARTBEAT_INTERVAL", "5s")
		t.Setenv("CHANNEL_BUFFER", "4")
		t.Setenv("STORE_RETRIES", "0")

		cfg, err := Load(missingEnvFile(t))
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		if cfg.Port != "9000" {
			t.Errorf("Port = %q, want 9000", cfg.Port)
		}
		if cfg.DatabaseDriver != "pgx" {
			t.Errorf("DatabaseDriver = %q, want pgx", cfg.DatabaseDriver)
		}
		if cfg.HeartbeatInterval != 5*time.Second {
			t.Errorf("HeartbeatInterval = %v, want 5s", cfg.HeartbeatInterval)
		}
		if cfg.ChannelBuffer != 4 {
			t.Errorf("ChannelBuffer = %d, want 4", cfg.ChannelBuffer)
		}
		if cfg.StoreRetries != 0 {
			t.Errorf("StoreRetries = %d, want 0", cfg.StoreRetries)
		}
	})

	t.Run(".envファイルの値を読み込み、環境変数が優先されること", func(t *testing.T) {
		clearEnv(t)
		path := filepath.Join(t.TempDir(), ".env")
		content := "JWT_SECRET=from-file\nPORT=7000\nNATS_URL=nats://file:4222\n"
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf(".envファイルの作成に失敗: %v", err)
		}
		t.Setenv("PORT", "7100")

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		if cfg.JWTSecret != "from-file" {
			t.Errorf("JWTSecret = %q, want from-file", cfg.JWTSecret)
		}
		if cfg.Port != "7100" {
			t.Errorf("Port = %q, want 7100", cfg.Port)
		}
		if cfg.NATSURL != "nats://file:4222" {
			t.Errorf("NATSURL = %q", cfg.NATSURL)
		}
		if _, ok := os.LookupEnv("NATS_URL"); ok && os.Getenv("NATS_URL") != "" {
			t.Error(".envの値がプロセス環境変数に書き込まれている")
		}
	})

	t.Run("JWT_SECRETが無い場合はエラーになること", func(t *testing.T) {
		clearEnv(t)
		if _, err := Load(missingEnvFile(t)); err == nil {
			t.Error("Load()がエラーを返すべき")
		}
	})

	t.Run("不正な値はエラーになること", func(t *testing.T) {
		tests := []struct {
			name  string
			key   string
			value string
		}{
			{name: "未知のドライバ", key: "DATABASE_DRIVER", value: "mysql"},
			{name: "解析できない間隔", key: "HEARTBEAT_INTERVAL", value: "soon"},
			{name: "ゼロの間隔", key: "HEARTBEAT_INTERVAL", value: "0s"},
			{name: "数値でないバッファ", key: "CHANNEL_BUFFER", value: "big"},
			{name: "ゼロのバッファ", key: "CHANNEL_BUFFER", value: "0"},
			{name: "負のリトライ回数", key: "STORE_RETRIES", value: "-1"},
			{name: "解析できないバックオフ", key: "STORE_RETRY_BACKOFF", value: "later"},
			{name: "ゼロの再投入試行回数", key: "DEAD_LETTER_MAX_ATTEMPTS", value: "0"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				clearEnv(t)
				t.Setenv("JWT_SECRET", "secret")
				t.Setenv(tt.key, tt.value)
				if _, err := Load(missingEnvFile(t)); err == nil {
					t.Errorf("%s=%q でLoad()がエラーを返すべき", tt.key, tt.value)
				}
			})
		}
	})
}
