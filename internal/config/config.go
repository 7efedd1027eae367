// Package config は通知サービスの設定を環境変数と.envファイルから読み込む。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config は通知サービスの全設定を保持する。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// DatabaseDriver は通知ストアのドライバ名（"sqlite" または "pgx"）。
	DatabaseDriver string
	// DatabaseURL は通知ストアの接続文字列。
	DatabaseURL string
	// JWTSecret はJWT検証用の秘密鍵。
	JWTSecret string
	// FrontendURL はCORSで許可するフロントエンドのオリジン。
	FrontendURL string

	// RedisAddr はデッドレター保存先Redisのアドレス。空ならログのみに記録する。
	RedisAddr string
	// DeadLetterKey はデッドレターを積むRedisリストのキー。
	DeadLetterKey string
	// DeadLetterReplayInterval はデッドレター再投入の間隔。
	DeadLetterReplayInterval time.Duration
	// DeadLetterMaxAttempts は再投入を諦めて退避先を移すまでの試行回数。
	DeadLetterMaxAttempts int

	// NATSURL はイベント取り込み元NATSのURL。空なら購読しない。
	NATSURL string
	// NATSSubject は購読するサブジェクト。
	NATSSubject string

	// HeartbeatInterval はライブ接続に送るハートビートの間隔。
	HeartbeatInterval time.Duration
	// ChannelBuffer は1接続あたりの送信キューの長さ。
	ChannelBuffer int
	// StoreRetries は通知ストアへの書き込みリトライ回数。
	StoreRetries int
	// StoreRetryBackoff はリトライ間の待ち時間。
	StoreRetryBackoff time.Duration

	// LogLevel はログレベル。
	LogLevel string
	// LogFormat はログフォーマット（"json" または "text"）。
	LogFormat string
}

// Load は.envファイル（存在する場合）と環境変数から設定を読み込み、検証する。
// 同じキーが両方にある場合は環境変数が優先される。
// envFilesを省略するとカレントディレクトリの.envを読む。
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}

	fileValues, err := godotenv.Read(envFiles...)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf(".envファイルの読み込みに失敗: %w", err)
		}
		fileValues = map[string]string{}
	}
	env := lookup{file: fileValues}

	heartbeat, err := env.duration("HEARTBEAT_INTERVAL", 30*time.Second)
	if err != nil {
		return Config{}, fmt.Errorf("HEARTBEAT_INTERVALの解析に失敗: %w", err)
	}
	replay, err := env.duration("DEAD_LETTER_REPLAY_INTERVAL", 30*time.Second)
	if err != nil {
		return Config{}, fmt.Errorf("DEAD_LETTER_REPLAY_INTERVALの解析に失敗: %w", err)
	}
	backoff, err := env.duration("STORE_RETRY_BACKOFF", 200*time.Millisecond)
	if err != nil {
		return Config{}, fmt.Errorf("STORE_RETRY_BACKOFFの解析に失敗: %w", err)
	}
	buffer, err := env.int("CHANNEL_BUFFER", 16)
	if err != nil {
		return Config{}, fmt.Errorf("CHANNEL_BUFFERの解析に失敗: %w", err)
	}
	retries, err := env.int("STORE_RETRIES", 3)
	if err != nil {
		return Config{}, fmt.Errorf("STORE_RETRIESの解析に失敗: %w", err)
	}
	maxAttempts, err := env.int("DEAD_LETTER_MAX_ATTEMPTS", 10)
	if err != nil {
		return Config{}, fmt.Errorf("DEAD_LETTER_MAX_ATTEMPTSの解析に失敗: %w", err)
	}

	cfg := Config{
		Port:                     env.str("PORT", "8086"),
		DatabaseDriver:           env.str("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:              env.str("DATABASE_URL", "/data/notification.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"),
		JWTSecret:                env.str("JWT_SECRET", ""),
		FrontendURL:              env.str("FRONTEND_URL", "http://localhost:3000"),
		RedisAddr:                env.str("REDIS_ADDR", ""),
		DeadLetterKey:            env.str("DEAD_LETTER_KEY", "notifications:dead-letter"),
		DeadLetterReplayInterval: replay,
		DeadLetterMaxAttempts:    maxAttempts,
		NATSURL:                  env.str("NATS_URL", ""),
		NATSSubject:              env.str("NATS_SUBJECT", "marketplace.events.>"),
		HeartbeatInterval:        heartbeat,
		ChannelBuffer:            buffer,
		StoreRetries:             retries,
		StoreRetryBackoff:        backoff,
		LogLevel:                 env.str("LOG_LEVEL", "info"),
		LogFormat:                env.str("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRETは必須です")
	}
	if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "pgx" {
		return fmt.Errorf("DATABASE_DRIVERは sqlite か pgx を指定してください: %q", c.DatabaseDriver)
	}
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URLは必須です")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("HEARTBEAT_INTERVALは正の値を指定してください")
	}
	if c.DeadLetterReplayInterval <= 0 {
		return errors.New("DEAD_LETTER_REPLAY_INTERVALは正の値を指定してください")
	}
	if c.DeadLetterMaxAttempts < 1 {
		return errors.New("DEAD_LETTER_MAX_ATTEMPTSは1以上を指定してください")
	}
	if c.ChannelBuffer < 1 {
		return errors.New("CHANNEL_BUFFERは1以上を指定してください")
	}
	if c.StoreRetries < 0 {
		return errors.New("STORE_RETRIESは0以上を指定してください")
	}
	return nil
}

// lookup は環境変数を優先し、無ければ.envの値を返す。
type lookup struct {
	file map[string]string
}

func (l lookup) str(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if v := l.file[key]; v != "" {
		return v
	}
	return defaultValue
}

func (l lookup) int(key string, defaultValue int) (int, error) {
	v := l.str(key, "")
	if v == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(v)
}

func (l lookup) duration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := l.str(key, "")
	if v == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(v)
}
