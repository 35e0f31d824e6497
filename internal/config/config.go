// Package config は通知サービスの設定を読み込む。
//
// 設定は既定値、任意のYAMLファイル、NOTIFIER_ で始まる環境変数の順に上書きされる。
// 例えば queue.backend は NOTIFIER_QUEUE_BACKEND で指定できる。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix は環境変数の接頭辞。
const EnvPrefix = "NOTIFIER"

// Config は通知サービス全体の設定。
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	// Port はリッスンポート。
	Port string `mapstructure:"port"`
	// JWTSecret はユーザー向けAPIのトークン検証に使う共有鍵。
	JWTSecret string `mapstructure:"jwt_secret"`
	// InternalToken は内部APIの呼び出しに必要なトークン。空の場合は内部APIもJWTで認証する。
	InternalToken string `mapstructure:"internal_token"`
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// ShutdownTimeout はグレースフルシャットダウンの待ち時間。
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// Heartbeat はライブ接続のキープアライブ間隔。
	Heartbeat time.Duration `mapstructure:"heartbeat"`
}

// DatabaseConfig は通知ストアの設定。
type DatabaseConfig struct {
	// Path はSQLiteファイルのパス。
	Path string `mapstructure:"path"`
	// MaxOpenConns は最大接続数。
	MaxOpenConns int `mapstructure:"max_open_conns"`
	// BusyTimeout はロック待ちのタイムアウト。
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// QueueConfig はディスパッチキューの設定。
type QueueConfig struct {
	// Backend は "sqlite" または "redis"。
	Backend string `mapstructure:"backend"`
	// Name はRedisキューのキー名。
	Name string `mapstructure:"name"`
	// MaxAttempts は試行回数の上限。
	MaxAttempts int `mapstructure:"max_attempts"`
	// Backoff は最初の再試行までの待ち時間。
	Backoff time.Duration `mapstructure:"backoff"`
	// Lease はジョブのリース期間。
	Lease time.Duration `mapstructure:"lease"`
	// KeepCompleted は保持する完了ジョブ数。
	KeepCompleted int `mapstructure:"keep_completed"`
	// KeepFailed は保持する失敗ジョブ数。
	KeepFailed int `mapstructure:"keep_failed"`
}

// RedisConfig はRedis接続の設定。キューとライブ配信の中継で共有する。
type RedisConfig struct {
	Addr           string        `mapstructure:"addr"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	// Channel はライブ配信を中継するPub/Subチャネル。
	Channel string `mapstructure:"channel"`
}

// SchedulerConfig はスケジューラーの設定。
type SchedulerConfig struct {
	// Enabled がfalseの場合、このプロセスでは定期スイープを行わない。
	Enabled bool `mapstructure:"enabled"`
	// Interval は定期スイープの間隔。
	Interval time.Duration `mapstructure:"interval"`
	// Lookback はスイープで遡る期間。
	Lookback time.Duration `mapstructure:"lookback"`
	// CatchUp は起動時に遡る期間。
	CatchUp time.Duration `mapstructure:"catch_up"`
}

// WorkerConfig は配信ワーカーの設定。
type WorkerConfig struct {
	// Enabled がfalseの場合、このプロセスではワーカーを起動しない。
	Enabled bool `mapstructure:"enabled"`
	// Concurrency は同時に処理するジョブ数。
	Concurrency int `mapstructure:"concurrency"`
	// RateLimit は1秒あたりに取り出すジョブ数の上限。
	RateLimit float64 `mapstructure:"rate_limit"`
	// BatchSize は受信者を処理する単位。
	BatchSize int `mapstructure:"batch_size"`
	// BatchConcurrency はバッチ内で同時に処理する受信者数。
	BatchConcurrency int `mapstructure:"batch_concurrency"`
	// PollInterval はキューが空のときの待ち時間。
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// JobTimeout は1ジョブの処理時間の上限。
	JobTimeout time.Duration `mapstructure:"job_timeout"`
	// OpTimeout はストアへの1回の操作の時間の上限。
	OpTimeout time.Duration `mapstructure:"op_timeout"`
	// StalledInterval は停滞ジョブの回収間隔。
	StalledInterval time.Duration `mapstructure:"stalled_interval"`
}

// KafkaConfig は通知作成メッセージの受信設定。
type KafkaConfig struct {
	// Enabled がtrueの場合にKafkaから通知作成メッセージを受け取る。
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// LogConfig はログの設定。
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TracingConfig はトレーシングの設定。
type TracingConfig struct {
	// Endpoint はOTLP gRPCの送信先。空の場合は無効。
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

// setDefaults は既定値を設定する。環境変数での上書きはここで既定値を持つキーに限られる。
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.jwt_secret", "dev-secret-key")
	v.SetDefault("server.internal_token", "")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.heartbeat", 25*time.Second)

	v.SetDefault("database.path", "notifier.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.busy_timeout", 5*time.Second)

	v.SetDefault("queue.backend", "sqlite")
	v.SetDefault("queue.name", "notifications")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff", time.Second)
	v.SetDefault("queue.lease", 30*time.Second)
	v.SetDefault("queue.keep_completed", 100)
	v.SetDefault("queue.keep_failed", 500)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.connect_timeout", 10*time.Second)
	v.SetDefault("redis.command_timeout", 15*time.Second)
	v.SetDefault("redis.channel", "notifier:push")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", time.Minute)
	v.SetDefault("scheduler.lookback", 2*time.Minute)
	v.SetDefault("scheduler.catch_up", 24*time.Hour)

	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.rate_limit", 100.0)
	v.SetDefault("worker.batch_size", 50)
	v.SetDefault("worker.batch_concurrency", 10)
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.job_timeout", 5*time.Minute)
	v.SetDefault("worker.op_timeout", 5*time.Second)
	v.SetDefault("worker.stalled_interval", 5*time.Second)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "notification.create")
	v.SetDefault("kafka.group_id", "notifier")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", true)
}

// Load は設定を読み込む。pathが空の場合や存在しない場合はファイルを読まない。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("設定の解析に失敗: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	switch c.Queue.Backend {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("未対応のキューバックエンドです: %q", c.Queue.Backend)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency は1以上を指定してください: %d", c.Worker.Concurrency)
	}
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("worker.batch_size は1以上を指定してください: %d", c.Worker.BatchSize)
	}
	if c.Scheduler.Interval <= 0 || c.Scheduler.Lookback < c.Scheduler.Interval {
		return fmt.Errorf("scheduler.lookback (%s) は scheduler.interval (%s) 以上を指定してください",
			c.Scheduler.Lookback, c.Scheduler.Interval)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.enabled の場合は kafka.brokers が必要です")
	}
	return nil
}
