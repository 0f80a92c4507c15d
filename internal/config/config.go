// Package config はYAMLファイルと環境変数から設定を読み込む
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"vipreception/internal/camera"
	"vipreception/internal/ledger"
	"vipreception/internal/recognition"
	"vipreception/internal/retry"
	"vipreception/internal/store"
)

// ストアの種類
const (
	StoreMemory   = "memory"
	StoreDynamoDB = "dynamodb"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server      ServerConfig        `yaml:"server"`
	Logging     LoggingConfig       `yaml:"logging"`
	Stream      StreamConfig        `yaml:"stream"`
	Recognition RecognitionConfig   `yaml:"recognition"`
	Store       StoreConfig         `yaml:"store"`
	Cameras     []camera.Descriptor `yaml:"cameras"`
	Attendees   []store.Attendee    `yaml:"attendees"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // 読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // 書き込みタイムアウト
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // 停止時にセッションを待つ上限
}

// LoggingConfig はログ出力の設定
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console, json
}

// StreamConfig は配信パイプラインの設定
type StreamConfig struct {
	MaxDimension   int           `yaml:"max_dimension"`   // 配信フレームの長辺
	MaxFrameBytes  int           `yaml:"max_frame_bytes"` // 1フレームの最大バイト数
	SampleInterval int           `yaml:"sample_interval"` // 認識処理を行うフレーム間隔
	StartupTimeout time.Duration `yaml:"startup_timeout"` // ソースの起動待ち
	ReadTimeout    time.Duration `yaml:"read_timeout"`    // 1フレームの読み取り待ち
	QueueDepth     int           `yaml:"queue_depth"`     // 視聴者ごとの未送信フレーム上限
	PingPeriod     time.Duration `yaml:"ping_period"`
	PongWait       time.Duration `yaml:"pong_wait"`
	FFmpegBinary   string        `yaml:"ffmpeg_binary"`
	Retry          retry.Config  `yaml:"retry"`
}

// RecognitionConfig は認識処理の設定
type RecognitionConfig struct {
	Threshold      float64       `yaml:"threshold"`        // 顔照合の採用しきい値
	Timeout        time.Duration `yaml:"timeout"`          // 1回の認識処理の上限
	FaceServiceURL string        `yaml:"face_service_url"` // 空なら顔照合を行わない
	CodeEnabled    bool          `yaml:"code_enabled"`
}

// StoreConfig は永続化の設定
type StoreConfig struct {
	Backend  string `yaml:"backend"`  // memory, dynamodb
	Region   string `yaml:"region"`   // DynamoDBのリージョン
	Table    string `yaml:"table"`    // DynamoDBのテーブル名
	Endpoint string `yaml:"endpoint"` // DynamoDB Local等のエンドポイント

	Retry retry.Config `yaml:"retry"` // 来場記録の書き込みの再試行設定
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    0, // ストリーミング用にタイムアウト無効化
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Stream: StreamConfig{
			MaxDimension:   640,
			MaxFrameBytes:  512 * 1024,
			SampleInterval: 10,
			StartupTimeout: 10 * time.Second,
			ReadTimeout:    5 * time.Second,
			QueueDepth:     5,
			PingPeriod:     30 * time.Second,
			PongWait:       60 * time.Second,
			FFmpegBinary:   "ffmpeg",
			Retry:          retry.DefaultConfig(),
		},
		Recognition: RecognitionConfig{
			Threshold:   recognition.DefaultThreshold,
			Timeout:     3 * time.Second,
			CodeEnabled: true,
		},
		Store: StoreConfig{
			Backend: StoreMemory,
			Region:  "ap-northeast-1",
			Table:   "vip-reception",
			Retry:   ledger.DefaultRetryConfig(),
		},
	}
}

// Load は設定を読み込む
// pathが空ならVIP_CONFIGを参照し、どちらもなければデフォルト値を使う
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("VIP_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Logging.Level = getEnvOrDefault("LOG_LEVEL", c.Logging.Level)
	c.Recognition.FaceServiceURL = getEnvOrDefault("FACE_SERVICE_URL", c.Recognition.FaceServiceURL)
	c.Store.Backend = getEnvOrDefault("STORE_BACKEND", c.Store.Backend)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	var errs []error

	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("無効なポート番号: %d", c.Server.Port))
	}

	// 0ではすべての候補を採用してしまう
	if c.Recognition.Threshold <= 0 || c.Recognition.Threshold > 1 {
		errs = append(errs, fmt.Errorf("しきい値は0より大きく1以下で指定してください: %v", c.Recognition.Threshold))
	}
	if c.Stream.SampleInterval < 1 {
		errs = append(errs, fmt.Errorf("無効なサンプリング間隔: %d", c.Stream.SampleInterval))
	}
	if c.Stream.QueueDepth < 1 {
		errs = append(errs, fmt.Errorf("無効なキューの深さ: %d", c.Stream.QueueDepth))
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StoreDynamoDB:
		if c.Store.Table == "" {
			errs = append(errs, errors.New("DynamoDBのテーブル名が指定されていません"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知のストア: %q", c.Store.Backend))
	}

	seen := make(map[string]bool, len(c.Cameras))
	for i, cam := range c.Cameras {
		if cam.ID == "" {
			errs = append(errs, fmt.Errorf("cameras[%d]: IDが指定されていません", i))
			continue
		}
		if cam.Source == "" {
			errs = append(errs, fmt.Errorf("カメラ %s: ソースが指定されていません", cam.ID))
		}
		if seen[cam.ID] {
			errs = append(errs, fmt.Errorf("カメラIDが重複しています: %s", cam.ID))
		}
		seen[cam.ID] = true
	}

	return errors.Join(errs...)
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
