package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"vipreception/internal/camera"
)

// TestConfigLoad は設定の読み込みをテストする
func TestConfigLoad(t *testing.T) {
	t.Setenv("VIP_CONFIG", "")

	// 設定を読み込む
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// サーバー設定の検証
	if cfg.Server.Host == "" {
		t.Error("サーバーホストが設定されていません")
	}
	if cfg.Server.ReadTimeout <= 0 {
		t.Error("読み込みタイムアウトが設定されていません")
	}
	// WriteTimeout は 0（無効）でも正常
	if cfg.Server.WriteTimeout < 0 {
		t.Error("書き込みタイムアウトが負の値です")
	}

	// 配信設定のデフォルト値
	if cfg.Stream.SampleInterval != 10 {
		t.Errorf("サンプリング間隔: got %d, want 10", cfg.Stream.SampleInterval)
	}
	if cfg.Stream.QueueDepth != 5 {
		t.Errorf("キューの深さ: got %d, want 5", cfg.Stream.QueueDepth)
	}
	if cfg.Recognition.Threshold != 0.6 {
		t.Errorf("しきい値: got %v, want 0.6", cfg.Recognition.Threshold)
	}
	if cfg.Store.Backend != StoreMemory {
		t.Errorf("ストア: got %s, want memory", cfg.Store.Backend)
	}
	// 来場記録の再試行はソースの再接続より短い
	if cfg.Store.Retry.MaxRetryDelay >= cfg.Stream.Retry.MaxRetryDelay {
		t.Errorf("来場記録の再試行上限が長すぎます: %v", cfg.Store.Retry.MaxRetryDelay)
	}
}

// TestConfigLoadFile はYAMLファイルの読み込みをテストする
func TestConfigLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  port: 9000
stream:
  sample_interval: 5
  startup_timeout: 3s
  retry:
    max_retries: 2
    retry_delay: 500ms
recognition:
  threshold: 0.75
  code_enabled: false
cameras:
  - id: entrance
    name: 正面入口
    source: rtsp://192.168.1.10/stream
    active: true
attendees:
  - id: 42
    first_name: Taro
    qr_code: VIP-42
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("ポート: got %d, want 9000", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("未指定の項目はデフォルト値のまま: got %s", cfg.Server.Host)
	}
	if cfg.Stream.SampleInterval != 5 {
		t.Errorf("サンプリング間隔: got %d, want 5", cfg.Stream.SampleInterval)
	}
	if cfg.Stream.StartupTimeout != 3*time.Second {
		t.Errorf("起動タイムアウト: got %v", cfg.Stream.StartupTimeout)
	}
	if cfg.Stream.Retry.MaxRetries != 2 || cfg.Stream.Retry.RetryDelay != 500*time.Millisecond {
		t.Errorf("再試行設定: got %+v", cfg.Stream.Retry)
	}
	if cfg.Recognition.CodeEnabled {
		t.Error("コード読み取りが無効になっていません")
	}
	if len(cfg.Cameras) != 1 || cfg.Cameras[0].Source != "rtsp://192.168.1.10/stream" {
		t.Errorf("カメラ設定: got %+v", cfg.Cameras)
	}
	if len(cfg.Attendees) != 1 || cfg.Attendees[0].QRCode != "VIP-42" {
		t.Errorf("来場者設定: got %+v", cfg.Attendees)
	}
}

// TestConfigLoadMissingFile は存在しないファイルのエラーをテストする
func TestConfigLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("エラーが期待されましたが、エラーが発生しませんでした")
	}
}

// TestConfigValidation は設定の検証をテストする
func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name      string
		modify    func(c *Config)
		expectErr bool
	}{
		{
			name:      "正常な設定",
			modify:    func(c *Config) {},
			expectErr: false,
		},
		{
			name:      "無効なポート番号",
			modify:    func(c *Config) { c.Server.Port = 99999 },
			expectErr: true,
		},
		{
			name:      "しきい値が範囲外",
			modify:    func(c *Config) { c.Recognition.Threshold = 1.5 },
			expectErr: true,
		},
		{
			name:      "しきい値が0",
			modify:    func(c *Config) { c.Recognition.Threshold = 0 },
			expectErr: true,
		},
		{
			name:      "しきい値が1",
			modify:    func(c *Config) { c.Recognition.Threshold = 1 },
			expectErr: false,
		},
		{
			name:      "サンプリング間隔が0",
			modify:    func(c *Config) { c.Stream.SampleInterval = 0 },
			expectErr: true,
		},
		{
			name:      "キューの深さが0",
			modify:    func(c *Config) { c.Stream.QueueDepth = 0 },
			expectErr: true,
		},
		{
			name:      "未知のストア",
			modify:    func(c *Config) { c.Store.Backend = "redis" },
			expectErr: true,
		},
		{
			name: "DynamoDBのテーブル名なし",
			modify: func(c *Config) {
				c.Store.Backend = StoreDynamoDB
				c.Store.Table = ""
			},
			expectErr: true,
		},
		{
			name: "カメラIDなし",
			modify: func(c *Config) {
				c.Cameras = []camera.Descriptor{{Source: "0"}}
			},
			expectErr: true,
		},
		{
			name: "カメラソースなし",
			modify: func(c *Config) {
				c.Cameras = []camera.Descriptor{{ID: "camera1"}}
			},
			expectErr: true,
		},
		{
			name: "カメラIDの重複",
			modify: func(c *Config) {
				c.Cameras = []camera.Descriptor{
					{ID: "camera1", Source: "0"},
					{ID: "camera1", Source: "1"},
				}
			},
			expectErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Cameras = []camera.Descriptor{{ID: "camera1", Source: "0"}}
			tc.modify(cfg)

			err := cfg.Validate()
			if tc.expectErr && err == nil {
				t.Error("エラーが期待されましたが、エラーが発生しませんでした")
			}
			if !tc.expectErr && err != nil {
				t.Errorf("予期しないエラーが発生しました: %v", err)
			}
		})
	}
}

// TestServerAddress はサーバーアドレスの生成をテストする
func TestServerAddress(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "192.168.1.100",
			Port: 9090,
		},
	}

	expected := "192.168.1.100:9090"
	actual := cfg.ServerAddress()

	if actual != expected {
		t.Errorf("サーバーアドレスが一致しません: got %s, want %s", actual, expected)
	}
}

// TestEnvironmentVariables は環境変数の処理をテストする
func TestEnvironmentVariables(t *testing.T) {
	t.Setenv("VIP_CONFIG", "")
	t.Setenv("SERVER_HOST", "test.example.com")
	t.Setenv("PORT", "9999")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("FACE_SERVICE_URL", "http://face:8001")
	t.Setenv("STORE_BACKEND", "dynamodb")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Host != "test.example.com" {
		t.Errorf("環境変数のホストが反映されていません: got %s, want test.example.com", cfg.Server.Host)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("環境変数のポートが反映されていません: got %d, want 9999", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("ログレベル: got %s", cfg.Logging.Level)
	}
	if cfg.Recognition.FaceServiceURL != "http://face:8001" {
		t.Errorf("顔照合サービスURL: got %s", cfg.Recognition.FaceServiceURL)
	}
	if cfg.Store.Backend != StoreDynamoDB {
		t.Errorf("ストア: got %s", cfg.Store.Backend)
	}
}
