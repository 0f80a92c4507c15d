// Package main はVIP受付カメラ配信サーバーコマンドの実装です
package main

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"vipreception/internal/config"
	"vipreception/internal/logging"
	"vipreception/internal/server"
)

// CLI flags
var (
	configFlag   string
	hostFlag     string
	portFlag     int
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "カメラ配信と来場者認識のサーバー",
	Long: `カメラ映像をWebSocketで配信し、サンプリングしたフレームで
顔照合とQRコード読み取りを行い、来場記録を作成します。

例:
  server --config config.yaml
  server --port 9090 --log-level debug`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&configFlag, "config", "c", "", "設定ファイルのパス (デフォルト: $VIP_CONFIG)")
	rootCmd.Flags().StringVar(&hostFlag, "host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
	rootCmd.Flags().IntVar(&portFlag, "port", 0, "サーバーのポート (デフォルト: 8080)")
	rootCmd.Flags().StringVar(&logLevelFlag, "log-level", "", "ログレベル (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// 設定を読み込む
	cfg, err := config.Load(configFlag)
	if err != nil {
		return err
	}

	// コマンドラインオプションで設定を上書き
	if hostFlag != "" {
		cfg.Server.Host = hostFlag
	}
	if portFlag != 0 {
		cfg.Server.Port = portFlag
	}
	if logLevelFlag != "" {
		cfg.Logging.Level = logLevelFlag
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Init(cfg.Logging.Level, cfg.Logging.Format)

	ctx := context.Background()
	srv, err := server.Build(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("サーバーの作成に失敗しました")
		return err
	}

	// サーバーを起動
	log.Info().Str("addr", cfg.ServerAddress()).Msg("サーバーを起動します")
	return srv.Start(ctx)
}
