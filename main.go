package main

import (
	"context"

	"github.com/rs/zerolog/log"

	"vipreception/internal/config"
	"vipreception/internal/logging"
	"vipreception/internal/server"
)

func main() {
	// 設定を読み込む (VIP_CONFIG)
	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("設定の読み込みに失敗しました")
	}
	logging.Init(cfg.Logging.Level, cfg.Logging.Format)

	// コンテキストを作成
	ctx := context.Background()

	// サーバーを作成
	srv, err := server.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("サーバーの作成に失敗しました")
	}

	// サーバーを起動
	if err := srv.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("サーバーの起動に失敗しました")
	}
}
