package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"vipreception/internal/api"
	"vipreception/internal/codec"
	"vipreception/internal/config"
	"vipreception/internal/store"
	"vipreception/internal/stream"
)

// Deps はサーバーが利用するコンポーネント
type Deps struct {
	Store    store.Store
	Registry *stream.Registry
	Codec    *codec.FrameCodec
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	deps       Deps
	engine     *gin.Engine
	httpServer *http.Server
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, deps Deps) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		config: cfg,
		deps:   deps,
		engine: gin.New(),
	}
	if err := s.setupRoutes(); err != nil {
		return nil, err
	}

	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      s.engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s, nil
}

// Handler はHTTPハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() error {
	doc, err := api.GetSwagger()
	if err != nil {
		return err
	}
	validator, err := requestValidator(doc)
	if err != nil {
		return err
	}

	s.engine.Use(gin.Recovery(), requestLogger(), validator)

	handler := &Handler{
		config:   s.config,
		store:    s.deps.Store,
		registry: s.deps.Registry,
		codec:    s.deps.Codec,
		upgrader: newUpgrader(),
	}
	api.RegisterHandlersWithOptions(s.engine, handler, api.GinServerOptions{
		ErrorHandler: func(c *gin.Context, err error, status int) {
			errorResponse(c, status, "invalid_parameter", err.Error())
		},
	})

	// OpenAPI定義
	s.engine.GET("/api/openapi.json", func(c *gin.Context) {
		c.JSON(http.StatusOK, doc)
	})

	// ルートハンドラ（簡単な確認用）
	s.engine.GET("/", s.handleRoot)
	return nil
}

// handleRoot はルートパスのハンドラ
func (s *Server) handleRoot(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, `<!DOCTYPE html>
<html lang="ja">
<head>
    <meta charset="UTF-8">
    <title>VIP受付 カメラ配信</title>
</head>
<body>
    <h1>VIP受付 カメラ配信</h1>
    <p>サーバーが正常に起動しています。</p>
    <p>カメラ一覧: <a href="/api/cameras">/api/cameras</a></p>
    <p>ステータス: <a href="/api/status">/api/status</a></p>
    <p>ヘルスチェック: <a href="/health">/health</a></p>
</body>
</html>`)
}

// Start はサーバーを起動する
func (s *Server) Start(ctx context.Context) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		log.Info().Str("addr", s.config.ServerAddress()).Msg("HTTPサーバーを起動しています")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		log.Info().Msg("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("シグナルを受信しました")
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown は新しい接続の受付を止め、全セッションを停止してから終了する
func (s *Server) Shutdown() error {
	log.Info().Msg("サーバーをシャットダウンしています...")

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("サーバーのシャットダウンに失敗: %w", err))
	}
	// WebSocket接続はhttp.Serverの管理外なのでセッション側で閉じる
	if s.deps.Registry != nil {
		if err := s.deps.Registry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	log.Info().Msg("サーバーが正常にシャットダウンされました")
	return nil
}
