// Package retry は指数バックオフ付きの再試行を提供する
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config は指数バックオフの設定
type Config struct {
	MaxRetries    int           `yaml:"max_retries"`     // 最大再試行回数
	RetryDelay    time.Duration `yaml:"retry_delay"`     // 初回の待機時間
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"` // 待機時間の上限
}

// DefaultConfig は既定の再試行設定を返す
func DefaultConfig() Config {
	return Config{
		MaxRetries:    5,
		RetryDelay:    time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// Backoff はattempt回目 (1始まり) の待機時間を返す
//
// delay = RetryDelay * 2^(attempt-1) をMaxRetryDelayで頭打ちにする
func Backoff(attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 31 {
		attempt = 31
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if cfg.MaxRetryDelay > 0 && (delay > cfg.MaxRetryDelay || delay <= 0) {
		delay = cfg.MaxRetryDelay
	}
	return delay
}

// OnRetry は失敗した試行ごとに呼ばれる
type OnRetry func(attempt int, delay time.Duration, err error)

// Do はfnが成功するまで最大1+MaxRetries回実行する
// 全て失敗した場合は最後のエラーを包んで返す
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error, onRetry OnRetry) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt >= cfg.MaxRetries {
			return fmt.Errorf("再試行回数の上限 (%d回) に達しました: %w", cfg.MaxRetries, lastErr)
		}

		delay := Backoff(attempt+1, cfg)
		if onRetry != nil {
			onRetry(attempt+1, delay, lastErr)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
