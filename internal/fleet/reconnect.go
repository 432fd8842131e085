package fleet

import (
	"context"
	"time"
)

// ReconnectConfig はストリーム再接続の指数バックオフ設定
type ReconnectConfig struct {
	MaxRetries    int           `yaml:"max_retries"`     // 連続失敗の上限
	RetryDelay    time.Duration `yaml:"retry_delay"`     // 初回の待ち時間
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"` // 待ち時間の上限
}

// DefaultReconnectConfig はデフォルトの再接続設定を返す
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// calculateBackoff は attempt 回目の待ち時間を返す
//
// delay = RetryDelay * 2^(attempt-1)、上限は MaxRetryDelay
func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return cfg.MaxRetryDelay
	}

	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}

// sleepContext はdだけ待つ。ctxがキャンセルされた場合はfalseを返す
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
