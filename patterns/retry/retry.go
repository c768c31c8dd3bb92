// Package retry 提供带指数退避的重试执行器
package retry

import (
	"context"
	"math"
	"time"
)

// Operation 可重试的操作，attempt 从 1 开始
type Operation func(ctx context.Context, attempt int) error

// Config 重试配置
type Config struct {
	MaxAttempts   int           // 最大尝试次数（包括首次）
	InitialDelay  time.Duration // 初始退避延迟
	BackoffFactor float64       // 退避倍数
	MaxDelay      time.Duration // 最大延迟

	// RetryIf 判定错误是否值得重试，为 nil 时任何错误都重试
	RetryIf func(err error) bool
}

// DefaultConfig 返回默认配置：共 3 次尝试，10ms 起步，倍数 2，上限 1s
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		InitialDelay:  10 * time.Millisecond,
		BackoffFactor: 2.0,
		MaxDelay:      time.Second,
	}
}

// Delay 返回第 attempt 次失败后的等待时间
func (c Config) Delay(attempt int) time.Duration {
	factor := c.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := time.Duration(float64(c.InitialDelay) * math.Pow(factor, float64(attempt-1)))
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Do 执行带重试的操作
//
// 返回 nil（任意一次成功）、不可重试的错误、最后一次尝试的错误或 ctx.Err()。
//
//	err := retry.Do(ctx, func(ctx context.Context, attempt int) error {
//	    return handle(ctx)
//	}, retry.DefaultConfig())
func Do(ctx context.Context, op Operation, cfg Config) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(cfg.Delay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		}
	}
	return lastErr
}
