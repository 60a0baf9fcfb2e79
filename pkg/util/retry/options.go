package retry

import (
	"time"

	"github.com/benbjohnson/clock"
)

type config struct {
	attempts     uint
	sleep        time.Duration
	maxSleepTime time.Duration
	isRetryErr   func(err error) bool
	onRetry      func(attempt uint, err error, wait time.Duration)
	clock        clock.Clock
}

func newDefaultConfig() *config {
	return &config{
		attempts:     10,
		sleep:        200 * time.Millisecond,
		maxSleepTime: 3 * time.Second,
		clock:        clock.New(),
	}
}

// Option 用于调整重试行为。
type Option func(*config)

// Attempts 设置最大尝试次数，0 表示不限次数。
func Attempts(attempts uint) Option {
	return func(c *config) {
		c.attempts = attempts
	}
}

// Sleep 设置首次重试前的等待时间，MaxSleepTime 至少为其两倍。
func Sleep(sleep time.Duration) Option {
	return func(c *config) {
		c.sleep = sleep
		if c.maxSleepTime < sleep {
			c.maxSleepTime = 2 * sleep
		}
	}
}

func MaxSleepTime(maxSleepTime time.Duration) Option {
	return func(c *config) {
		if c.sleep < maxSleepTime {
			c.maxSleepTime = maxSleepTime
		} else {
			c.maxSleepTime = 2 * c.sleep
		}
	}
}

// RetryErr 设置判定错误是否值得重试的函数。
func RetryErr(isRetryErr func(err error) bool) Option {
	return func(c *config) {
		c.isRetryErr = isRetryErr
	}
}

// OnRetry 在每次失败、即将等待重试前回调。
func OnRetry(fn func(attempt uint, err error, wait time.Duration)) Option {
	return func(c *config) {
		c.onRetry = fn
	}
}

func WithClock(clk clock.Clock) Option {
	return func(c *config) {
		c.clock = clk
	}
}
