// Package reaper 周期性回收空闲会话，并清理准入控制中过期的尝试记录。
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-relay/internal/relay/session"
	"github.com/lk2023060901/danmu-garden-relay/pkg/log"
	"github.com/lk2023060901/danmu-garden-relay/pkg/metrics"
)

const (
	DefaultCleanupInterval = 5 * time.Minute
	DefaultSessionTimeout  = 10 * time.Minute
)

// SessionStore 是回收器依赖的会话注册表能力。
// DestroyIfIdle 需要在删除前重新判断空闲，Range 得到的只是候选。
type SessionStore interface {
	Range(fn func(sess session.Session) bool)
	DestroyIfIdle(id string, now time.Time, timeout time.Duration) bool
}

// Compactor 清理过期的准入记录，返回被删除的地址数量。
type Compactor interface {
	Compact(now time.Time) int
}

// SweepReport 记录一次清扫的结果。
type SweepReport struct {
	Reaped    int
	Compacted int
}

type Config struct {
	CleanupInterval time.Duration `mapstructure:"cleanup-interval"`
	SessionTimeout  time.Duration `mapstructure:"session-timeout"`
}

func (c *Config) fillDefaults() {
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
}

// Reaper 在独立 goroutine 中按固定间隔执行 Sweep。
type Reaper struct {
	cfg       Config
	sessions  SessionStore
	compactor Compactor
	clock     clock.Clock
	onReap    func(id string)
	logger    *log.MLogger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

type Option func(*Reaper)

// WithOnReap 设置会话被回收后的回调，用于关闭该会话仍然打开的连接。
func WithOnReap(fn func(id string)) Option {
	return func(r *Reaper) {
		r.onReap = fn
	}
}

func New(cfg Config, sessions SessionStore, compactor Compactor, clk clock.Clock, opts ...Option) *Reaper {
	cfg.fillDefaults()
	if clk == nil {
		clk = clock.New()
	}
	r := &Reaper{
		cfg:       cfg,
		sessions:  sessions,
		compactor: compactor,
		clock:     clk,
		logger:    log.With(log.FieldComponent("reaper")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start 启动后台清扫，重复调用无效果。
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.stopped = make(chan struct{})
	ticker := r.clock.Ticker(r.cfg.CleanupInterval)

	go func(stopped chan struct{}) {
		defer close(stopped)
		defer ticker.Stop()
		r.logger.Info("reaper started",
			zap.Duration("interval", r.cfg.CleanupInterval),
			zap.Duration("timeout", r.cfg.SessionTimeout))
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("reaper stopped")
				return
			case now := <-ticker.C:
				r.Sweep(now)
			}
		}
	}(r.stopped)
}

// Stop 停止后台清扫并等待其退出。
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, stopped := r.cancel, r.stopped
	r.cancel, r.stopped = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

// Sweep 逐个销毁空闲超过 SessionTimeout 的会话（级联取消其挂起请求），然后压缩准入记录。
func (r *Reaper) Sweep(now time.Time) SweepReport {
	var idle []string
	r.sessions.Range(func(sess session.Session) bool {
		if sess.IdleFor(now) > r.cfg.SessionTimeout {
			idle = append(idle, sess.ID)
		}
		return true
	})

	report := SweepReport{}
	for _, id := range idle {
		if !r.sessions.DestroyIfIdle(id, now, r.cfg.SessionTimeout) {
			continue
		}
		report.Reaped++
		r.logger.Info("idle session reaped", log.FieldSessionID(id))
		if r.onReap != nil {
			r.onReap(id)
		}
	}
	metrics.SessionsReaped.Add(float64(report.Reaped))

	if r.compactor != nil {
		report.Compacted = r.compactor.Compact(now)
	}
	if report.Reaped > 0 || report.Compacted > 0 {
		r.logger.Debug("sweep finished",
			zap.Int("reaped", report.Reaped),
			zap.Int("compacted", report.Compacted))
	}
	return report
}
