// Package admission 实现连接准入控制：身份校验、来源白名单以及按来源地址的滑动窗口限流。
package admission

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-relay/pkg/log"
	"github.com/lk2023060901/danmu-garden-relay/pkg/metrics"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/typeutil"
)

const (
	DefaultWindow      = 60 * time.Second
	DefaultMaxAttempts = 10

	wildcardOrigin = "*"
)

// DenyReason 表示拒绝连接的原因，空字符串表示放行。
type DenyReason string

const (
	ReasonNone             DenyReason = ""
	ReasonMissingIdentity  DenyReason = "MissingIdentity"
	ReasonOriginNotAllowed DenyReason = "OriginNotAllowed"
	ReasonTooManyAttempts  DenyReason = "TooManyAttempts"
)

// Decision 为一次准入判定的结果。
type Decision struct {
	Allowed bool
	Reason  DenyReason
}

// Err 将拒绝结果转换为 *DeniedError，放行时返回 nil。
func (d Decision) Err(source string) error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{
		Reason: d.Reason,
		cause:  merr.WrapErrAdmissionDenied(string(d.Reason), source),
	}
}

// DeniedError 携带拒绝原因，errors.Is(err, merr.ErrAdmissionDenied) 成立。
type DeniedError struct {
	Reason DenyReason
	cause  error
}

func (e *DeniedError) Error() string { return e.cause.Error() }

func (e *DeniedError) Unwrap() error { return e.cause }

// Config 为准入控制配置。
type Config struct {
	// Window 为限流滑动窗口长度。
	Window time.Duration `mapstructure:"window"`
	// MaxAttempts 为窗口内同一来源地址允许的最大尝试次数。
	MaxAttempts int `mapstructure:"max-attempts"`
	// AllowedOrigins 为来源白名单，为空表示不限制，"*" 表示允许所有来源。
	AllowedOrigins []string `mapstructure:"allowed-origins"`
}

func (c *Config) fillDefaults() {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
}

// Controller 维护每个来源地址的连接尝试时间戳，并发安全。
type Controller struct {
	window      time.Duration
	maxAttempts int
	allowAll    bool
	origins     typeutil.Set[string]

	mu       sync.Mutex
	attempts map[string][]time.Time

	logger *log.MLogger
}

// NewController 创建准入控制器，未设置的字段使用默认值。
func NewController(cfg Config) *Controller {
	cfg.fillDefaults()
	c := &Controller{
		window:      cfg.Window,
		maxAttempts: cfg.MaxAttempts,
		origins:     typeutil.NewSet[string](),
		attempts:    make(map[string][]time.Time),
		logger:      log.With(log.FieldComponent("admission")),
	}
	for _, o := range cfg.AllowedOrigins {
		o = strings.TrimSpace(o)
		if o == wildcardOrigin {
			c.allowAll = true
			continue
		}
		if o != "" {
			c.origins.Insert(o)
		}
	}
	if c.origins.Len() == 0 {
		c.allowAll = true
	}
	return c
}

// Authorize 依次检查身份、来源与滑动窗口限流。
// 只有前两项通过后才会读取并记录本次尝试，被前两项拒绝的尝试不计入窗口。
func (c *Controller) Authorize(sourceAddress, identity, origin string, now time.Time) Decision {
	d := c.authorize(sourceAddress, identity, origin, now)
	metrics.AdmissionDecisions.WithLabelValues(string(d.Reason)).Inc()
	if !d.Allowed {
		c.logger.RatedInfo(1, "connection denied",
			log.FieldSource(sourceAddress),
			zap.String("origin", origin),
			zap.String("reason", string(d.Reason)))
	}
	return d
}

func (c *Controller) authorize(sourceAddress, identity, origin string, now time.Time) Decision {
	if strings.TrimSpace(identity) == "" {
		return Decision{Reason: ReasonMissingIdentity}
	}
	if origin != "" && !c.originAllowed(origin) {
		return Decision{Reason: ReasonOriginNotAllowed}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	recent := c.trim(c.attempts[sourceAddress], now)
	if len(recent) >= c.maxAttempts {
		c.attempts[sourceAddress] = recent
		return Decision{Reason: ReasonTooManyAttempts}
	}
	c.attempts[sourceAddress] = append(recent, now)
	metrics.TrackedAddresses.Set(float64(len(c.attempts)))
	return Decision{Allowed: true}
}

func (c *Controller) originAllowed(origin string) bool {
	if c.allowAll {
		return true
	}
	return c.origins.Contain(origin)
}

// trim 丢弃窗口之外的时间戳，ts 按时间升序排列。
func (c *Controller) trim(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-c.window)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// Compact 清理窗口外的时间戳，并删除已无记录的来源地址，返回被删除的地址数量。
func (c *Controller) Compact(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for addr, ts := range c.attempts {
		recent := c.trim(ts, now)
		if len(recent) == 0 {
			delete(c.attempts, addr)
			removed++
			continue
		}
		c.attempts[addr] = recent
	}
	metrics.TrackedAddresses.Set(float64(len(c.attempts)))
	return removed
}

// Tracked 返回当前仍有尝试记录的来源地址数量。
func (c *Controller) Tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.attempts)
}

// Attempts 返回 sourceAddress 在窗口内的尝试次数。
func (c *Controller) Attempts(sourceAddress string, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := now.Add(-c.window)
	n := 0
	for _, t := range c.attempts[sourceAddress] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
