package relay

import (
	"time"

	"github.com/lk2023060901/danmu-garden-relay/internal/relay/admission"
	"github.com/lk2023060901/danmu-garden-relay/internal/relay/correlator"
	"github.com/lk2023060901/danmu-garden-relay/internal/relay/protocol"
	"github.com/lk2023060901/danmu-garden-relay/internal/relay/reaper"
)

const (
	DefaultMaxSessions        = 1000
	DefaultMaxPendingRequests = 10000
)

// Config 为中继引擎配置，由 application 从配置文件的 relay 节点反序列化得到。
type Config struct {
	Admission admission.Config `mapstructure:"admission"`
	Reaper    reaper.Config    `mapstructure:"reaper"`

	// RequestTimeout 为单个中继请求等待结果的最长时间。
	RequestTimeout time.Duration `mapstructure:"request-timeout"`
	// MaxSessions 为同时在线会话数上限，负数表示不限制。
	MaxSessions int `mapstructure:"max-sessions"`
	// MaxPendingRequests 为全局挂起请求上限，负数表示不限制。
	MaxPendingRequests int `mapstructure:"max-pending-requests"`
	// ProtocolVersions 为握手时接受的客户端协议版本范围（semver range）。
	ProtocolVersions string `mapstructure:"protocol-versions"`
}

// FillDefaults 为未设置的字段填充默认值。
func (c *Config) FillDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = correlator.DefaultRequestTimeout
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.MaxPendingRequests == 0 {
		c.MaxPendingRequests = DefaultMaxPendingRequests
	}
	if c.ProtocolVersions == "" {
		c.ProtocolVersions = protocol.DefaultVersionRange
	}
}

func limit(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
