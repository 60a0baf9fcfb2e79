package agent

import "time"

const (
	defaultFetchTimeout     = 30 * time.Second
	defaultMaxResponseSize  = 4 << 20
	defaultDialAttempts     = 5
	defaultReconnectInitial = 500 * time.Millisecond
	defaultReconnectMax     = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultSendQueueSize    = 64
	defaultWriteTimeout     = 10 * time.Second
)

// Config 描述代理端的配置。
type Config struct {
	// URL 为中继的 WebSocket 地址，例如 ws://relay.example:8080/ws。
	URL string `mapstructure:"url"`
	// Identity 为握手时上报的身份，不能为空。
	Identity string `mapstructure:"identity"`
	// Origin 为握手时携带的 Origin 头，可为空。
	Origin string `mapstructure:"origin"`

	FetchTimeout    time.Duration `mapstructure:"fetch-timeout"`
	MaxResponseSize int64         `mapstructure:"max-response-size"`

	// DialAttempts 为首次连接的最大尝试次数。
	DialAttempts uint `mapstructure:"dial-attempts"`
	// ReconnectInitial/ReconnectMax 控制断线重连的指数退避区间。
	ReconnectInitial time.Duration `mapstructure:"reconnect-initial"`
	ReconnectMax     time.Duration `mapstructure:"reconnect-max"`
	// ReconnectMaxElapsed 为一次断线后持续重连的最长时间，0 表示一直重试。
	ReconnectMaxElapsed time.Duration `mapstructure:"reconnect-max-elapsed"`

	HandshakeTimeout time.Duration `mapstructure:"handshake-timeout"`
	WriteTimeout     time.Duration `mapstructure:"write-timeout"`
	SendQueueSize    int           `mapstructure:"send-queue-size"`
}

func (c *Config) FillDefaults() {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.MaxResponseSize <= 0 {
		c.MaxResponseSize = defaultMaxResponseSize
	}
	if c.DialAttempts == 0 {
		c.DialAttempts = defaultDialAttempts
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = defaultReconnectInitial
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = defaultReconnectMax
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
}
