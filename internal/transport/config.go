package transport

import "time"

const (
	defaultPath           = "/ws"
	defaultSendQueueSize  = 256
	defaultWriteTimeout   = 10 * time.Second
	defaultPingInterval   = 30 * time.Second
	defaultExecuteWorkers = 1024
	// fetchComplete 会携带私有服务的完整响应体，因此读限制远大于中继命令本身的限制。
	defaultMaxMessageSize = 8 << 20
)

// Config 描述 WebSocket 接入层的配置。
//
// 说明：
//   - SendQueueSize 控制每个连接的发送缓冲队列大小；
//   - ReadTimeout 为两次读到数据（含 pong）之间允许的最长间隔，为 0 时取 PingInterval 的 3 倍；
//   - WriteTimeout 控制单次写的超时时间；
//   - ExecuteWorkers 为处理 execute 事件的协程池容量，所有连接共享。
type Config struct {
	Path           string        `mapstructure:"path"`
	SendQueueSize  int           `mapstructure:"send-queue-size"`
	ReadTimeout    time.Duration `mapstructure:"read-timeout"`
	WriteTimeout   time.Duration `mapstructure:"write-timeout"`
	PingInterval   time.Duration `mapstructure:"ping-interval"`
	MaxMessageSize int64         `mapstructure:"max-message-size"`
	ExecuteWorkers int           `mapstructure:"execute-workers"`
	// TrustProxyHeaders 为 true 时使用 X-Forwarded-For 的第一个地址作为来源地址。
	TrustProxyHeaders bool `mapstructure:"trust-proxy-headers"`
}

// FillDefaults 为未设置的字段填充默认值。
func (c *Config) FillDefaults() {
	if c.Path == "" {
		c.Path = defaultPath
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 3 * c.PingInterval
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.ExecuteWorkers <= 0 {
		c.ExecuteWorkers = defaultExecuteWorkers
	}
}
