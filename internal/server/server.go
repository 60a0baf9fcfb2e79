// Package server 组装中继对外暴露的 HTTP 接口：WebSocket 接入、运行统计、Prometheus 指标与健康检查。
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-relay/internal/json"
	"github.com/lk2023060901/danmu-garden-relay/internal/relay"
	"github.com/lk2023060901/danmu-garden-relay/pkg/log"
)

const (
	defaultAddress           = ":8080"
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 15 * time.Second
)

type Config struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read-header-timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown-timeout"`
}

func (c *Config) FillDefaults() {
	if c.Address == "" {
		c.Address = defaultAddress
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
}

// StatsProvider 提供只读的运行时统计。
type StatsProvider interface {
	Stats() relay.Stats
}

// WSHandler 是 WebSocket 接入处理器。
type WSHandler interface {
	http.Handler
	Path() string
	Close()
}

type Server struct {
	cfg      Config
	stats    StatsProvider
	ws       WSHandler
	gatherer prometheus.Gatherer
	srv      *http.Server
	logger   *log.MLogger
}

// New 创建 HTTP 服务，指标从 gatherer 读取，为 nil 时使用 prometheus.DefaultGatherer。
func New(cfg Config, stats StatsProvider, ws WSHandler, gatherer prometheus.Gatherer) *Server {
	cfg.FillDefaults()
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:      cfg,
		stats:    stats,
		ws:       ws,
		gatherer: gatherer,
		logger:   log.With(log.FieldComponent("http")),
	}
	s.srv = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

// Handler 返回路由后的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.ws.Path(), s.ws)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	data, err := json.Marshal(s.stats.Stats())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// Serve 在 ln 上提供服务，ctx 取消后优雅关闭：先断开所有 WebSocket 连接，再关闭 HTTP 服务。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.Stringer("address", ln.Addr()))
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.ws.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown http server")
	}
	s.logger.Info("http server stopped")
	return nil
}

// ListenAndServe 监听配置的地址并调用 Serve。
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.cfg.Address)
	}
	return s.Serve(ctx, ln)
}

